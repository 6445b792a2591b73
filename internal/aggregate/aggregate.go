// Package aggregate joins generated-output files with the reference set and
// produces one summary record per generation configuration.
package aggregate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-gauge/internal/config"
	"github.com/23skdu/longbow-gauge/internal/dataset"
	"github.com/23skdu/longbow-gauge/internal/diversity"
	"github.com/23skdu/longbow-gauge/internal/logger"
	"github.com/23skdu/longbow-gauge/internal/metrics"
	"github.com/23skdu/longbow-gauge/internal/tokenizer"
)

var ErrNoOutputs = errors.New("no generated-output files match")

// IndexNotFoundError reports a generated record whose idx is not in the reference set.
type IndexNotFoundError struct {
	Index int
	File  string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("%s: idx %d not found in reference set", e.File, e.Index)
}

// RunConfig is the configuration descriptor of one generation run.
type RunConfig struct {
	T    float64 `json:"T"`
	WKey string  `json:"W_key"`
}

// GeneratedRecord is one line of a generated-output file.
type GeneratedRecord struct {
	Idx          int       `json:"idx"`
	Config       RunConfig `json:"config"`
	Prompt       string    `json:"prompt"`
	GenText      string    `json:"gen_text"`
	Continuation *string   `json:"continuation,omitempty"`
}

// ContinuationText returns the explicit continuation, or the generated text
// after the prompt's length in characters.
func (r GeneratedRecord) ContinuationText() string {
	if r.Continuation != nil {
		return *r.Continuation
	}
	n := utf8.RuneCountInString(r.Prompt)
	i := 0
	for pos := range r.GenText {
		if i == n {
			return r.GenText[pos:]
		}
		i++
	}
	return ""
}

type Summary struct {
	Phase     string
	Split     string
	Subset    string
	T         float64
	W         string
	WTokens   int
	Distinct1 float64
	Distinct2 float64
	MAUVE     float64
	PPL       float64
	File      string
}

// PerplexityScorer is the fluency capability.
type PerplexityScorer interface {
	Score(ctx context.Context, texts []string) (float64, error)
}

// DivergenceScorer is the distributional-similarity capability.
type DivergenceScorer interface {
	Score(ctx context.Context, generated, reference []string) (float64, error)
}

// Pattern is the glob selecting a phase's generated-output files.
func Pattern(outputsDir string, phase dataset.PhaseSpec) string {
	return filepath.Join(outputsDir, "*_"+phase.Key()+"_*.jsonl")
}

// Discover lists matching output files in lexicographic order.
func Discover(outputsDir string, phase dataset.PhaseSpec) ([]string, error) {
	pattern := Pattern(outputsDir, phase)
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad output pattern %q: %w", pattern, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w %s", ErrNoOutputs, pattern)
	}
	sort.Strings(files)
	logger.Log.Info("discovered generated outputs", "pattern", pattern, "files", len(files))
	return files, nil
}

// ReadGenerated reads every record of a generated-output file.
func ReadGenerated(path string) ([]GeneratedRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []GeneratedRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)
	line := 0
	for sc.Scan() {
		line++
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var r GeneratedRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		rows = append(rows, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

// Evaluator computes the four metrics for generated-output files.
type Evaluator struct {
	Phase      dataset.PhaseSpec
	Reference  *dataset.ReferenceSet
	Tokenizer  tokenizer.Adapter
	Perplexity PerplexityScorer
	Divergence DivergenceScorer
	GenLen     int
	MaxCtx     int
}

// EvaluateFile scores one file. ok is false when the file has no records.
func (e *Evaluator) EvaluateFile(ctx context.Context, path string) (s Summary, ok bool, err error) {
	rows, err := ReadGenerated(path)
	if err != nil {
		return Summary{}, false, err
	}
	if len(rows) == 0 {
		logger.Log.Warn("skipping empty output file", "file", path)
		return Summary{}, false, nil
	}

	gens := make([]string, len(rows))
	refs := make([]string, len(rows))
	for i, r := range rows {
		gold, err := e.Reference.Gold(r.Idx)
		if err != nil {
			metrics.RecordLookupFailure()
			return Summary{}, false, &IndexNotFoundError{Index: r.Idx, File: path}
		}
		gens[i] = r.ContinuationText()
		refs[i] = gold
	}

	cfg := rows[0].Config
	wTokens, werr := config.ResolveWindow(cfg.WKey, e.GenLen, e.MaxCtx)
	if werr != nil {
		logger.Log.Warn("unrecognised window key", "file", path, "W_key", cfg.WKey)
	}

	s = Summary{
		Phase:     e.Phase.Phase,
		Split:     e.Phase.Split,
		Subset:    e.Phase.Subset,
		T:         cfg.T,
		W:         cfg.WKey,
		WTokens:   wTokens,
		Distinct1: diversity.DistinctN(gens, e.Tokenizer, 1),
		Distinct2: diversity.DistinctN(gens, e.Tokenizer, 2),
		File:      path,
	}
	if s.PPL, err = e.Perplexity.Score(ctx, gens); err != nil {
		return Summary{}, false, fmt.Errorf("%s: perplexity: %w", path, err)
	}
	if s.MAUVE, err = e.Divergence.Score(ctx, gens, refs); err != nil {
		return Summary{}, false, fmt.Errorf("%s: divergence: %w", path, err)
	}

	metrics.RecordSummary()
	logger.Log.Info("evaluated outputs",
		"file", filepath.Base(path),
		"records", len(rows),
		"T", s.T,
		"W", s.W,
		"distinct_1", s.Distinct1,
		"distinct_2", s.Distinct2,
		"mauve", s.MAUVE,
		"ppl", s.PPL)
	return s, true, nil
}

// Run discovers and evaluates every output file of the phase and returns the
// summaries in report order.
func (e *Evaluator) Run(ctx context.Context, outputsDir string) ([]Summary, error) {
	files, err := Discover(outputsDir, e.Phase)
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, f := range files {
		s, ok, err := e.EvaluateFile(ctx, f)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	Sort(out)
	return out, nil
}

// Sort orders summaries by temperature and resolved window, then by file
// path. The window key only separates rows whose window did not resolve.
func Sort(s []Summary) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.T != b.T {
			return a.T < b.T
		}
		if a.WTokens != b.WTokens {
			return a.WTokens < b.WTokens
		}
		if a.WTokens == 0 && a.W != b.W {
			return a.W < b.W
		}
		return a.File < b.File
	})
}
