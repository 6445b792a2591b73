package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-gauge/internal/logger"
)

// WriteExamples stores examples as JSONL, one record per line in index order.
func WriteExamples(path string, examples []Example) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create prepared dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, ex := range examples {
		if err := enc.Encode(ex); err != nil {
			return fmt.Errorf("encode example %d: %w", ex.Index, err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Log.Info("wrote examples", "path", path, "count", len(examples))
	return nil
}

func readExamples(path string, maxN int) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference set: %w", err)
	}
	defer f.Close()

	var out []Example
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), maxLineSize)
	for sc.Scan() {
		if maxN > 0 && len(out) >= maxN {
			break
		}
		var ex Example
		if err := json.Unmarshal(sc.Bytes(), &ex); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, len(out)+1, err)
		}
		ex.Index = len(out)
		out = append(out, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read reference set %s: %w", path, err)
	}
	return out, nil
}

// LoadPrompts returns up to maxN prompts in index order. maxN <= 0 reads all.
func LoadPrompts(path string, maxN int) ([]string, error) {
	examples, err := readExamples(path, maxN)
	if err != nil {
		return nil, err
	}
	prompts := make([]string, len(examples))
	for i, ex := range examples {
		prompts[i] = ex.Prompt
	}
	return prompts, nil
}

// ReferenceSet is the read-only, index-addressed view of a record store.
type ReferenceSet struct {
	path     string
	examples []Example
}

func LoadReferenceSet(path string) (*ReferenceSet, error) {
	examples, err := readExamples(path, 0)
	if err != nil {
		return nil, err
	}
	logger.Log.Debug("loaded reference set", "path", path, "count", len(examples))
	return &ReferenceSet{path: path, examples: examples}, nil
}

// NewReferenceSet wraps in-memory examples, reindexing them by position.
func NewReferenceSet(examples []Example) *ReferenceSet {
	out := make([]Example, len(examples))
	for i, ex := range examples {
		ex.Index = i
		out[i] = ex
	}
	return &ReferenceSet{examples: out}
}

func (r *ReferenceSet) Path() string { return r.path }

func (r *ReferenceSet) Len() int { return len(r.examples) }

func (r *ReferenceSet) Example(i int) (Example, error) {
	if i < 0 || i >= len(r.examples) {
		return Example{}, fmt.Errorf("%w: %d (have %d)", ErrIndexOutOfRange, i, len(r.examples))
	}
	return r.examples[i], nil
}

func (r *ReferenceSet) Prompt(i int) (string, error) {
	ex, err := r.Example(i)
	return ex.Prompt, err
}

func (r *ReferenceSet) Gold(i int) (string, error) {
	ex, err := r.Example(i)
	return ex.Gold, err
}
