package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-gauge/internal/aggregate"
	"github.com/23skdu/longbow-gauge/internal/config"
	"github.com/23skdu/longbow-gauge/internal/dataset"
	"github.com/23skdu/longbow-gauge/internal/device"
	"github.com/23skdu/longbow-gauge/internal/divergence"
	"github.com/23skdu/longbow-gauge/internal/flightsink"
	"github.com/23skdu/longbow-gauge/internal/lm"
	"github.com/23skdu/longbow-gauge/internal/logger"
	"github.com/23skdu/longbow-gauge/internal/perplexity"
	"github.com/23skdu/longbow-gauge/internal/report"
	"github.com/23skdu/longbow-gauge/internal/resultstore"
	"github.com/23skdu/longbow-gauge/internal/tokenizer"
)

func (a *app) buildPrepareCmd() *cobra.Command {
	d := config.Default()
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Build prompt/gold pairs for the selected phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPrepare(cmd)
		},
	}
	cmd.Flags().String("corpus-format", d.Corpus.Format, "Corpus file format (raw, jsonl)")
	a.bind(cmd, "corpus.format", "corpus-format")
	return cmd
}

func (a *app) runPrepare(cmd *cobra.Command) error {
	cfg := a.cfg
	if err := cfg.RequireDirs("corpus", "prepared"); err != nil {
		return err
	}
	phase, err := dataset.ResolvePhase(cfg.Phase, cfg.DevCap, cfg.FinalCap)
	if err != nil {
		return err
	}
	files, err := phase.CorpusFiles(cfg.Corpus.Dir, cfg.Corpus.Format)
	if err != nil {
		return err
	}
	docs, err := dataset.ReadCorpus(files, cfg.Corpus.Format)
	if err != nil {
		return err
	}
	tok, err := tokenizer.Load(cfg.Tokenizer)
	if err != nil {
		return err
	}

	b := &dataset.Builder{Tokenizer: tok, PromptWords: cfg.PromptWords, GenLen: cfg.GenLen, Cap: phase.Cap}
	examples, err := b.Build(docs)
	if err != nil {
		return err
	}
	path := phase.PreparedPath(cfg.PreparedDir)
	if err := dataset.WriteExamples(path, examples); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d examples to %s\n", len(examples), path)
	return nil
}

type promptRecord struct {
	Idx    int    `json:"idx"`
	Prompt string `json:"prompt"`
}

func (a *app) buildPromptsCmd() *cobra.Command {
	var (
		out  string
		maxN int
	)
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Export prepared prompts as JSONL for the generator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPrompts(cmd, out, maxN)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Output file, - for stdout")
	cmd.Flags().IntVar(&maxN, "max", 0, "Export at most this many prompts (0 = all)")
	return cmd
}

func (a *app) runPrompts(cmd *cobra.Command, out string, maxN int) error {
	cfg := a.cfg
	if err := cfg.RequireDirs("prepared"); err != nil {
		return err
	}
	phase, err := dataset.ResolvePhase(cfg.Phase, cfg.DevCap, cfg.FinalCap)
	if err != nil {
		return err
	}
	prompts, err := dataset.LoadPrompts(phase.PreparedPath(cfg.PreparedDir), maxN)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if out != "-" {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i, p := range prompts {
		if err := enc.Encode(promptRecord{Idx: i, Prompt: p}); err != nil {
			return fmt.Errorf("encode prompt %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	logger.Log.Info("exported prompts", "count", len(prompts), "out", out)
	return nil
}

func (a *app) buildTrainCmd() *cobra.Command {
	d := config.Default()
	var (
		split   string
		maxDocs int
	)
	cmd := &cobra.Command{
		Use:   "train-lm",
		Short: "Train the n-gram reference model on a corpus split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTrain(cmd, split, maxDocs)
		},
	}
	cmd.Flags().StringVar(&split, "split", "train", "Corpus split to train on (train, validation, test)")
	cmd.Flags().IntVar(&maxDocs, "max-docs", 0, "Train on at most this many documents (0 = all)")
	cmd.Flags().String("out", d.Perplexity.ModelPath, "Where to write the model")
	cmd.Flags().Int("order", d.Perplexity.Order, "n-gram order")
	a.bind(cmd, "ppl.model_path", "out")
	a.bind(cmd, "ppl.order", "order")
	return cmd
}

// vocabHint sizes the unigram base before training.
func vocabHint(tok tokenizer.Adapter) int {
	if v, ok := tok.(interface{ VocabSize() int }); ok {
		return v.VocabSize()
	}
	return max(tok.EOSID(), tok.PadID()) + 1
}

func (a *app) runTrain(cmd *cobra.Command, split string, maxDocs int) error {
	cfg := a.cfg
	if err := cfg.RequireDirs("corpus"); err != nil {
		return err
	}
	if cfg.Perplexity.ModelPath == "" {
		return fmt.Errorf("ppl.model_path is not configured")
	}
	file, err := dataset.SplitFile(cfg.Corpus.Dir, cfg.Corpus.Format, split)
	if err != nil {
		return err
	}
	docs, err := dataset.ReadCorpus([]string{file}, cfg.Corpus.Format)
	if err != nil {
		return err
	}
	if maxDocs > 0 && len(docs) > maxDocs {
		docs = docs[:maxDocs]
	}
	tok, err := tokenizer.Load(cfg.Tokenizer)
	if err != nil {
		return err
	}

	model, err := lm.NewNGram(cfg.Perplexity.Order, vocabHint(tok))
	if err != nil {
		return err
	}
	start := time.Now()
	seqs := make([][]int, 0, len(docs))
	for _, d := range docs {
		ids := tok.Encode(dataset.NormalizeNewlines(d.Text))
		if len(ids) == 0 {
			continue
		}
		seqs = append(seqs, append(ids, tok.EOSID()))
	}
	model.Train(seqs)
	if err := model.Save(cfg.Perplexity.ModelPath); err != nil {
		return err
	}
	logger.Log.Info("trained reference model", "docs", len(seqs), "tokens", model.Tokens(), "elapsed", time.Since(start))
	fmt.Fprintf(cmd.OutOrStdout(), "wrote order-%d model over %d tokens to %s\n", model.Order(), model.Tokens(), cfg.Perplexity.ModelPath)
	return nil
}

func (a *app) buildEvaluateCmd() *cobra.Command {
	d := config.Default()
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score every generated output file for the phase and write the summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runEvaluate(cmd)
		},
	}
	f := cmd.Flags()
	f.String("ppl-model", d.Perplexity.ModelPath, "Reference model file written by train-lm")
	f.Int("ppl-batch-size", d.Perplexity.BatchSize, "Perplexity batch size")
	f.Int("max-len", d.MaxLen, "Truncation length for perplexity and featurization")
	f.Int("max-ctx", d.MaxCtx, "Model context size bounding the window policies")
	f.String("device", d.Device, "Placement (auto, cpu, cuda, metal)")
	f.String("featurizer", string(d.Divergence.Featurizer), "Divergence featurizer (hashing, openai)")
	f.Int("buckets", d.Divergence.Buckets, "Quantization buckets (0 = derive from set sizes)")
	f.String("store", "", "SQLite history database")
	f.String("flight-addr", "", "Arrow Flight endpoint receiving the summary")
	a.bind(cmd, "ppl.model_path", "ppl-model")
	a.bind(cmd, "ppl.batch_size", "ppl-batch-size")
	a.bind(cmd, "max_len", "max-len")
	a.bind(cmd, "max_ctx", "max-ctx")
	a.bind(cmd, "device", "device")
	a.bind(cmd, "divergence.featurizer", "featurizer")
	a.bind(cmd, "divergence.buckets", "buckets")
	a.bind(cmd, "resultstore.path", "store")
	a.bind(cmd, "flight.addr", "flight-addr")
	return cmd
}

func (a *app) runEvaluate(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg := a.cfg
	if err := cfg.RequireDirs("prepared", "outputs", "results"); err != nil {
		return err
	}
	if cfg.Perplexity.ModelPath == "" {
		return fmt.Errorf("ppl.model_path is not configured")
	}
	phase, err := dataset.ResolvePhase(cfg.Phase, cfg.DevCap, cfg.FinalCap)
	if err != nil {
		return err
	}
	if _, err := aggregate.Discover(cfg.OutputsDir, phase); err != nil {
		return err
	}

	ref, err := dataset.LoadReferenceSet(phase.PreparedPath(cfg.PreparedDir))
	if err != nil {
		return err
	}
	tok, err := tokenizer.Load(cfg.Tokenizer)
	if err != nil {
		return err
	}
	dev, err := device.Select(cfg.Device)
	if err != nil {
		return err
	}
	model, err := lm.LoadNGram(cfg.Perplexity.ModelPath)
	if err != nil {
		return err
	}
	if dev.Accelerated() {
		logger.Log.Info("reference model stays on cpu", "device", dev.String())
	}
	model.SetDevice(device.NewContext().String())
	logger.Log.Info("window policies", "gen_len", cfg.GenLen, "max_ctx", cfg.MaxCtx,
		"windows", config.WindowMap(cfg.GenLen, cfg.MaxCtx))

	feat, err := divergence.NewFeaturizer(cfg.Divergence, tok, cfg.MaxLen)
	if err != nil {
		return err
	}
	if c, ok := feat.(*divergence.Cached); ok {
		defer c.Close()
	}
	opts := divergence.DefaultOptions()
	opts.Buckets = cfg.Divergence.Buckets
	if cfg.Divergence.Seed != 0 {
		opts.Seed = cfg.Divergence.Seed
	}

	e := &aggregate.Evaluator{
		Phase:      phase,
		Reference:  ref,
		Tokenizer:  tok,
		Perplexity: &perplexity.Metric{Model: model, Tokenizer: tok, BatchSize: cfg.Perplexity.BatchSize, MaxLen: cfg.MaxLen},
		Divergence: &divergence.Metric{Featurizer: feat, Options: opts, Device: dev},
		GenLen:     cfg.GenLen,
		MaxCtx:     cfg.MaxCtx,
	}
	summaries, err := e.Run(ctx, cfg.OutputsDir)
	if err != nil {
		return err
	}

	if err := report.WriteCSV(report.CSVPath(cfg.ResultsDir, phase), summaries); err != nil {
		return err
	}
	if err := report.WriteArrow(report.ArrowPath(cfg.ResultsDir, phase), summaries); err != nil {
		return err
	}
	if err := report.WriteTable(cmd.OutOrStdout(), summaries); err != nil {
		return err
	}

	run := resultstore.Run{
		ID:        resultstore.NewRunID(),
		Phase:     phase.Phase,
		Split:     phase.Split,
		Subset:    phase.Subset,
		Tokenizer: tok.Name(),
	}
	if cfg.ResultStore.Path != "" {
		store, err := resultstore.Open(cfg.ResultStore.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.SaveRun(ctx, run, summaries); err != nil {
			return err
		}
	}
	if cfg.Flight.Addr != "" {
		if err := publish(cmd, cfg.Flight.Addr, run.ID, summaries); err != nil {
			return err
		}
	}
	return nil
}

func publish(cmd *cobra.Command, addr, runID string, summaries []aggregate.Summary) error {
	fc, err := flightsink.NewFlightClient(addr)
	if err != nil {
		return err
	}
	if err := fc.Connect(cmd.Context()); err != nil {
		return err
	}
	defer fc.Close()
	_, err = fc.DoPut(cmd.Context(), runID, summaries)
	return err
}

func (a *app) buildHistoryCmd() *cobra.Command {
	var (
		limit int
		runID string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded evaluation runs, or show one run's summaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runHistory(cmd, limit, runID)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of runs to list (0 = all)")
	cmd.Flags().StringVar(&runID, "run", "", "Show the summaries of this run")
	cmd.Flags().String("store", "", "SQLite history database")
	a.bind(cmd, "resultstore.path", "store")
	return cmd
}

func (a *app) runHistory(cmd *cobra.Command, limit int, runID string) error {
	if a.cfg.ResultStore.Path == "" {
		return fmt.Errorf("resultstore.path is not configured")
	}
	store, err := resultstore.Open(a.cfg.ResultStore.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if runID != "" {
		summaries, err := store.Summaries(cmd.Context(), runID)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			return fmt.Errorf("run %s not found", runID)
		}
		return report.WriteTable(out, summaries)
	}

	runs, err := store.Runs(cmd.Context(), limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Fprintf(out, "%s  %s  %s/%s/%s  %s  rows=%d\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Phase, r.Split, r.Subset, r.Tokenizer, r.Rows)
	}
	return nil
}
