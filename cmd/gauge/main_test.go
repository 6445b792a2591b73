package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-gauge/internal/aggregate"
)

var vocabulary = strings.Fields("the river city north bridge old market stone tower king war year " +
	"song album team season game church village road station school film band")

func document(seed, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = vocabulary[(seed*7+i*3+i*i)%len(vocabulary)]
	}
	return strings.Join(parts, " ")
}

func writeCorpus(t *testing.T, dir, split string, docs int, seed int) {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := 0; i < docs; i++ {
		if err := enc.Encode(map[string]string{"text": document(seed+i, 60)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, split+".jsonl"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootHasSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{"prepare": false, "prompts": false, "train-lm": false, "evaluate": false, "history": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %s", name)
		}
	}
}

func TestInvalidConfigFailsBeforeWork(t *testing.T) {
	_, err := execute(t, "prepare", "--phase", "bogus", "--log-level", "error")
	if err == nil || !strings.Contains(err.Error(), "invalid phase") {
		t.Errorf("expected invalid phase error, got %v", err)
	}
}

func TestConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "gauge.yaml")
	yaml := "phase: final\ngen_len: 64\ndivergence:\n  dim: 128\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GAUGE_PPL_BATCH_SIZE", "2")

	a := newApp()
	root := a.rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"history", "--config", cfgPath, "--log-level", "error",
		"--gen-len", "32", "--store", filepath.Join(dir, "history.db")})
	if err := root.Execute(); err != nil {
		t.Fatalf("history: %v", err)
	}

	if a.cfg.Phase != "final" {
		t.Errorf("phase from file = %q", a.cfg.Phase)
	}
	if a.cfg.GenLen != 32 {
		t.Errorf("flag should override file: gen_len = %d", a.cfg.GenLen)
	}
	if a.cfg.Divergence.Dim != 128 {
		t.Errorf("divergence.dim = %d", a.cfg.Divergence.Dim)
	}
	if a.cfg.Perplexity.BatchSize != 2 {
		t.Errorf("env should set ppl.batch_size: got %d", a.cfg.Perplexity.BatchSize)
	}
	if a.cfg.PromptWords != 32 {
		t.Errorf("default prompt_words lost: %d", a.cfg.PromptWords)
	}
	if out.Len() != 0 {
		t.Errorf("empty history printed %q", out.String())
	}
}

func TestPipeline(t *testing.T) {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus")
	if err := os.MkdirAll(corpus, 0o755); err != nil {
		t.Fatal(err)
	}
	writeCorpus(t, corpus, "train", 40, 0)
	writeCorpus(t, corpus, "validation", 6, 100)
	writeCorpus(t, corpus, "test", 6, 200)
	t.Setenv("GAUGE_CORPUS_FORMAT", "jsonl")

	common := []string{
		"--log-level", "error",
		"--corpus-dir", corpus,
		"--prepared-dir", filepath.Join(dir, "prepared"),
		"--outputs-dir", filepath.Join(dir, "outputs"),
		"--results-dir", filepath.Join(dir, "results"),
		"--gen-len", "8",
		"--prompt-words", "10",
	}
	run := func(args ...string) string {
		t.Helper()
		out, err := execute(t, append(args, common...)...)
		if err != nil {
			t.Fatalf("%s: %v\n%s", args[0], err, out)
		}
		return out
	}

	out := run("prepare")
	if !strings.Contains(out, "wrote 12 examples") {
		t.Fatalf("prepare output: %s", out)
	}

	promptsPath := filepath.Join(dir, "prompts.jsonl")
	run("prompts", "--out", promptsPath)
	f, err := os.Open(promptsPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var prompts []promptRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var p promptRecord
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			t.Fatal(err)
		}
		prompts = append(prompts, p)
	}
	if len(prompts) != 12 || prompts[3].Idx != 3 {
		t.Fatalf("unexpected prompts export: %d records", len(prompts))
	}

	model := filepath.Join(dir, "models", "ngram.arrow")
	out = run("train-lm", "--out", model, "--order", "2")
	if !strings.Contains(out, "order-2") {
		t.Errorf("train-lm output: %s", out)
	}

	outputs := filepath.Join(dir, "outputs")
	if err := os.MkdirAll(outputs, 0o755); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range prompts {
		rec := aggregate.GeneratedRecord{
			Idx:     p.Idx,
			Config:  aggregate.RunConfig{T: 1.0, WKey: "max"},
			Prompt:  p.Prompt,
			GenText: p.Prompt + " " + document(p.Idx+300, 8),
		}
		if err := enc.Encode(rec); err != nil {
			t.Fatal(err)
		}
	}
	key := "phase-dev_split-val+test_cap300"
	if err := os.WriteFile(filepath.Join(outputs, "gpt2_"+key+"_T1.0_Wmax.jsonl"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	store := filepath.Join(dir, "history.db")
	out = run("evaluate", "--ppl-model", model, "--store", store, "--device", "cpu")
	if !strings.Contains(out, "MAUVE") || !strings.Contains(out, "max") {
		t.Errorf("evaluate table: %s", out)
	}
	for _, ext := range []string{".csv", ".arrow"} {
		p := filepath.Join(dir, "results", "ablation_metrics_"+key+ext)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}

	out = run("history", "--store", store)
	if !strings.Contains(out, "dev/val+test/cap300") || !strings.Contains(out, "rows=1") {
		t.Errorf("history output: %s", out)
	}
	runID := strings.Fields(out)[0]
	out = run("history", "--store", store, "--run", runID)
	if !strings.Contains(out, "distinct-2") {
		t.Errorf("run detail: %s", out)
	}
	if _, err := execute(t, append([]string{"history", "--store", store, "--run", "missing"}, common...)...); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestVocabHint(t *testing.T) {
	tests := []struct {
		eos, pad int
		want     int
	}{
		{50256, 50256, 50257},
		{2, 0, 3},
	}
	for _, tt := range tests {
		if got := vocabHint(stubTokenizer{eos: tt.eos, pad: tt.pad}); got != tt.want {
			t.Errorf("vocabHint(%d,%d) = %d, want %d", tt.eos, tt.pad, got, tt.want)
		}
	}
	if got := vocabHint(sizedTokenizer{}); got != 7 {
		t.Errorf("VocabSize should win, got %d", got)
	}
}

type stubTokenizer struct{ eos, pad int }

func (s stubTokenizer) Encode(string) []int { return nil }
func (s stubTokenizer) Decode([]int) string { return "" }
func (s stubTokenizer) EOSID() int { return s.eos }
func (s stubTokenizer) PadID() int { return s.pad }
func (s stubTokenizer) BOS() (string, bool) { return "", false }
func (s stubTokenizer) Name() string { return "stub" }

type sizedTokenizer struct{ stubTokenizer }

func (sizedTokenizer) VocabSize() int { return 7 }
