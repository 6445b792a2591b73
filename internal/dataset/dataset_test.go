package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/longbow-gauge/internal/tokenizer"
)

// wordTokenizer assigns one id per whitespace-delimited word.
type wordTokenizer struct {
	ids   map[string]int
	words []string
	bos   string
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{ids: map[string]int{"<eos>": 0}, words: []string{"<eos>"}}
}

func (w *wordTokenizer) Encode(text string) []int {
	var out []int
	for _, f := range strings.Fields(text) {
		id, ok := w.ids[f]
		if !ok {
			id = len(w.words)
			w.ids[f] = id
			w.words = append(w.words, f)
		}
		out = append(out, id)
	}
	return out
}

func (w *wordTokenizer) Decode(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = w.words[id]
	}
	return strings.Join(parts, " ")
}

func (w *wordTokenizer) EOSID() int { return 0 }
func (w *wordTokenizer) PadID() int { return 0 }
func (w *wordTokenizer) BOS() (string, bool) { return w.bos, w.bos != "" }
func (w *wordTokenizer) Name() string { return "words" }

// runeTokenizer encodes one id per rune and decodes losslessly.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	var out []int
	for _, r := range text {
		out = append(out, int(r))
	}
	return out
}

func (runeTokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteRune(rune(id))
	}
	return sb.String()
}

func (runeTokenizer) EOSID() int { return 0 }
func (runeTokenizer) PadID() int { return 0 }
func (runeTokenizer) BOS() (string, bool) { return "", false }
func (runeTokenizer) Name() string { return "runes" }

func words(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func TestNormalizeNewlines(t *testing.T) {
	got := NormalizeNewlines("  first line <newline> second <newline>  ")
	if got != "first line\n second" {
		t.Errorf("NormalizeNewlines = %q", got)
	}
}

func TestBuildAcceptsLongDocuments(t *testing.T) {
	tok := newWordTokenizer()
	docs := []Document{
		{Text: words("a", 60)},
		{Text: "   "},
		{Text: words("short", 35)},
		{Text: words("b", 50)},
		{Text: words("c", 55)},
	}
	b := &Builder{Tokenizer: tok, PromptWords: 32, GenLen: 8, Cap: 10}
	examples, err := b.Build(docs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(examples) != 3 {
		t.Fatalf("accepted %d examples, want 3", len(examples))
	}
	for i, ex := range examples {
		if ex.Index != i {
			t.Errorf("example %d has index %d", i, ex.Index)
		}
		if got := len(tok.Encode(ex.Prompt)); got != 32 {
			t.Errorf("prompt %d has %d tokens", i, got)
		}
		full := len(tok.Encode(ex.Prompt + ex.Gold))
		if full < 32+8 {
			t.Errorf("example %d: full %d tokens < prompt + gen_len", i, full)
		}
		if !strings.HasPrefix(ex.Gold, " ") {
			t.Errorf("gold %d should start at the word boundary: %q", i, ex.Gold)
		}
		if tokenizer.Canonical(tok, ex.Prompt) != ex.Prompt {
			t.Errorf("prompt %d is not canonical", i)
		}
	}
	if !strings.HasPrefix(examples[1].Prompt, "b0 b1") {
		t.Errorf("unexpected order: %q", examples[1].Prompt)
	}
}

func TestBuildCapAndBOS(t *testing.T) {
	tok := newWordTokenizer()
	tok.bos = "<s>"
	docs := []Document{{Text: words("a", 50)}, {Text: words("b", 50)}, {Text: words("c", 50)}}

	b := &Builder{Tokenizer: tok, PromptWords: 32, GenLen: 8, Cap: 2}
	examples, err := b.Build(docs)
	if err != nil {
		t.Fatal(err)
	}
	if len(examples) != 2 {
		t.Fatalf("cap ignored: %d examples", len(examples))
	}
	if !strings.HasPrefix(examples[0].Prompt, "<s>a0") {
		t.Errorf("prompt should carry BOS: %q", examples[0].Prompt)
	}
	if strings.Contains(examples[0].Gold, "<s>") {
		t.Errorf("gold should not repeat BOS: %q", examples[0].Gold)
	}
}

func TestBuildGoldFallback(t *testing.T) {
	doc := strings.Replace(words("w", 50), "w0 w1", "w0 <newline> w1", 1)
	b := &Builder{Tokenizer: runeTokenizer{}, PromptWords: 4, GenLen: 8}
	examples, err := b.Build([]Document{{Text: doc}})
	if err != nil {
		t.Fatal(err)
	}
	ex := examples[0]
	if ex.Prompt != "w0 w1 w2 w3" {
		t.Errorf("prompt = %q", ex.Prompt)
	}
	if ex.Gold != NormalizeNewlines(doc) {
		t.Errorf("mismatched prefix should keep the whole text, got %q", ex.Gold)
	}
}

func TestBuildNoExamples(t *testing.T) {
	b := &Builder{Tokenizer: newWordTokenizer(), PromptWords: 32, GenLen: 8}
	_, err := b.Build([]Document{{Text: "too short"}, {Text: ""}})
	if !errors.Is(err, ErrNoExamples) {
		t.Errorf("expected ErrNoExamples, got %v", err)
	}
}

func TestBuildTiktokenRoundTrip(t *testing.T) {
	tok, err := tokenizer.NewTiktoken("r50k_base")
	if err != nil {
		t.Fatal(err)
	}
	text := "The tower is 324 metres tall , about the same height as an 81 @-@ storey building . " +
		"It was the tallest man @-@ made structure in the world for 41 years until the Chrysler Building " +
		"in New York City was finished in 1930 . Due to the addition of a broadcasting aerial at the top"
	b := &Builder{Tokenizer: tok, PromptWords: 32, GenLen: 8}
	examples, err := b.Build([]Document{{Text: text}})
	if err != nil {
		t.Fatal(err)
	}
	ex := examples[0]
	if !strings.HasPrefix(ex.Prompt, tokenizer.EndOfText+"The tower") {
		t.Errorf("prompt = %q", ex.Prompt)
	}
	if tokenizer.Canonical(tok, ex.Prompt) != ex.Prompt || tokenizer.Canonical(tok, ex.Gold) != ex.Gold {
		t.Error("records should be stable under round trip")
	}
	if ex.Prompt+ex.Gold != tokenizer.EndOfText+text {
		t.Errorf("prompt and gold should rebuild the document")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prompts.jsonl")
	in := []Example{
		{Index: 0, Prompt: "<|endoftext|>one", Gold: " two"},
		{Index: 1, Prompt: "three", Gold: " four\nfive"},
	}
	if err := WriteExamples(path, in); err != nil {
		t.Fatalf("WriteExamples: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), `{"prompt":"<|endoftext|>one","gold_cont":" two"}`) {
		t.Errorf("unexpected record layout: %s", data)
	}

	ref, err := LoadReferenceSet(path)
	if err != nil {
		t.Fatalf("LoadReferenceSet: %v", err)
	}
	if ref.Len() != 2 || ref.Path() != path {
		t.Fatalf("Len = %d", ref.Len())
	}
	gold, err := ref.Gold(1)
	if err != nil || gold != " four\nfive" {
		t.Errorf("Gold(1) = %q, %v", gold, err)
	}
	if p, _ := ref.Prompt(0); p != "<|endoftext|>one" {
		t.Errorf("Prompt(0) = %q", p)
	}
	if _, err := ref.Gold(2); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := ref.Gold(-1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange for negative index, got %v", err)
	}

	prompts, err := LoadPrompts(path, 1)
	if err != nil || len(prompts) != 1 || prompts[0] != "<|endoftext|>one" {
		t.Errorf("LoadPrompts = %v, %v", prompts, err)
	}
	if _, err := LoadReferenceSet(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("expected error for missing store")
	}
}

func TestNewReferenceSetReindexes(t *testing.T) {
	ref := NewReferenceSet([]Example{{Index: 7, Gold: "x"}, {Index: 9, Gold: "y"}})
	ex, err := ref.Example(1)
	if err != nil || ex.Index != 1 || ex.Gold != "y" {
		t.Errorf("Example(1) = %+v, %v", ex, err)
	}
}
