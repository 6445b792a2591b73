package tokenizer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/23skdu/longbow-gauge/internal/gguf"
)

type vocabMode int

const (
	modePlain vocabMode = iota
	modeByteLevel
	modeSentencePiece
)

const spmSpace = "▁"

// Tokenizer is an Adapter over a vocabulary read from GGUF metadata.
// Encoding is greedy longest-match against the vocabulary; merges are not applied.
type Tokenizer struct {
	tokens []string
	index  map[string]int
	maxLen int
	mode   vocabMode
	model  string

	bos, eos, pad, unk int
	specials           []string
}

// New reads the vocabulary of the GGUF file at path.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load gguf: %w", err)
	}
	return FromGGUF(f)
}

// FromGGUF builds a Tokenizer from parsed metadata.
func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	tokens, err := f.Strings(gguf.KeyTokens)
	if err != nil {
		return nil, fmt.Errorf("vocabulary: %w", err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}
	model, _ := f.String(gguf.KeyModel)

	t := &Tokenizer{
		tokens: tokens,
		index:  make(map[string]int, len(tokens)),
		model:  model,
		bos:    -1,
		eos:    -1,
		pad:    -1,
		unk:    -1,
	}
	switch model {
	case "gpt2":
		t.mode = modeByteLevel
	case "llama":
		t.mode = modeSentencePiece
	}

	for i, tok := range tokens {
		if _, dup := t.index[tok]; !dup {
			t.index[tok] = i
		}
		if len(tok) > t.maxLen {
			t.maxLen = len(tok)
		}
	}

	lookup := func(key string) int {
		id, ok := f.Int(key)
		if !ok || id < 0 || id >= len(tokens) {
			return -1
		}
		return id
	}
	t.bos = lookup(gguf.KeyBOSTokenID)
	t.eos = lookup(gguf.KeyEOSTokenID)
	t.pad = lookup(gguf.KeyPadTokenID)
	t.unk = lookup(gguf.KeyUnkTokenID)
	if t.eos < 0 {
		return nil, fmt.Errorf("vocabulary defines no eos token")
	}
	if t.pad < 0 {
		t.pad = t.eos
	}

	seen := map[string]bool{}
	for _, id := range []int{t.bos, t.eos, t.pad} {
		if id < 0 || seen[tokens[id]] || tokens[id] == "" {
			continue
		}
		seen[tokens[id]] = true
		t.specials = append(t.specials, tokens[id])
	}
	return t, nil
}

func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for text != "" {
		pos, special := t.nextSpecial(text)
		if pos < 0 {
			return t.encodeSegment(text, ids)
		}
		ids = t.encodeSegment(text[:pos], ids)
		ids = append(ids, t.index[special])
		text = text[pos+len(special):]
	}
	return ids
}

func (t *Tokenizer) nextSpecial(text string) (int, string) {
	best, bestTok := -1, ""
	for _, s := range t.specials {
		if i := strings.Index(text, s); i >= 0 && (best < 0 || i < best || (i == best && len(s) > len(bestTok))) {
			best, bestTok = i, s
		}
	}
	return best, bestTok
}

func (t *Tokenizer) encodeSegment(text string, ids []int) []int {
	switch t.mode {
	case modeByteLevel:
		text = bytesToUnicode(text)
	case modeSentencePiece:
		text = strings.ReplaceAll(text, " ", spmSpace)
	}

	for i := 0; i < len(text); {
		n := min(t.maxLen, len(text)-i)
		matched := false
		for ; n > 0; n-- {
			if id, ok := t.index[text[i:i+n]]; ok {
				ids = append(ids, id)
				i += n
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		_, size := utf8.DecodeRuneInString(text[i:])
		ids = t.fallback(text[i:i+size], ids)
		i += size
	}
	return ids
}

// fallback handles a rune with no vocabulary entry.
func (t *Tokenizer) fallback(r string, ids []int) []int {
	if t.mode == modeSentencePiece {
		byteIDs := make([]int, 0, len(r))
		for j := 0; j < len(r); j++ {
			id, ok := t.index[fmt.Sprintf("<0x%02X>", r[j])]
			if !ok {
				byteIDs = nil
				break
			}
			byteIDs = append(byteIDs, id)
		}
		if byteIDs != nil {
			return append(ids, byteIDs...)
		}
	}
	if t.unk >= 0 {
		return append(ids, t.unk)
	}
	return ids
}

func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	var pending []byte
	flush := func() {
		if len(pending) > 0 {
			sb.Write(pending)
			pending = pending[:0]
		}
	}

	for _, id := range ids {
		if id < 0 || id >= len(t.tokens) {
			continue
		}
		tok := t.tokens[id]
		switch t.mode {
		case modeByteLevel:
			pending = append(pending, unicodeToBytes(tok)...)
		case modeSentencePiece:
			if b, ok := parseByteToken(tok); ok {
				pending = append(pending, b)
				continue
			}
			flush()
			sb.WriteString(strings.ReplaceAll(tok, spmSpace, " "))
		default:
			sb.WriteString(tok)
		}
	}
	flush()
	return sb.String()
}

func parseByteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func (t *Tokenizer) EOSID() int { return t.eos }

func (t *Tokenizer) PadID() int { return t.pad }

func (t *Tokenizer) BOS() (string, bool) {
	if t.bos < 0 {
		return "", false
	}
	return t.tokens[t.bos], true
}

func (t *Tokenizer) Name() string {
	if t.model == "" {
		return "gguf"
	}
	return "gguf/" + t.model
}

// VocabSize is the number of vocabulary entries.
func (t *Tokenizer) VocabSize() int { return len(t.tokens) }
