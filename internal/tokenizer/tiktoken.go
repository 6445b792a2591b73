package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// EndOfText is the GPT-2 family end-of-text marker. GPT-2 also uses it as BOS.
const EndOfText = "<|endoftext|>"

func init() {
	// Offline loader keeps BPE ranks embedded instead of fetched at runtime.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Tiktoken adapts a tiktoken byte-level BPE encoding.
type Tiktoken struct {
	enc      *tiktoken.Tiktoken
	encoding string
	eos      int
	bos      string
}

// NewTiktoken loads an encoding by name. "r50k_base" is the GPT-2 vocabulary.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = "r50k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding %q: %w", encoding, err)
	}

	ids := enc.Encode(EndOfText, []string{EndOfText}, nil)
	if len(ids) != 1 {
		return nil, fmt.Errorf("encoding %q has no %s special token", encoding, EndOfText)
	}

	t := &Tiktoken{enc: enc, encoding: encoding, eos: ids[0]}
	switch encoding {
	case "r50k_base", "p50k_base", "p50k_edit":
		t.bos = EndOfText
	}
	return t, nil
}

func (t *Tiktoken) Encode(text string) []int {
	if text == "" {
		return nil
	}
	return t.enc.Encode(text, []string{EndOfText}, nil)
}

func (t *Tiktoken) Decode(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	return t.enc.Decode(ids)
}

func (t *Tiktoken) EOSID() int { return t.eos }

// PadID returns EOSID: tiktoken encodings define no padding token.
func (t *Tiktoken) PadID() int { return t.eos }

func (t *Tiktoken) BOS() (string, bool) { return t.bos, t.bos != "" }

func (t *Tiktoken) Name() string { return "tiktoken/" + t.encoding }
