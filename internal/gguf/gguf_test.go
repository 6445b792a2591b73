package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type kv struct {
	key string
	typ GGUFMetadataValueType
	val interface{}
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func buildGGUF(version uint32, pairs []kv) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(GGUFMagic))
	_ = binary.Write(&buf, binary.LittleEndian, version)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(0))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(pairs)))

	for _, p := range pairs {
		writeString(&buf, p.key)
		_ = binary.Write(&buf, binary.LittleEndian, uint32(p.typ))
		switch v := p.val.(type) {
		case string:
			writeString(&buf, v)
		case uint32:
			_ = binary.Write(&buf, binary.LittleEndian, v)
		case int32:
			_ = binary.Write(&buf, binary.LittleEndian, v)
		case uint64:
			_ = binary.Write(&buf, binary.LittleEndian, v)
		case float32:
			_ = binary.Write(&buf, binary.LittleEndian, v)
		case bool:
			if v {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case []string:
			_ = binary.Write(&buf, binary.LittleEndian, uint32(GGUFMetadataValueTypeString))
			_ = binary.Write(&buf, binary.LittleEndian, uint64(len(v)))
			for _, s := range v {
				writeString(&buf, s)
			}
		}
	}
	return buf.Bytes()
}

func TestParseTokenizerMetadata(t *testing.T) {
	data := buildGGUF(3, []kv{
		{KeyModel, GGUFMetadataValueTypeString, "gpt2"},
		{KeyTokens, GGUFMetadataValueTypeArray, []string{"<unk>", "<s>", "</s>", "a"}},
		{KeyBOSTokenID, GGUFMetadataValueTypeUint32, uint32(1)},
		{KeyEOSTokenID, GGUFMetadataValueTypeInt32, int32(2)},
		{KeyContextLen, GGUFMetadataValueTypeUint64, uint64(2048)},
		{"general.scale", GGUFMetadataValueTypeFloat32, float32(0.5)},
		{"general.quantized", GGUFMetadataValueTypeBool, true},
	})

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if f.Header.Version != 3 || f.Header.KVCount != 7 {
		t.Errorf("unexpected header %+v", f.Header)
	}

	tokens, err := f.Strings(KeyTokens)
	if err != nil {
		t.Fatalf("Strings: %v", err)
	}
	if len(tokens) != 4 || tokens[3] != "a" {
		t.Errorf("unexpected tokens %v", tokens)
	}
	if id, ok := f.Int(KeyBOSTokenID); !ok || id != 1 {
		t.Errorf("bos id = %d, %v", id, ok)
	}
	if id, ok := f.Int(KeyEOSTokenID); !ok || id != 2 {
		t.Errorf("eos id = %d, %v", id, ok)
	}
	if n, ok := f.Int(KeyContextLen); !ok || n != 2048 {
		t.Errorf("context length = %d, %v", n, ok)
	}
	if m, ok := f.String(KeyModel); !ok || m != "gpt2" {
		t.Errorf("model = %q, %v", m, ok)
	}
	if v, ok := f.KV["general.scale"].(float32); !ok || v != 0.5 {
		t.Errorf("scale = %v", f.KV["general.scale"])
	}
	if _, ok := f.Int(KeyPadTokenID); ok {
		t.Error("pad id should be absent")
	}
}

func TestStringsErrors(t *testing.T) {
	f := &GGUFFile{KV: map[string]interface{}{
		"scalar": uint32(4),
		"mixed":  []interface{}{"a", uint32(1)},
	}}
	var missing ErrMissingKey
	if _, err := f.Strings(KeyTokens); !errors.As(err, &missing) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
	if _, err := f.Strings("scalar"); err == nil {
		t.Error("expected error for scalar value")
	}
	if _, err := f.Strings("mixed"); err == nil {
		t.Error("expected error for mixed array")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	good := buildGGUF(3, []kv{{KeyModel, GGUFMetadataValueTypeString, "llama"}})

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic, 0xdeadbeef)
	var magicErr ErrInvalidMagic
	if _, err := Parse(badMagic); !errors.As(err, &magicErr) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	badVersion := buildGGUF(7, nil)
	var versionErr ErrUnsupportedVersion
	if _, err := Parse(badVersion); !errors.As(err, &versionErr) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}

	truncated := good[:len(good)-3]
	if _, err := Parse(truncated); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}

	if _, err := Parse(good[:10]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF for short header, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.gguf")
	data := buildGGUF(2, []kv{{KeyTokens, GGUFMetadataValueTypeArray, []string{"x", "y"}}})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	tokens, err := f.Strings(KeyTokens)
	if err != nil || len(tokens) != 2 {
		t.Fatalf("tokens = %v, err = %v", tokens, err)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.gguf")); err == nil {
		t.Error("expected error for missing file")
	}
}
