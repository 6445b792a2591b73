package gguf

import "fmt"

const (
	GGUFMagic = 0x46554747 // "GGUF"
)

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

// Tokenizer metadata keys written by llama.cpp converters.
const (
	KeyTokens     = "tokenizer.ggml.tokens"
	KeyModel      = "tokenizer.ggml.model"
	KeyBOSTokenID = "tokenizer.ggml.bos_token_id"
	KeyEOSTokenID = "tokenizer.ggml.eos_token_id"
	KeyPadTokenID = "tokenizer.ggml.padding_token_id"
	KeyUnkTokenID = "tokenizer.ggml.unknown_token_id"
	KeyContextLen = "context_length"
)

// GGUFFile holds the header and key-value metadata of a GGUF file.
// Tensor data is not read.
type GGUFFile struct {
	Header GGUFHeader
	KV     map[string]interface{}
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// Error types
type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

type ErrMissingKey struct{ Key string }

func (e ErrMissingKey) Error() string {
	return fmt.Sprintf("GGUF metadata key %q not found", e.Key)
}

// Strings returns a string-array metadata value.
func (f *GGUFFile) Strings(key string) ([]string, error) {
	val, ok := f.KV[key]
	if !ok {
		return nil, ErrMissingKey{Key: key}
	}
	arr, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("metadata %s: expected array, got %T", key, val)
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("metadata %s[%d]: expected string, got %T", key, i, v)
		}
		out[i] = s
	}
	return out, nil
}

// Int returns an integer metadata value of any width.
func (f *GGUFFile) Int(key string) (int, bool) {
	switch v := f.KV[key].(type) {
	case uint8:
		return int(v), true
	case int8:
		return int(v), true
	case uint16:
		return int(v), true
	case int16:
		return int(v), true
	case uint32:
		return int(v), true
	case int32:
		return int(v), true
	case uint64:
		return int(v), true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

// String returns a string metadata value.
func (f *GGUFFile) String(key string) (string, bool) {
	s, ok := f.KV[key].(string)
	return s, ok
}
