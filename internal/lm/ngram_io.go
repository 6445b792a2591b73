package lm

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-gauge/internal/logger"
)

// Row kinds in a saved model.
const (
	kindUnigram uint8 = iota
	kindContext
	kindNGram
)

const saveChunk = 1 << 16

var countsFields = []arrow.Field{
	{Name: "kind", Type: arrow.PrimitiveTypes.Uint8},
	{Name: "key", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "count", Type: arrow.PrimitiveTypes.Uint32},
	{Name: "types", Type: arrow.PrimitiveTypes.Uint32},
}

// Save writes the model counts as an Arrow IPC file. Order, vocabulary size
// and token total are stored in the schema metadata.
func (m *NGram) Save(path string) error {
	md := arrow.NewMetadata(
		[]string{"order", "vocab", "tokens"},
		[]string{strconv.Itoa(m.order), strconv.Itoa(m.vocab), strconv.FormatUint(m.tokens, 10)},
	)
	schema := arrow.NewSchema(countsFields, &md)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create model file: %w", err)
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("open ipc writer: %w", err)
	}

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	kinds := b.Field(0).(*array.Uint8Builder)
	keys := b.Field(1).(*array.Uint64Builder)
	counts := b.Field(2).(*array.Uint32Builder)
	types := b.Field(3).(*array.Uint32Builder)

	rows := 0
	flush := func() error {
		if rows == 0 {
			return nil
		}
		rec := b.NewRecord()
		defer rec.Release()
		rows = 0
		return w.Write(rec)
	}
	add := func(kind uint8, key uint64, count, nTypes uint32) error {
		kinds.Append(kind)
		keys.Append(key)
		counts.Append(count)
		types.Append(nTypes)
		rows++
		if rows >= saveChunk {
			return flush()
		}
		return nil
	}

	for id, c := range m.unigrams {
		if err := add(kindUnigram, uint64(id), c, 0); err != nil {
			return err
		}
	}
	for key, st := range m.contexts {
		if err := add(kindContext, key, st.total, st.types); err != nil {
			return err
		}
	}
	for key, c := range m.ngrams {
		if err := add(kindNGram, key, c, 0); err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close ipc writer: %w", err)
	}
	logger.Log.Info("saved n-gram model", "path", path, "order", m.order, "tokens", m.tokens)
	return f.Close()
}

// LoadNGram reads a model written by Save.
func LoadNGram(path string) (*NGram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open ipc reader: %w", err)
	}
	defer r.Close()

	md := r.Schema().Metadata()
	meta := func(key string) (uint64, error) {
		i := md.FindKey(key)
		if i < 0 {
			return 0, fmt.Errorf("model file %s lacks %q metadata", path, key)
		}
		return strconv.ParseUint(md.Values()[i], 10, 64)
	}
	order, err := meta("order")
	if err != nil {
		return nil, err
	}
	vocab, err := meta("vocab")
	if err != nil {
		return nil, err
	}
	tokens, err := meta("tokens")
	if err != nil {
		return nil, err
	}

	m, err := NewNGram(int(order), int(vocab))
	if err != nil {
		return nil, err
	}
	m.tokens = tokens

	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("read record %d: %w", i, err)
		}
		if rec.NumCols() != int64(len(countsFields)) {
			return nil, fmt.Errorf("model file %s: unexpected column count %d", path, rec.NumCols())
		}
		kinds := rec.Column(0).(*array.Uint8)
		keys := rec.Column(1).(*array.Uint64)
		counts := rec.Column(2).(*array.Uint32)
		types := rec.Column(3).(*array.Uint32)
		for j := 0; j < int(rec.NumRows()); j++ {
			switch kinds.Value(j) {
			case kindUnigram:
				m.unigrams[int(keys.Value(j))] = counts.Value(j)
			case kindContext:
				m.contexts[keys.Value(j)] = contextStats{total: counts.Value(j), types: types.Value(j)}
			case kindNGram:
				m.ngrams[keys.Value(j)] = counts.Value(j)
			default:
				return nil, fmt.Errorf("model file %s: unknown row kind %d", path, kinds.Value(j))
			}
		}
	}
	logger.Log.Info("loaded n-gram model", "path", path, "order", m.order, "tokens", m.tokens)
	return m, nil
}
