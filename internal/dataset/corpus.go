package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	FormatRaw   = "raw"
	FormatJSONL = "jsonl"
)

const maxLineSize = 64 << 20

// ReadCorpus reads documents from each file in order. Raw files hold one
// document per line; jsonl files hold one {"text": ...} object per line.
func ReadCorpus(paths []string, format string) ([]Document, error) {
	var docs []Document
	for _, path := range paths {
		var err error
		docs, err = readCorpusFile(path, format, docs)
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func readCorpusFile(path, format string, docs []Document) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		switch format {
		case FormatRaw:
			docs = append(docs, Document{Text: sc.Text()})
		case FormatJSONL:
			if strings.TrimSpace(sc.Text()) == "" {
				continue
			}
			var d Document
			if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			docs = append(docs, d)
		default:
			return nil, fmt.Errorf("unknown corpus format %q", format)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", path, err)
	}
	return docs, nil
}
