// Package report renders summary records as CSV, Arrow IPC and console tables.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-gauge/internal/aggregate"
	"github.com/23skdu/longbow-gauge/internal/dataset"
	"github.com/23skdu/longbow-gauge/internal/logger"
)

// Schema is the summary table layout shared by every writer.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "phase", Type: arrow.BinaryTypes.String},
	{Name: "split", Type: arrow.BinaryTypes.String},
	{Name: "subset", Type: arrow.BinaryTypes.String},
	{Name: "T", Type: arrow.PrimitiveTypes.Float64},
	{Name: "W", Type: arrow.BinaryTypes.String},
	{Name: "distinct-1", Type: arrow.PrimitiveTypes.Float64},
	{Name: "distinct-2", Type: arrow.PrimitiveTypes.Float64},
	{Name: "MAUVE", Type: arrow.PrimitiveTypes.Float64},
	{Name: "PPL", Type: arrow.PrimitiveTypes.Float64},
	{Name: "file", Type: arrow.BinaryTypes.String},
}, nil)

// CSVPath is the summary CSV location for a phase.
func CSVPath(resultsDir string, phase dataset.PhaseSpec) string {
	return filepath.Join(resultsDir, "ablation_metrics_"+phase.Key()+".csv")
}

// ArrowPath is the summary Arrow IPC location for a phase.
func ArrowPath(resultsDir string, phase dataset.PhaseSpec) string {
	return filepath.Join(resultsDir, "ablation_metrics_"+phase.Key()+".arrow")
}

// NewRecord builds one record holding all summaries. The caller releases it.
func NewRecord(mem memory.Allocator, summaries []aggregate.Summary) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	for _, s := range summaries {
		b.Field(0).(*array.StringBuilder).Append(s.Phase)
		b.Field(1).(*array.StringBuilder).Append(s.Split)
		b.Field(2).(*array.StringBuilder).Append(s.Subset)
		b.Field(3).(*array.Float64Builder).Append(s.T)
		b.Field(4).(*array.StringBuilder).Append(s.W)
		b.Field(5).(*array.Float64Builder).Append(s.Distinct1)
		b.Field(6).(*array.Float64Builder).Append(s.Distinct2)
		b.Field(7).(*array.Float64Builder).Append(s.MAUVE)
		b.Field(8).(*array.Float64Builder).Append(s.PPL)
		b.Field(9).(*array.StringBuilder).Append(s.File)
	}
	return b.NewRecord()
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return os.Create(path)
}

// WriteCSV writes summaries with a header row.
func WriteCSV(path string, summaries []aggregate.Summary) error {
	f, err := create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rec := NewRecord(memory.NewGoAllocator(), summaries)
	defer rec.Release()

	w := csv.NewWriter(f, Schema, csv.WithHeader(true))
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	logger.Log.Info("saved metrics", "path", path, "rows", len(summaries))
	return f.Close()
}

// WriteArrow writes summaries as an Arrow IPC file.
func WriteArrow(path string, summaries []aggregate.Summary) error {
	f, err := create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	rec := NewRecord(mem, summaries)
	defer rec.Release()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("open ipc writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("write ipc: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close ipc writer: %w", err)
	}
	logger.Log.Info("saved metrics", "path", path, "rows", len(summaries))
	return f.Close()
}

// WriteTable prints the headline columns for a terminal.
func WriteTable(w io.Writer, summaries []aggregate.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "T\tW\tdistinct-2\tMAUVE\tPPL\t")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%g\t%s\t%.4f\t%.4f\t%.2f\t\n", s.T, s.W, s.Distinct2, s.MAUVE, s.PPL)
	}
	return tw.Flush()
}
