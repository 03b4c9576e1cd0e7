package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/flowsim/flowsim/sim"
)

// DefaultBatchSize is the number of rows reconstructed and flushed together.
const DefaultBatchSize = 10000

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// IOError reports a failed export. The partially written file is left in place.
type IOError struct {
	Op   string
	Path string
	Row  int // rows fully written before the failure
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("export %s %s: failed after %d rows: %v", e.Op, e.Path, e.Row, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Progress reports rows written so far for one output file.
type Progress struct {
	File  string
	Rows  int
	Total int
}

// TableWriter streams the system-states table in fixed-size batches so
// that peak memory is bounded by the batch size, not the row count.
type TableWriter struct {
	Schema    Schema
	BatchSize int
	// OnBatch is called after every flushed batch with rows written and total.
	OnBatch func(rows, total int)
}

// Write emits the BOM, the header and one row per grid instant. It returns
// the number of data rows written. ctx is checked between batches.
func (tw TableWriter) Write(ctx context.Context, w io.Writer, x *sim.Reconstructor, grid sim.SampleGrid) (int, error) {
	batchSize := tw.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if _, err := w.Write(utf8BOM); err != nil {
		return 0, &IOError{Op: "write", Row: 0, Err: err}
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(tw.Schema.Headers()); err != nil {
		return 0, &IOError{Op: "write", Row: 0, Err: err}
	}

	total := grid.Len()
	batch := make([][]string, batchSize)
	written := 0
	for written < total {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n := min(batchSize, total-written)
		for k := 0; k < n; k++ {
			batch[k] = tw.Schema.Row(x, grid.At(written+k), batch[k])
		}
		for k := 0; k < n; k++ {
			if err := cw.Write(batch[k]); err != nil {
				return written, &IOError{Op: "write", Row: written, Err: err}
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return written, &IOError{Op: "flush", Row: written, Err: err}
		}
		written += n
		if tw.OnBatch != nil {
			tw.OnBatch(written, total)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return written, &IOError{Op: "flush", Row: written, Err: err}
	}
	return written, nil
}
