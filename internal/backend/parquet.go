package backend

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/tbergin/freshet/internal/model"
)

const parquetReadBatch = 256

// streamParquet decodes a flat-schema Parquet file into value rows. The
// descriptor's columns name both the file fields to extract and the target
// table columns, in COPY order.
func streamParquet(ctx context.Context, path string, desc model.FormatDescriptor, out chan<- []any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open parquet: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat parquet: %w", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return fmt.Errorf("open parquet file: %w", err)
	}

	// Map requested column names to leaf column indexes.
	leafIndex := make(map[string]int)
	for i, colPath := range pf.Schema().Columns() {
		leafIndex[colPath[len(colPath)-1]] = i
	}
	colForLeaf := make(map[int]int) // leaf index → output position
	for pos, name := range desc.Columns {
		li, ok := leafIndex[name]
		if !ok {
			return fmt.Errorf("parquet file missing column %q", name)
		}
		colForLeaf[li] = pos
	}

	buf := make([]parquet.Row, parquetReadBatch)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			for i := range buf {
				buf[i] = buf[i][:0]
			}
			n, readErr := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				values := make([]any, len(desc.Columns))
				for _, v := range row {
					if pos, ok := colForLeaf[v.Column()]; ok {
						values[pos] = goValue(v)
					}
				}
				select {
				case out <- values:
				case <-ctx.Done():
					rows.Close()
					return ctx.Err()
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				rows.Close()
				return fmt.Errorf("read parquet rows: %w", readErr)
			}
			if n == 0 {
				break
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close parquet rows: %w", err)
		}
	}
	return nil
}

// goValue converts a parquet leaf value into a COPY-friendly Go value.
func goValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return v.Int32()
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return v.Float()
	case parquet.Double:
		return v.Double()
	default:
		return v.String()
	}
}
