package backend

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/tbergin/freshet/internal/model"
)

// streamCSV decodes a delimited file into value rows matching the
// descriptor's column list. Values are sent as strings (empty cells become
// NULL) and Postgres coerces them to the target column types during COPY.
func streamCSV(ctx context.Context, path string, desc model.FormatDescriptor, out chan<- []any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if desc.Delimiter != 0 {
		r.Comma = desc.Delimiter
	}
	r.FieldsPerRecord = -1
	r.ReuseRecord = false

	var rowNum int64
	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read csv row %d: %w", rowNum, err)
		}
		rowNum++
		if rowNum <= int64(desc.SkipRows) {
			continue
		}
		if len(record) < len(desc.Columns) {
			return fmt.Errorf("csv row %d: %d fields, want %d", rowNum, len(record), len(desc.Columns))
		}

		values := make([]any, len(desc.Columns))
		for i := range desc.Columns {
			if record[i] == "" {
				values[i] = nil
			} else {
				values[i] = record[i]
			}
		}

		select {
		case out <- values:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
