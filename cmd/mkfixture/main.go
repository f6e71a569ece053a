// mkfixture drops sample delivery files into a directory, for exercising a
// running pipeline locally.
// Usage: go run ./cmd/mkfixture --dir /tmp/landing --files 3 --rows 500 --format csv
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	goparquet "github.com/parquet-go/parquet-go"
)

type orderRow struct {
	OrderID  int64   `parquet:"order_id"`
	Amount   float64 `parquet:"amount"`
	PlacedOn string  `parquet:"placed_on"`
}

func main() {
	dir := flag.String("dir", ".", "output directory (point at the serve watch dir)")
	files := flag.Int("files", 1, "number of files to write")
	rows := flag.Int("rows", 100, "rows per file")
	format := flag.String("format", "csv", "csv or parquet")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(*dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "create dir: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < *files; i++ {
		batch := make([]orderRow, *rows)
		for k := range batch {
			batch[k] = orderRow{
				OrderID:  rng.Int63n(1_000_000),
				Amount:   float64(rng.Intn(50_000)) / 100,
				PlacedOn: time.Now().AddDate(0, 0, -rng.Intn(30)).Format("2006-01-02"),
			}
		}

		name := fmt.Sprintf("orders-%d-%d.%s", *seed, i, *format)
		path := filepath.Join(*dir, name)
		var err error
		switch *format {
		case "csv":
			err = writeCSV(path, batch)
		case "parquet":
			err = writeParquet(path, batch)
		default:
			err = fmt.Errorf("unknown format %q", *format)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %d rows to %s\n", len(batch), path)
	}
}

func writeCSV(path string, batch []orderRow) error {
	var b strings.Builder
	b.WriteString("order_id,amount,placed_on\n")
	for _, r := range batch {
		fmt.Fprintf(&b, "%d,%.2f,%s\n", r.OrderID, r.Amount, r.PlacedOn)
	}
	// Write whole then rename so the watcher never sees a partial file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeParquet(path string, batch []orderRow) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := goparquet.NewGenericWriter[orderRow](f)
	if _, err := w.Write(batch); err != nil {
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
