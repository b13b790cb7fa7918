package transform

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// WriteCSV writes the table with its header. Times are RFC3339 UTC with
// fractional seconds only when present. Numbers use the shortest exact
// decimal form and missing cells are empty.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header()); err != nil {
		return err
	}

	record := make([]string, len(t.Columns)+2)
	for _, row := range t.Rows {
		record[0] = row.Time.UTC().Format(time.RFC3339Nano)
		record[1] = row.VIN
		for i, v := range row.Values {
			if v.Valid {
				record[i+2] = strconv.FormatFloat(v.Float64, 'f', -1, 64)
			} else {
				record[i+2] = ""
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the table to path, replacing any previous file only once
// the new one is complete.
func WriteFile(path string, t *Table) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := WriteCSV(tmp, t); err != nil {
		tmp.Close()
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("publish output: %w", err)
	}
	return nil
}
