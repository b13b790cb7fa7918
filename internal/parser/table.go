package parser

import (
	"bufio"
	"compress/gzip"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/ulikunitz/xz"

	"fleet-stats-exporter/internal/models"
)

// TableReader streams rows of an exported wide table (time, vin, stats...).
type TableReader struct {
	reader  *csv.Reader
	closer  io.Closer
	header  []string
	indices map[string]int
	columns []int
	line    int
	skipped int
	logger  *zerolog.Logger
}

// OpenTable opens a wide table file. Files ending in .gz or .xz are
// decompressed.
func OpenTable(path string, logger zerolog.Logger) (*TableReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	var r io.Reader = file
	closer := io.Closer(file)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		r = gz
		closer = multiCloser{gz, file}
	case ".xz":
		xr, err := xz.NewReader(bufio.NewReader(file))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("open xz stream: %w", err)
		}
		r = xr
	}

	t, err := NewTableReader(r, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}
	t.closer = closer
	return t, nil
}

// NewTableReader reads the header from r. The time and vin columns are
// required.
func NewTableReader(r io.Reader, logger zerolog.Logger) (*TableReader, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	t := &TableReader{
		reader:  reader,
		header:  append([]string(nil), header...),
		indices: make(map[string]int, len(header)),
		line:    1,
		logger:  &logger,
	}
	for i, h := range t.header {
		t.indices[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"time", "vin"} {
		if _, ok := t.indices[required]; !ok {
			return nil, fmt.Errorf("table has no %q column", required)
		}
	}
	return t, nil
}

// Header returns the column names in file order.
func (t *TableReader) Header() []string {
	return t.header
}

// Select sets which stat columns Next returns, in the given order. Every
// column must be present.
func (t *TableReader) Select(names ...string) error {
	var missing []string
	columns := make([]int, len(names))
	for i, name := range names {
		idx, ok := t.indices[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		columns[i] = idx
	}
	if len(missing) > 0 {
		return fmt.Errorf("table is missing required columns: %s", strings.Join(missing, ", "))
	}
	t.columns = columns
	return nil
}

// Next returns the next row, or io.EOF. Rows with an unparseable time or an
// empty vin are logged and skipped.
func (t *TableReader) Next() (models.Row, error) {
	for {
		record, err := t.reader.Read()
		if errors.Is(err, io.EOF) {
			return models.Row{}, io.EOF
		}
		t.line++
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return models.Row{}, fmt.Errorf("error at line %d: %w", t.line, err)
			}
			t.skip(err)
			continue
		}

		row, err := t.recordToRow(record)
		if err != nil {
			t.skip(err)
			continue
		}
		return row, nil
	}
}

// Skipped is the number of malformed rows dropped so far.
func (t *TableReader) Skipped() int {
	return t.skipped
}

// Close releases the underlying file, if any.
func (t *TableReader) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

func (t *TableReader) skip(err error) {
	t.skipped++
	t.logger.Warn().Int("line", t.line).Err(err).Msg("skipping malformed row")
}

// recordToRow converts a CSV record to a Row holding the selected columns.
func (t *TableReader) recordToRow(record []string) (models.Row, error) {
	getValue := func(idx int) string {
		if idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	var row models.Row
	row.VIN = getValue(t.indices["vin"])
	if row.VIN == "" {
		return row, fmt.Errorf("missing vin")
	}

	ts, err := parseTimestamp(getValue(t.indices["time"]))
	if err != nil {
		return row, fmt.Errorf("invalid timestamp: %w", err)
	}
	row.Time = ts

	row.Values = make([]sql.NullFloat64, len(t.columns))
	for i, idx := range t.columns {
		row.Values[i] = parseCell(getValue(idx))
	}
	return row, nil
}

// parseCell reads a numeric cell. Empty and non-numeric cells are missing.
func parseCell(s string) sql.NullFloat64 {
	if s == "" {
		return sql.NullFloat64{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

// parseTimestamp tries multiple timestamp formats
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	// Try Unix timestamp
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", s)
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
