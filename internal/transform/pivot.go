package transform

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"fleet-stats-exporter/internal/models"
)

// Table is the wide form: one row per (time, vin), one value per column.
type Table struct {
	Columns []models.StatType
	Rows    []models.Row
}

// Header returns the CSV header: time, vin, then the stat columns.
func (t *Table) Header() []string {
	header := make([]string, 0, len(t.Columns)+2)
	header = append(header, "time", "vin")
	for _, c := range t.Columns {
		header = append(header, string(c))
	}
	return header
}

// SchemaGap marks a requested stat type that had no observations at all. Its
// column is still emitted, empty.
type SchemaGap struct {
	StatType models.StatType
}

func (g SchemaGap) String() string {
	return fmt.Sprintf("no data for %s", g.StatType)
}

type rowKey struct {
	t   time.Time
	vin string
}

// Pivot reshapes resampled series into wide form. Columns are the stat types
// present in series, sorted by name; rows are sorted by time, then vin.
func Pivot(series []Series) *Table {
	colIndex := make(map[models.StatType]int)
	var columns []models.StatType
	for _, s := range series {
		if _, ok := colIndex[s.StatType]; !ok {
			colIndex[s.StatType] = -1
			columns = append(columns, s.StatType)
		}
	}
	sort.Slice(columns, func(i, j int) bool { return columns[i] < columns[j] })
	for i, c := range columns {
		colIndex[c] = i
	}

	rowIndex := make(map[rowKey]int)
	var rows []models.Row
	for _, s := range series {
		col := colIndex[s.StatType]
		for _, p := range s.Points {
			k := rowKey{t: p.Time.UTC(), vin: s.VIN}
			idx, ok := rowIndex[k]
			if !ok {
				idx = len(rows)
				rowIndex[k] = idx
				rows = append(rows, models.Row{
					Time:   k.t,
					VIN:    s.VIN,
					Values: make([]sql.NullFloat64, len(columns)),
				})
			}
			rows[idx].Values[col] = p.Value
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Time.Equal(rows[j].Time) {
			return rows[i].Time.Before(rows[j].Time)
		}
		return rows[i].VIN < rows[j].VIN
	})
	return &Table{Columns: columns, Rows: rows}
}

// EnforceColumns reorders t to exactly the given stat columns. Requested
// stats that are absent from t become all-missing columns and are reported
// as gaps; columns not requested are dropped.
func EnforceColumns(t *Table, stats []models.StatType) (*Table, []SchemaGap) {
	present := make(map[models.StatType]int, len(t.Columns))
	for i, c := range t.Columns {
		present[c] = i
	}

	source := make([]int, len(stats))
	var gaps []SchemaGap
	for i, st := range stats {
		idx, ok := present[st]
		if !ok {
			idx = -1
			gaps = append(gaps, SchemaGap{StatType: st})
		}
		source[i] = idx
	}

	out := &Table{
		Columns: append([]models.StatType(nil), stats...),
		Rows:    make([]models.Row, len(t.Rows)),
	}
	for r, row := range t.Rows {
		values := make([]sql.NullFloat64, len(stats))
		for i, idx := range source {
			if idx >= 0 {
				values[i] = row.Values[idx]
			}
		}
		out.Rows[r] = models.Row{Time: row.Time, VIN: row.VIN, Values: values}
	}
	return out, gaps
}
