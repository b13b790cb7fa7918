package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleet-stats-exporter/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so that text order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite works best with single writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vin TEXT NOT NULL,
		time TEXT NOT NULL,
		stat TEXT NOT NULL,
		value REAL,
		UNIQUE (vin, stat, time)
	);

	CREATE TABLE IF NOT EXISTS risk (
		vin TEXT PRIMARY KEY,
		risk REAL NOT NULL,
		idle_pct REAL NOT NULL,
		low_speed_pct REAL NOT NULL,
		low_load_pct REAL NOT NULL,
		cold_pct REAL NOT NULL,
		avg_kph REAL NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_vin_time ON samples(vin, time);
	CREATE INDEX IF NOT EXISTS idx_samples_stat ON samples(stat);
	CREATE INDEX IF NOT EXISTS idx_samples_time ON samples(time);
	CREATE INDEX IF NOT EXISTS idx_risk_risk ON risk(risk DESC);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

// InsertSamples upserts samples in a single transaction. A sample replaces
// any stored value for the same vin, stat and time.
func (db *Database) InsertSamples(ctx context.Context, samples []models.Sample) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO samples (vin, time, stat, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (vin, stat, time) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, s.VIN, formatTime(s.Time), string(s.StatType), s.Value); err != nil {
			return count, err
		}
		count++
	}

	return count, tx.Commit()
}

// QuerySamples retrieves samples based on query parameters, oldest first
func (db *Database) QuerySamples(ctx context.Context, q models.SampleQuery) ([]models.StoredSample, error) {
	var conditions []string
	var args []interface{}

	baseQuery := `SELECT id, vin, time, stat, value FROM samples`

	if q.VIN != "" {
		conditions = append(conditions, "vin = ?")
		args = append(args, q.VIN)
	}
	if q.StatType != "" {
		conditions = append(conditions, "stat = ?")
		args = append(args, string(q.StatType))
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "time >= ?")
		args = append(args, formatTime(q.StartTime))
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "time <= ?")
		args = append(args, formatTime(q.EndTime))
	}

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	baseQuery += " ORDER BY time, vin, stat"

	if q.Limit > 0 {
		baseQuery += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			baseQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.QueryContext(ctx, baseQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.StoredSample
	for rows.Next() {
		var (
			s     models.StoredSample
			ts    string
			stat  string
			value sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &s.VIN, &ts, &stat, &value); err != nil {
			return nil, err
		}
		if s.Time, err = parseTime(ts); err != nil {
			return nil, err
		}
		s.StatType = models.StatType(stat)
		if value.Valid {
			v := value.Float64
			s.Value = &v
		}
		results = append(results, s)
	}

	return results, rows.Err()
}

// ListVehicles returns every stored VIN with its sample coverage
func (db *Database) ListVehicles(ctx context.Context) ([]models.Vehicle, error) {
	query := `SELECT vin, COUNT(*), MIN(time), MAX(time) FROM samples GROUP BY vin ORDER BY vin`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vehicles []models.Vehicle
	for rows.Next() {
		var (
			v           models.Vehicle
			first, last string
		)
		if err := rows.Scan(&v.VIN, &v.Samples, &first, &last); err != nil {
			return nil, err
		}
		if v.First, err = parseTime(first); err != nil {
			return nil, err
		}
		if v.Last, err = parseTime(last); err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

// GetVehicleSummary returns aggregated statistics for a vehicle
func (db *Database) GetVehicleSummary(ctx context.Context, vin string) (*models.VehicleSummary, error) {
	var (
		s           = models.VehicleSummary{VIN: vin}
		first, last sql.NullString
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(time), MAX(time) FROM samples WHERE vin = ?`, vin,
	).Scan(&s.TotalSamples, &first, &last)
	if err != nil {
		return nil, err
	}
	if s.TotalSamples == 0 {
		return nil, fmt.Errorf("vehicle %s: %w", vin, ErrNotFound)
	}
	if s.First, err = parseTime(first.String); err != nil {
		return nil, err
	}
	if s.Last, err = parseTime(last.String); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT
			stat,
			COUNT(value) as count,
			COUNT(*) - COUNT(value) as missing,
			MIN(value) as min_value,
			MAX(value) as max_value,
			AVG(value) as avg_value
		FROM samples
		WHERE vin = ?
		GROUP BY stat
		ORDER BY stat
	`, vin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st            models.StatSummary
			stat          string
			minV, maxV, a sql.NullFloat64
		)
		if err := rows.Scan(&stat, &st.Count, &st.Missing, &minV, &maxV, &a); err != nil {
			return nil, err
		}
		st.StatType = models.StatType(stat)
		st.Min, st.Max, st.Avg = floatPtr(minV), floatPtr(maxV), floatPtr(a)
		s.Stats = append(s.Stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &s, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// ReplaceRisk swaps the stored ranking for a new one.
func (db *Database) ReplaceRisk(ctx context.Context, ranking []models.RiskScore) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM risk`); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO risk (vin, risk, idle_pct, low_speed_pct, low_load_pct, cold_pct, avg_kph, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, r := range ranking {
		if _, err := stmt.ExecContext(ctx, r.VIN, r.Risk, r.IdleP, r.LowSpeedP, r.LowLoadP, r.ColdP, r.AvgKph, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TopRisk returns the highest-risk vehicles. A limit of zero returns all.
func (db *Database) TopRisk(ctx context.Context, limit int) ([]models.RiskScore, error) {
	query := `
		SELECT vin, risk, idle_pct, low_speed_pct, low_load_pct, cold_pct, avg_kph
		FROM risk
		ORDER BY risk DESC, vin
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.RiskScore
	for rows.Next() {
		var r models.RiskScore
		if err := rows.Scan(&r.VIN, &r.Risk, &r.IdleP, &r.LowSpeedP, &r.LowLoadP, &r.ColdP, &r.AvgKph); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetStats returns database statistics
func (db *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	counts := []struct {
		key   string
		query string
	}{
		{"total_samples", "SELECT COUNT(*) FROM samples"},
		{"missing_values", "SELECT COUNT(*) FROM samples WHERE value IS NULL"},
		{"total_vehicles", "SELECT COUNT(DISTINCT vin) FROM samples"},
		{"stat_types", "SELECT COUNT(DISTINCT stat) FROM samples"},
		{"ranked_vehicles", "SELECT COUNT(*) FROM risk"},
	}
	for _, c := range counts {
		var n int64
		if err := db.conn.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
			return nil, fmt.Errorf("%s: %w", c.key, err)
		}
		stats[c.key] = n
	}

	var first, last sql.NullString
	if err := db.conn.QueryRowContext(ctx, "SELECT MIN(time), MAX(time) FROM samples").Scan(&first, &last); err != nil {
		return nil, err
	}
	if first.Valid && last.Valid {
		f, err := parseTime(first.String)
		if err != nil {
			return nil, err
		}
		l, err := parseTime(last.String)
		if err != nil {
			return nil, err
		}
		stats["first_sample"] = f
		stats["last_sample"] = l
	}

	return stats, nil
}
