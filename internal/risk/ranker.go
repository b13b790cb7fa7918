// Package risk ranks vehicles by diesel particulate filter clog risk from the
// exported wide table.
package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"fleet-stats-exporter/internal/models"
	"fleet-stats-exporter/internal/parser"
)

// Columns the ranker reads, in the order the counters expect them.
const (
	ColumnRPM     = "engineRpm"
	ColumnSpeed   = "ecuSpeedMph"
	ColumnLoad    = "engineLoadPercent"
	ColumnCoolant = "engineCoolantTemperatureMilliC"
)

const (
	coolantColdMilliC = 60_000
	loadLowPct        = 40
	speedIdleMph      = 1
	speedLowMph       = 20
	highwayMph        = 60
	idleRPMLow        = 600
	idleRPMHigh       = 1000
	kphPerMph         = 1.60934

	// DefaultChunk is the number of rows between ranking snapshots.
	DefaultChunk = 300_000
)

// Counters accumulate the per-vehicle conditions behind the score.
type Counters struct {
	Total    int64
	Idle     int64
	LowSpeed int64
	LowLoad  int64
	Cold     int64
	SpeedSum float64
}

// Add counts one row. A comparison against a missing value is false; a
// missing speed adds zero to the speed sum.
func (c *Counters) Add(rpm, speed, load, coolant sql.NullFloat64) {
	c.Total++
	if rpm.Valid && speed.Valid && rpm.Float64 > idleRPMLow && rpm.Float64 < idleRPMHigh && speed.Float64 < speedIdleMph {
		c.Idle++
	}
	if speed.Valid && speed.Float64 < speedLowMph {
		c.LowSpeed++
	}
	if load.Valid && load.Float64 < loadLowPct {
		c.LowLoad++
	}
	if coolant.Valid && coolant.Float64 < coolantColdMilliC {
		c.Cold++
	}
	if speed.Valid {
		c.SpeedSum += speed.Float64
	}
}

// Score turns counters into a risk score. Risk is 0.2 times the sum of the
// idle, low-speed, low-load and cold ratios and the slow-average penalty.
func (c Counters) Score(vin string) models.RiskScore {
	tot := float64(c.Total)
	idle := float64(c.Idle) / tot
	lowSpeed := float64(c.LowSpeed) / tot
	lowLoad := float64(c.LowLoad) / tot
	cold := float64(c.Cold) / tot
	avg := c.SpeedSum / tot
	penalty := max(0, 1-avg/highwayMph)

	return models.RiskScore{
		VIN:       vin,
		Risk:      0.2 * (idle + lowSpeed + lowLoad + cold + penalty),
		IdleP:     idle * 100,
		LowSpeedP: lowSpeed * 100,
		LowLoadP:  lowLoad * 100,
		ColdP:     cold * 100,
		AvgKph:    avg * kphPerMph,
	}
}

// Options configures a ranking run.
type Options struct {
	Start time.Time // inclusive date, zero for no bound
	End   time.Time // inclusive date, zero for no bound
	Chunk int
	// OnChunk, when set, receives the ranking after each chunk.
	OnChunk func(chunk int, ranking []models.RiskScore) error
}

// Ranker accumulates counters across rows.
type Ranker struct {
	counters map[string]*Counters
	logger   *zerolog.Logger
}

// NewRanker creates an empty Ranker.
func NewRanker(logger zerolog.Logger) *Ranker {
	return &Ranker{counters: make(map[string]*Counters), logger: &logger}
}

// Ranking returns the scores of every vehicle with at least one row, highest
// risk first. Ties are ordered by VIN.
func (r *Ranker) Ranking() []models.RiskScore {
	out := make([]models.RiskScore, 0, len(r.counters))
	for vin, c := range r.counters {
		if c.Total == 0 {
			continue
		}
		out = append(out, c.Score(vin))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Risk != out[j].Risk {
			return out[i].Risk > out[j].Risk
		}
		return out[i].VIN < out[j].VIN
	})
	return out
}

// Run streams the table and returns the final ranking. Rows outside the
// date range are ignored. The date of a row is its UTC calendar date.
func (r *Ranker) Run(ctx context.Context, table *parser.TableReader, opts Options) ([]models.RiskScore, error) {
	if opts.Chunk < 1 {
		opts.Chunk = DefaultChunk
	}
	if err := table.Select(ColumnRPM, ColumnSpeed, ColumnLoad, ColumnCoolant); err != nil {
		return nil, err
	}
	start := dateOnly(opts.Start)
	end := dateOnly(opts.End)

	var (
		chunk   = 1
		inChunk = 0
		kept    = 0
		rows    = 0
	)
	flush := func() error {
		if kept == 0 {
			return nil
		}
		ranking := r.Ranking()
		r.logger.Debug().Int("chunk", chunk).Int("rows", rows).Int("vehicles", len(ranking)).Msg("chunk ranked")
		if opts.OnChunk != nil {
			if err := opts.OnChunk(chunk, ranking); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		row, err := table.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read table: %w", err)
		}
		rows++
		inChunk++

		day := dateOnly(row.Time)
		if (start.IsZero() || !day.Before(start)) && (end.IsZero() || !day.After(end)) {
			c, ok := r.counters[row.VIN]
			if !ok {
				c = &Counters{}
				r.counters[row.VIN] = c
			}
			c.Add(row.Values[0], row.Values[1], row.Values[2], row.Values[3])
			kept++
		}

		if inChunk == opts.Chunk {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := flush(); err != nil {
				return nil, err
			}
			chunk++
			inChunk = 0
			kept = 0
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	ranking := r.Ranking()
	r.logger.Info().
		Int("rows", rows).
		Int("skipped", table.Skipped()).
		Int("vehicles", len(ranking)).
		Msg("ranking complete")
	return ranking, nil
}

func dateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DefaultTarget is the output name used when none is given:
// dpf_risk-<start|begin>-<end|end>.csv.
func DefaultTarget(start, end string) string {
	if start == "" {
		start = "begin"
	}
	if end == "" {
		end = "end"
	}
	return fmt.Sprintf("dpf_risk-%s-%s.csv", start, end)
}
