// Package transform turns the long sample table into the aligned wide table.
package transform

import (
	"database/sql"
	"sort"
	"time"

	"fleet-stats-exporter/internal/models"
)

// DefaultInterval is the grid step used when none is configured.
const DefaultInterval = 60 * time.Second

// Point is one resampled value.
type Point struct {
	Time  time.Time
	Value sql.NullFloat64
}

// Series is the resampled history of one stat for one vehicle.
type Series struct {
	VIN      string
	StatType models.StatType
	Points   []Point
}

type seriesKey struct {
	vin  string
	stat models.StatType
}

// Resample groups samples by (vin, stat) and aligns each group to a grid of
// the given interval. The grid starts at the first observation truncated to
// the interval and stops at the last observation; observed instants off the
// grid are kept as points. Each point carries the latest observation at or
// before it, and grid points before the first observation are missing.
// Observations sharing an instant resolve to the last one in input order.
//
// Series are returned sorted by vin, then stat.
func Resample(samples []models.Sample, interval time.Duration) []Series {
	if interval <= 0 {
		interval = DefaultInterval
	}

	groups := make(map[seriesKey][]models.Sample)
	for _, s := range samples {
		k := seriesKey{vin: s.VIN, stat: s.StatType}
		groups[k] = append(groups[k], s)
	}

	keys := make([]seriesKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].vin != keys[j].vin {
			return keys[i].vin < keys[j].vin
		}
		return keys[i].stat < keys[j].stat
	})

	out := make([]Series, 0, len(keys))
	for _, k := range keys {
		out = append(out, Series{
			VIN:      k.vin,
			StatType: k.stat,
			Points:   fillForward(dedupe(groups[k]), interval),
		})
	}
	return out
}

// dedupe sorts observations by time, keeping the last of any that share an
// instant.
func dedupe(obs []models.Sample) []models.Sample {
	sort.SliceStable(obs, func(i, j int) bool {
		return obs[i].Time.Before(obs[j].Time)
	})
	out := obs[:0]
	for _, o := range obs {
		if n := len(out); n > 0 && out[n-1].Time.Equal(o.Time) {
			out[n-1] = o
			continue
		}
		out = append(out, o)
	}
	return out
}

// fillForward merges the grid with the sorted observations.
func fillForward(obs []models.Sample, interval time.Duration) []Point {
	if len(obs) == 0 {
		return nil
	}
	first, last := obs[0].Time, obs[len(obs)-1].Time
	grid := first.Truncate(interval)

	points := make([]Point, 0, int(last.Sub(grid)/interval)+len(obs)+1)
	var (
		current sql.NullFloat64
		next    = 0
	)
	for !grid.After(last) || next < len(obs) {
		// Emit observations that come strictly before the next grid point.
		if next < len(obs) && (grid.After(last) || obs[next].Time.Before(grid)) {
			current = obs[next].Value
			points = append(points, Point{Time: obs[next].Time, Value: current})
			next++
			continue
		}
		if next < len(obs) && obs[next].Time.Equal(grid) {
			current = obs[next].Value
			next++
		}
		points = append(points, Point{Time: grid, Value: current})
		grid = grid.Add(interval)
	}
	return points
}
