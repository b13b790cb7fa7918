// Package parser reads cached window artifacts into samples and reads the
// exported wide table back.
package parser

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fleet-stats-exporter/internal/cache"
	"fleet-stats-exporter/internal/models"
)

const vinKey = "samsara.vin"

// LoadWarning reports a cache artifact that could not be read or parsed.
// The artifact is skipped.
type LoadWarning struct {
	Path string
	Err  error
}

func (w *LoadWarning) Error() string {
	return fmt.Sprintf("skipped %s: %v", w.Path, w.Err)
}

func (w *LoadWarning) Unwrap() error {
	return w.Err
}

// ParseArtifact decodes one artifact (a JSON array of vehicle records) into
// samples, in file order.
func ParseArtifact(r io.Reader, stat models.StatType, reg *Registry) ([]models.Sample, error) {
	var records []map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}

	extract := reg.For(stat)
	var samples []models.Sample
	for i, rec := range records {
		vin, err := recordVIN(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		raw, ok := rec[string(stat)]
		if !ok || string(raw) == "null" {
			continue
		}
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("record %d: %s is not a list: %w", i, stat, err)
		}

		for j, entry := range entries {
			ts, err := entryTime(entry)
			if err != nil {
				return nil, fmt.Errorf("record %d entry %d: %w", i, j, err)
			}
			v, ok := extract(entry)
			samples = append(samples, models.Sample{
				Time:     ts,
				VIN:      vin,
				StatType: stat,
				Value:    sql.NullFloat64{Float64: v, Valid: ok},
			})
		}
	}
	return samples, nil
}

// recordVIN prefers the external VIN and falls back to the vehicle id.
func recordVIN(rec map[string]json.RawMessage) (string, error) {
	if raw, ok := rec["externalIds"]; ok {
		var ids map[string]any
		if err := json.Unmarshal(raw, &ids); err == nil {
			if vin, ok := ids[vinKey].(string); ok && strings.TrimSpace(vin) != "" {
				return strings.TrimSpace(vin), nil
			}
		}
	}
	var id any
	if err := json.Unmarshal(rec["id"], &id); err == nil {
		switch v := id.(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", v), nil
		}
	}
	return "", fmt.Errorf("vehicle has neither %s nor id", vinKey)
}

func entryTime(entry map[string]json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(entry["time"], &s); err != nil {
		return time.Time{}, fmt.Errorf("missing time")
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return ts.UTC(), nil
}

// LoadOptions selects which artifacts LoadCache reads.
type LoadOptions struct {
	Stats    []models.StatType
	From     string // inclusive YYYY-MM-DD, empty for no bound
	To       string // inclusive YYYY-MM-DD, empty for no bound
	Workers  int
	Registry *Registry
}

// LoadResult is the concatenated sample table of every artifact that loaded.
type LoadResult struct {
	Samples  []models.Sample
	Loaded   []models.CacheEntry
	Warnings []*LoadWarning
}

// LoadCache parses the selected artifacts in parallel. Samples are returned
// in artifact name order, then file order, regardless of scheduling.
func LoadCache(ctx context.Context, store *cache.Store, opts LoadOptions, logger zerolog.Logger) (*LoadResult, error) {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	entries, err := store.List()
	if err != nil {
		return nil, err
	}
	wanted := make(map[models.StatType]bool, len(opts.Stats))
	for _, st := range opts.Stats {
		wanted[st] = true
	}
	var selected []models.CacheEntry
	for _, e := range entries {
		if !wanted[e.StatType] {
			continue
		}
		if opts.From != "" && e.Date < opts.From {
			continue
		}
		if opts.To != "" && e.Date > opts.To {
			continue
		}
		selected = append(selected, e)
	}

	parsed := make([][]models.Sample, len(selected))
	failures := make([]error, len(selected))

	group, gCtx := errgroup.WithContext(ctx)
	group.SetLimit(opts.Workers)
	for i, e := range selected {
		group.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			parsed[i], failures[i] = loadFile(store, e, opts.Registry)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	result := &LoadResult{}
	for i, e := range selected {
		if failures[i] != nil {
			w := &LoadWarning{Path: e.Path, Err: failures[i]}
			logger.Warn().Str("path", e.Path).Err(failures[i]).Msg("skipping unreadable artifact")
			result.Warnings = append(result.Warnings, w)
			continue
		}
		result.Loaded = append(result.Loaded, e)
		result.Samples = append(result.Samples, parsed[i]...)
	}
	logger.Info().
		Int("artifacts", len(result.Loaded)).
		Int("skipped", len(result.Warnings)).
		Int("samples", len(result.Samples)).
		Msg("cache loaded")
	return result, nil
}

func loadFile(store *cache.Store, e models.CacheEntry, reg *Registry) ([]models.Sample, error) {
	data, err := store.Read(e.Date, e.StatType)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return ParseArtifact(bytes.NewReader(data), e.StatType, reg)
}
