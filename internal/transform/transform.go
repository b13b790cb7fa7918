package transform

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"fleet-stats-exporter/internal/cache"
	"fleet-stats-exporter/internal/models"
	"fleet-stats-exporter/internal/parser"
)

// SampleSink receives the resampled long table, e.g. the SQLite store.
type SampleSink interface {
	InsertSamples(ctx context.Context, samples []models.Sample) (int64, error)
}

// Options configures one transform run.
type Options struct {
	Stats    []models.StatType
	Interval time.Duration
	From     string // inclusive YYYY-MM-DD, empty for all cached dates
	To       string
	Output   string
	Workers  int
	Registry *parser.Registry
	Sink     SampleSink // optional
}

// Report summarizes a run.
type Report struct {
	Artifacts int
	Samples   int
	Rows      int
	Stored    int64
	Warnings  []*parser.LoadWarning
	Gaps      []SchemaGap
}

// Transformer builds the wide table from the cache.
type Transformer struct {
	store  *cache.Store
	logger *zerolog.Logger
}

// New creates a Transformer reading from store.
func New(store *cache.Store, logger zerolog.Logger) *Transformer {
	return &Transformer{store: store, logger: &logger}
}

// Build loads, resamples and pivots without writing anything.
func (t *Transformer) Build(ctx context.Context, opts Options) (*Table, []Series, *Report, error) {
	if len(opts.Stats) == 0 {
		return nil, nil, nil, errors.New("no stat types configured")
	}
	loaded, err := parser.LoadCache(ctx, t.store, parser.LoadOptions{
		Stats:    opts.Stats,
		From:     opts.From,
		To:       opts.To,
		Workers:  opts.Workers,
		Registry: opts.Registry,
	}, *t.logger)
	if err != nil {
		return nil, nil, nil, err
	}

	series := Resample(loaded.Samples, opts.Interval)
	table, gaps := EnforceColumns(Pivot(series), opts.Stats)
	for _, g := range gaps {
		t.logger.Warn().Str("stat", string(g.StatType)).Msg("stat type has no data, emitting empty column")
	}

	return table, series, &Report{
		Artifacts: len(loaded.Loaded),
		Samples:   len(loaded.Samples),
		Rows:      len(table.Rows),
		Warnings:  loaded.Warnings,
		Gaps:      gaps,
	}, nil
}

// Run builds the table, writes it to opts.Output and, when a sink is set,
// stores the resampled series.
func (t *Transformer) Run(ctx context.Context, opts Options) (*Report, error) {
	started := time.Now()
	table, series, report, err := t.Build(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := WriteFile(opts.Output, table); err != nil {
		return report, err
	}

	if opts.Sink != nil {
		n, err := opts.Sink.InsertSamples(ctx, Flatten(series))
		if err != nil {
			return report, err
		}
		report.Stored = n
	}

	t.logger.Info().
		Str("output", opts.Output).
		Int("rows", report.Rows).
		Int("columns", len(table.Columns)+2).
		Int("warnings", len(report.Warnings)).
		Int64("stored", report.Stored).
		Dur("elapsed", time.Since(started)).
		Msg("table written")
	return report, nil
}

// Flatten converts resampled series back to long-form samples.
func Flatten(series []Series) []models.Sample {
	n := 0
	for _, s := range series {
		n += len(s.Points)
	}
	out := make([]models.Sample, 0, n)
	for _, s := range series {
		for _, p := range s.Points {
			out = append(out, models.Sample{Time: p.Time, VIN: s.VIN, StatType: s.StatType, Value: p.Value})
		}
	}
	return out
}
