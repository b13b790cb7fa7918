package risk

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-stats-exporter/internal/models"
	"fleet-stats-exporter/internal/parser"
)

func v(f float64) sql.NullFloat64 { return sql.NullFloat64{Float64: f, Valid: true} }

var none = sql.NullFloat64{}

func TestCounters_Score(t *testing.T) {
	var c Counters
	c.Add(v(800), v(0), v(20), v(50_000))   // idle, low speed, low load, cold
	c.Add(v(1500), v(60), v(80), v(90_000)) // highway
	c.Add(none, none, none, none)           // nothing counts

	assert.Equal(t, Counters{Total: 3, Idle: 1, LowSpeed: 1, LowLoad: 1, Cold: 1, SpeedSum: 60}, c)

	s := c.Score("A")
	third := 1.0 / 3
	avg := 20.0
	assert.InDelta(t, 0.2*(4*third+(1-avg/60)), s.Risk, 1e-12)
	assert.InDelta(t, 100*third, s.IdleP, 1e-9)
	assert.InDelta(t, 100*third, s.ColdP, 1e-9)
	assert.InDelta(t, avg*1.60934, s.AvgKph, 1e-9)
}

func TestCounters_SpeedPenaltyFloorsAtZero(t *testing.T) {
	var c Counters
	c.Add(v(2000), v(75), v(90), v(95_000))
	s := c.Score("A")
	assert.Equal(t, 0.0, s.Risk)
}

func TestCounters_IdleBoundsAreExclusive(t *testing.T) {
	var c Counters
	c.Add(v(600), v(0), none, none)
	c.Add(v(1000), v(0), none, none)
	c.Add(v(800), v(1), none, none)
	assert.Equal(t, int64(0), c.Idle)
}

const table = `time,vin,engineRpm,ecuSpeedMph,engineLoadPercent,engineCoolantTemperatureMilliC
2025-06-07T23:59:00Z,A,800,0,20,50000
2025-06-08T00:00:00Z,A,800,0,20,50000
2025-06-08T00:00:00Z,B,1500,65,80,90000
2025-06-08T00:01:00Z,A,1500,30,50,90000
2025-06-09T00:00:00Z,B,800,0,20,50000
`

func openTable(t *testing.T, body string) *parser.TableReader {
	t.Helper()
	tr, err := parser.NewTableReader(strings.NewReader(body), zerolog.Nop())
	require.NoError(t, err)
	return tr
}

func TestRun_RanksByRiskWithDateFilter(t *testing.T) {
	var snapshots []int
	ranking, err := NewRanker(zerolog.Nop()).Run(context.Background(), openTable(t, table), Options{
		Start: time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC),
		Chunk: 2,
		OnChunk: func(chunk int, ranking []models.RiskScore) error {
			snapshots = append(snapshots, chunk)
			return nil
		},
	})
	require.NoError(t, err)

	require.Len(t, ranking, 2)
	assert.Equal(t, "A", ranking[0].VIN)
	assert.Equal(t, "B", ranking[1].VIN)
	assert.Equal(t, 0.0, ranking[1].Risk)

	// Rows 1-2 and 3-4 each have a row in range; row 5 is filtered out.
	assert.Equal(t, []int{1, 2}, snapshots)

	// A: one idle/cold row plus one moving row on 2025-06-08.
	assert.InDelta(t, 0.2*(0.5+0.5+0.5+0.5+(1-15.0/60)), ranking[0].Risk, 1e-12)
}

func TestRun_MissingColumnIsError(t *testing.T) {
	_, err := NewRanker(zerolog.Nop()).Run(context.Background(),
		openTable(t, "time,vin,engineRpm\n2025-06-08T00:00:00Z,A,800\n"), Options{})
	assert.ErrorContains(t, err, "ecuSpeedMph")
}

func TestRun_EmptyTable(t *testing.T) {
	ranking, err := NewRanker(zerolog.Nop()).Run(context.Background(),
		openTable(t, "time,vin,engineRpm,ecuSpeedMph,engineLoadPercent,engineCoolantTemperatureMilliC\n"), Options{})
	require.NoError(t, err)
	assert.Empty(t, ranking)
}

func TestDefaultTarget(t *testing.T) {
	assert.Equal(t, "dpf_risk-begin-end.csv", DefaultTarget("", ""))
	assert.Equal(t, "dpf_risk-2024-01-01-2024-06-30.csv", DefaultTarget("2024-01-01", "2024-06-30"))
}

func TestWriteFileAndRender(t *testing.T) {
	color.NoColor = true
	ranking := []models.RiskScore{
		{VIN: "A", Risk: 0.75, IdleP: 50, LowSpeedP: 100, LowLoadP: 25, ColdP: 0, AvgKph: 8.0467},
		{VIN: "B", Risk: 0.1},
	}

	path := filepath.Join(t.TempDir(), "risk.csv")
	require.NoError(t, WriteFile(path, ranking))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "VIN,Risk,IdleP,LowSpeedP,LowLoadP,ColdP,AvgKph\n"+
		"A,0.75,50,100,25,0,8.0467\n"+
		"B,0.1,0,0,0,0,0\n", string(data))

	var buf bytes.Buffer
	require.NoError(t, RenderTable(&buf, "Top risk", ranking, 1))
	out := buf.String()
	assert.Contains(t, out, "Top risk")
	assert.Contains(t, out, "0.7500")
	assert.NotContains(t, out, "0.1000")
}

func TestRenderTable_ColourKeepsColumnsAligned(t *testing.T) {
	ranking := []models.RiskScore{
		{VIN: "1FUJGLDR5CLBP8834", Risk: 0.75, IdleP: 50, LowSpeedP: 100, LowLoadP: 25, AvgKph: 8.0467},
		{VIN: "B", Risk: 0.45},
		{VIN: "C", Risk: 0.1},
	}

	prev := color.NoColor
	defer func() { color.NoColor = prev }()

	color.NoColor = true
	var plain bytes.Buffer
	require.NoError(t, RenderTable(&plain, "Top risk", ranking, 3))

	color.NoColor = false
	var coloured bytes.Buffer
	require.NoError(t, RenderTable(&coloured, "Top risk", ranking, 3))

	ansi := regexp.MustCompile("\x1b\\[[0-9;]*m")
	assert.Contains(t, coloured.String(), "\x1b[31m0.7500")
	assert.Equal(t, plain.String(), ansi.ReplaceAllString(coloured.String(), ""))

	lines := strings.Split(strings.TrimRight(plain.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	for _, line := range lines[2:] {
		assert.Len(t, line, len(lines[1]))
	}
}

func TestRenderTable_NegativeCountShowsHeaderOnly(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	require.NoError(t, RenderTable(&buf, "Top risk", []models.RiskScore{{VIN: "A", Risk: 0.5}}, -1))
	assert.Contains(t, buf.String(), "Rank")
	assert.NotContains(t, buf.String(), "0.5000")
}

func TestChunkPrinter(t *testing.T) {
	color.NoColor = true
	ranking := make([]models.RiskScore, 7)
	for i := range ranking {
		ranking[i] = models.RiskScore{VIN: string(rune('A' + i)), Risk: 0.9 - float64(i)/10}
	}

	var buf bytes.Buffer
	require.NoError(t, ChunkPrinter(&buf, LiveTop)(2, ranking))
	out := buf.String()
	assert.Contains(t, out, "Top-5 DPF Risk after chunk 2")
	assert.Contains(t, out, "0.5000")
	assert.NotContains(t, out, "0.4000")
	assert.Len(t, strings.Split(strings.TrimRight(out, "\n"), "\n"), 7)
}
