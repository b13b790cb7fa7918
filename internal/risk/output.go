package risk

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"fleet-stats-exporter/internal/models"
)

// LiveTop is how many vehicles are shown after each chunk.
const LiveTop = 5

var csvHeader = []string{"VIN", "Risk", "IdleP", "LowSpeedP", "LowLoadP", "ColdP", "AvgKph"}

// WriteCSV writes the ranking in order.
func WriteCSV(w io.Writer, ranking []models.RiskScore) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range ranking {
		if err := cw.Write([]string{
			s.VIN,
			formatFloat(s.Risk),
			formatFloat(s.IdleP),
			formatFloat(s.LowSpeedP),
			formatFloat(s.LowLoadP),
			formatFloat(s.ColdP),
			formatFloat(s.AvgKph),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile replaces path with the ranking once it is fully written.
func WriteFile(path string, ranking []models.RiskScore) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ranking: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := WriteCSV(tmp, ranking); err != nil {
		tmp.Close()
		return fmt.Errorf("write ranking: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ranking: %w", err)
	}
	return os.Rename(tmpName, path)
}

// RenderTable prints the top n vehicles as an aligned table.
func RenderTable(w io.Writer, title string, ranking []models.RiskScore, n int) error {
	n = max(0, min(n, len(ranking)))
	bold := color.New(color.Bold)
	if _, err := bold.Fprintln(w, title); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Rank\tVIN\tRisk\tIdle %\tLow-Spd %\tLow-Load %\tCold %\tAvg kph\t")
	for i, s := range ranking[:n] {
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%.2f\t%.2f\t%.2f\t%.2f\t%.1f\t\n",
			i+1, s.VIN, s.Risk, s.IdleP, s.LowSpeedP, s.LowLoadP, s.ColdP, s.AvgKph)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	// Colour is applied after alignment so escape codes take no column width.
	for i, line := range strings.SplitAfter(buf.String(), "\n") {
		if i > 0 && i <= n {
			line = colorRisk(line, ranking[i-1])
		}
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}

// ChunkPrinter returns an OnChunk callback that prints the running top n.
func ChunkPrinter(w io.Writer, n int) func(int, []models.RiskScore) error {
	return func(chunk int, ranking []models.RiskScore) error {
		return RenderTable(w, fmt.Sprintf("Top-%d DPF Risk after chunk %d", n, chunk), ranking, n)
	}
}

func colorRisk(line string, s models.RiskScore) string {
	text := fmt.Sprintf("%.4f", s.Risk)
	from := strings.Index(line, s.VIN)
	if from < 0 {
		return line
	}
	from += len(s.VIN)
	i := strings.Index(line[from:], text)
	if i < 0 {
		return line
	}
	i += from
	return line[:i] + riskColor(s.Risk).Sprint(text) + line[i+len(text):]
}

func riskColor(risk float64) *color.Color {
	switch {
	case risk >= 0.6:
		return color.New(color.FgRed)
	case risk >= 0.4:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
