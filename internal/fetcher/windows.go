package fetcher

import (
	"fmt"
	"time"

	"fleet-stats-exporter/internal/models"
)

// DefaultAnchor returns yesterday's date in loc.
func DefaultAnchor(now time.Time, loc *time.Location) string {
	return now.In(loc).AddDate(0, 0, -1).Format(models.DateLayout)
}

// Windows expands an anchor date into the anchor and the ndays-1 preceding
// days, one window per stat type. Day boundaries are midnight in loc,
// expressed in UTC, so DST transition days are 23 or 25 hours long.
// Windows are ordered newest day first, stat types in configured order.
func Windows(anchor string, ndays int, loc *time.Location, stats []models.StatType) ([]models.Window, error) {
	if ndays < 1 {
		return nil, fmt.Errorf("ndays must be positive, got %d", ndays)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("no stat types to fetch")
	}
	day, err := time.ParseInLocation(models.DateLayout, anchor, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid anchor date %q (use YYYY-MM-DD): %w", anchor, err)
	}

	windows := make([]models.Window, 0, ndays*len(stats))
	for offset := 0; offset < ndays; offset++ {
		y, m, d := day.Date()
		start := time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
		end := time.Date(y, m, d-offset+1, 0, 0, 0, 0, loc)
		for _, st := range stats {
			windows = append(windows, models.Window{
				Date:     start.Format(models.DateLayout),
				StatType: st,
				Start:    start.UTC(),
				End:      end.UTC(),
			})
		}
	}
	return windows, nil
}
