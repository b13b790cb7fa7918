package fetcher

import (
	"fmt"

	"fleet-stats-exporter/internal/models"
)

// FetchError is a window-scoped failure. The window stays unfetched so the
// next run retries it.
type FetchError struct {
	Window models.Window
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Window, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
