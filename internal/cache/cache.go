// Package cache stores one raw JSON artifact per fetch window under a root
// directory. A file at the artifact path means the window is complete.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fleet-stats-exporter/internal/models"
)

const (
	artifactExt = ".json"
	tempSuffix  = ".tmp"
)

// Store is a directory of window artifacts named <YYYY-MM-DD>-<stat>.json.
type Store struct {
	root string
}

// New creates the cache root if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("cache root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the cache directory.
func (s *Store) Root() string {
	return s.root
}

// FileName returns the artifact file name for a window.
func FileName(date string, stat models.StatType) string {
	return date + "-" + string(stat) + artifactExt
}

// Path returns the artifact path for a window.
func (s *Store) Path(date string, stat models.StatType) string {
	return filepath.Join(s.root, FileName(date, stat))
}

// Exists reports whether the window artifact is present.
func (s *Store) Exists(date string, stat models.StatType) (bool, error) {
	_, err := os.Stat(s.Path(date, stat))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact: %w", err)
}

// Write persists records as the window artifact. The file only appears at its
// final path once fully written and synced, so an interrupted write never
// looks like a completed window.
func (s *Store) Write(date string, stat models.StatType, records []json.RawMessage) error {
	if records == nil {
		records = []json.RawMessage{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}

	final := s.Path(date, stat)
	tmp, err := os.CreateTemp(s.root, "."+filepath.Base(final)+".*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

// Read returns the raw artifact bytes.
func (s *Store) Read(date string, stat models.StatType) ([]byte, error) {
	return os.ReadFile(s.Path(date, stat))
}

// ParseName splits an artifact file name into its date and stat type.
func ParseName(name string) (string, models.StatType, bool) {
	if !strings.HasSuffix(name, artifactExt) || strings.HasPrefix(name, ".") {
		return "", "", false
	}
	stem := strings.TrimSuffix(name, artifactExt)
	if len(stem) < len(models.DateLayout)+2 || stem[len(models.DateLayout)] != '-' {
		return "", "", false
	}
	date := stem[:len(models.DateLayout)]
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return "", "", false
	}
	return date, models.StatType(stem[len(models.DateLayout)+1:]), true
}

// List returns every completed artifact sorted by file name.
func (s *Store) List() ([]models.CacheEntry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read cache root: %w", err)
	}

	var entries []models.CacheEntry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		date, stat, ok := ParseName(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", de.Name(), err)
		}
		entries = append(entries, models.CacheEntry{
			Date:     date,
			StatType: stat,
			Path:     filepath.Join(s.root, de.Name()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return filepath.Base(entries[i].Path) < filepath.Base(entries[j].Path)
	})
	return entries, nil
}

// Sweep removes temp files left behind by interrupted writes and returns how
// many were removed.
func (s *Store) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, ".*"+artifactExt+".*"+tempSuffix))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", m, err)
		}
		removed++
	}
	return removed, nil
}
