// Package config loads the settings shared by the fetch and transform commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"fleet-stats-exporter/internal/models"
)

const (
	DefaultPath           = "config.toml"
	defaultCacheDir       = ".cache"
	defaultOutput         = "vehicle_stats.csv"
	defaultDBPath         = "vehicle_stats.db"
	defaultBaseURL        = "https://api.samsara.com"
	defaultTimezone       = "UTC"
	defaultWorkers        = 1
	defaultMaxPages       = 10000
	defaultRequestTimeout = 60
)

// Settings contains the application config.
type Settings struct {
	StatTypeNames  []string `toml:"stat_types"`
	CacheDir       string   `toml:"cache_dir"`
	Output         string   `toml:"output"`
	DBPath         string   `toml:"db_path"`
	BaseURL        string   `toml:"base_url"`
	Timezone       string   `toml:"timezone"`
	Workers        int      `toml:"workers"`
	MaxPages       int      `toml:"max_pages"`
	RequestTimeout int      `toml:"request_timeout_seconds"`

	// Environment only.
	Token    string `toml:"-"`
	LogLevel string `toml:"-"`

	location *time.Location
}

// Load reads path (a TOML file), then applies .env and process environment
// overrides. A missing file is not an error.
func Load(path string) (*Settings, error) {
	_ = godotenv.Load(".env")

	s := &Settings{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv() error {
	s.Token = strings.TrimSpace(os.Getenv("SAMSARA_TOKEN"))
	s.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))

	if v := strings.TrimSpace(os.Getenv("STAT_TYPES")); v != "" {
		s.StatTypeNames = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv("CACHE_DIR")); v != "" {
		s.CacheDir = v
	}
	if v := strings.TrimSpace(os.Getenv("SAMSARA_BASE_URL")); v != "" {
		s.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("FETCH_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FETCH_WORKERS: %w", err)
		}
		s.Workers = n
	}
	return nil
}

func (s *Settings) applyDefaults() {
	if s.CacheDir == "" {
		s.CacheDir = defaultCacheDir
	}
	if s.Output == "" {
		s.Output = defaultOutput
	}
	if s.DBPath == "" {
		s.DBPath = defaultDBPath
	}
	if s.BaseURL == "" {
		s.BaseURL = defaultBaseURL
	}
	if s.Timezone == "" {
		s.Timezone = defaultTimezone
	}
	if s.Workers == 0 {
		s.Workers = defaultWorkers
	}
	if s.MaxPages == 0 {
		s.MaxPages = defaultMaxPages
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = defaultRequestTimeout
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

// Validate checks the settings and resolves the configured time zone.
func (s *Settings) Validate() error {
	if s.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", s.Workers)
	}
	if s.MaxPages < 1 {
		return fmt.Errorf("max_pages must be positive, got %d", s.MaxPages)
	}
	if s.RequestTimeout < 1 {
		return fmt.Errorf("request_timeout_seconds must be positive, got %d", s.RequestTimeout)
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	s.location = loc
	return nil
}

// StatTypes returns the configured stat types in order, trimmed and without
// duplicates.
func (s *Settings) StatTypes() []models.StatType {
	seen := make(map[string]bool, len(s.StatTypeNames))
	out := make([]models.StatType, 0, len(s.StatTypeNames))
	for _, st := range s.StatTypeNames {
		st = strings.TrimSpace(st)
		if st == "" || seen[st] {
			continue
		}
		seen[st] = true
		out = append(out, models.StatType(st))
	}
	return out
}

// RequireStatTypes returns the stat types, failing when none are configured.
func (s *Settings) RequireStatTypes() ([]models.StatType, error) {
	stats := s.StatTypes()
	if len(stats) == 0 {
		return nil, errors.New("at least one stat type must be configured (stat_types in config.toml or STAT_TYPES)")
	}
	return stats, nil
}

// Location is the zone used for calendar-day boundaries.
func (s *Settings) Location() *time.Location {
	if s.location == nil {
		return time.UTC
	}
	return s.location
}

// Timeout is the per-request HTTP timeout.
func (s *Settings) Timeout() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}
