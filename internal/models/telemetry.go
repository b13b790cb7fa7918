package models

import (
	"database/sql"
	"time"
)

// DateLayout is the calendar-date format used in cache file names and flags.
const DateLayout = "2006-01-02"

// StatType names one telemetry channel reported by the fleet API,
// e.g. gpsOdometerMeters or engineRpm.
type StatType string

// Window is a single unit of fetch work: one calendar day of one stat type.
type Window struct {
	Date     string // YYYY-MM-DD in the configured time zone
	StatType StatType
	Start    time.Time // UTC, inclusive
	End      time.Time // UTC, exclusive
}

func (w Window) String() string {
	return w.Date + "/" + string(w.StatType)
}

// Sample is one normalized reading. Value is invalid when the source value was
// absent or non-numeric.
type Sample struct {
	Time     time.Time
	VIN      string
	StatType StatType
	Value    sql.NullFloat64
}

// Row is one line of the wide table: identity columns plus one cell per stat.
type Row struct {
	Time   time.Time
	VIN    string
	Values []sql.NullFloat64
}

// CacheEntry describes one cached window artifact on disk.
type CacheEntry struct {
	Date     string    `json:"date"`
	StatType StatType  `json:"stat_type"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
}

// SampleQuery represents query parameters for stored sample searches
type SampleQuery struct {
	VIN       string
	StatType  StatType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// StoredSample is a sample row as read back from the store.
type StoredSample struct {
	ID       int64     `json:"id"`
	VIN      string    `json:"vin"`
	Time     time.Time `json:"time"`
	StatType StatType  `json:"stat"`
	Value    *float64  `json:"value"`
}

// Vehicle is a VIN known to the store with its sample coverage.
type Vehicle struct {
	VIN     string    `json:"vin"`
	Samples int64     `json:"samples"`
	First   time.Time `json:"first"`
	Last    time.Time `json:"last"`
}

// StatSummary aggregates the numeric samples of one stat for one vehicle.
type StatSummary struct {
	StatType StatType `json:"stat"`
	Count    int64    `json:"count"`
	Missing  int64    `json:"missing"`
	Min      *float64 `json:"min"`
	Max      *float64 `json:"max"`
	Avg      *float64 `json:"avg"`
}

// VehicleSummary provides aggregated statistics for one vehicle
type VehicleSummary struct {
	VIN          string        `json:"vin"`
	TotalSamples int64         `json:"total_samples"`
	First        time.Time     `json:"first"`
	Last         time.Time     `json:"last"`
	Stats        []StatSummary `json:"stats"`
}

// RiskScore is the DPF-clog risk of one vehicle. Percentages are 0-100.
type RiskScore struct {
	VIN       string  `json:"vin"`
	Risk      float64 `json:"risk"`
	IdleP     float64 `json:"idle_pct"`
	LowSpeedP float64 `json:"low_speed_pct"`
	LowLoadP  float64 `json:"low_load_pct"`
	ColdP     float64 `json:"cold_pct"`
	AvgKph    float64 `json:"avg_kph"`
}
