package parser

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"

	"fleet-stats-exporter/internal/models"
)

// Extractor pulls the numeric value out of one raw stat entry. It returns
// false when the value is absent or not numeric.
type Extractor func(entry map[string]json.RawMessage) (float64, bool)

// Registry maps stat types to extractors. Stat types without an entry use
// the default extractor, which reads the entry's "value" field.
type Registry struct {
	mu       sync.RWMutex
	byStat   map[models.StatType]Extractor
	fallback Extractor
}

// NewRegistry returns an empty registry that reads "value" for every stat.
func NewRegistry() *Registry {
	return &Registry{
		byStat:   make(map[models.StatType]Extractor),
		fallback: Field("value"),
	}
}

// DefaultRegistry returns a registry with the stat types whose entries are
// not a flat numeric value.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("gps", Field("speedMilesPerHour"))
	r.Register("engineStates", Enum("value", map[string]float64{
		"Off":  0,
		"On":   1,
		"Idle": 2,
	}))
	return r
}

// Register sets the extractor for stat, replacing any previous one.
func (r *Registry) Register(stat models.StatType, fn Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byStat[stat] = fn
}

// For returns the extractor used for stat.
func (r *Registry) For(stat models.StatType) Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.byStat[stat]; ok {
		return fn
	}
	return r.fallback
}

// Field reads a numeric field. JSON numbers and numeric strings are accepted;
// NaN and infinities count as missing.
func Field(name string) Extractor {
	return func(entry map[string]json.RawMessage) (float64, bool) {
		raw, ok := entry[name]
		if !ok {
			return 0, false
		}
		return number(raw)
	}
}

// Enum maps a string field through a fixed table. Unknown labels are missing.
func Enum(name string, values map[string]float64) Extractor {
	return func(entry map[string]json.RawMessage) (float64, bool) {
		var label string
		if err := json.Unmarshal(entry[name], &label); err != nil {
			return 0, false
		}
		v, ok := values[strings.TrimSpace(label)]
		return v, ok
	}
}

func number(raw json.RawMessage) (float64, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
