package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Well-known metadata keys read by the search engine.
const (
	MetaDepartment     = "department"
	MetaCampus         = "campus"
	MetaDocType        = "doc_type"
	MetaStatus         = "status"
	MetaPriority       = "priority"
	MetaTags           = "tags"
	MetaClearanceLevel = "clearance_level"
	MetaViewCount      = "view_count"
	MetaLastReviewed   = "last_reviewed"
)

// Metadata is the open, per-chunk key/value mapping.
// Values are JSON scalars or arrays; unknown keys are carried but never interpreted.
type Metadata map[string]any

// String returns the value under key when it is a string
func (m Metadata) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the value under key as an integer.
// Accepts JSON numbers (float64), Go integers, json.Number and numeric strings.
func (m Metadata) Int(key string) (int64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	return toInt64(v)
}

// ClearanceLevel returns the chunk's clearance level; absent means public (0).
func (m Metadata) ClearanceLevel() int64 {
	level, _ := m.Int(MetaClearanceLevel)
	return level
}

// Priority returns the chunk priority (1-5), or 0 when absent
func (m Metadata) Priority() int64 {
	p, _ := m.Int(MetaPriority)
	return p
}

// ViewCount returns the chunk view count, or 0 when absent
func (m Metadata) ViewCount() int64 {
	n, _ := m.Int(MetaViewCount)
	return n
}

// Tags returns the chunk tags, sorted and deduplicated.
func (m Metadata) Tags() []string {
	v, ok := m[MetaTags]
	if !ok || v == nil {
		return nil
	}

	var raw []string
	switch t := v.(type) {
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = []string{t}
	}
	return NormalizeStrings(raw)
}

// Time returns the value under key parsed as a timestamp
func (m Metadata) Time(key string) (time.Time, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := ParseTime(t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// Clone returns a deep copy of the metadata
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case []any:
			out[k] = append([]any(nil), t...)
		case []string:
			out[k] = append([]string(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}

// Validate checks that well-known keys, when present, hold values the
// search engine can interpret.
func (m Metadata) Validate() error {
	for _, key := range []string{MetaClearanceLevel, MetaPriority, MetaViewCount} {
		if v, ok := m[key]; ok && v != nil {
			n, ok := toInt64(v)
			if !ok {
				return fmt.Errorf("%w: metadata %s must be an integer, got %v", ErrInvalidInput, key, v)
			}
			if n < 0 {
				return fmt.Errorf("%w: metadata %s cannot be negative", ErrInvalidInput, key)
			}
		}
	}
	if v, ok := m[MetaLastReviewed]; ok && v != nil {
		if _, ok := m.Time(MetaLastReviewed); !ok {
			return fmt.Errorf("%w: metadata %s is not a timestamp: %v", ErrInvalidInput, MetaLastReviewed, v)
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses RFC 3339 timestamps and plain dates (YYYY-MM-DD, UTC).
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// NormalizeStrings trims, deduplicates and sorts a string list, dropping empties.
func NormalizeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return floatToInt(f)
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}
