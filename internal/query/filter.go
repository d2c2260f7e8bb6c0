package query

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// Filter keys accepted from callers
const (
	KeyDepartment          = "department"
	KeyCampus              = "campus"
	KeyDocType             = "doc_type"
	KeyStatus              = "status"
	KeyMinPriority         = "min_priority"
	KeyMaxClearanceLevel   = "max_clearance_level"
	KeySinceDate           = "since_date"
	KeyUntilDate           = "until_date"
	KeyMinViews            = "min_views"
	KeyTagsAny             = "tags_any"
	KeyTagsAll             = "tags_all"
	KeySimilarityThreshold = "similarity_threshold"
)

// Filter is the structured predicate set supplied with a search.
// Nil pointers and empty slices mean "no constraint".
type Filter struct {
	// Equality filters; several values match any of them
	Department []string
	Campus     []string
	DocType    []string
	Status     []string

	// Range filters
	MinPriority       *int
	MaxClearanceLevel *int
	SinceDate         *time.Time
	UntilDate         *time.Time
	MinViews          *int64

	// Set filters
	TagsAny []string
	TagsAll []string

	// SimilarityThreshold excludes chunks whose similarity (1 - distance) is below it
	SimilarityThreshold *float64
}

// DecodeFilter parses a loosely typed filter object (decoded JSON).
// Unknown keys are returned as warnings; type mismatches are ErrInvalidFilter.
func DecodeFilter(raw map[string]any) (Filter, []string, error) {
	var f Filter
	var warnings []string

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		if value == nil {
			continue
		}

		var err error
		switch key {
		case KeyDepartment:
			f.Department, err = decodeStrings(key, value)
		case KeyCampus:
			f.Campus, err = decodeStrings(key, value)
		case KeyDocType:
			f.DocType, err = decodeStrings(key, value)
		case KeyStatus:
			f.Status, err = decodeStrings(key, value)
		case KeyTagsAny:
			f.TagsAny, err = decodeStrings(key, value)
		case KeyTagsAll:
			f.TagsAll, err = decodeStrings(key, value)
		case KeyMinPriority:
			f.MinPriority, err = decodeInt(key, value)
		case KeyMaxClearanceLevel:
			f.MaxClearanceLevel, err = decodeInt(key, value)
		case KeyMinViews:
			var n *int
			n, err = decodeInt(key, value)
			if n != nil {
				v := int64(*n)
				f.MinViews = &v
			}
		case KeySinceDate:
			f.SinceDate, err = decodeTime(key, value)
		case KeyUntilDate:
			f.UntilDate, err = decodeTime(key, value)
		case KeySimilarityThreshold:
			f.SimilarityThreshold, err = decodeFloat(key, value)
		default:
			warnings = append(warnings, fmt.Sprintf("unknown filter %q ignored", key))
		}
		if err != nil {
			return Filter{}, warnings, err
		}
	}

	if err := f.Validate(); err != nil {
		return Filter{}, warnings, err
	}
	return f, warnings, nil
}

// Validate checks value ranges
func (f Filter) Validate() error {
	if f.MinPriority != nil && (*f.MinPriority < 1 || *f.MinPriority > 5) {
		return fmt.Errorf("%w: %s must be between 1 and 5", types.ErrInvalidFilter, KeyMinPriority)
	}
	if f.MaxClearanceLevel != nil && *f.MaxClearanceLevel < 0 {
		return fmt.Errorf("%w: %s must be >= 0", types.ErrInvalidFilter, KeyMaxClearanceLevel)
	}
	if f.MinViews != nil && *f.MinViews < 0 {
		return fmt.Errorf("%w: %s must be >= 0", types.ErrInvalidFilter, KeyMinViews)
	}
	if f.SinceDate != nil && f.UntilDate != nil && f.SinceDate.After(*f.UntilDate) {
		return fmt.Errorf("%w: %s is after %s", types.ErrInvalidFilter, KeySinceDate, KeyUntilDate)
	}
	if t := f.SimilarityThreshold; t != nil && (math.IsNaN(*t) || *t < 0 || *t > 1) {
		return fmt.Errorf("%w: %s must be between 0 and 1", types.ErrInvalidFilter, KeySimilarityThreshold)
	}
	return nil
}

// Canonical returns the non-default fields keyed by their filter names, with
// list values sorted and deduplicated. Two logically identical filters produce
// equal maps.
func (f Filter) Canonical() map[string]any {
	out := make(map[string]any)
	putStrings := func(key string, values []string) {
		if norm := types.NormalizeStrings(values); len(norm) > 0 {
			out[key] = norm
		}
	}
	putStrings(KeyDepartment, f.Department)
	putStrings(KeyCampus, f.Campus)
	putStrings(KeyDocType, f.DocType)
	putStrings(KeyStatus, f.Status)
	putStrings(KeyTagsAny, f.TagsAny)
	putStrings(KeyTagsAll, f.TagsAll)

	if f.MinPriority != nil {
		out[KeyMinPriority] = *f.MinPriority
	}
	if f.MaxClearanceLevel != nil {
		out[KeyMaxClearanceLevel] = *f.MaxClearanceLevel
	}
	if f.MinViews != nil {
		out[KeyMinViews] = *f.MinViews
	}
	if f.SinceDate != nil {
		out[KeySinceDate] = f.SinceDate.UTC().Format(time.RFC3339Nano)
	}
	if f.UntilDate != nil {
		out[KeyUntilDate] = f.UntilDate.UTC().Format(time.RFC3339Nano)
	}
	if f.SimilarityThreshold != nil {
		out[KeySimilarityThreshold] = *f.SimilarityThreshold
	}
	return out
}

func decodeStrings(key string, value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return types.NormalizeStrings([]string{v}), nil
	case []string:
		return types.NormalizeStrings(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d] must be a string, got %T", types.ErrInvalidFilter, key, i, item)
			}
			out = append(out, s)
		}
		return types.NormalizeStrings(out), nil
	default:
		return nil, fmt.Errorf("%w: %s must be a string or list of strings, got %T", types.ErrInvalidFilter, key, value)
	}
}

func decodeInt(key string, value any) (*int, error) {
	var f float64
	switch v := value.(type) {
	case int:
		return &v, nil
	case int64:
		n := int(v)
		return &n, nil
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer", types.ErrInvalidFilter, key)
		}
		f = parsed
	default:
		return nil, fmt.Errorf("%w: %s must be an integer, got %T", types.ErrInvalidFilter, key, value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %s must be an integer, got %v", types.ErrInvalidFilter, key, f)
	}
	n := int(f)
	return &n, nil
}

func decodeFloat(key string, value any) (*float64, error) {
	switch v := value.(type) {
	case float64:
		return &v, nil
	case int:
		f := float64(v)
		return &f, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a number", types.ErrInvalidFilter, key)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a number, got %T", types.ErrInvalidFilter, key, value)
	}
}

func decodeTime(key string, value any) (*time.Time, error) {
	switch v := value.(type) {
	case string:
		t, err := types.ParseTime(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidFilter, key, err)
		}
		return &t, nil
	case time.Time:
		t := v.UTC()
		return &t, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a date string, got %T", types.ErrInvalidFilter, key, value)
	}
}
