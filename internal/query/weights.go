package query

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// Weight keys accepted from callers
const (
	KeySimilarityWeight = "similarity_weight"
	KeyPriorityWeight   = "priority_weight"
	KeyPopularityWeight = "popularity_weight"
	KeyDepartmentWeight = "department_weight"
	KeyCampusWeight     = "campus_weight"
	KeyRecencyWeight    = "recency_weight"
)

// Weights scale the terms of the combined score. They need not sum to 1.
type Weights struct {
	Similarity float64 `json:"similarity_weight"`
	Priority   float64 `json:"priority_weight"`
	Popularity float64 `json:"popularity_weight"`
	Department float64 `json:"department_weight"` // bonus when chunk department == caller department
	Campus     float64 `json:"campus_weight"`     // bonus when chunk campus == caller campus
	Recency    float64 `json:"recency_weight"`    // bonus when last_reviewed is within RecencyWindow
}

// DefaultWeights is used when a request carries no weights
func DefaultWeights() Weights {
	return Weights{
		Similarity: 0.6,
		Priority:   0.2,
		Popularity: 0.1,
		Department: 0.1,
	}
}

// DecodeWeights parses a loosely typed weights object. A nil object yields
// DefaultWeights; a supplied object starts from all-zero so omitted terms drop out.
func DecodeWeights(raw map[string]any) (Weights, []string, error) {
	if raw == nil {
		return DefaultWeights(), nil, nil
	}

	var w Weights
	var warnings []string

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		var target *float64
		switch key {
		case KeySimilarityWeight:
			target = &w.Similarity
		case KeyPriorityWeight:
			target = &w.Priority
		case KeyPopularityWeight:
			target = &w.Popularity
		case KeyDepartmentWeight:
			target = &w.Department
		case KeyCampusWeight:
			target = &w.Campus
		case KeyRecencyWeight:
			target = &w.Recency
		default:
			warnings = append(warnings, fmt.Sprintf("unknown weight %q ignored", key))
			continue
		}

		value := raw[key]
		if value == nil {
			continue
		}
		f, err := toFloat(value)
		if err != nil {
			return Weights{}, warnings, fmt.Errorf("%w: %s %v", types.ErrInvalidWeight, key, err)
		}
		*target = f
	}

	if err := w.Validate(); err != nil {
		return Weights{}, warnings, err
	}
	return w, warnings, nil
}

// Validate rejects negative and non-finite weights. There is no upper bound.
func (w Weights) Validate() error {
	for _, f := range w.fields() {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("%w: %s must be finite", types.ErrInvalidWeight, f.key)
		}
		if f.value < 0 {
			return fmt.Errorf("%w: %s must be >= 0, got %v", types.ErrInvalidWeight, f.key, f.value)
		}
	}
	return nil
}

// Canonical returns the non-zero weights keyed by name
func (w Weights) Canonical() map[string]any {
	out := make(map[string]any)
	for _, f := range w.fields() {
		if f.value != 0 {
			out[f.key] = f.value
		}
	}
	return out
}

type weightField struct {
	key   string
	value float64
}

func (w Weights) fields() []weightField {
	return []weightField{
		{KeySimilarityWeight, w.Similarity},
		{KeyPriorityWeight, w.Priority},
		{KeyPopularityWeight, w.Popularity},
		{KeyDepartmentWeight, w.Department},
		{KeyCampusWeight, w.Campus},
		{KeyRecencyWeight, w.Recency},
	}
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("must be a number, got %T", value)
	}
}
