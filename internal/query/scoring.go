package query

import (
	"time"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// Scoring constants
const (
	// PriorityScale maps priority 1-5 onto (0, 1]
	PriorityScale = 5.0
	// PopularityNormalizer is the view count at which popularity saturates
	PopularityNormalizer = 5000.0
	// RecencyWindow is how recently a chunk must have been reviewed to earn the recency bonus
	RecencyWindow = 90 * 24 * time.Hour
)

// TermKind identifies a scoring term
type TermKind string

const (
	TermSimilarity TermKind = "similarity"
	TermPriority   TermKind = "priority"
	TermPopularity TermKind = "popularity"
	TermDepartment TermKind = "department"
	TermCampus     TermKind = "campus"
	TermRecency    TermKind = "recency"
)

// Term is one weighted component of the combined score.
//
//	similarity: (1 - distance) × weight
//	priority:   clamp(priority / 5, 0, 1) × weight
//	popularity: clamp(view_count / 5000, 0, 1) × weight
//	department: weight when metadata.department == Match
//	campus:     weight when metadata.campus == Match
//	recency:    weight when metadata.last_reviewed >= Since
type Term struct {
	Kind   TermKind
	Weight float64
	Match  string    // department and campus terms
	Since  time.Time // recency term
}

// Expression is the sum of its terms. An empty expression scores 0.
type Expression struct {
	Terms []Term
}

// CompileScoring builds the scoring expression for w. Bonus terms key on the
// caller's department and campus; when the caller has none the condition can
// never hold and the term is omitted, as are zero-weight terms.
func CompileScoring(w Weights, caller types.CallerContext, now time.Time) (Expression, error) {
	if err := w.Validate(); err != nil {
		return Expression{}, err
	}

	var expr Expression
	add := func(t Term) {
		if t.Weight != 0 {
			expr.Terms = append(expr.Terms, t)
		}
	}

	add(Term{Kind: TermSimilarity, Weight: w.Similarity})
	add(Term{Kind: TermPriority, Weight: w.Priority})
	add(Term{Kind: TermPopularity, Weight: w.Popularity})
	if caller.Department != "" {
		add(Term{Kind: TermDepartment, Weight: w.Department, Match: caller.Department})
	}
	if caller.Campus != "" {
		add(Term{Kind: TermCampus, Weight: w.Campus, Match: caller.Campus})
	}
	add(Term{Kind: TermRecency, Weight: w.Recency, Since: now.UTC().Add(-RecencyWindow)})

	return expr, nil
}

// Has reports whether the expression contains a term of the given kind
func (e Expression) Has(kind TermKind) bool {
	for _, t := range e.Terms {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// Evaluate scores one chunk given its cosine distance to the query.
// It is the reference implementation of the combined score.
func (e Expression) Evaluate(distance float64, m types.Metadata) types.ScoreBreakdown {
	var b types.ScoreBreakdown
	for _, t := range e.Terms {
		switch t.Kind {
		case TermSimilarity:
			b.Similarity = (1 - distance) * t.Weight
		case TermPriority:
			b.Priority = clamp01(float64(m.Priority())/PriorityScale) * t.Weight
		case TermPopularity:
			b.Popularity = clamp01(float64(m.ViewCount())/PopularityNormalizer) * t.Weight
		case TermDepartment:
			if v, ok := m.String(types.MetaDepartment); ok && v == t.Match {
				b.Department = t.Weight
			}
		case TermCampus:
			if v, ok := m.String(types.MetaCampus); ok && v == t.Match {
				b.Campus = t.Weight
			}
		case TermRecency:
			if v, ok := m.Time(types.MetaLastReviewed); ok && !v.Before(t.Since) {
				b.Recency = t.Weight
			}
		}
	}
	return b
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
