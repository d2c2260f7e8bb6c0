package query

import (
	"time"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// Op is a predicate operator
type Op string

const (
	OpIn      Op = "in"       // field equals one of Params
	OpGTE     Op = "gte"      // field >= Params[0]
	OpLTE     Op = "lte"      // field <= Params[0]
	OpTagsAny Op = "tags_any" // field (a set) intersects Params
	OpTagsAll Op = "tags_all" // field (a set) is a superset of Params
)

// ValueType tells renderers how to cast the metadata field
type ValueType string

const (
	TypeText ValueType = "text"
	TypeInt  ValueType = "int"
	TypeTime ValueType = "time"
)

// Predicate is one backend-neutral condition over a metadata field.
type Predicate struct {
	Name   string // filter key that produced it
	Field  string // metadata key
	Op     Op
	Type   ValueType
	Params []any

	// DefaultZero treats an absent field as 0 instead of failing the predicate
	DefaultZero bool
}

// CompiledFilter is the predicate list for one search call.
type CompiledFilter struct {
	// Predicates are AND-combined, in a fixed order independent of input order
	Predicates []Predicate

	// SimilarityThreshold gates on 1 - distance before scoring; nil means none
	SimilarityThreshold *float64

	// EffectiveClearance is min(caller clearance, requested clearance)
	EffectiveClearance int

	// Bounded is true when the request asked for more than the caller may see
	Bounded bool
}

// ParamCount returns the number of bound parameters across all predicates
func (c CompiledFilter) ParamCount() int {
	n := 0
	for _, p := range c.Predicates {
		n += len(p.Params)
	}
	return n
}

// CompileFilter validates f and compiles it against the caller's permissions.
// The clearance predicate is always emitted, even for an empty filter.
func CompileFilter(f Filter, caller types.CallerContext) (CompiledFilter, error) {
	if err := caller.Validate(); err != nil {
		return CompiledFilter{}, err
	}
	if err := f.Validate(); err != nil {
		return CompiledFilter{}, err
	}

	effective := caller.ClearanceLevel
	bounded := false
	if f.MaxClearanceLevel != nil {
		if *f.MaxClearanceLevel < effective {
			effective = *f.MaxClearanceLevel
		} else if *f.MaxClearanceLevel > effective {
			bounded = true
		}
	}

	cf := CompiledFilter{
		EffectiveClearance: effective,
		Bounded:            bounded,
	}
	if f.SimilarityThreshold != nil {
		t := *f.SimilarityThreshold
		cf.SimilarityThreshold = &t
	}

	add := func(p Predicate) {
		cf.Predicates = append(cf.Predicates, p)
	}
	addIn := func(key, field string, values []string) {
		if values = types.NormalizeStrings(values); len(values) > 0 {
			add(Predicate{Name: key, Field: field, Op: OpIn, Type: TypeText, Params: stringParams(values)})
		}
	}

	addIn(KeyDepartment, types.MetaDepartment, f.Department)
	addIn(KeyCampus, types.MetaCampus, f.Campus)
	addIn(KeyDocType, types.MetaDocType, f.DocType)
	addIn(KeyStatus, types.MetaStatus, f.Status)

	if f.MinPriority != nil {
		add(Predicate{Name: KeyMinPriority, Field: types.MetaPriority, Op: OpGTE, Type: TypeInt,
			Params: []any{int64(*f.MinPriority)}})
	}

	add(Predicate{Name: KeyMaxClearanceLevel, Field: types.MetaClearanceLevel, Op: OpLTE, Type: TypeInt,
		Params: []any{int64(effective)}, DefaultZero: true})

	if f.SinceDate != nil {
		add(Predicate{Name: KeySinceDate, Field: types.MetaLastReviewed, Op: OpGTE, Type: TypeTime,
			Params: []any{f.SinceDate.UTC()}})
	}
	if f.UntilDate != nil {
		add(Predicate{Name: KeyUntilDate, Field: types.MetaLastReviewed, Op: OpLTE, Type: TypeTime,
			Params: []any{f.UntilDate.UTC()}})
	}
	if f.MinViews != nil {
		add(Predicate{Name: KeyMinViews, Field: types.MetaViewCount, Op: OpGTE, Type: TypeInt,
			Params: []any{*f.MinViews}, DefaultZero: true})
	}

	if tags := types.NormalizeStrings(f.TagsAny); len(tags) > 0 {
		add(Predicate{Name: KeyTagsAny, Field: types.MetaTags, Op: OpTagsAny, Type: TypeText, Params: stringParams(tags)})
	}
	if tags := types.NormalizeStrings(f.TagsAll); len(tags) > 0 {
		add(Predicate{Name: KeyTagsAll, Field: types.MetaTags, Op: OpTagsAll, Type: TypeText, Params: stringParams(tags)})
	}

	return cf, nil
}

// Match evaluates the predicates against metadata in Go. It defines the
// semantics SQL renderers must reproduce and backs the in-memory store.
func (c CompiledFilter) Match(m types.Metadata) bool {
	for _, p := range c.Predicates {
		if !p.Match(m) {
			return false
		}
	}
	return true
}

// Match evaluates a single predicate against metadata
func (p Predicate) Match(m types.Metadata) bool {
	switch p.Op {
	case OpIn:
		v, ok := m.String(p.Field)
		if !ok {
			return false
		}
		for _, param := range p.Params {
			if param == v {
				return true
			}
		}
		return false

	case OpGTE, OpLTE:
		switch p.Type {
		case TypeInt:
			v, ok := m.Int(p.Field)
			if !ok {
				if !p.DefaultZero {
					return false
				}
				v = 0
			}
			bound := p.Params[0].(int64)
			if p.Op == OpGTE {
				return v >= bound
			}
			return v <= bound
		case TypeTime:
			v, ok := m.Time(p.Field)
			if !ok {
				return false
			}
			bound := p.Params[0].(time.Time)
			if p.Op == OpGTE {
				return !v.Before(bound)
			}
			return !v.After(bound)
		}
		return false

	case OpTagsAny, OpTagsAll:
		tags := make(map[string]struct{})
		for _, t := range m.Tags() {
			tags[t] = struct{}{}
		}
		for _, param := range p.Params {
			_, has := tags[param.(string)]
			if has && p.Op == OpTagsAny {
				return true
			}
			if !has && p.Op == OpTagsAll {
				return false
			}
		}
		return p.Op == OpTagsAll
	}
	return false
}

func stringParams(values []string) []any {
	params := make([]any, len(values))
	for i, v := range values {
		params[i] = v
	}
	return params
}
