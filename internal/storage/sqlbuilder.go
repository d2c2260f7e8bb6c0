package storage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/kbsearch-mcp/internal/query"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// Dialect selects placeholder and JSON syntax for generated SQL
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Metadata keys are spliced into JSON paths, so they are restricted to a safe alphabet.
var fieldPattern = regexp.MustCompile(`^[a-z_]+$`)

// Builder accumulates bound arguments while SQL text is rendered.
// Every user-supplied value goes through Bind; nothing is interpolated.
type Builder struct {
	dialect Dialect
	args    []any
}

// NewBuilder creates a builder for the given dialect
func NewBuilder(d Dialect) *Builder {
	return &Builder{dialect: d}
}

// Bind appends exactly one argument and returns its placeholder
func (b *Builder) Bind(v any) string {
	b.args = append(b.args, v)
	n := strconv.Itoa(len(b.args))
	if b.dialect == DialectPostgres {
		return "$" + n
	}
	return "?" + n
}

// Args returns the bound arguments in placeholder order
func (b *Builder) Args() []any {
	return b.args
}

func (b *Builder) textField(col, field string) string {
	if b.dialect == DialectPostgres {
		return fmt.Sprintf("(%s->>'%s')", col, field)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, field)
}

func (b *Builder) intField(col, field string) string {
	if b.dialect == DialectPostgres {
		return fmt.Sprintf("(%s->>'%s')::bigint", col, field)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, field)
}

func (b *Builder) floatField(col, field string) string {
	if b.dialect == DialectPostgres {
		return fmt.Sprintf("COALESCE((%s->>'%s')::float8, 0.0)", col, field)
	}
	return fmt.Sprintf("COALESCE(json_extract(%s, '$.%s'), 0.0)", col, field)
}

// timeField compares as text; attrs stores fixed-width UTC timestamps
func (b *Builder) timeField(col, field string) string {
	if b.dialect == DialectPostgres {
		return fmt.Sprintf(`(%s->>'%s') COLLATE "C"`, col, field)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, field)
}

func (b *Builder) bindFloat(f float64) string {
	if b.dialect == DialectPostgres {
		return b.Bind(f) + "::float8"
	}
	return b.Bind(f)
}

func (b *Builder) clamp01(expr string) string {
	if b.dialect == DialectPostgres {
		return fmt.Sprintf("LEAST(GREATEST(%s, 0.0), 1.0)", expr)
	}
	return fmt.Sprintf("MIN(MAX(%s, 0.0), 1.0)", expr)
}

func (b *Builder) bindList(params []any) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = b.Bind(p)
	}
	return strings.Join(parts, ", ")
}

// Predicate renders one compiled predicate against the attrs column col
func (b *Builder) Predicate(p query.Predicate, col string) (string, error) {
	if !fieldPattern.MatchString(p.Field) {
		return "", fmt.Errorf("unsupported metadata field %q", p.Field)
	}
	if len(p.Params) == 0 {
		return "", fmt.Errorf("predicate %s has no parameters", p.Name)
	}

	switch p.Op {
	case query.OpIn:
		return fmt.Sprintf("%s IN (%s)", b.textField(col, p.Field), b.bindList(p.Params)), nil

	case query.OpGTE, query.OpLTE:
		cmp := ">="
		if p.Op == query.OpLTE {
			cmp = "<="
		}
		switch p.Type {
		case query.TypeInt:
			field := b.intField(col, p.Field)
			if p.DefaultZero {
				field = fmt.Sprintf("COALESCE(%s, 0)", field)
			}
			return fmt.Sprintf("%s %s %s", field, cmp, b.Bind(p.Params[0])), nil
		case query.TypeTime:
			t, ok := p.Params[0].(time.Time)
			if !ok {
				return "", fmt.Errorf("predicate %s expects a timestamp", p.Name)
			}
			return fmt.Sprintf("%s %s %s", b.timeField(col, p.Field), cmp, b.Bind(formatAttrTime(t))), nil
		}
		return "", fmt.Errorf("predicate %s has unsupported type %s", p.Name, p.Type)

	case query.OpTagsAny, query.OpTagsAll:
		if b.dialect == DialectPostgres {
			fn := "jsonb_exists_any"
			if p.Op == query.OpTagsAll {
				fn = "jsonb_exists_all"
			}
			return fmt.Sprintf("%s(%s->'%s', ARRAY[%s]::text[])", fn, col, p.Field, b.bindList(p.Params)), nil
		}
		if p.Op == query.OpTagsAny {
			return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s, '$.%s') WHERE json_each.value IN (%s))",
				col, p.Field, b.bindList(p.Params)), nil
		}
		// Params are deduplicated at compile time, so the count is exact
		return fmt.Sprintf("(SELECT COUNT(DISTINCT json_each.value) FROM json_each(%s, '$.%s') WHERE json_each.value IN (%s)) = %d",
			col, p.Field, b.bindList(p.Params), len(p.Params)), nil
	}

	return "", fmt.Errorf("predicate %s has unsupported operator %s", p.Name, p.Op)
}

// Where renders all predicates as AND-combined conditions, each prefixed with " AND "
func (b *Builder) Where(cf query.CompiledFilter, col string) (string, error) {
	var sb strings.Builder
	for _, p := range cf.Predicates {
		cond, err := b.Predicate(p, col)
		if err != nil {
			return "", err
		}
		sb.WriteString(" AND ")
		sb.WriteString(cond)
	}
	return sb.String(), nil
}

// Score renders the combined score expression. distance is the SQL
// expression for cosine distance and col the attrs column.
func (b *Builder) Score(expr query.Expression, distance, col string) string {
	if len(expr.Terms) == 0 {
		return "0.0"
	}
	parts := make([]string, 0, len(expr.Terms))
	for _, t := range expr.Terms {
		switch t.Kind {
		case query.TermSimilarity:
			parts = append(parts, fmt.Sprintf("((1.0 - %s) * %s)", distance, b.bindFloat(t.Weight)))
		case query.TermPriority:
			ratio := fmt.Sprintf("%s / %s", b.floatField(col, types.MetaPriority), strconv.FormatFloat(query.PriorityScale, 'f', 1, 64))
			parts = append(parts, fmt.Sprintf("(%s * %s)", b.clamp01(ratio), b.bindFloat(t.Weight)))
		case query.TermPopularity:
			ratio := fmt.Sprintf("%s / %s", b.floatField(col, types.MetaViewCount), strconv.FormatFloat(query.PopularityNormalizer, 'f', 1, 64))
			parts = append(parts, fmt.Sprintf("(%s * %s)", b.clamp01(ratio), b.bindFloat(t.Weight)))
		case query.TermDepartment:
			parts = append(parts, fmt.Sprintf("(CASE WHEN %s = %s THEN %s ELSE 0.0 END)",
				b.textField(col, types.MetaDepartment), b.Bind(t.Match), b.bindFloat(t.Weight)))
		case query.TermCampus:
			parts = append(parts, fmt.Sprintf("(CASE WHEN %s = %s THEN %s ELSE 0.0 END)",
				b.textField(col, types.MetaCampus), b.Bind(t.Match), b.bindFloat(t.Weight)))
		case query.TermRecency:
			parts = append(parts, fmt.Sprintf("(CASE WHEN %s >= %s THEN %s ELSE 0.0 END)",
				b.timeField(col, types.MetaLastReviewed), b.Bind(formatAttrTime(t.Since)), b.bindFloat(t.Weight)))
		}
	}
	return strings.Join(parts, " + ")
}

const chunkColumns = "id, text, document_title, page_number, section_title, metadata"

// buildSearchSQL renders the single-statement search used when the backend
// can compute cosine distance itself. vector is the already-encoded query
// vector; it is bound once as the first argument and reused.
func buildSearchSQL(d Dialect, q SearchQuery, vector any) (string, []any, error) {
	b := NewBuilder(d)
	vec := b.Bind(vector)

	distance := fmt.Sprintf("vec_distance_cosine(c.embedding, %s)", vec)
	orderID := "s.id ASC"
	if d == DialectPostgres {
		distance = fmt.Sprintf("(c.embedding <=> %s::vector)", vec)
		orderID = `s.id COLLATE "C" ASC`
	}

	where, err := b.Where(q.Filter, "c.attrs")
	if err != nil {
		return "", nil, err
	}
	score := b.Score(q.Scoring, "s.distance", "s.attrs")

	var sb strings.Builder
	sb.WriteString("SELECT s.id, s.text, s.document_title, s.page_number, s.section_title, s.metadata, s.distance, ")
	sb.WriteString(score)
	sb.WriteString(" AS combined_score FROM (SELECT c.id, c.text, c.document_title, c.page_number, c.section_title, c.metadata, c.attrs, ")
	sb.WriteString(distance)
	sb.WriteString(" AS distance FROM chunks c WHERE c.embedding IS NOT NULL")
	sb.WriteString(where)
	sb.WriteString(") s")
	if q.Filter.SimilarityThreshold != nil {
		sb.WriteString(" WHERE (1.0 - s.distance) >= ")
		sb.WriteString(b.bindFloat(*q.Filter.SimilarityThreshold))
	}
	sb.WriteString(" ORDER BY combined_score DESC, ")
	sb.WriteString(orderID)
	sb.WriteString(" LIMIT ")
	sb.WriteString(b.Bind(q.Limit))

	return sb.String(), b.Args(), nil
}

// buildCandidateSQL renders the filter-only query used when distance and
// scoring are computed in Go.
func buildCandidateSQL(d Dialect, cf query.CompiledFilter) (string, []any, error) {
	b := NewBuilder(d)
	where, err := b.Where(cf, "c.attrs")
	if err != nil {
		return "", nil, err
	}
	return "SELECT c.id, c.text, c.document_title, c.page_number, c.section_title, c.metadata, c.embedding" +
		" FROM chunks c WHERE c.embedding IS NOT NULL" + where, b.Args(), nil
}
