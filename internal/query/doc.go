// Package query compiles caller-supplied filters and weights into
// backend-neutral search plans.
//
// CompileFilter turns a Filter plus the caller's context into an ordered list
// of Predicates. Every predicate names a metadata field, an operator and its
// parameters; the storage layer renders them into SQL with one placeholder per
// parameter. The clearance predicate is always present and its ceiling is
// min(caller clearance, requested clearance), so a caller can never widen
// their own access.
//
// CompileScoring turns Weights into an Expression: the sum of similarity,
// priority, popularity and conditional bonus terms. Zero-weight terms are
// omitted. Expression.Evaluate is the pure reference implementation of the
// combined score that SQL renderers must agree with.
package query
