// Package query plans and executes cross-schema queries over the player
// data backends. Queries joining schemas that live on the same SQL
// connection collapse to a single statement; everything else runs through
// an application-level join keyed on player uuid.
package query

import (
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
)

// JoinType enumerates the supported join semantics.
type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinFull
)

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "INNER JOIN"
	case JoinLeft:
		return "LEFT JOIN"
	case JoinRight:
		return "RIGHT JOIN"
	case JoinFull:
		return "FULL OUTER JOIN"
	default:
		return "JOIN"
	}
}

// baseSelectivity is the join-type contribution to selectivity ordering.
func (t JoinType) baseSelectivity() float64 {
	switch t {
	case JoinInner:
		return 0.5
	case JoinLeft, JoinRight:
		return 0.8
	default:
		return 1.0
	}
}

// Join is one joined schema with its filters. The ON condition is always
// rootPK = targetPK.
type Join struct {
	Schema  *schema.Schema
	Type    JoinType
	Filters []data.Filter
}

// Sort is one ordering term.
type Sort struct {
	Schema    *schema.Schema
	Field     string
	Direction data.SortDirection
	Nulls     data.NullHandling
}

// Query is the built, immutable description the optimizer plans.
type Query struct {
	Root        *schema.Schema
	RootFilters []data.Filter
	Joins       []Join
	Sorts       []Sort
	Limit       int
	Offset      int
}

// Builder assembles a Query fluently.
type Builder struct {
	q Query
}

// NewBuilder starts a query rooted at sc.
func NewBuilder(sc *schema.Schema) *Builder {
	return &Builder{q: Query{Root: sc}}
}

// Where adds a filter on the root schema.
func (b *Builder) Where(f data.Filter) *Builder {
	b.q.RootFilters = append(b.q.RootFilters, f)
	return b
}

// Join adds a joined schema with optional filters on it.
func (b *Builder) Join(sc *schema.Schema, t JoinType, filters ...data.Filter) *Builder {
	b.q.Joins = append(b.q.Joins, Join{Schema: sc, Type: t, Filters: filters})
	return b
}

// OrderBy appends an ordering term.
func (b *Builder) OrderBy(sc *schema.Schema, field string, dir data.SortDirection, nulls data.NullHandling) *Builder {
	b.q.Sorts = append(b.q.Sorts, Sort{Schema: sc, Field: field, Direction: dir, Nulls: nulls})
	return b
}

// Limit caps the result count. Zero means unlimited.
func (b *Builder) Limit(n int) *Builder {
	b.q.Limit = n
	return b
}

// Offset skips the first n results.
func (b *Builder) Offset(n int) *Builder {
	b.q.Offset = n
	return b
}

// Build returns the assembled query.
func (b *Builder) Build() Query {
	return b.q
}
