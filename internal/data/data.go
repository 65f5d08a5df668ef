// Package data defines the player-data backend contract shared by the SQL
// and JSON implementations, plus the filter model the query layer plans
// against.
package data

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
)

// ErrNotFound is returned by Load when no row exists for the player.
var ErrNotFound = errors.New("data: not found")

// Row is one player's data under a single schema, keyed by column name.
type Row map[string]any

// Operator enumerates filter comparisons. Ordinals are part of the query
// plan signature; append only.
type Operator int

const (
	OpEquals Operator = iota
	OpNotEquals
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLessOrEqual
	OpIn
	OpIsNull
	OpIsNotNull
	OpLike
	OpStartsWith
	OpEndsWith
	OpCustom
)

// IsStringOp reports whether the operator needs string support in the
// backend (LIKE and friends).
func (op Operator) IsStringOp() bool {
	return op == OpLike || op == OpStartsWith || op == OpEndsWith
}

// Filter is one predicate over a schema's rows. OpCustom carries an opaque
// Predicate and can never be pushed into a backend.
type Filter struct {
	Field     string
	Op        Operator
	Value     any
	Values    []any // OpIn only
	Predicate func(Row) bool
}

// Matches evaluates the filter in process.
func (f Filter) Matches(row Row) bool {
	if f.Op == OpCustom {
		return f.Predicate != nil && f.Predicate(row)
	}
	val, present := row[f.Field]
	switch f.Op {
	case OpIsNull:
		return !present || val == nil
	case OpIsNotNull:
		return present && val != nil
	}
	if !present || val == nil {
		return false
	}
	switch f.Op {
	case OpEquals:
		return compare(val, f.Value) == 0
	case OpNotEquals:
		return compare(val, f.Value) != 0
	case OpGreaterThan:
		return compare(val, f.Value) > 0
	case OpGreaterOrEqual:
		return compare(val, f.Value) >= 0
	case OpLessThan:
		return compare(val, f.Value) < 0
	case OpLessOrEqual:
		return compare(val, f.Value) <= 0
	case OpIn:
		for _, candidate := range f.Values {
			if compare(val, candidate) == 0 {
				return true
			}
		}
		return false
	case OpLike:
		return likeMatch(toString(val), toString(f.Value))
	case OpStartsWith:
		return strings.HasPrefix(toString(val), toString(f.Value))
	case OpEndsWith:
		return strings.HasSuffix(toString(val), toString(f.Value))
	default:
		return false
	}
}

// ApplyFilters keeps the rows matching every filter.
func ApplyFilters(rows []Row, filters []Filter) []Row {
	if len(filters) == 0 {
		return rows
	}
	out := rows[:0:0]
	for _, row := range rows {
		keep := true
		for _, f := range filters {
			if !f.Matches(row) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out
}

// Compare orders two values for sorts and range filters. Numbers compare
// numerically across int/float representations, everything else compares as
// strings.
func Compare(a, b any) int { return compare(a, b) }

func compare(a, b any) int {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(toString(a), toString(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// likeMatch evaluates a SQL LIKE pattern ('%' wildcard only) in process.
func likeMatch(value, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return value == pattern
	}
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(value, part)
		if idx < 0 {
			return false
		}
		value = value[idx+len(part):]
	}
	return strings.HasSuffix(value, parts[len(parts)-1])
}

// SortDirection for query ordering.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// NullHandling controls where null values sort.
type NullHandling int

const (
	NullsDefault NullHandling = iota
	NullsFirst
	NullsLast
)

// PlayerDataBackend stores per-player rows under registered schemas.
type PlayerDataBackend interface {
	// Load returns the player's row, or ErrNotFound.
	Load(ctx context.Context, playerID string, sc *schema.Schema) (Row, error)
	// Save upserts the full row.
	Save(ctx context.Context, playerID string, sc *schema.Schema, row Row) error
	// Delete removes the player's row. Deleting a missing row is a no-op.
	Delete(ctx context.Context, playerID string, sc *schema.Schema) error
	// LoadOrCreate returns the stored row, or persists and returns a default
	// row built from the schema's column defaults.
	LoadOrCreate(ctx context.Context, playerID string, sc *schema.Schema) (Row, error)
	// SaveBatch persists many rows. SQL backends run a single transaction
	// and report 0 saved when it rolls back.
	SaveBatch(ctx context.Context, batch map[string]map[*schema.Schema]Row) (int, error)
	// SaveChangedFields persists only the named fields. Backends may degrade
	// to a full-row save.
	SaveChangedFields(ctx context.Context, playerID string, sc *schema.Schema, row Row, changed []string) error
	// Query returns rows matching all filters, paginated.
	Query(ctx context.Context, sc *schema.Schema, filters []Filter, limit, offset int) ([]Row, error)
	// SupportsNativeQueries reports whether filters run inside the store.
	SupportsNativeQueries() bool
	// Kind classifies the backend for planner statistics.
	Kind() schema.BackendKind
}

// BackendResolver maps a schema to the backend that stores it.
type BackendResolver interface {
	BackendFor(sc *schema.Schema) PlayerDataBackend
}

// DefaultRow builds a fresh row from the schema's declared defaults.
func DefaultRow(playerID string, sc *schema.Schema) Row {
	row := Row{sc.PrimaryKey: playerID}
	for _, col := range sc.Columns {
		row[col.Name] = col.Default
	}
	return row
}
