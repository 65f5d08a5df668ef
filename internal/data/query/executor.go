package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/sqlbackend"
)

// ErrNoNativeSQL marks a query that cannot be expressed as a single SQL
// statement (an opaque predicate somewhere in its filters).
var ErrNoNativeSQL = errors.New("query: not translatable to SQL")

// Result is one matched player with the row from every schema that had
// data for them.
type Result struct {
	PlayerUUID string
	Data       map[string]data.Row // schema key -> row
}

// sqlCapable is implemented by backends that can take part in a shared
// single-statement join.
type sqlCapable interface {
	DB() *sql.DB
	Dialect() sqlbackend.Dialect
}

// Executor runs optimized cross-schema queries.
type Executor struct {
	resolver  data.BackendResolver
	optimizer *Optimizer
	logger    *zap.Logger
}

// NewExecutor wires an executor.
func NewExecutor(resolver data.BackendResolver, optimizer *Optimizer, logger *zap.Logger) *Executor {
	return &Executor{
		resolver:  resolver,
		optimizer: optimizer,
		logger:    logger.Named("query"),
	}
}

// Execute plans and runs the query. When every schema lives on the same SQL
// connection the whole query collapses to one statement; otherwise (or when
// a filter carries an opaque predicate) it falls back to the uuid-keyed
// application join.
func (e *Executor) Execute(ctx context.Context, q Query) ([]Result, error) {
	plan := e.optimizer.Optimize(q)

	if shared, ok := e.sharedSQL(plan); ok {
		stmt, args, err := BuildSQL(plan, shared.Dialect())
		if err == nil {
			return e.runSQL(ctx, shared.DB(), plan, stmt, args)
		}
		if !errors.Is(err, ErrNoNativeSQL) {
			return nil, err
		}
		e.logger.Warn("query not translatable to SQL, using in-process evaluation",
			zap.String("root", plan.Query.Root.Key),
		)
	}
	return e.applicationJoin(ctx, plan)
}

// Stream runs the query and hands each result to fn in order, stopping
// early when fn returns false. The SQL path iterates the cursor without
// materializing the full result set.
func (e *Executor) Stream(ctx context.Context, q Query, fn func(Result) bool) error {
	plan := e.optimizer.Optimize(q)

	if shared, ok := e.sharedSQL(plan); ok {
		stmt, args, err := BuildSQL(plan, shared.Dialect())
		if err == nil {
			return e.streamSQL(ctx, shared.DB(), plan, stmt, args, fn)
		}
		if !errors.Is(err, ErrNoNativeSQL) {
			return err
		}
	}

	results, err := e.applicationJoin(ctx, plan)
	if err != nil {
		return err
	}
	for _, r := range results {
		if !fn(r) {
			return nil
		}
	}
	return nil
}

// sharedSQL reports whether every schema in the plan is stored in an SQL
// backend on the same connection, returning that backend.
func (e *Executor) sharedSQL(plan *Plan) (sqlCapable, bool) {
	root, ok := e.resolver.BackendFor(plan.Query.Root).(sqlCapable)
	if !ok {
		return nil, false
	}
	for _, jp := range plan.Joins {
		b, ok := e.resolver.BackendFor(jp.Join.Schema).(sqlCapable)
		if !ok || b.DB() != root.DB() {
			return nil, false
		}
	}
	return root, true
}

// planSchemas lists the schemas in alias order: root is t0, joins follow in
// optimized order.
func planSchemas(plan *Plan) []*schema.Schema {
	schemas := make([]*schema.Schema, 0, len(plan.Joins)+1)
	schemas = append(schemas, plan.Query.Root)
	for _, jp := range plan.Joins {
		schemas = append(schemas, jp.Join.Schema)
	}
	return schemas
}

// quoteAnsi quotes an identifier in ANSI style. Both supported engines
// accept double-quoted identifiers, so cross-schema SQL uses one quoting
// form regardless of dialect; only bind placeholders stay dialect-specific.
func quoteAnsi(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// BuildSQL renders the plan as one SQL statement. Tables are aliased t0..tn
// in plan order; every selected column is aliased t<i>_<col>. The uuid key
// columns stay unquoted, matching the ON-clause contract with external
// tooling.
func BuildSQL(plan *Plan, dialect sqlbackend.Dialect) (string, []any, error) {
	for _, fp := range plan.RootFilters {
		if !fp.Pushdown {
			return "", nil, ErrNoNativeSQL
		}
	}
	for _, jp := range plan.Joins {
		for _, fp := range jp.Filters {
			if !fp.Pushdown {
				return "", nil, ErrNoNativeSQL
			}
		}
	}

	schemas := planSchemas(plan)
	aliasOf := func(sc *schema.Schema) string {
		for i, s := range schemas {
			if s == sc {
				return fmt.Sprintf("t%d", i)
			}
		}
		return "t0"
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	first := true
	for i, sc := range schemas {
		alias := fmt.Sprintf("t%d", i)
		for _, col := range sc.ColumnNames() {
			if !first {
				b.WriteString(", ")
			}
			first = false
			if col == sc.PrimaryKey {
				fmt.Fprintf(&b, "%s.%s AS %s_%s", alias, col, alias, col)
			} else {
				fmt.Fprintf(&b, "%s.%s AS %s_%s", alias, quoteAnsi(col), alias, col)
			}
		}
	}

	fmt.Fprintf(&b, " FROM %s t0", plan.Query.Root.Table)
	for i, jp := range plan.Joins {
		fmt.Fprintf(&b, " %s %s t%d ON t0.%s = t%d.%s",
			jp.Join.Type, jp.Join.Schema.Table, i+1,
			plan.Query.Root.PrimaryKey, i+1, jp.Join.Schema.PrimaryKey,
		)
	}

	var (
		where []string
		args  []any
	)
	appendFilter := func(alias string, f data.Filter) {
		clause, clauseArgs := filterClause(alias, f, dialect, len(args))
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}
	for _, fp := range plan.RootFilters {
		appendFilter("t0", fp.Filter)
	}
	for i, jp := range plan.Joins {
		for _, fp := range jp.Filters {
			appendFilter(fmt.Sprintf("t%d", i+1), fp.Filter)
		}
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	if len(plan.Query.Sorts) > 0 {
		b.WriteString(" ORDER BY ")
		for i, s := range plan.Query.Sorts {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s.%s", aliasOf(s.Schema), quoteAnsi(s.Field))
			if s.Direction == data.Descending {
				b.WriteString(" DESC")
			} else {
				b.WriteString(" ASC")
			}
			switch s.Nulls {
			case data.NullsFirst:
				b.WriteString(" NULLS FIRST")
			case data.NullsLast:
				b.WriteString(" NULLS LAST")
			}
		}
	}

	if plan.Query.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", plan.Query.Limit)
	} else if plan.Query.Offset > 0 {
		// SQLite refuses OFFSET without LIMIT; -1 means unbounded there and
		// Postgres takes a bare OFFSET.
		if dialect.Name() == "sqlite" {
			b.WriteString(" LIMIT -1")
		}
	}
	if plan.Query.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", plan.Query.Offset)
	}
	return b.String(), args, nil
}

// filterClause renders one pushdown filter against an alias.
func filterClause(alias string, f data.Filter, dialect sqlbackend.Dialect, argOffset int) (string, []any) {
	col := alias + "." + quoteAnsi(f.Field)
	bind := func(i int) string { return dialect.BindVar(argOffset + i) }
	switch f.Op {
	case data.OpEquals:
		return col + " = " + bind(1), []any{f.Value}
	case data.OpNotEquals:
		return col + " <> " + bind(1), []any{f.Value}
	case data.OpGreaterThan:
		return col + " > " + bind(1), []any{f.Value}
	case data.OpGreaterOrEqual:
		return col + " >= " + bind(1), []any{f.Value}
	case data.OpLessThan:
		return col + " < " + bind(1), []any{f.Value}
	case data.OpLessOrEqual:
		return col + " <= " + bind(1), []any{f.Value}
	case data.OpIn:
		if len(f.Values) == 0 {
			return "1 = 0", nil
		}
		placeholders := make([]string, len(f.Values))
		for i := range f.Values {
			placeholders[i] = bind(i + 1)
		}
		return col + " IN (" + strings.Join(placeholders, ", ") + ")", f.Values
	case data.OpIsNull:
		return col + " IS NULL", nil
	case data.OpIsNotNull:
		return col + " IS NOT NULL", nil
	case data.OpLike:
		return col + " LIKE " + bind(1), []any{f.Value}
	case data.OpStartsWith:
		return col + " LIKE " + bind(1), []any{fmt.Sprintf("%v", f.Value) + "%"}
	case data.OpEndsWith:
		return col + " LIKE " + bind(1), []any{"%" + fmt.Sprintf("%v", f.Value)}
	default:
		// BuildSQL rejects these before rendering.
		return "1 = 0", nil
	}
}

func (e *Executor) runSQL(ctx context.Context, db *sql.DB, plan *Plan, stmt string, args []any) ([]Result, error) {
	var results []Result
	err := e.streamSQL(ctx, db, plan, stmt, args, func(r Result) bool {
		results = append(results, r)
		return true
	})
	return results, err
}

// streamSQL executes the statement and decodes each row into a Result via
// the declared schema columns.
func (e *Executor) streamSQL(ctx context.Context, db *sql.DB, plan *Plan, stmt string, args []any, fn func(Result) bool) error {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("query: execute join: %w", err)
	}
	defer rows.Close()

	schemas := planSchemas(plan)
	for rows.Next() {
		result, err := scanJoinedRow(rows, schemas)
		if err != nil {
			return err
		}
		if !fn(result) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("query: iterate join: %w", err)
	}
	return nil
}

// scanJoinedRow decodes one joined row: per schema, primary key plus
// declared columns, all nullable because of outer joins.
func scanJoinedRow(rows *sql.Rows, schemas []*schema.Schema) (Result, error) {
	type colRef struct {
		sc   *schema.Schema
		name string
		typ  schema.FieldType
		isPK bool
	}
	var refs []colRef
	var dests []any
	for _, sc := range schemas {
		refs = append(refs, colRef{sc: sc, name: sc.PrimaryKey, typ: schema.TypeString, isPK: true})
		dests = append(dests, new(sql.NullString))
		for _, col := range sc.Columns {
			refs = append(refs, colRef{sc: sc, name: col.Name, typ: col.Type})
			dests = append(dests, scanDest(col.Type))
		}
	}
	if err := rows.Scan(dests...); err != nil {
		return Result{}, fmt.Errorf("query: scan join row: %w", err)
	}

	result := Result{Data: make(map[string]data.Row)}
	var current data.Row
	for i, ref := range refs {
		if ref.isPK {
			pk := dests[i].(*sql.NullString)
			if !pk.Valid {
				// Outer join produced no row for this schema.
				current = nil
				continue
			}
			current = data.Row{ref.sc.PrimaryKey: pk.String}
			result.Data[ref.sc.Key] = current
			if ref.sc == schemas[0] {
				result.PlayerUUID = pk.String
			}
			continue
		}
		if current == nil {
			continue
		}
		current[ref.name] = destValue(dests[i])
	}
	return result, nil
}

func scanDest(t schema.FieldType) any {
	switch t {
	case schema.TypeInt:
		return new(sql.NullInt64)
	case schema.TypeFloat:
		return new(sql.NullFloat64)
	case schema.TypeBool:
		return new(sql.NullBool)
	default:
		return new(sql.NullString)
	}
}

func destValue(dest any) any {
	switch v := dest.(type) {
	case *sql.NullInt64:
		if !v.Valid {
			return nil
		}
		return v.Int64
	case *sql.NullFloat64:
		if !v.Valid {
			return nil
		}
		return v.Float64
	case *sql.NullBool:
		if !v.Valid {
			return nil
		}
		return v.Bool
	case *sql.NullString:
		if !v.Valid {
			return nil
		}
		return v.String
	default:
		return nil
	}
}
