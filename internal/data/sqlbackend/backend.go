// Package sqlbackend implements the player-data backend over database/sql
// with pluggable dialects for PostgreSQL and SQLite.
package sqlbackend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
)

// Backend stores one row per (player, schema) in a relational table.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// New wraps an open connection pool. The caller owns the pool lifecycle.
func New(db *sql.DB, dialect Dialect, logger *zap.Logger) *Backend {
	return &Backend{
		db:      db,
		dialect: dialect,
		logger:  logger.Named("sqlbackend." + dialect.Name()),
		ensured: make(map[string]bool),
	}
}

// DB exposes the underlying pool so the cross-schema executor can detect
// backends sharing a connection.
func (b *Backend) DB() *sql.DB { return b.db }

// Dialect returns the backend's dialect.
func (b *Backend) Dialect() Dialect { return b.dialect }

// EnsureSchema creates the table and declared indexes when missing. Called
// lazily by every operation; cheap after the first call per schema.
func (b *Backend) EnsureSchema(ctx context.Context, sc *schema.Schema) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ensured[sc.Key] {
		return nil
	}

	var ddl strings.Builder
	ddl.WriteString("CREATE TABLE IF NOT EXISTS ")
	ddl.WriteString(b.dialect.QuoteIdent(sc.Table))
	ddl.WriteString(" (")
	ddl.WriteString(b.dialect.QuoteIdent(sc.PrimaryKey))
	ddl.WriteString(" TEXT PRIMARY KEY")
	for _, col := range sc.Columns {
		ddl.WriteString(", ")
		ddl.WriteString(b.dialect.QuoteIdent(col.Name))
		ddl.WriteString(" ")
		ddl.WriteString(b.dialect.ColumnType(col.Type))
	}
	ddl.WriteString(")")
	if _, err := b.db.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("sqlbackend: create table %s: %w", sc.Table, err)
	}

	for _, col := range sc.Columns {
		if !col.Indexed {
			continue
		}
		stmt := CreateIndexSQL(b.dialect, sc.Table, "idx_"+sc.Table+"_"+col.Name, []IndexColumn{{Name: col.Name}})
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlbackend: create index on %s.%s: %w", sc.Table, col.Name, err)
		}
	}

	b.ensured[sc.Key] = true
	return nil
}

// Load reads the player's row.
func (b *Backend) Load(ctx context.Context, playerID string, sc *schema.Schema) (data.Row, error) {
	if err := b.EnsureSchema(ctx, sc); err != nil {
		return nil, err
	}
	query := b.selectSQL(sc) + " WHERE " + b.dialect.QuoteIdent(sc.PrimaryKey) + " = " + b.dialect.BindVar(1)
	rows, err := b.db.QueryContext(ctx, query, playerID)
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: load %s/%s: %w", sc.Key, playerID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlbackend: load %s/%s: %w", sc.Key, playerID, err)
		}
		return nil, data.ErrNotFound
	}
	return b.scanRow(rows, sc)
}

// Save upserts the full row.
func (b *Backend) Save(ctx context.Context, playerID string, sc *schema.Schema, row data.Row) error {
	if err := b.EnsureSchema(ctx, sc); err != nil {
		return err
	}
	stmt, args := b.upsertArgs(playerID, sc, row)
	if _, err := b.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("sqlbackend: save %s/%s: %w", sc.Key, playerID, err)
	}
	return nil
}

// Delete removes the player's row. Missing rows are a no-op.
func (b *Backend) Delete(ctx context.Context, playerID string, sc *schema.Schema) error {
	if err := b.EnsureSchema(ctx, sc); err != nil {
		return err
	}
	stmt := "DELETE FROM " + b.dialect.QuoteIdent(sc.Table) +
		" WHERE " + b.dialect.QuoteIdent(sc.PrimaryKey) + " = " + b.dialect.BindVar(1)
	if _, err := b.db.ExecContext(ctx, stmt, playerID); err != nil {
		return fmt.Errorf("sqlbackend: delete %s/%s: %w", sc.Key, playerID, err)
	}
	return nil
}

// LoadOrCreate returns the stored row or persists the schema defaults.
func (b *Backend) LoadOrCreate(ctx context.Context, playerID string, sc *schema.Schema) (data.Row, error) {
	row, err := b.Load(ctx, playerID, sc)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, data.ErrNotFound) {
		return nil, err
	}
	row = data.DefaultRow(playerID, sc)
	if err := b.Save(ctx, playerID, sc, row); err != nil {
		return nil, err
	}
	return row, nil
}

// SaveBatch writes every row in one transaction. Any failure rolls the
// whole batch back and reports 0 saved.
func (b *Backend) SaveBatch(ctx context.Context, batch map[string]map[*schema.Schema]data.Row) (int, error) {
	for _, perSchema := range batch {
		for sc := range perSchema {
			if err := b.EnsureSchema(ctx, sc); err != nil {
				return 0, err
			}
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlbackend: begin batch: %w", err)
	}
	count := 0
	for playerID, perSchema := range batch {
		for sc, row := range perSchema {
			stmt, args := b.upsertArgs(playerID, sc, row)
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					b.logger.Error("batch rollback failed", zap.Error(rbErr))
				}
				return 0, fmt.Errorf("sqlbackend: batch save %s/%s: %w", sc.Key, playerID, err)
			}
			count++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlbackend: commit batch: %w", err)
	}
	return count, nil
}

// SaveChangedFields persists only the named fields.
//
// TODO: emit a targeted UPDATE for the changed columns; for now this
// degrades to a full-row save.
func (b *Backend) SaveChangedFields(ctx context.Context, playerID string, sc *schema.Schema, row data.Row, changed []string) error {
	if len(changed) == 0 {
		return nil
	}
	return b.Save(ctx, playerID, sc, row)
}

// Query runs the filters natively where possible. Custom predicates are
// evaluated in process after the SQL scan; pagination is pushed into SQL
// only when every filter ran there.
func (b *Backend) Query(ctx context.Context, sc *schema.Schema, filters []data.Filter, limit, offset int) ([]data.Row, error) {
	if err := b.EnsureSchema(ctx, sc); err != nil {
		return nil, err
	}

	var (
		where    []string
		args     []any
		residual []data.Filter
	)
	for _, f := range filters {
		clause, clauseArgs, ok := b.filterSQL(f, len(args))
		if !ok {
			residual = append(residual, f)
			continue
		}
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}

	query := b.selectSQL(sc)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Offset without limit is not portable SQL; page in process then.
	nativePaging := len(residual) == 0 && !(offset > 0 && limit <= 0)
	if nativePaging {
		if limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", limit)
		}
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: query %s: %w", sc.Key, err)
	}
	defer rows.Close()

	var out []data.Row
	for rows.Next() {
		row, err := b.scanRow(rows, sc)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlbackend: query %s: %w", sc.Key, err)
	}

	if !nativePaging {
		out = data.ApplyFilters(out, residual)
		out = paginate(out, limit, offset)
	}
	return out, nil
}

// SupportsNativeQueries is true: filters translate to WHERE clauses.
func (b *Backend) SupportsNativeQueries() bool { return true }

// Kind reports the planner classification.
func (b *Backend) Kind() schema.BackendKind { return schema.KindSQL }

// selectSQL builds the projection over all declared columns.
func (b *Backend) selectSQL(sc *schema.Schema) string {
	cols := sc.ColumnNames()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = b.dialect.QuoteIdent(c)
	}
	return "SELECT " + strings.Join(quoted, ", ") + " FROM " + b.dialect.QuoteIdent(sc.Table)
}

// upsertArgs builds the dialect upsert and its bind arguments.
func (b *Backend) upsertArgs(playerID string, sc *schema.Schema, row data.Row) (string, []any) {
	cols := sc.ColumnNames()
	stmt := b.dialect.UpsertSQL(sc.Table, cols, sc.PrimaryKey)
	args := make([]any, len(cols))
	args[0] = playerID
	for i, col := range sc.Columns {
		args[i+1] = toSQLValue(row[col.Name], col.Type)
	}
	return stmt, args
}

// filterSQL translates one filter to a WHERE clause. argOffset is the count
// of already-bound parameters. Returns ok=false for operators that must run
// in process.
func (b *Backend) filterSQL(f data.Filter, argOffset int) (string, []any, bool) {
	col := b.dialect.QuoteIdent(f.Field)
	bind := func(i int) string { return b.dialect.BindVar(argOffset + i) }
	switch f.Op {
	case data.OpEquals:
		return col + " = " + bind(1), []any{f.Value}, true
	case data.OpNotEquals:
		return col + " <> " + bind(1), []any{f.Value}, true
	case data.OpGreaterThan:
		return col + " > " + bind(1), []any{f.Value}, true
	case data.OpGreaterOrEqual:
		return col + " >= " + bind(1), []any{f.Value}, true
	case data.OpLessThan:
		return col + " < " + bind(1), []any{f.Value}, true
	case data.OpLessOrEqual:
		return col + " <= " + bind(1), []any{f.Value}, true
	case data.OpIn:
		if len(f.Values) == 0 {
			return "1 = 0", nil, true
		}
		placeholders := make([]string, len(f.Values))
		for i := range f.Values {
			placeholders[i] = bind(i + 1)
		}
		return col + " IN (" + strings.Join(placeholders, ", ") + ")", f.Values, true
	case data.OpIsNull:
		return col + " IS NULL", nil, true
	case data.OpIsNotNull:
		return col + " IS NOT NULL", nil, true
	case data.OpLike:
		return col + " LIKE " + bind(1), []any{f.Value}, true
	case data.OpStartsWith:
		return col + " LIKE " + bind(1), []any{fmt.Sprintf("%v", f.Value) + "%"}, true
	case data.OpEndsWith:
		return col + " LIKE " + bind(1), []any{"%" + fmt.Sprintf("%v", f.Value)}, true
	default:
		return "", nil, false
	}
}

// scanRow reads the current result row into a Row using the declared column
// types. No reflection: each type gets an explicit scan target.
func (b *Backend) scanRow(rows *sql.Rows, sc *schema.Schema) (data.Row, error) {
	dests := make([]any, 0, len(sc.Columns)+1)
	var pk sql.NullString
	dests = append(dests, &pk)
	for _, col := range sc.Columns {
		dests = append(dests, scanTarget(col.Type))
	}
	if err := rows.Scan(dests...); err != nil {
		return nil, fmt.Errorf("sqlbackend: scan %s: %w", sc.Key, err)
	}

	row := data.Row{sc.PrimaryKey: pk.String}
	for i, col := range sc.Columns {
		row[col.Name] = fromScanTarget(dests[i+1], col.Type)
	}
	return row, nil
}

func scanTarget(t schema.FieldType) any {
	switch t {
	case schema.TypeInt:
		return new(sql.NullInt64)
	case schema.TypeFloat:
		return new(sql.NullFloat64)
	case schema.TypeBool:
		return new(sql.NullBool)
	case schema.TypeTimestamp:
		return new(sql.NullString)
	default:
		return new(sql.NullString)
	}
}

func fromScanTarget(dest any, t schema.FieldType) any {
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
		if t == schema.TypeTimestamp {
			if ts, err := time.Parse(time.RFC3339Nano, v.String); err == nil {
				return ts
			}
		}
		return v.String
	default:
		return nil
	}
}

// toSQLValue normalizes a row value for binding.
func toSQLValue(v any, t schema.FieldType) any {
	if v == nil {
		return nil
	}
	if t == schema.TypeTimestamp {
		if ts, ok := v.(time.Time); ok {
			return ts.UTC().Format(time.RFC3339Nano)
		}
	}
	return v
}

func paginate(rows []data.Row, limit, offset int) []data.Row {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
