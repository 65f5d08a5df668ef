package sqlbackend

import (
	"fmt"
	"strings"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
)

// Dialect abstracts the engine differences: identifier quoting, type
// mapping, bind placeholders and upsert syntax.
type Dialect interface {
	Name() string
	// QuoteIdent quotes an identifier, doubling embedded quote characters.
	QuoteIdent(ident string) string
	// ColumnType maps a declared field type to DDL.
	ColumnType(t schema.FieldType) string
	// BindVar returns the placeholder for 1-based parameter i.
	BindVar(i int) string
	// UpsertSQL builds the insert-or-update statement for the given columns,
	// keyed on keyColumn. Parameter order follows columns.
	UpsertSQL(table string, columns []string, keyColumn string) string
}

// PostgresDialect targets PostgreSQL.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (PostgresDialect) ColumnType(t schema.FieldType) string {
	switch t {
	case schema.TypeString:
		return "TEXT"
	case schema.TypeInt:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeTimestamp:
		return "TIMESTAMPTZ"
	case schema.TypeJSON:
		return "JSONB"
	default:
		panic(fmt.Sprintf("sqlbackend: unsupported field type %d", t))
	}
}

func (PostgresDialect) BindVar(i int) string { return fmt.Sprintf("$%d", i) }

func (d PostgresDialect) UpsertSQL(table string, columns []string, keyColumn string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.QuoteIdent(table))
	b.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(col))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.BindVar(i + 1))
	}
	b.WriteString(") ON CONFLICT (")
	b.WriteString(d.QuoteIdent(keyColumn))
	b.WriteString(") DO UPDATE SET ")
	first := true
	for _, col := range columns {
		if col == keyColumn {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(d.QuoteIdent(col))
		b.WriteString(" = EXCLUDED.")
		b.WriteString(d.QuoteIdent(col))
	}
	return b.String()
}

// SQLiteDialect targets SQLite.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) QuoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (SQLiteDialect) ColumnType(t schema.FieldType) string {
	switch t {
	case schema.TypeString:
		return "TEXT"
	case schema.TypeInt:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	case schema.TypeBool:
		return "INTEGER"
	case schema.TypeTimestamp:
		return "TEXT"
	case schema.TypeJSON:
		return "TEXT"
	default:
		panic(fmt.Sprintf("sqlbackend: unsupported field type %d", t))
	}
}

func (SQLiteDialect) BindVar(int) string { return "?" }

func (d SQLiteDialect) UpsertSQL(table string, columns []string, keyColumn string) string {
	var b strings.Builder
	b.WriteString("INSERT OR REPLACE INTO ")
	b.WriteString(d.QuoteIdent(table))
	b.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(col))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.BindVar(i + 1))
	}
	b.WriteString(")")
	return b.String()
}

// IndexColumn is one column of a composite index.
type IndexColumn struct {
	Name string
	Desc bool
}

// CreateIndexSQL builds the IF NOT EXISTS index DDL, honoring per-column
// direction. Shared by both dialects.
func CreateIndexSQL(d Dialect, table, name string, cols []IndexColumn) string {
	var b strings.Builder
	b.WriteString("CREATE INDEX IF NOT EXISTS ")
	b.WriteString(d.QuoteIdent(name))
	b.WriteString(" ON ")
	b.WriteString(d.QuoteIdent(table))
	b.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(col.Name))
		if col.Desc {
			b.WriteString(" DESC")
		} else {
			b.WriteString(" ASC")
		}
	}
	b.WriteString(")")
	return b.String()
}
