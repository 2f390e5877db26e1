package database

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/rickchristie/db-mcp/internal/ident"
)

// SQLiteDB is the SQLite collaborator (pure Go driver).
type SQLiteDB struct {
	sqlxDB
	name string
}

// OpenSQLite opens the database file named by cfg.DSN, or cfg.Name when DSN
// is empty.
func OpenSQLite(cfg Config, logger zerolog.Logger) (*SQLiteDB, error) {
	path := cfg.DSN
	if path == "" {
		path = cfg.Name
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	configurePool(db, cfg)
	return &SQLiteDB{
		sqlxDB: sqlxDB{db: db, timeouts: cfg.Timeouts, convert: sqliteValue, logger: logger},
		name:   sqliteName(path),
	}, nil
}

func sqliteName(path string) string {
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return "main"
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *SQLiteDB) Execute(ctx context.Context, sql string, rowLimit int) (*ResultSet, error) {
	return s.execute(ctx, sql, rowLimit)
}

// DescribeTable reads PRAGMA table_info and reshapes it into DESCRIBE rows.
func (s *SQLiteDB) DescribeTable(ctx context.Context, table string) ([]Row, error) {
	// Backticks: SQLite reads an unknown double-quoted name as a string.
	quoted, err := ident.Quote(table, ident.Backtick)
	if err != nil {
		return nil, err
	}
	info, err := s.queryRows(ctx, "PRAGMA table_info("+quoted+")")
	if err != nil {
		return nil, err
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("no such table: %s", table)
	}
	out := make([]Row, 0, len(info))
	for _, col := range info {
		null := "YES"
		if n, _ := col["notnull"].(int64); n != 0 {
			null = "NO"
		}
		key := ""
		if pk, _ := col["pk"].(int64); pk > 0 {
			key = "PRI"
		}
		out = append(out, Row{
			FieldName:    col["name"],
			FieldType:    col["type"],
			FieldNull:    null,
			FieldKey:     key,
			FieldDefault: col["dflt_value"],
			FieldExtra:   "",
		})
	}
	return out, nil
}

func (s *SQLiteDB) ListTables(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
}

const sqliteForeignKeys = `SELECT
	'fk_' || m.name || '_' || p.id AS constraint_name,
	m.name AS table_name,
	p."from" AS column_name,
	p."table" AS referenced_table_name,
	p."to" AS referenced_column_name
FROM sqlite_master m
JOIN pragma_foreign_key_list(m.name) p
WHERE m.type = 'table'
ORDER BY m.name, p.id, p.seq`

func (s *SQLiteDB) ListForeignKeys(ctx context.Context) ([]Row, error) {
	return s.queryRows(ctx, sqliteForeignKeys)
}

func (s *SQLiteDB) QuoteIdent(name string) string  { return ident.MustQuote(name, ident.Backtick) }
func (s *SQLiteDB) Name() string                   { return s.name }
func (s *SQLiteDB) Dialect() Dialect               { return SQLite }
func (s *SQLiteDB) Ping(ctx context.Context) error { return s.ping(ctx) }
func (s *SQLiteDB) Close() error                   { return s.db.Close() }

func sqliteValue(v any, _ string) any {
	return commonValue(v)
}
