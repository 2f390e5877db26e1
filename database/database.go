// Package database holds the collaborators that talk to an actual database:
// MySQL, PostgreSQL and SQLite behind one interface. They own connection
// pooling, per-call timeouts and value conversion. They perform no access
// control; callers gate every statement before handing it over.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rickchristie/db-mcp/internal/timeout"
)

// Row is one result row keyed by column name.
type Row = map[string]any

// Dialect identifies a supported database engine.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ResultSet is what Execute returns. Rows holds at most the requested limit;
// HasMore reports that at least one further row existed.
type ResultSet struct {
	Columns      []string
	Rows         []Row
	RowsAffected int64
	HasMore      bool
	ReturnsRows  bool
}

// Structure rows returned by DescribeTable use the column names of MySQL's
// DESCRIBE output on every dialect.
const (
	FieldName    = "Field"
	FieldType    = "Type"
	FieldNull    = "Null"
	FieldKey     = "Key"
	FieldDefault = "Default"
	FieldExtra   = "Extra"
)

// Foreign key rows returned by ListForeignKeys use these column names.
const (
	FKConstraint       = "constraint_name"
	FKTable            = "table_name"
	FKColumn           = "column_name"
	FKReferencedTable  = "referenced_table_name"
	FKReferencedColumn = "referenced_column_name"
)

// Database is the execution collaborator. Implementations must be safe for
// concurrent use; calls block until the database answers or ctx ends.
type Database interface {
	// Execute runs one statement. For row-returning statements at most
	// rowLimit rows are read (rowLimit <= 0 means no limit).
	Execute(ctx context.Context, sql string, rowLimit int) (*ResultSet, error)
	// DescribeTable returns one structure row per column.
	DescribeTable(ctx context.Context, table string) ([]Row, error)
	// ListTables returns base table names in the current database or schema.
	ListTables(ctx context.Context) ([]string, error)
	// ListForeignKeys returns one row per foreign key column.
	ListForeignKeys(ctx context.Context) ([]Row, error)
	// QuoteIdent quotes an identifier already accepted by ident.Validate.
	QuoteIdent(name string) string
	// Name is the database (catalog) name, used in schema summaries.
	Name() string
	Dialect() Dialect
	Ping(ctx context.Context) error
	Close() error
}

// Config describes how to reach the database. Password is supplied by the
// caller and is never read from configuration files.
type Config struct {
	Dialect  Dialect
	DSN      string // overrides the structured fields when set
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	// Params are passed through as DSN parameters (e.g. sslmode, charset).
	Params map[string]string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// ReadOnly opens PostgreSQL sessions with default_transaction_read_only.
	ReadOnly bool

	Timeouts *timeout.Manager
}

// Open connects to the configured engine. The returned collaborator has been
// pinged successfully.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Database, error) {
	var (
		db  Database
		err error
	)
	switch cfg.Dialect {
	case MySQL:
		db, err = OpenMySQL(cfg, logger)
	case Postgres:
		db, err = OpenPostgres(ctx, cfg, logger)
	case SQLite:
		db, err = OpenSQLite(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", cfg.Dialect)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Dialect, err)
	}
	return db, nil
}

// rowVerbs are statement verbs whose result is a row set.
var rowVerbs = map[string]struct{}{
	"SELECT": {}, "SHOW": {}, "DESCRIBE": {}, "DESC": {}, "EXPLAIN": {},
	"WITH": {}, "PRAGMA": {}, "VALUES": {}, "TABLE": {}, "ANALYZE": {},
}

// ReturnsRows reports whether sql is expected to produce a row set.
func ReturnsRows(sql string) bool {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return false
	}
	verb := strings.ToUpper(strings.TrimLeft(fields[0], "("))
	if i := strings.IndexFunc(verb, func(r rune) bool { return !(r == '_' || r >= 'A' && r <= 'Z') }); i >= 0 {
		verb = verb[:i]
	}
	_, ok := rowVerbs[verb]
	return ok
}

// rowSource abstracts a cursor so the limit/probe loop is shared.
type rowSource interface {
	Next() bool
	Scan() (Row, error)
	Err() error
}

// readLimited reads up to limit rows and probes for one more.
func readLimited(src rowSource, limit int) ([]Row, bool, error) {
	rows := make([]Row, 0)
	for src.Next() {
		if limit > 0 && len(rows) == limit {
			return rows, true, src.Err()
		}
		row, err := src.Scan()
		if err != nil {
			return nil, false, err
		}
		rows = append(rows, row)
	}
	return rows, false, src.Err()
}
