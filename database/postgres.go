package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/rs/zerolog"

	"github.com/rickchristie/db-mcp/internal/ident"
	"github.com/rickchristie/db-mcp/internal/timeout"
)

// PostgresDB is the PostgreSQL collaborator. Every Execute runs in its own
// transaction: read-only statements are rolled back, writes committed.
type PostgresDB struct {
	pool     *pgxpool.Pool
	name     string
	timeouts *timeout.Manager
	logger   zerolog.Logger
}

// PostgresDSN builds a postgres:// URL from cfg. cfg.DSN wins when set.
func PostgresDSN(cfg Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:   "/" + cfg.Name,
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	q := url.Values{}
	for k, v := range cfg.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// OpenPostgres creates the connection pool. It does not ping.
func OpenPostgres(ctx context.Context, cfg Config, logger zerolog.Logger) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(PostgresDSN(cfg))
	if err != nil {
		// pgx echoes the connection string in parse errors.
		return nil, fmt.Errorf("failed to parse postgres connection settings")
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(min(cfg.MaxIdleConns, int(poolConfig.MaxConns)))
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	if cfg.ReadOnly {
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "SET default_transaction_read_only = on"); err != nil {
				return fmt.Errorf("set default_transaction_read_only: %w", err)
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &PostgresDB{
		pool:     pool,
		name:     poolConfig.ConnConfig.Database,
		timeouts: cfg.Timeouts,
		logger:   logger,
	}, nil
}

func (p *PostgresDB) Execute(ctx context.Context, sql string, rowLimit int) (*ResultSet, error) {
	queryCtx, cancel := p.timeouts.Apply(ctx, sql)
	defer cancel()

	tx, err := p.pool.Begin(queryCtx)
	if err != nil {
		return nil, err
	}
	// Parent ctx: if the query timed out, queryCtx is already cancelled.
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			p.logger.Debug().Err(err).Msg("rollback failed")
		}
	}()

	rows, err := tx.Query(queryCtx, sql)
	if err != nil {
		return nil, err
	}
	result, err := collectPgRows(rows, rowLimit)
	if err != nil {
		return nil, err
	}

	if isReadOnlyStatement(sql) {
		return result, nil
	}
	if err := tx.Commit(queryCtx); err != nil {
		return nil, err
	}
	return result, nil
}

func collectPgRows(rows pgx.Rows, rowLimit int) (*ResultSet, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, fd := range fields {
		columns[i] = fd.Name
	}
	data, more, err := readLimited(&pgRows{rows: rows, columns: columns}, rowLimit)
	if err != nil {
		return nil, err
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &ResultSet{Columns: columns, Rows: data, HasMore: more, ReturnsRows: len(fields) > 0}
	if result.ReturnsRows {
		result.RowsAffected = int64(len(data))
	} else {
		result.RowsAffected = rows.CommandTag().RowsAffected()
	}
	return result, nil
}

type pgRows struct {
	rows    pgx.Rows
	columns []string
}

func (r *pgRows) Next() bool { return r.rows.Next() }
func (r *pgRows) Err() error { return r.rows.Err() }

func (r *pgRows) Scan() (Row, error) {
	values, err := r.rows.Values()
	if err != nil {
		return nil, err
	}
	row := make(Row, len(r.columns))
	for i, col := range r.columns {
		row[col] = pgValue(values[i])
	}
	return row, nil
}

// isReadOnlyStatement parses sql and reports whether its first statement
// cannot modify data. Unparseable SQL is treated as a write.
func isReadOnlyStatement(sql string) bool {
	result, err := pg_query.Parse(sql)
	if err != nil || len(result.Stmts) == 0 {
		return false
	}
	switch result.Stmts[0].Stmt.Node.(type) {
	case *pg_query.Node_SelectStmt, *pg_query.Node_ExplainStmt, *pg_query.Node_VariableShowStmt:
		return true
	default:
		return false
	}
}

const pgDescribe = `SELECT
	c.column_name AS "Field",
	format_type(a.atttypid, a.atttypmod) AS "Type",
	CASE WHEN c.is_nullable = 'YES' THEN 'YES' ELSE 'NO' END AS "Null",
	COALESCE((
		SELECT CASE tc.constraint_type WHEN 'PRIMARY KEY' THEN 'PRI' WHEN 'UNIQUE' THEN 'UNI' ELSE 'MUL' END
		FROM information_schema.key_column_usage k
		JOIN information_schema.table_constraints tc
			ON tc.constraint_name = k.constraint_name AND tc.table_schema = k.table_schema
		WHERE k.table_schema = c.table_schema AND k.table_name = c.table_name AND k.column_name = c.column_name
		ORDER BY CASE tc.constraint_type WHEN 'PRIMARY KEY' THEN 0 WHEN 'UNIQUE' THEN 1 ELSE 2 END
		LIMIT 1
	), '') AS "Key",
	c.column_default AS "Default",
	CASE
		WHEN c.is_identity = 'YES' THEN 'identity'
		WHEN c.column_default LIKE 'nextval(%' THEN 'auto_increment'
		ELSE ''
	END AS "Extra"
FROM information_schema.columns c
JOIN pg_attribute a
	ON a.attrelid = (quote_ident(c.table_schema) || '.' || quote_ident(c.table_name))::regclass
	AND a.attname = c.column_name
WHERE c.table_schema = current_schema() AND c.table_name = $1
ORDER BY c.ordinal_position`

// DescribeTable returns DESCRIBE-shaped rows built from information_schema.
func (p *PostgresDB) DescribeTable(ctx context.Context, table string) ([]Row, error) {
	if err := ident.Validate(table); err != nil {
		return nil, err
	}
	rows, err := p.queryRows(ctx, pgDescribe, table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("relation %q does not exist", table)
	}
	return rows, nil
}

func (p *PostgresDB) ListTables(ctx context.Context) ([]string, error) {
	const q = `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
ORDER BY table_name`
	ctx, cancel := p.timeouts.Apply(ctx, q)
	defer cancel()
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const pgForeignKeys = `SELECT
	con.conname AS constraint_name,
	src.relname AS table_name,
	a.attname AS column_name,
	ref.relname AS referenced_table_name,
	ra.attname AS referenced_column_name
FROM pg_constraint con
JOIN pg_class src ON src.oid = con.conrelid
JOIN pg_class ref ON ref.oid = con.confrelid
JOIN pg_namespace n ON n.oid = src.relnamespace
CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, refattnum, ord)
JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
JOIN pg_attribute ra ON ra.attrelid = con.confrelid AND ra.attnum = k.refattnum
WHERE con.contype = 'f' AND n.nspname = current_schema()
ORDER BY src.relname, con.conname, k.ord`

func (p *PostgresDB) ListForeignKeys(ctx context.Context) ([]Row, error) {
	return p.queryRows(ctx, pgForeignKeys)
}

func (p *PostgresDB) queryRows(ctx context.Context, sql string, args ...any) ([]Row, error) {
	ctx, cancel := p.timeouts.Apply(ctx, sql)
	defer cancel()
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	result, err := collectPgRows(rows, 0)
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}

func (p *PostgresDB) QuoteIdent(name string) string { return ident.MustQuote(name, ident.DoubleQuote) }
func (p *PostgresDB) Name() string                  { return p.name }
func (p *PostgresDB) Dialect() Dialect              { return Postgres }

func (p *PostgresDB) Ping(ctx context.Context) error {
	ctx, cancel := p.timeouts.Apply(ctx, "")
	defer cancel()
	return p.pool.Ping(ctx)
}

// Close closes the pool. It always returns nil.
func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}
