package database

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/rickchristie/db-mcp/internal/ident"
)

// MySQLDB is the MySQL collaborator.
type MySQLDB struct {
	sqlxDB
	name string
}

// MySQLDSN builds a go-sql-driver DSN from cfg. cfg.DSN wins when set.
func MySQLDSN(cfg Config) (string, string, error) {
	if cfg.DSN != "" {
		parsed, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		parsed.ParseTime = true
		return parsed.FormatDSN(), parsed.DBName, nil
	}
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	mc.DBName = cfg.Name
	mc.ParseTime = true
	mc.Timeout = 10 * time.Second
	if len(cfg.Params) > 0 {
		mc.Params = make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			mc.Params[k] = v
		}
	}
	return mc.FormatDSN(), cfg.Name, nil
}

// OpenMySQL opens a connection pool. It does not ping.
func OpenMySQL(cfg Config, logger zerolog.Logger) (*MySQLDB, error) {
	dsn, name, err := MySQLDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	configurePool(db, cfg)
	return &MySQLDB{
		sqlxDB: sqlxDB{db: db, timeouts: cfg.Timeouts, convert: mysqlValue, logger: logger},
		name:   name,
	}, nil
}

func (m *MySQLDB) Execute(ctx context.Context, sql string, rowLimit int) (*ResultSet, error) {
	return m.execute(ctx, sql, rowLimit)
}

// DescribeTable runs DESCRIBE on the table.
func (m *MySQLDB) DescribeTable(ctx context.Context, table string) ([]Row, error) {
	quoted, err := ident.Quote(table, ident.Backtick)
	if err != nil {
		return nil, err
	}
	return m.queryRows(ctx, "DESCRIBE "+quoted)
}

func (m *MySQLDB) ListTables(ctx context.Context) ([]string, error) {
	return m.queryStrings(ctx, "SHOW TABLES")
}

const mysqlForeignKeys = `SELECT
	CONSTRAINT_NAME AS constraint_name,
	TABLE_NAME AS table_name,
	COLUMN_NAME AS column_name,
	REFERENCED_TABLE_NAME AS referenced_table_name,
	REFERENCED_COLUMN_NAME AS referenced_column_name
FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
WHERE TABLE_SCHEMA = DATABASE() AND REFERENCED_TABLE_NAME IS NOT NULL
ORDER BY TABLE_NAME, CONSTRAINT_NAME, ORDINAL_POSITION`

func (m *MySQLDB) ListForeignKeys(ctx context.Context) ([]Row, error) {
	return m.queryRows(ctx, mysqlForeignKeys)
}

func (m *MySQLDB) QuoteIdent(name string) string  { return ident.MustQuote(name, ident.Backtick) }
func (m *MySQLDB) Name() string                   { return m.name }
func (m *MySQLDB) Dialect() Dialect               { return MySQL }
func (m *MySQLDB) Ping(ctx context.Context) error { return m.ping(ctx) }
func (m *MySQLDB) Close() error                   { return m.db.Close() }

// mysqlValue converts text-protocol bytes using the column type.
func mysqlValue(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return commonValue(v)
	}
	s := string(b)
	switch strings.TrimPrefix(dbType, "UNSIGNED ") {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "BIGINT", "YEAR":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
		return s
	case "FLOAT", "DOUBLE":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	case "DECIMAL":
		// Kept as text to preserve precision.
		return s
	default:
		return commonValue(b)
	}
}
