package database

import (
	"context"
	"database/sql"
	"encoding/base64"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/rickchristie/db-mcp/internal/timeout"
)

// valueConverter turns a driver value into a JSON-friendly one. dbType is the
// driver's DatabaseTypeName for the column.
type valueConverter func(v any, dbType string) any

// sqlxDB is the shared database/sql plumbing for the MySQL and SQLite
// collaborators.
type sqlxDB struct {
	db       *sqlx.DB
	timeouts *timeout.Manager
	convert  valueConverter
	logger   zerolog.Logger
}

func configurePool(db *sqlx.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func (s *sqlxDB) execute(ctx context.Context, query string, rowLimit int) (*ResultSet, error) {
	ctx, cancel := s.timeouts.Apply(ctx, query)
	defer cancel()

	if !ReturnsRows(query) {
		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			s.logger.Debug().Err(err).Msg("rows affected unavailable")
		}
		return &ResultSet{Columns: []string{}, Rows: []Row{}, RowsAffected: affected}, nil
	}

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	src, err := newSQLXRows(rows, s.convert)
	if err != nil {
		return nil, err
	}
	data, more, err := readLimited(src, rowLimit)
	if err != nil {
		return nil, err
	}
	return &ResultSet{
		Columns:      src.columns,
		Rows:         data,
		RowsAffected: int64(len(data)),
		HasMore:      more,
		ReturnsRows:  true,
	}, nil
}

// queryRows runs a metadata query with bound args and returns every row.
func (s *sqlxDB) queryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	ctx, cancel := s.timeouts.Apply(ctx, query)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	src, err := newSQLXRows(rows, s.convert)
	if err != nil {
		return nil, err
	}
	data, _, err := readLimited(src, 0)
	return data, err
}

// queryStrings runs a single-column query and returns its values.
func (s *sqlxDB) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	ctx, cancel := s.timeouts.Apply(ctx, query)
	defer cancel()

	var out []string
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlxDB) ping(ctx context.Context) error {
	ctx, cancel := s.timeouts.Apply(ctx, "")
	defer cancel()
	return s.db.PingContext(ctx)
}

type sqlxRows struct {
	rows    *sqlx.Rows
	columns []string
	types   map[string]string
	convert valueConverter
}

func newSQLXRows(rows *sqlx.Rows, convert valueConverter) (*sqlxRows, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	types := make(map[string]string, len(colTypes))
	for _, ct := range colTypes {
		types[ct.Name()] = ct.DatabaseTypeName()
	}
	return &sqlxRows{rows: rows, columns: columns, types: types, convert: convert}, nil
}

func (r *sqlxRows) Next() bool { return r.rows.Next() }
func (r *sqlxRows) Err() error { return r.rows.Err() }

func (r *sqlxRows) Scan() (Row, error) {
	raw := make(map[string]any, len(r.columns))
	if err := r.rows.MapScan(raw); err != nil {
		return nil, err
	}
	row := make(Row, len(raw))
	for col, v := range raw {
		row[col] = r.convert(v, r.types[col])
	}
	return row, nil
}

// commonValue handles the types every database/sql driver may return.
func commonValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}
		return base64.StdEncoding.EncodeToString(val)
	case sql.RawBytes:
		return commonValue([]byte(val))
	default:
		return val
	}
}
