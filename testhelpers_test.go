package dbmcp_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	dbmcp "github.com/rickchristie/db-mcp"
	"github.com/rickchristie/db-mcp/database"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func defaultConfig() dbmcp.Config {
	return dbmcp.Config{
		Security: dbmcp.SecurityConfig{
			AllowedOperations: []string{"SELECT", "SHOW", "DESCRIBE"},
			MaxRows:           1000,
		},
		Query: dbmcp.QueryConfig{
			DefaultTimeoutSeconds: 10,
			MaxSQLLength:          100000,
			MaxResultLength:       100000,
		},
	}
}

// shopSchema creates three related tables plus one whose name is not a safe
// identifier.
var shopSchema = []string{
	`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT)`,
	`CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL REFERENCES customers(id),
		total REAL DEFAULT 0,
		status TEXT
	)`,
	`CREATE TABLE order_items (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		sku TEXT
	)`,
	`CREATE TABLE "audit-log" (id INTEGER PRIMARY KEY, entry TEXT)`,
	`INSERT INTO customers (id, name, email) VALUES
		(1, 'Amy', 'amy@example.com'), (2, 'Bob', NULL), (3, 'Cy', 'cy@example.com')`,
	`INSERT INTO orders (id, customer_id, total, status) VALUES
		(1, 1, 10.5, 'paid'), (2, 1, 3, 'paid'), (3, 2, 7.25, 'new'), (4, 2, 1, 'new'), (5, 3, 99, 'void')`,
	`INSERT INTO order_items (id, order_id, sku) VALUES (1, 1, 'A-1'), (2, 1, 'B-2'), (3, 3, 'A-1')`,
}

// openShopDB creates a fresh SQLite database file populated with shopSchema
// and returns its connection config.
func openShopDB(t *testing.T) database.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shop.db")
	conn := database.Config{Dialect: database.SQLite, Name: path}

	ctx := context.Background()
	setup, err := database.Open(ctx, conn, testLogger())
	if err != nil {
		t.Fatalf("failed to open setup database: %v", err)
	}
	defer setup.Close()
	for _, stmt := range shopSchema {
		if _, err := setup.Execute(ctx, stmt, 0); err != nil {
			t.Fatalf("setup failed: %v\n%s", err, stmt)
		}
	}
	return conn
}

// newTestInstance opens a DatabaseMcp over a fresh shop database.
func newTestInstance(t *testing.T, config dbmcp.Config, opts ...dbmcp.Option) *dbmcp.DatabaseMcp {
	t.Helper()
	conn := openShopDB(t)
	d, err := dbmcp.Open(context.Background(), conn, config, testLogger(), opts...)
	if err != nil {
		t.Fatalf("failed to create DatabaseMcp: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func expectSuccess(t *testing.T, out *dbmcp.OperationOutcome) {
	t.Helper()
	if !out.Success {
		t.Fatalf("expected success, got error: %s", out.Error)
	}
	if out.Error != "" {
		t.Fatalf("successful outcome carries error %q", out.Error)
	}
}

func expectFailure(t *testing.T, out *dbmcp.OperationOutcome) {
	t.Helper()
	if out.Success {
		t.Fatalf("expected failure, got success with %d rows", len(out.Data))
	}
	if out.Error == "" {
		t.Fatal("failed outcome has no error message")
	}
}
