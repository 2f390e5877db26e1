package database

import (
	"context"
	"testing"

	"github.com/rickchristie/govner/pgflock/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pgflockLockerPort = 9776
	pgflockPassword   = "pgflock"
)

// openLockedPostgres locks a disposable database from the pgflock locker and
// skips the test when no locker is running.
func openLockedPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	connStr, err := client.Lock(pgflockLockerPort, t.Name(), pgflockPassword)
	if err != nil {
		t.Skipf("pgflock locker unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Unlock(pgflockLockerPort, pgflockPassword, connStr)
	})

	ctx := context.Background()
	db, err := Open(ctx, Config{Dialect: Postgres, DSN: connStr, MaxOpenConns: 4, Timeouts: testTimeouts(t)}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pg := db.(*PostgresDB)
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS orders`,
		`DROP TABLE IF EXISTS customers`,
		`CREATE TABLE customers (id SERIAL PRIMARY KEY, name TEXT NOT NULL, balance NUMERIC(10,2))`,
		`CREATE TABLE orders (id SERIAL PRIMARY KEY, customer_id INT NOT NULL REFERENCES customers(id), placed_at TIMESTAMPTZ)`,
		`INSERT INTO customers (name, balance) VALUES ('Amy', 12.50), ('Bob', NULL), ('Cy', 0)`,
		`INSERT INTO orders (customer_id) VALUES (1), (1), (2)`,
	} {
		_, err := pg.Execute(ctx, stmt, 0)
		require.NoError(t, err, stmt)
	}
	return pg
}

func TestPostgres_ExecuteSelectLimit(t *testing.T) {
	pg := openLockedPostgres(t)

	rs, err := pg.Execute(context.Background(), "SELECT id, name, balance FROM customers ORDER BY id", 2)
	require.NoError(t, err)
	assert.True(t, rs.ReturnsRows)
	assert.Equal(t, []string{"id", "name", "balance"}, rs.Columns)
	require.Len(t, rs.Rows, 2)
	assert.True(t, rs.HasMore)
	assert.Equal(t, int32(1), rs.Rows[0]["id"])
	assert.Equal(t, "12.50", rs.Rows[0]["balance"])
	assert.Nil(t, rs.Rows[1]["balance"])
}

func TestPostgres_WriteCommitted(t *testing.T) {
	pg := openLockedPostgres(t)
	ctx := context.Background()

	rs, err := pg.Execute(ctx, "UPDATE customers SET balance = 1 WHERE name = 'Cy'", 0)
	require.NoError(t, err)
	assert.False(t, rs.ReturnsRows)
	assert.Equal(t, int64(1), rs.RowsAffected)

	rs, err = pg.Execute(ctx, "SELECT balance FROM customers WHERE name = 'Cy'", 1)
	require.NoError(t, err)
	assert.Equal(t, "1.00", rs.Rows[0]["balance"])
}

func TestPostgres_DescribeTable(t *testing.T) {
	pg := openLockedPostgres(t)

	rows, err := pg.DescribeTable(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "id", rows[0][FieldName])
	assert.Equal(t, "integer", rows[0][FieldType])
	assert.Equal(t, "PRI", rows[0][FieldKey])
	assert.Equal(t, "auto_increment", rows[0][FieldExtra])
	assert.Equal(t, "customer_id", rows[1][FieldName])
	assert.Equal(t, "NO", rows[1][FieldNull])
	assert.Equal(t, "MUL", rows[1][FieldKey])

	_, err = pg.DescribeTable(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestPostgres_ListTablesAndForeignKeys(t *testing.T) {
	pg := openLockedPostgres(t)
	ctx := context.Background()

	tables, err := pg.ListTables(ctx)
	require.NoError(t, err)
	assert.Subset(t, tables, []string{"customers", "orders"})

	fks, err := pg.ListForeignKeys(ctx)
	require.NoError(t, err)
	var found bool
	for _, fk := range fks {
		if fk[FKTable] == "orders" && fk[FKColumn] == "customer_id" {
			found = true
			assert.Equal(t, "customers", fk[FKReferencedTable])
			assert.Equal(t, "id", fk[FKReferencedColumn])
		}
	}
	assert.True(t, found, "orders.customer_id foreign key not listed: %v", fks)
}

func TestPostgres_Metadata(t *testing.T) {
	pg := openLockedPostgres(t)
	assert.Equal(t, Postgres, pg.Dialect())
	assert.Equal(t, `"orders"`, pg.QuoteIdent("orders"))
	assert.NotEmpty(t, pg.Name())
	assert.NoError(t, pg.Ping(context.Background()))
}
