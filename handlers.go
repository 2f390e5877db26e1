package dbmcp

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickchristie/db-mcp/database"
	"github.com/rickchristie/db-mcp/internal/ident"
	"github.com/rickchristie/db-mcp/internal/schemadoc"
	"github.com/rickchristie/db-mcp/internal/timeout"
)

// describeConcurrency bounds parallel DescribeTable calls for one request.
const describeConcurrency = 4

var structureColumns = []string{
	database.FieldName, database.FieldType, database.FieldNull,
	database.FieldKey, database.FieldDefault, database.FieldExtra,
}

var relationColumns = []string{
	database.FKConstraint, database.FKTable, database.FKColumn,
	database.FKReferencedTable, database.FKReferencedColumn,
}

// GetSchema lists the permitted tables with their columns, one row per
// table: {"name": ..., "columns": [...]}.
func (d *DatabaseMcp) GetSchema(ctx context.Context, _ GetSchemaInput) *OperationOutcome {
	const op = OpGetSchema
	start := time.Now()
	ctx = timeout.WithOperation(ctx, op)

	tables, err := d.loadTables(ctx, op)
	if err != nil {
		return d.fail(ctx, op, start, err)
	}
	data := make([]map[string]any, len(tables))
	for i, t := range tables {
		data[i] = map[string]any{"name": t.Name, "columns": t.Columns}
	}
	out := &OperationOutcome{
		Success:  true,
		Data:     data,
		RowCount: intPtr(len(data)),
		Columns:  []string{"name", "columns"},
	}
	return d.finish(ctx, op, start, out, trace{}, false)
}

// permittedTables lists tables the policy allows and whose names are safe to
// interpolate. Unsafe names are skipped with a warning.
func (d *DatabaseMcp) permittedTables(ctx context.Context, op string) ([]string, error) {
	names, err := d.db.ListTables(ctx)
	if err != nil {
		return nil, d.databaseError(op, err)
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !d.policy.CheckTableAllowed(name) {
			continue
		}
		if err := ident.Validate(name); err != nil {
			d.logger.Warn().Str("operation", op).Str("table", name).Err(err).Msg("skipping table with unsafe name")
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// loadTables describes every permitted table concurrently. The first failure
// cancels the rest.
func (d *DatabaseMcp) loadTables(ctx context.Context, op string) ([]schemadoc.Table, error) {
	names, err := d.permittedTables(ctx, op)
	if err != nil {
		return nil, err
	}
	tables := make([]schemadoc.Table, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)
	for i, name := range names {
		g.Go(func() error {
			rows, err := d.db.DescribeTable(gctx, name)
			if err != nil {
				return d.databaseError(op, fmt.Errorf("describe %s: %w", name, err))
			}
			tables[i] = schemadoc.Table{Name: name, Columns: schemadoc.ColumnsFromDescribe(rows)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}

// checkTable applies the allowlist and then the safe-identifier check, in
// that order, before any SQL naming the table is built.
func (d *DatabaseMcp) checkTable(table string) error {
	if !d.policy.CheckTableAllowed(table) {
		return d.policy.tableNotPermitted(table)
	}
	if err := ident.Validate(table); err != nil {
		return rejected(reasonUnsafeIdentifier, "invalid table name: %v", err)
	}
	return nil
}

// GetTableStructure returns the collaborator's DESCRIBE rows for one table.
func (d *DatabaseMcp) GetTableStructure(ctx context.Context, in GetTableStructureInput) *OperationOutcome {
	const op = OpGetTableStructure
	start := time.Now()
	ctx = timeout.WithOperation(ctx, op)

	if err := d.checkTable(in.TableName); err != nil {
		return d.fail(ctx, op, start, err)
	}
	rows, err := d.db.DescribeTable(ctx, in.TableName)
	if err != nil {
		return d.fail(ctx, op, start, d.databaseError(op, err))
	}
	out := &OperationOutcome{
		Success:  true,
		Data:     rows,
		RowCount: intPtr(len(rows)),
		Columns:  structureColumns,
	}
	return d.finish(ctx, op, start, out, trace{}, false)
}

// AnalyzeData counts rows in a table, or computes count, distinct count,
// min, max and avg for one column.
func (d *DatabaseMcp) AnalyzeData(ctx context.Context, in AnalyzeDataInput) *OperationOutcome {
	const op = OpAnalyzeData
	start := time.Now()
	ctx = timeout.WithOperation(ctx, op)

	if err := d.checkTable(in.TableName); err != nil {
		return d.fail(ctx, op, start, err)
	}
	if in.ColumnName != "" {
		if err := ident.Validate(in.ColumnName); err != nil {
			return d.fail(ctx, op, start, rejected(reasonUnsafeIdentifier, "invalid column name: %v", err))
		}
	}

	sql := d.analyzeSQL(in.TableName, in.ColumnName)
	tr := trace{sql: sql}
	_, tr.timeoutRule = d.timeouts.Resolve(op, sql)

	rs, err := d.db.Execute(ctx, sql, d.policy.MaxRows())
	if err != nil {
		return d.fail(ctx, op, start, d.databaseError(op, err))
	}
	return d.finish(ctx, op, start, outcomeFromResult(rs), tr, true)
}

// analyzeSQL builds the aggregate query. Both names have passed
// ident.Validate.
func (d *DatabaseMcp) analyzeSQL(table, column string) string {
	t := d.db.QuoteIdent(table)
	if column == "" {
		return fmt.Sprintf("SELECT COUNT(*) AS total_rows FROM %s", t)
	}
	c := d.db.QuoteIdent(column)
	return fmt.Sprintf(
		"SELECT COUNT(*) AS total_rows, COUNT(DISTINCT %[1]s) AS unique_values, "+
			"MIN(%[1]s) AS min_value, MAX(%[1]s) AS max_value, AVG(%[1]s) AS avg_value FROM %[2]s",
		c, t)
}

// GetTableRelations lists every foreign key column in the database. It reads
// catalog metadata only and is not filtered by the table allowlist.
func (d *DatabaseMcp) GetTableRelations(ctx context.Context, _ GetTableRelationsInput) *OperationOutcome {
	const op = OpGetTableRelations
	start := time.Now()
	ctx = timeout.WithOperation(ctx, op)

	rows, err := d.db.ListForeignKeys(ctx)
	if err != nil {
		return d.fail(ctx, op, start, d.databaseError(op, err))
	}
	out := &OperationOutcome{
		Success:  true,
		Data:     rows,
		RowCount: intPtr(len(rows)),
		Columns:  relationColumns,
	}
	return d.finish(ctx, op, start, out, trace{}, false)
}
