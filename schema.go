package dbmcp

import (
	"context"
	"time"

	"github.com/rickchristie/db-mcp/internal/schemadoc"
	"github.com/rickchristie/db-mcp/internal/telemetry"
	"github.com/rickchristie/db-mcp/internal/timeout"
)

// Schema documentation is served as MCP resources and on GET /schema. It
// goes through the same allowlist and identifier gates as the operations.
const (
	opSchemaSummary    = "schema_summary"
	opTableDescription = "table_description"
)

// SchemaSummary renders the permitted tables with column counts and the
// number of relations among them.
func (d *DatabaseMcp) SchemaSummary(ctx context.Context) (string, error) {
	start := time.Now()
	ctx = timeout.WithOperation(ctx, OpGetSchema)

	tables, err := d.loadTables(ctx, opSchemaSummary)
	if err != nil {
		return "", d.docFailed(ctx, opSchemaSummary, start, err)
	}
	rels, err := d.relations(ctx, opSchemaSummary)
	if err != nil {
		return "", d.docFailed(ctx, opSchemaSummary, start, err)
	}
	d.metrics.Record(ctx, opSchemaSummary, telemetry.OutcomeSuccess, time.Since(start))
	return schemadoc.Summary(d.db.Name(), tables, rels), nil
}

// TableDescription renders one table's columns and the relations that touch
// it.
func (d *DatabaseMcp) TableDescription(ctx context.Context, table string) (string, error) {
	start := time.Now()
	ctx = timeout.WithOperation(ctx, OpGetTableStructure)

	if err := d.checkTable(table); err != nil {
		return "", d.docFailed(ctx, opTableDescription, start, err)
	}
	rows, err := d.db.DescribeTable(ctx, table)
	if err != nil {
		return "", d.docFailed(ctx, opTableDescription, start, d.databaseError(opTableDescription, err))
	}
	rels, err := d.relations(ctx, opTableDescription)
	if err != nil {
		return "", d.docFailed(ctx, opTableDescription, start, err)
	}
	d.metrics.Record(ctx, opTableDescription, telemetry.OutcomeSuccess, time.Since(start))
	return schemadoc.Describe(schemadoc.Table{Name: table, Columns: schemadoc.ColumnsFromDescribe(rows)}, rels), nil
}

// relations lists the foreign keys whose both ends the policy allows.
func (d *DatabaseMcp) relations(ctx context.Context, op string) ([]schemadoc.Relation, error) {
	rows, err := d.db.ListForeignKeys(ctx)
	if err != nil {
		return nil, d.databaseError(op, err)
	}
	rels := schemadoc.RelationsFromForeignKeys(rows)
	if !d.policy.Restricted() {
		return rels, nil
	}
	kept := rels[:0]
	for _, r := range rels {
		if d.policy.CheckTableAllowed(r.Table) && d.policy.CheckTableAllowed(r.ReferencedTable) {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// docFailed logs and counts a documentation failure and returns err.
func (d *DatabaseMcp) docFailed(ctx context.Context, op string, start time.Time, err error) error {
	d.fail(ctx, op, start, err)
	return err
}
