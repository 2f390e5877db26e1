package dbmcp

import (
	"context"
	"fmt"
)

// Operation names, as registered with the tool registry and used by
// error_prompts scoping, operation timeouts and metrics.
const (
	OpExecuteQuery      = "execute_query"
	OpGetSchema         = "get_schema"
	OpGetTableStructure = "get_table_structure"
	OpAnalyzeData       = "analyze_data"
	OpGetTableRelations = "get_table_relations"
)

// OperationNames lists every operation in registration order.
var OperationNames = []string{OpExecuteQuery, OpGetSchema, OpGetTableStructure, OpAnalyzeData, OpGetTableRelations}

// IsOperationName reports whether name is one of OperationNames.
func IsOperationName(name string) bool {
	for _, n := range OperationNames {
		if n == name {
			return true
		}
	}
	return false
}

// OperationOutcome is returned by every operation. Success false always
// carries Error; Success true may carry Data.
type OperationOutcome struct {
	Success         bool             `json:"success"`
	Data            []map[string]any `json:"data,omitempty"`
	Error           string           `json:"error,omitempty"`
	RowCount        *int             `json:"row_count,omitempty"`
	Columns         []string         `json:"columns,omitempty"`
	HasMore         bool             `json:"has_more,omitempty"`
	RowsAffected    *int64           `json:"rows_affected,omitempty"`
	ExecutionTimeMs float64          `json:"execution_time_ms"`
}

// Operation is one of the five typed operation inputs. The set is closed:
// only types in this package implement it.
type Operation interface {
	OperationName() string
	isOperation()
}

// ExecuteQueryInput runs caller-supplied SQL.
type ExecuteQueryInput struct {
	Query string `json:"query"`
}

// GetSchemaInput lists permitted tables with their columns.
type GetSchemaInput struct{}

// GetTableStructureInput describes one table.
type GetTableStructureInput struct {
	TableName string `json:"table_name"`
}

// AnalyzeDataInput counts rows, or aggregates one column when ColumnName is
// set.
type AnalyzeDataInput struct {
	TableName  string `json:"table_name"`
	ColumnName string `json:"column_name,omitempty"`
}

// GetTableRelationsInput lists foreign keys across the database.
type GetTableRelationsInput struct{}

func (ExecuteQueryInput) OperationName() string      { return OpExecuteQuery }
func (GetSchemaInput) OperationName() string         { return OpGetSchema }
func (GetTableStructureInput) OperationName() string { return OpGetTableStructure }
func (AnalyzeDataInput) OperationName() string       { return OpAnalyzeData }
func (GetTableRelationsInput) OperationName() string { return OpGetTableRelations }

func (ExecuteQueryInput) isOperation()      {}
func (GetSchemaInput) isOperation()         {}
func (GetTableStructureInput) isOperation() {}
func (AnalyzeDataInput) isOperation()       {}
func (GetTableRelationsInput) isOperation() {}

// Dispatch runs op through its handler.
func (d *DatabaseMcp) Dispatch(ctx context.Context, op Operation) *OperationOutcome {
	switch in := op.(type) {
	case ExecuteQueryInput:
		return d.ExecuteQuery(ctx, in)
	case GetSchemaInput:
		return d.GetSchema(ctx, in)
	case GetTableStructureInput:
		return d.GetTableStructure(ctx, in)
	case AnalyzeDataInput:
		return d.AnalyzeData(ctx, in)
	case GetTableRelationsInput:
		return d.GetTableRelations(ctx, in)
	default:
		return failure(fmt.Sprintf("unsupported operation %T", op))
	}
}

func failure(msg string) *OperationOutcome {
	return &OperationOutcome{Success: false, Error: msg}
}

func intPtr(n int) *int { return &n }
