package dbmcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	SchemaSummaryURI       = "schema://summary"
	TableDescriptionURI    = "schema://tables/{table}"
	tableDescriptionPrefix = "schema://tables/"
)

// RegisterMCPTools registers the five operations as MCP tools on the given
// MCP server. Every tool answers with the JSON-encoded OperationOutcome;
// failed outcomes are flagged with IsError.
func RegisterMCPTools(mcpServer *server.MCPServer, d *DatabaseMcp) {
	executeQueryTool := mcp.NewTool(OpExecuteQuery,
		mcp.WithDescription("Execute a SQL query against the database. Only allowed statement verbs and tables are accepted; "+
			"results are capped at the configured row limit. Returns the outcome as JSON."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The SQL statement to execute (a single statement, no comments)"),
		),
	)
	mcpServer.AddTool(executeQueryTool, d.loggedToolHandler(OpExecuteQuery, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query parameter is required"), nil
		}
		return outcomeResult(d.Dispatch(ctx, ExecuteQueryInput{Query: query})), nil
	}))

	getSchemaTool := mcp.NewTool(OpGetSchema,
		mcp.WithDescription("List the tables you may access, each with its columns (name, type, nullable, key, default, extra)."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	mcpServer.AddTool(getSchemaTool, d.loggedToolHandler(OpGetSchema, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return outcomeResult(d.Dispatch(ctx, GetSchemaInput{})), nil
	}))

	getTableStructureTool := mcp.NewTool(OpGetTableStructure,
		mcp.WithDescription("Describe one table: one row per column with Field, Type, Null, Key, Default and Extra."),
		mcp.WithString("table_name",
			mcp.Required(),
			mcp.Description("The table to describe"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	mcpServer.AddTool(getTableStructureTool, d.loggedToolHandler(OpGetTableStructure, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		table, err := req.RequireString("table_name")
		if err != nil {
			return mcp.NewToolResultError("table_name parameter is required"), nil
		}
		return outcomeResult(d.Dispatch(ctx, GetTableStructureInput{TableName: table})), nil
	}))

	analyzeDataTool := mcp.NewTool(OpAnalyzeData,
		mcp.WithDescription("Analyze a table. Without column_name returns total_rows; with column_name also returns "+
			"unique_values, min_value, max_value and avg_value for that column."),
		mcp.WithString("table_name",
			mcp.Required(),
			mcp.Description("The table to analyze"),
		),
		mcp.WithString("column_name",
			mcp.Description("Optional column to aggregate"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	mcpServer.AddTool(analyzeDataTool, d.loggedToolHandler(OpAnalyzeData, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		table, err := req.RequireString("table_name")
		if err != nil {
			return mcp.NewToolResultError("table_name parameter is required"), nil
		}
		column := req.GetString("column_name", "")
		return outcomeResult(d.Dispatch(ctx, AnalyzeDataInput{TableName: table, ColumnName: column})), nil
	}))

	getTableRelationsTool := mcp.NewTool(OpGetTableRelations,
		mcp.WithDescription("List foreign key relations between tables (table_name.column_name references referenced_table_name.referenced_column_name)."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	mcpServer.AddTool(getTableRelationsTool, d.loggedToolHandler(OpGetTableRelations, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return outcomeResult(d.Dispatch(ctx, GetTableRelationsInput{})), nil
	}))
}

// RegisterMCPResources exposes the schema summary and per-table descriptions
// as text resources.
func RegisterMCPResources(mcpServer *server.MCPServer, d *DatabaseMcp) {
	summary := mcp.NewResource(SchemaSummaryURI, "Database schema summary",
		mcp.WithResourceDescription("Permitted tables with column counts and the number of relations"),
		mcp.WithMIMEType("text/plain"),
	)
	mcpServer.AddResource(summary, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		text, err := d.SchemaSummary(ctx)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/plain", Text: text}}, nil
	})

	table := mcp.NewResourceTemplate(TableDescriptionURI, "Table description",
		mcp.WithTemplateDescription("Columns and relations of one permitted table"),
		mcp.WithTemplateMIMEType("text/plain"),
	)
	mcpServer.AddResourceTemplate(table, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		name := strings.TrimPrefix(req.Params.URI, tableDescriptionPrefix)
		text, err := d.TableDescription(ctx, name)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/plain", Text: text}}, nil
	})
}

func outcomeResult(out *OperationOutcome) *mcp.CallToolResult {
	jsonBytes, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError("failed to marshal operation outcome")
	}
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = !out.Success
	return result
}

// loggedToolHandler wraps a tool handler to log request and response lengths
// under a per-call request id.
func (d *DatabaseMcp) loggedToolHandler(tool string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		requestID := uuid.NewString()
		reqLen := requestLength(req)
		d.logger.Debug().Str("tool", tool).Str("request_id", requestID).Msg("tool call started")
		result, err := handler(ctx, req)
		respLen := resultLength(result)
		d.logger.Info().
			Str("tool", tool).
			Str("request_id", requestID).
			Int("request_bytes", reqLen).
			Int("response_bytes", respLen).
			Bool("is_error", result != nil && result.IsError).
			Msg("tool call")
		return result, err
	}
}

// requestLength returns the JSON-encoded byte length of the request arguments.
func requestLength(req mcp.CallToolRequest) int {
	args := req.GetArguments()
	if len(args) == 0 {
		return 0
	}
	b, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(b)
}

// resultLength returns the total byte length of text content in a CallToolResult.
func resultLength(result *mcp.CallToolResult) int {
	if result == nil {
		return 0
	}
	total := 0
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			total += len(tc.Text)
		}
	}
	return total
}
