// Package dbmcp gives AI agents policy-gated access to a relational database
// (MySQL, PostgreSQL or SQLite) through the Model Context Protocol (MCP).
//
// It exposes five operations: execute_query, get_schema,
// get_table_structure, analyze_data and get_table_relations. Each returns an
// [OperationOutcome]; failures never surface as Go errors.
//
// Free-form SQL passes through a length limit, optional before-query hooks,
// the query classifier, the referenced-table allowlist and a row cap before
// it reaches the database. Generated SQL (structure lookups and analysis
// queries) is built only from table and column names that are on the
// allowlist and pass a strict identifier check.
//
// # Limitations
//
// The classifier is lexical, not a SQL parser. It rejects verbs outside
// allowed_operations, multiple statements, comments, destructive statements
// such as DROP or DELETE without WHERE, and system-schema access. A keyword
// inside a string literal can cause a false rejection, and deliberately
// obfuscated SQL can get past it. Treat it as a guard rail in front of the
// database account's own grants, which remain the real security boundary.
// Run the server with an account that holds only the privileges the agent
// needs.
//
// # Library Usage
//
//	d, err := dbmcp.Open(ctx, database.Config{
//		Dialect:  database.MySQL,
//		Host:     "localhost",
//		User:     "agent",
//		Password: password,
//		Name:     "shop",
//	}, dbmcp.Config{
//		Security: dbmcp.SecurityConfig{
//			AllowedOperations: []string{"SELECT", "SHOW", "DESCRIBE"},
//			AllowedTables:     []string{"customers", "orders"},
//			MaxRows:           1000,
//		},
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer d.Close()
//
//	// Use directly
//	out := d.ExecuteQuery(ctx, dbmcp.ExecuteQueryInput{Query: "SELECT * FROM orders"})
//
//	// Or register as MCP tools
//	dbmcp.RegisterMCPTools(mcpServer, d)
//
// # Hooks
//
// BeforeQuery and AfterQuery hooks run as a middleware chain around
// execute_query. Before-query hooks run ahead of classification, so a
// rewritten query is still checked. Implement [BeforeQueryHook] and
// [AfterQueryHook] for native Go hooks, or configure external commands in
// server mode. The two kinds are mutually exclusive.
package dbmcp
