package main

import (
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/spf13/cobra"

	dbmcp "github.com/rickchristie/db-mcp"
)

func doctorCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration and print agent connection snippets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doctor(os.Stderr, isTTY(os.Stderr.Fd()), configPath())
		},
	}
}

func doctor(w io.Writer, useColor bool, configPath string) error {
	printBanner(w, useColor)
	fmt.Fprintf(w, "godbmcp %s\n\n", version)

	config, ok := doctorValidateConfig(w, useColor, configPath)
	if !ok {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above and run 'godbmcp doctor' again.")
		return nil
	}

	fmt.Fprintln(w)
	printAgentSnippets(w, useColor, config)
	return nil
}

// doctorValidateConfig loads and validates the config file, printing check results.
// Returns the parsed config and true if all checks passed.
func doctorValidateConfig(w io.Writer, useColor bool, configPath string) (*dbmcp.ServerConfig, bool) {
	if _, err := os.Stat(configPath); err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Config file readable (%s)", configPath))
		return nil, false
	}
	printCheck(w, useColor, true, fmt.Sprintf("Config file readable (%s)", configPath))

	config, err := dbmcp.ReadServerConfig(configPath)
	if err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Config file parses: %v", err))
		return nil, false
	}
	printCheck(w, useColor, true, "Config file parses")

	allPassed := true
	if err := config.Validate(); err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Config is valid: %v", err))
		allPassed = false
	} else {
		printCheck(w, useColor, true, fmt.Sprintf("Config is valid (%s database %q)", config.Database.Dialect, config.Database.Name))
	}

	if len(config.Security.AllowedTables) == 0 {
		printCheck(w, useColor, true, "security.allowed_tables is empty: every table is reachable")
	} else {
		printCheck(w, useColor, true, fmt.Sprintf("security.allowed_tables lists %d tables", len(config.Security.AllowedTables)))
	}

	type pattern struct {
		field string
		expr  string
	}
	var patterns []pattern
	for i, rule := range config.ErrorPrompts {
		patterns = append(patterns, pattern{fmt.Sprintf("error_prompts[%d]", i), rule.Pattern})
	}
	for i, rule := range config.Sanitization {
		patterns = append(patterns, pattern{fmt.Sprintf("sanitization[%d]", i), rule.Pattern})
	}
	for i, rule := range config.Query.TimeoutRules {
		patterns = append(patterns, pattern{fmt.Sprintf("query.timeout_rules[%d]", i), rule.Pattern})
	}
	for i, hook := range config.ServerHooks.BeforeQuery {
		patterns = append(patterns, pattern{fmt.Sprintf("server_hooks.before_query[%d]", i), hook.Pattern})
	}
	for i, hook := range config.ServerHooks.AfterQuery {
		patterns = append(patterns, pattern{fmt.Sprintf("server_hooks.after_query[%d]", i), hook.Pattern})
	}

	regexOK := true
	for _, p := range patterns {
		if _, err := regexp.Compile(p.expr); err != nil {
			printCheck(w, useColor, false, fmt.Sprintf("%s regex compiles: %v", p.field, err))
			regexOK = false
			allPassed = false
		}
	}
	if regexOK {
		printCheck(w, useColor, true, "All regex patterns compile")
	}

	return config, allPassed
}

// printCheck prints a colored ✓ or ✗ check line.
func printCheck(w io.Writer, useColor bool, pass bool, msg string) {
	mark, color := "✓", "\033[32m"
	if !pass {
		mark, color = "✗", "\033[31m"
	}
	if useColor {
		fmt.Fprintf(w, "  %s%s\033[0m %s\n", color, mark, msg)
	} else {
		fmt.Fprintf(w, "  %s %s\n", mark, msg)
	}
}

// agentServerName is the MCP server name used in every snippet.
const agentServerName = "database"

// printAgentSnippets prints MCP connection config snippets for various AI agents.
func printAgentSnippets(w io.Writer, useColor bool, config *dbmcp.ServerConfig) {
	host := config.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	url := fmt.Sprintf("http://%s:%d/mcp", host, config.Server.Port)

	heading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "\033[1;36m%s\033[0m\n", title)
		} else {
			fmt.Fprintln(w, title)
		}
	}
	subheading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "  \033[1m%s\033[0m\n", title)
		} else {
			fmt.Fprintf(w, "  %s\n", title)
		}
	}
	// jsonSnippet prints {"<root>": {"database": {<urlKey>: url, ...extra}}}.
	jsonSnippet := func(root, urlKey, typ string) {
		fmt.Fprintf(w, "  {\n    %q: {\n      %q: {\n", root, agentServerName)
		if typ != "" {
			fmt.Fprintf(w, "        \"type\": %q,\n", typ)
		}
		fmt.Fprintf(w, "        %q: %q\n      }\n    }\n  }\n\n", urlKey, url)
	}

	heading("Agent Connection Snippets")
	fmt.Fprintln(w)

	subheading("Claude Code")
	fmt.Fprintf(w, "  Run this command to add the server:\n\n")
	fmt.Fprintf(w, "    claude mcp add --transport http %s %s\n\n", agentServerName, url)
	fmt.Fprintf(w, "  Or add to .mcp.json (project scope):\n\n")
	jsonSnippet("mcpServers", "url", "http")

	subheading("Copilot CLI (~/.copilot/mcp-config.json)")
	jsonSnippet("mcpServers", "url", "http")

	subheading("Gemini CLI (~/.gemini/settings.json)")
	jsonSnippet("mcpServers", "httpUrl", "")

	subheading("OpenCode (opencode.json)")
	jsonSnippet("mcp", "url", "remote")

	subheading("Cursor (.cursor/mcp.json)")
	jsonSnippet("mcpServers", "url", "")

	subheading("Windsurf (~/.codeium/windsurf/mcp_config.json)")
	jsonSnippet("mcpServers", "serverUrl", "")

	if config.Server.SchemaEndpoint {
		fmt.Fprintf(w, "  Schema summary: http://%s:%d/schema\n", host, config.Server.Port)
	}
}
