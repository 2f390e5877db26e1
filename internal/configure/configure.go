package configure

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	dbmcp "github.com/rickchristie/db-mcp"
	"github.com/rickchristie/db-mcp/internal/protection"
)

// Run runs the interactive configuration wizard.
// Reads existing config (if any), prompts for each field,
// writes updated config to the given path.
func Run(configPath string) error {
	return run(configPath, os.Stdin, os.Stderr)
}

func run(configPath string, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	cfg, isNew, err := loadExisting(configPath)
	if err != nil {
		return err
	}

	p := &prompter{
		scanner: scanner,
		output:  output,
		isNew:   isNew,
	}

	fmt.Fprintf(output, "godbmcp configuration wizard\n")
	fmt.Fprintf(output, "Config file: %s\n\n", configPath)

	// Database
	fmt.Fprintf(output, "=== Database ===\n")
	db := &cfg.Database
	prevDialect := db.Dialect
	db.Dialect = p.promptEnum("database.dialect", db.Dialect, dialects)
	if db.Dialect != prevDialect && db.Port == defaultPorts[prevDialect] {
		db.Port = 0
	}
	if db.Dialect == "sqlite" {
		db.Name = p.promptRequiredStringWithHint("database.database", db.Name, "path to the database file")
		db.Host, db.Port, db.User = "", 0, ""
	} else {
		if db.Host == "" {
			db.Host = "localhost"
		}
		if db.Port == 0 {
			db.Port = defaultPorts[db.Dialect]
		}
		db.Host = p.promptString("database.host", db.Host)
		db.Port = p.promptPositiveInt("database.port", db.Port, "must be > 0")
		db.User = p.promptRequiredStringWithHint("database.user", db.User, "required; the password is never stored here")
		db.Name = p.promptRequiredStringWithHint("database.database", db.Name, "required")
	}
	db.ReadOnly = p.promptBool("database.read_only", db.ReadOnly)

	// Pool
	fmt.Fprintf(output, "\n=== Pool ===\n")
	db.Pool.MaxOpenConns = p.promptNonNegativeInt("database.pool.max_open_conns", db.Pool.MaxOpenConns, "0 = unlimited")
	db.Pool.MaxIdleConns = p.promptNonNegativeInt("database.pool.max_idle_conns", db.Pool.MaxIdleConns, "must be >= 0")
	db.Pool.ConnMaxLifetime = p.promptDuration("database.pool.conn_max_lifetime", db.Pool.ConnMaxLifetime, "Go duration: e.g. 1h, 30m, 1h30m")
	db.Pool.ConnMaxIdleTime = p.promptDuration("database.pool.conn_max_idle_time", db.Pool.ConnMaxIdleTime, "Go duration: e.g. 1h, 30m, 1h30m")

	// Server
	fmt.Fprintf(output, "\n=== Server ===\n")
	cfg.Server.Host = p.promptString("server.host", cfg.Server.Host)
	cfg.Server.Port = p.promptPositiveInt("server.port", cfg.Server.Port, "must be > 0")
	cfg.Server.HealthCheckEnabled = p.promptBool("server.health_check_enabled", cfg.Server.HealthCheckEnabled)
	cfg.Server.HealthCheckPath = p.promptStringWithHint("server.health_check_path", cfg.Server.HealthCheckPath, "e.g. /health, required when health_check_enabled is true")
	cfg.Server.SchemaEndpoint = p.promptBool("server.schema_endpoint", cfg.Server.SchemaEndpoint)

	// Logging
	fmt.Fprintf(output, "\n=== Logging ===\n")
	cfg.Logging.Level = p.promptEnum("logging.level", cfg.Logging.Level, logLevels)
	cfg.Logging.Format = p.promptEnum("logging.format", cfg.Logging.Format, logFormats)
	cfg.Logging.Output = p.promptStringWithHint("logging.output", cfg.Logging.Output, "stdout, stderr, or file path")

	// Security
	fmt.Fprintf(output, "\n=== Security ===\n")
	cfg.Security.AllowedTables = p.promptList("security.allowed_tables", cfg.Security.AllowedTables, "comma-separated, \"-\" = every table", nil)
	cfg.Security.AllowedOperations = p.promptList("security.allowed_operations", cfg.Security.AllowedOperations, "comma-separated SQL verbs", validVerb)
	for i, op := range cfg.Security.AllowedOperations {
		cfg.Security.AllowedOperations[i] = strings.ToUpper(op)
	}
	cfg.Security.MaxRows = p.promptPositiveInt("security.max_rows", cfg.Security.MaxRows, "must be > 0")

	// Protection
	fmt.Fprintf(output, "\n=== Protection ===\n")
	prot := &cfg.Security.Protection
	prot.AllowDrop = p.promptBool("security.protection.allow_drop", prot.AllowDrop)
	prot.AllowTruncate = p.promptBool("security.protection.allow_truncate", prot.AllowTruncate)
	prot.AllowDeleteWithoutWhere = p.promptBool("security.protection.allow_delete_without_where", prot.AllowDeleteWithoutWhere)
	prot.AllowUpdateWithoutWhere = p.promptBool("security.protection.allow_update_without_where", prot.AllowUpdateWithoutWhere)
	prot.AllowSystemSchema = p.promptBool("security.protection.allow_system_schema", prot.AllowSystemSchema)

	// Query
	fmt.Fprintf(output, "\n=== Query ===\n")
	cfg.Query.DefaultTimeoutSeconds = p.promptPositiveInt("query.default_timeout_seconds", cfg.Query.DefaultTimeoutSeconds, "seconds, must be > 0")
	cfg.Query.OperationTimeoutSeconds = p.promptOperationTimeouts(cfg.Query.OperationTimeoutSeconds)
	cfg.Query.MaxSQLLength = p.promptPositiveInt("query.max_sql_length", cfg.Query.MaxSQLLength, "bytes, must be > 0")
	cfg.Query.MaxResultLength = p.promptPositiveInt("query.max_result_length", cfg.Query.MaxResultLength, "characters, must be > 0")
	cfg.DefaultHookTimeoutSeconds = p.promptNonNegativeInt("default_hook_timeout_seconds", cfg.DefaultHookTimeoutSeconds, "seconds, must be > 0 when hooks are configured")

	// Array fields
	fmt.Fprintf(output, "\n=== Timeout Rules ===\n")
	cfg.Query.TimeoutRules = p.promptTimeoutRules(cfg.Query.TimeoutRules)

	fmt.Fprintf(output, "\n=== Error Prompts ===\n")
	cfg.ErrorPrompts = p.promptErrorPrompts(cfg.ErrorPrompts)

	fmt.Fprintf(output, "\n=== Sanitization Rules ===\n")
	cfg.Sanitization = p.promptSanitizationRules(cfg.Sanitization)

	fmt.Fprintf(output, "\n=== Server Hooks: Before Query ===\n")
	cfg.ServerHooks.BeforeQuery = p.promptHookEntries("server_hooks.before_query", cfg.ServerHooks.BeforeQuery)

	fmt.Fprintf(output, "\n=== Server Hooks: After Query ===\n")
	cfg.ServerHooks.AfterQuery = p.promptHookEntries("server_hooks.after_query", cfg.ServerHooks.AfterQuery)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(output, "\nWarning: %v\nRun 'godbmcp doctor' after fixing it.\n", err)
	}

	if err := dbmcp.WriteServerConfig(configPath, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(output, "\nConfiguration saved to %s\n", configPath)
	return nil
}

// loadExisting reads the config at configPath. A missing file starts from
// dbmcp.DefaultServerConfig and reports isNew.
func loadExisting(configPath string) (*dbmcp.ServerConfig, bool, error) {
	cfg, err := dbmcp.ReadServerConfig(configPath)
	if err == nil {
		return cfg, false, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		def := dbmcp.DefaultServerConfig()
		return &def, true, nil
	}
	return nil, false, err
}

var (
	dialects     = []string{"mysql", "postgres", "sqlite"}
	logLevels    = []string{"debug", "info", "warn", "error"}
	logFormats   = []string{"json", "text"}
	defaultPorts = map[string]int{"mysql": 3306, "postgres": 5432}
)

func validVerb(v string) error {
	if !protection.IsRecognizedVerb(strings.ToUpper(v)) {
		return fmt.Errorf("%q is not a recognized SQL verb", v)
	}
	return nil
}

func validOperation(v string) error {
	if !dbmcp.IsOperationName(v) {
		return fmt.Errorf("%q is not an operation (%s)", v, strings.Join(dbmcp.OperationNames, ", "))
	}
	return nil
}

// prompter handles reading user input and displaying prompts.
type prompter struct {
	scanner *bufio.Scanner
	output  io.Writer
	isNew   bool
	eof     bool
}

func (p *prompter) readLine() string {
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	p.eof = true
	return ""
}

func (p *prompter) valueLabel() string {
	if p.isNew {
		return "default"
	}
	return "current"
}

func (p *prompter) promptString(field string, current string) string {
	fmt.Fprintf(p.output, "%s (%s: %q): ", field, p.valueLabel(), current)
	input := p.readLine()
	if input == "" {
		return current
	}
	return input
}

func (p *prompter) promptStringWithHint(field string, current string, hint string) string {
	fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
	input := p.readLine()
	if input == "" {
		return current
	}
	return input
}

// promptRequiredStringWithHint keeps asking while both the input and the
// current value are empty. It gives up at end of input.
func (p *prompter) promptRequiredStringWithHint(field string, current string, hint string) string {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input != "" {
			return input
		}
		if current != "" || p.eof {
			return current
		}
		fmt.Fprintf(p.output, "  Value is required, try again.\n")
	}
}

func (p *prompter) promptPositiveInt(field string, current int, hint string) int {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			if current > 0 {
				return current
			}
			if p.eof {
				return current
			}
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val <= 0 {
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptNonNegativeInt(field string, current int, hint string) int {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val < 0 {
			fmt.Fprintf(p.output, "  Value must be >= 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptBool(field string, current bool) bool {
	for {
		fmt.Fprintf(p.output, "%s (%s: %v): ", field, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		switch strings.ToLower(input) {
		case "true", "t", "yes", "y", "1":
			return true
		case "false", "f", "no", "n", "0":
			return false
		default:
			fmt.Fprintf(p.output, "  Invalid value %q, use true/false/yes/no, try again.\n", input)
		}
	}
}

func (p *prompter) promptDuration(field string, current string, hint string) string {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		if _, err := time.ParseDuration(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid Go duration %q, try again.\n", input)
			continue
		}
		return input
	}
}

func (p *prompter) promptEnum(field string, current string, allowed []string) string {
	for {
		fmt.Fprintf(p.output, "%s (%s: %q, options: %s): ", field, p.valueLabel(), current, strings.Join(allowed, ", "))
		input := p.readLine()
		if input == "" {
			return current
		}
		for _, v := range allowed {
			if input == v {
				return input
			}
		}
		fmt.Fprintf(p.output, "  Invalid value %q, must be one of: %s\n", input, strings.Join(allowed, ", "))
	}
}

// promptList reads a comma-separated list. Enter keeps current; "-" clears
// it. check, when set, validates every item.
func (p *prompter) promptList(field string, current []string, hint string, check func(string) error) []string {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), strings.Join(current, ","))
		input := p.readLine()
		if input == "" {
			return current
		}
		if input == "-" {
			return nil
		}
		items, err := splitList(input, check)
		if err != nil {
			fmt.Fprintf(p.output, "  %v, try again.\n", err)
			continue
		}
		return items
	}
}

func splitList(input string, check func(string) error) ([]string, error) {
	var items []string
	for _, raw := range strings.Split(input, ",") {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		if check != nil {
			if err := check(item); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// promptOperationTimeouts asks for a per-operation timeout override; 0
// removes the override.
func (p *prompter) promptOperationTimeouts(current map[string]int) map[string]int {
	out := make(map[string]int, len(current))
	for _, op := range dbmcp.OperationNames {
		secs := p.promptNonNegativeInt("query.operation_timeout_seconds."+op, current[op], "seconds, 0 = use default")
		if secs > 0 {
			out[op] = secs
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// editList runs the add/remove/continue loop for one array field. show
// renders an entry; add prompts for a new one.
func editList[T any](p *prompter, label string, items []T, show func(T) string, add func() T) []T {
	for {
		if len(items) == 0 {
			fmt.Fprintf(p.output, "  (no entries)\n")
		}
		for i, item := range items {
			fmt.Fprintf(p.output, "  [%d] %s\n", i, show(item))
		}
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		switch strings.ToLower(p.readLine()) {
		case "a":
			items = append(items, add())
		case "r":
			items = removeByIndex(p, label, items)
		case "c", "":
			return items
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) promptTimeoutRules(current []dbmcp.TimeoutRule) []dbmcp.TimeoutRule {
	return editList(p, "timeout rule", current,
		func(r dbmcp.TimeoutRule) string {
			return fmt.Sprintf("pattern=%q timeout_seconds=%d", r.Pattern, r.TimeoutSeconds)
		},
		func() dbmcp.TimeoutRule {
			return dbmcp.TimeoutRule{
				Pattern:        p.promptNewRegexField("pattern"),
				TimeoutSeconds: p.promptNewPositiveIntField("timeout_seconds"),
			}
		})
}

func (p *prompter) promptErrorPrompts(current []dbmcp.ErrorPromptRule) []dbmcp.ErrorPromptRule {
	return editList(p, "error prompt", current,
		func(r dbmcp.ErrorPromptRule) string {
			return fmt.Sprintf("pattern=%q message=%q operations=%v", r.Pattern, r.Message, r.Operations)
		},
		func() dbmcp.ErrorPromptRule {
			return dbmcp.ErrorPromptRule{
				Pattern:    p.promptNewRegexField("pattern"),
				Message:    p.promptNewField("message"),
				Operations: p.promptList("  operations", nil, "comma-separated, empty = all", validOperation),
			}
		})
}

func (p *prompter) promptSanitizationRules(current []dbmcp.SanitizationRule) []dbmcp.SanitizationRule {
	return editList(p, "sanitization rule", current,
		func(r dbmcp.SanitizationRule) string {
			return fmt.Sprintf("pattern=%q replacement=%q description=%q", r.Pattern, r.Replacement, r.Description)
		},
		func() dbmcp.SanitizationRule {
			return dbmcp.SanitizationRule{
				Pattern:     p.promptNewRegexField("pattern"),
				Replacement: p.promptNewField("replacement"),
				Description: p.promptNewField("description"),
			}
		})
}

func (p *prompter) promptHookEntries(label string, current []dbmcp.HookEntry) []dbmcp.HookEntry {
	return editList(p, label, current,
		func(e dbmcp.HookEntry) string {
			return fmt.Sprintf("pattern=%q command=%q args=%v timeout_seconds=%d", e.Pattern, e.Command, e.Args, e.TimeoutSeconds)
		},
		func() dbmcp.HookEntry {
			e := dbmcp.HookEntry{
				Pattern: p.promptNewRegexField("pattern"),
				Command: p.promptNewField("command"),
			}
			e.Args, _ = splitList(p.promptNewField("args (comma-separated)"), nil)
			e.TimeoutSeconds = p.promptNewNonNegativeIntField("timeout_seconds")
			return e
		})
}

func (p *prompter) promptNewField(name string) string {
	fmt.Fprintf(p.output, "  %s: ", name)
	return p.readLine()
}

func (p *prompter) promptNewRegexField(name string) string {
	for {
		fmt.Fprintf(p.output, "  %s (regex): ", name)
		input := p.readLine()
		if input == "" {
			return ""
		}
		if _, err := regexp.Compile(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid regex %q: %v, try again.\n", input, err)
			continue
		}
		return input
	}
}

func (p *prompter) promptNewPositiveIntField(name string) int {
	for {
		fmt.Fprintf(p.output, "  %s (must be > 0): ", name)
		input := p.readLine()
		if input == "" && p.eof {
			return 0
		}
		if input == "" {
			fmt.Fprintf(p.output, "  Value is required and must be > 0, try again.\n")
			continue
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val <= 0 {
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptNewNonNegativeIntField(name string) int {
	for {
		fmt.Fprintf(p.output, "  %s (must be >= 0): ", name)
		input := p.readLine()
		if input == "" {
			return 0
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val < 0 {
			fmt.Fprintf(p.output, "  Value must be >= 0, try again.\n")
			continue
		}
		return val
	}
}

// removeByIndex is a generic helper for removing an element by index from a slice.
func removeByIndex[T any](p *prompter, label string, items []T) []T {
	if len(items) == 0 {
		fmt.Fprintf(p.output, "  No %s entries to remove.\n", label)
		return items
	}
	fmt.Fprintf(p.output, "  Index to remove: ")
	input := p.readLine()
	idx, err := strconv.Atoi(input)
	if err != nil || idx < 0 || idx >= len(items) {
		fmt.Fprintf(p.output, "  Invalid index.\n")
		return items
	}
	return append(items[:idx], items[idx+1:]...)
}
