package dbmcp

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/rickchristie/db-mcp/database"
	"github.com/rickchristie/db-mcp/internal/errprompt"
	"github.com/rickchristie/db-mcp/internal/hooks"
	"github.com/rickchristie/db-mcp/internal/protection"
	"github.com/rickchristie/db-mcp/internal/sanitize"
	"github.com/rickchristie/db-mcp/internal/telemetry"
	"github.com/rickchristie/db-mcp/internal/timeout"
)

// DatabaseMcp mediates every operation between the tool registry and the
// database collaborator. All exported methods are safe for concurrent use.
type DatabaseMcp struct {
	config        Config
	db            database.Database
	policy        *Policy
	classifier    *protection.Classifier
	cmdHooks      *hooks.Runner          // command-based hooks (CLI mode)
	goBeforeHooks []BeforeQueryHookEntry // Go function hooks (library mode)
	goAfterHooks  []AfterQueryHookEntry  // Go function hooks (library mode)
	sanitizer     *sanitize.Sanitizer
	redactor      *sanitize.Redactor
	errPrompts    *errprompt.Matcher
	timeouts      *timeout.Manager
	metrics       *telemetry.Metrics
	logger        zerolog.Logger
}

// Option is a functional option for New() and Open().
type Option func(*options)

type options struct {
	serverHooks   *ServerHooksConfig
	meterProvider metric.MeterProvider
	secrets       []string
}

// WithServerHooks passes command-based hook configuration.
// Mutually exclusive with Config.BeforeQueryHooks/AfterQueryHooks (Go hooks).
func WithServerHooks(h ServerHooksConfig) Option {
	return func(o *options) {
		o.serverHooks = &h
	}
}

// WithMeterProvider records operation metrics on mp instead of the global
// meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithSecrets lists literal strings (such as the database password) that
// must never appear in an error returned to the caller.
func WithSecrets(secrets ...string) Option {
	return func(o *options) {
		o.secrets = append(o.secrets, secrets...)
	}
}

// Open connects to the database described by conn and returns a ready
// DatabaseMcp. Per-operation timeouts from config.Query are applied by the
// collaborator to every statement it runs.
func Open(ctx context.Context, conn database.Config, config Config, logger zerolog.Logger, opts ...Option) (*DatabaseMcp, error) {
	tm, err := newTimeoutManager(config.Query)
	if err != nil {
		return nil, err
	}
	conn.Timeouts = tm
	if conn.Password != "" {
		opts = append(opts, WithSecrets(conn.Password))
	}

	db, err := database.Open(ctx, conn, logger)
	if err != nil {
		redactor := sanitize.NewRedactor(conn.Password)
		return nil, fmt.Errorf("failed to open %s database: %s", conn.Dialect, redactor.Redact(err.Error()))
	}
	d, err := build(db, config, tm, logger, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an already opened collaborator and takes ownership of it: Close
// closes db. The per-operation timeouts from config.Query bound every call
// made to db. It returns *ConfigError when config is unusable.
func New(db database.Database, config Config, logger zerolog.Logger, opts ...Option) (*DatabaseMcp, error) {
	if db == nil {
		return nil, &ConfigError{Field: "database", Reason: "collaborator must not be nil"}
	}
	tm, err := newTimeoutManager(config.Query)
	if err != nil {
		return nil, err
	}
	return build(&boundedDB{Database: db, timeouts: tm}, config, tm, logger, opts)
}

// boundedDB applies the timeout manager to a collaborator that was opened
// without one.
type boundedDB struct {
	database.Database
	timeouts *timeout.Manager
}

func (b *boundedDB) Execute(ctx context.Context, sql string, rowLimit int) (*database.ResultSet, error) {
	ctx, cancel := b.timeouts.Apply(ctx, sql)
	defer cancel()
	return b.Database.Execute(ctx, sql, rowLimit)
}

func (b *boundedDB) DescribeTable(ctx context.Context, table string) ([]database.Row, error) {
	ctx, cancel := b.timeouts.Apply(ctx, "")
	defer cancel()
	return b.Database.DescribeTable(ctx, table)
}

func (b *boundedDB) ListTables(ctx context.Context) ([]string, error) {
	ctx, cancel := b.timeouts.Apply(ctx, "")
	defer cancel()
	return b.Database.ListTables(ctx)
}

func (b *boundedDB) ListForeignKeys(ctx context.Context) ([]database.Row, error) {
	ctx, cancel := b.timeouts.Apply(ctx, "")
	defer cancel()
	return b.Database.ListForeignKeys(ctx)
}

func (b *boundedDB) Ping(ctx context.Context) error {
	ctx, cancel := b.timeouts.Apply(ctx, "")
	defer cancel()
	return b.Database.Ping(ctx)
}

func build(db database.Database, config Config, tm *timeout.Manager, logger zerolog.Logger, opts []Option) (*DatabaseMcp, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	policy, err := LoadPolicy(config.Security)
	if err != nil {
		return nil, err
	}

	// Apply defaults for zero values
	if config.Query.MaxSQLLength == 0 {
		config.Query.MaxSQLLength = defaultMaxSQLLength
	}
	if config.Query.MaxResultLength == 0 {
		config.Query.MaxResultLength = defaultMaxResultLength
	}
	if config.Query.MaxSQLLength < 0 {
		return nil, &ConfigError{Field: "query.max_sql_length", Reason: "must be positive"}
	}
	if config.Query.MaxResultLength < 0 {
		return nil, &ConfigError{Field: "query.max_result_length", Reason: "must be positive"}
	}

	hasGoHooks := len(config.BeforeQueryHooks) > 0 || len(config.AfterQueryHooks) > 0
	hasCmdHooks := o.serverHooks != nil && (len(o.serverHooks.BeforeQuery) > 0 || len(o.serverHooks.AfterQuery) > 0)
	if hasGoHooks && hasCmdHooks {
		return nil, &ConfigError{Field: "hooks", Reason: "Go hooks (Config.BeforeQueryHooks/AfterQueryHooks) and command hooks (WithServerHooks) are mutually exclusive"}
	}
	if hasGoHooks && config.DefaultHookTimeoutSeconds <= 0 {
		return nil, &ConfigError{Field: "default_hook_timeout_seconds", Reason: "must be > 0 when Go hooks are configured"}
	}
	for _, entry := range config.BeforeQueryHooks {
		if entry.Hook == nil || entry.Timeout < 0 {
			return nil, &ConfigError{Field: "before_query_hooks", Reason: fmt.Sprintf("hook %q needs a non-nil Hook and a non-negative timeout", entry.Name)}
		}
	}
	for _, entry := range config.AfterQueryHooks {
		if entry.Hook == nil || entry.Timeout < 0 {
			return nil, &ConfigError{Field: "after_query_hooks", Reason: fmt.Sprintf("hook %q needs a non-nil Hook and a non-negative timeout", entry.Name)}
		}
	}

	san, err := sanitize.NewSanitizer(mapSanitizationRules(config.Sanitization))
	if err != nil {
		return nil, &ConfigError{Field: "sanitization", Reason: err.Error()}
	}
	for i, r := range config.ErrorPrompts {
		for _, op := range r.Operations {
			if !IsOperationName(op) {
				return nil, &ConfigError{Field: fmt.Sprintf("error_prompts[%d].operations", i), Reason: fmt.Sprintf("unknown operation %q", op)}
			}
		}
	}
	matcher, err := errprompt.NewMatcher(mapErrorPromptRules(config.ErrorPrompts))
	if err != nil {
		return nil, &ConfigError{Field: "error_prompts", Reason: err.Error()}
	}

	var cmdHooks *hooks.Runner
	if hasCmdHooks {
		hookEntries := func(entries []HookEntry) []hooks.Command {
			result := make([]hooks.Command, len(entries))
			for i, e := range entries {
				result[i] = hooks.Command{
					Pattern: e.Pattern,
					Path:    e.Command,
					Args:    e.Args,
					Timeout: time.Duration(e.TimeoutSeconds) * time.Second,
				}
			}
			return result
		}
		cmdHooks, err = hooks.NewRunner(hooks.Config{
			DefaultTimeout: time.Duration(config.DefaultHookTimeoutSeconds) * time.Second,
			BeforeQuery:    hookEntries(o.serverHooks.BeforeQuery),
			AfterQuery:     hookEntries(o.serverHooks.AfterQuery),
		}, logger)
		if err != nil {
			return nil, &ConfigError{Field: "server_hooks", Reason: err.Error()}
		}
	}

	metrics, err := telemetry.New(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric instruments: %w", err)
	}

	return &DatabaseMcp{
		config:        config,
		db:            db,
		policy:        policy,
		classifier:    protection.NewClassifier(policy.classifierConfig()),
		cmdHooks:      cmdHooks,
		goBeforeHooks: config.BeforeQueryHooks,
		goAfterHooks:  config.AfterQueryHooks,
		sanitizer:     san,
		redactor:      sanitize.NewRedactor(o.secrets...),
		errPrompts:    matcher,
		timeouts:      tm,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// newTimeoutManager builds the timeout manager from query settings.
func newTimeoutManager(q QueryConfig) (*timeout.Manager, error) {
	def := q.DefaultTimeoutSeconds
	if def == 0 {
		def = defaultTimeoutSeconds
	}
	if def < 0 {
		return nil, &ConfigError{Field: "query.default_timeout_seconds", Reason: "must be positive"}
	}
	ops := make(map[string]time.Duration, len(q.OperationTimeoutSeconds))
	for op, secs := range q.OperationTimeoutSeconds {
		if !IsOperationName(op) {
			return nil, &ConfigError{Field: "query.operation_timeout_seconds", Reason: fmt.Sprintf("unknown operation %q", op)}
		}
		ops[op] = time.Duration(secs) * time.Second
	}
	rules := make([]timeout.Rule, len(q.TimeoutRules))
	for i, r := range q.TimeoutRules {
		rules[i] = timeout.Rule{Pattern: r.Pattern, Timeout: time.Duration(r.TimeoutSeconds) * time.Second}
	}
	tm, err := timeout.NewManager(timeout.Config{
		Default:    time.Duration(def) * time.Second,
		Operations: ops,
		Rules:      rules,
	})
	if err != nil {
		return nil, &ConfigError{Field: "query", Reason: err.Error()}
	}
	return tm, nil
}

// Policy returns the loaded access-control policy.
func (d *DatabaseMcp) Policy() *Policy { return d.policy }

// Dialect reports which engine the collaborator talks to.
func (d *DatabaseMcp) Dialect() database.Dialect { return d.db.Dialect() }

// Ping checks database connectivity.
func (d *DatabaseMcp) Ping(ctx context.Context) error {
	if err := d.db.Ping(ctx); err != nil {
		return &DatabaseError{Operation: "ping", Message: d.redactor.Redact(err.Error()), Err: err}
	}
	return nil
}

// Close releases the collaborator's connections.
func (d *DatabaseMcp) Close() error {
	return d.db.Close()
}

// mapSanitizationRules converts SanitizationRules to internal sanitize.Rules.
func mapSanitizationRules(rules []SanitizationRule) []sanitize.Rule {
	result := make([]sanitize.Rule, len(rules))
	for i, r := range rules {
		result[i] = sanitize.Rule{
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
		}
	}
	return result
}

// mapErrorPromptRules converts ErrorPromptRules to internal errprompt.Rules.
func mapErrorPromptRules(rules []ErrorPromptRule) []errprompt.Rule {
	result := make([]errprompt.Rule, len(rules))
	for i, r := range rules {
		result[i] = errprompt.Rule{
			Pattern:    r.Pattern,
			Message:    r.Message,
			Operations: r.Operations,
		}
	}
	return result
}
