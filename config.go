package dbmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rickchristie/db-mcp/internal/validate"
)

// Config is the base configuration used by library mode via New().
type Config struct {
	Security                  SecurityConfig     `json:"security" yaml:"security"`
	Query                     QueryConfig        `json:"query" yaml:"query"`
	ErrorPrompts              []ErrorPromptRule  `json:"error_prompts" yaml:"error_prompts" validate:"dive"`
	Sanitization              []SanitizationRule `json:"sanitization" yaml:"sanitization" validate:"dive"`
	DefaultHookTimeoutSeconds int                `json:"default_hook_timeout_seconds" yaml:"default_hook_timeout_seconds" validate:"gte=0"`

	// Library mode: Go function hooks (not serializable).
	// Mutually exclusive with ServerConfig.ServerHooks.
	BeforeQueryHooks []BeforeQueryHookEntry `json:"-" yaml:"-"`
	AfterQueryHooks  []AfterQueryHookEntry  `json:"-" yaml:"-"`
}

// SecurityConfig is the access-control policy loaded by LoadPolicy.
type SecurityConfig struct {
	// AllowedTables is exact-match; empty means every table.
	AllowedTables     []string         `json:"allowed_tables" yaml:"allowed_tables"`
	AllowedOperations []string         `json:"allowed_operations" yaml:"allowed_operations"`
	MaxRows           int              `json:"max_rows" yaml:"max_rows"`
	Protection        ProtectionConfig `json:"protection" yaml:"protection"`
}

// ProtectionConfig switches off individual dangerous-pattern checks.
// All fields default to false (blocked). Multi-statement and comment
// checks cannot be switched off.
type ProtectionConfig struct {
	AllowDrop               bool `json:"allow_drop" yaml:"allow_drop"`
	AllowTruncate           bool `json:"allow_truncate" yaml:"allow_truncate"`
	AllowDeleteWithoutWhere bool `json:"allow_delete_without_where" yaml:"allow_delete_without_where"`
	AllowUpdateWithoutWhere bool `json:"allow_update_without_where" yaml:"allow_update_without_where"`
	AllowSystemSchema       bool `json:"allow_system_schema" yaml:"allow_system_schema"`
}

// QueryConfig holds query execution settings. Zero values take defaults.
type QueryConfig struct {
	DefaultTimeoutSeconds int `json:"default_timeout_seconds" yaml:"default_timeout_seconds" validate:"gte=0"`
	// OperationTimeoutSeconds overrides the default per operation name,
	// e.g. {"get_schema": 60}.
	OperationTimeoutSeconds map[string]int `json:"operation_timeout_seconds,omitempty" yaml:"operation_timeout_seconds,omitempty" validate:"dive,gt=0"`
	MaxSQLLength            int            `json:"max_sql_length" yaml:"max_sql_length" validate:"gte=0"`
	MaxResultLength         int            `json:"max_result_length" yaml:"max_result_length" validate:"gte=0"`
	TimeoutRules            []TimeoutRule  `json:"timeout_rules" yaml:"timeout_rules" validate:"dive"`
}

// TimeoutRule maps a SQL pattern to a specific timeout duration.
type TimeoutRule struct {
	Pattern        string `json:"pattern" yaml:"pattern" validate:"required"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gt=0"`
}

// ErrorPromptRule maps an error message pattern to a guidance message.
// Operations, when set, limits the rule to those operation names.
type ErrorPromptRule struct {
	Pattern    string   `json:"pattern" yaml:"pattern" validate:"required"`
	Message    string   `json:"message" yaml:"message" validate:"required"`
	Operations []string `json:"operations,omitempty" yaml:"operations,omitempty"`
}

// SanitizationRule defines a regex-based field sanitization rule.
type SanitizationRule struct {
	Pattern     string `json:"pattern" yaml:"pattern" validate:"required"`
	Replacement string `json:"replacement" yaml:"replacement"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ServerConfig embeds Config and adds server-only fields for CLI mode.
type ServerConfig struct {
	Config      `yaml:",inline"`
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Server      ServerSettings    `json:"server" yaml:"server"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	ServerHooks ServerHooksConfig `json:"server_hooks" yaml:"server_hooks"`
}

// DatabaseConfig holds connection parameters for CLI mode. The password is
// never stored here; the CLI resolves it at startup.
type DatabaseConfig struct {
	Dialect  string            `json:"dialect" yaml:"dialect" validate:"required,oneof=mysql postgres sqlite"`
	Host     string            `json:"host" yaml:"host" validate:"required_unless=Dialect sqlite"`
	Port     int               `json:"port" yaml:"port" validate:"gte=0,lte=65535"`
	User     string            `json:"user" yaml:"user" validate:"required_unless=Dialect sqlite"`
	Name     string            `json:"database" yaml:"database" validate:"required"`
	Params   map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	ReadOnly bool              `json:"read_only" yaml:"read_only"`
	Pool     PoolConfig        `json:"pool" yaml:"pool"`
}

// PoolConfig holds connection pool settings. Durations use time.ParseDuration
// syntax.
type PoolConfig struct {
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime string `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime string `json:"conn_max_idle_time,omitempty" yaml:"conn_max_idle_time,omitempty"`
}

// ServerSettings holds HTTP server settings for CLI mode.
type ServerSettings struct {
	Host               string `json:"host" yaml:"host"`
	Port               int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	HealthCheckEnabled bool   `json:"health_check_enabled" yaml:"health_check_enabled"`
	HealthCheckPath    string `json:"health_check_path" yaml:"health_check_path" validate:"required_if=HealthCheckEnabled true,omitempty,startswith=/"`
	SchemaEndpoint     bool   `json:"schema_endpoint" yaml:"schema_endpoint"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=json text"`
	Output string `json:"output" yaml:"output"` // stdout, stderr, or file path
}

// ServerHooksConfig holds command-based hook configuration for CLI mode.
type ServerHooksConfig struct {
	BeforeQuery []HookEntry `json:"before_query" yaml:"before_query" validate:"dive"`
	AfterQuery  []HookEntry `json:"after_query" yaml:"after_query" validate:"dive"`
}

// HookEntry defines a single command-based hook.
type HookEntry struct {
	Pattern        string   `json:"pattern" yaml:"pattern"`
	Command        string   `json:"command" yaml:"command" validate:"required"`
	Args           []string `json:"args" yaml:"args"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
}

// BeforeQueryHook can inspect and modify a query before it is classified.
type BeforeQueryHook interface {
	Run(ctx context.Context, query string) (string, error)
}

// AfterQueryHook can inspect and modify a successful execute_query outcome.
type AfterQueryHook interface {
	Run(ctx context.Context, result *OperationOutcome) (*OperationOutcome, error)
}

// BeforeQueryHookEntry wraps a BeforeQueryHook with metadata.
type BeforeQueryHookEntry struct {
	Name    string
	Timeout time.Duration
	Hook    BeforeQueryHook
}

// AfterQueryHookEntry wraps an AfterQueryHook with metadata.
type AfterQueryHookEntry struct {
	Name    string
	Timeout time.Duration
	Hook    AfterQueryHook
}

const (
	defaultMaxRows         = 1000
	defaultTimeoutSeconds  = 30
	defaultMaxSQLLength    = 100000
	defaultMaxResultLength = 100000
	defaultServerPort      = 8000
)

// DefaultAllowedOperations is used when security.allowed_operations is absent.
var DefaultAllowedOperations = []string{"SELECT", "SHOW", "DESCRIBE"}

// DefaultServerConfig returns the values a config file starts from; keys
// absent from the file keep them.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Config: Config{
			Security: SecurityConfig{
				AllowedOperations: append([]string(nil), DefaultAllowedOperations...),
				MaxRows:           defaultMaxRows,
			},
			Query: QueryConfig{
				DefaultTimeoutSeconds: defaultTimeoutSeconds,
				MaxSQLLength:          defaultMaxSQLLength,
				MaxResultLength:       defaultMaxResultLength,
			},
			DefaultHookTimeoutSeconds: 10,
		},
		Database: DatabaseConfig{
			Dialect: "mysql",
			Host:    "localhost",
			Pool:    PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5},
		},
		Server: ServerSettings{
			Host:               "0.0.0.0",
			Port:               defaultServerPort,
			HealthCheckEnabled: true,
			HealthCheckPath:    "/health",
			SchemaEndpoint:     true,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stderr"},
	}
}

// LoadServerConfig reads a .json, .yaml or .yml config file over
// DefaultServerConfig and validates it. Unknown keys are rejected.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg, err := ReadServerConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadServerConfig decodes a config file over DefaultServerConfig without
// validating it.
func ReadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := DefaultServerConfig()
	if err := decodeConfig(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeConfig(path string, data []byte, cfg *ServerConfig) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		return dec.Decode(cfg)
	case ".json", "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config extension %q (use .json, .yaml or .yml)", filepath.Ext(path))
	}
}

// Validate checks struct rules and the policy. It returns the first problem
// as a *ConfigError.
func (c *ServerConfig) Validate() error {
	if errs := validate.Struct(c); len(errs) > 0 {
		// Fields of the embedded Config are reported under "Config.".
		return &ConfigError{Field: strings.TrimPrefix(errs[0].Field, "Config."), Reason: errs[0].Reason}
	}
	if _, err := LoadPolicy(c.Security); err != nil {
		return err
	}
	for op := range c.Query.OperationTimeoutSeconds {
		if !IsOperationName(op) {
			return &ConfigError{Field: "query.operation_timeout_seconds", Reason: fmt.Sprintf("unknown operation %q", op)}
		}
	}
	for i, r := range c.ErrorPrompts {
		for _, op := range r.Operations {
			if !IsOperationName(op) {
				return &ConfigError{Field: fmt.Sprintf("error_prompts[%d].operations", i), Reason: fmt.Sprintf("unknown operation %q", op)}
			}
		}
	}
	for _, d := range []struct{ field, value string }{
		{"database.pool.conn_max_lifetime", c.Database.Pool.ConnMaxLifetime},
		{"database.pool.conn_max_idle_time", c.Database.Pool.ConnMaxIdleTime},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return &ConfigError{Field: d.field, Reason: err.Error()}
		}
	}
	return nil
}

// WriteServerConfig writes cfg as indented JSON, creating parent directories.
func WriteServerConfig(path string, cfg *ServerConfig) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
