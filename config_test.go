package dbmcp_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbmcp "github.com/rickchristie/db-mcp"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadServerConfig_JSON(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, "config.json", `{
		"database": {"dialect": "postgres", "host": "db", "port": 5432, "user": "agent", "database": "shop",
			"params": {"sslmode": "disable"}, "read_only": true, "pool": {"max_open_conns": 4, "conn_max_lifetime": "5m"}},
		"security": {"allowed_tables": ["orders"], "allowed_operations": ["select", "explain"], "max_rows": 50},
		"query": {"operation_timeout_seconds": {"get_schema": 60}},
		"server": {"port": 9090, "health_check_enabled": false},
		"error_prompts": [{"pattern": "permission denied", "message": "Ask an admin.", "operations": ["execute_query"]}]
	}`)

	cfg, err := dbmcp.LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Dialect)
	assert.Equal(t, "shop", cfg.Database.Name)
	assert.True(t, cfg.Database.ReadOnly)
	assert.Equal(t, "disable", cfg.Database.Params["sslmode"])
	assert.Equal(t, 4, cfg.Database.Pool.MaxOpenConns)
	assert.Equal(t, []string{"orders"}, cfg.Security.AllowedTables)
	assert.Equal(t, 50, cfg.Security.MaxRows)
	assert.Equal(t, 60, cfg.Query.OperationTimeoutSeconds["get_schema"])
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Server.HealthCheckEnabled)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 30, cfg.Query.DefaultTimeoutSeconds)
	assert.Equal(t, 100000, cfg.Query.MaxSQLLength)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 10, cfg.DefaultHookTimeoutSeconds)
}

func TestLoadServerConfig_YAML(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, "config.yaml", `
database:
  dialect: sqlite
  database: /tmp/shop.db
security:
  allowed_operations: [SELECT, SHOW, DESCRIBE, INSERT]
  max_rows: 25
  protection:
    allow_drop: true
sanitization:
  - pattern: '\d{3}-\d{2}-\d{4}'
    replacement: 'XXX-XX-XXXX'
logging:
  format: text
server_hooks:
  before_query:
    - pattern: '.*'
      command: /usr/local/bin/check
      args: [--strict]
`)

	cfg, err := dbmcp.LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Dialect)
	assert.Equal(t, 25, cfg.Security.MaxRows)
	assert.True(t, cfg.Security.Protection.AllowDrop)
	assert.Len(t, cfg.Sanitization, 1)
	assert.Equal(t, "text", cfg.Logging.Format)
	require.Len(t, cfg.ServerHooks.BeforeQuery, 1)
	assert.Equal(t, []string{"--strict"}, cfg.ServerHooks.BeforeQuery[0].Args)
	// sqlite needs neither host nor user; the mysql default host stays.
	assert.Empty(t, cfg.Database.User)
}

func TestLoadServerConfig_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown json key", "c.json", `{"database": {"dialect": "sqlite", "database": "x"}, "bogus": 1}`, "bogus"},
		{"unknown yaml key", "c.yml", "database:\n  dialect: sqlite\n  database: x\n  passwrd: oops\n", "passwrd"},
		{"bad extension", "c.toml", `database = 1`, "unsupported config extension"},
		{"bad dialect", "c.json", `{"database": {"dialect": "oracle", "database": "x"}}`, "database.dialect: must be one of [mysql postgres sqlite]"},
		{"missing user", "c.json", `{"database": {"dialect": "mysql", "host": "h", "database": "x"}}`, "database.user: is required"},
		{"missing name", "c.json", `{"database": {"dialect": "sqlite"}}`, "database.database: is required"},
		{"bad port", "c.json", `{"database": {"dialect": "sqlite", "database": "x"}, "server": {"port": 70000}}`, "server.port: must be at most 65535"},
		{"bad health path", "c.json", `{"database": {"dialect": "sqlite", "database": "x"}, "server": {"health_check_path": "health"}}`, "server.health_check_path: must start with /"},
		{"bad max rows", "c.json", `{"database": {"dialect": "sqlite", "database": "x"}, "security": {"max_rows": 0}}`, "security.max_rows"},
		{"bad verb", "c.json", `{"database": {"dialect": "sqlite", "database": "x"}, "security": {"allowed_operations": ["SELECT", "NUKE"], "max_rows": 5}}`, "NUKE"},
		{"bad operation timeout", "c.json", `{"database": {"dialect": "sqlite", "database": "x"}, "query": {"operation_timeout_seconds": {"get_all": 5}}}`, "get_all"},
		{"bad prompt op", "c.json", `{"database": {"dialect": "sqlite", "database": "x"}, "error_prompts": [{"pattern": "a", "message": "b", "operations": ["nope"]}]}`, "error_prompts[0].operations"},
		{"bad duration", "c.json", `{"database": {"dialect": "sqlite", "database": "x", "pool": {"conn_max_idle_time": "soon"}}}`, "database.pool.conn_max_idle_time"},
		{"hook without command", "c.json", `{"database": {"dialect": "sqlite", "database": "x"}, "server_hooks": {"after_query": [{"pattern": ".*"}]}}`, "command: is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := dbmcp.LoadServerConfig(writeConfigFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadServerConfig_ValidationErrorsAreConfigErrors(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, "c.json", `{"database": {"dialect": "sqlite", "database": "x"}, "security": {"max_rows": -1}}`)
	_, err := dbmcp.LoadServerConfig(path)
	var cerr *dbmcp.ConfigError
	require.True(t, errors.As(err, &cerr), "got %T", err)
	assert.Equal(t, "security.max_rows", cerr.Field)
}

func TestLoadServerConfig_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := dbmcp.LoadServerConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestWriteServerConfig_RoundTrip(t *testing.T) {
	t.Parallel()
	cfg := dbmcp.DefaultServerConfig()
	cfg.Database = dbmcp.DatabaseConfig{Dialect: "mysql", Host: "db", Port: 3306, User: "agent", Name: "shop"}
	cfg.Security.AllowedTables = []string{"orders", "customers"}

	for _, name := range []string{"nested/config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, dbmcp.WriteServerConfig(path, &cfg))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			loaded, err := dbmcp.LoadServerConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.Database.Name, loaded.Database.Name)
			assert.Equal(t, cfg.Security.AllowedTables, loaded.Security.AllowedTables)
			assert.Equal(t, cfg.Server, loaded.Server)
		})
	}
}

func TestWriteServerConfig_NoPassword(t *testing.T) {
	t.Parallel()
	cfg := dbmcp.DefaultServerConfig()
	cfg.Database = dbmcp.DatabaseConfig{Dialect: "sqlite", Name: "shop.db"}
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, dbmcp.WriteServerConfig(path, &cfg))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(strings.ToLower(string(data)), "password"))
}
