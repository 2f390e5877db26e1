package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	dbmcp "github.com/rickchristie/db-mcp"
	"github.com/rickchristie/db-mcp/database"
)

// validServerConfig returns a minimal valid ServerConfig for testing.
func validServerConfig() dbmcp.ServerConfig {
	cfg := dbmcp.DefaultServerConfig()
	cfg.Database.Dialect = "postgres"
	cfg.Database.Host = "db.internal"
	cfg.Database.Port = 5432
	cfg.Database.User = "agent"
	cfg.Database.Name = "shop"
	cfg.Server.Port = 8080
	return cfg
}

func writeConfigFile(t *testing.T, dir string, config dbmcp.ServerConfig) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := dbmcp.WriteServerConfig(path, &config); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

// Note: Tests using t.Setenv() cannot use t.Parallel() in Go.

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(envConfigPath, "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Fatalf("expected default path, got %q", got)
	}

	t.Setenv(envConfigPath, "/etc/godbmcp.yaml")
	if got := resolveConfigPath(""); got != "/etc/godbmcp.yaml" {
		t.Fatalf("expected env path, got %q", got)
	}
	if got := resolveConfigPath("cli.json"); got != "cli.json" {
		t.Fatalf("expected flag path to win, got %q", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("GODBMCP_TEST_FROM_FILE=file\nGODBMCP_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GODBMCP_TEST_PRESET", "shell")
	t.Setenv("GODBMCP_TEST_FROM_FILE", "")
	os.Unsetenv("GODBMCP_TEST_FROM_FILE")

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("GODBMCP_TEST_FROM_FILE"); got != "file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("GODBMCP_TEST_PRESET"); got != "shell" {
		t.Fatalf("existing variables must not be overridden, got %q", got)
	}

	if err := loadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}

func TestBuildConnConfig(t *testing.T) {
	t.Parallel()
	cfg := validServerConfig().Database
	cfg.Params = map[string]string{"sslmode": "require"}
	cfg.ReadOnly = true
	cfg.Pool.ConnMaxLifetime = "1h"
	cfg.Pool.ConnMaxIdleTime = "90s"

	conn, err := buildConnConfig(cfg, "s3cret", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.Dialect != database.Postgres || conn.Host != "db.internal" || conn.Port != 5432 {
		t.Fatalf("unexpected target: %+v", conn)
	}
	if conn.User != "agent" || conn.Password != "s3cret" || conn.Name != "shop" {
		t.Fatalf("unexpected account: %+v", conn)
	}
	if conn.ConnMaxLifetime != time.Hour || conn.ConnMaxIdleTime != 90*time.Second {
		t.Fatalf("unexpected pool durations: %v %v", conn.ConnMaxLifetime, conn.ConnMaxIdleTime)
	}
	if !conn.ReadOnly || conn.Params["sslmode"] != "require" || conn.MaxOpenConns != 10 {
		t.Fatalf("unexpected settings: %+v", conn)
	}

	conn, err = buildConnConfig(cfg, "", "postgres://u@h/db")
	if err != nil || conn.DSN != "postgres://u@h/db" {
		t.Fatalf("expected DSN passthrough, got %q (%v)", conn.DSN, err)
	}

	cfg.Pool.ConnMaxIdleTime = "soon"
	if _, err := buildConnConfig(cfg, "", ""); err == nil || !strings.Contains(err.Error(), "conn_max_idle_time") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestResolvePassword_SkippedForSQLiteAndDSN(t *testing.T) {
	t.Setenv(envDSN, "")
	cfg := dbmcp.DatabaseConfig{Dialect: "sqlite", Name: "shop.db"}
	pw, source, err := resolvePassword(cfg, zerolog.Nop())
	if err != nil || pw != "" || source != "none" {
		t.Fatalf("sqlite needs no password, got %q %q %v", pw, source, err)
	}

	t.Setenv(envDSN, "mysql://agent@db/shop")
	pw, source, err = resolvePassword(validServerConfig().Database, zerolog.Nop())
	if err != nil || pw != "" || source != "none" {
		t.Fatalf("DSN override needs no password, got %q %q %v", pw, source, err)
	}
}

func TestResolvePassword_FromEnv(t *testing.T) {
	t.Setenv(envDSN, "")
	t.Setenv("GODBMCP_DB_PASSWORD", "from-env")

	pw, source, err := resolvePassword(validServerConfig().Database, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pw != "from-env" || source != "env" {
		t.Fatalf("got %q from %q", pw, source)
	}
}

func TestSetupLogger(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "server.log")

	logger, closeLog := setupLogger(dbmcp.LoggingConfig{Level: "warn", Format: "json", Output: logPath})
	logger.Info().Msg("dropped")
	logger.Warn().Str("k", "v").Msg("kept")
	closeLog()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Fatalf("info must be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"message":"kept"`) || !strings.Contains(out, `"time":`) {
		t.Fatalf("expected JSON line with timestamp: %s", out)
	}

	logger, closeLog = setupLogger(dbmcp.LoggingConfig{Level: "bogus"})
	defer closeLog()
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("unknown level should default to info, got %v", logger.GetLevel())
	}
}

type fakeBackend struct {
	pingErr    error
	summary    string
	summaryErr error
}

func (f *fakeBackend) Ping(context.Context) error { return f.pingErr }

func (f *fakeBackend) SchemaSummary(context.Context) (string, error) {
	return f.summary, f.summaryErr
}

func serveRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestRouter(t *testing.T) {
	t.Parallel()
	settings := validServerConfig().Server
	settings.HealthCheckPath = "/healthz"
	backend := &fakeBackend{summary: "Database shop summary:\n"}
	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r := newRouter(settings, backend, mcpHandler, zerolog.Nop())

	if rec := serveRequest(t, r, http.MethodPost, "/mcp"); rec.Code != http.StatusAccepted {
		t.Fatalf("expected /mcp to reach the MCP handler, got %d", rec.Code)
	}

	rec := serveRequest(t, r, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"database":"connected"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body)
	}

	rec = serveRequest(t, r, http.MethodGet, "/schema")
	if rec.Code != http.StatusOK || rec.Body.String() != "Database shop summary:\n" {
		t.Fatalf("unexpected schema response %d %q", rec.Code, rec.Body)
	}
}

func TestRouter_Failures(t *testing.T) {
	t.Parallel()
	settings := validServerConfig().Server
	backend := &fakeBackend{pingErr: errors.New("connection refused"), summaryErr: errors.New("boom")}
	r := newRouter(settings, backend, http.NotFoundHandler(), zerolog.Nop())

	rec := serveRequest(t, r, http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"status":"unhealthy"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body)
	}

	rec = serveRequest(t, r, http.MethodGet, "/schema")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRouter_OptionalRoutesDisabled(t *testing.T) {
	t.Parallel()
	settings := validServerConfig().Server
	settings.HealthCheckEnabled = false
	settings.SchemaEndpoint = false
	r := newRouter(settings, &fakeBackend{}, http.NotFoundHandler(), zerolog.Nop())

	for _, path := range []string{"/health", "/schema"} {
		if rec := serveRequest(t, r, http.MethodGet, path); rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, rec.Code)
		}
	}
}

func TestRunServe_BadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := validServerConfig()
	cfg.Database.Name = ""
	path := writeConfigFile(t, dir, cfg)

	err := runServe(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "failed to load config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRunServe_SQLite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := validServerConfig()
	cfg.Database = dbmcp.DatabaseConfig{Dialect: "sqlite", Name: filepath.Join(dir, "app.db")}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Logging.Output = filepath.Join(dir, "server.log")
	path := writeConfigFile(t, dir, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, path) }()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server did not become healthy: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}
