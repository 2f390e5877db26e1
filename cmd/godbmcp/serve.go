package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	dbmcp "github.com/rickchristie/db-mcp"
	"github.com/rickchristie/db-mcp/database"
	"github.com/rickchristie/db-mcp/internal/credentials"
)

// envDSN replaces the structured database fields and the password lookup.
const envDSN = "GODBMCP_DSN"

const shutdownTimeout = 10 * time.Second

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func serveCommand(configPath func() string) *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath())
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment (skipped when missing)")
	return cmd
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func runServe(ctx context.Context, configPath string) error {
	// 1. Load ServerConfig
	serverConfig, err := dbmcp.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Setup logger
	logger, closeLog := setupLogger(serverConfig.Logging)
	defer closeLog()

	// 3. Resolve connection settings
	password, source, err := resolvePassword(serverConfig.Database, logger)
	if err != nil {
		return err
	}
	conn, err := buildConnConfig(serverConfig.Database, password, os.Getenv(envDSN))
	if err != nil {
		return err
	}
	logger.Info().
		Str("dialect", string(conn.Dialect)).
		Str("database", serverConfig.Database.Name).
		Str("password_source", string(source)).
		Msg("testing database connection")

	// 4. Open the database, which pings it
	var opts []dbmcp.Option
	if len(serverConfig.ServerHooks.BeforeQuery) > 0 || len(serverConfig.ServerHooks.AfterQuery) > 0 {
		opts = append(opts, dbmcp.WithServerHooks(serverConfig.ServerHooks))
	}
	d, err := dbmcp.Open(ctx, conn, serverConfig.Config, logger, opts...)
	if err != nil {
		logger.Error().Err(err).Msg("database connection test failed")
		return fmt.Errorf("database connection test failed: %w", err)
	}
	defer d.Close()
	logger.Info().Msg("database connection test successful")

	// 5. Create MCP server with initialize lifecycle logging
	mcpServer := newMCPServer(d, logger)
	streamable := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)

	// 6. Serve until the context is cancelled
	addr := net.JoinHostPort(serverConfig.Server.Host, strconv.Itoa(serverConfig.Server.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(serverConfig.Server, d, streamable, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting godbmcp server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down godbmcp server")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newMCPServer(d *dbmcp.DatabaseMcp, logger zerolog.Logger) *server.MCPServer {
	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, id any, req *mcp.InitializeRequest, result *mcp.InitializeResult) {
		logger.Info().
			Str("client_name", req.Params.ClientInfo.Name).
			Str("client_version", req.Params.ClientInfo.Version).
			Msg("AI agent connected (MCP initialize)")
	})

	mcpServer := server.NewMCPServer("godbmcp", version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, false),
		server.WithHooks(hooks),
	)
	dbmcp.RegisterMCPTools(mcpServer, d)
	dbmcp.RegisterMCPResources(mcpServer, d)
	return mcpServer
}

// backend is what the HTTP routes need from a DatabaseMcp.
type backend interface {
	Ping(ctx context.Context) error
	SchemaSummary(ctx context.Context) (string, error)
}

// newRouter mounts the MCP endpoint, the optional health check and the
// optional schema summary on a gin engine.
func newRouter(settings dbmcp.ServerSettings, b backend, mcpHandler http.Handler, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.Any("/mcp", gin.WrapH(mcpHandler))

	if settings.HealthCheckEnabled {
		r.GET(settings.HealthCheckPath, func(c *gin.Context) {
			if err := b.Ping(c.Request.Context()); err != nil {
				logger.Warn().Err(err).Msg("health check failed")
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "disconnected"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "connected"})
		})
	}

	if settings.SchemaEndpoint {
		r.GET("/schema", func(c *gin.Context) {
			summary, err := b.SchemaSummary(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.String(http.StatusOK, summary)
		})
	}
	return r
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

// resolvePassword returns the database password from the environment, the
// OS keyring or a terminal prompt. SQLite and GODBMCP_DSN need none.
func resolvePassword(cfg dbmcp.DatabaseConfig, logger zerolog.Logger) (string, credentials.Source, error) {
	if cfg.Dialect == string(database.SQLite) || os.Getenv(envDSN) != "" {
		return "", credentials.SourceNone, nil
	}
	resolver := credentials.Resolver{
		Getenv: os.Getenv,
		Prompt: credentials.TerminalPrompt(os.Stdin, os.Stderr),
	}
	if os.Getenv(credentials.EnvPassword) == "" {
		store, err := credentials.OpenKeyring()
		if err != nil {
			logger.Warn().Err(err).Msg("keyring unavailable")
		} else {
			resolver.Store = store
		}
	}
	pw, source, err := resolver.Password(credentials.Key(cfg.User, cfg.Host, cfg.Port, cfg.Name))
	if err != nil {
		return "", source, fmt.Errorf("failed to resolve database password: %w", err)
	}
	return pw, source, nil
}

// buildConnConfig maps the config file's database section onto a
// database.Config. dsn, when set, replaces the structured fields.
func buildConnConfig(cfg dbmcp.DatabaseConfig, password, dsn string) (database.Config, error) {
	conn := database.Config{
		Dialect:      database.Dialect(cfg.Dialect),
		DSN:          dsn,
		Host:         cfg.Host,
		Port:         cfg.Port,
		User:         cfg.User,
		Password:     password,
		Name:         cfg.Name,
		Params:       cfg.Params,
		MaxOpenConns: cfg.Pool.MaxOpenConns,
		MaxIdleConns: cfg.Pool.MaxIdleConns,
		ReadOnly:     cfg.ReadOnly,
	}
	var err error
	if conn.ConnMaxLifetime, err = parseOptionalDuration(cfg.Pool.ConnMaxLifetime); err != nil {
		return conn, fmt.Errorf("invalid database.pool.conn_max_lifetime: %w", err)
	}
	if conn.ConnMaxIdleTime, err = parseOptionalDuration(cfg.Pool.ConnMaxIdleTime); err != nil {
		return conn, fmt.Errorf("invalid database.pool.conn_max_idle_time: %w", err)
	}
	return conn, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// setupLogger builds the server logger. The returned func closes the log
// file, if one was opened.
func setupLogger(config dbmcp.LoggingConfig) (zerolog.Logger, func()) {
	level := zerolog.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	closeFn := func() {}
	var output io.Writer = os.Stderr
	if config.Output == "stdout" {
		output = os.Stdout
	} else if config.Output != "" && config.Output != "stderr" {
		f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			output = f
			closeFn = func() { _ = f.Close() }
		} else {
			fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s, logging to stderr: %v\n", config.Output, err)
		}
	}

	if config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger(), closeFn
}
