package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rickchristie/db-mcp/internal/configure"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	envConfigPath     = "GODBMCP_CONFIG_PATH"
	defaultConfigPath = ".godbmcp/config.json"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	cmd := &cobra.Command{
		Use:           "godbmcp",
		Short:         "Database MCP Server",
		Long:          "godbmcp exposes a MySQL, PostgreSQL or SQLite database to AI agents over MCP,\nbehind a table allowlist and statement policy.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFlag, "config", "",
		fmt.Sprintf("path to configuration file (env %s, default %s)", envConfigPath, defaultConfigPath))

	configPath := func() string { return resolveConfigPath(configFlag) }
	cmd.AddCommand(
		serveCommand(configPath),
		configureCommand(configPath),
		doctorCommand(configPath),
		credentialsCommand(configPath),
		versionCommand(),
	)
	return cmd
}

// resolveConfigPath prefers the --config flag, then GODBMCP_CONFIG_PATH.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(envConfigPath); env != "" {
		return env
	}
	return defaultConfigPath
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "godbmcp %s\n", version)
		},
	}
}

func configureCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Run interactive configuration wizard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			printBanner(os.Stderr, isTTY(os.Stderr.Fd()))
			return configure.Run(configPath())
		},
	}
}
