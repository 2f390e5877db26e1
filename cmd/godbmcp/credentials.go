package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	dbmcp "github.com/rickchristie/db-mcp"
	"github.com/rickchristie/db-mcp/internal/credentials"
)

func credentialsCommand(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the database password stored in the OS keyring",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Store the database password (read from the terminal or stdin)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				key, err := credentialKey(configPath())
				if err != nil {
					return err
				}
				store, err := credentials.OpenKeyring()
				if err != nil {
					return err
				}
				return setCredential(store, key, readSecret(os.Stdin, cmd.ErrOrStderr()), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the stored database password",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				key, err := credentialKey(configPath())
				if err != nil {
					return err
				}
				store, err := credentials.OpenKeyring()
				if err != nil {
					return err
				}
				return deleteCredential(store, key, cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

// credentialKey names the keyring entry for the account in the config file.
func credentialKey(configPath string) (string, error) {
	cfg, err := dbmcp.LoadServerConfig(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.Dialect == "sqlite" {
		return "", errors.New("sqlite databases have no password")
	}
	db := cfg.Database
	return credentials.Key(db.User, db.Host, db.Port, db.Name), nil
}

// readSecret returns a reader for the password: a hidden prompt on a
// terminal, otherwise the first line of in.
func readSecret(in *os.File, prompt io.Writer) func() (string, error) {
	if read := credentials.TerminalPrompt(in, prompt); read != nil {
		return func() (string, error) { return read("Password: ") }
	}
	return func() (string, error) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

func setCredential(store credentials.Store, key string, read func() (string, error), out io.Writer) error {
	secret, err := read()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if secret == "" {
		return errors.New("password must not be empty")
	}
	if err := store.Set(key, secret); err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}
	fmt.Fprintf(out, "Password stored for %s\n", key)
	return nil
}

func deleteCredential(store credentials.Store, key string, out io.Writer) error {
	err := store.Delete(key)
	if errors.Is(err, credentials.ErrNotFound) {
		fmt.Fprintf(out, "No password stored for %s\n", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete password: %w", err)
	}
	fmt.Fprintf(out, "Password deleted for %s\n", key)
	return nil
}
