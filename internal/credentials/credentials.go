// Package credentials resolves the database password for the CLI. The
// password never lives in the config file: it comes from the environment,
// the OS keyring, or an interactive prompt, in that order.
package credentials

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

// ServiceName is the keyring namespace.
const ServiceName = "godbmcp"

// EnvPassword overrides every other password source.
const EnvPassword = "GODBMCP_DB_PASSWORD"

// ErrNotFound is returned by a Store that holds no secret for the key.
var ErrNotFound = errors.New("credential not found")

// Source says where a resolved password came from.
type Source string

const (
	SourceEnv     Source = "env"
	SourceKeyring Source = "keyring"
	SourcePrompt  Source = "prompt"
	SourceNone    Source = "none"
)

// Store persists secrets by key.
type Store interface {
	Get(key string) (string, error)
	Set(key, secret string) error
	Delete(key string) error
}

// Key names the secret for one database account.
func Key(user, host string, port int, database string) string {
	return fmt.Sprintf("%s@%s:%d/%s", user, host, port, database)
}

type keyringStore struct {
	ring keyring.Keyring
}

// NewStore wraps an opened keyring.
func NewStore(ring keyring.Keyring) Store {
	return &keyringStore{ring: ring}
}

// OpenKeyring opens the OS keyring, falling back to an encrypted file
// keyring under the user's config directory on systems without one.
func OpenKeyring() (Store, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              ServiceName,
		KeychainTrustApplication: true,
		WinCredPrefix:            ServiceName,
		PassPrefix:               ServiceName,
		FileDir:                  dir + "/" + ServiceName + "/keyring",
		FilePasswordFunc:         keyring.TerminalPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return NewStore(ring), nil
}

func (s *keyringStore) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

func (s *keyringStore) Set(key, secret string) error {
	return s.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(secret),
		Label:       ServiceName + " " + key,
		Description: "database password",
	})
}

// Delete looks the key up first: some backends, the in-memory one among
// them, report success when removing a key they do not hold.
func (s *keyringStore) Delete(key string) error {
	if _, err := s.ring.Get(key); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	err := s.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// Resolver looks up a password. Any nil field skips that source.
type Resolver struct {
	Getenv func(string) string
	Store  Store
	Prompt func(label string) (string, error)
}

// Password returns the first password found for key. A keyring failure other
// than ErrNotFound falls through to the prompt; it is reported only when no
// source produced a password.
func (r Resolver) Password(key string) (string, Source, error) {
	if r.Getenv != nil {
		if pw := r.Getenv(EnvPassword); pw != "" {
			return pw, SourceEnv, nil
		}
	}
	var storeErr error
	if r.Store != nil {
		pw, err := r.Store.Get(key)
		switch {
		case err == nil && pw != "":
			return pw, SourceKeyring, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			storeErr = err
		}
	}
	if r.Prompt != nil {
		pw, err := r.Prompt(fmt.Sprintf("Password for %s: ", key))
		if err != nil {
			return "", SourceNone, fmt.Errorf("read password: %w", err)
		}
		return pw, SourcePrompt, nil
	}
	if storeErr != nil {
		return "", SourceNone, fmt.Errorf("keyring lookup: %w", storeErr)
	}
	return "", SourceNone, nil
}

// TerminalPrompt reads a hidden line from in when it is a terminal. It
// returns nil when in is not a terminal, so non-interactive runs never block.
func TerminalPrompt(in *os.File, out io.Writer) func(string) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func(label string) (string, error) {
		fmt.Fprint(out, label)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	}
}
