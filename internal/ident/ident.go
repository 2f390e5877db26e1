// Package ident is the only place where table and column names are checked
// before they are placed into generated SQL.
package ident

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxLength is the longest identifier accepted. It matches the MySQL limit;
// PostgreSQL (63) and SQLite (unbounded) names that exceed it are rejected.
const MaxLength = 64

var safePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Style selects the quoting convention of a SQL dialect.
type Style int

const (
	// Backtick quotes as `name` (MySQL).
	Backtick Style = iota
	// DoubleQuote quotes as "name" (PostgreSQL, SQLite).
	DoubleQuote
)

// Validate returns nil if name is safe for interpolation: ASCII letters,
// digits and underscore only, 1 to MaxLength bytes.
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("identifier must not be empty")
	}
	if len(name) > MaxLength {
		return fmt.Errorf("identifier %q is longer than %d characters", truncate(name), MaxLength)
	}
	if !safePattern.MatchString(name) {
		return fmt.Errorf("unsafe identifier %q: only letters, digits and underscore are allowed", truncate(name))
	}
	return nil
}

// Quote validates name and wraps it in the dialect's identifier quotes.
// A validated name never contains a quote character, so no escaping is needed.
func Quote(name string, style Style) (string, error) {
	if err := Validate(name); err != nil {
		return "", err
	}
	return quote(name, style), nil
}

// MustQuote is Quote for names that were already validated. Panics otherwise.
func MustQuote(name string, style Style) string {
	q, err := Quote(name, style)
	if err != nil {
		panic("ident: " + err.Error())
	}
	return q
}

func quote(name string, style Style) string {
	switch style {
	case DoubleQuote:
		return `"` + name + `"`
	default:
		return "`" + name + "`"
	}
}

// Unquote strips one level of backtick, double-quote or bracket quoting and
// returns the last dot-separated part, so `db`.`users` yields users.
func Unquote(raw string) string {
	parts := strings.Split(raw, ".")
	last := strings.TrimSpace(parts[len(parts)-1])
	last = strings.Trim(last, "`\"[]")
	return last
}

func truncate(s string) string {
	if len(s) <= 80 {
		return s
	}
	return s[:80] + "..."
}
