package timeout

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Rule overrides the timeout for SQL matching Pattern.
type Rule struct {
	Pattern string
	Timeout time.Duration
}

// Config is the timeout manager's own config type.
type Config struct {
	// Default applies when neither a rule nor an operation override matches.
	Default time.Duration
	// Operations maps an operation name to its own default.
	Operations map[string]time.Duration
	// Rules are checked first, top to bottom. First match wins.
	Rules []Rule
}

type compiledRule struct {
	re      *regexp.Regexp
	timeout time.Duration
}

// Manager resolves the deadline for one database call.
type Manager struct {
	rules      []compiledRule
	operations map[string]time.Duration
	fallback   time.Duration
}

// NewManager compiles the rule patterns.
func NewManager(config Config) (*Manager, error) {
	if config.Default <= 0 {
		return nil, fmt.Errorf("timeout: default must be positive, got %s", config.Default)
	}
	m := &Manager{
		rules:      make([]compiledRule, 0, len(config.Rules)),
		operations: make(map[string]time.Duration, len(config.Operations)),
		fallback:   config.Default,
	}
	for i, r := range config.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("timeout rule %d: invalid pattern %q: %w", i, r.Pattern, err)
		}
		if r.Timeout <= 0 {
			return nil, fmt.Errorf("timeout rule %d: timeout must be positive", i)
		}
		m.rules = append(m.rules, compiledRule{re: re, timeout: r.Timeout})
	}
	for op, d := range config.Operations {
		if d > 0 {
			m.operations[op] = d
		}
	}
	return m, nil
}

// Resolve returns the timeout for sql issued by operation, and the rule
// pattern that selected it (empty when a default was used).
func (m *Manager) Resolve(operation, sql string) (time.Duration, string) {
	for _, r := range m.rules {
		if r.re.MatchString(sql) {
			return r.timeout, r.re.String()
		}
	}
	if d, ok := m.operations[operation]; ok {
		return d, ""
	}
	return m.fallback, ""
}

// Apply derives a context bounded by the resolved timeout. The operation
// name is read from ctx (see WithOperation).
func (m *Manager) Apply(ctx context.Context, sql string) (context.Context, context.CancelFunc) {
	if m == nil {
		return context.WithCancel(ctx)
	}
	d, _ := m.Resolve(OperationFrom(ctx), sql)
	return context.WithTimeout(ctx, d)
}

type operationKey struct{}

// WithOperation tags ctx with the operation issuing the database call.
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, operationKey{}, operation)
}

// OperationFrom returns the operation tagged by WithOperation, or "".
func OperationFrom(ctx context.Context) string {
	op, _ := ctx.Value(operationKey{}).(string)
	return op
}
