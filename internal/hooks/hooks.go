package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config is the hook runner's own config type.
type Config struct {
	DefaultTimeout time.Duration
	BeforeQuery    []Command
	AfterQuery     []Command
}

// Command is one external hook. It runs when Pattern matches its input.
type Command struct {
	Pattern string
	Path    string
	Args    []string
	Timeout time.Duration // 0 uses Config.DefaultTimeout
}

// Response is the JSON a hook writes to stdout. Before-query hooks may set
// ModifiedQuery, after-query hooks ModifiedResult.
type Response struct {
	Accept         bool   `json:"accept"`
	ModifiedQuery  string `json:"modified_query,omitempty"`
	ModifiedResult string `json:"modified_result,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// RejectedError is returned when a hook answers accept=false.
type RejectedError struct {
	Stage   string
	Message string
}

func (e *RejectedError) Error() string { return e.Message }

type hook struct {
	re      *regexp.Regexp
	path    string
	args    []string
	timeout time.Duration
}

// Runner executes the configured hooks as a chain: each matching hook sees
// the output of the previous one.
type Runner struct {
	before []hook
	after  []hook
	logger zerolog.Logger
}

// NewRunner validates and compiles the hook configuration.
func NewRunner(config Config, logger zerolog.Logger) (*Runner, error) {
	if config.DefaultTimeout <= 0 && (len(config.BeforeQuery) > 0 || len(config.AfterQuery) > 0) {
		return nil, errors.New("hooks: default timeout must be positive when hooks are configured")
	}
	before, err := compile("before_query", config.BeforeQuery, config.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	after, err := compile("after_query", config.AfterQuery, config.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return &Runner{before: before, after: after, logger: logger}, nil
}

func compile(stage string, cmds []Command, fallback time.Duration) ([]hook, error) {
	out := make([]hook, 0, len(cmds))
	for i, c := range cmds {
		if c.Path == "" {
			return nil, fmt.Errorf("hooks: %s[%d]: command is required", stage, i)
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("hooks: %s[%d]: invalid pattern %q: %w", stage, i, c.Pattern, err)
		}
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = fallback
		}
		out = append(out, hook{re: re, path: c.Path, args: c.Args, timeout: timeout})
	}
	return out, nil
}

// BeforeCount is the number of configured before-query hooks.
func (r *Runner) BeforeCount() int {
	if r == nil {
		return 0
	}
	return len(r.before)
}

// AfterCount is the number of configured after-query hooks.
func (r *Runner) AfterCount() int {
	if r == nil {
		return 0
	}
	return len(r.after)
}

// BeforeQuery passes sql through every matching before-query hook and
// returns the possibly rewritten query.
func (r *Runner) BeforeQuery(ctx context.Context, sql string) (string, error) {
	if r == nil {
		return sql, nil
	}
	return r.chain(ctx, "before_query", r.before, sql, func(resp Response) string { return resp.ModifiedQuery })
}

// AfterQuery passes the outcome JSON through every matching after-query hook.
func (r *Runner) AfterQuery(ctx context.Context, outcomeJSON string) (string, error) {
	if r == nil {
		return outcomeJSON, nil
	}
	return r.chain(ctx, "after_query", r.after, outcomeJSON, func(resp Response) string { return resp.ModifiedResult })
}

func (r *Runner) chain(ctx context.Context, stage string, hooks []hook, input string, modified func(Response) string) (string, error) {
	current := input
	for _, h := range hooks {
		if !h.re.MatchString(current) {
			continue
		}
		out, err := r.run(ctx, h, current)
		if err != nil {
			return "", fmt.Errorf("%s hook: %w", stage, err)
		}
		var resp Response
		if err := json.Unmarshal(out, &resp); err != nil {
			return "", fmt.Errorf("%s hook %s returned invalid JSON: %w", stage, h.path, err)
		}
		if !resp.Accept {
			msg := resp.ErrorMessage
			if msg == "" {
				msg = "rejected by " + stage + " hook"
			}
			return "", &RejectedError{Stage: stage, Message: msg}
		}
		if m := modified(resp); m != "" {
			current = m
		}
	}
	return current, nil
}

// run executes the command directly (no shell) with input on stdin.
func (r *Runner) run(ctx context.Context, h hook, input string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.path, h.args...)
	cmd.Stdin = strings.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	out, err := cmd.Output()
	if stderr.Len() > 0 {
		ev := r.logger.Debug()
		if err != nil {
			ev = r.logger.Warn()
		}
		ev.Str("command", h.path).Str("stderr", stderr.String()).Msg("hook stderr")
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %s", h.path, h.timeout)
		}
		return nil, fmt.Errorf("%s failed: %w", h.path, err)
	}
	return out, nil
}
