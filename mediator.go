package dbmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/rickchristie/db-mcp/database"
	"github.com/rickchristie/db-mcp/internal/hooks"
	"github.com/rickchristie/db-mcp/internal/protection"
	"github.com/rickchristie/db-mcp/internal/telemetry"
	"github.com/rickchristie/db-mcp/internal/timeout"
)

// Rejection tags, reported on the rejections counter.
const (
	reasonEmptyQuery        = "empty_query"
	reasonQueryTooLong      = "query_too_long"
	reasonForbiddenVerb     = "forbidden_verb"
	reasonDangerousPattern  = "dangerous_pattern"
	reasonTableNotPermitted = "table_not_permitted"
	reasonUnsafeIdentifier  = "unsafe_identifier"
	reasonHookRejected      = "hook_rejected"
)

const truncatedSuffix = "...[truncated] Result is too long! Add limits in your query!"

// trace collects pipeline details for the success log line.
type trace struct {
	sql         string
	beforeHooks int
	afterHooks  int
	timeoutRule string
}

// ExecuteQuery runs caller-supplied SQL. The query passes, in order: the
// length limit, before-query hooks, classification, the referenced-table
// allowlist and the row cap. Nothing reaches the collaborator before all of
// those have accepted it.
func (d *DatabaseMcp) ExecuteQuery(ctx context.Context, in ExecuteQueryInput) *OperationOutcome {
	const op = OpExecuteQuery
	start := time.Now()
	ctx = timeout.WithOperation(ctx, op)
	sql := in.Query

	if len(sql) > d.config.Query.MaxSQLLength {
		return d.fail(ctx, op, start, rejected(reasonQueryTooLong,
			"SQL query too long: %d bytes exceeds maximum of %d bytes", len(sql), d.config.Query.MaxSQLLength))
	}

	tr := trace{}
	sql, n, err := d.runBeforeHooks(ctx, sql)
	if err != nil {
		return d.fail(ctx, op, start, err)
	}
	tr.beforeHooks = n

	if err := d.check(sql); err != nil {
		return d.fail(ctx, op, start, err)
	}

	sql = capRows(sql, d.policy.MaxRows())
	tr.sql = sql
	_, tr.timeoutRule = d.timeouts.Resolve(op, sql)

	rs, err := d.db.Execute(ctx, sql, d.policy.MaxRows())
	if err != nil {
		return d.fail(ctx, op, start, d.databaseError(op, err))
	}
	out := outcomeFromResult(rs)

	out, n, err = d.runAfterHooks(ctx, out)
	if err != nil {
		return d.fail(ctx, op, start, err)
	}
	tr.afterHooks = n

	return d.finish(ctx, op, start, out, tr, true)
}

// check classifies sql and, when the allowlist is restricted, verifies every
// table it references.
func (d *DatabaseMcp) check(sql string) error {
	res := d.classifier.Classify(sql)
	switch res.Kind {
	case protection.Permitted:
	case protection.ForbiddenVerb:
		if res.Verb == "" {
			return rejected(reasonEmptyQuery, "%s", res.Err())
		}
		return rejected(reasonForbiddenVerb, "%s", res.Err())
	default:
		return rejected(reasonDangerousPattern, "%s", res.Err())
	}
	if !d.policy.Restricted() {
		return nil
	}
	for _, table := range protection.ReferencedTables(sql) {
		if !d.policy.CheckTableAllowed(table) {
			return d.policy.tableNotPermitted(table)
		}
	}
	return nil
}

var (
	reTrailingLimit = regexp.MustCompile(`(?is)\bLIMIT\s+\d+(\s*(,|OFFSET)\s*\d+)?$`)
	reNoRowCap      = regexp.MustCompile(`(?is)(\bFOR\s+(UPDATE|SHARE)\b|\bLOCK\s+IN\s+SHARE\s+MODE\b|\bINTO\b|\bFETCH\s+(FIRST|NEXT)\b)`)
	reDataChanging  = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE)\b`)
)

// capRows appends LIMIT maxRows+1 to a SELECT (or a read-only WITH) that has
// no trailing LIMIT of its own, so the collaborator can detect has_more.
// Statements where a LIMIT clause would be invalid are left alone; the
// collaborator still stops reading at maxRows.
func capRows(sql string, maxRows int) string {
	verb := protection.LeadingVerb(sql)
	if verb != "SELECT" && verb != "WITH" {
		return sql
	}
	trimmed := strings.TrimSpace(sql)
	trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	if verb == "WITH" && reDataChanging.MatchString(trimmed) {
		return sql
	}
	if reTrailingLimit.MatchString(trimmed) || reNoRowCap.MatchString(trimmed) {
		return sql
	}
	return trimmed + " LIMIT " + strconv.Itoa(maxRows+1)
}

func outcomeFromResult(rs *database.ResultSet) *OperationOutcome {
	out := &OperationOutcome{Success: true}
	if rs.ReturnsRows {
		out.Data = rs.Rows
		out.RowCount = intPtr(len(rs.Rows))
		out.Columns = rs.Columns
		out.HasMore = rs.HasMore
		return out
	}
	affected := rs.RowsAffected
	out.RowsAffected = &affected
	return out
}

// databaseError converts a collaborator failure. The message is redacted
// here, once, so neither the caller nor the log ever sees credentials.
func (d *DatabaseMcp) databaseError(op string, err error) *DatabaseError {
	msg := d.redactor.Redact(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		if !strings.Contains(msg, "deadline exceeded") {
			msg += ": context deadline exceeded"
		}
		msg = "query timed out: " + msg
	case errors.Is(err, context.Canceled):
		msg = "query cancelled: " + msg
	}
	return &DatabaseError{Operation: op, Message: msg, Err: err}
}

// runBeforeHooks runs Go hooks or command hooks, whichever is configured.
func (d *DatabaseMcp) runBeforeHooks(ctx context.Context, sql string) (string, int, error) {
	if len(d.goBeforeHooks) > 0 {
		out, err := d.runGoBeforeHooks(ctx, sql)
		return out, len(d.goBeforeHooks), err
	}
	if d.cmdHooks.BeforeCount() == 0 {
		return sql, 0, nil
	}
	out, err := d.cmdHooks.BeforeQuery(ctx, sql)
	return out, d.cmdHooks.BeforeCount(), hookError(err)
}

// runAfterHooks passes a successful outcome through the after-query chain.
func (d *DatabaseMcp) runAfterHooks(ctx context.Context, out *OperationOutcome) (*OperationOutcome, int, error) {
	if len(d.goAfterHooks) > 0 {
		res, err := d.runGoAfterHooks(ctx, out)
		return res, len(d.goAfterHooks), err
	}
	if d.cmdHooks.AfterCount() == 0 {
		return out, 0, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, 0, err
	}
	modified, err := d.cmdHooks.AfterQuery(ctx, string(raw))
	if err != nil {
		return nil, 0, hookError(err)
	}
	res := &OperationOutcome{}
	dec := json.NewDecoder(strings.NewReader(modified))
	dec.UseNumber()
	if err := dec.Decode(res); err != nil {
		return nil, 0, fmt.Errorf("after_query hook returned an invalid result: %w", err)
	}
	return res, d.cmdHooks.AfterCount(), nil
}

// hookError turns an explicit hook rejection into a ValidationError; other
// hook failures stay plain errors.
func hookError(err error) error {
	var rej *hooks.RejectedError
	if errors.As(err, &rej) {
		return rejected(reasonHookRejected, "%s hook rejected the request: %s", rej.Stage, rej.Message)
	}
	return err
}

// runGoBeforeHooks runs Go-interface BeforeQuery hooks in middleware chain.
func (d *DatabaseMcp) runGoBeforeHooks(ctx context.Context, sql string) (string, error) {
	for _, entry := range d.goBeforeHooks {
		timeout := d.hookTimeout(entry.Timeout)
		hookCtx, cancel := context.WithTimeout(ctx, timeout)

		modified, err := entry.Hook.Run(hookCtx, sql)
		cancel()
		if err != nil {
			if errors.Is(hookCtx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("before_query hook %s timed out after %s", entry.Name, timeout)
			}
			return "", rejected(reasonHookRejected, "before_query hook %s rejected the query: %v", entry.Name, err)
		}
		sql = modified
	}
	return sql, nil
}

// runGoAfterHooks runs Go-interface AfterQuery hooks in middleware chain.
func (d *DatabaseMcp) runGoAfterHooks(ctx context.Context, result *OperationOutcome) (*OperationOutcome, error) {
	for _, entry := range d.goAfterHooks {
		timeout := d.hookTimeout(entry.Timeout)
		hookCtx, cancel := context.WithTimeout(ctx, timeout)

		modified, err := entry.Hook.Run(hookCtx, result)
		cancel()
		if err != nil {
			if errors.Is(hookCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("after_query hook %s timed out after %s", entry.Name, timeout)
			}
			return nil, rejected(reasonHookRejected, "after_query hook %s rejected the result: %v", entry.Name, err)
		}
		if modified == nil {
			return nil, fmt.Errorf("after_query hook %s returned no result", entry.Name)
		}
		result = modified
	}
	return result, nil
}

func (d *DatabaseMcp) hookTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return time.Duration(d.config.DefaultHookTimeoutSeconds) * time.Second
}

// finish applies sanitization (when sanitize is set) and the result length
// limit, then logs and records the outcome.
func (d *DatabaseMcp) finish(ctx context.Context, op string, start time.Time, out *OperationOutcome, tr trace, sanitize bool) *OperationOutcome {
	sanitized := sanitize && d.sanitizer.Enabled() && len(out.Data) > 0
	if sanitized {
		out.Data = d.sanitizer.Rows(out.Data)
	}
	out.ExecutionTimeMs = millis(time.Since(start))

	if d.truncateIfNeeded(out) {
		return d.fail(ctx, op, start, errors.New(out.Error))
	}

	logEvent := d.logger.Info().
		Str("operation", op).
		Dur("duration", time.Since(start))
	if tr.sql != "" {
		logEvent = logEvent.Str("sql", truncateForLog(tr.sql, 200))
	}
	if out.RowCount != nil {
		logEvent = logEvent.Int("row_count", *out.RowCount)
	}
	if out.HasMore {
		logEvent = logEvent.Bool("has_more", true)
	}
	if out.RowsAffected != nil {
		logEvent = logEvent.Int64("rows_affected", *out.RowsAffected)
	}
	if tr.beforeHooks > 0 {
		logEvent = logEvent.Int("before_hooks", tr.beforeHooks)
	}
	if tr.afterHooks > 0 {
		logEvent = logEvent.Int("after_hooks", tr.afterHooks)
	}
	if tr.timeoutRule != "" {
		logEvent = logEvent.Str("timeout_rule", tr.timeoutRule)
	}
	if sanitized {
		logEvent = logEvent.Bool("sanitized", true)
	}
	logEvent.Msg("operation succeeded")

	d.metrics.Record(ctx, op, telemetry.OutcomeSuccess, time.Since(start))
	return out
}

// fail converts any error into a failed outcome. The message is evaluated
// against error_prompts and matching prompt messages are appended.
func (d *DatabaseMcp) fail(ctx context.Context, op string, start time.Time, err error) *OperationOutcome {
	errMsg := err.Error()
	prompt, patterns := d.errPrompts.Match(op, errMsg)

	var logEvent *zerolog.Event
	outcome := telemetry.OutcomeError
	var verr *ValidationError
	if errors.As(err, &verr) {
		logEvent = d.logger.Warn()
		outcome = telemetry.OutcomeRejected
		d.metrics.Reject(ctx, op, verr.Tag)
	} else {
		logEvent = d.logger.Error()
	}
	logEvent = logEvent.Str("operation", op).Str("error", truncateForLog(errMsg, 500))
	if len(patterns) > 0 {
		logEvent = logEvent.Strs("error_prompts", patterns)
	}
	logEvent.Msg("operation failed")
	d.metrics.Record(ctx, op, outcome, time.Since(start))

	if prompt != "" {
		errMsg = errMsg + "\n\n" + prompt
	}
	return &OperationOutcome{Success: false, Error: errMsg, ExecutionTimeMs: millis(time.Since(start))}
}

// truncateIfNeeded reports whether the JSON-encoded data exceeds
// MaxResultLength (in characters). When it does, out becomes a failure
// carrying a truncated preview.
func (d *DatabaseMcp) truncateIfNeeded(out *OperationOutcome) bool {
	if len(out.Data) == 0 {
		return false
	}
	jsonBytes, _ := json.Marshal(out.Data)
	jsonStr := string(jsonBytes)
	if utf8.RuneCountInString(jsonStr) <= d.config.Query.MaxResultLength {
		return false
	}
	runes := []rune(jsonStr)
	*out = OperationOutcome{
		Success: false,
		Error:   string(runes[:d.config.Query.MaxResultLength]) + truncatedSuffix,
	}
	return true
}

// truncateForLog truncates a string for log output to avoid oversized log entries.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	truncateAt := maxLen
	for truncateAt > 0 && !utf8.RuneStart(s[truncateAt]) {
		truncateAt--
	}
	return s[:truncateAt] + "...[truncated]"
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
