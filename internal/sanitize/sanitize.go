package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is a regex replacement applied to every string value in result rows.
type Rule struct {
	Pattern     string
	Replacement string
}

type compiledRule struct {
	re          *regexp.Regexp
	replacement string
}

// Sanitizer rewrites string values in returned rows. Nested maps and slices
// (JSON columns) are walked; numbers, booleans and nil pass through.
type Sanitizer struct {
	rules []compiledRule
}

// NewSanitizer compiles rules in order. Returns an error naming the first
// pattern that does not compile.
func NewSanitizer(rules []Rule) (*Sanitizer, error) {
	s := &Sanitizer{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitization[%d]: invalid pattern %q: %w", i, r.Pattern, err)
		}
		s.rules = append(s.rules, compiledRule{re: re, replacement: r.Replacement})
	}
	return s, nil
}

// Enabled reports whether any rule is configured.
func (s *Sanitizer) Enabled() bool {
	return s != nil && len(s.rules) > 0
}

// Rows sanitizes rows in place and returns them.
func (s *Sanitizer) Rows(rows []map[string]any) []map[string]any {
	if !s.Enabled() {
		return rows
	}
	for _, row := range rows {
		for col, v := range row {
			row[col] = s.Value(v)
		}
	}
	return rows
}

// Value sanitizes a single value.
func (s *Sanitizer) Value(v any) any {
	switch val := v.(type) {
	case string:
		return s.String(val)
	case map[string]any:
		for k, inner := range val {
			val[k] = s.Value(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = s.Value(inner)
		}
		return val
	default:
		return v
	}
}

// String applies every rule to str, in configuration order.
func (s *Sanitizer) String(str string) string {
	for _, r := range s.rules {
		str = r.re.ReplaceAllString(str, r.replacement)
	}
	return str
}

const mask = "***"

var (
	reKeyValueSecret = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api_?key)(\s*[=:]\s*)('[^']*'|"[^"]*"|[^\s;,&)]+)`)
	reURLUserInfo    = regexp.MustCompile(`(?i)(\w+://)([^:/@\s]+):([^@\s]+)@`)
	reMySQLDSN       = regexp.MustCompile(`([^\s:/@()]+):([^\s@()]+)@(tcp|unix|udp)\(`)
	reBearer         = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/-]+=*`)
)

// Redactor strips credentials from error text before it is shown to a caller.
// Besides the generic patterns (key=value secrets, URL user-info, go-sql-driver
// DSNs, bearer tokens) it masks any literal secret it was constructed with.
type Redactor struct {
	secrets []string
}

// NewRedactor returns a Redactor that also masks each non-empty literal secret.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if s != "" {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

// Redact returns msg with credentials replaced by ***.
func (r *Redactor) Redact(msg string) string {
	out := msg
	if r != nil {
		for _, s := range r.secrets {
			out = strings.ReplaceAll(out, s, mask)
		}
	}
	out = reURLUserInfo.ReplaceAllString(out, "${1}${2}:"+mask+"@")
	out = reMySQLDSN.ReplaceAllString(out, "${1}:"+mask+"@${3}(")
	out = reKeyValueSecret.ReplaceAllString(out, "${1}${2}"+mask)
	out = reBearer.ReplaceAllString(out, "${1}"+mask)
	return out
}
