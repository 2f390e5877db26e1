package errprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule maps an error-message pattern to guidance for the agent.
// Operations, when non-empty, limits the rule to those operation names.
type Rule struct {
	Pattern    string
	Message    string
	Operations []string
}

type compiledRule struct {
	re         *regexp.Regexp
	message    string
	operations map[string]struct{}
}

func (r compiledRule) appliesTo(operation string) bool {
	if len(r.operations) == 0 {
		return true
	}
	_, ok := r.operations[operation]
	return ok
}

// Matcher looks up guidance prompts for failed operations.
type Matcher struct {
	rules []compiledRule
}

// NewMatcher compiles rules. Returns an error naming the first bad pattern.
func NewMatcher(rules []Rule) (*Matcher, error) {
	m := &Matcher{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("error_prompts[%d]: invalid pattern %q: %w", i, r.Pattern, err)
		}
		cr := compiledRule{re: re, message: r.Message}
		if len(r.Operations) > 0 {
			cr.operations = make(map[string]struct{}, len(r.Operations))
			for _, op := range r.Operations {
				cr.operations[op] = struct{}{}
			}
		}
		m.rules = append(m.rules, cr)
	}
	return m, nil
}

// Match returns the messages of every rule that applies to operation and
// matches errMsg, in configuration order, joined by newlines. The second
// return value lists the matched patterns for logging.
func (m *Matcher) Match(operation, errMsg string) (string, []string) {
	if m == nil {
		return "", nil
	}
	var messages, patterns []string
	for _, r := range m.rules {
		if !r.appliesTo(operation) || !r.re.MatchString(errMsg) {
			continue
		}
		messages = append(messages, r.message)
		patterns = append(patterns, r.re.String())
	}
	return strings.Join(messages, "\n"), patterns
}
