package errprompt

import (
	"reflect"
	"strings"
	"testing"
)

func mustMatcher(t *testing.T, rules ...Rule) *Matcher {
	t.Helper()
	m, err := NewMatcher(rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func TestMatchAccessDenied(t *testing.T) {
	t.Parallel()
	m := mustMatcher(t, Rule{
		Pattern: `(?i)access denied`,
		Message: "The database account lacks privileges. Ask the user to check grants.",
	})
	got, patterns := m.Match("execute_query", "Error 1142: SELECT command denied; access denied for user 'app'")
	if got != "The database account lacks privileges. Ask the user to check grants." {
		t.Fatalf("unexpected message: %q", got)
	}
	if !reflect.DeepEqual(patterns, []string{`(?i)access denied`}) {
		t.Fatalf("unexpected patterns: %v", patterns)
	}
}

func TestMatchNotPermittedTable(t *testing.T) {
	t.Parallel()
	m := mustMatcher(t, Rule{
		Pattern: `not permitted`,
		Message: "Call get_schema to list the tables you may use.",
	})
	got, _ := m.Match("get_table_structure", "table payroll not permitted")
	if got != "Call get_schema to list the tables you may use." {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestNoMatch(t *testing.T) {
	t.Parallel()
	m := mustMatcher(t,
		Rule{Pattern: `(?i)access denied`, Message: "a"},
		Rule{Pattern: `doesn't exist`, Message: "b"},
	)
	got, patterns := m.Match("execute_query", "some other error")
	if got != "" || patterns != nil {
		t.Fatalf("expected no match, got %q %v", got, patterns)
	}
}

func TestMultipleMatchesInOrder(t *testing.T) {
	t.Parallel()
	m := mustMatcher(t,
		Rule{Pattern: `(?i)table`, Message: "first"},
		Rule{Pattern: `doesn't exist`, Message: "second"},
	)
	got, patterns := m.Match("execute_query", "Table 'shop.x' doesn't exist")
	if got != "first\nsecond" {
		t.Fatalf("expected %q, got %q", "first\nsecond", got)
	}
	if len(patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %v", patterns)
	}
}

func TestOperationScope(t *testing.T) {
	t.Parallel()
	m := mustMatcher(t,
		Rule{Pattern: `forbidden verb`, Message: "Only read queries are allowed.", Operations: []string{"execute_query"}},
		Rule{Pattern: `.`, Message: "Generic hint."},
	)

	got, _ := m.Match("execute_query", "forbidden verb DROP")
	if got != "Only read queries are allowed.\nGeneric hint." {
		t.Fatalf("unexpected message for execute_query: %q", got)
	}

	got, _ = m.Match("analyze_data", "forbidden verb DROP")
	if got != "Generic hint." {
		t.Fatalf("scoped rule leaked into analyze_data: %q", got)
	}
}

func TestEmptyAndNilMatcher(t *testing.T) {
	t.Parallel()
	if got, _ := mustMatcher(t).Match("execute_query", "anything"); got != "" {
		t.Fatalf("expected empty string with no rules, got %q", got)
	}
	var m *Matcher
	if got, _ := m.Match("execute_query", "anything"); got != "" {
		t.Fatalf("expected empty string from nil matcher, got %q", got)
	}
}

func TestNewMatcherInvalidPattern(t *testing.T) {
	t.Parallel()
	_, err := NewMatcher([]Rule{{Pattern: `[invalid`, Message: "x"}})
	if err == nil {
		t.Fatal("expected error for invalid pattern")
	}
	if !strings.Contains(err.Error(), "error_prompts[0]") || !strings.Contains(err.Error(), "[invalid") {
		t.Fatalf("expected error to name the rule and pattern, got: %s", err)
	}
}
