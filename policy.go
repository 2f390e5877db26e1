package dbmcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/rickchristie/db-mcp/internal/protection"
)

// Policy is the loaded access-control configuration. It is never mutated
// after LoadPolicy, so it is safe to share between concurrent operations.
type Policy struct {
	allowedTables     map[string]struct{}
	tableNames        []string
	allowedOperations map[string]struct{}
	operationNames    []string
	maxRows           int
	protection        ProtectionConfig
}

// LoadPolicy validates cfg and builds a Policy. It fails with *ConfigError
// when max_rows is not positive, when a verb is not a recognized SQL verb or
// when a table name is empty.
func LoadPolicy(cfg SecurityConfig) (*Policy, error) {
	if cfg.MaxRows <= 0 {
		return nil, &ConfigError{Field: "security.max_rows", Reason: fmt.Sprintf("must be positive, got %d", cfg.MaxRows)}
	}
	p := &Policy{
		allowedTables:     make(map[string]struct{}, len(cfg.AllowedTables)),
		allowedOperations: make(map[string]struct{}, len(cfg.AllowedOperations)),
		maxRows:           cfg.MaxRows,
		protection:        cfg.Protection,
	}
	for i, op := range cfg.AllowedOperations {
		verb := strings.ToUpper(strings.TrimSpace(op))
		if !protection.IsRecognizedVerb(verb) {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("security.allowed_operations[%d]", i),
				Reason: fmt.Sprintf("%q is not a recognized SQL verb (recognized: %s)", op, strings.Join(protection.RecognizedVerbs(), ", ")),
			}
		}
		if _, dup := p.allowedOperations[verb]; !dup {
			p.allowedOperations[verb] = struct{}{}
			p.operationNames = append(p.operationNames, verb)
		}
	}
	for i, t := range cfg.AllowedTables {
		if strings.TrimSpace(t) == "" {
			return nil, &ConfigError{Field: fmt.Sprintf("security.allowed_tables[%d]", i), Reason: "table name must not be empty"}
		}
		if _, dup := p.allowedTables[t]; !dup {
			p.allowedTables[t] = struct{}{}
			p.tableNames = append(p.tableNames, t)
		}
	}
	sort.Strings(p.tableNames)
	return p, nil
}

// Restricted reports whether an allowed_tables list is in force.
func (p *Policy) Restricted() bool { return len(p.allowedTables) > 0 }

// AllowedTables returns the allowlist in sorted order (nil when unrestricted).
func (p *Policy) AllowedTables() []string { return append([]string(nil), p.tableNames...) }

// AllowedOperations returns the upper-cased verbs in configuration order.
func (p *Policy) AllowedOperations() []string { return append([]string(nil), p.operationNames...) }

func (p *Policy) MaxRows() int { return p.maxRows }

func (p *Policy) Protection() ProtectionConfig { return p.protection }

// CheckTableAllowed is true when the allowlist is empty or holds table
// exactly (case-sensitive).
func (p *Policy) CheckTableAllowed(table string) bool {
	if len(p.allowedTables) == 0 {
		return true
	}
	_, ok := p.allowedTables[table]
	return ok
}

// classifierConfig maps the policy onto the query classifier.
func (p *Policy) classifierConfig() protection.Config {
	return protection.Config{
		AllowedOperations:       p.operationNames,
		AllowDrop:               p.protection.AllowDrop,
		AllowTruncate:           p.protection.AllowTruncate,
		AllowDeleteWithoutWhere: p.protection.AllowDeleteWithoutWhere,
		AllowUpdateWithoutWhere: p.protection.AllowUpdateWithoutWhere,
		AllowSystemSchema:       p.protection.AllowSystemSchema,
	}
}

const maxSuggestions = 3

// suggestTables fuzzy-matches name against the allowlist. It returns nothing
// when the policy is unrestricted.
func (p *Policy) suggestTables(name string) []string {
	if len(p.tableNames) == 0 || name == "" {
		return nil
	}
	matches := fuzzy.Find(strings.ToLower(name), lowered(p.tableNames))
	var out []string
	for _, m := range matches {
		out = append(out, p.tableNames[m.Index])
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

func lowered(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// tableNotPermitted builds the rejection for a table outside the allowlist.
func (p *Policy) tableNotPermitted(table string) *ValidationError {
	err := rejected(reasonTableNotPermitted, "table %s not permitted", table)
	if s := p.suggestTables(table); len(s) > 0 {
		err.Reason += ". Did you mean: " + strings.Join(s, ", ") + "?"
	}
	return err
}
