package protection

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rickchristie/db-mcp/internal/ident"
)

// Classification is lexical, not a parse. It is a defense-in-depth gate in
// front of the database account's own grants: keywords inside string literals
// can cause false positives and obfuscated SQL can slip through.

// recognizedVerbs is the closed set of leading statement keywords.
var recognizedVerbs = map[string]struct{}{
	"SELECT": {}, "INSERT": {}, "UPDATE": {}, "DELETE": {}, "REPLACE": {}, "MERGE": {},
	"CREATE": {}, "ALTER": {}, "DROP": {}, "TRUNCATE": {}, "RENAME": {},
	"SHOW": {}, "DESCRIBE": {}, "DESC": {}, "EXPLAIN": {}, "WITH": {}, "VALUES": {}, "TABLE": {},
	"USE": {}, "SET": {}, "GRANT": {}, "REVOKE": {}, "CALL": {},
	"ANALYZE": {}, "OPTIMIZE": {}, "PRAGMA": {},
}

// IsRecognizedVerb reports whether verb (any case) is a known statement verb.
func IsRecognizedVerb(verb string) bool {
	_, ok := recognizedVerbs[strings.ToUpper(verb)]
	return ok
}

// RecognizedVerbs returns the recognized verb set, sorted.
func RecognizedVerbs() []string {
	verbs := make([]string, 0, len(recognizedVerbs))
	for v := range recognizedVerbs {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	return verbs
}

// Kind tags a classification result.
type Kind int

const (
	Permitted Kind = iota
	ForbiddenVerb
	DangerousPattern
)

func (k Kind) String() string {
	switch k {
	case Permitted:
		return "permitted"
	case ForbiddenVerb:
		return "forbidden_verb"
	case DangerousPattern:
		return "dangerous_pattern"
	default:
		return "unknown"
	}
}

// Result is the outcome of classifying one query string.
type Result struct {
	Kind Kind
	// Verb is the upper-cased leading verb (or the raw leading token when it
	// is not a recognized verb).
	Verb string
	// Pattern names the matched dangerous pattern when Kind is DangerousPattern.
	Pattern string
}

// Err returns nil for Permitted and a human-readable reason otherwise.
func (r Result) Err() error {
	switch r.Kind {
	case Permitted:
		return nil
	case ForbiddenVerb:
		if r.Verb == "" {
			return fmt.Errorf("empty query")
		}
		return fmt.Errorf("forbidden verb %s", r.Verb)
	default:
		return fmt.Errorf("dangerous pattern detected: %s", r.Pattern)
	}
}

// Config is the classifier's own config type.
type Config struct {
	AllowedOperations       []string
	AllowDrop               bool
	AllowTruncate           bool
	AllowDeleteWithoutWhere bool
	AllowUpdateWithoutWhere bool
	AllowSystemSchema       bool
}

// Pattern names reported in DangerousPattern results.
const (
	PatternMultiStatement     = "multi_statement"
	PatternLineComment        = "line_comment"
	PatternBlockComment       = "block_comment"
	PatternDrop               = "drop"
	PatternTruncate           = "truncate"
	PatternDeleteWithoutWhere = "delete_without_where"
	PatternUpdateWithoutWhere = "update_without_where"
	PatternSystemSchema       = "system_schema"
	PatternInformationSchema  = "information_schema_write"
	PatternProcedureExec      = "procedure_exec"
	PatternFileAccess         = "file_access"
)

type dangerRule struct {
	name    string
	match   func(upper string) bool
	allowed func(c Config) bool
}

var (
	reMultiStatement = regexp.MustCompile(`;\s*\S`)
	reDrop           = regexp.MustCompile(`\bDROP\b`)
	reTruncate       = regexp.MustCompile(`\bTRUNCATE\s+[^\s(]`)
	reDeleteFrom     = regexp.MustCompile(`\bDELETE\s+FROM\b`)
	reUpdateStmt     = regexp.MustCompile(`^\s*UPDATE\b`)
	reWhere          = regexp.MustCompile(`\bWHERE\b`)
	reSystemSchema   = regexp.MustCompile(`\b(MYSQL|PERFORMANCE_SCHEMA|SYS|PG_CATALOG|PG_TOAST)\s*\.|\bPG_(SHADOW|AUTHID|USER|ROLES|HBA_FILE_RULES)\b|\bSQLITE_(MASTER|SCHEMA|TEMP_MASTER)\b`)
	reInfoSchema     = regexp.MustCompile(`\bINFORMATION_SCHEMA\b`)
	reProcedureExec  = regexp.MustCompile(`\bEXEC(UTE)?\b|\bXP_\w`)
	reFileAccess     = regexp.MustCompile(`\bINTO\s+(OUT|DUMP)FILE\b|\bLOAD_FILE\s*\(|\bLOAD\s+DATA\b|\bPG_READ_(BINARY_)?FILE\b|\bLO_(IMPORT|EXPORT)\b`)
)

// readOnlyVerbs may read INFORMATION_SCHEMA.
var readOnlyVerbs = map[string]struct{}{
	"SELECT": {}, "SHOW": {}, "DESCRIBE": {}, "DESC": {}, "EXPLAIN": {}, "WITH": {},
}

var dangerRules = []dangerRule{
	{name: PatternMultiStatement, match: reMultiStatement.MatchString},
	{name: PatternLineComment, match: func(s string) bool { return strings.Contains(s, "--") }},
	{name: PatternBlockComment, match: func(s string) bool { return strings.Contains(s, "/*") }},
	{name: PatternDrop, match: reDrop.MatchString, allowed: func(c Config) bool { return c.AllowDrop }},
	{name: PatternTruncate, match: reTruncate.MatchString, allowed: func(c Config) bool { return c.AllowTruncate }},
	{
		name:    PatternDeleteWithoutWhere,
		match:   func(s string) bool { return reDeleteFrom.MatchString(s) && !reWhere.MatchString(s) },
		allowed: func(c Config) bool { return c.AllowDeleteWithoutWhere },
	},
	{
		name:    PatternUpdateWithoutWhere,
		match:   func(s string) bool { return reUpdateStmt.MatchString(s) && !reWhere.MatchString(s) },
		allowed: func(c Config) bool { return c.AllowUpdateWithoutWhere },
	},
	{name: PatternSystemSchema, match: reSystemSchema.MatchString, allowed: func(c Config) bool { return c.AllowSystemSchema }},
	{name: PatternProcedureExec, match: reProcedureExec.MatchString},
	{name: PatternFileAccess, match: reFileAccess.MatchString},
}

// Classifier classifies raw SQL against the allowed verbs and the fixed
// dangerous-pattern set. It holds no mutable state and is safe for
// concurrent use.
type Classifier struct {
	config  Config
	allowed map[string]struct{}
}

// NewClassifier creates a Classifier. Verbs in AllowedOperations are
// upper-cased; the caller is responsible for rejecting unrecognized verbs.
func NewClassifier(config Config) *Classifier {
	allowed := make(map[string]struct{}, len(config.AllowedOperations))
	for _, op := range config.AllowedOperations {
		allowed[strings.ToUpper(strings.TrimSpace(op))] = struct{}{}
	}
	return &Classifier{config: config, allowed: allowed}
}

// Classify runs the verb check and then the dangerous-pattern scan.
func (c *Classifier) Classify(sql string) Result {
	verb := LeadingVerb(sql)
	if verb == "" || !IsRecognizedVerb(verb) {
		return Result{Kind: ForbiddenVerb, Verb: verb}
	}
	if _, ok := c.allowed[verb]; !ok {
		return Result{Kind: ForbiddenVerb, Verb: verb}
	}

	upper := strings.ToUpper(sql)
	for _, rule := range dangerRules {
		if rule.allowed != nil && rule.allowed(c.config) {
			continue
		}
		if rule.match(upper) {
			return Result{Kind: DangerousPattern, Verb: verb, Pattern: rule.name}
		}
	}
	if _, readOnly := readOnlyVerbs[verb]; !readOnly && reInfoSchema.MatchString(upper) {
		return Result{Kind: DangerousPattern, Verb: verb, Pattern: PatternInformationSchema}
	}
	return Result{Kind: Permitted, Verb: verb}
}

// LeadingVerb returns the first whitespace-delimited token, upper-cased and
// cut at the first character that cannot be part of a keyword, so
// "select*from t" yields SELECT. A token starting with punctuation is
// returned whole so that it is reported as-is.
func LeadingVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	token := strings.ToUpper(fields[0])
	end := 0
	for end < len(token) && isWordByte(token[end]) {
		end++
	}
	if end == 0 {
		return token
	}
	return token[:end]
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

var (
	reTableKeyword = regexp.MustCompile(`(?i)\b(FROM|JOIN|UPDATE|INTO|TABLE|USING)\s+`)
	reTableName    = regexp.MustCompile("^(?:[`\"\\[]?[\\w$]+[`\"\\]]?\\.)?[`\"\\[]?[\\w$]+[`\"\\]]?")
	reTableAlias   = regexp.MustCompile("(?i)^\\s+(?:AS\\s+)?[`\"]?([\\w$]+)[`\"]?")
	reDescribeRef  = regexp.MustCompile("(?i)^\\s*(?:DESCRIBE|DESC)\\s+((?:[`\"]?\\w+[`\"]?\\.)?[`\"]?\\w+[`\"]?)")
)

// listTerminators end a FROM or UPDATE table list.
var listTerminators = map[string]struct{}{
	"WHERE": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {}, "OFFSET": {},
	"FETCH": {}, "UNION": {}, "EXCEPT": {}, "INTERSECT": {}, "WINDOW": {}, "FOR": {},
	"RETURNING": {}, "SET": {}, "INTO": {}, "LOCK": {},
}

// clauseKeywords end a table reference; they are never taken as an alias.
var clauseKeywords = map[string]struct{}{
	"WHERE": {}, "JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "CROSS": {},
	"NATURAL": {}, "OUTER": {}, "STRAIGHT_JOIN": {}, "ON": {}, "USING": {}, "GROUP": {},
	"ORDER": {}, "HAVING": {}, "LIMIT": {}, "OFFSET": {}, "FETCH": {}, "UNION": {},
	"EXCEPT": {}, "INTERSECT": {}, "WINDOW": {}, "FOR": {}, "LOCK": {}, "SET": {},
	"VALUES": {}, "VALUE": {}, "SELECT": {}, "RETURNING": {}, "PARTITION": {}, "USE": {},
	"FORCE": {}, "IGNORE": {}, "DEFAULT": {}, "WITH": {}, "INDEXED": {}, "NOT": {},
}

// notTables are keywords that can follow FROM/INTO/TABLE without naming a table.
var notTables = map[string]struct{}{
	"SELECT": {}, "LATERAL": {}, "UNNEST": {}, "DUAL": {}, "OUTFILE": {}, "DUMPFILE": {},
	"IF": {}, "EXISTS": {}, "ONLY": {}, "TEMPORARY": {}, "STATUS": {}, "VALUES": {},
}

// ReferencedTables extracts table names that follow FROM, JOIN, UPDATE, INTO
// and TABLE (including comma-separated FROM lists) plus the target of a
// leading DESCRIBE. Schema qualifiers and identifier quotes are stripped.
// Subqueries and table functions are not followed.
func ReferencedTables(sql string) []string {
	seen := map[string]struct{}{}
	var tables []string
	add := func(raw string) {
		name := ident.Unquote(raw)
		if name == "" {
			return
		}
		if _, skip := notTables[strings.ToUpper(name)]; skip {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		tables = append(tables, name)
	}
	if m := reDescribeRef.FindStringSubmatch(sql); m != nil {
		add(m[1])
	}
	for _, m := range reTableKeyword.FindAllStringSubmatchIndex(sql, -1) {
		keyword := strings.ToUpper(sql[m[2]:m[3]])
		scanTableList(sql[m[1]:], keyword == "FROM" || keyword == "UPDATE" || keyword == "USING", add)
	}
	return tables
}

// scanTableList reads the table reference at the start of rest. With list
// set it walks the rest of the clause and reads one more reference after
// every top-level comma, so "FROM a x, b AS y JOIN c ON c.id = y.id, d"
// reports a, b and d here (c is found by its own JOIN).
func scanTableList(rest string, list bool, add func(string)) {
	rest = scanTableItem(rest, add)
	if !list {
		return
	}
	depth := 0
	for i := 0; i < len(rest); {
		c := rest[i]
		switch {
		case c == '\'':
			end := strings.IndexByte(rest[i+1:], '\'')
			if end < 0 {
				return
			}
			i += end + 2
			continue
		case c == '(':
			depth++
		case c == ')':
			if depth == 0 {
				return
			}
			depth--
		case c == ';':
			return
		case c == ',' && depth == 0:
			rest = scanTableItem(strings.TrimLeft(rest[i+1:], " \t\r\n"), add)
			i = 0
			continue
		case isWordByte(c) && (i == 0 || (!isWordByte(rest[i-1]) && rest[i-1] != '.')):
			j := i
			for j < len(rest) && isWordByte(rest[j]) {
				j++
			}
			if _, end := listTerminators[strings.ToUpper(rest[i:j])]; end && depth == 0 {
				return
			}
			i = j
			continue
		}
		i++
	}
}

// scanTableItem reports the table at the start of rest, skips an optional
// [AS] alias and returns what follows. A parenthesized item is skipped
// whole; the tables inside it are found by their own FROM.
func scanTableItem(rest string, add func(string)) string {
	if strings.HasPrefix(rest, "(") {
		end := closingParen(rest)
		if end < 0 {
			return ""
		}
		rest = rest[end+1:]
	} else {
		name := reTableName.FindString(rest)
		if name == "" {
			return rest
		}
		add(name)
		rest = rest[len(name):]
	}
	if m := reTableAlias.FindStringSubmatch(rest); m != nil {
		if _, clause := clauseKeywords[strings.ToUpper(m[1])]; !clause {
			rest = rest[len(m[0]):]
		}
	}
	return rest
}

// closingParen returns the index of the parenthesis closing s[0], or -1.
func closingParen(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
