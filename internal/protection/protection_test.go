package protection

import (
	"reflect"
	"strings"
	"testing"
)

// helper: SELECT-only classifier with every protection flag off.
func selectOnly() *Classifier {
	return NewClassifier(Config{AllowedOperations: []string{"SELECT"}})
}

// helper: every recognized verb allowed, protection flags off.
func allVerbs() *Classifier {
	return NewClassifier(Config{AllowedOperations: RecognizedVerbs()})
}

func assertForbidden(t *testing.T, c *Classifier, sql string, verb string) {
	t.Helper()
	r := c.Classify(sql)
	if r.Kind != ForbiddenVerb {
		t.Fatalf("expected ForbiddenVerb for %q, got %s (%s)", sql, r.Kind, r.Pattern)
	}
	if r.Verb != verb {
		t.Fatalf("expected verb %q for %q, got %q", verb, sql, r.Verb)
	}
}

func assertDangerous(t *testing.T, c *Classifier, sql string, pattern string) {
	t.Helper()
	r := c.Classify(sql)
	if r.Kind != DangerousPattern {
		t.Fatalf("expected DangerousPattern %q for %q, got %s", pattern, sql, r.Kind)
	}
	if r.Pattern != pattern {
		t.Fatalf("expected pattern %q for %q, got %q", pattern, sql, r.Pattern)
	}
}

func assertPermitted(t *testing.T, c *Classifier, sql string) {
	t.Helper()
	r := c.Classify(sql)
	if r.Kind != Permitted {
		t.Fatalf("expected %q to be permitted, got %s: %v", sql, r.Kind, r.Err())
	}
}

// --- Verb extraction ---

func TestLeadingVerb(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"SELECT 1":            "SELECT",
		"  select\n* from t":  "SELECT",
		"select*from t":       "SELECT",
		"Show tables;":        "SHOW",
		"":                    "",
		"   \t\n":             "",
		"(SELECT 1)":          "(SELECT",
		"DESCRIBE `orders`":   "DESCRIBE",
		"with x as (select 1) select * from x": "WITH",
	}
	for sql, want := range cases {
		if got := LeadingVerb(sql); got != want {
			t.Fatalf("LeadingVerb(%q) = %q, want %q", sql, got, want)
		}
	}
}

// --- Forbidden verbs ---

func TestForbiddenVerb_NotAllowed(t *testing.T) {
	t.Parallel()
	c := selectOnly()
	assertForbidden(t, c, "DROP TABLE users", "DROP")
	assertForbidden(t, c, "insert into users values (1)", "INSERT")
	assertForbidden(t, c, "SHOW TABLES", "SHOW")
}

func TestForbiddenVerb_Unrecognized(t *testing.T) {
	t.Parallel()
	c := allVerbs()
	assertForbidden(t, c, "HELLO world", "HELLO")
	assertForbidden(t, c, "(SELECT 1)", "(SELECT")
}

func TestForbiddenVerb_Empty(t *testing.T) {
	t.Parallel()
	c := selectOnly()
	r := c.Classify("   ")
	if r.Kind != ForbiddenVerb {
		t.Fatalf("expected ForbiddenVerb for blank query, got %s", r.Kind)
	}
	if r.Err().Error() != "empty query" {
		t.Fatalf("expected 'empty query', got %q", r.Err().Error())
	}
}

func TestForbiddenVerb_ErrorMessage(t *testing.T) {
	t.Parallel()
	r := selectOnly().Classify("DROP TABLE users")
	if got := r.Err().Error(); got != "forbidden verb DROP" {
		t.Fatalf("expected 'forbidden verb DROP', got %q", got)
	}
}

func TestForbiddenVerb_CaseInsensitiveConfig(t *testing.T) {
	t.Parallel()
	c := NewClassifier(Config{AllowedOperations: []string{" select ", "show"}})
	assertPermitted(t, c, "SELECT 1")
	assertPermitted(t, c, "show tables")
}

func TestForbiddenVerb_CheckedBeforePatterns(t *testing.T) {
	t.Parallel()
	// A forbidden verb wins even when a dangerous pattern is present.
	assertForbidden(t, selectOnly(), "DELETE FROM users; SELECT 1", "DELETE")
}

// --- Multi-statement ---

func TestMultiStatement(t *testing.T) {
	t.Parallel()
	c := allVerbs()
	for _, sql := range []string{
		"SELECT 1; SELECT 2",
		"SELECT 1;SELECT 2",
		"SELECT 1;\n\tDROP TABLE users",
		"SHOW TABLES; x",
		"INSERT INTO t VALUES (1); )",
	} {
		assertDangerous(t, c, sql, PatternMultiStatement)
	}
}

func TestMultiStatement_TrailingSemicolonAllowed(t *testing.T) {
	t.Parallel()
	c := selectOnly()
	assertPermitted(t, c, "SELECT 1;")
	assertPermitted(t, c, "SELECT 1;  \n ")
}

func TestMultiStatement_CannotBeDisabled(t *testing.T) {
	t.Parallel()
	c := NewClassifier(Config{
		AllowedOperations: []string{"SELECT"},
		AllowDrop:         true, AllowTruncate: true, AllowDeleteWithoutWhere: true,
		AllowUpdateWithoutWhere: true, AllowSystemSchema: true,
	})
	assertDangerous(t, c, "SELECT 1; SELECT 2", PatternMultiStatement)
	assertDangerous(t, c, "SELECT 1 -- x", PatternLineComment)
	assertDangerous(t, c, "SELECT /* x */ 1", PatternBlockComment)
}

// --- Comments ---

func TestComments(t *testing.T) {
	t.Parallel()
	c := selectOnly()
	assertDangerous(t, c, "SELECT * FROM users WHERE id = 1 -- AND tenant = 2", PatternLineComment)
	assertDangerous(t, c, "SELECT * FROM users /* hidden */", PatternBlockComment)
}

// --- Destructive verbs ---

func TestDrop_BlockedEvenWhenVerbAllowed(t *testing.T) {
	t.Parallel()
	c := allVerbs()
	assertDangerous(t, c, "DROP TABLE users", PatternDrop)
	assertDangerous(t, c, "ALTER TABLE users DROP COLUMN email", PatternDrop)
}

func TestDrop_AllowFlag(t *testing.T) {
	t.Parallel()
	c := NewClassifier(Config{AllowedOperations: []string{"DROP"}, AllowDrop: true})
	assertPermitted(t, c, "DROP TABLE users")
}

func TestDrop_WordBoundary(t *testing.T) {
	t.Parallel()
	assertPermitted(t, selectOnly(), "SELECT dropped_at, backdrop FROM events WHERE id = 1")
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	c := allVerbs()
	assertDangerous(t, c, "TRUNCATE TABLE users", PatternTruncate)
	assertDangerous(t, c, "truncate users", PatternTruncate)
	// MySQL numeric TRUNCATE() function is not a statement.
	assertPermitted(t, selectOnly(), "SELECT TRUNCATE(price, 2) FROM items")

	allowed := NewClassifier(Config{AllowedOperations: []string{"TRUNCATE"}, AllowTruncate: true})
	assertPermitted(t, allowed, "TRUNCATE TABLE users")
}

func TestDeleteWithoutWhere(t *testing.T) {
	t.Parallel()
	c := NewClassifier(Config{AllowedOperations: []string{"DELETE"}})
	assertDangerous(t, c, "DELETE FROM users", PatternDeleteWithoutWhere)
	assertPermitted(t, c, "DELETE FROM users WHERE id = 7")

	allowed := NewClassifier(Config{AllowedOperations: []string{"DELETE"}, AllowDeleteWithoutWhere: true})
	assertPermitted(t, allowed, "DELETE FROM users")
}

func TestUpdateWithoutWhere(t *testing.T) {
	t.Parallel()
	c := NewClassifier(Config{AllowedOperations: []string{"UPDATE"}})
	assertDangerous(t, c, "UPDATE users SET active = 0", PatternUpdateWithoutWhere)
	assertPermitted(t, c, "UPDATE users SET active = 0 WHERE id = 3")

	allowed := NewClassifier(Config{AllowedOperations: []string{"UPDATE"}, AllowUpdateWithoutWhere: true})
	assertPermitted(t, allowed, "UPDATE users SET active = 0")
}

// --- System schema ---

func TestSystemSchema(t *testing.T) {
	t.Parallel()
	c := selectOnly()
	assertDangerous(t, c, "SELECT user, authentication_string FROM mysql.user", PatternSystemSchema)
	assertDangerous(t, c, "SELECT * FROM performance_schema.threads", PatternSystemSchema)
	assertDangerous(t, c, "SELECT * FROM sys.session", PatternSystemSchema)
	assertDangerous(t, c, "SELECT * FROM pg_catalog.pg_class", PatternSystemSchema)
	assertDangerous(t, c, "SELECT rolpassword FROM pg_authid", PatternSystemSchema)
	assertDangerous(t, c, "SELECT sql FROM sqlite_master", PatternSystemSchema)

	allowed := NewClassifier(Config{AllowedOperations: []string{"SELECT"}, AllowSystemSchema: true})
	assertPermitted(t, allowed, "SELECT * FROM mysql.user")
}

func TestInformationSchema_ReadOnlyAllowed(t *testing.T) {
	t.Parallel()
	assertPermitted(t, selectOnly(), "SELECT table_name FROM INFORMATION_SCHEMA.TABLES WHERE table_schema = 'shop'")
	c := NewClassifier(Config{AllowedOperations: []string{"SHOW"}})
	assertPermitted(t, c, "SHOW COLUMNS FROM information_schema.columns")
}

func TestInformationSchema_WriteBlocked(t *testing.T) {
	t.Parallel()
	c := NewClassifier(Config{AllowedOperations: []string{"UPDATE", "INSERT"}})
	assertDangerous(t, c, "UPDATE information_schema.tables SET x = 1 WHERE y = 2", PatternInformationSchema)
	assertDangerous(t, c, "INSERT INTO information_schema.tables VALUES (1)", PatternInformationSchema)
}

// --- Procedures and file access ---

func TestProcedureExec(t *testing.T) {
	t.Parallel()
	c := allVerbs()
	assertDangerous(t, c, "SELECT 1 FROM t WHERE EXEC('x') = 1", PatternProcedureExec)
	assertDangerous(t, c, "SELECT * FROM t WHERE xp_cmdshell = 1", PatternProcedureExec)
}

func TestFileAccess(t *testing.T) {
	t.Parallel()
	c := selectOnly()
	assertDangerous(t, c, "SELECT * FROM users INTO OUTFILE '/tmp/u.csv'", PatternFileAccess)
	assertDangerous(t, c, "SELECT LOAD_FILE('/etc/passwd')", PatternFileAccess)
	assertDangerous(t, c, "SELECT pg_read_file('/etc/passwd')", PatternFileAccess)
}

// --- Permitted ---

func TestPermitted(t *testing.T) {
	t.Parallel()
	c := NewClassifier(Config{AllowedOperations: []string{"SELECT", "SHOW", "DESCRIBE", "INSERT"}})
	for _, sql := range []string{
		"SELECT 1",
		"SELECT * FROM users WHERE name = 'bob'",
		"SHOW TABLES",
		"DESCRIBE `orders`",
		"INSERT INTO users (name) VALUES ('amy')",
	} {
		assertPermitted(t, c, sql)
	}
}

func TestResultErr(t *testing.T) {
	t.Parallel()
	if (Result{Kind: Permitted}).Err() != nil {
		t.Fatal("expected nil error for Permitted")
	}
	err := (Result{Kind: DangerousPattern, Pattern: PatternDrop}).Err()
	if err == nil || !strings.Contains(err.Error(), "dangerous pattern detected: drop") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecognizedVerbs(t *testing.T) {
	t.Parallel()
	verbs := RecognizedVerbs()
	for _, v := range []string{"SELECT", "INSERT", "UPDATE", "DELETE", "CREATE", "ALTER", "DROP", "SHOW", "DESCRIBE"} {
		if !IsRecognizedVerb(v) {
			t.Fatalf("expected %s to be recognized", v)
		}
	}
	if !IsRecognizedVerb("select") {
		t.Fatal("expected lowercase verb to be recognized")
	}
	if IsRecognizedVerb("HELLO") {
		t.Fatal("HELLO should not be recognized")
	}
	for i := 1; i < len(verbs); i++ {
		if verbs[i-1] >= verbs[i] {
			t.Fatalf("expected sorted verbs, got %v", verbs)
		}
	}
}

// --- Referenced tables ---

func TestReferencedTables(t *testing.T) {
	t.Parallel()
	cases := map[string][]string{
		"SELECT 1": nil,
		"SELECT * FROM users":                                    {"users"},
		"SELECT * FROM `shop`.`orders` o JOIN users u ON u.id=1": {"orders", "users"},
		"select * from a, b where a.id = b.id":                   {"a", "b"},
		"UPDATE accounts SET x = 1 WHERE id = 2":                 {"accounts"},
		"INSERT INTO audit (x) VALUES (1)":                       {"audit"},
		"DESCRIBE orders":                                        {"orders"},
		"SELECT * FROM (SELECT 1) AS t":                          nil,
		"SELECT * FROM users JOIN users ON 1=1":                  {"users"},
		`SELECT * FROM "public"."items"`:                         {"items"},
		"SELECT * FROM dual":                                     nil,
		"SELECT * FROM a x, b y":                                 {"a", "b"},
		"SELECT * FROM a AS x, b AS y WHERE x.id = y.id":         {"a", "b"},
		"SELECT * FROM a x, b":                                   {"a", "b"},
		"SELECT * FROM (SELECT id FROM a) t, b":                  {"b", "a"},
		"SELECT * FROM a x JOIN b y ON x.id = y.id, c":           {"a", "c", "b"},
		"SELECT * FROM a WHERE x IN (1, 2)":                      {"a"},
		"SELECT * FROM a WHERE s = 'x, y'":                       {"a"},
		"UPDATE a x, b y SET x.v = y.v":                          {"a", "b"},
		"DELETE FROM a USING b, c WHERE a.id = b.id":             {"a", "c", "b"},
		"SELECT * FROM a JOIN b USING (id)":                      {"a", "b"},
	}
	for sql, want := range cases {
		got := ReferencedTables(sql)
		if len(got) == 0 && len(want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("ReferencedTables(%q) = %v, want %v", sql, got, want)
		}
	}
}
