// Package schemadoc renders database structure as plain text for agents:
// a one-screen summary of the database and a per-table description that
// includes relations in both directions.
package schemadoc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rickchristie/db-mcp/database"
)

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Key      string `json:"key"`
	Default  any    `json:"default"`
	Extra    string `json:"extra"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

type Relation struct {
	Table            string `json:"table_name"`
	Column           string `json:"column_name"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// ColumnsFromDescribe converts DescribeTable rows into columns.
func ColumnsFromDescribe(rows []database.Row) []Column {
	cols := make([]Column, 0, len(rows))
	for _, r := range rows {
		cols = append(cols, Column{
			Name:     text(r[database.FieldName]),
			Type:     text(r[database.FieldType]),
			Nullable: strings.EqualFold(text(r[database.FieldNull]), "YES"),
			Key:      text(r[database.FieldKey]),
			Default:  r[database.FieldDefault],
			Extra:    text(r[database.FieldExtra]),
		})
	}
	return cols
}

// RelationsFromForeignKeys converts ListForeignKeys rows into relations.
func RelationsFromForeignKeys(rows []database.Row) []Relation {
	rels := make([]Relation, 0, len(rows))
	for _, r := range rows {
		rels = append(rels, Relation{
			Table:            text(r[database.FKTable]),
			Column:           text(r[database.FKColumn]),
			ReferencedTable:  text(r[database.FKReferencedTable]),
			ReferencedColumn: text(r[database.FKReferencedColumn]),
		})
	}
	return rels
}

// RelationsFor keeps the relations where table is either side.
func RelationsFor(table string, rels []Relation) []Relation {
	var out []Relation
	for _, r := range rels {
		if r.Table == table || r.ReferencedTable == table {
			out = append(out, r)
		}
	}
	return out
}

// Summary lists tables alphabetically with their column counts.
func Summary(dbName string, tables []Table, rels []Relation) string {
	sorted := append([]Table(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	fmt.Fprintf(&b, "Database %s summary:\n\n", dbName)
	fmt.Fprintf(&b, "%d tables:\n", len(sorted))
	for _, t := range sorted {
		fmt.Fprintf(&b, "  - %s: %d columns\n", t.Name, len(t.Columns))
	}
	if len(rels) > 0 {
		fmt.Fprintf(&b, "\n%d relations\n", len(rels))
	}
	return b.String()
}

// Describe renders one table. rels may hold every relation in the database;
// only those touching the table are printed.
func Describe(t Table, rels []Relation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table %s structure:\n", t.Name)
	b.WriteString("Columns:\n")
	for _, c := range t.Columns {
		parts := []string{c.Type}
		if c.Nullable {
			parts = append(parts, "NULL")
		} else {
			parts = append(parts, "NOT NULL")
		}
		if c.Key != "" {
			parts = append(parts, "("+c.Key+")")
		}
		if c.Default != nil {
			parts = append(parts, "default: "+text(c.Default))
		}
		if c.Extra != "" {
			parts = append(parts, c.Extra)
		}
		fmt.Fprintf(&b, "  - %s: %s\n", c.Name, strings.Join(parts, " "))
	}

	own := RelationsFor(t.Name, rels)
	if len(own) > 0 {
		b.WriteString("\nRelations:\n")
		for _, r := range own {
			if r.Table == t.Name {
				fmt.Fprintf(&b, "  - foreign key %s references %s.%s\n", r.Column, r.ReferencedTable, r.ReferencedColumn)
			} else {
				fmt.Fprintf(&b, "  - referenced by %s.%s\n", r.Table, r.Column)
			}
		}
	}
	return b.String()
}

func text(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}
