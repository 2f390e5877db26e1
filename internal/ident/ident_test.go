package ident

import (
	"strings"
	"testing"
)

func TestValidate_Accepts(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"users", "order_items", "T1", "_tmp", "2024_sales", strings.Repeat("a", MaxLength)} {
		if err := Validate(name); err != nil {
			t.Fatalf("expected %q to be valid, got %v", name, err)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":                           "must not be empty",
		"users; DROP TABLE x":        "unsafe identifier",
		"users`":                     "unsafe identifier",
		`us"ers`:                     "unsafe identifier",
		"db.users":                   "unsafe identifier",
		"user name":                  "unsafe identifier",
		"naïve":                      "unsafe identifier",
		"a--b":                       "unsafe identifier",
		strings.Repeat("a", MaxLength+1): "longer than 64",
	}
	for name, want := range cases {
		err := Validate(name)
		if err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error containing %q for %q, got %q", want, name, err.Error())
		}
	}
}

func TestQuote(t *testing.T) {
	t.Parallel()
	got, err := Quote("orders", Backtick)
	if err != nil || got != "`orders`" {
		t.Fatalf("expected `orders`, got %q (%v)", got, err)
	}
	got, err = Quote("orders", DoubleQuote)
	if err != nil || got != `"orders"` {
		t.Fatalf(`expected "orders", got %q (%v)`, got, err)
	}
	if _, err := Quote("x`y", Backtick); err == nil {
		t.Fatal("expected error quoting unsafe name")
	}
}

func TestMustQuote_PanicsOnUnsafe(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	MustQuote("bad name", DoubleQuote)
}

func TestUnquote(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"users":           "users",
		"`users`":         "users",
		`"users"`:         "users",
		"`shop`.`orders`": "orders",
		"public.accounts": "accounts",
		"[dbo].[items]":   "items",
	}
	for in, want := range cases {
		if got := Unquote(in); got != want {
			t.Fatalf("Unquote(%q) = %q, want %q", in, got, want)
		}
	}
}
