package sqldialect

import (
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"
)

// TestParse verifies driver name aliases
func TestParse(t *testing.T) {
	tests := []struct {
		name string
		want Dialect
		ok   bool
	}{
		{"postgres", Postgres, true},
		{"PostgreSQL", Postgres, true},
		{"pq", Postgres, true},
		{"sqlite", SQLite, true},
		{"sqlite3", SQLite, true},
		{"mysql", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.name)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Parse(%q) = %q, %v, want %q, %v", tt.name, got, ok, tt.want, tt.ok)
			}
		})
	}
}

// TestRebind verifies placeholder rewriting per dialect
func TestRebind(t *testing.T) {
	query := "SELECT * FROM t WHERE a = ? AND b IN (" + Placeholders(3) + ")"
	if got := SQLite.Rebind(query); got != query {
		t.Errorf("SQLite.Rebind() = %q, want unchanged", got)
	}
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3, $4)"
	if got := Postgres.Rebind(query); got != want {
		t.Errorf("Postgres.Rebind() = %q, want %q", got, want)
	}
	if Placeholders(0) != "" || Placeholders(1) != "?" {
		t.Errorf("Placeholders(0), Placeholders(1) = %q, %q", Placeholders(0), Placeholders(1))
	}
}

// TestIsUniqueViolation verifies both drivers' duplicate key errors are
// recognized
func TestIsUniqueViolation(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, SQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `CREATE TABLE t (k INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO t (k) VALUES (1)`); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO t (k) VALUES (1)`)
	if !SQLite.IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation(%v) = false", err)
	}

	pqErr := &pq.Error{Code: "23505"}
	if !Postgres.IsUniqueViolation(pqErr) {
		t.Error("IsUniqueViolation(23505) = false")
	}
	if Postgres.IsUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Error("IsUniqueViolation(23503) = true")
	}
	if Postgres.IsUniqueViolation(nil) || Postgres.IsUniqueViolation(errors.New("boom")) {
		t.Error("IsUniqueViolation() accepted an unrelated error")
	}
}
