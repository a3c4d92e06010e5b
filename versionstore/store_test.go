package versionstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/riskrules/internal/sqldialect"
	"github.com/liamcoop/riskrules/migrations"
	"github.com/liamcoop/riskrules/rules"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := sqldialect.Open(ctx, sqldialect.SQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.Apply(ctx, db, sqldialect.SQLite); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	return NewSQLiteStore(db)
}

// backends returns every Store implementation that runs without external
// services
func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteStore(t),
	}
}

func version(ft rules.FactType, n int, ids ...int64) *ContainerVersion {
	v := &ContainerVersion{
		FactType:           ft,
		Version:            n,
		RulesCount:         len(ids),
		RulesHash:          "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		BuildID:            "build-" + string(rune('0'+n)),
		ChangesDescription: "deploy",
		Changes:            RuleChanges{Added: []int64{}, Removed: []int64{}, Updated: []int64{}},
		DeployedAt:         time.Date(2024, 5, 1, 10, 0, n, 0, time.UTC),
		DeployedBy:         "tester",
	}
	for _, id := range ids {
		v.Rules = append(v.Rules, RuleRef{ID: id, Version: 1, Lineage: id, Fingerprint: "fp"})
	}
	return v
}

// TestAppendAndLatest verifies append, latest and point lookups round-trip
func TestAppendAndLatest(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.Latest(ctx, rules.FactTypeDeclaration); !errors.Is(err, ErrVersionNotFound) {
				t.Fatalf("Latest() on empty ledger error = %v, want ErrVersionNotFound", err)
			}

			v1 := version(rules.FactTypeDeclaration, 1, 3, 1, 2)
			v1.Changes.Added = []int64{3, 1, 2}
			if err := store.Append(ctx, v1); err != nil {
				t.Fatalf("Append(v1) failed: %v", err)
			}
			if err := store.Append(ctx, version(rules.FactTypeDeclaration, 2, 3, 1)); err != nil {
				t.Fatalf("Append(v2) failed: %v", err)
			}

			latest, err := store.Latest(ctx, rules.FactTypeDeclaration)
			if err != nil {
				t.Fatalf("Latest() failed: %v", err)
			}
			if latest.Version != 2 {
				t.Errorf("Latest().Version = %d, want 2", latest.Version)
			}

			got, err := store.Get(ctx, rules.FactTypeDeclaration, 1)
			if err != nil {
				t.Fatalf("Get(1) failed: %v", err)
			}
			ids := got.RuleIDs()
			if len(ids) != 3 || ids[0] != 3 || ids[1] != 1 || ids[2] != 2 {
				t.Errorf("RuleIDs() = %v, want [3 1 2]", ids)
			}
			if len(got.Changes.Added) != 3 || got.Changes.Removed == nil {
				t.Errorf("Changes = %+v, want 3 added and non-nil removed", got.Changes)
			}
			if !got.DeployedAt.Equal(v1.DeployedAt) {
				t.Errorf("DeployedAt = %v, want %v", got.DeployedAt, v1.DeployedAt)
			}
			if got.RulesHash != v1.RulesHash || got.BuildID != v1.BuildID || got.DeployedBy != "tester" {
				t.Errorf("Get(1) = %+v, fields not preserved", got)
			}

			if _, err := store.Get(ctx, rules.FactTypeDeclaration, 9); !errors.Is(err, ErrVersionNotFound) {
				t.Errorf("Get(9) error = %v, want ErrVersionNotFound", err)
			}
		})
	}
}

// TestAppendRejectsGaps verifies versions must increase by exactly one
func TestAppendRejectsGaps(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Append(ctx, version(rules.FactTypeDeclaration, 2)); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("Append(v2) on empty ledger error = %v, want ErrVersionConflict", err)
			}
			if err := store.Append(ctx, version(rules.FactTypeDeclaration, 1)); err != nil {
				t.Fatalf("Append(v1) failed: %v", err)
			}
			if err := store.Append(ctx, version(rules.FactTypeDeclaration, 1)); !errors.Is(err, ErrVersionConflict) {
				t.Errorf("duplicate Append(v1) error = %v, want ErrVersionConflict", err)
			}
			if err := store.Append(ctx, version(rules.FactTypeDeclaration, 3)); !errors.Is(err, ErrVersionConflict) {
				t.Errorf("Append(v3) error = %v, want ErrVersionConflict", err)
			}
		})
	}
}

// TestHistoryNewestFirst verifies history order and per-type partitioning
func TestHistoryNewestFirst(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 3; i++ {
				if err := store.Append(ctx, version(rules.FactTypeDeclaration, i)); err != nil {
					t.Fatalf("Append(%d) failed: %v", i, err)
				}
			}
			if err := store.Append(ctx, version(rules.FactTypeCargoReport, 1)); err != nil {
				t.Fatalf("Append(cargo 1) failed: %v", err)
			}

			history, err := store.History(ctx, rules.FactTypeDeclaration)
			if err != nil {
				t.Fatalf("History() failed: %v", err)
			}
			if len(history) != 3 {
				t.Fatalf("History() returned %d rows, want 3", len(history))
			}
			for i, v := range history {
				if v.Version != 3-i {
					t.Errorf("History()[%d].Version = %d, want %d", i, v.Version, 3-i)
				}
			}

			empty, err := store.History(ctx, "Unknown")
			if err != nil {
				t.Fatalf("History(Unknown) failed: %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("History(Unknown) returned %d rows, want 0", len(empty))
			}
		})
	}
}

// TestRestoredFromRoundTrip verifies rollback rows keep their origin
func TestRestoredFromRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Append(ctx, version(rules.FactTypeDeclaration, 1, 1)); err != nil {
				t.Fatalf("Append(1) failed: %v", err)
			}
			restored := version(rules.FactTypeDeclaration, 2, 1)
			restored.RestoredFrom = 1
			if err := store.Append(ctx, restored); err != nil {
				t.Fatalf("Append(2) failed: %v", err)
			}
			got, err := store.Get(ctx, rules.FactTypeDeclaration, 2)
			if err != nil {
				t.Fatalf("Get(2) failed: %v", err)
			}
			if got.RestoredFrom != 1 {
				t.Errorf("RestoredFrom = %d, want 1", got.RestoredFrom)
			}
		})
	}
}

// TestMemoryStoreConcurrentAppend verifies exactly one concurrent writer
// wins each version
func TestMemoryStoreConcurrentAppend(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Append(ctx, version(rules.FactTypeDeclaration, 1)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d writers appended version 1, want exactly 1", wins)
	}
}

// TestReturnedRowsAreCopies verifies callers cannot mutate stored rows
func TestReturnedRowsAreCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Append(ctx, version(rules.FactTypeDeclaration, 1, 5)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	got, _ := store.Get(ctx, rules.FactTypeDeclaration, 1)
	got.Rules[0].ID = 99

	again, _ := store.Get(ctx, rules.FactTypeDeclaration, 1)
	if again.Rules[0].ID != 5 {
		t.Errorf("stored row was mutated through a returned copy")
	}
}
