package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/liamcoop/riskrules/internal/sqldialect"
	"github.com/liamcoop/riskrules/migrations"
)

func mustRule(t *testing.T, spec RuleSpec) *DecisionRule {
	t.Helper()
	r, err := spec.ToRule()
	if err != nil {
		t.Fatalf("ToRule() failed: %v", err)
	}
	return r
}

func simpleSpec(name string, ft FactType, priority int) RuleSpec {
	score := 5.0
	return RuleSpec{
		Name:     name,
		FactType: ft,
		Priority: priority,
		When: NodeSpec{Or: []NodeSpec{
			{Field: "declaration.officeId", Op: OpIn, Type: ValueArray, Value: []any{"A", "B"}},
			{And: []NodeSpec{
				{Field: "declaration.invoiceAmount", Op: OpGTE, Type: ValueDecimal, Value: 99.5},
				{Field: "declaration.packageQuantity", Op: OpLT, Type: ValueLong, Value: 3},
				{Field: "declaration.ucr", Op: OpIsNull},
			}},
		}},
		Then: []OutputNodeSpec{
			{Output: Output{Action: "FLAG", Score: &score, Flag: "F", Description: "first"}},
			{Or: []OutputNodeSpec{{Output: Output{Action: "HOLD", DocumentType: "INV", DocumentID: "9"}}}},
		},
	}
}

// TestInMemoryRuleStore verifies active listing, revisions and historical
// loads
func TestInMemoryRuleStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	b := mustRule(t, simpleSpec("b", FactTypeDeclaration, 2))
	a := mustRule(t, simpleSpec("a", FactTypeDeclaration, 1))
	tie := mustRule(t, simpleSpec("tie", FactTypeDeclaration, 2))
	other := mustRule(t, simpleSpec("other", FactTypeCargoReport, 0))
	for _, r := range []*DecisionRule{b, a, tie, other} {
		if err := store.Add(r); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}
	if err := store.Add(&DecisionRule{ID: a.ID}); err == nil {
		t.Error("Add() accepted a duplicate id")
	}

	active, err := store.ListActive(ctx, FactTypeDeclaration)
	if err != nil {
		t.Fatalf("ListActive() failed: %v", err)
	}
	if got := names(active); got != "a,b,tie" {
		t.Errorf("ListActive() = %s, want a,b,tie", got)
	}

	revised := mustRule(t, simpleSpec("b2", FactTypeDeclaration, 2))
	if err := store.Revise(b.ID, revised); err != nil {
		t.Fatalf("Revise() failed: %v", err)
	}
	if revised.Version != 2 || revised.LineageID() != b.ID {
		t.Errorf("revision version %d lineage %d, want 2 and %d", revised.Version, revised.LineageID(), b.ID)
	}
	if err := store.Revise(b.ID, mustRule(t, simpleSpec("b3", FactTypeDeclaration, 2))); err == nil {
		t.Error("Revise() of a superseded row succeeded")
	}
	if err := store.SetActive(tie.ID, false); err != nil {
		t.Fatalf("SetActive() failed: %v", err)
	}

	active, _ = store.ListActive(ctx, FactTypeDeclaration)
	if got := names(active); got != "a,b2" {
		t.Errorf("ListActive() after revise = %s, want a,b2", got)
	}

	old, err := store.LoadRules(ctx, FactTypeDeclaration, []int64{tie.ID, b.ID})
	if err != nil {
		t.Fatalf("LoadRules() failed: %v", err)
	}
	if got := names(old); got != "tie,b" {
		t.Errorf("LoadRules() = %s, want tie,b", got)
	}
	if _, err := store.LoadRules(ctx, FactTypeDeclaration, []int64{other.ID}); err == nil {
		t.Error("LoadRules() returned a rule of another fact type")
	}

	// returned rules are copies
	active[0].Name = "mutated"
	active[0].Conditions.Nodes[1].Leaf.Field = "declaration.ucr"
	again, err := store.Get(active[0].ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if again.Name == "mutated" || again.Conditions.Nodes[1].Leaf.Field != "declaration.officeId" {
		t.Error("mutating a listed rule changed the store")
	}
}

func names(rs []*DecisionRule) string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Name
	}
	return strings.Join(out, ",")
}

func newSQLiteRuleStore(t *testing.T) *SQLRuleStore {
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
	return NewSQLRuleStore(db, sqldialect.SQLite)
}

// TestSQLRuleStoreRoundTrip verifies both trees survive an insert and load
// with structure, order and values intact
func TestSQLRuleStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteRuleStore(t)

	want := mustRule(t, simpleSpec("round trip", FactTypeDeclaration, 1))
	if err := store.Insert(ctx, want); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if want.ID == 0 {
		t.Fatal("Insert() did not assign an id")
	}

	got, err := store.LoadRules(ctx, FactTypeDeclaration, []int64{want.ID})
	if err != nil {
		t.Fatalf("LoadRules() failed: %v", err)
	}
	r := got[0]
	if r.Name != "round trip" || r.Priority != 1 || !r.Active || !r.IsLatest || r.Version != 1 {
		t.Errorf("loaded rule = %+v", r)
	}

	schema, _ := DefaultRegistry().Lookup(FactTypeDeclaration)
	if err := Validate(r, schema); err != nil {
		t.Fatalf("loaded rule does not validate: %v", err)
	}
	if shape(&r.Conditions) != shape(&want.Conditions) {
		t.Errorf("condition shape = %s, want %s", shape(&r.Conditions), shape(&want.Conditions))
	}
	if shape(&r.Outputs) != shape(&want.Outputs) {
		t.Errorf("output shape = %s, want %s", shape(&r.Outputs), shape(&want.Outputs))
	}

	leaves, _ := r.Conditions.Leaves()
	if elems, _ := leaves[0].Value.Elements(); len(elems) != 2 {
		t.Errorf("ARRAY value = %s", leaves[0].Value.JSON)
	}
	if leaves[1].Value.Decimal == nil || *leaves[1].Value.Decimal != 99.5 {
		t.Errorf("DECIMAL value = %+v", leaves[1].Value)
	}
	if leaves[2].Value.Type != ValueLong || *leaves[2].Value.Number != 3 {
		t.Errorf("LONG value = %+v", leaves[2].Value)
	}
	if !leaves[3].Value.IsZero() || leaves[3].Operator != OpIsNull {
		t.Errorf("IS_NULL leaf = %+v", leaves[3])
	}

	outs, _ := r.Outputs.Leaves()
	if outs[0].Score == nil || *outs[0].Score != 5 || outs[0].Description != "first" || outs[1].Score != nil || outs[1].DocumentID != "9" {
		t.Errorf("outputs = %+v", outs)
	}
}

// TestSQLRuleStoreListActive verifies filtering and canonical ordering
func TestSQLRuleStoreListActive(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteRuleStore(t)

	inactive := false
	specs := []RuleSpec{
		simpleSpec("late", FactTypeDeclaration, 9),
		simpleSpec("early", FactTypeDeclaration, 1),
		simpleSpec("cargo", FactTypeCargoReport, 1),
	}
	off := simpleSpec("off", FactTypeDeclaration, 1)
	off.Active = &inactive
	specs = append(specs, off)

	superseded := simpleSpec("old", FactTypeDeclaration, 1)
	specs = append(specs, superseded)

	var ids []int64
	for _, spec := range specs {
		r := mustRule(t, spec)
		if r.Name == "old" {
			r.IsLatest = false
		}
		if err := store.Insert(ctx, r); err != nil {
			t.Fatalf("Insert(%s) failed: %v", r.Name, err)
		}
		ids = append(ids, r.ID)
	}

	revision := mustRule(t, simpleSpec("new", FactTypeDeclaration, 5))
	lineage := ids[4]
	revision.ParentRuleID = &lineage
	revision.Version = 2
	if err := store.Insert(ctx, revision); err != nil {
		t.Fatalf("Insert(revision) failed: %v", err)
	}

	active, err := store.ListActive(ctx, FactTypeDeclaration)
	if err != nil {
		t.Fatalf("ListActive() failed: %v", err)
	}
	if got := names(active); got != "early,new,late" {
		t.Errorf("ListActive() = %s, want early,new,late", got)
	}
	if active[1].LineageID() != lineage || active[1].Version != 2 {
		t.Errorf("revision lineage %d version %d", active[1].LineageID(), active[1].Version)
	}

	if _, err := store.LoadRules(ctx, FactTypeDeclaration, []int64{ids[2]}); err == nil {
		t.Error("LoadRules() returned a rule of another fact type")
	}
	if rs, err := store.LoadRules(ctx, FactTypeDeclaration, nil); err != nil || len(rs) != 0 {
		t.Errorf("LoadRules(nil) = %v, %v", rs, err)
	}
}

// shape renders a tree's structure and leaf order without database ids
func shape[T any](tree *Tree[T]) string {
	var b []byte
	var visit func(idx int)
	visit = func(idx int) {
		n := tree.Nodes[idx]
		if n.Kind == KindLeaf {
			b = append(b, 'L')
			return
		}
		b = append(b, string(n.Group)+"("...)
		for _, c := range n.Children {
			visit(c)
		}
		b = append(b, ')')
	}
	visit(tree.Root)
	return string(b)
}
