package rules

import (
	"errors"
	"testing"
)

func sampleTree() Tree[string] {
	t := NewTree[string](1, GroupAnd)
	t.AddLeaf(t.Root, 2, "a")
	or := t.AddGroup(t.Root, 3, GroupOr)
	t.AddLeaf(or, 4, "b")
	t.AddLeaf(or, 5, "c")
	t.AddLeaf(t.Root, 6, "d")
	return t
}

// TestTreeWalkOrder verifies pre-order traversal in declared child order
func TestTreeWalkOrder(t *testing.T) {
	tree := sampleTree()

	var ids []int64
	err := tree.Walk(func(_ int, n *Node[string]) error {
		ids = append(ids, n.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() failed: %v", err)
	}
	want := []int64{1, 2, 3, 4, 5, 6}
	if len(ids) != len(want) {
		t.Fatalf("visited %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("visited %v, want %v", ids, want)
		}
	}

	leaves, err := tree.Leaves()
	if err != nil {
		t.Fatalf("Leaves() failed: %v", err)
	}
	if got := len(leaves); got != 4 || leaves[0] != "a" || leaves[3] != "d" {
		t.Errorf("Leaves() = %v", leaves)
	}
}

// TestTreeWalkDefects verifies each structural defect is reported with the
// offending node
func TestTreeWalkDefects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Tree[string])
		nodeID int64
	}{
		{
			name:   "leaf with children",
			mutate: func(t *Tree[string]) { t.Nodes[1].Children = []int{5} },
			nodeID: 2,
		},
		{
			name:   "cycle",
			mutate: func(t *Tree[string]) { t.Nodes[2].Children = append(t.Nodes[2].Children, 0) },
			nodeID: 1,
		},
		{
			name:   "parent mismatch",
			mutate: func(t *Tree[string]) { t.Nodes[3].Parent = 0 },
			nodeID: 4,
		},
		{
			name: "unreachable node",
			mutate: func(t *Tree[string]) {
				t.Nodes = append(t.Nodes, Node[string]{ID: 9, Kind: KindLeaf, Parent: 0, Leaf: "x"})
			},
			nodeID: 9,
		},
		{
			name:   "unknown group type",
			mutate: func(t *Tree[string]) { t.Nodes[2].Group = "XOR" },
			nodeID: 3,
		},
		{
			name:   "child out of range",
			mutate: func(t *Tree[string]) { t.Nodes[2].Children = append(t.Nodes[2].Children, 42) },
			nodeID: 3,
		},
		{
			name:   "root is a leaf",
			mutate: func(t *Tree[string]) { t.Nodes[0].Kind = KindLeaf; t.Nodes[0].Children = nil },
			nodeID: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := sampleTree()
			tt.mutate(&tree)

			err := tree.Walk(nil)
			var te *TreeError
			if !errors.As(err, &te) {
				t.Fatalf("Walk() error = %v, want *TreeError", err)
			}
			if te.NodeID != tt.nodeID {
				t.Errorf("NodeID = %d, want %d (%s)", te.NodeID, tt.nodeID, te.Reason)
			}
		})
	}
}

// TestTreeMissingRoot verifies an empty arena is rejected
func TestTreeMissingRoot(t *testing.T) {
	tree := Tree[string]{Root: -1}
	if err := tree.Walk(nil); err == nil {
		t.Error("Walk() on an empty tree succeeded")
	}
}

// TestTreeClone verifies a clone shares no child slices with the original
func TestTreeClone(t *testing.T) {
	tree := sampleTree()
	clone := tree.Clone()
	clone.Nodes[0].Children[0] = 99
	clone.Nodes[1].Leaf = "changed"

	if tree.Nodes[0].Children[0] != 1 {
		t.Error("mutating the clone changed the original child list")
	}
	if tree.Nodes[1].Leaf != "a" {
		t.Error("mutating the clone changed the original leaf")
	}
}
