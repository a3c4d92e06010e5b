package rules

import "fmt"

// NodeKind distinguishes group nodes from leaves
type NodeKind uint8

const (
	KindGroup NodeKind = iota
	KindLeaf
)

// Node is one entry of a Tree arena. Parent and Children are indexes into
// Tree.Nodes; the root has Parent -1.
type Node[T any] struct {
	ID       int64
	Kind     NodeKind
	Parent   int
	Children []int
	Group    GroupType
	Leaf     T
}

// Tree is an arena of nodes addressed by index
type Tree[T any] struct {
	Nodes []Node[T]
	Root  int
}

// NewTree returns a tree holding a single root group
func NewTree[T any](id int64, group GroupType) Tree[T] {
	return Tree[T]{
		Nodes: []Node[T]{{ID: id, Kind: KindGroup, Parent: -1, Group: group}},
		Root:  0,
	}
}

// AddGroup appends a group under parent and returns its index
func (t *Tree[T]) AddGroup(parent int, id int64, group GroupType) int {
	return t.add(Node[T]{ID: id, Kind: KindGroup, Parent: parent, Group: group})
}

// AddLeaf appends a leaf under parent and returns its index
func (t *Tree[T]) AddLeaf(parent int, id int64, leaf T) int {
	return t.add(Node[T]{ID: id, Kind: KindLeaf, Parent: parent, Leaf: leaf})
}

func (t *Tree[T]) add(n Node[T]) int {
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, n)
	if n.Parent >= 0 && n.Parent < idx {
		t.Nodes[n.Parent].Children = append(t.Nodes[n.Parent].Children, idx)
	}
	return idx
}

// TreeError describes a structural defect found while walking a tree
type TreeError struct {
	NodeID int64
	Reason string
}

func (e *TreeError) Error() string {
	return fmt.Sprintf("node %d: %s", e.NodeID, e.Reason)
}

// Walk visits nodes in pre-order following declared child order. It fails on
// out-of-range indexes, leaves with children, parent back-references that do
// not match, cycles, and nodes unreachable from the root.
func (t *Tree[T]) Walk(visit func(idx int, n *Node[T]) error) error {
	if t.Root < 0 || t.Root >= len(t.Nodes) {
		return &TreeError{Reason: "missing root group"}
	}
	if t.Nodes[t.Root].Kind != KindGroup {
		return &TreeError{NodeID: t.Nodes[t.Root].ID, Reason: "root must be a group"}
	}

	visited := make([]bool, len(t.Nodes))
	var walk func(idx, parent int) error
	walk = func(idx, parent int) error {
		n := &t.Nodes[idx]
		if visited[idx] {
			return &TreeError{NodeID: n.ID, Reason: "cycle detected"}
		}
		visited[idx] = true
		if idx != t.Root && n.Parent != parent {
			return &TreeError{NodeID: n.ID, Reason: fmt.Sprintf("parent index %d does not match owning group", n.Parent)}
		}
		if n.Kind == KindLeaf && len(n.Children) > 0 {
			return &TreeError{NodeID: n.ID, Reason: "leaf node has children"}
		}
		if n.Kind == KindGroup && n.Group != GroupAnd && n.Group != GroupOr {
			return &TreeError{NodeID: n.ID, Reason: fmt.Sprintf("unknown group type %q", n.Group)}
		}
		if visit != nil {
			if err := visit(idx, n); err != nil {
				return err
			}
		}
		for _, c := range n.Children {
			if c < 0 || c >= len(t.Nodes) {
				return &TreeError{NodeID: n.ID, Reason: fmt.Sprintf("child index %d out of range", c)}
			}
			if err := walk(c, idx); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.Root, -1); err != nil {
		return err
	}

	for i, seen := range visited {
		if !seen {
			return &TreeError{NodeID: t.Nodes[i].ID, Reason: "node unreachable from root"}
		}
	}
	return nil
}

// Leaves returns the leaf payloads in pre-order
func (t *Tree[T]) Leaves() ([]T, error) {
	var out []T
	err := t.Walk(func(_ int, n *Node[T]) error {
		if n.Kind == KindLeaf {
			out = append(out, n.Leaf)
		}
		return nil
	})
	return out, err
}

// Clone returns a deep copy of the arena
func (t Tree[T]) Clone() Tree[T] {
	nodes := make([]Node[T], len(t.Nodes))
	for i, n := range t.Nodes {
		n.Children = append([]int(nil), n.Children...)
		nodes[i] = n
	}
	return Tree[T]{Nodes: nodes, Root: t.Root}
}
