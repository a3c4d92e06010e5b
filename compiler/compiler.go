package compiler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/riskrules/rules"
)

// CompileError reports a rule that cannot be rendered to executable form.
// NodeID is 0 when the failure is not tied to one node.
type CompileError struct {
	RuleID  int64
	NodeID  int64
	Message string
}

func (e *CompileError) Error() string {
	if e.NodeID == 0 {
		return fmt.Sprintf("compile rule %d: %s", e.RuleID, e.Message)
	}
	return fmt.Sprintf("compile rule %d node %d: %s", e.RuleID, e.NodeID, e.Message)
}

// Unit is the compiled form of one rule: a CEL guard over the fact root and
// the hits emitted, in order, when the guard is true
type Unit struct {
	RuleID      int64
	Name        string
	Priority    int
	Version     int
	Lineage     int64
	Guard       string
	Outputs     []rules.Output
	Fingerprint string
}

// Header is the comment line that introduces the unit in a container
func (u *Unit) Header() string {
	return fmt.Sprintf("// rule %d %s priority %d version %d",
		u.RuleID, strconv.Quote(u.Name), u.Priority, u.Version)
}

// Source renders the unit as it appears in a container document
func (u *Unit) Source() string {
	return u.Header() + "\n" + u.Guard
}

// maxDocumentSize bounds a linked container document, in code points
const maxDocumentSize = 8 << 20

// Compiler translates rules of one fact type into CEL
type Compiler struct {
	schema *rules.Schema
	env    *cel.Env
}

// New creates a compiler whose environment declares the schema root as a
// dynamic variable, since facts are evaluated as maps
func New(schema *rules.Schema) (*Compiler, error) {
	if schema == nil {
		return nil, errors.New("compiler requires a schema")
	}
	env, err := cel.NewEnv(
		cel.Variable(schema.Root, cel.DynType),
		cel.ParserExpressionSizeLimit(maxDocumentSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{schema: schema, env: env}, nil
}

// Env returns the CEL environment used to check guards, for linking
func (c *Compiler) Env() *cel.Env {
	return c.env
}

// Schema returns the schema the compiler renders field paths against
func (c *Compiler) Schema() *rules.Schema {
	return c.schema
}

// Compile renders a rule. Any malformed node fails the whole rule.
func (c *Compiler) Compile(r *rules.DecisionRule) (*Unit, error) {
	if r.FactType != c.schema.FactType {
		return nil, &CompileError{RuleID: r.ID, Message: fmt.Sprintf("rule fact type %q does not match compiler %q", r.FactType, c.schema.FactType)}
	}
	if err := r.Conditions.Walk(nil); err != nil {
		return nil, treeError(r.ID, "condition tree", err)
	}

	guard, err := c.renderGroup(r, r.Conditions.Root)
	if err != nil {
		return nil, err
	}
	if err := c.check(r, guard); err != nil {
		return nil, err
	}

	outputs, err := r.Outputs.Leaves()
	if err != nil {
		return nil, treeError(r.ID, "output tree", err)
	}

	u := &Unit{
		RuleID:   r.ID,
		Name:     r.Name,
		Priority: r.Priority,
		Version:  r.Version,
		Lineage:  r.LineageID(),
		Guard:    guard,
		Outputs:  outputs,
	}
	u.Fingerprint, err = fingerprint(u)
	if err != nil {
		return nil, &CompileError{RuleID: r.ID, Message: err.Error()}
	}
	return u, nil
}

func (c *Compiler) renderGroup(r *rules.DecisionRule, idx int) (string, error) {
	n := &r.Conditions.Nodes[idx]
	if n.Kind == rules.KindLeaf {
		s, err := renderLeaf(c.schema, n.Leaf)
		if err != nil {
			return "", &CompileError{RuleID: r.ID, NodeID: n.ID, Message: err.Error()}
		}
		return s, nil
	}

	if len(n.Children) == 0 {
		if n.Group == rules.GroupOr {
			return "false", nil
		}
		return "true", nil
	}

	join := " && "
	if n.Group == rules.GroupOr {
		join = " || "
	}
	parts := make([]string, 0, len(n.Children))
	for _, child := range n.Children {
		s, err := c.renderGroup(r, child)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, join) + ")", nil
}

// check type-checks the guard. On failure each leaf is checked alone so the
// error names the first offending node.
func (c *Compiler) check(r *rules.DecisionRule, guard string) error {
	ast, iss := c.env.Compile(guard)
	if iss == nil || iss.Err() == nil {
		if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
			return &CompileError{RuleID: r.ID, Message: fmt.Sprintf("guard has type %s, want bool", ast.OutputType())}
		}
		return nil
	}

	for _, n := range r.Conditions.Nodes {
		if n.Kind != rules.KindLeaf {
			continue
		}
		s, err := renderLeaf(c.schema, n.Leaf)
		if err != nil {
			continue
		}
		if _, leafIss := c.env.Compile(s); leafIss != nil && leafIss.Err() != nil {
			return &CompileError{RuleID: r.ID, NodeID: n.ID, Message: leafIss.Err().Error()}
		}
	}
	return &CompileError{RuleID: r.ID, NodeID: r.Conditions.Nodes[r.Conditions.Root].ID, Message: iss.Err().Error()}
}

// fingerprint identifies the compiled content of a rule independent of its
// row id, so equal ids with different content hash differently. The name is
// included because every hit reports it.
func fingerprint(u *Unit) (string, error) {
	outputs, err := json.Marshal(u.Outputs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal outputs: %w", err)
	}
	var b strings.Builder
	b.WriteString(u.Name)
	b.WriteByte(0)
	b.WriteString(u.Guard)
	b.WriteByte(0)
	b.Write(outputs)
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(u.Priority))
	return HashWithDomain(DomainRule, []byte(b.String())), nil
}

func treeError(ruleID int64, tree string, err error) *CompileError {
	var te *rules.TreeError
	if errors.As(err, &te) {
		return &CompileError{RuleID: ruleID, NodeID: te.NodeID, Message: tree + ": " + te.Reason}
	}
	return &CompileError{RuleID: ruleID, Message: tree + ": " + err.Error()}
}
