package engine

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/riskrules/compiler"
	"github.com/liamcoop/riskrules/rules"
	"github.com/liamcoop/riskrules/versionstore"
)

// DefaultCostLimit bounds the CEL cost of one container evaluation when no
// limit is configured. Existential rules cost in proportion to the
// collection elements they visit; the default admits hundreds of such rules
// over facts with thousands of elements.
const DefaultCostLimit uint64 = 100_000_000

// Artifact is an immutable, linked rule container for one fact type. The
// program evaluates to one boolean per unit, in canonical firing order.
type Artifact struct {
	FactType rules.FactType
	Version  int
	BuildID  string
	Hash     string
	Document string
	Units    []*compiler.Unit
	Rules    []versionstore.RuleRef

	root    string
	program cel.Program
}

// RulesCount is the number of rules in the container
func (a *Artifact) RulesCount() int {
	return len(a.Units)
}

// withVersion returns a copy of a that is live as another ledger version.
// The program and units are shared since neither is ever mutated.
func (a *Artifact) withVersion(version int) *Artifact {
	c := *a
	c.Version = version
	return &c
}

// evaluate runs the program once against the normalized fact
func (a *Artifact) evaluate(ctx context.Context, data map[string]any) ([]bool, error) {
	out, _, err := a.program.ContextEval(ctx, map[string]any{a.root: data})
	if err != nil {
		return nil, err
	}
	native, err := out.ConvertToNative(reflect.TypeOf([]bool{}))
	if err != nil {
		return nil, fmt.Errorf("container returned %s, want list of bool: %w", out.Type(), err)
	}
	flags := native.([]bool)
	if len(flags) != len(a.Units) {
		return nil, fmt.Errorf("container returned %d results for %d rules", len(flags), len(a.Units))
	}
	return flags, nil
}

// renderDocument concatenates the preamble and every unit into the CEL
// source of the container
func renderDocument(factType rules.FactType, root string, units []*compiler.Unit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "// rule container for %s\n", factType)
	fmt.Fprintf(&b, "// input: %s; output: one guard result per rule in firing order\n", root)
	b.WriteString("// each true result appends that rule's outputs to the run's hit list\n")
	if len(units) == 0 {
		b.WriteString("[]\n")
		return b.String()
	}
	b.WriteString("[\n")
	for i, u := range units {
		b.WriteString("  " + u.Header() + "\n")
		b.WriteString("  " + u.Guard)
		if i < len(units)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString("]\n")
	return b.String()
}

// link compiles the container document into one program whose evaluation
// is cancelled once it exceeds costLimit
func link(c *compiler.Compiler, document string, costLimit uint64) (cel.Program, error) {
	ast, iss := c.Env().Compile(document)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile container: %w", iss.Err())
	}
	prg, err := c.Env().Program(ast,
		cel.CostLimit(costLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prg, nil
}
