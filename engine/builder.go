package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/liamcoop/riskrules/compiler"
	"github.com/liamcoop/riskrules/rules"
	"github.com/liamcoop/riskrules/versionstore"
)

// Builder turns a rule snapshot of one fact type into a linked Artifact
type Builder struct {
	compiler  *compiler.Compiler
	source    rules.RuleSource
	costLimit uint64
}

// NewBuilder creates a builder for the fact type described by schema. A zero
// costLimit selects DefaultCostLimit.
func NewBuilder(schema *rules.Schema, source rules.RuleSource, costLimit uint64) (*Builder, error) {
	c, err := compiler.New(schema)
	if err != nil {
		return nil, err
	}
	if costLimit == 0 {
		costLimit = DefaultCostLimit
	}
	return &Builder{compiler: c, source: source, costLimit: costLimit}, nil
}

func (b *Builder) factType() rules.FactType {
	return b.compiler.Schema().FactType
}

// Build snapshots every active latest rule, validates and compiles them in
// canonical order and links the result. Validation and compile failures are
// returned as *rules.ValidationError and *compiler.CompileError; any single
// failure fails the whole build.
func (b *Builder) Build(ctx context.Context) (*Artifact, error) {
	ft := b.factType()
	snapshot, err := b.source.ListActive(ctx, ft)
	if err != nil {
		return nil, &BuildError{FactType: ft, Reason: "failed to load rule snapshot", Err: err}
	}
	rules.SortCanonical(snapshot)
	return b.assemble(snapshot)
}

// Rebuild recreates the artifact recorded by a ledger row from the rule rows
// it lists, in the recorded order, and verifies the content hash
func (b *Builder) Rebuild(ctx context.Context, v *versionstore.ContainerVersion) (*Artifact, error) {
	ft := b.factType()
	snapshot, err := b.source.LoadRules(ctx, ft, v.RuleIDs())
	if err != nil {
		return nil, &BuildError{FactType: ft, Reason: fmt.Sprintf("failed to load rules of version %d", v.Version), Err: err}
	}
	art, err := b.assemble(snapshot)
	if err != nil {
		return nil, err
	}
	if art.Hash != v.RulesHash {
		return nil, &BuildError{FactType: ft, Reason: fmt.Sprintf("rebuilt hash %s does not match version %d hash %s", art.Hash, v.Version, v.RulesHash)}
	}
	art.Version = v.Version
	art.BuildID = v.BuildID
	return art, nil
}

func (b *Builder) assemble(snapshot []*rules.DecisionRule) (*Artifact, error) {
	ft := b.factType()
	schema := b.compiler.Schema()

	units := make([]*compiler.Unit, 0, len(snapshot))
	refs := make([]versionstore.RuleRef, 0, len(snapshot))
	for _, r := range snapshot {
		if err := rules.Validate(r, schema); err != nil {
			return nil, err
		}
		u, err := b.compiler.Compile(r)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
		refs = append(refs, versionstore.RuleRef{
			ID:          u.RuleID,
			Version:     u.Version,
			Lineage:     u.Lineage,
			Fingerprint: u.Fingerprint,
		})
	}

	document := renderDocument(ft, schema.Root, units)
	program, err := link(b.compiler, document, b.costLimit)
	if err != nil {
		return nil, &BuildError{FactType: ft, Reason: "failed to link container", Err: err}
	}

	return &Artifact{
		FactType: ft,
		Hash:     containerHash(refs),
		Document: document,
		Units:    units,
		Rules:    refs,
		root:     schema.Root,
		program:  program,
	}, nil
}

// containerHash hashes the rule set independent of order. Each rule
// contributes its id, version and compiled fingerprint.
func containerHash(refs []versionstore.RuleRef) string {
	lines := make([]string, len(refs))
	for i, r := range refs {
		lines[i] = strconv.FormatInt(r.ID, 10) + ":" + strconv.Itoa(r.Version) + ":" + r.Fingerprint
	}
	sort.Strings(lines)
	return compiler.HashWithDomain(compiler.DomainContainer, []byte(strings.Join(lines, "\n")))
}

// diffRules classifies next against prev. A rule whose lineage was present
// under another row id, or whose row id is unchanged but fingerprint differs,
// is updated rather than added and removed.
func diffRules(prev, next []versionstore.RuleRef) versionstore.RuleChanges {
	changes := versionstore.RuleChanges{Added: []int64{}, Removed: []int64{}, Updated: []int64{}}

	prevByID := make(map[int64]versionstore.RuleRef, len(prev))
	for _, r := range prev {
		prevByID[r.ID] = r
	}
	nextIDs := make(map[int64]bool, len(next))
	for _, r := range next {
		nextIDs[r.ID] = true
	}
	// lineages whose previous row is gone from next
	replaced := make(map[int64]int64)
	for _, r := range prev {
		if !nextIDs[r.ID] {
			replaced[r.Lineage] = r.ID
		}
	}

	consumed := make(map[int64]bool)
	for _, r := range next {
		if old, existed := prevByID[r.ID]; existed {
			if old.Fingerprint != r.Fingerprint {
				changes.Updated = append(changes.Updated, r.ID)
			}
			continue
		}
		if oldID, ok := replaced[r.Lineage]; ok && !consumed[oldID] {
			consumed[oldID] = true
			changes.Updated = append(changes.Updated, r.ID)
			continue
		}
		changes.Added = append(changes.Added, r.ID)
	}
	for _, r := range prev {
		if !nextIDs[r.ID] && !consumed[r.ID] {
			changes.Removed = append(changes.Removed, r.ID)
		}
	}
	return changes
}

// describeChanges is the default change description of a ledger row
func describeChanges(c versionstore.RuleChanges) string {
	if c.Empty() {
		return "no rule changes"
	}
	var parts []string
	if n := len(c.Added); n > 0 {
		parts = append(parts, fmt.Sprintf("%d added", n))
	}
	if n := len(c.Updated); n > 0 {
		parts = append(parts, fmt.Sprintf("%d updated", n))
	}
	if n := len(c.Removed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", n))
	}
	return strings.Join(parts, ", ")
}

// isRuleError reports whether err rejects the rule set itself rather than
// the build machinery
func isRuleError(err error) bool {
	var ve *rules.ValidationError
	var ce *compiler.CompileError
	return errors.As(err, &ve) || errors.As(err, &ce)
}
