// Package versionstore is the append-only ledger of built rule containers,
// keyed by (fact type, version)
package versionstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/riskrules/rules"
)

var (
	// ErrVersionNotFound is returned when no row matches a lookup
	ErrVersionNotFound = errors.New("container version not found")

	// ErrVersionConflict is returned when an appended row is not exactly the
	// next version of its fact type
	ErrVersionConflict = errors.New("container version conflict")
)

// RuleRef identifies one rule row as it was compiled into a container
type RuleRef struct {
	ID          int64  `json:"id"`
	Version     int    `json:"version"`
	Lineage     int64  `json:"lineage"`
	Fingerprint string `json:"fingerprint"`
}

// RuleChanges is the structural diff against the previous version
type RuleChanges struct {
	Added   []int64 `json:"added"`
	Removed []int64 `json:"removed"`
	Updated []int64 `json:"updated"`
}

// Empty reports whether the diff records no change
func (c RuleChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

// ContainerVersion is one immutable ledger row. RestoredFrom is the version a
// rollback re-activated, or 0 for a row written by a build.
type ContainerVersion struct {
	FactType           rules.FactType `json:"factType"`
	Version            int            `json:"version"`
	RulesCount         int            `json:"rulesCount"`
	RulesHash          string         `json:"rulesHash"`
	BuildID            string         `json:"buildId"`
	ChangesDescription string         `json:"changesDescription"`
	Rules              []RuleRef      `json:"rules"`
	Changes            RuleChanges    `json:"ruleChanges"`
	DeployedAt         time.Time      `json:"deployedAt"`
	DeployedBy         string         `json:"deployedBy"`
	RestoredFrom       int            `json:"restoredFrom,omitempty"`
}

// RuleIDs returns the rule ids in canonical firing order
func (v *ContainerVersion) RuleIDs() []int64 {
	ids := make([]int64, len(v.Rules))
	for i, r := range v.Rules {
		ids[i] = r.ID
	}
	return ids
}

// Store is the ledger contract. Implementations never update or delete rows.
type Store interface {
	// Append writes v. v.Version must be the latest version plus one, or 1
	// for the first row of a fact type.
	Append(ctx context.Context, v *ContainerVersion) error

	// Latest returns the highest version of the fact type, or
	// ErrVersionNotFound when none exists
	Latest(ctx context.Context, factType rules.FactType) (*ContainerVersion, error)

	// History returns every version of the fact type, newest first
	History(ctx context.Context, factType rules.FactType) ([]*ContainerVersion, error)

	// Get returns one version, or ErrVersionNotFound
	Get(ctx context.Context, factType rules.FactType, version int) (*ContainerVersion, error)
}

// MemoryStore implements Store in memory. Thread-safe with RWMutex.
type MemoryStore struct {
	versions map[rules.FactType][]*ContainerVersion
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory ledger
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[rules.FactType][]*ContainerVersion)}
}

func (s *MemoryStore) Append(_ context.Context, v *ContainerVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.versions[v.FactType]
	if v.Version != len(rows)+1 {
		return ErrVersionConflict
	}
	s.versions[v.FactType] = append(rows, clone(v))
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, factType rules.FactType) (*ContainerVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.versions[factType]
	if len(rows) == 0 {
		return nil, ErrVersionNotFound
	}
	return clone(rows[len(rows)-1]), nil
}

func (s *MemoryStore) History(_ context.Context, factType rules.FactType) ([]*ContainerVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.versions[factType]
	out := make([]*ContainerVersion, 0, len(rows))
	for _, v := range rows {
		out = append(out, clone(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, factType rules.FactType, version int) (*ContainerVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.versions[factType]
	if version < 1 || version > len(rows) {
		return nil, ErrVersionNotFound
	}
	return clone(rows[version-1]), nil
}

func clone(v *ContainerVersion) *ContainerVersion {
	c := *v
	c.Rules = make([]RuleRef, len(v.Rules))
	copy(c.Rules, v.Rules)
	c.Changes = RuleChanges{
		Added:   copyIDs(v.Changes.Added),
		Removed: copyIDs(v.Changes.Removed),
		Updated: copyIDs(v.Changes.Updated),
	}
	return &c
}

// copyIDs never returns nil so empty diffs encode as []
func copyIDs(ids []int64) []int64 {
	out := make([]int64, len(ids))
	copy(out, ids)
	return out
}
