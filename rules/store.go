package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleSource supplies rule snapshots to the builder. Implementations never
// receive writes from the engine.
type RuleSource interface {
	// ListActive returns every rule of the fact type that is active and the
	// latest version of its lineage, ordered by priority then id
	ListActive(ctx context.Context, factType FactType) ([]*DecisionRule, error)

	// LoadRules returns the rows with the given ids regardless of their
	// active or latest flags. Missing ids are an error.
	LoadRules(ctx context.Context, factType FactType, ids []int64) ([]*DecisionRule, error)
}

// SortCanonical orders rules by priority ascending, ties by id ascending
func SortCanonical(rs []*DecisionRule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority < rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}

// InMemoryRuleStore implements RuleSource using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRuleStore struct {
	rules  map[int64]*DecisionRule
	nextID int64
	mu     sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[int64]*DecisionRule),
	}
}

// Add stores a new rule row. A zero ID is replaced by the next free id.
func (s *InMemoryRuleStore) Add(rule *DecisionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == 0 {
		rule.ID = s.allocID()
	}
	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %d already exists", rule.ID)
	}
	if rule.ID > s.nextID {
		s.nextID = rule.ID
	}
	if rule.Version == 0 {
		rule.Version = 1
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

// Revise stores rule as the next version of the lineage that previous
// belongs to. The previous row keeps existing but is no longer latest.
func (s *InMemoryRuleStore) Revise(previousID int64, rule *DecisionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.rules[previousID]
	if !exists {
		return fmt.Errorf("rule with ID %d not found", previousID)
	}
	if !prev.IsLatest {
		return fmt.Errorf("rule %d is not the latest version of its lineage", previousID)
	}

	lineage := prev.LineageID()
	rule.ID = s.allocID()
	rule.ParentRuleID = &lineage
	rule.Version = prev.Version + 1
	rule.IsLatest = true
	rule.FactType = prev.FactType
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt

	prev.IsLatest = false
	prev.UpdatedAt = rule.CreatedAt
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

// SetActive toggles the active flag of a row
func (s *InMemoryRuleStore) SetActive(id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule with ID %d not found", id)
	}
	r.Active = active
	r.UpdatedAt = time.Now()
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(id int64) (*DecisionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %d not found", id)
	}
	return cloneRule(r), nil
}

// ListActive returns active latest rules of a fact type in canonical order
func (s *InMemoryRuleStore) ListActive(_ context.Context, factType FactType) ([]*DecisionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*DecisionRule
	for _, r := range s.rules {
		if r.FactType == factType && r.Active && r.IsLatest {
			active = append(active, cloneRule(r))
		}
	}
	SortCanonical(active)
	return active, nil
}

// LoadRules returns historical rows by id in the order requested
func (s *InMemoryRuleStore) LoadRules(_ context.Context, factType FactType, ids []int64) ([]*DecisionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*DecisionRule, 0, len(ids))
	for _, id := range ids {
		r, exists := s.rules[id]
		if !exists || r.FactType != factType {
			return nil, fmt.Errorf("rule with ID %d not found for fact type %s", id, factType)
		}
		out = append(out, cloneRule(r))
	}
	return out, nil
}

func (s *InMemoryRuleStore) allocID() int64 {
	s.nextID++
	for {
		if _, taken := s.rules[s.nextID]; !taken {
			return s.nextID
		}
		s.nextID++
	}
}

func cloneRule(r *DecisionRule) *DecisionRule {
	c := *r
	if r.ParentRuleID != nil {
		p := *r.ParentRuleID
		c.ParentRuleID = &p
	}
	c.Conditions = r.Conditions.Clone()
	c.Outputs = r.Outputs.Clone()
	return &c
}
