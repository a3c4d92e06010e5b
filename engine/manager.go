package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/riskrules/internal/logger"
	"github.com/liamcoop/riskrules/rules"
	"github.com/liamcoop/riskrules/versionstore"
)

// Build and fire outcomes reported to an Observer
const (
	OutcomeDeployed  = "deployed"
	OutcomeUnchanged = "unchanged"
	OutcomeActivated = "activated"
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
	OutcomeMatched   = "matched"
	OutcomeNoMatch   = "no_match"
)

// Observer receives control-plane and execution events, typically to export
// metrics. Implementations must be safe for concurrent use.
type Observer interface {
	BuildFinished(factType rules.FactType, outcome string, elapsed time.Duration)
	Fired(factType rules.FactType, outcome string, hits int, elapsed time.Duration)
	LiveVersion(factType rules.FactType, version int)
}

type nopObserver struct{}

func (nopObserver) BuildFinished(rules.FactType, string, time.Duration) {}
func (nopObserver) Fired(rules.FactType, string, int, time.Duration)    {}
func (nopObserver) LiveVersion(rules.FactType, int)                     {}

// DeployRequest carries the audit fields of a deploy
type DeployRequest struct {
	Description string `json:"description"`
	DeployedBy  string `json:"deployedBy"`
}

// DeployResult reports whether a deploy published a new version
type DeployResult struct {
	Deployed   bool   `json:"deployed"`
	Version    int    `json:"version"`
	BuildID    string `json:"buildId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RulesCount int    `json:"rulesCount"`
	RulesHash  string `json:"rulesHash"`
}

// slot holds the live container of one fact type. mu serializes deploys and
// rollbacks of the type; fire reads live without locking.
type slot struct {
	schema   *rules.Schema
	builder  *Builder
	mu       sync.Mutex
	live     atomic.Pointer[Artifact]
	retained map[int]*Artifact
}

// Manager owns one slot per registered fact type. The set of slots is fixed
// at construction, so lookups need no lock.
type Manager struct {
	slots     map[rules.FactType]*slot
	order     []rules.FactType
	store     versionstore.Store
	observer  Observer
	now       func() time.Time
	costLimit uint64
}

// Option configures a Manager
type Option func(*Manager)

// WithObserver registers an event observer
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithCostLimit sets the CEL cost limit of every container evaluation.
// Zero keeps DefaultCostLimit.
func WithCostLimit(limit uint64) Option {
	return func(m *Manager) {
		m.costLimit = limit
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager for every fact type in the registry. No
// container is live until Recover or BuildAndDeploy runs.
func NewManager(registry *rules.Registry, source rules.RuleSource, store versionstore.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		slots:    make(map[rules.FactType]*slot),
		store:    store,
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, ft := range registry.FactTypes() {
		schema, _ := registry.Lookup(ft)
		b, err := NewBuilder(schema, source, m.costLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to create builder for %s: %w", ft, err)
		}
		m.slots[ft] = &slot{schema: schema, builder: b, retained: make(map[int]*Artifact)}
		m.order = append(m.order, ft)
	}
	return m, nil
}

// FactTypes returns the managed fact types in registry order
func (m *Manager) FactTypes() []rules.FactType {
	return append([]rules.FactType(nil), m.order...)
}

// Schema returns the schema of a managed fact type
func (m *Manager) Schema(ft rules.FactType) (*rules.Schema, bool) {
	s, ok := m.slots[ft]
	if !ok {
		return nil, false
	}
	return s.schema, true
}

// Live returns the artifact currently serving fire calls for ft
func (m *Manager) Live(ft rules.FactType) (*Artifact, bool) {
	s, ok := m.slots[ft]
	if !ok {
		return nil, false
	}
	art := s.live.Load()
	return art, art != nil
}

// History returns the ledger of ft, newest first
func (m *Manager) History(ctx context.Context, ft rules.FactType) ([]*versionstore.ContainerVersion, error) {
	if _, ok := m.slots[ft]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactType, ft)
	}
	return m.store.History(ctx, ft)
}

// Version returns one ledger row of ft
func (m *Manager) Version(ctx context.Context, ft rules.FactType, version int) (*versionstore.ContainerVersion, error) {
	if _, ok := m.slots[ft]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactType, ft)
	}
	v, err := m.store.Get(ctx, ft, version)
	if errors.Is(err, versionstore.ErrVersionNotFound) {
		return nil, &VersionNotFoundError{FactType: ft, Version: version}
	}
	return v, err
}

// BuildAndDeploy builds the active rule set of ft and, unless its hash equals
// the latest recorded version, records a new version and swaps it live. Any
// failure leaves the live container untouched.
func (m *Manager) BuildAndDeploy(ctx context.Context, ft rules.FactType, req DeployRequest) (*DeployResult, error) {
	s, ok := m.slots[ft]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactType, ft)
	}
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := m.deployLocked(ctx, s, ft, req)
	if err != nil {
		m.observer.BuildFinished(ft, OutcomeFailed, time.Since(start))
		logger.BuildFailed("Deploy failed", "fact_type", ft, "rule_error", isRuleError(err), "error", err)
		return nil, err
	}

	outcome := OutcomeDeployed
	if !res.Deployed {
		outcome = OutcomeUnchanged
	}
	m.observer.BuildFinished(ft, outcome, time.Since(start))
	logger.Info("Deploy finished",
		"fact_type", ft,
		"outcome", outcome,
		"version", res.Version,
		"build_id", res.BuildID,
		"rules", res.RulesCount,
	)
	return res, nil
}

func (m *Manager) deployLocked(ctx context.Context, s *slot, ft rules.FactType, req DeployRequest) (*DeployResult, error) {
	art, err := s.builder.Build(ctx)
	if err != nil {
		return nil, err
	}

	latest, err := m.store.Latest(ctx, ft)
	if err != nil && !errors.Is(err, versionstore.ErrVersionNotFound) {
		return nil, &BuildError{FactType: ft, Reason: "failed to read latest version", Err: err}
	}

	if latest != nil && latest.RulesHash == art.Hash {
		// nothing to publish, but a slot that lost its container (for
		// example after a failed recovery) gets this build back
		if s.live.Load() == nil {
			art.Version, art.BuildID = latest.Version, latest.BuildID
			m.install(s, ft, art)
		}
		return &DeployResult{
			Deployed:   false,
			Version:    latest.Version,
			Reason:     OutcomeUnchanged,
			RulesCount: art.RulesCount(),
			RulesHash:  art.Hash,
		}, nil
	}

	next := 1
	var prevRules []versionstore.RuleRef
	if latest != nil {
		next = latest.Version + 1
		prevRules = latest.Rules
	}
	changes := diffRules(prevRules, art.Rules)
	description := req.Description
	if description == "" {
		description = describeChanges(changes)
	}

	art.Version = next
	art.BuildID = uuid.NewString()
	row := &versionstore.ContainerVersion{
		FactType:           ft,
		Version:            next,
		RulesCount:         art.RulesCount(),
		RulesHash:          art.Hash,
		BuildID:            art.BuildID,
		ChangesDescription: description,
		Rules:              art.Rules,
		Changes:            changes,
		DeployedAt:         m.now().UTC(),
		DeployedBy:         req.DeployedBy,
	}
	if err := m.store.Append(ctx, row); err != nil {
		if errors.Is(err, versionstore.ErrVersionConflict) {
			return nil, &DeployError{FactType: ft, Version: next, Err: err}
		}
		return nil, &BuildError{FactType: ft, Reason: "failed to record version", Err: err}
	}

	m.install(s, ft, art)
	return &DeployResult{
		Deployed:   true,
		Version:    next,
		BuildID:    art.BuildID,
		RulesCount: art.RulesCount(),
		RulesHash:  art.Hash,
	}, nil
}

// install publishes art as the live container. Callers hold s.mu.
func (m *Manager) install(s *slot, ft rules.FactType, art *Artifact) {
	s.retained[art.Version] = art
	s.live.Store(art)
	m.observer.LiveVersion(ft, art.Version)
}

// ActivateVersion makes a recorded version live again. The rollback is
// itself recorded as a new ledger row carrying the restored rule set, so the
// latest row always describes what is live. Activating the version that is
// already live is a no-op returning the latest row.
func (m *Manager) ActivateVersion(ctx context.Context, ft rules.FactType, version int, actor string) (*versionstore.ContainerVersion, error) {
	s, ok := m.slots[ft]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactType, ft)
	}
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := m.activateLocked(ctx, s, ft, version, actor)
	if err != nil {
		m.observer.BuildFinished(ft, OutcomeFailed, time.Since(start))
		logger.BuildFailed("Activate version failed", "fact_type", ft, "version", version, "error", err)
		return nil, err
	}
	m.observer.BuildFinished(ft, OutcomeActivated, time.Since(start))
	logger.Info("Activated version",
		"fact_type", ft,
		"restored_from", version,
		"version", row.Version,
		"actor", actor,
	)
	return row, nil
}

func (m *Manager) activateLocked(ctx context.Context, s *slot, ft rules.FactType, version int, actor string) (*versionstore.ContainerVersion, error) {
	target, err := m.store.Get(ctx, ft, version)
	if errors.Is(err, versionstore.ErrVersionNotFound) {
		return nil, &VersionNotFoundError{FactType: ft, Version: version}
	}
	if err != nil {
		return nil, &BuildError{FactType: ft, Reason: "failed to read version", Err: err}
	}

	latest, err := m.store.Latest(ctx, ft)
	if err != nil {
		return nil, &BuildError{FactType: ft, Reason: "failed to read latest version", Err: err}
	}
	if live := s.live.Load(); live != nil && live.Version == latest.Version && latest.RulesHash == target.RulesHash {
		return latest, nil
	}

	art, err := m.artifactFor(ctx, s, target)
	if err != nil {
		return nil, err
	}

	changes := diffRules(latest.Rules, target.Rules)
	row := &versionstore.ContainerVersion{
		FactType:           ft,
		Version:            latest.Version + 1,
		RulesCount:         target.RulesCount,
		RulesHash:          target.RulesHash,
		BuildID:            target.BuildID,
		ChangesDescription: fmt.Sprintf("rollback to version %d: %s", version, describeChanges(changes)),
		Rules:              target.Rules,
		Changes:            changes,
		DeployedAt:         m.now().UTC(),
		DeployedBy:         actor,
		RestoredFrom:       version,
	}
	if err := m.store.Append(ctx, row); err != nil {
		if errors.Is(err, versionstore.ErrVersionConflict) {
			return nil, &DeployError{FactType: ft, Version: row.Version, Err: err}
		}
		return nil, &BuildError{FactType: ft, Reason: "failed to record rollback", Err: err}
	}

	m.install(s, ft, art.withVersion(row.Version))
	return row, nil
}

// artifactFor returns a retained artifact with the recorded hash, or rebuilds
// one from the recorded rule snapshot. Callers hold s.mu.
func (m *Manager) artifactFor(ctx context.Context, s *slot, v *versionstore.ContainerVersion) (*Artifact, error) {
	if art, ok := s.retained[v.Version]; ok && art.Hash == v.RulesHash {
		return art, nil
	}
	for _, art := range s.retained {
		if art.Hash == v.RulesHash {
			return art.withVersion(v.Version), nil
		}
	}
	return s.builder.Rebuild(ctx, v)
}

// Recover loads the latest recorded version of every fact type, rebuilding
// artifacts from their recorded snapshots. Types without any version stay
// without a live container. It must complete before fire calls are served.
func (m *Manager) Recover(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ft := range m.order {
		ft, s := ft, m.slots[ft]
		g.Go(func() error {
			start := time.Now()
			s.mu.Lock()
			defer s.mu.Unlock()

			latest, err := m.store.Latest(ctx, ft)
			if errors.Is(err, versionstore.ErrVersionNotFound) {
				logger.Info("No recorded container to recover", "fact_type", ft)
				return nil
			}
			if err != nil {
				return fmt.Errorf("recover %s: %w", ft, err)
			}

			art, err := m.artifactFor(ctx, s, latest)
			if err != nil {
				m.observer.BuildFinished(ft, OutcomeFailed, time.Since(start))
				return fmt.Errorf("recover %s version %d: %w", ft, latest.Version, err)
			}
			m.install(s, ft, art)
			m.observer.BuildFinished(ft, OutcomeRecovered, time.Since(start))
			logger.Info("Recovered container",
				"fact_type", ft,
				"version", latest.Version,
				"rules", art.RulesCount(),
			)
			return nil
		})
	}
	return g.Wait()
}

// Fire evaluates one fact against the live container of its type. It reads
// only in-memory state and never blocks on a deploy.
func (m *Manager) Fire(ctx context.Context, fact Fact) (*TotalRuleResults, error) {
	start := time.Now()
	res, err := m.fire(ctx, fact)
	if err != nil {
		m.observer.Fired(fact.Type, OutcomeFailed, 0, time.Since(start))
		var ee *ExecutionError
		callerFault := errors.As(err, &ee) && ee.CallerFault()
		logger.FireFailed(callerFault, "Fire failed", "fact_type", fact.Type, "error", err)
		return nil, err
	}

	outcome := OutcomeNoMatch
	if len(res.Hits) > 0 {
		outcome = OutcomeMatched
	}
	m.observer.Fired(fact.Type, outcome, len(res.Hits), time.Since(start))
	return res, nil
}

func (m *Manager) fire(ctx context.Context, fact Fact) (*TotalRuleResults, error) {
	s, ok := m.slots[fact.Type]
	if !ok {
		return nil, &ExecutionError{Kind: KindUnknownFactType, FactType: fact.Type, Message: "no schema registered"}
	}
	runAt := m.now().UTC()

	art := s.live.Load()
	if art == nil {
		return nil, &ExecutionError{Kind: KindNoLiveContainer, FactType: fact.Type, Message: "no container has been deployed"}
	}

	data, err := normalizeFact(s.schema, fact.Data)
	if err != nil {
		return nil, err
	}

	flags, err := art.evaluate(ctx, data)
	if err != nil {
		return nil, &ExecutionError{Kind: KindEvaluation, FactType: fact.Type, Message: err.Error()}
	}

	var hits []RuleOutputHit
	for i, matched := range flags {
		if !matched {
			continue
		}
		u := art.Units[i]
		for _, out := range u.Outputs {
			if out.Score != nil {
				v := *out.Score
				out.Score = &v
			}
			hits = append(hits, RuleOutputHit{RuleID: u.RuleID, RuleName: u.Name, Output: out})
		}
	}

	res := aggregate(hits)
	res.FactType = fact.Type
	res.ContainerVersion = art.Version
	res.RunAt = runAt
	return &res, nil
}
