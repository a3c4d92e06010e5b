package engine

import (
	"errors"
	"fmt"

	"github.com/liamcoop/riskrules/rules"
)

// ErrUnknownFactType is wrapped by control-plane calls naming a fact type
// that has no registered schema
var ErrUnknownFactType = errors.New("unknown fact type")

// BuildError aborts a build after validation and compilation succeeded, for
// example when the rule source, linking or hashing fails. The live artifact
// is left untouched.
type BuildError struct {
	FactType rules.FactType
	Reason   string
	Err      error
}

func (e *BuildError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("build %s: %s", e.FactType, e.Reason)
	}
	return fmt.Sprintf("build %s: %s: %v", e.FactType, e.Reason, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// DeployError reports a lost race to publish a version, normally against
// another process sharing the ledger. No version is published by the loser.
type DeployError struct {
	FactType rules.FactType
	Version  int
	Err      error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy %s version %d: %v", e.FactType, e.Version, e.Err)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// VersionNotFoundError is returned when rolling back to a version that was
// never recorded
type VersionNotFoundError struct {
	FactType rules.FactType
	Version  int
}

func (e *VersionNotFoundError) Error() string {
	return fmt.Sprintf("container version %d not found for %s", e.Version, e.FactType)
}

// ExecutionErrorKind classifies a failed fire call
type ExecutionErrorKind string

const (
	KindUnknownFactType   ExecutionErrorKind = "unknown_fact_type"
	KindMissingIdentifier ExecutionErrorKind = "missing_identifier"
	KindInvalidFact       ExecutionErrorKind = "invalid_fact"
	KindNoLiveContainer   ExecutionErrorKind = "no_live_container"
	KindEvaluation        ExecutionErrorKind = "evaluation"
)

// ExecutionError is scoped to one fire call and never affects the live
// artifact
type ExecutionError struct {
	Kind     ExecutionErrorKind
	FactType rules.FactType
	Message  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("fire %s: %s: %s", e.FactType, e.Kind, e.Message)
}

// CallerFault reports whether the fact, not the engine, caused the failure
func (e *ExecutionError) CallerFault() bool {
	switch e.Kind {
	case KindUnknownFactType, KindMissingIdentifier, KindInvalidFact:
		return true
	}
	return false
}
