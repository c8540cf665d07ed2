package domain

import (
	"errors"
	"time"
)

// Status is the terminal result of one deployment.
type Status string

const (
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
	StatusFatal      Status = "fatal"
)

func (s Status) String() string {
	return string(s)
}

// State is a step of the swap state machine.
type State string

const (
	StateIdle        State = "idle"
	StateLocked      State = "locked"
	StatePushing     State = "pushing"
	StateStarting    State = "starting"
	StateProbing     State = "probing"
	StateCommitting  State = "committing"
	StateRollingBack State = "rolling_back"
	StateUnlocked    State = "unlocked"
)

// Outcome is the result of running one Request. Exactly one Outcome is
// produced per target and its Status is always one of the three terminal
// values.
type Outcome struct {
	Target            string
	App               string
	Status            Status
	Err               error
	Previous          ArtifactRef
	Deployed          ArtifactRef
	RollbackPerformed bool
	Duration          time.Duration
	Trail             []State
	// Plan lists the mutating commands a dry run would have issued.
	Plan []string
}

// Committed reports whether the candidate now serves traffic.
func (o Outcome) Committed() bool {
	return o.Status == StatusCommitted
}

// ErrorMessage returns the error text or an empty string.
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Kind returns the sentinel error kind carried by the outcome, or nil.
func (o Outcome) Kind() error {
	for _, kind := range []error{
		ErrRollback, ErrConfig, ErrAuth, ErrLockContention, ErrBuild,
		ErrSmokeTest, ErrTransport, ErrHealthTimeout, ErrUnhealthy,
		ErrSwap, ErrCancelled,
	} {
		if errors.Is(o.Err, kind) {
			return kind
		}
	}
	return nil
}

// AllCommitted reports whether every outcome committed.
func AllCommitted(outcomes []Outcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	for _, o := range outcomes {
		if !o.Committed() {
			return false
		}
	}
	return true
}
