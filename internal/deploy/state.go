package deploy

import "fmt"

// State is a step of the deployment state machine.
type State int

const (
	StateInit State = iota
	StatePackaged
	StateUploaded
	StateCertReady
	StateConfigInstalled
	StateProcessStarted
	StateVerified
	StateFailed
	StateRolledBack
)

var stateNames = [...]string{
	"Init",
	"Packaged",
	"Uploaded",
	"CertReady",
	"ConfigInstalled",
	"ProcessStarted",
	"Verified",
	"Failed",
	"RolledBack",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is allowed except the
// rollback of a failed run.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateFailed || s == StateRolledBack
}

// Tracker enforces the transition rules: forward steps advance by exactly
// one, any non-terminal state may fail, and rollback is only possible once
// the serving configuration has been touched.
type Tracker struct {
	current    State
	failedFrom State
	path       []State
	onChange   func(State)
}

// NewTracker starts in StateInit. onChange, if set, is called after every
// transition.
func NewTracker(onChange func(State)) *Tracker {
	return &Tracker{current: StateInit, path: []State{StateInit}, onChange: onChange}
}

// Current returns the current state.
func (t *Tracker) Current() State { return t.current }

// FailedFrom returns the state a failed run was in when it failed.
func (t *Tracker) FailedFrom() State { return t.failedFrom }

// Path returns every state visited in order.
func (t *Tracker) Path() []State { return append([]State(nil), t.path...) }

func (t *Tracker) set(s State) {
	t.current = s
	t.path = append(t.path, s)
	if t.onChange != nil {
		t.onChange(s)
	}
}

// Advance moves to the next forward state, which must be exactly one step
// ahead.
func (t *Tracker) Advance(to State) error {
	if t.current.Terminal() || to != t.current+1 || to > StateVerified {
		return fmt.Errorf("invalid transition %s -> %s", t.current, to)
	}
	t.set(to)
	return nil
}

// Fail moves a non-terminal run to StateFailed.
func (t *Tracker) Fail() error {
	if t.current.Terminal() {
		return fmt.Errorf("invalid transition %s -> %s", t.current, StateFailed)
	}
	t.failedFrom = t.current
	t.set(StateFailed)
	return nil
}

// CanRollBack reports whether RollBack would be accepted.
func (t *Tracker) CanRollBack() bool {
	switch t.current {
	case StateConfigInstalled, StateProcessStarted:
		return true
	case StateFailed:
		return t.failedFrom >= StateConfigInstalled
	}
	return false
}

// RollBack moves to StateRolledBack.
func (t *Tracker) RollBack() error {
	if !t.CanRollBack() {
		return fmt.Errorf("invalid transition %s -> %s", t.current, StateRolledBack)
	}
	t.set(StateRolledBack)
	return nil
}
