// Package ledger is the durable record of agent sessions and their lifecycle.
//
// The ledger is a single-file SQLite database (WAL mode, one writer and many
// readers). It is the only component that writes session state; the liveness
// oracle and the doctor request changes through it.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// State is a session's lifecycle state.
type State string

const (
	StateBooting State = "booting"
	StateWorking State = "working"
	StateDone    State = "done"
	StateStalled State = "stalled"
	StateZombie  State = "zombie"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateBooting, StateWorking, StateStalled, StateZombie, StateDone}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateBooting, StateWorking, StateDone, StateStalled, StateZombie:
		return true
	}
	return false
}

// IsTerminal reports whether s is retained for audit only and excluded from
// liveness scans.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateZombie
}

// transitions lists the allowed next states. Same-state updates are always allowed.
var transitions = map[State][]State{
	StateBooting: {StateWorking, StateStalled, StateZombie, StateDone},
	StateWorking: {StateStalled, StateZombie, StateDone},
	StateStalled: {StateWorking, StateZombie, StateDone},
	StateDone:    nil,
	StateZombie:  nil,
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to State) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotFound is returned when no session matches.
	ErrNotFound = errors.New("session not found")

	// ErrStoreUnavailable wraps failures to open or reach the backing store.
	ErrStoreUnavailable = errors.New("session ledger unavailable")

	// ErrAgentActive is returned when an upsert would give two non-terminal
	// sessions the same agent name.
	ErrAgentActive = errors.New("agent already has an active session")

	// ErrPIDRequired is returned when a session would enter working or
	// stalled without a recorded pid.
	ErrPIDRequired = errors.New("pid is required")
)

// needsPID reports whether a session in state s must carry a pid.
func needsPID(s State) bool {
	return s == StateWorking || s == StateStalled
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	SessionID string
	From      State
	To        State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot transition %s -> %s", e.SessionID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Session is one row of the ledger: a worker's identity, placement, lineage
// and lifecycle.
type Session struct {
	ID         string `json:"id"`
	AgentName  string `json:"agent_name"`
	Capability string `json:"capability"`

	WorktreePath string `json:"worktree_path"`
	BranchName   string `json:"branch_name"`
	TmuxSession  string `json:"tmux_session"`
	// PID is nil while booting, before the pane process is known.
	PID *int `json:"pid,omitempty"`

	ParentAgent *string `json:"parent_agent,omitempty"`
	Depth       int     `json:"depth"`
	RunID       *string `json:"run_id,omitempty"`

	State           State      `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	LastActivity    time.Time  `json:"last_activity"`
	EscalationLevel int        `json:"escalation_level"`
	StalledSince    *time.Time `json:"stalled_since,omitempty"`

	BeadID string `json:"bead_id"`
}

// IsActive reports whether the session participates in liveness scans.
func (s *Session) IsActive() bool {
	return !s.State.IsTerminal()
}

// validate checks the invariants a row must satisfy before it is written.
func (s *Session) validate() error {
	if s.AgentName == "" {
		return fmt.Errorf("agent name is required")
	}
	if !s.State.IsValid() {
		return fmt.Errorf("invalid state %q", s.State)
	}
	if s.EscalationLevel < 0 {
		return fmt.Errorf("escalation level must not be negative")
	}
	if s.PID == nil && needsPID(s.State) {
		return fmt.Errorf("session %s: %w in state %s", s.AgentName, ErrPIDRequired, s.State)
	}
	return nil
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v, or nil when v is empty.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
