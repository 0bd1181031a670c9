// Package liveness decides whether an agent session is alive from three
// ranked signals: the multiplexer session list, the OS process table and the
// ledger's last-activity timestamp.
package liveness

import (
	"fmt"
	"time"

	"github.com/jpbrule-del/overstory/internal/constants"
	"github.com/jpbrule-del/overstory/internal/ledger"
)

// Tier ranks a signal by trust. Lower tiers win.
type Tier int

const (
	// TierPrimary is multiplexer session presence.
	TierPrimary Tier = iota + 1
	// TierSecondary is OS process presence for the session's pid.
	TierSecondary
	// TierTertiary is ledger last-activity freshness.
	TierTertiary
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "tmux"
	case TierSecondary:
		return "process"
	case TierTertiary:
		return "activity"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Outcome is what one tier observed.
type Outcome string

const (
	OutcomeAlive   Outcome = "alive"
	OutcomeDead    Outcome = "dead"
	OutcomeUnknown Outcome = "unknown"
)

// Signal is one tier's observation.
type Signal struct {
	Tier    Tier    `json:"tier"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

func (s Signal) String() string {
	if s.Detail == "" {
		return fmt.Sprintf("%s=%s", s.Tier, s.Outcome)
	}
	return fmt.Sprintf("%s=%s (%s)", s.Tier, s.Outcome, s.Detail)
}

// Confidence tells callers whether a verdict rests on tiers 1 and 2.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	// ConfidenceDegraded means a primary or secondary probe could not run.
	// Degraded verdicts must not be used to escalate.
	ConfidenceDegraded Confidence = "degraded"
)

// Observation holds the raw tier 1 and tier 2 signals gathered for a session.
// Tier 3 is derived from the session itself at resolution time.
type Observation struct {
	Tier1 Signal
	Tier2 Signal
	// PID is the pid tier 2 probed: the recorded pid, or the pane pid when
	// none was recorded.
	PID *int
}

// Verdict is the oracle's classification of one session.
type Verdict struct {
	SessionID  string       `json:"session_id"`
	AgentName  string       `json:"agent_name"`
	Previous   ledger.State `json:"previous"`
	State      ledger.State `json:"state"`
	Evidence   []Signal     `json:"evidence"`
	Confidence Confidence   `json:"confidence"`

	// EscalationLevel is the level the caller should record.
	EscalationLevel int  `json:"escalation_level"`
	PID             *int `json:"pid,omitempty"`
}

// Degraded reports whether the verdict rests on tier 3 or partial evidence.
func (v Verdict) Degraded() bool {
	return v.Confidence == ConfidenceDegraded
}

// ActivityOnly reports whether neither the multiplexer nor the process
// probe answered, leaving activity freshness as the only evidence.
func (v Verdict) ActivityOnly() bool {
	if len(v.Evidence) == 0 {
		return false
	}
	for _, sig := range v.Evidence {
		if sig.Tier != TierTertiary && sig.Outcome != OutcomeUnknown {
			return false
		}
	}
	return true
}

// Escalated reports whether the verdict raises the escalation level.
func (v Verdict) Escalated(prev int) bool {
	return v.EscalationLevel > prev
}

// Config tunes the oracle.
type Config struct {
	// EscalationThreshold is the escalation level at which a session with a
	// live multiplexer session but a dead pid becomes a zombie.
	EscalationThreshold int
	// StaleThreshold is the maximum age of last_activity still counted fresh.
	StaleThreshold time.Duration
	// ProbeTimeout bounds each tier probe.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default oracle tuning.
func DefaultConfig() Config {
	return Config{
		EscalationThreshold: constants.EscalationThreshold,
		StaleThreshold:      constants.StaleThreshold,
		ProbeTimeout:        constants.ProbeTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = d.EscalationThreshold
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}
