package liveness

import (
	"context"
	"fmt"
	"time"

	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/tmux"
)

// Multiplexer is the part of tmux the oracle queries.
type Multiplexer interface {
	ListSessions(ctx context.Context) ([]tmux.SessionInfo, error)
	GetPanePID(ctx context.Context, target string) (int, error)
}

// ProcessTable answers pid liveness.
type ProcessTable interface {
	IsAlive(ctx context.Context, pid int) (bool, error)
}

// Oracle gathers tier signals and resolves them into verdicts.
type Oracle struct {
	tmux  Multiplexer
	procs ProcessTable
	cfg   Config
	now   func() time.Time
}

// New returns an Oracle. Zero fields in cfg take the defaults.
func New(mux Multiplexer, procs ProcessTable, cfg Config) *Oracle {
	return &Oracle{tmux: mux, procs: procs, cfg: cfg.withDefaults(), now: time.Now}
}

// Config returns the oracle's effective tuning.
func (o *Oracle) Config() Config { return o.cfg }

// ListSessions lists multiplexer sessions once, under the probe timeout, for
// a whole batch of Observe calls.
func (o *Oracle) ListSessions(ctx context.Context) (*tmux.SessionSet, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()
	infos, err := o.tmux.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	return tmux.NewSessionSetFromInfo(infos), nil
}

// Observe gathers the tier 1 and tier 2 signals for sess. live is the
// session list for this batch; listErr is the error listing it, which makes
// tier 1 unknown. Probe failures and timeouts yield OutcomeUnknown, never a
// verdict. Observe never writes anything.
func (o *Oracle) Observe(ctx context.Context, sess *ledger.Session, live *tmux.SessionSet, listErr error) Observation {
	var obs Observation

	switch {
	case listErr != nil:
		obs.Tier1 = Signal{Tier: TierPrimary, Outcome: OutcomeUnknown, Detail: listErr.Error()}
	case sess.TmuxSession == "":
		obs.Tier1 = Signal{Tier: TierPrimary, Outcome: OutcomeUnknown, Detail: "no session recorded"}
	case live.Has(sess.TmuxSession):
		obs.Tier1 = Signal{Tier: TierPrimary, Outcome: OutcomeAlive, Detail: sess.TmuxSession}
	default:
		obs.Tier1 = Signal{Tier: TierPrimary, Outcome: OutcomeDead, Detail: sess.TmuxSession + " not found"}
	}

	pid := sess.PID
	if pid == nil && obs.Tier1.Outcome == OutcomeAlive {
		if p := live.PID(sess.TmuxSession); p > 0 {
			pid = &p
		} else if p, err := o.panePID(ctx, sess.TmuxSession); err == nil {
			pid = &p
		}
	}
	obs.PID = pid

	if pid == nil {
		obs.Tier2 = Signal{Tier: TierSecondary, Outcome: OutcomeUnknown, Detail: "no pid"}
		return obs
	}
	probeCtx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()
	alive, err := o.procs.IsAlive(probeCtx, *pid)
	switch {
	case err != nil:
		obs.Tier2 = Signal{Tier: TierSecondary, Outcome: OutcomeUnknown, Detail: err.Error()}
	case alive:
		obs.Tier2 = Signal{Tier: TierSecondary, Outcome: OutcomeAlive, Detail: fmt.Sprintf("pid %d", *pid)}
	default:
		obs.Tier2 = Signal{Tier: TierSecondary, Outcome: OutcomeDead, Detail: fmt.Sprintf("pid %d", *pid)}
	}
	return obs
}

func (o *Oracle) panePID(ctx context.Context, session string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()
	return o.tmux.GetPanePID(ctx, session)
}

// Evaluate lists sessions, observes sess and resolves it. It is meant for
// one-off callers; the watchdog lists once per tick and calls Observe.
func (o *Oracle) Evaluate(ctx context.Context, sess *ledger.Session) Verdict {
	live, err := o.ListSessions(ctx)
	obs := o.Observe(ctx, sess, live, err)
	return Resolve(sess, obs, o.now(), o.cfg)
}

// Resolve classifies a session from its observation. It is pure: the same
// inputs always give the same verdict, and applying the verdict is the
// caller's job.
//
//  1. tier 1 dead: zombie, whatever the other tiers say.
//  2. tiers 1 and 2 alive: working, escalation reset.
//  3. tier 1 alive, tier 2 dead: escalation+1, zombie at the threshold,
//     stalled below it.
//  4. otherwise confidence is degraded and the escalation level is left
//     alone: tier 2 decides if it answered, else tier 3 freshness.
func Resolve(sess *ledger.Session, obs Observation, now time.Time, cfg Config) Verdict {
	cfg = cfg.withDefaults()

	tier3 := freshness(sess, now, cfg.StaleThreshold)
	v := Verdict{
		SessionID:       sess.ID,
		AgentName:       sess.AgentName,
		Previous:        sess.State,
		State:           sess.State,
		Evidence:        []Signal{obs.Tier1, obs.Tier2, tier3},
		Confidence:      ConfidenceHigh,
		EscalationLevel: sess.EscalationLevel,
		PID:             obs.PID,
	}
	if v.PID == nil {
		v.PID = sess.PID
	}

	t1, t2 := obs.Tier1.Outcome, obs.Tier2.Outcome
	switch {
	case t1 == OutcomeDead:
		v.State = ledger.StateZombie

	case t1 == OutcomeAlive && t2 == OutcomeAlive:
		v.State = ledger.StateWorking
		v.EscalationLevel = 0

	case t1 == OutcomeAlive && t2 == OutcomeDead:
		v.EscalationLevel = sess.EscalationLevel + 1
		if v.EscalationLevel >= cfg.EscalationThreshold {
			v.State = ledger.StateZombie
		} else {
			v.State = ledger.StateStalled
		}

	default:
		v.Confidence = ConfidenceDegraded
		switch {
		case t2 == OutcomeAlive:
			v.State = ledger.StateWorking
		case t2 == OutcomeDead:
			v.State = ledger.StateStalled
		case tier3.Outcome == OutcomeAlive:
			v.State = ledger.StateWorking
		default:
			v.State = ledger.StateStalled
		}
		// Tier 3 alone cannot confirm a booting session reached its pane,
		// and working or stalled would need a pid it does not have.
		if sess.State == ledger.StateBooting && t2 != OutcomeAlive {
			if v.State == ledger.StateWorking || v.PID == nil {
				v.State = ledger.StateBooting
			}
		}
	}
	return v
}

func freshness(sess *ledger.Session, now time.Time, stale time.Duration) Signal {
	if sess.LastActivity.IsZero() {
		return Signal{Tier: TierTertiary, Outcome: OutcomeDead, Detail: "no activity recorded"}
	}
	age := now.Sub(sess.LastActivity)
	detail := fmt.Sprintf("last activity %s ago", age.Truncate(time.Second))
	if age <= stale {
		return Signal{Tier: TierTertiary, Outcome: OutcomeAlive, Detail: detail}
	}
	return Signal{Tier: TierTertiary, Outcome: OutcomeDead, Detail: detail}
}
