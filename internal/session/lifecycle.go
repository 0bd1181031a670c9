// Package session spawns and closes agent sessions. A session is three
// things that must stay in step: a managed checkout, a tmux session running
// the agent, and a ledger row.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jpbrule-del/overstory/internal/config"
	"github.com/jpbrule-del/overstory/internal/constants"
	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/reaper"
	"github.com/jpbrule-del/overstory/internal/tmux"
)

// ErrNotActive is returned by Close for a session that already ended.
var ErrNotActive = errors.New("session is not active")

// Ledger is the part of the session ledger spawning and closing need.
type Ledger interface {
	Get(ctx context.Context, agentName string) (*ledger.Session, error)
	Upsert(ctx context.Context, sess *ledger.Session) error
	UpdateState(ctx context.Context, id string, state ledger.State) error
}

// Multiplexer is the part of tmux spawning and closing need.
type Multiplexer interface {
	HasSession(ctx context.Context, name string) (bool, error)
	NewSessionWithCommandAndEnv(ctx context.Context, name, workDir, command string, env map[string]string) error
	KillSession(ctx context.Context, name string) error
}

// Checkouts creates and removes managed checkouts.
type Checkouts interface {
	Add(ctx context.Context, agentName, branch, base string) (string, error)
	Remove(ctx context.Context, path string) error
}

// Reaper terminates process trees.
type Reaper interface {
	KillTree(ctx context.Context, root int) (*reaper.Result, error)
}

// SpawnConfig describes a new agent session.
type SpawnConfig struct {
	// AgentName is the unique agent name (e.g., "builder-1").
	AgentName string

	// Capability is the agent's role tag (e.g., "builder", "scout").
	Capability string

	// BeadID is the work item the agent is bound to.
	BeadID string

	// ParentAgent is the spawning agent, empty for top-level agents.
	ParentAgent string
	Depth       int
	RunID       string

	// BaseBranch is where the agent branch starts. Empty uses the
	// canonical branch.
	BaseBranch string

	// Command runs in the pane. Empty starts the default shell.
	Command string

	// ExtraEnv adds variables beyond the standard agent environment.
	ExtraEnv map[string]string
}

// Manager ties checkouts, tmux and the ledger together.
type Manager struct {
	Root            string
	SessionPrefix   string
	CanonicalBranch string

	Ledger    Ledger
	Tmux      Multiplexer
	Checkouts Checkouts
	Reaper    Reaper

	now func() time.Time
}

// NewManager returns a Manager for the project described by cfg.
func NewManager(cfg *config.Config, l Ledger, t Multiplexer, c Checkouts, r Reaper) *Manager {
	return &Manager{
		Root:            cfg.Root,
		SessionPrefix:   cfg.SessionPrefix(),
		CanonicalBranch: cfg.CanonicalBranch,
		Ledger:          l,
		Tmux:            t,
		Checkouts:       c,
		Reaper:          r,
		now:             time.Now,
	}
}

func (m *Manager) clock() time.Time {
	if m.now == nil {
		return time.Now()
	}
	return m.now()
}

// Spawn creates the checkout, starts the tmux session and records a booting
// ledger row. The pid is left unset; the watchdog records it once the pane
// process is known. On failure everything already created is undone.
func (m *Manager) Spawn(ctx context.Context, cfg SpawnConfig) (_ *ledger.Session, retErr error) {
	if cfg.AgentName == "" {
		return nil, fmt.Errorf("AgentName is required")
	}
	if cfg.BeadID == "" {
		return nil, fmt.Errorf("BeadID is required")
	}
	if existing, err := m.Ledger.Get(ctx, cfg.AgentName); err == nil && existing.IsActive() {
		return nil, fmt.Errorf("spawn %s: %w (state %s)", cfg.AgentName, ledger.ErrAgentActive, existing.State)
	} else if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("checking ledger: %w", err)
	}

	sessionName := tmux.SessionName(m.SessionPrefix, cfg.AgentName)
	if _, err := m.killExistingSession(ctx, sessionName); err != nil {
		return nil, err
	}

	base := cfg.BaseBranch
	if base == "" {
		base = m.CanonicalBranch
	}
	branch := constants.BranchAgentPrefix + cfg.AgentName
	path, err := m.Checkouts.Add(ctx, cfg.AgentName, branch, base)
	if err != nil {
		return nil, fmt.Errorf("creating checkout: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = m.Checkouts.Remove(context.WithoutCancel(ctx), path)
		}
	}()

	id := uuid.NewString()
	env := config.AgentEnv(config.AgentEnvConfig{
		AgentName:   cfg.AgentName,
		Capability:  cfg.Capability,
		Root:        m.Root,
		SessionID:   id,
		SessionName: sessionName,
		BeadID:      cfg.BeadID,
		ParentAgent: cfg.ParentAgent,
		Depth:       cfg.Depth,
	})
	for k, v := range cfg.ExtraEnv {
		env[k] = v
	}

	if err := m.Tmux.NewSessionWithCommandAndEnv(ctx, sessionName, path, cfg.Command, env); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = m.Tmux.KillSession(context.WithoutCancel(ctx), sessionName)
		}
	}()

	now := m.clock()
	sess := &ledger.Session{
		ID:           id,
		AgentName:    cfg.AgentName,
		Capability:   cfg.Capability,
		WorktreePath: path,
		BranchName:   branch,
		TmuxSession:  sessionName,
		ParentAgent:  ledger.StringPtr(cfg.ParentAgent),
		Depth:        cfg.Depth,
		RunID:        ledger.StringPtr(cfg.RunID),
		State:        ledger.StateBooting,
		StartedAt:    now,
		LastActivity: now,
		BeadID:       cfg.BeadID,
	}
	if err := m.Ledger.Upsert(ctx, sess); err != nil {
		return nil, fmt.Errorf("recording session: %w", err)
	}
	return sess, nil
}

// CloseOptions controls what Close tears down besides the tmux session.
type CloseOptions struct {
	// Reap terminates the recorded process tree before killing the session.
	Reap bool
	// RemoveCheckout deletes the agent's checkout. Leave it when the branch
	// still has to merge.
	RemoveCheckout bool
}

// CloseResult reports what Close did.
type CloseResult struct {
	Session *ledger.Session
	Reaped  *reaper.Result
}

// Close ends an agent's active session and marks it done.
func (m *Manager) Close(ctx context.Context, agentName string, opts CloseOptions) (*CloseResult, error) {
	sess, err := m.Ledger.Get(ctx, agentName)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive() {
		return nil, fmt.Errorf("close %s: %w (state %s)", agentName, ErrNotActive, sess.State)
	}

	result := &CloseResult{Session: sess}
	if opts.Reap && sess.PID != nil && m.Reaper != nil {
		res, err := m.Reaper.KillTree(ctx, *sess.PID)
		if err != nil {
			return nil, fmt.Errorf("reaping pid %d: %w", *sess.PID, err)
		}
		result.Reaped = res
	}
	if sess.TmuxSession != "" {
		if err := m.Tmux.KillSession(ctx, sess.TmuxSession); err != nil {
			return nil, fmt.Errorf("killing session %s: %w", sess.TmuxSession, err)
		}
	}
	if err := m.Ledger.UpdateState(ctx, sess.ID, ledger.StateDone); err != nil {
		return nil, err
	}
	sess.State = ledger.StateDone

	if opts.RemoveCheckout && sess.WorktreePath != "" {
		if err := m.Checkouts.Remove(ctx, sess.WorktreePath); err != nil {
			return result, fmt.Errorf("removing checkout: %w", err)
		}
	}
	return result, nil
}

// killExistingSession kills a leftover tmux session with the name a new
// spawn needs. The ledger has no active owner for it at this point.
// Returns true if a session was killed.
func (m *Manager) killExistingSession(ctx context.Context, name string) (bool, error) {
	running, err := m.Tmux.HasSession(ctx, name)
	if err != nil {
		return false, fmt.Errorf("checking session: %w", err)
	}
	if !running {
		return false, nil
	}
	if err := m.Tmux.KillSession(ctx, name); err != nil {
		return false, fmt.Errorf("killing session %s: %w", name, err)
	}
	return true, nil
}
