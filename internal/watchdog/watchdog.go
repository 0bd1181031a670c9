// Package watchdog runs the periodic fleet health loop: every tick it
// observes each active session, resolves a liveness verdict, applies it to
// the ledger and reaps zombies. Every few ticks it also runs the consistency
// reconciler and validates the merge queue.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/jpbrule-del/overstory/internal/config"
	"github.com/jpbrule-del/overstory/internal/constants"
	"github.com/jpbrule-del/overstory/internal/doctor"
	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/liveness"
	"github.com/jpbrule-del/overstory/internal/mergequeue"
	"github.com/jpbrule-del/overstory/internal/process"
	"github.com/jpbrule-del/overstory/internal/reaper"
	"github.com/jpbrule-del/overstory/internal/tmux"
)

// ErrAlreadyRunning is returned by Run when another watchdog holds the
// instance lock.
var ErrAlreadyRunning = errors.New("watchdog already running (lock held by another process)")

// State is the loop's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateTicking
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTicking:
		return "ticking"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Ledger is the part of the session ledger the watchdog writes.
type Ledger interface {
	ListActive(ctx context.Context) ([]*ledger.Session, error)
	UpdateState(ctx context.Context, id string, state ledger.State) error
	Escalate(ctx context.Context, id string, now time.Time) (int, error)
	Recover(ctx context.Context, id string, pid *int, now time.Time) error
	MarkZombie(ctx context.Context, id string, level int) error
	SetPID(ctx context.Context, id string, pid int) error
	Close() error
}

// Multiplexer is the part of tmux the watchdog uses.
type Multiplexer interface {
	ListSessions(ctx context.Context) ([]tmux.SessionInfo, error)
	GetPanePID(ctx context.Context, target string) (int, error)
	KillSession(ctx context.Context, name string) error
}

// Reaper terminates process trees.
type Reaper interface {
	KillTree(ctx context.Context, root int) (*reaper.Result, error)
}

// Config tunes the loop.
type Config struct {
	Interval            time.Duration
	ReconcileEvery      int // zero disables reconciliation
	EscalationThreshold int
	StaleThreshold      time.Duration
	ProbeTimeout        time.Duration
	ListTimeout         time.Duration
	Concurrency         int

	// LockPath is the tick lock shared with interactive writers.
	LockPath string
	// InstanceLockPath guarantees one watchdog per installation.
	InstanceLockPath string
	// PIDPath, when set, records the running watchdog's pid.
	PIDPath string
}

// DefaultConfig returns the default tuning with no lock or pid paths.
func DefaultConfig() Config {
	return Config{
		Interval:            constants.WatchInterval,
		ReconcileEvery:      constants.ReconcileEvery,
		EscalationThreshold: constants.EscalationThreshold,
		StaleThreshold:      constants.StaleThreshold,
		ProbeTimeout:        constants.ProbeTimeout,
		ListTimeout:         constants.ListTimeout,
		Concurrency:         constants.ProbeConcurrency,
	}
}

// ConfigFrom derives the loop configuration from a project config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Interval:            c.Watchdog.Interval.Duration,
		ReconcileEvery:      c.Watchdog.ReconcileEvery,
		EscalationThreshold: c.Watchdog.EscalationThreshold,
		StaleThreshold:      c.Watchdog.StaleThreshold.Duration,
		ProbeTimeout:        c.Watchdog.ProbeTimeout.Duration,
		ListTimeout:         c.Watchdog.ListTimeout.Duration,
		Concurrency:         c.Watchdog.Concurrency,
		LockPath:            c.StatePath(constants.FileWatchdogLock),
		InstanceLockPath:    c.StatePath(constants.FileWatchdogInstanceLock),
		PIDPath:             c.StatePath(constants.FileWatchdogPID),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ReconcileEvery < 0 {
		c.ReconcileEvery = 0
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = d.EscalationThreshold
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ListTimeout <= 0 {
		c.ListTimeout = d.ListTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// Deps are the watchdog's collaborators.
type Deps struct {
	// OpenLedger opens the session ledger. The watchdog keeps the handle
	// across ticks and reopens it after a store failure.
	OpenLedger func(ctx context.Context) (Ledger, error)

	Tmux      Multiplexer
	Procs     liveness.ProcessTable
	Reaper    Reaper
	Checkouts doctor.Checkouts
	Queue     *mergequeue.Queue

	Root          string
	SessionPrefix string

	Logger *log.Logger
}

// Transition is one ledger change a tick made.
type Transition struct {
	SessionID       string       `json:"session_id"`
	AgentName       string       `json:"agent_name"`
	From            ledger.State `json:"from"`
	To              ledger.State `json:"to"`
	EscalationLevel int          `json:"escalation_level"`
}

func (t Transition) String() string {
	return fmt.Sprintf("%s: %s -> %s (escalation %d)", t.AgentName, t.From, t.To, t.EscalationLevel)
}

// TickReport summarizes one tick.
type TickReport struct {
	Tick        int                `json:"tick"`
	StartedAt   time.Time          `json:"started_at"`
	Duration    time.Duration      `json:"duration"`
	Verdicts    []liveness.Verdict `json:"verdicts"`
	Transitions []Transition       `json:"transitions,omitempty"`
	// Reaped lists the root pids of the trees reaped this tick.
	Reaped []int `json:"reaped,omitempty"`
	// Findings are the warn and fail findings of the reconciler, set on
	// reconcile ticks only.
	Findings   []*doctor.CheckResult `json:"findings,omitempty"`
	Reconciled bool                  `json:"reconciled"`
	// Degraded counts the verdicts resolved without tier 1 and 2 agreement.
	Degraded int `json:"degraded"`
	// Skipped is set when the tick could not run; SkipReason says why.
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
	// MultiplexerError is set when the session list could not be gathered.
	MultiplexerError string   `json:"multiplexer_error,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// Watchdog is the periodic health loop.
type Watchdog struct {
	cfg    Config
	deps   Deps
	oracle *liveness.Oracle
	logger *log.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	ticks     int
	last      *TickReport
	ledger    Ledger
	queueView []mergequeue.Entry
}

// New returns a Watchdog. Zero fields in cfg take the defaults.
func New(cfg Config, deps Deps) *Watchdog {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[watchdog] ", log.LstdFlags)
	}
	oracle := liveness.New(deps.Tmux, deps.Procs, liveness.Config{
		EscalationThreshold: cfg.EscalationThreshold,
		StaleThreshold:      cfg.StaleThreshold,
		ProbeTimeout:        cfg.ProbeTimeout,
	})
	return &Watchdog{
		cfg:    cfg,
		deps:   deps,
		oracle: oracle,
		logger: logger,
		now:    time.Now,
	}
}

// Config returns the effective configuration.
func (w *Watchdog) Config() Config { return w.cfg }

// State returns the loop state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watchdog) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// LastReport returns the report of the most recent tick, or nil.
func (w *Watchdog) LastReport() *TickReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// QueueView returns the last merge queue that loaded cleanly.
func (w *Watchdog) QueueView() []mergequeue.Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queueView
}

// Run holds the instance lock and ticks until ctx is done. The first tick
// runs immediately. A tick in flight when ctx is cancelled runs to the end.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.cfg.InstanceLockPath != "" {
		fileLock := flock.New(w.cfg.InstanceLockPath)
		locked, err := fileLock.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring instance lock: %w", err)
		}
		if !locked {
			return ErrAlreadyRunning
		}
		defer func() { _ = fileLock.Unlock() }()
	}

	if w.cfg.PIDPath != "" {
		pidFile := process.NewPIDFile(w.cfg.PIDPath)
		if err := pidFile.Write(); err != nil {
			return fmt.Errorf("writing PID file: %w", err)
		}
		defer func() { _ = pidFile.Remove() }() // best-effort cleanup
	}
	defer w.closeLedger()

	w.logger.Printf("Watchdog starting (PID %d), interval %v", os.Getpid(), w.cfg.Interval)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.setState(StateStopped)
			w.logger.Println("Watchdog context canceled, shutting down")
			return nil
		case <-ticker.C:
			w.runTick(ctx)
		}
	}
}

func (w *Watchdog) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := w.Tick(context.WithoutCancel(ctx))
	if err != nil {
		w.logger.Printf("Tick %d failed: %v", report.Tick, err)
	}
}

// Tick runs one pass under the tick lock. Only a failure to take the lock
// is returned as an error; everything else is logged and recorded in the
// report so the loop keeps going.
func (w *Watchdog) Tick(ctx context.Context) (*TickReport, error) {
	w.mu.Lock()
	w.ticks++
	report := &TickReport{Tick: w.ticks, StartedAt: w.now()}
	w.state = StateTicking
	w.mu.Unlock()

	defer func() {
		report.Duration = w.now().Sub(report.StartedAt)
		w.mu.Lock()
		w.last = report
		if w.state == StateTicking {
			w.state = StateIdle
		}
		w.mu.Unlock()
	}()

	var err error
	if w.cfg.LockPath == "" {
		w.tick(ctx, report)
	} else {
		err = WithWriteLock(ctx, w.cfg.LockPath, func() error {
			w.tick(ctx, report)
			return nil
		})
	}
	if err != nil {
		report.Skipped = true
		report.SkipReason = err.Error()
	}
	return report, err
}

func (w *Watchdog) tick(ctx context.Context, report *TickReport) {
	l, err := w.openLedger(ctx)
	if err != nil {
		w.skip(report, fmt.Sprintf("ledger unavailable: %v", err))
		return
	}
	active, err := l.ListActive(ctx)
	if err != nil {
		if errors.Is(err, ledger.ErrStoreUnavailable) {
			w.closeLedger()
		}
		w.skip(report, fmt.Sprintf("listing sessions: %v", err))
		return
	}

	live, listErr := w.oracle.ListSessions(ctx)
	if listErr != nil {
		report.MultiplexerError = listErr.Error()
		w.logger.Printf("Tick %d: tmux unavailable, liveness degraded: %v", report.Tick, listErr)
	}

	observations := make([]liveness.Observation, len(active))
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for i, sess := range active {
		g.Go(func() error {
			observations[i] = w.oracle.Observe(ctx, sess, live, listErr)
			return nil
		})
	}
	_ = g.Wait()

	now := w.now()
	for i, sess := range active {
		v := liveness.Resolve(sess, observations[i], now, w.oracle.Config())
		report.Verdicts = append(report.Verdicts, v)
		if v.Degraded() {
			report.Degraded++
		}
		w.apply(ctx, l, sess, v, now, report)
	}

	if w.cfg.ReconcileEvery > 0 && report.Tick%w.cfg.ReconcileEvery == 0 {
		w.reconcile(ctx, l, report)
	}

	if len(report.Transitions) > 0 || len(report.Reaped) > 0 {
		w.logger.Printf("Tick %d: %d session(s), %d transition(s), %d reaped",
			report.Tick, len(active), len(report.Transitions), len(report.Reaped))
	}
}

func (w *Watchdog) skip(report *TickReport, reason string) {
	report.Skipped = true
	report.SkipReason = reason
	w.logger.Printf("Tick %d skipped: %s", report.Tick, reason)
}

// apply writes one verdict to the ledger. Degraded verdicts only move the
// state; escalation changes need high confidence. A verdict resting on
// activity alone is reported but never written.
func (w *Watchdog) apply(ctx context.Context, l Ledger, sess *ledger.Session, v liveness.Verdict, now time.Time, report *TickReport) {
	fail := func(op string, err error) {
		msg := fmt.Sprintf("%s: %s: %v", sess.AgentName, op, err)
		report.Errors = append(report.Errors, msg)
		w.logger.Printf("Tick %d: %s", report.Tick, msg)
	}
	record := func(to ledger.State, level int) {
		if to == sess.State && level == sess.EscalationLevel {
			return
		}
		t := Transition{SessionID: sess.ID, AgentName: sess.AgentName, From: sess.State, To: to, EscalationLevel: level}
		report.Transitions = append(report.Transitions, t)
		w.logger.Printf("Tick %d: %s [%s]", report.Tick, t, joinEvidence(v.Evidence))
	}

	if v.ActivityOnly() {
		if v.State != sess.State {
			w.logger.Printf("Tick %d: %s: activity alone suggests %s, keeping %s", report.Tick, sess.AgentName, v.State, sess.State)
		}
		return
	}

	if v.PID != nil && sess.PID == nil && v.State != ledger.StateZombie {
		if err := l.SetPID(ctx, sess.ID, *v.PID); err != nil {
			fail("recording pid", err)
			return
		}
	}

	switch v.State {
	case ledger.StateWorking:
		if v.Confidence == liveness.ConfidenceHigh {
			if err := l.Recover(ctx, sess.ID, v.PID, now); err != nil {
				fail("recover", err)
				return
			}
			record(ledger.StateWorking, 0)
			return
		}
		if sess.State != ledger.StateWorking {
			if err := l.UpdateState(ctx, sess.ID, ledger.StateWorking); err != nil {
				fail("update state", err)
				return
			}
			record(ledger.StateWorking, sess.EscalationLevel)
		}

	case ledger.StateStalled:
		if v.Confidence == liveness.ConfidenceHigh {
			level, err := l.Escalate(ctx, sess.ID, now)
			if err != nil {
				fail("escalate", err)
				return
			}
			record(ledger.StateStalled, level)
			return
		}
		if sess.State != ledger.StateStalled {
			if err := l.UpdateState(ctx, sess.ID, ledger.StateStalled); err != nil {
				fail("update state", err)
				return
			}
			record(ledger.StateStalled, sess.EscalationLevel)
		}

	case ledger.StateZombie:
		if err := l.MarkZombie(ctx, sess.ID, v.EscalationLevel); err != nil {
			fail("mark zombie", err)
			return
		}
		record(ledger.StateZombie, v.EscalationLevel)
		w.reap(ctx, sess, v, report)
	}
}

// reap terminates a zombie's process tree and its tmux session. Both run
// to completion even when ctx is cancelled.
func (w *Watchdog) reap(ctx context.Context, sess *ledger.Session, v liveness.Verdict, report *TickReport) {
	ctx = context.WithoutCancel(ctx)
	if v.PID != nil && w.deps.Reaper != nil {
		res, err := w.deps.Reaper.KillTree(ctx, *v.PID)
		switch {
		case err != nil:
			msg := fmt.Sprintf("%s: reaping pid %d: %v", sess.AgentName, *v.PID, err)
			report.Errors = append(report.Errors, msg)
			w.logger.Printf("Tick %d: %s", report.Tick, msg)
		case res.Partial():
			w.logger.Printf("Tick %d: %s: forced %d pid(s) after grace: %v", report.Tick, sess.AgentName, len(res.Forced), res.Forced)
		}
		if err == nil {
			report.Reaped = append(report.Reaped, *v.PID)
		}
	}
	if sess.TmuxSession != "" && w.deps.Tmux != nil {
		killCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
		defer cancel()
		if err := w.deps.Tmux.KillSession(killCtx, sess.TmuxSession); err != nil {
			w.logger.Printf("Tick %d: %s: killing session %s: %v", report.Tick, sess.AgentName, sess.TmuxSession, err)
		}
	}
}

// reconcile runs the reconciler battery and the merge-queue checks without
// fixing anything, and refreshes the queue view.
func (w *Watchdog) reconcile(ctx context.Context, l Ledger, report *TickReport) {
	report.Reconciled = true
	cc := &doctor.CheckContext{
		Root:          w.deps.Root,
		SessionPrefix: w.deps.SessionPrefix,
		Checkouts:     w.deps.Checkouts,
		Tmux:          w.deps.Tmux,
		Procs:         w.deps.Procs,
		Queue:         w.deps.Queue,
		Ledger:        l,
		Now:           w.now,
	}
	listCtx, cancel := context.WithTimeout(ctx, w.cfg.ListTimeout)
	defer cancel()
	result := doctor.NewFull().Run(listCtx, cc)
	for _, f := range result.Problems() {
		report.Findings = append(report.Findings, f)
		w.logger.Printf("Tick %d: doctor %s %s: %s", report.Tick, f.Status, f.Name, f.Message)
	}
	w.refreshQueue(report)
}

// refreshQueue reloads the merge queue. A queue that fails to parse keeps the
// previous view.
func (w *Watchdog) refreshQueue(report *TickReport) {
	if w.deps.Queue == nil {
		return
	}
	entries, err := w.deps.Queue.Load()
	if err != nil {
		var perr *mergequeue.ParseError
		if errors.As(err, &perr) {
			w.logger.Printf("Tick %d: keeping previous merge queue view: %v", report.Tick, err)
		} else {
			w.logger.Printf("Tick %d: reading merge queue: %v", report.Tick, err)
		}
		return
	}
	w.mu.Lock()
	w.queueView = entries
	w.mu.Unlock()
}

func (w *Watchdog) openLedger(ctx context.Context) (Ledger, error) {
	w.mu.Lock()
	l := w.ledger
	w.mu.Unlock()
	if l != nil {
		return l, nil
	}
	if w.deps.OpenLedger == nil {
		return nil, fmt.Errorf("%w: no ledger configured", ledger.ErrStoreUnavailable)
	}
	l, err := w.deps.OpenLedger(ctx)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.ledger = l
	w.mu.Unlock()
	return l, nil
}

func (w *Watchdog) closeLedger() {
	w.mu.Lock()
	l := w.ledger
	w.ledger = nil
	w.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
}

// Close releases the ledger handle held between ticks.
func (w *Watchdog) Close() error {
	w.closeLedger()
	return nil
}

func joinEvidence(signals []liveness.Signal) string {
	parts := make([]string, len(signals))
	for i, sig := range signals {
		parts[i] = sig.String()
	}
	return strings.Join(parts, ", ")
}
