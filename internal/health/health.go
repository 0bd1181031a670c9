// Package health takes read-only snapshots of fleet health. Snapshots are
// shared by the status command and the live dashboard; unlike the watchdog
// they never write the ledger.
package health

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jpbrule-del/overstory/internal/constants"
	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/liveness"
	"github.com/jpbrule-del/overstory/internal/mergequeue"
)

// Ledger lists sessions.
type Ledger interface {
	ListActive(ctx context.Context) ([]*ledger.Session, error)
	ListAll(ctx context.Context) ([]*ledger.Session, error)
}

// AgentHealth is one session and, if it is active, what the oracle would
// decide about it right now.
type AgentHealth struct {
	Session *ledger.Session   `json:"session"`
	Verdict *liveness.Verdict `json:"verdict,omitempty"`
}

// Drift reports whether the oracle disagrees with the recorded state.
func (a AgentHealth) Drift() bool {
	return a.Verdict != nil && a.Verdict.State != a.Session.State
}

// QueueHealth summarizes the merge queue.
type QueueHealth struct {
	Pending    int    `json:"pending"`
	Merging    int    `json:"merging"`
	Finished   int    `json:"finished"`
	Stale      int    `json:"stale"`
	Duplicates int    `json:"duplicates"`
	Problem    string `json:"problem,omitempty"`
}

// Snapshot is the fleet at one instant.
type Snapshot struct {
	TakenAt time.Time            `json:"taken_at"`
	Agents  []AgentHealth        `json:"agents"`
	Counts  map[ledger.State]int `json:"counts"`
	Queue   *QueueHealth         `json:"queue,omitempty"`

	// MultiplexerError is set when tmux could not be listed; verdicts are
	// then degraded.
	MultiplexerError string `json:"multiplexer_error,omitempty"`
}

// Active returns the number of non-terminal sessions.
func (s *Snapshot) Active() int {
	n := 0
	for _, a := range s.Agents {
		if a.Session.IsActive() {
			n++
		}
	}
	return n
}

// Options selects what Collect gathers.
type Options struct {
	Ledger Ledger
	Oracle *liveness.Oracle
	Queue  *mergequeue.Queue

	// All includes terminal sessions.
	All bool

	Concurrency int
	Now         func() time.Time
}

// Collect gathers a snapshot. Only a ledger failure is an error; tmux and
// queue problems are reported inside the snapshot.
func Collect(ctx context.Context, opts Options) (*Snapshot, error) {
	if opts.Ledger == nil {
		return nil, errors.New("no ledger")
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = constants.ProbeConcurrency
	}

	var sessions []*ledger.Session
	var err error
	if opts.All {
		sessions, err = opts.Ledger.ListAll(ctx)
	} else {
		sessions, err = opts.Ledger.ListActive(ctx)
	}
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Agents: make([]AgentHealth, len(sessions)),
		Counts: make(map[ledger.State]int),
	}
	for i, s := range sessions {
		snap.Agents[i].Session = s
		snap.Counts[s.State]++
	}

	if opts.Oracle != nil {
		live, listErr := opts.Oracle.ListSessions(ctx)
		if listErr != nil {
			snap.MultiplexerError = listErr.Error()
		}
		observations := make([]liveness.Observation, len(sessions))
		var g errgroup.Group
		g.SetLimit(limit)
		for i, s := range sessions {
			if !s.IsActive() {
				continue
			}
			g.Go(func() error {
				observations[i] = opts.Oracle.Observe(ctx, s, live, listErr)
				return nil
			})
		}
		_ = g.Wait()

		at := now()
		for i, s := range sessions {
			if !s.IsActive() {
				continue
			}
			v := liveness.Resolve(s, observations[i], at, opts.Oracle.Config())
			snap.Agents[i].Verdict = &v
		}
	}

	if opts.Queue != nil {
		snap.Queue = summarizeQueue(opts.Queue, now())
	}

	sort.SliceStable(snap.Agents, func(i, j int) bool {
		return snap.Agents[i].Session.AgentName < snap.Agents[j].Session.AgentName
	})
	snap.TakenAt = now()
	return snap, nil
}

func summarizeQueue(q *mergequeue.Queue, now time.Time) *QueueHealth {
	qh := &QueueHealth{}
	data, exists, err := q.Read()
	if err != nil {
		qh.Problem = err.Error()
		return qh
	}
	v := mergequeue.Validate(data, exists, now)
	switch {
	case v.NotArray:
		qh.Problem = "not a JSON array"
	case v.ParseErr != nil:
		qh.Problem = v.ParseErr.Error()
	case len(v.Issues) > 0:
		qh.Problem = mergequeue.Summary(v.Issues)[0]
	}
	for _, e := range v.Entries {
		switch {
		case e.Status == mergequeue.StatusPending:
			qh.Pending++
		case e.Status == mergequeue.StatusMerging:
			qh.Merging++
		case e.Status.IsTerminal():
			qh.Finished++
		}
	}
	qh.Stale = len(v.Stale)
	qh.Duplicates = len(v.Duplicates)
	return qh
}
