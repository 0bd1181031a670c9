package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/liveness"
	"github.com/jpbrule-del/overstory/internal/mergequeue"
	"github.com/jpbrule-del/overstory/internal/tmux"
)

type fakeLedger struct {
	sessions []*ledger.Session
}

func (f *fakeLedger) ListActive(ctx context.Context) ([]*ledger.Session, error) {
	var out []*ledger.Session
	for _, s := range f.sessions {
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListAll(ctx context.Context) ([]*ledger.Session, error) {
	return f.sessions, nil
}

type fakeMux struct {
	sessions []tmux.SessionInfo
	err      error
}

func (f *fakeMux) ListSessions(ctx context.Context) ([]tmux.SessionInfo, error) {
	return f.sessions, f.err
}

func (f *fakeMux) GetPanePID(ctx context.Context, target string) (int, error) {
	return 0, tmux.ErrSessionNotFound
}

type fakeProcs map[int]bool

func (f fakeProcs) IsAlive(ctx context.Context, pid int) (bool, error) {
	return f[pid], nil
}

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func fleet() *fakeLedger {
	return &fakeLedger{sessions: []*ledger.Session{
		{ID: "1", AgentName: "zeta", TmuxSession: "overstory-p-zeta", PID: ledger.IntPtr(10), State: ledger.StateWorking, LastActivity: testNow},
		{ID: "2", AgentName: "alpha", TmuxSession: "overstory-p-alpha", PID: ledger.IntPtr(20), State: ledger.StateWorking, LastActivity: testNow},
		{ID: "3", AgentName: "old", State: ledger.StateDone},
	}}
}

func TestCollect_Verdicts(t *testing.T) {
	mux := &fakeMux{sessions: []tmux.SessionInfo{{Name: "overstory-p-zeta", PID: 10}, {Name: "overstory-p-alpha", PID: 20}}}
	oracle := liveness.New(mux, fakeProcs{10: true, 20: false}, liveness.Config{})

	snap, err := Collect(context.Background(), Options{
		Ledger: fleet(),
		Oracle: oracle,
		Now:    func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(snap.Agents) != 2 {
		t.Fatalf("Agents = %d, want 2 active", len(snap.Agents))
	}
	if snap.Agents[0].Session.AgentName != "alpha" {
		t.Errorf("agents should be sorted by name, first is %s", snap.Agents[0].Session.AgentName)
	}
	alpha, zeta := snap.Agents[0], snap.Agents[1]
	if alpha.Verdict == nil || alpha.Verdict.State != ledger.StateStalled || !alpha.Drift() {
		t.Errorf("alpha verdict = %+v, want stalled drift", alpha.Verdict)
	}
	if zeta.Verdict == nil || zeta.Verdict.State != ledger.StateWorking || zeta.Drift() {
		t.Errorf("zeta verdict = %+v, want working", zeta.Verdict)
	}
	if snap.Counts[ledger.StateWorking] != 2 {
		t.Errorf("Counts = %v", snap.Counts)
	}
}

func TestCollect_AllIncludesTerminalWithoutVerdict(t *testing.T) {
	oracle := liveness.New(&fakeMux{err: tmux.ErrUnavailable}, fakeProcs{}, liveness.Config{})

	snap, err := Collect(context.Background(), Options{Ledger: fleet(), Oracle: oracle, All: true})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(snap.Agents) != 3 || snap.Active() != 2 {
		t.Fatalf("Agents = %d active = %d", len(snap.Agents), snap.Active())
	}
	if snap.MultiplexerError == "" {
		t.Error("MultiplexerError should be set")
	}
	for _, a := range snap.Agents {
		if a.Session.AgentName == "old" && a.Verdict != nil {
			t.Error("terminal sessions get no verdict")
		}
		if a.Session.AgentName != "old" && (a.Verdict == nil || !a.Verdict.Degraded()) {
			t.Errorf("%s: expected a degraded verdict", a.Session.AgentName)
		}
	}
}

func TestCollect_Queue(t *testing.T) {
	dir := t.TempDir()
	q := mergequeue.New(filepath.Join(dir, "merge-queue.json"))
	ctx := context.Background()
	for _, b := range []string{"a", "b"} {
		if err := q.Enqueue(ctx, mergequeue.Entry{BranchName: b, BeadID: "bd", AgentName: "x", EnqueuedAt: testNow}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := q.Complete(ctx, "a", mergequeue.StatusMerged, mergequeue.TierCleanMerge); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	snap, err := Collect(ctx, Options{Ledger: &fakeLedger{}, Queue: q, Now: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if snap.Queue == nil || snap.Queue.Pending != 1 || snap.Queue.Finished != 1 || snap.Queue.Problem != "" {
		t.Errorf("Queue = %+v", snap.Queue)
	}

	if err := os.WriteFile(q.Path(), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	snap, err = Collect(ctx, Options{Ledger: &fakeLedger{}, Queue: q})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if snap.Queue.Problem == "" {
		t.Error("corrupt queue should be reported")
	}
}
