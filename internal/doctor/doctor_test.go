package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/mergequeue"
	"github.com/jpbrule-del/overstory/internal/tmux"
	"github.com/jpbrule-del/overstory/internal/worktree"
)

const testPrefix = "overstory-proj-"

type fakeLedger struct {
	sessions []*ledger.Session
	err      error
}

func (f *fakeLedger) ListActive(ctx context.Context) ([]*ledger.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*ledger.Session
	for _, s := range f.sessions {
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeLedger) UpdateState(ctx context.Context, id string, state ledger.State) error {
	for _, s := range f.sessions {
		if s.ID == id {
			s.State = state
			return nil
		}
	}
	return ledger.ErrNotFound
}

type fakeMux struct {
	sessions []tmux.SessionInfo
	err      error
	killed   []string
}

func (f *fakeMux) ListSessions(ctx context.Context) ([]tmux.SessionInfo, error) {
	return f.sessions, f.err
}

func (f *fakeMux) KillSession(ctx context.Context, name string) error {
	f.killed = append(f.killed, name)
	var kept []tmux.SessionInfo
	for _, s := range f.sessions {
		if s.Name != name {
			kept = append(kept, s)
		}
	}
	f.sessions = kept
	return nil
}

type fakeCheckouts struct {
	checkouts []worktree.Checkout
	err       error
	removed   []string
}

func (f *fakeCheckouts) List(ctx context.Context) ([]worktree.Checkout, error) {
	return f.checkouts, f.err
}

func (f *fakeCheckouts) Remove(ctx context.Context, path string) error {
	f.removed = append(f.removed, path)
	var kept []worktree.Checkout
	for _, c := range f.checkouts {
		if c.Path != path {
			kept = append(kept, c)
		}
	}
	f.checkouts = kept
	return nil
}

type fakeProcs struct {
	alive map[int]bool
	// reuse lists pids that come back alive, owned by someone else, once
	// they have been reported dead.
	reuse   map[int]bool
	queries []int
}

func (f *fakeProcs) IsAlive(ctx context.Context, pid int) (bool, error) {
	f.queries = append(f.queries, pid)
	alive := f.alive[pid]
	if !alive && f.reuse[pid] {
		f.alive[pid] = true
	}
	return alive, nil
}

type fixture struct {
	dir       string
	ledger    *fakeLedger
	mux       *fakeMux
	checkouts *fakeCheckouts
	procs     *fakeProcs
	queue     *mergequeue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	return &fixture{
		dir:       dir,
		ledger:    &fakeLedger{},
		mux:       &fakeMux{},
		checkouts: &fakeCheckouts{},
		procs:     &fakeProcs{alive: map[int]bool{}},
		queue:     mergequeue.New(filepath.Join(dir, "merge-queue.json")),
	}
}

func (f *fixture) context() *CheckContext {
	return &CheckContext{
		Root:          f.dir,
		SessionPrefix: testPrefix,
		Checkouts:     f.checkouts,
		Tmux:          f.mux,
		Procs:         f.procs,
		Queue:         f.queue,
		Ledger:        f.ledger,
	}
}

// addAgent registers a healthy working agent: ledger row, checkout dir,
// tmux session and live pid.
func (f *fixture) addAgent(t *testing.T, name string, pid int) *ledger.Session {
	t.Helper()
	path := filepath.Join(f.dir, "worktrees", name)
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
	s := &ledger.Session{
		ID:           "id-" + name,
		AgentName:    name,
		WorktreePath: path,
		TmuxSession:  testPrefix + name,
		PID:          ledger.IntPtr(pid),
		State:        ledger.StateWorking,
	}
	f.ledger.sessions = append(f.ledger.sessions, s)
	f.checkouts.checkouts = append(f.checkouts.checkouts, worktree.Checkout{Name: name, Path: path})
	f.mux.sessions = append(f.mux.sessions, tmux.SessionInfo{Name: s.TmuxSession, PID: pid})
	f.procs.alive[pid] = true
	return s
}

func (f *fixture) writeQueue(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(f.queue.Path(), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func single(t *testing.T, r *Report, name string) *CheckResult {
	t.Helper()
	found := r.Find(name)
	if len(found) != 1 {
		t.Fatalf("expected one finding for %s, got %d", name, len(found))
	}
	return found[0]
}

func TestRun_EmptyInstallation(t *testing.T) {
	f := newFixture(t)
	report := NewFull().Run(context.Background(), f.context())

	if !report.IsHealthy() {
		for _, p := range report.Problems() {
			t.Errorf("unexpected finding %s: %s", p.Name, p.Message)
		}
	}
	if report.Summary.Total != 11 {
		t.Errorf("Total = %d, want one pass per check (11)", report.Summary.Total)
	}
	for _, r := range report.Checks {
		if r.Status != StatusOK {
			t.Errorf("%s: severity %s, want pass", r.Name, r.Status)
		}
	}
}

func TestRun_HealthyAgent(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "builder-1", 4242)

	report := NewReconciler().Run(context.Background(), f.context())
	if !report.IsHealthy() {
		for _, p := range report.Problems() {
			t.Errorf("unexpected finding %s: %s %v", p.Name, p.Message, p.Details)
		}
	}
}

func TestRun_OrphanedCheckout(t *testing.T) {
	f := newFixture(t)
	f.checkouts.checkouts = []worktree.Checkout{{Name: "stray", Path: filepath.Join(f.dir, "worktrees", "stray")}}

	report := NewReconciler().Run(context.Background(), f.context())
	r := single(t, report, "orphaned-checkouts")
	if r.Status != StatusWarning || !r.Fixable {
		t.Errorf("orphaned-checkouts = %s fixable=%v, want warn fixable", r.Status, r.Fixable)
	}
	if len(r.Details) != 1 || !strings.HasSuffix(r.Details[0], "stray") {
		t.Errorf("Details = %v", r.Details)
	}
	if r.Category != CategoryConsistency {
		t.Errorf("Category = %q", r.Category)
	}
}

func TestRun_ForeignSessionsIgnored(t *testing.T) {
	f := newFixture(t)
	f.mux.sessions = []tmux.SessionInfo{
		{Name: "work"},
		{Name: "overstory-otherproj-builder-1"},
		{Name: testPrefix + "ghost"},
	}

	report := NewReconciler().Run(context.Background(), f.context())
	r := single(t, report, "orphaned-tmux-sessions")
	if r.Status != StatusWarning {
		t.Fatalf("orphaned-tmux-sessions = %s, want warn", r.Status)
	}
	if len(r.Details) != 1 || r.Details[0] != testPrefix+"ghost" {
		t.Errorf("Details = %v, want only %sghost", r.Details, testPrefix)
	}
}

func TestRun_CheckoutListingFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.checkouts.err = errors.New("permission denied")
	f.writeQueue(t, "[]")

	report := NewFull().Run(context.Background(), f.context())
	var consistency []*CheckResult
	for _, r := range report.Checks {
		if r.Category == CategoryConsistency {
			consistency = append(consistency, r)
		}
	}
	if len(consistency) != 1 {
		t.Fatalf("expected a single consistency finding, got %d", len(consistency))
	}
	if consistency[0].Name != "checkout-listing" || consistency[0].Status != StatusError {
		t.Errorf("got %s/%s, want checkout-listing/fail", consistency[0].Name, consistency[0].Status)
	}
	// Other categories still run.
	if len(report.Find("merge-queue")) != 1 {
		t.Error("merge-queue checks should run after a consistency abort")
	}
}

func TestRun_MissingRootAborts(t *testing.T) {
	f := newFixture(t)
	missing := filepath.Join(f.dir, "does-not-exist")
	cc := f.context()
	cc.Root = missing
	cc.Checkouts = worktree.NewManager(missing, filepath.Join(missing, ".overstory", "worktrees"))

	report := NewReconciler().Run(context.Background(), cc)
	if report.Summary.Total != 1 {
		t.Errorf("Total = %d, want only the checkout-listing finding", report.Summary.Total)
	}
	r := single(t, report, "checkout-listing")
	if r.Status != StatusError {
		t.Errorf("checkout-listing = %s: %s, want fail", r.Status, r.Message)
	}
	if len(report.Find("ledger-open")) != 0 {
		t.Error("the battery should stop after checkout-listing fails")
	}
}

func TestRun_LedgerFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = ledger.ErrStoreUnavailable

	report := NewReconciler().Run(context.Background(), f.context())
	if report.Summary.Total != 2 {
		t.Errorf("Total = %d, want 2 (listing pass + ledger fail)", report.Summary.Total)
	}
	r := single(t, report, "ledger-open")
	if r.Status != StatusError {
		t.Errorf("ledger-open = %s, want fail", r.Status)
	}
}

func TestRun_LedgerOpenedFromPath(t *testing.T) {
	f := newFixture(t)
	cc := f.context()
	cc.Ledger = nil
	cc.LedgerPath = filepath.Join(f.dir, "sessions.db")

	report := NewReconciler().Run(context.Background(), cc)
	if r := single(t, report, "ledger-open"); r.Status != StatusOK {
		t.Errorf("ledger-open = %s: %s", r.Status, r.Message)
	}
}

func TestRun_TmuxFailureSkipsMultiplexerChecks(t *testing.T) {
	f := newFixture(t)
	s := f.addAgent(t, "builder-1", 4242)
	f.mux.err = tmux.ErrUnavailable
	f.procs.alive[*s.PID] = false

	report := NewReconciler().Run(context.Background(), f.context())
	r := single(t, report, "tmux-listing")
	if r.Status != StatusWarning || r.Message != "failed to list sessions" {
		t.Errorf("tmux-listing = %s %q", r.Status, r.Message)
	}
	for _, name := range []string{"orphaned-tmux-sessions", "dead-pids", "missing-tmux-sessions"} {
		if got := report.Find(name); len(got) != 0 {
			t.Errorf("%s should be skipped, got %d finding(s)", name, len(got))
		}
	}
	// Checks that do not need the session list still run.
	if len(report.Find("missing-checkouts")) != 1 {
		t.Error("missing-checkouts should still run")
	}
}

func TestRun_DeadPIDAndMissingState(t *testing.T) {
	f := newFixture(t)
	dead := f.addAgent(t, "dead", 100)
	gone := f.addAgent(t, "gone", 200)
	f.procs.alive[100] = false
	if err := os.RemoveAll(gone.WorktreePath); err != nil {
		t.Fatal(err)
	}
	f.checkouts.checkouts = f.checkouts.checkouts[:1]
	f.mux.sessions = f.mux.sessions[:1]

	report := NewReconciler().Run(context.Background(), f.context())

	if r := single(t, report, "dead-pids"); r.Status != StatusWarning || len(r.Details) != 1 || !strings.HasPrefix(r.Details[0], dead.AgentName) {
		t.Errorf("dead-pids = %s %v", r.Status, r.Details)
	}
	if r := single(t, report, "missing-checkouts"); r.Status != StatusWarning || len(r.Details) != 1 {
		t.Errorf("missing-checkouts = %s %v", r.Status, r.Details)
	}
	if r := single(t, report, "missing-tmux-sessions"); r.Status != StatusWarning || len(r.Details) != 1 {
		t.Errorf("missing-tmux-sessions = %s %v", r.Status, r.Details)
	}
}

func TestFix_DeadPIDReusedBeforeFix(t *testing.T) {
	f := newFixture(t)
	dead := f.addAgent(t, "dead", 100)
	f.procs.alive[100] = false
	f.procs.reuse = map[int]bool{100: true}

	report, err := NewReconciler().Fix(context.Background(), f.context())
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if dead.State != ledger.StateZombie {
		t.Errorf("dead session state = %s, want zombie", dead.State)
	}
	// One look during the check. The fix acts on that answer and leaves
	// the pid, now someone else's, alone.
	if len(f.procs.queries) != 1 {
		t.Errorf("pid queries = %v, want a single liveness check", f.procs.queries)
	}
	if r := single(t, report, "dead-pids"); !strings.HasSuffix(r.Message, "(fixed)") {
		t.Errorf("dead-pids message %q should be marked fixed", r.Message)
	}
}

func TestFix_Consistency(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ok", 300)
	dead := f.addAgent(t, "dead", 100)
	f.procs.alive[100] = false
	f.checkouts.checkouts = append(f.checkouts.checkouts, worktree.Checkout{Name: "stray", Path: "/tmp/stray"})
	f.mux.sessions = append(f.mux.sessions, tmux.SessionInfo{Name: testPrefix + "ghost"})

	report, err := NewReconciler().Fix(context.Background(), f.context())
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if dead.State != ledger.StateZombie {
		t.Errorf("dead session state = %s, want zombie", dead.State)
	}
	if r := single(t, report, "dead-pids"); !strings.HasSuffix(r.Message, "(fixed)") {
		t.Errorf("dead-pids message %q should be marked fixed", r.Message)
	}
	if r := single(t, report, "ledger-open"); strings.HasSuffix(r.Message, "(fixed)") {
		t.Error("checks that were never broken must not be marked fixed")
	}

	// The zombie's checkout and session are now orphans; the next pass
	// removes them and the installation converges.
	if r := single(t, report, "orphaned-checkouts"); r.Status != StatusWarning {
		t.Errorf("orphaned-checkouts after first fix = %s, want warn", r.Status)
	}
	report, err = NewReconciler().Fix(context.Background(), f.context())
	if err != nil {
		t.Fatalf("second Fix: %v", err)
	}
	if !report.IsHealthy() {
		for _, p := range report.Problems() {
			t.Errorf("still failing after fix: %s %v", p.Name, p.Details)
		}
	}
	if len(f.checkouts.removed) != 2 {
		t.Errorf("removed %v, want the stray checkout and the dead agent's", f.checkouts.removed)
	}
	if len(f.mux.killed) != 2 {
		t.Errorf("killed %v, want the ghost and the dead agent's session", f.mux.killed)
	}
}

func TestMergeQueue_EntriesObjectIsNotArray(t *testing.T) {
	f := newFixture(t)
	f.writeQueue(t, `{"entries": []}`)

	report := NewFull().Filter(CategoryMergeQueue).Run(context.Background(), f.context())
	r := single(t, report, "merge-queue")
	if r.Status != StatusError || !r.Fixable {
		t.Errorf("merge-queue = %s fixable=%v, want fail fixable", r.Status, r.Fixable)
	}
	if !strings.Contains(r.Message, "must be a JSON array") {
		t.Errorf("Message = %q", r.Message)
	}
	if report.Summary.Errors != 1 {
		t.Errorf("Errors = %d, want exactly one failure", report.Summary.Errors)
	}
}

func TestMergeQueue_ParseErrorFix(t *testing.T) {
	f := newFixture(t)
	f.writeQueue(t, `[{"branchName": `)

	report, err := NewFull().Filter(CategoryMergeQueue).Fix(context.Background(), f.context())
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	r := single(t, report, "merge-queue")
	if r.Status != StatusOK {
		t.Errorf("merge-queue after fix = %s %q", r.Status, r.Message)
	}
	data, err := os.ReadFile(f.queue.Path())
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("queue after fix = %q, want []", data)
	}
	matches, _ := filepath.Glob(f.queue.Path() + ".corrupt-*")
	if len(matches) != 1 {
		t.Errorf("expected the corrupt file to be quarantined, found %v", matches)
	}
}

func TestMergeQueue_MalformedEntries(t *testing.T) {
	f := newFixture(t)
	f.writeQueue(t, `[
  {"branchName": "a", "beadId": "", "agentName": "x", "filesModified": [], "enqueuedAt": "2026-01-01T00:00:00Z", "status": "pending", "resolvedTier": null},
  {"branchName": "b", "beadId": "b1", "agentName": "y", "filesModified": [], "enqueuedAt": "2026-01-01T00:00:00Z", "status": "bogus", "resolvedTier": null}
]`)

	report := NewFull().Filter(CategoryMergeQueue).Run(context.Background(), f.context())
	r := single(t, report, "merge-queue")
	if r.Status != StatusError || r.Fixable {
		t.Errorf("merge-queue = %s fixable=%v, want unfixable fail", r.Status, r.Fixable)
	}
	if len(r.Details) != 2 {
		t.Errorf("Details = %v, want one line per malformed entry", r.Details)
	}
	// mq commands cannot load this queue, so the hint must not send the
	// operator to one.
	if strings.Contains(r.FixHint, "overstory mq") || !strings.Contains(r.FixHint, f.context().Queue.Path()) {
		t.Errorf("FixHint = %q, want a manual edit of the queue file", r.FixHint)
	}
}

func TestMergeQueue_StaleAndDuplicates(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	old := now.Add(-25 * time.Hour).Format(time.RFC3339)
	fresh := now.Add(-time.Hour).Format(time.RFC3339)
	entries := []map[string]any{
		{"branchName": "feat-a", "beadId": "b1", "agentName": "x", "filesModified": []string{}, "enqueuedAt": old, "status": "pending", "resolvedTier": nil},
		{"branchName": "feat-a", "beadId": "b2", "agentName": "x", "filesModified": []string{}, "enqueuedAt": fresh, "status": "merged", "resolvedTier": "clean-merge"},
	}
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	f.writeQueue(t, string(data))

	cc := f.context()
	cc.Now = func() time.Time { return now }
	report := NewFull().Filter(CategoryMergeQueue).Run(context.Background(), cc)

	if r := single(t, report, "merge-queue"); r.Status != StatusOK {
		t.Errorf("merge-queue = %s %q %v", r.Status, r.Message, r.Details)
	}
	stale := single(t, report, "merge-queue-stale")
	if stale.Status != StatusWarning || len(stale.Details) != 1 || !strings.HasPrefix(stale.Details[0], "feat-a (pending") {
		t.Errorf("merge-queue-stale = %s %v", stale.Status, stale.Details)
	}
	dups := single(t, report, "merge-queue-duplicates")
	if dups.Status != StatusWarning || len(dups.Details) != 1 || dups.Details[0] != "feat-a (x2)" {
		t.Errorf("merge-queue-duplicates = %s %v", dups.Status, dups.Details)
	}
}

func TestReport_JSONAndPrint(t *testing.T) {
	report := NewReport()
	report.Add(&CheckResult{Name: "a", Category: CategoryConsistency, Status: StatusOK, Message: "fine"})
	report.Add(&CheckResult{Name: "b", Category: CategoryConsistency, Status: StatusWarning, Message: "meh", Details: []string{"x"}, FixHint: "do it"})

	var buf bytes.Buffer
	if err := report.JSON(&buf); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var decoded struct {
		Findings []struct {
			Name     string `json:"name"`
			Severity string `json:"severity"`
		} `json:"findings"`
		Summary map[string]int `json:"summary"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Findings) != 2 || decoded.Findings[1].Severity != "warn" {
		t.Errorf("findings = %+v", decoded.Findings)
	}
	if decoded.Summary["warn"] != 1 || decoded.Summary["pass"] != 1 {
		t.Errorf("summary = %v", decoded.Summary)
	}

	buf.Reset()
	report.Print(&buf, false)
	out := buf.String()
	for _, want := range []string{"b: meh", "x", "do it", "2 checks"} {
		if !strings.Contains(out, want) {
			t.Errorf("Print output missing %q:\n%s", want, out)
		}
	}
}
