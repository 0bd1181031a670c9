package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"testing"
)

func hasTmux() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// testTmux returns a wrapper on a private socket and stops that server when
// the test ends, so tests never touch the user's sessions.
func testTmux(t *testing.T) *Tmux {
	t.Helper()
	if !hasTmux() {
		t.Skip("tmux not installed")
	}
	tm := NewTmuxWithSocket(fmt.Sprintf("overstory-test-%d", os.Getpid()))
	t.Cleanup(func() {
		_, _ = tm.run(context.Background(), "kill-server")
	})
	return tm
}

func TestListSessionsNoServer(t *testing.T) {
	tm := testTmux(t)

	sessions, err := tm.ListSessions(context.Background())
	// Should not error even if no server running
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions on a fresh socket, got %v", sessions)
	}
}

func TestHasSessionNoServer(t *testing.T) {
	tm := testTmux(t)

	has, err := tm.HasSession(context.Background(), "nonexistent-session-xyz")
	if err != nil {
		t.Fatalf("HasSession: %v", err)
	}
	if has {
		t.Error("expected session to not exist")
	}
}

func TestSessionLifecycle(t *testing.T) {
	tm := testTmux(t)
	ctx := context.Background()
	sessionName := "overstory-test-lifecycle"

	if err := tm.NewSession(ctx, sessionName, t.TempDir()); err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	has, err := tm.HasSession(ctx, sessionName)
	if err != nil {
		t.Fatalf("HasSession: %v", err)
	}
	if !has {
		t.Error("expected session to exist after creation")
	}

	// Exact match: a prefix of the name is a different session.
	has, err = tm.HasSession(ctx, "overstory-test-")
	if err != nil {
		t.Fatalf("HasSession(prefix): %v", err)
	}
	if has {
		t.Error("HasSession must not prefix-match")
	}

	sessions, err := tm.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	found := false
	for _, s := range sessions {
		if s.Name == sessionName {
			found = true
			if s.PID <= 0 {
				t.Errorf("expected a pane pid for %s, got %d", s.Name, s.PID)
			}
		}
	}
	if !found {
		t.Error("session not found in list")
	}

	pid, err := tm.GetPanePID(ctx, sessionName)
	if err != nil {
		t.Fatalf("GetPanePID: %v", err)
	}
	if pid <= 0 {
		t.Errorf("GetPanePID = %d, want a live pid", pid)
	}

	if err := tm.KillSession(ctx, sessionName); err != nil {
		t.Fatalf("KillSession: %v", err)
	}
	has, err = tm.HasSession(ctx, sessionName)
	if err != nil {
		t.Fatalf("HasSession after kill: %v", err)
	}
	if has {
		t.Error("expected session to not exist after kill")
	}

	// Killing again is a no-op.
	if err := tm.KillSession(ctx, sessionName); err != nil {
		t.Errorf("second KillSession: %v", err)
	}
}

func TestDuplicateSession(t *testing.T) {
	tm := testTmux(t)
	ctx := context.Background()
	sessionName := "overstory-test-dup"

	if err := tm.NewSession(ctx, sessionName, ""); err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	err := tm.NewSession(ctx, sessionName, "")
	if !errors.Is(err, ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
}

func TestNewSessionWithEnv(t *testing.T) {
	tm := testTmux(t)
	ctx := context.Background()
	sessionName := "overstory-test-env"

	env := map[string]string{"OVERSTORY_AGENT_NAME": "builder-1"}
	if err := tm.NewSessionWithCommandAndEnv(ctx, sessionName, "", "", env); err != nil {
		t.Fatalf("NewSessionWithCommandAndEnv: %v", err)
	}
	out, err := tm.run(ctx, "show-environment", "-t", sessionName, "OVERSTORY_AGENT_NAME")
	if err != nil {
		t.Fatalf("show-environment: %v", err)
	}
	if out != "OVERSTORY_AGENT_NAME=builder-1" {
		t.Errorf("show-environment = %q", out)
	}
}

func TestNewSessionInvalidName(t *testing.T) {
	tm := NewTmuxWithSocket("unused")
	for _, name := range []string{"", "has.dot", "has:colon", "has space"} {
		err := tm.NewSession(context.Background(), name, "")
		if !errors.Is(err, ErrInvalidSessionName) {
			t.Errorf("NewSession(%q) = %v, want ErrInvalidSessionName", name, err)
		}
	}
}

func TestNewSessionBadWorkDir(t *testing.T) {
	tm := NewTmuxWithSocket("unused")
	err := tm.NewSession(context.Background(), "overstory-test-baddir", "/nonexistent/dir/xyz")
	if err == nil {
		t.Error("expected error for missing work directory")
	}
}

func TestWrapError(t *testing.T) {
	tm := NewTmuxWithSocket("")

	tests := []struct {
		stderr string
		want   error
	}{
		{"no server running on /tmp/tmux-...", ErrNoServer},
		{"error connecting to /tmp/tmux-...", ErrNoServer},
		{"no current target", ErrNoServer},
		{"duplicate session: test", ErrSessionExists},
		{"session not found: test", ErrSessionNotFound},
		{"can't find session: test", ErrSessionNotFound},
	}

	for _, tt := range tests {
		err := tm.wrapError(nil, tt.stderr, []string{"test"})
		if err != tt.want {
			t.Errorf("wrapError(%q) = %v, want %v", tt.stderr, err, tt.want)
		}
	}

	err := tm.wrapError(exec.ErrNotFound, "", []string{"list-sessions"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("missing binary should map to ErrUnavailable, got %v", err)
	}

	err = tm.wrapError(errors.New("exit status 1"), "unknown option", []string{"bogus"})
	if err == nil || err.Error() != "tmux bogus: unknown option" {
		t.Errorf("unexpected generic error %v", err)
	}
}

func TestParseSessionList(t *testing.T) {
	out := "overstory-p-a\t1234\noverstory-p-b\t\n\nother\tnotapid\n"
	got := ParseSessionList(out)
	want := []SessionInfo{
		{Name: "overstory-p-a", PID: 1234},
		{Name: "overstory-p-b"},
		{Name: "other"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseSessionList = %+v, want %+v", got, want)
	}
}

func TestSessionSet(t *testing.T) {
	set := NewSessionSetFromInfo([]SessionInfo{
		{Name: "overstory-p-b", PID: 20},
		{Name: "overstory-p-a", PID: 10},
		{Name: "work"},
	})

	if !set.Has("overstory-p-a") {
		t.Error("SessionSet.Has(overstory-p-a) = false, want true")
	}
	if set.Has("nonexistent-session-xyz-12345") {
		t.Error("SessionSet.Has(nonexistent) = true, want false")
	}
	if got := set.PID("overstory-p-b"); got != 20 {
		t.Errorf("PID = %d, want 20", got)
	}
	if got := set.Names(); !reflect.DeepEqual(got, []string{"overstory-p-a", "overstory-p-b", "work"}) {
		t.Errorf("Names = %v", got)
	}
	if got := set.WithPrefix("overstory-p-"); len(got) != 2 {
		t.Errorf("WithPrefix = %v, want 2 names", got)
	}

	// Test nil safety
	var nilSet *SessionSet
	if nilSet.Has("anything") {
		t.Error("nil SessionSet.Has() = true, want false")
	}
	if nilSet.Len() != 0 || nilSet.Names() != nil || nilSet.PID("x") != 0 {
		t.Error("nil SessionSet should behave as empty")
	}
}

func TestSessionName(t *testing.T) {
	if got := SessionName("overstory-myproj-", "builder-1"); got != "overstory-myproj-builder-1" {
		t.Errorf("SessionName = %q", got)
	}
}
