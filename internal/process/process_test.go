package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"sort"
	"syscall"
	"testing"
	"time"
)

func TestParsePS(t *testing.T) {
	out := []byte(`    1     0 Ss   /sbin/init
  100     1 S    tmux new-session -d -s overstory-proj-a
  101   100 Ss   bash
  102   101 R+   claude --model opus
  103   101 Z    [node] <defunct>
garbage line
`)
	procs := ParsePS(out)
	if len(procs) != 5 {
		t.Fatalf("expected 5 processes, got %d: %+v", len(procs), procs)
	}
	if procs[3].Command != "claude --model opus" {
		t.Errorf("unexpected command %q", procs[3].Command)
	}
	if !procs[4].Defunct() {
		t.Error("expected pid 103 to be defunct")
	}
	if procs[2].Defunct() {
		t.Error("pid 101 is not defunct")
	}

	children := ChildMap(procs)
	got := children[101]
	sort.Ints(got)
	if !reflect.DeepEqual(got, []int{102, 103}) {
		t.Errorf("children of 101 = %v, want [102 103]", got)
	}
}

func TestOSTable_IsAliveSelf(t *testing.T) {
	table := NewOSTable(5 * time.Second)
	alive, err := table.IsAlive(context.Background(), os.Getpid())
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if !alive {
		t.Error("expected the test process to be alive")
	}
}

func TestOSTable_IsAliveExited(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skip("true not available")
	}
	pid := cmd.Process.Pid

	table := NewOSTable(5 * time.Second)
	alive, err := table.IsAlive(context.Background(), pid)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive {
		t.Errorf("expected exited pid %d to be dead", pid)
	}
}

func TestOSTable_SignalVanished(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skip("true not available")
	}

	table := NewOSTable(time.Second)
	err := table.Signal(cmd.Process.Pid, syscall.SIGTERM)
	if !errors.Is(err, ErrNoProcess) {
		t.Errorf("expected ErrNoProcess, got %v", err)
	}
	if err := table.Signal(0, syscall.SIGTERM); err == nil {
		t.Error("expected signaling pid 0 to be refused")
	}
}

func TestPIDFile(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "watchdog.pid"))

	if _, running := pf.IsRunning(); running {
		t.Error("missing pid file should not report running")
	}
	if err := pf.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	pid, running := pf.IsRunning()
	if !running || pid != os.Getpid() {
		t.Errorf("IsRunning = %d, %v; want %d, true", pid, running, os.Getpid())
	}
	if err := pf.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := pf.Remove(); err != nil {
		t.Errorf("second Remove should be a no-op, got %v", err)
	}
}
