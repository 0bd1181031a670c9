package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeStateFile(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, ".overstory")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	root := filepath.Join(t.TempDir(), "myproj")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project != "myproj" {
		t.Errorf("expected project 'myproj', got %q", cfg.Project)
	}
	if cfg.Watchdog.Interval.Duration != 30*time.Second {
		t.Errorf("expected default interval 30s, got %s", cfg.Watchdog.Interval.Duration)
	}
	if cfg.Watchdog.EscalationThreshold != 3 {
		t.Errorf("expected default threshold 3, got %d", cfg.Watchdog.EscalationThreshold)
	}
	if cfg.Source != "" {
		t.Errorf("expected no source file, got %q", cfg.Source)
	}
	if got := cfg.SessionName("builder-1"); got != "overstory-myproj-builder-1" {
		t.Errorf("unexpected session name %q", got)
	}
}

func TestLoad_TOML(t *testing.T) {
	root := t.TempDir()
	writeStateFile(t, root, "config.toml", `
project = "fleet"

[watchdog]
interval = "10s"
escalation_threshold = 5
stale_threshold = "2m"

[tmux]
socket = "fleet-sock"
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project != "fleet" {
		t.Errorf("expected project 'fleet', got %q", cfg.Project)
	}
	if cfg.Watchdog.Interval.Duration != 10*time.Second {
		t.Errorf("expected 10s, got %s", cfg.Watchdog.Interval.Duration)
	}
	if cfg.Watchdog.EscalationThreshold != 5 {
		t.Errorf("expected threshold 5, got %d", cfg.Watchdog.EscalationThreshold)
	}
	if cfg.Watchdog.StaleThreshold.Duration != 2*time.Minute {
		t.Errorf("expected 2m, got %s", cfg.Watchdog.StaleThreshold.Duration)
	}
	// Unset keys keep their defaults.
	if cfg.Watchdog.ReconcileEvery != 10 {
		t.Errorf("expected default reconcile_every 10, got %d", cfg.Watchdog.ReconcileEvery)
	}
	if cfg.Tmux.Socket != "fleet-sock" {
		t.Errorf("expected socket 'fleet-sock', got %q", cfg.Tmux.Socket)
	}
}

func TestLoad_YAMLFallback(t *testing.T) {
	root := t.TempDir()
	writeStateFile(t, root, "config.yaml", `
project: legacy
watchdog:
  interval: 45s
  probeTimeout: 1500
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project != "legacy" {
		t.Errorf("expected project 'legacy', got %q", cfg.Project)
	}
	if cfg.Watchdog.Interval.Duration != 45*time.Second {
		t.Errorf("expected 45s, got %s", cfg.Watchdog.Interval.Duration)
	}
	if cfg.Watchdog.ProbeTimeout.Duration != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %s", cfg.Watchdog.ProbeTimeout.Duration)
	}
	if !strings.HasSuffix(cfg.Source, "config.yaml") {
		t.Errorf("expected yaml source, got %q", cfg.Source)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	root := t.TempDir()
	t.Setenv("OVERSTORY_WATCH_INTERVAL", "3s")
	t.Setenv("OVERSTORY_TMUX_SOCKET", "env-sock")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watchdog.Interval.Duration != 3*time.Second {
		t.Errorf("expected 3s, got %s", cfg.Watchdog.Interval.Duration)
	}
	if cfg.Tmux.Socket != "env-sock" {
		t.Errorf("expected env socket, got %q", cfg.Tmux.Socket)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", "[watchdog]\ninterval = \"soon\"\n", "invalid duration"},
		{"zero threshold", "[watchdog]\nescalation_threshold = 0\n", "escalation_threshold"},
		{"bad project", "project = \"has space\"\n", "may only contain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeStateFile(t, root, "config.toml", tt.content)
			_, err := Load(root)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".overstory"), 0755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	got, err := FindRoot(nested)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	want, _ := filepath.EvalSymlinks(root)
	gotReal, _ := filepath.EvalSymlinks(got)
	if gotReal != want {
		t.Errorf("FindRoot = %q, want %q", got, root)
	}

	if _, err := FindRoot(t.TempDir()); !errors.Is(err, ErrNoInstallation) {
		t.Errorf("expected ErrNoInstallation, got %v", err)
	}
}

func TestAgentEnv(t *testing.T) {
	env := AgentEnv(AgentEnvConfig{
		AgentName:   "builder-1",
		Capability:  "builder",
		Root:        "/proj",
		SessionName: "overstory-proj-builder-1",
	})
	if env["OVERSTORY_AGENT_NAME"] != "builder-1" {
		t.Errorf("missing agent name: %v", env)
	}
	if env["GIT_CEILING_DIRECTORIES"] != "/proj" {
		t.Errorf("expected ceiling dir, got %q", env["GIT_CEILING_DIRECTORIES"])
	}
	if _, ok := env["OVERSTORY_PARENT"]; ok {
		t.Error("empty parent should be omitted")
	}
}
