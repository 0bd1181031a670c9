// Package config provides configuration loading and environment variable management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jpbrule-del/overstory/internal/constants"
)

// ErrNoInstallation is returned by FindRoot when no .overstory directory
// exists in the directory or any of its parents.
var ErrNoInstallation = errors.New("not inside an overstory project (no .overstory directory found)")

// Duration is a time.Duration that reads from "30s" style strings in both
// TOML and YAML config files.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler (used by the TOML decoder).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML accepts either a duration string or an integer number of milliseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		ms, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return err
		}
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	return d.UnmarshalText([]byte(value.Value))
}

// WatchdogConfig tunes the watchdog loop and the liveness oracle.
type WatchdogConfig struct {
	Interval            Duration `toml:"interval" yaml:"interval"`
	ReconcileEvery      int      `toml:"reconcile_every" yaml:"reconcileEvery"`
	EscalationThreshold int      `toml:"escalation_threshold" yaml:"escalationThreshold"`
	StaleThreshold      Duration `toml:"stale_threshold" yaml:"staleThreshold"`
	ProbeTimeout        Duration `toml:"probe_timeout" yaml:"probeTimeout"`
	ListTimeout         Duration `toml:"list_timeout" yaml:"listTimeout"`
	Concurrency         int      `toml:"concurrency" yaml:"concurrency"`
}

// ReaperConfig tunes process-tree termination.
type ReaperConfig struct {
	Grace        Duration `toml:"grace" yaml:"grace"`
	PollInterval Duration `toml:"poll_interval" yaml:"pollInterval"`
}

// TmuxConfig selects the tmux server and the session naming convention.
type TmuxConfig struct {
	// Socket is the tmux -L socket name. Empty uses the default server.
	Socket string `toml:"socket" yaml:"socket"`
}

// Config is the per-project overstory configuration.
type Config struct {
	// Project names the installation; it is part of every tmux session name.
	Project string `toml:"project" yaml:"project"`

	// Root is the project root (the directory containing .overstory/).
	// Not read from the file.
	Root string `toml:"-" yaml:"-"`

	// CanonicalBranch is the branch merges land on.
	CanonicalBranch string `toml:"canonical_branch" yaml:"canonicalBranch"`

	Watchdog WatchdogConfig `toml:"watchdog" yaml:"watchdog"`
	Reaper   ReaperConfig   `toml:"reaper" yaml:"reaper"`
	Tmux     TmuxConfig     `toml:"tmux" yaml:"tmux"`

	// Source is the config file that was loaded, empty for defaults.
	Source string `toml:"-" yaml:"-"`
}

// Default returns the built-in configuration for root.
func Default(root string) *Config {
	return &Config{
		Project:         filepath.Base(root),
		Root:            root,
		CanonicalBranch: constants.BranchMain,
		Watchdog: WatchdogConfig{
			Interval:            Duration{constants.WatchInterval},
			ReconcileEvery:      constants.ReconcileEvery,
			EscalationThreshold: constants.EscalationThreshold,
			StaleThreshold:      Duration{constants.StaleThreshold},
			ProbeTimeout:        Duration{constants.ProbeTimeout},
			ListTimeout:         Duration{constants.ListTimeout},
			Concurrency:         constants.ProbeConcurrency,
		},
		Reaper: ReaperConfig{
			Grace:        Duration{constants.ReapGracePeriod},
			PollInterval: Duration{constants.ReapPollInterval},
		},
	}
}

// Load reads .overstory/config.toml, falling back to .overstory/config.yaml,
// on top of Default(root). A missing file is not an error.
// OVERSTORY_WATCH_INTERVAL and OVERSTORY_TMUX_SOCKET override the file.
func Load(root string) (*Config, error) {
	cfg := Default(root)

	tomlPath := filepath.Join(root, constants.DirState, constants.FileConfigTOML)
	yamlPath := filepath.Join(root, constants.DirState, constants.FileConfigYAML)

	if _, err := os.Stat(tomlPath); err == nil {
		if _, err := toml.DecodeFile(tomlPath, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", tomlPath, err)
		}
		cfg.Source = tomlPath
	} else if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", yamlPath, err)
		}
		cfg.Source = yamlPath
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", yamlPath, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Root = root
	if cfg.Project == "" {
		cfg.Project = filepath.Base(root)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("OVERSTORY_WATCH_INTERVAL"); v != "" {
		if err := c.Watchdog.Interval.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("OVERSTORY_WATCH_INTERVAL: %w", err)
		}
	}
	if v := os.Getenv("OVERSTORY_TMUX_SOCKET"); v != "" {
		c.Tmux.Socket = v
	}
	return nil
}

// Validate rejects values the watchdog cannot run with.
func (c *Config) Validate() error {
	w := c.Watchdog
	switch {
	case w.Interval.Duration <= 0:
		return fmt.Errorf("watchdog.interval must be positive, got %s", w.Interval.Duration)
	case w.ReconcileEvery < 1:
		return fmt.Errorf("watchdog.reconcile_every must be at least 1, got %d", w.ReconcileEvery)
	case w.EscalationThreshold < 1:
		return fmt.Errorf("watchdog.escalation_threshold must be at least 1, got %d", w.EscalationThreshold)
	case w.StaleThreshold.Duration <= 0:
		return fmt.Errorf("watchdog.stale_threshold must be positive, got %s", w.StaleThreshold.Duration)
	case w.ProbeTimeout.Duration <= 0 || w.ListTimeout.Duration <= 0:
		return fmt.Errorf("watchdog timeouts must be positive")
	case w.Concurrency < 1:
		return fmt.Errorf("watchdog.concurrency must be at least 1, got %d", w.Concurrency)
	case c.Reaper.Grace.Duration < 0:
		return fmt.Errorf("reaper.grace must not be negative")
	}
	if !validProjectRe(c.Project) {
		return fmt.Errorf("project %q may only contain letters, digits, '-' and '_'", c.Project)
	}
	return nil
}

func validProjectRe(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// StateDir returns <root>/.overstory.
func (c *Config) StateDir() string {
	return filepath.Join(c.Root, constants.DirState)
}

// StatePath joins name onto the state directory.
func (c *Config) StatePath(name ...string) string {
	return filepath.Join(append([]string{c.StateDir()}, name...)...)
}

// LedgerPath returns the Session Ledger database path.
func (c *Config) LedgerPath() string { return c.StatePath(constants.FileSessionsDB) }

// MergeQueuePath returns the Merge-Queue Ledger path.
func (c *Config) MergeQueuePath() string { return c.StatePath(constants.FileMergeQueue) }

// WorktreesDir returns the managed checkout root.
func (c *Config) WorktreesDir() string { return c.StatePath(constants.DirWorktrees) }

// SessionPrefix is the tmux session-name prefix owned by this installation.
func (c *Config) SessionPrefix() string {
	return constants.SessionPrefix + c.Project + "-"
}

// SessionName returns the tmux session name for an agent.
func (c *Config) SessionName(agentName string) string {
	return c.SessionPrefix() + agentName
}

// FindRoot walks up from dir until it finds a directory containing .overstory.
func FindRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(filepath.Join(dir, constants.DirState))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoInstallation
		}
		dir = parent
	}
}
