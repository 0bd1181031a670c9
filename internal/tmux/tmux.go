// Package tmux drives agent sessions through the tmux binary.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds every tmux invocation that does not carry a tighter
// context deadline.
const DefaultTimeout = 10 * time.Second

// Session names are passed as -t targets; dots and colons would be parsed
// as window or pane separators.
var validSessionNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var (
	ErrNoServer           = errors.New("no tmux server running")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidSessionName = errors.New("invalid session name")
	// ErrUnavailable means the tmux binary could not be run at all, or it
	// did not answer within the timeout.
	ErrUnavailable = errors.New("tmux unavailable")
)

func validateSessionName(name string) error {
	if name == "" || !validSessionNameRe.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidSessionName, name, validSessionNameRe.String())
	}
	return nil
}

// SessionName returns the tmux session name of an agent under an
// installation prefix such as "overstory-myproj-".
func SessionName(prefix, agentName string) string {
	return prefix + agentName
}

// SessionInfo is one row of list-sessions.
type SessionInfo struct {
	Name string `json:"name"`
	// PID is the pid of the session's active pane process, zero if unknown.
	PID int `json:"pid,omitempty"`
}

// Tmux runs tmux commands against one server.
type Tmux struct {
	socketName string
	timeout    time.Duration
}

// NewTmuxWithSocket creates a Tmux wrapper that targets a named socket (-L).
// An empty socket means the user's default server.
func NewTmuxWithSocket(socket string) *Tmux {
	return &Tmux{socketName: socket, timeout: DefaultTimeout}
}

// WithTimeout returns a copy of t whose commands are bounded by d.
func (t *Tmux) WithTimeout(d time.Duration) *Tmux {
	c := *t
	if d > 0 {
		c.timeout = d
	}
	return &c
}

// Socket returns the -L socket name, empty for the default server.
func (t *Tmux) Socket() string {
	return t.socketName
}

// run executes one tmux command with -u (UTF-8 regardless of locale) and
// returns its trimmed stdout.
func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	timeout := t.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// -L must come before the subcommand, so it goes in the prefix.
	allArgs := []string{"-u"}
	if t.socketName != "" {
		allArgs = append(allArgs, "-L", t.socketName)
	}
	allArgs = append(allArgs, args...)
	cmd := exec.CommandContext(ctx, "tmux", allArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("tmux %s: %w: %w", args[0], ErrUnavailable, ctx.Err())
		}
		return "", t.wrapError(err, stderr.String(), args)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// wrapError maps tmux stderr onto the package sentinels.
func (t *Tmux) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") ||
		strings.Contains(stderr, "no current target") ||
		strings.Contains(stderr, "server exited unexpectedly") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// NewSession starts a detached session running the default shell.
func (t *Tmux) NewSession(ctx context.Context, name, workDir string) error {
	return t.NewSessionWithCommandAndEnv(ctx, name, workDir, "", nil)
}

// NewSessionWithCommandAndEnv creates a detached session whose initial
// process is command (the default shell when empty), with env applied via
// -e flags before that process starts. Keys are sorted for deterministic
// argument order. Requires tmux >= 3.2 when env is non-empty.
func (t *Tmux) NewSessionWithCommandAndEnv(ctx context.Context, name, workDir, command string, env map[string]string) error {
	if err := validateSessionName(name); err != nil {
		return err
	}
	if workDir != "" {
		info, err := os.Stat(workDir)
		if err != nil {
			return fmt.Errorf("invalid work directory %q: %w", workDir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("work directory %q is not a directory", workDir)
		}
	}

	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, env[k]))
	}
	if command != "" {
		args = append(args, command)
	}
	if _, err := t.run(ctx, args...); err != nil {
		return err
	}
	// tmux 3.3+ sets window-size=manual on detached sessions, which locks the
	// window at 80x24 even after a client attaches.
	_, _ = t.run(ctx, "set-option", "-wt", name, "window-size", "latest")
	return nil
}

// KillSession ends the named session. A session or server that is already
// gone is not an error.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	_, err := t.run(ctx, "kill-session", "-t", "="+name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// HasSession reports whether the named session exists. The "=" target
// prefix disables tmux's prefix matching, so "overstory-p-" never matches
// "overstory-p-a".
func (t *Tmux) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := t.run(ctx, "has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSessions returns every session with the pid of its active pane.
// No server means no sessions.
func (t *Tmux) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, err := t.run(ctx, "list-sessions", "-F", "#{session_name}\t#{pane_pid}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	return ParseSessionList(out), nil
}

// ParseSessionList parses "name<TAB>pid" lines. A missing or malformed pid
// leaves PID zero; blank lines are skipped.
func ParseSessionList(out string) []SessionInfo {
	var sessions []SessionInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		name, pidStr, _ := strings.Cut(line, "\t")
		info := SessionInfo{Name: name}
		if pid, err := strconv.Atoi(strings.TrimSpace(pidStr)); err == nil && pid > 0 {
			info.PID = pid
		}
		sessions = append(sessions, info)
	}
	return sessions
}

// SessionSet is one list-sessions snapshot, so a pass over the whole fleet
// costs a single tmux call.
type SessionSet struct {
	sessions map[string]int
}

// NewSessionSet builds a set of names with unknown pane pids.
func NewSessionSet(names []string) *SessionSet {
	set := &SessionSet{sessions: make(map[string]int, len(names))}
	for _, name := range names {
		set.sessions[name] = 0
	}
	return set
}

// NewSessionSetFromInfo creates a SessionSet that also remembers pane pids.
func NewSessionSetFromInfo(infos []SessionInfo) *SessionSet {
	set := &SessionSet{sessions: make(map[string]int, len(infos))}
	for _, info := range infos {
		set.sessions[info.Name] = info.PID
	}
	return set
}

// Has reports whether name was listed.
func (s *SessionSet) Has(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.sessions[name]
	return ok
}

// PID returns the recorded pane pid of name, zero if unknown or absent.
func (s *SessionSet) PID(name string) int {
	if s == nil {
		return 0
	}
	return s.sessions[name]
}

// Names returns all session names in the set, sorted.
func (s *SessionSet) Names() []string {
	if s == nil || len(s.sessions) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of sessions in the set.
func (s *SessionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sessions)
}

// WithPrefix returns the names in the set that start with prefix, sorted.
func (s *SessionSet) WithPrefix(prefix string) []string {
	var out []string
	for _, name := range s.Names() {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// GetPanePID returns the pid of the process in the first window of a
// session (target ":^"), or of the pane itself when target is a pane id such
// as "%5". The first window is where the agent runs even if a user opened
// another one.
func (t *Tmux) GetPanePID(ctx context.Context, target string) (int, error) {
	if !strings.HasPrefix(target, "%") {
		target += ":^"
	}
	out, err := t.run(ctx, "display-message", "-t", target, "-p", "#{pane_pid}")
	switch {
	case err != nil:
		return 0, err
	case out == "":
		return 0, fmt.Errorf("tmux reported no pane pid for %s", target)
	}
	pid, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parsing pane pid %q: %w", out, err)
	}
	return pid, nil
}
