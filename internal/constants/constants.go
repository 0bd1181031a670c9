// Package constants defines shared constant values used throughout overstory.
package constants

import "time"

// Timing defaults for the watchdog and its external calls.
// Every value here can be overridden in .overstory/config.toml.
const (
	// WatchInterval is the default time between watchdog ticks.
	WatchInterval = 30 * time.Second

	// ReconcileEvery is how many ticks pass between consistency reconciler runs.
	ReconcileEvery = 10

	// EscalationThreshold is the escalation level at which a stalled session
	// is declared a zombie and reaped.
	EscalationThreshold = 3

	// StaleThreshold is how old a session's last-activity timestamp may be
	// before ledger freshness alone reports it as stalled.
	StaleThreshold = 5 * time.Minute

	// ProbeTimeout bounds a single multiplexer or process-table query.
	ProbeTimeout = 5 * time.Second

	// ListTimeout bounds listing calls (sessions, checkouts, process table).
	ListTimeout = 10 * time.Second

	// ProbeConcurrency caps how many sessions are probed in parallel per tick.
	ProbeConcurrency = 8

	// ReapGracePeriod is how long the reaper waits between SIGTERM and SIGKILL.
	ReapGracePeriod = 2 * time.Second

	// ReapPollInterval is how often the reaper re-checks liveness during the grace period.
	ReapPollInterval = 100 * time.Millisecond

	// LockWaitTimeout is how long interactive writers wait for a running tick
	// to release the tick lock.
	LockWaitTimeout = 30 * time.Second

	// MergeQueueStaleAfter is the age after which a pending or merging queue
	// entry is reported as stale. Fixed, not configurable.
	MergeQueueStaleAfter = 24 * time.Hour
)

// Directory names within an installation.
const (
	// DirState is the per-project state directory.
	DirState = ".overstory"

	// DirWorktrees holds the managed checkouts, one per agent.
	DirWorktrees = "worktrees"

	// DirLogs holds background watchdog logs.
	DirLogs = "logs"
)

// File names within DirState.
const (
	// FileSessionsDB is the Session Ledger database.
	FileSessionsDB = "sessions.db"

	// FileMergeQueue is the Merge-Queue Ledger.
	FileMergeQueue = "merge-queue.json"

	// FileConfigTOML is the preferred configuration file.
	FileConfigTOML = "config.toml"

	// FileConfigYAML is the legacy configuration file.
	FileConfigYAML = "config.yaml"

	// FileWatchdogLock serializes watchdog ticks against interactive writers.
	FileWatchdogLock = "watchdog.lock"

	// FileWatchdogInstanceLock guarantees a single watchdog per installation.
	FileWatchdogInstanceLock = "watchdog.instance.lock"

	// FileWatchdogPID records the pid of a background watchdog.
	FileWatchdogPID = "watchdog.pid"

	// FileWatchdogLog is the background watchdog log file in DirLogs.
	FileWatchdogLog = "watchdog.log"
)

// Tmux session names.
// Sessions for one installation are named <SessionPrefix><project>-<agent>.
const (
	// SessionPrefix is the prefix shared by every overstory tmux session.
	SessionPrefix = "overstory-"
)

// Git branch names.
const (
	// BranchMain is the default main branch name.
	BranchMain = "main"

	// BranchAgentPrefix is the prefix for agent work branches.
	BranchAgentPrefix = "overstory/"
)
