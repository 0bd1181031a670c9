package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Per-connection settings. busy_timeout makes a second writer wait instead of
// failing; immediate transactions take the write lock up front so a
// read-then-write transition never has to upgrade.
const dsnParams = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

const sessionColumns = `id, agent_name, capability, worktree_path, branch_name, tmux_session, pid,
	parent_agent, depth, run_id, state, started_at, last_activity, escalation_level,
	stalled_since, bead_id`

// Store is the SQLite-backed Session Ledger.
type Store struct {
	db   *sql.DB
	path string

	// now is the store clock; tests replace it.
	now func() time.Time
}

// Open opens the ledger at path and applies pending migrations. The parent
// directory must already exist. Every failure wraps ErrStoreUnavailable.
func Open(ctx context.Context, path string) (*Store, error) {
	if info, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrStoreUnavailable, filepath.Dir(path))
	}

	db, err := sql.Open("sqlite", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStoreUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)",
			name, formatTime(s.now())); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Upsert inserts the session or fully replaces the row with the same ID.
// An empty ID is filled with a new UUID; zero timestamps take the store clock.
func (s *Store) Upsert(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := s.now()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.StartedAt
	}
	if err := sess.validate(); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_name = excluded.agent_name,
			capability = excluded.capability,
			worktree_path = excluded.worktree_path,
			branch_name = excluded.branch_name,
			tmux_session = excluded.tmux_session,
			pid = excluded.pid,
			parent_agent = excluded.parent_agent,
			depth = excluded.depth,
			run_id = excluded.run_id,
			state = excluded.state,
			started_at = excluded.started_at,
			last_activity = excluded.last_activity,
			escalation_level = excluded.escalation_level,
			stalled_since = excluded.stalled_since,
			bead_id = excluded.bead_id`,
		sess.ID, sess.AgentName, sess.Capability, sess.WorktreePath, sess.BranchName, sess.TmuxSession,
		nullInt(sess.PID), nullString(sess.ParentAgent), sess.Depth, nullString(sess.RunID),
		string(sess.State), formatTime(sess.StartedAt), formatTime(sess.LastActivity),
		sess.EscalationLevel, nullTime(sess.StalledSince), sess.BeadID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("upsert session %s: %w", sess.AgentName, ErrAgentActive)
		}
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Get returns the agent's non-terminal session, or its most recently started
// session when none is active.
func (s *Store) Get(ctx context.Context, agentName string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE agent_name = ?
		ORDER BY CASE WHEN state IN ('done', 'zombie') THEN 1 ELSE 0 END, started_at DESC
		LIMIT 1`, agentName)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetByID returns the session with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (*Session, error) {
	return getByID(ctx, s.db, id)
}

// ListActive returns all non-terminal sessions ordered by start time.
func (s *Store) ListActive(ctx context.Context) ([]*Session, error) {
	return s.list(ctx, `WHERE state NOT IN ('done', 'zombie')`)
}

// ListAll returns every session, including terminal ones, ordered by start time.
func (s *Store) ListAll(ctx context.Context) ([]*Session, error) {
	return s.list(ctx, "")
}

func (s *Store) list(ctx context.Context, where string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions `+where+` ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateState moves a session to newState, enforcing the transition table.
// Entering stalled records stalled_since if unset; entering working clears it.
func (s *Store) UpdateState(ctx context.Context, id string, newState State) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(sess.State, newState) {
			return &TransitionError{SessionID: id, From: sess.State, To: newState}
		}
		if sess.PID == nil && needsPID(newState) {
			return fmt.Errorf("session %s: %w in state %s", id, ErrPIDRequired, newState)
		}

		stalledSince := sess.StalledSince
		switch newState {
		case StateStalled:
			if stalledSince == nil {
				now := s.now()
				stalledSince = &now
			}
		case StateWorking:
			stalledSince = nil
		}

		_, err = tx.ExecContext(ctx, `UPDATE sessions SET state = ?, stalled_since = ? WHERE id = ?`,
			string(newState), nullTime(stalledSince), id)
		return err
	})
}

// Escalate records one more consecutive liveness failure: the session moves to
// stalled (recording stalled_since if unset) and its escalation level is
// incremented. Returns the new level.
func (s *Store) Escalate(ctx context.Context, id string, now time.Time) (int, error) {
	var level int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(sess.State, StateStalled) {
			return &TransitionError{SessionID: id, From: sess.State, To: StateStalled}
		}
		if sess.PID == nil {
			return fmt.Errorf("session %s: %w in state %s", id, ErrPIDRequired, StateStalled)
		}
		level = sess.EscalationLevel + 1
		stalledSince := sess.StalledSince
		if stalledSince == nil {
			stalledSince = &now
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET state = ?, escalation_level = ?, stalled_since = ? WHERE id = ?`,
			string(StateStalled), level, nullTime(stalledSince), id)
		return err
	})
	return level, err
}

// MarkZombie moves a session to zombie and records level as its escalation
// level. A level below the current one leaves the level unchanged.
func (s *Store) MarkZombie(ctx context.Context, id string, level int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(sess.State, StateZombie) {
			return &TransitionError{SessionID: id, From: sess.State, To: StateZombie}
		}
		if level < sess.EscalationLevel {
			level = sess.EscalationLevel
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET state = ?, escalation_level = ? WHERE id = ?`,
			string(StateZombie), level, id)
		return err
	})
}

// Recover marks a session working after both multiplexer and process checks
// passed: escalation resets to zero, stalled_since is cleared, last_activity is
// touched, and pid is recorded when non-nil. This is the only path that lowers
// the escalation level.
func (s *Store) Recover(ctx context.Context, id string, pid *int, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(sess.State, StateWorking) {
			return &TransitionError{SessionID: id, From: sess.State, To: StateWorking}
		}
		if pid == nil {
			pid = sess.PID
		}
		if pid == nil {
			return fmt.Errorf("session %s: %w in state %s", id, ErrPIDRequired, StateWorking)
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions
			SET state = ?, escalation_level = 0, stalled_since = NULL, pid = ?, last_activity = ?
			WHERE id = ?`,
			string(StateWorking), *pid, formatTime(now), id)
		return err
	})
}

// SetPID records the pid backing a session, typically a booting session's
// pane process once the multiplexer reports it.
func (s *Store) SetPID(ctx context.Context, id string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("session %s: invalid pid %d", id, pid)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET pid = ? WHERE id = ?`, pid, id)
	if err != nil {
		return fmt.Errorf("set pid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// Touch updates a session's last-activity timestamp.
func (s *Store) Touch(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity = ? WHERE id = ?`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getByID(ctx context.Context, q queryer, id string) (*Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		sess                    Session
		state                   string
		pid                     sql.NullInt64
		parent, runID, stalled  sql.NullString
		startedAt, lastActivity string
	)
	err := sc.Scan(&sess.ID, &sess.AgentName, &sess.Capability, &sess.WorktreePath, &sess.BranchName,
		&sess.TmuxSession, &pid, &parent, &sess.Depth, &runID, &state, &startedAt, &lastActivity,
		&sess.EscalationLevel, &stalled, &sess.BeadID)
	if err != nil {
		return nil, err
	}

	sess.State = State(state)
	if pid.Valid {
		v := int(pid.Int64)
		sess.PID = &v
	}
	if parent.Valid {
		sess.ParentAgent = &parent.String
	}
	if runID.Valid {
		sess.RunID = &runID.String
	}
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if sess.LastActivity, err = parseTime(lastActivity); err != nil {
		return nil, err
	}
	if stalled.Valid {
		t, err := parseTime(stalled.String)
		if err != nil {
			return nil, err
		}
		sess.StalledSince = &t
	}
	return &sess, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return formatTime(*v)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
