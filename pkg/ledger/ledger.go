// Package ledger records per-reference pipeline state in SQLite so resumed and
// concurrent runs decide stage work from an explicit record instead of bare file presence.
package ledger

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/samber/mo"
	_ "modernc.org/sqlite"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/layout"
)

// State is the furthest stage a reference has completed.
type State string

const (
	StatePending   State = "pending"
	StateFetched   State = "fetched"
	StateMerged    State = "merged"
	StatePackaged  State = "packaged"
	StatePublished State = "published"
	StateFailed    State = "failed"
)

// Run is the ledger row of one reference.
type Run struct {
	Reference string    `json:"reference"`
	RunID     string    `json:"run_id"`
	Title     string    `json:"title"`
	State     State     `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ledger is a SQLite-backed run ledger.
type Ledger struct {
	db      *sql.DB
	path    string
	lockDir string
	// LockRetry is how often Lock polls a held lock.
	LockRetry time.Duration
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open creates or opens the ledger database at path. Reference locks live in a
// "locks" directory next to it.
func Open(ctx context.Context, path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	lockDir := filepath.Join(dir, "locks")
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, errors.Wrap(err, errors.LedgerError, "Failed to create ledger directory", errors.ErrLedgerOpen)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.LedgerError, "Failed to open ledger database", errors.ErrLedgerOpen)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, errors.Wrap(execErr, errors.LedgerError, "Failed to apply pragma "+pragma, errors.ErrLedgerOpen)
		}
	}

	l := &Ledger{db: db, path: path, lockDir: lockDir, LockRetry: 250 * time.Millisecond}
	if err := l.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
	reference  TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS artifacts (
	path       TEXT PRIMARY KEY,
	reference  TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS artifacts_reference ON artifacts(reference);`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, errors.LedgerError, "Failed to initialize ledger schema", errors.ErrLedgerOpen)
	}
	return nil
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Begin starts (or restarts) a run for ref in the pending state.
func (l *Ledger) Begin(ctx context.Context, ref, runID, title string) error {
	return l.exec(ctx, `
INSERT INTO runs (reference, run_id, title, state, last_error, updated_at)
VALUES (?, ?, ?, ?, '', ?)
ON CONFLICT(reference) DO UPDATE SET
	run_id = excluded.run_id,
	title = excluded.title,
	state = excluded.state,
	last_error = '',
	updated_at = excluded.updated_at`,
		ref, runID, title, string(StatePending), now())
}

// Advance moves ref to state.
func (l *Ledger) Advance(ctx context.Context, ref string, state State) error {
	return l.exec(ctx, `UPDATE runs SET state = ?, last_error = '', updated_at = ? WHERE reference = ?`,
		string(state), now(), ref)
}

// Fail marks ref failed with cause's message.
func (l *Ledger) Fail(ctx context.Context, ref string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.exec(ctx, `UPDATE runs SET state = ?, last_error = ?, updated_at = ? WHERE reference = ?`,
		string(StateFailed), msg, now(), ref)
}

// Record notes that a stage finished writing artifact a for ref.
func (l *Ledger) Record(ctx context.Context, ref string, a layout.Artifact) error {
	return l.exec(ctx, `
INSERT INTO artifacts (path, reference, role, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET reference = excluded.reference, role = excluded.role`,
		a.Path, ref, string(a.Role), now())
}

// Recorded reports whether path was recorded as a finished artifact.
func (l *Ledger) Recorded(ctx context.Context, path string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM artifacts WHERE path = ?`, path).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, errors.LedgerError, "Failed to read artifact", errors.ErrLedgerRead)
	}
	return n > 0, nil
}

// Run returns the ledger row of ref, if any.
func (l *Ledger) Run(ctx context.Context, ref string) (mo.Option[Run], error) {
	row := l.db.QueryRowContext(ctx, `SELECT reference, run_id, title, state, last_error, updated_at FROM runs WHERE reference = ?`, ref)
	r, err := scanRun(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return mo.None[Run](), nil
	}
	if err != nil {
		return mo.None[Run](), errors.Wrap(err, errors.LedgerError, "Failed to read run", errors.ErrLedgerRead)
	}
	return mo.Some(r), nil
}

// Runs lists every run, most recently updated first.
func (l *Ledger) Runs(ctx context.Context) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT reference, run_id, title, state, last_error, updated_at FROM runs ORDER BY updated_at DESC, reference`)
	if err != nil {
		return nil, errors.Wrap(err, errors.LedgerError, "Failed to list runs", errors.ErrLedgerRead)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.LedgerError, "Failed to read run", errors.ErrLedgerRead)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.LedgerError, "Failed to list runs", errors.ErrLedgerRead)
	}
	return runs, nil
}

// Artifacts lists the recorded artifacts of ref in recording order.
func (l *Ledger) Artifacts(ctx context.Context, ref string) ([]layout.Artifact, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT path, role FROM artifacts WHERE reference = ? ORDER BY created_at, rowid`, ref)
	if err != nil {
		return nil, errors.Wrap(err, errors.LedgerError, "Failed to list artifacts", errors.ErrLedgerRead)
	}
	defer rows.Close()

	var out []layout.Artifact
	for rows.Next() {
		var a layout.Artifact
		var role string
		if err := rows.Scan(&a.Path, &role); err != nil {
			return nil, errors.Wrap(err, errors.LedgerError, "Failed to read artifact", errors.ErrLedgerRead)
		}
		a.Role = layout.Role(role)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Lock takes an exclusive file lock for ref, waiting until it is free or ctx ends.
// The returned function releases it.
func (l *Ledger) Lock(ctx context.Context, ref string) (func() error, error) {
	name := uuid.NewSHA1(uuid.NameSpaceURL, []byte(ref)).String() + ".lock"
	fl := flock.New(filepath.Join(l.lockDir, name))

	ok, err := fl.TryLockContext(ctx, l.LockRetry)
	if err != nil {
		return nil, errors.Wrap(err, errors.LedgerError, "Failed to lock reference", errors.ErrLedgerLock)
	}
	if !ok {
		return nil, errors.New(errors.LedgerError, "Reference is locked by another run", ref, errors.ErrLedgerLock)
	}
	return fl.Unlock, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r       Run
		state   string
		updated string
	)
	if err := row.Scan(&r.Reference, &r.RunID, &r.Title, &state, &r.LastError, &updated); err != nil {
		return Run{}, err
	}
	r.State = State(state)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (l *Ledger) exec(ctx context.Context, query string, args ...any) error {
	err := retryOnBusy(ctx, func() error {
		_, execErr := l.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return errors.Wrap(err, errors.LedgerError, "Failed to write ledger", errors.ErrLedgerWrite)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if stderrors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
