// Package store implements the Record Store Gateway (component E): the
// Postgres-backed source of truth for session records, shared by every
// instance of the orchestrator. Grounded in the teacher's
// internal/db/sessions.go for its raw-SQL, lib/pq idiom, and in the
// original prototype's db/client.py for the operation set and the
// find_active_session_for_repo / claim_orphaned_sessions semantics it adds.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/driftline-dev/driftline/internal/logger"
)

// Status mirrors the session state machine's terminal and non-terminal
// values as stored in the database.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCloning    Status = "cloning"
	StatusInstalling Status = "installing"
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// Record is a session's persisted row.
type Record struct {
	ID                string
	RepoOwner         string
	RepoName          string
	Ref               string
	CommitSHA         string
	Status            Status
	AccessToken       string
	ContainerInstance string
	Port              int
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastActivityAt    time.Time
	DeletedAt         *time.Time
}

// IsActive reports whether the record is still in a non-terminal state and
// not soft-deleted.
func (r *Record) IsActive() bool {
	if r.DeletedAt != nil {
		return false
	}
	return r.Status != StatusFailed && r.Status != StatusStopped
}

// IsExpired reports whether now is past maxLifetime since creation, or (for
// a ready session only) past idleTimeout since last activity. A session
// still cloning/installing/starting never bumps last_activity_at past its
// creation, so the idle arm is scoped to ready per §4.1.4 — otherwise a low
// configured idle timeout would expire sessions still mid-setup.
func (r *Record) IsExpired(now time.Time, maxLifetime, idleTimeout time.Duration) bool {
	if now.Sub(r.CreatedAt) > maxLifetime {
		return true
	}
	return r.Status == StatusReady && now.Sub(r.LastActivityAt) > idleTimeout
}

// Gateway wraps a *sql.DB with the session-record operations the Session
// Manager needs. All methods are safe for concurrent use; Postgres
// serializes conflicting writes, and a SETNX-guarded caller (see
// ClaimOrphans) coordinates across instances for batch reclamation.
type Gateway struct {
	db *sql.DB
}

// Open connects to databaseURL and verifies it with a ping.
func Open(databaseURL string) (*Gateway, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Gateway{db: db}, nil
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error { return g.db.Close() }

// ErrNotFound is returned by Get/GetByToken when no matching, non-deleted
// row exists.
var ErrNotFound = errors.New("session record not found")

// Create inserts a new session record.
func (g *Gateway) Create(ctx context.Context, r *Record) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.LastActivityAt = now

	query := `
		INSERT INTO sessions (
			id, repo_owner, repo_name, ref, commit_sha, status,
			access_token, container_instance, port, error_message,
			created_at, updated_at, last_activity_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := g.db.ExecContext(ctx, query,
		r.ID, r.RepoOwner, r.RepoName, r.Ref, r.CommitSHA, r.Status,
		r.AccessToken, r.ContainerInstance, r.Port, r.ErrorMessage,
		r.CreatedAt, r.UpdatedAt, r.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", r.ID, err)
	}
	return nil
}

const selectColumns = `
	id, repo_owner, repo_name, ref, COALESCE(commit_sha, ''), status,
	access_token, container_instance, port, COALESCE(error_message, ''),
	created_at, updated_at, last_activity_at, deleted_at
`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	r := &Record{}
	err := row.Scan(
		&r.ID, &r.RepoOwner, &r.RepoName, &r.Ref, &r.CommitSHA, &r.Status,
		&r.AccessToken, &r.ContainerInstance, &r.Port, &r.ErrorMessage,
		&r.CreatedAt, &r.UpdatedAt, &r.LastActivityAt, &r.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Get retrieves a non-deleted session by id.
func (g *Gateway) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions WHERE id = $1 AND deleted_at IS NULL`
	r, err := scanRecord(g.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return r, nil
}

// GetByToken retrieves a non-deleted session by its access token, used on
// every proxied preview request.
func (g *Gateway) GetByToken(ctx context.Context, token string) (*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions WHERE access_token = $1 AND deleted_at IS NULL`
	r, err := scanRecord(g.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session by token: %w", err)
	}
	return r, nil
}

// UpdateStatus transitions a session's status and, on failure, records the
// reason.
func (g *Gateway) UpdateStatus(ctx context.Context, id string, status Status, errMessage string) error {
	query := `UPDATE sessions SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1`
	res, err := g.db.ExecContext(ctx, query, id, status, errMessage, time.Now())
	if err != nil {
		return fmt.Errorf("update status for session %s: %w", id, err)
	}
	return checkRowsAffected(res, id)
}

// ClaimInstance reassigns a session's owning container_instance, used when
// one instance recovers a session that was last owned by another.
func (g *Gateway) ClaimInstance(ctx context.Context, id, containerInstance string) error {
	query := `UPDATE sessions SET container_instance = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`
	res, err := g.db.ExecContext(ctx, query, id, containerInstance, time.Now())
	if err != nil {
		return fmt.Errorf("claim instance for session %s: %w", id, err)
	}
	return checkRowsAffected(res, id)
}

// UpdateCommitSHA records the resolved commit hash of a successful clone,
// so the session record reflects exactly which revision is being served
// even when repo_ref names a branch or tag rather than a fixed commit.
func (g *Gateway) UpdateCommitSHA(ctx context.Context, id, commitSHA string) error {
	query := `UPDATE sessions SET commit_sha = $2, updated_at = $3 WHERE id = $1`
	res, err := g.db.ExecContext(ctx, query, id, commitSHA, time.Now())
	if err != nil {
		return fmt.Errorf("update commit sha for session %s: %w", id, err)
	}
	return checkRowsAffected(res, id)
}

// UpdatePort records the allocated local port once the dev server is
// launched.
func (g *Gateway) UpdatePort(ctx context.Context, id string, port int) error {
	query := `UPDATE sessions SET port = $2, updated_at = $3 WHERE id = $1`
	res, err := g.db.ExecContext(ctx, query, id, port, time.Now())
	if err != nil {
		return fmt.Errorf("update port for session %s: %w", id, err)
	}
	return checkRowsAffected(res, id)
}

// UpdateActivity bumps last_activity_at, called on every successful
// proxied request to keep an idle sweeper from reclaiming an in-use
// session.
func (g *Gateway) UpdateActivity(ctx context.Context, id string) error {
	query := `UPDATE sessions SET last_activity_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	_, err := g.db.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return fmt.Errorf("update activity for session %s: %w", id, err)
	}
	return nil
}

// SoftDelete marks a session deleted without removing the row, so a
// concurrent proxy request sees the deletion rather than a race against
// hard deletion.
func (g *Gateway) SoftDelete(ctx context.Context, id string) error {
	query := `UPDATE sessions SET deleted_at = $2, status = $3, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	res, err := g.db.ExecContext(ctx, query, id, time.Now(), StatusStopped)
	if err != nil {
		return fmt.Errorf("soft delete session %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActive returns all non-deleted, non-terminal sessions.
func (g *Gateway) ListActive(ctx context.Context) ([]*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions WHERE deleted_at IS NULL AND status NOT IN ($1, $2)`
	return g.queryRecords(ctx, query, StatusFailed, StatusStopped)
}

// ListForInstance returns every active session claimed by containerInstance,
// used for the per-instance session cap, the owned-session listing, and
// shutdown teardown.
func (g *Gateway) ListForInstance(ctx context.Context, containerInstance string) ([]*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions WHERE container_instance = $1 AND deleted_at IS NULL AND status NOT IN ($2, $3)`
	return g.queryRecords(ctx, query, containerInstance, StatusFailed, StatusStopped)
}

// FindExpired returns active sessions past maxLifetime or idleTimeout, for
// the expiry sweeper.
func (g *Gateway) FindExpired(ctx context.Context, now time.Time, maxLifetime, idleTimeout time.Duration) ([]*Record, error) {
	active, err := g.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := active[:0]
	for _, r := range active {
		if r.IsExpired(now, maxLifetime, idleTimeout) {
			out = append(out, r)
		}
	}
	return out, nil
}

// FindIdle returns ready sessions whose last activity is older than
// idleTimeout, for the idle sweeper distinct from the hard-expiry sweeper.
// It does not filter on lifetime, so an idle session past maxLifetime is
// returned too.
func (g *Gateway) FindIdle(ctx context.Context, now time.Time, idleTimeout time.Duration) ([]*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions WHERE deleted_at IS NULL AND status = $1 AND last_activity_at < $2`
	return g.queryRecords(ctx, query, StatusReady, now.Add(-idleTimeout))
}

// FindActiveForRepo returns the best active session for owner/name/ref, if
// one exists. Priority goes to a session owned by selfInstance (if
// non-empty), then to the most recently created active session owned by
// any instance, matching the reuse policy's "prefer this instance, then any
// instance" rule.
func (g *Gateway) FindActiveForRepo(ctx context.Context, owner, name, ref, selfInstance string) (*Record, error) {
	query := `
		SELECT ` + selectColumns + ` FROM sessions
		WHERE repo_owner = $1 AND repo_name = $2 AND ref = $3
		  AND deleted_at IS NULL AND status NOT IN ($4, $5)
		ORDER BY (container_instance = $6) DESC, created_at DESC
		LIMIT 1
	`
	r, err := scanRecord(g.db.QueryRowContext(ctx, query, owner, name, ref, StatusFailed, StatusStopped, selfInstance))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active session for %s/%s@%s: %w", owner, name, ref, err)
	}
	return r, nil
}

// ClaimOrphans marks every non-terminal session whose updated_at is older
// than staleAfter as failed, regardless of which instance owns it: a
// session stuck mid-setup for that long means its owning instance died
// before it could finish or fail the record itself. Any instance running
// this at startup can claim any other instance's orphans — the work itself
// is unrecoverable either way, so there is nothing to coordinate beyond
// not double-logging the same claim, which the caller's distributed lock
// (see the cache package's SETNX-based lock) exists to prevent.
func (g *Gateway) ClaimOrphans(ctx context.Context, staleAfter time.Duration) (int64, error) {
	query := `
		UPDATE sessions
		SET status = $1, error_message = $2, updated_at = $3
		WHERE deleted_at IS NULL AND status IN ($4, $5, $6, $7) AND updated_at < $8
	`
	res, err := g.db.ExecContext(ctx, query,
		StatusFailed, "orphaned: owning instance stopped responding", time.Now(),
		StatusPending, StatusCloning, StatusInstalling, StatusStarting,
		time.Now().Add(-staleAfter),
	)
	if err != nil {
		return 0, fmt.Errorf("claim orphans: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		logger.Store().Warn().Int64("count", affected).Msg("claimed orphaned sessions")
	}
	return affected, nil
}

// PurgeDeleted hard-deletes soft-deleted rows older than olderThan, the
// terminal step of the record lifecycle.
func (g *Gateway) PurgeDeleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM sessions WHERE deleted_at IS NOT NULL AND deleted_at < $1`
	res, err := g.db.ExecContext(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge deleted sessions: %w", err)
	}
	return res.RowsAffected()
}

func (g *Gateway) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
