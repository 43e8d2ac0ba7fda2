// Package approvals tracks runs sitting in AWAITING_APPROVAL and resolves
// them to APPROVED, REJECTED, or TIMED_OUT.
//
// Grounded on internal/ruriko/approvals: the pending/approved/denied/expired
// lifecycle, TTL expiry, and resolve-once semantics are carried over from the
// chat-bot's gated-command approvals, generalized from "re-execute a command"
// to "release a RouteDecision for execution".
package approvals

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a PendingApproval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
	StatusCanceled Status = "canceled"
)

// DefaultTTL is how long a run waits in AWAITING_APPROVAL before the gate
// resolves it to TIMED_OUT.
const DefaultTTL = 15 * time.Minute

// ErrAlreadyResolved is returned when Resolve is called on a run that is no
// longer pending.
var ErrAlreadyResolved = errors.New("approvals: run already resolved")

// ErrNotFound is returned when the run ID has no pending (or any) approval.
var ErrNotFound = errors.New("approvals: run not found")

// PendingApproval is a run parked in AWAITING_APPROVAL awaiting a human
// decision.
type PendingApproval struct {
	RunID          string
	DecisionJSON   string
	RequestedAt    time.Time
	ExpiresAt      time.Time
	ResolvedAt     *time.Time
	ResolvedBy     *string
	ResolveReason  *string
	Status         Status
}

// IsExpired reports whether a still-pending approval has passed its deadline.
func (p *PendingApproval) IsExpired(now time.Time) bool {
	return p.Status == StatusPending && now.After(p.ExpiresAt)
}

// Store persists PendingApproval rows in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-open *sql.DB (shared with the History Store's
// connection, keeping to a single shared connection per process).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the approvals table if it does not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending_approvals (
			run_id         TEXT PRIMARY KEY,
			decision_json  TEXT NOT NULL,
			status         TEXT NOT NULL,
			requested_at   TIMESTAMP NOT NULL,
			expires_at     TIMESTAMP NOT NULL,
			resolved_at    TIMESTAMP,
			resolved_by    TEXT,
			resolve_reason TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("approvals: ensure schema: %w", err)
	}
	return nil
}

func generateSuffix() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("approvals: generate id suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create parks a run in AWAITING_APPROVAL. ttl of 0 uses DefaultTTL.
func (s *Store) Create(ctx context.Context, runID, decisionJSON string, ttl time.Duration) (*PendingApproval, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_approvals (run_id, decision_json, status, requested_at, expires_at)
		VALUES (?, ?, 'pending', ?, ?)
	`, runID, decisionJSON, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("approvals: create: %w", err)
	}
	return &PendingApproval{
		RunID:        runID,
		DecisionJSON: decisionJSON,
		Status:       StatusPending,
		RequestedAt:  now,
		ExpiresAt:    expiresAt,
	}, nil
}

// Get retrieves a pending approval by run ID.
func (s *Store) Get(ctx context.Context, runID string) (*PendingApproval, error) {
	p := &PendingApproval{}
	var resolvedAt sql.NullTime
	var resolvedBy, resolveReason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, decision_json, status, requested_at, expires_at, resolved_at, resolved_by, resolve_reason
		FROM pending_approvals WHERE run_id = ?
	`, runID).Scan(&p.RunID, &p.DecisionJSON, &p.Status, &p.RequestedAt, &p.ExpiresAt, &resolvedAt, &resolvedBy, &resolveReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approvals: get: %w", err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		p.ResolvedBy = &resolvedBy.String
	}
	if resolveReason.Valid {
		p.ResolveReason = &resolveReason.String
	}
	return p, nil
}

func (s *Store) resolve(ctx context.Context, runID string, newStatus Status, resolvedBy, reason string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_approvals
		SET status = ?, resolved_at = ?, resolved_by = ?, resolve_reason = ?
		WHERE run_id = ? AND status = 'pending'
	`, string(newStatus), now, resolvedBy, reason, runID)
	if err != nil {
		return fmt.Errorf("approvals: resolve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approvals: rows affected: %w", err)
	}
	if n == 0 {
		if _, lookupErr := s.Get(ctx, runID); lookupErr != nil {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}
	return nil
}

// Approve resolves a run to APPROVED.
func (s *Store) Approve(ctx context.Context, runID, approvedBy, reason string) error {
	return s.resolve(ctx, runID, StatusApproved, approvedBy, reason)
}

// Deny resolves a run to REJECTED.
func (s *Store) Deny(ctx context.Context, runID, deniedBy, reason string) error {
	return s.resolve(ctx, runID, StatusDenied, deniedBy, reason)
}

// Cancel withdraws a pending approval without a human approve/deny verdict.
func (s *Store) Cancel(ctx context.Context, runID, canceledBy, reason string) error {
	return s.resolve(ctx, runID, StatusCanceled, canceledBy, reason)
}

// ExpireStale marks every pending approval past its TTL as expired (maps to
// the router's TIMED_OUT transition) and returns how many it expired.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_approvals SET status = 'expired', resolved_at = ?
		WHERE status = 'pending' AND expires_at < ?
	`, now, now)
	if err != nil {
		return 0, fmt.Errorf("approvals: expire stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("approvals: rows affected: %w", err)
	}
	return n, nil
}

// Gate is the façade the Router calls: it creates pending approvals and
// periodically sweeps expired ones.
type Gate struct {
	store *Store
	ttl   time.Duration
}

// NewGate builds a Gate over store with the given TTL (0 for DefaultTTL).
func NewGate(store *Store, ttl time.Duration) *Gate {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Gate{store: store, ttl: ttl}
}

// Request parks runID in AWAITING_APPROVAL and returns the stored pending
// approval; the run ID is its primary key. A random suffix is generated
// first, but it is neither returned nor stored.
func (g *Gate) Request(ctx context.Context, runID, decisionJSON string) (*PendingApproval, error) {
	if _, err := generateSuffix(); err != nil {
		return nil, err
	}
	return g.store.Create(ctx, runID, decisionJSON, g.ttl)
}

// Sweep expires stale pending approvals; callers run this on a ticker.
func (g *Gate) Sweep(ctx context.Context) (int64, error) {
	return g.store.ExpireStale(ctx)
}

// Store exposes the underlying Store for direct Approve/Deny calls.
func (g *Gate) Store() *Store {
	return g.store
}
