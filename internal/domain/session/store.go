// Package session holds normalized record batches behind an opaque token
// between preview and confirm. A session is created by ingestion, mutated
// only by the single Open→Confirmed transition, and destroyed on expiry.
// Re-confirming a confirmed session replays the cached operation result so
// a retried client request never triggers duplicate deliveries.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/intake/internal/domain/delivery"
	"github.com/ehr/intake/internal/domain/record"
)

// DefaultTTL bounds how long a preview session stays confirmable.
const DefaultTTL = 30 * time.Minute

// Status is the session lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrExpired  = errors.New("session: expired")

	// ErrConfirmInFlight means another confirm for the same token is still
	// running; the caller should retry once its result is cached.
	ErrConfirmInFlight = errors.New("session: confirm already in progress")
)

// Session is an immutable snapshot of a normalized and validated batch.
type Session struct {
	Token     string                    `json:"token"`
	Status    Status                    `json:"status"`
	CreatedAt time.Time                 `json:"createdAt"`
	ExpiresAt time.Time                 `json:"expiresAt"`
	Records   []*record.Normalized      `json:"records"`
	Issues    []record.Issue            `json:"issues"`
	Eligible  map[string]bool           `json:"eligible"`
	Result    *delivery.OperationResult `json:"result,omitempty"`
}

// Store is the pluggable session backing store. The memory implementation
// is the default; the Postgres one survives process restarts.
type Store interface {
	// Create snapshots a batch behind a fresh opaque token.
	Create(ctx context.Context, records []*record.Normalized, issues []record.Issue, eligible map[string]bool) (*Session, error)

	// Get returns the session for token, or ErrNotFound / ErrExpired.
	Get(ctx context.Context, token string) (*Session, error)

	// Confirm transitions the session to Confirmed. won is true for the
	// call that performed the transition; a later call gets won=false and
	// the session with its cached Result for replay. A concurrent call
	// racing an unfinished confirm gets ErrConfirmInFlight.
	Confirm(ctx context.Context, token string) (sess *Session, won bool, err error)

	// SaveResult caches the operation result against a confirmed session.
	SaveResult(ctx context.Context, token string, result *delivery.OperationResult) error

	// Sweep destroys sessions whose TTL elapsed before now, returning how
	// many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
