package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/domain/delivery"
	"github.com/ehr/intake/internal/domain/record"
)

// PostgresStore persists sessions in the intake_session table so previews
// survive process restarts. Snapshots are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed session store. A nil clock
// means time.Now.
func NewPostgresStore(pool *pgxpool.Pool, ttl time.Duration, clock func() time.Time) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &PostgresStore{pool: pool, ttl: ttl, now: clock}
}

const sessionCols = `token, status, created_at, expires_at, records, issues, eligible, result`

func (s *PostgresStore) Create(ctx context.Context, records []*record.Normalized, issues []record.Issue, eligible map[string]bool) (*Session, error) {
	now := s.now().UTC()
	sess := &Session{
		Token:     uuid.NewString(),
		Status:    StatusOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Records:   records,
		Issues:    issues,
		Eligible:  eligible,
	}

	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("session create: marshal records: %w", err)
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return nil, fmt.Errorf("session create: marshal issues: %w", err)
	}
	eligibleJSON, err := json.Marshal(eligible)
	if err != nil {
		return nil, fmt.Errorf("session create: marshal eligibility: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO intake_session (token, status, created_at, expires_at, records, issues, eligible)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.Token, sess.Status, sess.CreatedAt, sess.ExpiresAt, recordsJSON, issuesJSON, eligibleJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("session create: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, token string) (*Session, error) {
	sess, err := s.scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM intake_session WHERE token = $1`, token))
	if err != nil {
		return nil, err
	}
	if s.now().After(sess.ExpiresAt) {
		return nil, ErrExpired
	}
	return sess, nil
}

func (s *PostgresStore) Confirm(ctx context.Context, token string) (*Session, bool, error) {
	now := s.now().UTC()

	// Single-statement transition so only one caller ever wins.
	tag, err := s.pool.Exec(ctx, `
		UPDATE intake_session SET status = $1
		WHERE token = $2 AND status = $3 AND expires_at > $4`,
		StatusConfirmed, token, StatusOpen, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("session confirm: %w", err)
	}
	won := tag.RowsAffected() == 1

	sess, err := s.scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM intake_session WHERE token = $1`, token))
	if err != nil {
		return nil, false, err
	}

	if won {
		return sess, true, nil
	}
	// Lost the transition: either the session was already confirmed, or it
	// is open but past expiry (the UPDATE matched nothing).
	if sess.Status != StatusConfirmed {
		return nil, false, ErrExpired
	}
	if sess.Result == nil {
		return nil, false, ErrConfirmInFlight
	}
	return sess, false, nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, token string, result *delivery.OperationResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("session save result: marshal: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE intake_session SET result = $1 WHERE token = $2`, resultJSON, token)
	if err != nil {
		return fmt.Errorf("session save result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM intake_session WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("session sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) scanSession(row pgx.Row) (*Session, error) {
	sess := &Session{}
	var recordsJSON, issuesJSON, eligibleJSON []byte
	var resultJSON []byte

	err := row.Scan(&sess.Token, &sess.Status, &sess.CreatedAt, &sess.ExpiresAt,
		&recordsJSON, &issuesJSON, &eligibleJSON, &resultJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session scan: %w", err)
	}

	if err := json.Unmarshal(recordsJSON, &sess.Records); err != nil {
		return nil, fmt.Errorf("session scan: records: %w", err)
	}
	if err := json.Unmarshal(issuesJSON, &sess.Issues); err != nil {
		return nil, fmt.Errorf("session scan: issues: %w", err)
	}
	if err := json.Unmarshal(eligibleJSON, &sess.Eligible); err != nil {
		return nil, fmt.Errorf("session scan: eligibility: %w", err)
	}
	if len(resultJSON) > 0 {
		sess.Result = &delivery.OperationResult{}
		if err := json.Unmarshal(resultJSON, sess.Result); err != nil {
			return nil, fmt.Errorf("session scan: result: %w", err)
		}
	}
	return sess, nil
}
