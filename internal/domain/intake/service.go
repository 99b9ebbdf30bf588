// Package intake is the operator-facing surface of the gateway: tabular
// upload and interpreter candidates in, preview sessions out, and the
// confirm step that hands eligible records to the delivery orchestrator.
package intake

import (
	"context"
	"fmt"

	"github.com/ehr/intake/internal/domain/delivery"
	"github.com/ehr/intake/internal/domain/record"
	"github.com/ehr/intake/internal/domain/session"
)

// Deliverer runs the delivery side of a confirmed batch. Implemented by
// delivery.Orchestrator.
type Deliverer interface {
	Deliver(ctx context.Context, records []*record.Normalized) *delivery.OperationResult
}

// SelectionError reports a confirm request referencing a record that cannot
// be delivered: out of range, or carrying a blocking validation error.
type SelectionError struct {
	Index  int
	Reason string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("intake: selected index %d: %s", e.Index, e.Reason)
}

// PreviewRecord pairs one normalized record with its validation issues for
// operator review.
type PreviewRecord struct {
	Index    int                `json:"index"`
	Record   *record.Normalized `json:"record"`
	Issues   []record.Issue     `json:"issues"`
	Eligible bool               `json:"eligible"`
}

// PreviewResponse is the ingestion result shown to the operator.
type PreviewResponse struct {
	SessionToken   string          `json:"sessionToken"`
	ExpiresAt      string          `json:"expiresAt"`
	TotalRecords   int             `json:"totalRecords"`
	PreviewRecords []PreviewRecord `json:"previewRecords"`
	Issues         []record.Issue  `json:"issues"`
}

type Service struct {
	store     session.Store
	deliverer Deliverer
}

func NewService(store session.Store, deliverer Deliverer) *Service {
	return &Service{store: store, deliverer: deliverer}
}

// Ingest normalizes and validates uploaded rows and opens a preview
// session. A missing mandatory column aborts the whole ingestion with
// record.FormatError; per-row problems only annotate the preview.
func (s *Service) Ingest(ctx context.Context, header []string, rows [][]string) (*PreviewResponse, error) {
	records, err := record.Normalize(header, rows)
	if err != nil {
		return nil, err
	}
	return s.openSession(ctx, records)
}

// IngestCandidates accepts pre-structured records from the interpreter
// collaborator and runs them through the same normalization contract.
func (s *Service) IngestCandidates(ctx context.Context, candidates []record.Candidate) (*PreviewResponse, error) {
	return s.openSession(ctx, record.NormalizeCandidates(candidates))
}

func (s *Service) openSession(ctx context.Context, records []*record.Normalized) (*PreviewResponse, error) {
	issues, eligible := record.ValidateAll(records)

	sess, err := s.store.Create(ctx, records, issues, eligible)
	if err != nil {
		return nil, fmt.Errorf("intake: create session: %w", err)
	}
	return previewFromSession(sess), nil
}

// GetSession returns the preview for an open session token.
func (s *Service) GetSession(ctx context.Context, token string) (*PreviewResponse, error) {
	sess, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return previewFromSession(sess), nil
}

// Confirm resolves the selected indices against the session snapshot and
// delivers them. Confirming an already-confirmed session replays the
// cached result with no new network activity.
func (s *Service) Confirm(ctx context.Context, token string, selectedIndices []int) (*delivery.OperationResult, error) {
	// Validate the selection against the snapshot before taking the
	// confirm transition, so a bad request never locks the session.
	sess, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	selected, err := resolveSelection(sess, selectedIndices)
	if err != nil {
		return nil, err
	}

	sess, won, err := s.store.Confirm(ctx, token)
	if err != nil {
		return nil, err
	}
	if !won {
		// Idempotent replay: the cached result, no second delivery.
		return sess.Result, nil
	}

	result := s.deliverer.Deliver(ctx, selected)
	if err := s.store.SaveResult(ctx, token, result); err != nil {
		return nil, fmt.Errorf("intake: cache operation result: %w", err)
	}
	return result, nil
}

// resolveSelection maps selected indices onto snapshot records in request
// order, deduplicating so each record gets at most one delivery attempt.
func resolveSelection(sess *session.Session, indices []int) ([]*record.Normalized, error) {
	seen := make(map[int]bool, len(indices))
	selected := make([]*record.Normalized, 0, len(indices))

	for _, idx := range indices {
		if idx < 0 || idx >= len(sess.Records) {
			return nil, &SelectionError{Index: idx, Reason: "out of range"}
		}
		rec := sess.Records[idx]
		if !sess.Eligible[rec.ID] {
			return nil, &SelectionError{Index: idx, Reason: "record has blocking validation errors"}
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		selected = append(selected, rec)
	}
	return selected, nil
}

func previewFromSession(sess *session.Session) *PreviewResponse {
	byID := make(map[string][]record.Issue)
	for _, is := range sess.Issues {
		byID[is.RecordID] = append(byID[is.RecordID], is)
	}

	preview := make([]PreviewRecord, 0, len(sess.Records))
	for i, rec := range sess.Records {
		preview = append(preview, PreviewRecord{
			Index:    i,
			Record:   rec,
			Issues:   byID[rec.ID],
			Eligible: sess.Eligible[rec.ID],
		})
	}

	return &PreviewResponse{
		SessionToken:   sess.Token,
		ExpiresAt:      sess.ExpiresAt.Format("2006-01-02T15:04:05Z"),
		TotalRecords:   len(sess.Records),
		PreviewRecords: preview,
		Issues:         sess.Issues,
	}
}
