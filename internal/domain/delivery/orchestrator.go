package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/record"
	"github.com/ehr/intake/internal/platform/hl7"
	"github.com/ehr/intake/internal/platform/mllp"
)

// Sender delivers one framed payload and blocks for its classified
// acknowledgement. Implemented by mllp.Client.
type Sender interface {
	Send(ctx context.Context, payload []byte) (hl7.Ack, error)
}

// Orchestrator converts confirmed records into HL7 messages and delivers
// them one by one in confirm order. Each record gets at most one delivery
// attempt per invocation; idempotence across invocations is enforced by the
// session layer, not here.
type Orchestrator struct {
	sender Sender
	build  hl7.BuildConfig
	logger zerolog.Logger
}

func NewOrchestrator(sender Sender, build hl7.BuildConfig, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{sender: sender, build: build, logger: logger}
}

// Deliver processes records in order. A per-record build or transport
// failure is captured in that record's Result and never aborts the rest of
// the batch. If ctx is cancelled mid-batch, already-acknowledged deliveries
// stand and the remaining records are marked not_attempted.
func (o *Orchestrator) Deliver(ctx context.Context, records []*record.Normalized) *OperationResult {
	op := &OperationResult{
		OperationID: uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Results:     make([]Result, 0, len(records)),
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			op.Results = append(op.Results, Result{
				RecordID: rec.ID,
				Status:   StatusNotAttempted,
				Error:    "operation cancelled before delivery",
			})
			continue
		}
		op.Results = append(op.Results, o.deliverOne(ctx, rec))
	}

	op.CompletedAt = time.Now().UTC()
	op.aggregate()

	o.logger.Info().
		Str("operation_id", op.OperationID).
		Str("status", string(op.Status)).
		Int("affected", op.RecordsAffected).
		Int("succeeded", op.RecordsSucceeded).
		Int("failed", op.RecordsFailed).
		Msg("delivery operation completed")

	return op
}

// deliverOne builds and sends a single record's message.
func (o *Orchestrator) deliverOne(ctx context.Context, rec *record.Normalized) Result {
	msg, err := hl7.BuildADT(toPatient(rec), o.build)
	if err != nil {
		return Result{RecordID: rec.ID, Status: StatusBuildFailed, Error: err.Error()}
	}

	ack, err := o.sender.Send(ctx, hl7.Serialize(msg))
	switch {
	case errors.Is(err, mllp.ErrTimeout):
		return Result{
			RecordID:  rec.ID,
			Status:    StatusTimedOut,
			ControlID: msg.ControlID,
			Error:     "no acknowledgement before timeout; remote outcome unknown",
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return Result{
			RecordID:  rec.ID,
			Status:    StatusUnavailable,
			ControlID: msg.ControlID,
			Error:     "operation cancelled mid-delivery",
		}
	case err != nil:
		return Result{
			RecordID:  rec.ID,
			Status:    StatusUnavailable,
			ControlID: msg.ControlID,
			Error:     err.Error(),
		}
	}

	if ack.Status == hl7.AckAccept {
		return Result{
			RecordID:  rec.ID,
			Status:    StatusSucceeded,
			AckCode:   ack.Code,
			ControlID: msg.ControlID,
		}
	}

	// Negative or malformed acknowledgement: terminal, never resent.
	errText := fmt.Sprintf("broker returned %s (%s)", ack.Code, ack.Status)
	if ack.Code == "" {
		errText = fmt.Sprintf("malformed acknowledgement: %s", ack.Detail)
	} else if ack.Detail != "" {
		errText += ": " + ack.Detail
	}
	return Result{
		RecordID:  rec.ID,
		Status:    StatusRejected,
		AckCode:   ack.Code,
		ControlID: msg.ControlID,
		Error:     errText,
	}
}

// toPatient maps the canonical record shape onto the builder's input.
func toPatient(rec *record.Normalized) hl7.Patient {
	return hl7.Patient{
		ID:         rec.ID,
		FirstName:  rec.FirstName,
		LastName:   rec.LastName,
		DOB:        rec.DOB,
		Sex:        rec.Sex,
		Phone:      rec.Phone,
		Street:     rec.Street,
		City:       rec.City,
		State:      rec.State,
		PostalCode: rec.PostalCode,
		Diagnosis:  rec.Diagnosis,
	}
}
