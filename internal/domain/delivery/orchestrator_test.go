package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/record"
	"github.com/ehr/intake/internal/platform/hl7"
	"github.com/ehr/intake/internal/platform/mllp"
)

// scriptedSender returns a canned outcome per control-id-bearing payload, in
// call order, and records what it was asked to send.
type scriptedSender struct {
	outcomes []func() (hl7.Ack, error)
	calls    int
	payloads [][]byte
	cancel   context.CancelFunc // when set, invoked after the first send
}

func (s *scriptedSender) Send(ctx context.Context, payload []byte) (hl7.Ack, error) {
	idx := s.calls
	s.calls++
	s.payloads = append(s.payloads, payload)
	if s.cancel != nil && s.calls == 1 {
		defer s.cancel()
	}
	if idx >= len(s.outcomes) {
		return hl7.Ack{Status: hl7.AckAccept, Code: "AA"}, nil
	}
	return s.outcomes[idx]()
}

func accept() (hl7.Ack, error) {
	return hl7.Ack{Status: hl7.AckAccept, Code: "AA"}, nil
}

func reject(detail string) func() (hl7.Ack, error) {
	return func() (hl7.Ack, error) {
		return hl7.Ack{Status: hl7.AckReject, Code: "AR", Detail: detail}, nil
	}
}

func testBuild() hl7.BuildConfig {
	return hl7.BuildConfig{
		SendingApp:   "INTAKE",
		SendingFac:   "CLINIC",
		ReceivingApp: "BROKER",
		ReceivingFac: "HOSPITAL",
		Now:          func() time.Time { return time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC) },
	}
}

func rec(id string) *record.Normalized {
	return &record.Normalized{
		ID: id, MRN: id, FirstName: "Maria", LastName: "Lopez", DOB: "19900412", Sex: "F",
	}
}

func TestDeliver_AllSucceed(t *testing.T) {
	sender := &scriptedSender{}
	orch := NewOrchestrator(sender, testBuild(), zerolog.Nop())

	op := orch.Deliver(context.Background(), []*record.Normalized{rec("A1111"), rec("B2222")})

	if op.Status != OperationSuccess {
		t.Errorf("expected success, got %s", op.Status)
	}
	if op.RecordsAffected != 2 || op.RecordsSucceeded != 2 || op.RecordsFailed != 0 {
		t.Errorf("count mismatch: %+v", op)
	}
	if sender.calls != 2 {
		t.Errorf("expected 2 sends, got %d", sender.calls)
	}
	if op.OperationID == "" {
		t.Error("expected an operation id")
	}
}

func TestDeliver_FailureIsolation(t *testing.T) {
	sender := &scriptedSender{outcomes: []func() (hl7.Ack, error){
		accept,
		reject("duplicate patient"),
		accept,
	}}
	orch := NewOrchestrator(sender, testBuild(), zerolog.Nop())

	op := orch.Deliver(context.Background(), []*record.Normalized{rec("A1111"), rec("B2222"), rec("C3333")})

	if op.Status != OperationPartialSuccess {
		t.Errorf("expected partial_success, got %s", op.Status)
	}
	if op.RecordsSucceeded != 2 || op.RecordsFailed != 1 {
		t.Errorf("count mismatch: %+v", op)
	}
	if sender.calls != 3 {
		t.Errorf("rejection must not stop later records: %d sends", sender.calls)
	}

	failed := op.Results[1]
	if failed.RecordID != "B2222" || failed.Status != StatusRejected {
		t.Errorf("unexpected failed result: %+v", failed)
	}
	if failed.AckCode != "AR" {
		t.Errorf("expected AR ack code surfaced, got %q", failed.AckCode)
	}
	if len(op.Errors) != 1 || op.Errors[0].RecordID != "B2222" {
		t.Errorf("unexpected error list: %+v", op.Errors)
	}
}

func TestDeliver_AllFail(t *testing.T) {
	sender := &scriptedSender{outcomes: []func() (hl7.Ack, error){
		reject("bad"), reject("bad"),
	}}
	orch := NewOrchestrator(sender, testBuild(), zerolog.Nop())

	op := orch.Deliver(context.Background(), []*record.Normalized{rec("A1111"), rec("B2222")})
	if op.Status != OperationFailed {
		t.Errorf("expected failed, got %s", op.Status)
	}
}

func TestDeliver_EmptySelection(t *testing.T) {
	orch := NewOrchestrator(&scriptedSender{}, testBuild(), zerolog.Nop())

	op := orch.Deliver(context.Background(), nil)
	if op.Status != OperationFailed {
		t.Errorf("expected failed, got %s", op.Status)
	}
	if op.Note == "" {
		t.Error("expected a note explaining the empty operation")
	}
}

func TestDeliver_BuildFailureSkipsTransport(t *testing.T) {
	bad := rec("A1111")
	bad.FirstName = "Mar\x01ia"

	sender := &scriptedSender{}
	orch := NewOrchestrator(sender, testBuild(), zerolog.Nop())

	op := orch.Deliver(context.Background(), []*record.Normalized{bad, rec("B2222")})

	if op.Results[0].Status != StatusBuildFailed {
		t.Errorf("expected build_failed, got %s", op.Results[0].Status)
	}
	if op.Results[1].Status != StatusSucceeded {
		t.Errorf("expected sibling to succeed, got %s", op.Results[1].Status)
	}
	if sender.calls != 1 {
		t.Errorf("unbuildable record must not reach transport: %d sends", sender.calls)
	}
	if op.Status != OperationPartialSuccess {
		t.Errorf("expected partial_success, got %s", op.Status)
	}
}

func TestDeliver_TimeoutAndUnavailable(t *testing.T) {
	sender := &scriptedSender{outcomes: []func() (hl7.Ack, error){
		func() (hl7.Ack, error) { return hl7.Ack{}, mllp.ErrTimeout },
		func() (hl7.Ack, error) { return hl7.Ack{}, errors.New("dial tcp: connection refused") },
	}}
	orch := NewOrchestrator(sender, testBuild(), zerolog.Nop())

	op := orch.Deliver(context.Background(), []*record.Normalized{rec("A1111"), rec("B2222")})

	if op.Results[0].Status != StatusTimedOut {
		t.Errorf("expected timed_out, got %s", op.Results[0].Status)
	}
	if op.Results[1].Status != StatusUnavailable {
		t.Errorf("expected unavailable, got %s", op.Results[1].Status)
	}
	if op.Status != OperationFailed {
		t.Errorf("expected failed, got %s", op.Status)
	}
}

func TestDeliver_CancellationMarksRemainderNotAttempted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sender := &scriptedSender{cancel: cancel}
	orch := NewOrchestrator(sender, testBuild(), zerolog.Nop())

	op := orch.Deliver(ctx, []*record.Normalized{rec("A1111"), rec("B2222"), rec("C3333")})

	if op.Results[0].Status != StatusSucceeded {
		t.Errorf("completed delivery must stand, got %s", op.Results[0].Status)
	}
	if sender.calls != 1 {
		t.Errorf("expected delivery to stop after cancellation, got %d sends", sender.calls)
	}
	for _, r := range op.Results[1:] {
		if r.Status != StatusNotAttempted {
			t.Errorf("expected not_attempted for %s, got %s", r.RecordID, r.Status)
		}
	}
	if op.RecordsAffected != 3 {
		t.Errorf("every selected record must appear in the result: %+v", op)
	}
}
