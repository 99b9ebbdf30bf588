// Package delivery drives confirmed records through message construction
// and MLLP transport, one record at a time, and aggregates the outcome.
package delivery

import "time"

// Status is the per-record delivery outcome.
type Status string

const (
	StatusSucceeded    Status = "succeeded"
	StatusRejected     Status = "rejected"
	StatusTimedOut     Status = "timed_out"
	StatusUnavailable  Status = "unavailable"
	StatusBuildFailed  Status = "build_failed"
	StatusNotAttempted Status = "not_attempted"
)

// Result is one record's delivery outcome. A failure here never aborts
// sibling records.
type Result struct {
	RecordID  string `json:"recordId"`
	Status    Status `json:"status"`
	AckCode   string `json:"ackCode,omitempty"`
	ControlID string `json:"controlId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Failed reports whether the result counts against the operation.
func (r Result) Failed() bool {
	return r.Status != StatusSucceeded
}

// OperationStatus is the aggregate outcome of one confirm invocation.
type OperationStatus string

const (
	OperationSuccess        OperationStatus = "success"
	OperationPartialSuccess OperationStatus = "partial_success"
	OperationFailed         OperationStatus = "failed"
)

// RecordError surfaces one failed record in the operation response.
type RecordError struct {
	RecordID string `json:"recordId"`
	Status   Status `json:"status"`
	Message  string `json:"message"`
}

// OperationResult aggregates per-record outcomes for one confirm
// invocation. Once stored against a session it is immutable: re-confirming
// the same session replays it byte for byte.
type OperationResult struct {
	OperationID      string        `json:"operationId"`
	Status           OperationStatus `json:"status"`
	RecordsAffected  int           `json:"recordsAffected"`
	RecordsSucceeded int           `json:"recordsSucceeded"`
	RecordsFailed    int           `json:"recordsFailed"`
	Errors           []RecordError `json:"errors"`
	Note             string        `json:"note,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	CompletedAt      time.Time     `json:"completedAt"`
	Results          []Result      `json:"results"`
}

// aggregate fills the counters, error list, and overall status from the
// per-record results.
func (op *OperationResult) aggregate() {
	op.RecordsAffected = len(op.Results)
	op.RecordsSucceeded = 0
	op.Errors = op.Errors[:0]

	for _, r := range op.Results {
		if r.Status == StatusSucceeded {
			op.RecordsSucceeded++
			continue
		}
		op.Errors = append(op.Errors, RecordError{
			RecordID: r.RecordID,
			Status:   r.Status,
			Message:  r.Error,
		})
	}
	op.RecordsFailed = op.RecordsAffected - op.RecordsSucceeded

	switch {
	case op.RecordsAffected == 0:
		op.Status = OperationFailed
		op.Note = "nothing to deliver"
	case op.RecordsFailed == 0:
		op.Status = OperationSuccess
	case op.RecordsSucceeded == 0:
		op.Status = OperationFailed
	default:
		op.Status = OperationPartialSuccess
	}
}
