// Package record holds the canonical patient record shape produced by
// ingestion, plus the normalization and validation rules applied to it
// before an operator can confirm delivery.
package record

import "fmt"

// Normalized is one patient record after normalization. The ID is assigned
// exactly once, at normalization time, and never changes through the
// preview/confirm workflow.
type Normalized struct {
	ID         string `json:"id"`
	MRN        string `json:"mrn"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	DOB        string `json:"dob"` // YYYYMMDD once normalized
	Sex        string `json:"sex"` // M, F, O, U
	Phone      string `json:"phone,omitempty"`
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Diagnosis  string `json:"diagnosis,omitempty"`
}

// Candidate is a pre-structured record supplied by the conversational
// interpreter collaborator. It bypasses tabular parsing but flows through
// the same normalization and validation as an uploaded row.
type Candidate struct {
	MRN        string `json:"mrn"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	DOB        string `json:"dob"`
	Sex        string `json:"sex"`
	Phone      string `json:"phone"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Diagnosis  string `json:"diagnosis"`
}

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding attached to a record. Records carrying at
// least one error-severity issue are excluded from confirm eligibility but
// are still shown to the operator.
type Issue struct {
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
	RecordID string   `json:"recordId,omitempty"`
}

// FormatError reports a structural problem with the uploaded table itself,
// such as a mandatory column missing from the header. Unlike per-row
// validation issues it aborts the whole ingestion.
type FormatError struct {
	Missing []string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("record: mandatory columns missing from input: %v", e.Missing)
}

// HasError reports whether any issue in the slice is error severity.
func HasError(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}
