package intake

import (
	"github.com/go-playground/validator/v10"

	"github.com/ehr/intake/internal/domain/record"
)

// ConfirmRequest selects preview records for delivery by index.
type ConfirmRequest struct {
	SessionToken    string `json:"sessionToken" validate:"required"`
	SelectedIndices []int  `json:"selectedIndices" validate:"dive,gte=0"`
}

// CandidatesRequest is the interpreter collaborator's entry point:
// already-structured record candidates going straight into the
// normalizer's input contract.
type CandidatesRequest struct {
	RecordCandidates []record.Candidate `json:"recordCandidates" validate:"required,min=1"`
}

// EchoValidator adapts go-playground/validator to echo's Validator
// interface. Installed on the server in main.
type EchoValidator struct {
	validate *validator.Validate
}

func NewEchoValidator() *EchoValidator {
	return &EchoValidator{validate: validator.New()}
}

func (v *EchoValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}
