package record

import (
	"regexp"
	"time"
)

var mrnPattern = regexp.MustCompile(`^[A-Za-z0-9]{4,16}$`)

var validSexCodes = map[string]bool{"M": true, "F": true, "O": true, "U": true}

// Validate classifies a normalized record's problems. Error-severity issues
// make the record confirm-ineligible; warnings are advisory only.
func Validate(rec *Normalized) []Issue {
	var issues []Issue

	add := func(sev Severity, field, msg string) {
		issues = append(issues, Issue{Severity: sev, Field: field, Message: msg, RecordID: rec.ID})
	}

	if rec.FirstName == "" {
		add(SeverityError, "first_name", "first name is required")
	}
	if rec.LastName == "" {
		add(SeverityError, "last_name", "last name is required")
	}

	if rec.DOB == "" {
		add(SeverityError, "dob", "date of birth is required")
	} else if !parseableDate(rec.DOB) {
		add(SeverityError, "dob", "date of birth is not a valid calendar date: "+rec.DOB)
	}

	if rec.Sex == "" {
		add(SeverityError, "sex", "sex is required")
	} else if !validSexCodes[rec.Sex] {
		add(SeverityError, "sex", "sex must be one of M, F, O, U, got "+rec.Sex)
	}

	if rec.MRN != "" && !mrnPattern.MatchString(rec.MRN) {
		add(SeverityError, "mrn", "identifier must be 4-16 alphanumeric characters")
	}

	if rec.Phone == "" {
		add(SeverityWarning, "phone", "no contact phone supplied")
	}
	if rec.Street == "" && rec.City == "" {
		add(SeverityWarning, "address", "no address supplied")
	}

	return issues
}

// ValidateAll validates a batch and returns the flattened issue list plus
// the set of confirm-eligible record ids.
func ValidateAll(records []*Normalized) (issues []Issue, eligible map[string]bool) {
	eligible = make(map[string]bool, len(records))
	for _, rec := range records {
		recIssues := Validate(rec)
		issues = append(issues, recIssues...)
		eligible[rec.ID] = !HasError(recIssues)
	}
	return issues, eligible
}

// parseableDate checks that a compact YYYYMMDD string is a real calendar
// date. time.Parse rejects impossible dates such as 20230230.
func parseableDate(dob string) bool {
	if len(dob) != 8 {
		return false
	}
	_, err := time.Parse("20060102", dob)
	return err == nil
}
