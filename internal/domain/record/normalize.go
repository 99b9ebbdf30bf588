package record

import (
	"fmt"
	"strings"
)

// Column names recognized in the uploaded header. Matching is
// case-insensitive and tolerates a few common aliases.
var columnAliases = map[string]string{
	"first_name":    "first_name",
	"firstname":     "first_name",
	"given_name":    "first_name",
	"last_name":     "last_name",
	"lastname":      "last_name",
	"family_name":   "last_name",
	"dob":           "dob",
	"date_of_birth": "dob",
	"birth_date":    "dob",
	"sex":           "sex",
	"gender":        "sex",
	"mrn":           "mrn",
	"identifier":    "mrn",
	"patient_id":    "mrn",
	"phone":         "phone",
	"telephone":     "phone",
	"street":        "street",
	"address":       "street",
	"address_line1": "street",
	"city":          "city",
	"state":         "state",
	"postal_code":   "postal_code",
	"zip":           "postal_code",
	"zip_code":      "postal_code",
	"diagnosis":     "diagnosis",
	"dx":            "diagnosis",
}

// mandatoryColumns must be present in the header for ingestion to proceed
// at all. Their absence is a table-level FormatError, not a row issue.
var mandatoryColumns = []string{"first_name", "last_name"}

// Normalize converts raw tabular rows into canonical records. Values are
// trimmed, postal codes left-padded to five digits, and each record gets a
// stable id: the supplied MRN when present, otherwise a synthetic
// sequential id unique within the batch.
func Normalize(header []string, rows [][]string) ([]*Normalized, error) {
	cols, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	records := make([]*Normalized, 0, len(rows))
	for i, row := range rows {
		rec := &Normalized{
			MRN:        cellValue(row, cols, "mrn"),
			FirstName:  cellValue(row, cols, "first_name"),
			LastName:   cellValue(row, cols, "last_name"),
			DOB:        normalizeDOB(cellValue(row, cols, "dob")),
			Sex:        strings.ToUpper(cellValue(row, cols, "sex")),
			Phone:      cellValue(row, cols, "phone"),
			Street:     cellValue(row, cols, "street"),
			City:       cellValue(row, cols, "city"),
			State:      cellValue(row, cols, "state"),
			PostalCode: padPostalCode(cellValue(row, cols, "postal_code")),
			Diagnosis:  cellValue(row, cols, "diagnosis"),
		}
		rec.ID = assignID(rec.MRN, i)
		records = append(records, rec)
	}
	return records, nil
}

// NormalizeCandidates applies the same normalization to pre-structured
// interpreter input.
func NormalizeCandidates(candidates []Candidate) []*Normalized {
	records := make([]*Normalized, 0, len(candidates))
	for i, c := range candidates {
		rec := &Normalized{
			MRN:        strings.TrimSpace(c.MRN),
			FirstName:  strings.TrimSpace(c.FirstName),
			LastName:   strings.TrimSpace(c.LastName),
			DOB:        normalizeDOB(strings.TrimSpace(c.DOB)),
			Sex:        strings.ToUpper(strings.TrimSpace(c.Sex)),
			Phone:      strings.TrimSpace(c.Phone),
			Street:     strings.TrimSpace(c.Street),
			City:       strings.TrimSpace(c.City),
			State:      strings.TrimSpace(c.State),
			PostalCode: padPostalCode(strings.TrimSpace(c.PostalCode)),
			Diagnosis:  strings.TrimSpace(c.Diagnosis),
		}
		rec.ID = assignID(rec.MRN, i)
		records = append(records, rec)
	}
	return records
}

// resolveColumns maps canonical column names to their index in the header.
func resolveColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		key = strings.ReplaceAll(key, " ", "_")
		if canonical, ok := columnAliases[key]; ok {
			if _, dup := cols[canonical]; !dup {
				cols[canonical] = i
			}
		}
	}

	var missing []string
	for _, m := range mandatoryColumns {
		if _, ok := cols[m]; !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return nil, &FormatError{Missing: missing}
	}
	return cols, nil
}

func cellValue(row []string, cols map[string]int, name string) string {
	idx, ok := cols[name]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func assignID(mrn string, index int) string {
	if mrn != "" {
		return mrn
	}
	return fmt.Sprintf("REC-%04d", index+1)
}

// normalizeDOB collapses YYYY-MM-DD and YYYY/MM/DD into the compact
// YYYYMMDD form. Unparseable input is left as-is for the validator to flag.
func normalizeDOB(dob string) string {
	dob = strings.ReplaceAll(dob, "-", "")
	return strings.ReplaceAll(dob, "/", "")
}

// padPostalCode left-pads short numeric postal codes to five digits.
func padPostalCode(code string) string {
	if code == "" || len(code) >= 5 {
		return code
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return code
		}
	}
	return strings.Repeat("0", 5-len(code)) + code
}
