package hl7

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient carries the demographic fields an ADT message is built from.
// Optional fields left empty serialize as explicit empty HL7 positions;
// a required position is never omitted.
type Patient struct {
	ID         string
	FirstName  string
	LastName   string
	DOB        string // YYYYMMDD
	Sex        string
	Phone      string
	Street     string
	City       string
	State      string
	PostalCode string
	Diagnosis  string
}

// BuildConfig identifies the sending and receiving systems placed in MSH.
// Now and NewControlID are injectable for deterministic tests; nil means
// wall clock and timestamp-plus-random-suffix ids.
type BuildConfig struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	Now          func() time.Time
	NewControlID func(t time.Time) string
}

// BuildError reports a record whose field values cannot be safely encoded
// into an HL7 message. It is non-fatal to the batch: the record is marked
// build-failed and excluded from transport.
type BuildError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("hl7: cannot build message for record %s: field %s: %s", e.RecordID, e.Field, e.Reason)
}

// BuildADT constructs an ADT^A04 (patient registration) message for one
// patient record. Field-position mapping is deterministic; the control id
// is globally unique and never reused.
func BuildADT(p Patient, cfg BuildConfig) (*Message, error) {
	if err := checkEncodable(p); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if cfg.Now != nil {
		now = cfg.Now()
	}
	timestamp := now.Format("20060102150405")

	controlID := newControlID(now)
	if cfg.NewControlID != nil {
		controlID = cfg.NewControlID(now)
	}

	msg := &Message{
		Type:         "ADT^A04",
		ControlID:    controlID,
		Version:      "2.5.1",
		Timestamp:    now,
		SendingApp:   cfg.SendingApp,
		SendingFac:   cfg.SendingFac,
		ReceivingApp: cfg.ReceivingApp,
		ReceivingFac: cfg.ReceivingFac,
	}

	msg.Segments = append(msg.Segments, buildMSH(msg, timestamp))
	msg.Segments = append(msg.Segments, buildEVN("A04", timestamp))
	msg.Segments = append(msg.Segments, buildPID(p))
	if p.Diagnosis != "" {
		msg.Segments = append(msg.Segments, buildDG1(p.Diagnosis))
	}

	return msg, nil
}

// newControlID generates a globally unique message control id: the message
// timestamp plus a random suffix.
func newControlID(t time.Time) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("MSG%s%s", t.Format("20060102150405.000"), suffix)
}

// checkEncodable rejects field values that would corrupt the serialized
// message or its MLLP frame: segment separators and frame control bytes
// have no HL7 escape sequence.
func checkEncodable(p Patient) error {
	fields := []struct {
		name  string
		value string
	}{
		{"id", p.ID},
		{"first_name", p.FirstName},
		{"last_name", p.LastName},
		{"dob", p.DOB},
		{"sex", p.Sex},
		{"phone", p.Phone},
		{"street", p.Street},
		{"city", p.City},
		{"state", p.State},
		{"postal_code", p.PostalCode},
		{"diagnosis", p.Diagnosis},
	}
	for _, f := range fields {
		for _, r := range f.value {
			if r < 0x20 || r == 0x7f {
				return &BuildError{
					RecordID: p.ID,
					Field:    f.name,
					Reason:   fmt.Sprintf("contains unencodable control character 0x%02X", r),
				}
			}
		}
	}
	return nil
}

func buildMSH(msg *Message, timestamp string) Segment {
	return Segment{
		Name: "MSH",
		Fields: []Field{
			field("|"),                 // MSH-1
			field(`^~\&`),              // MSH-2
			field(msg.SendingApp),      // MSH-3
			field(msg.SendingFac),      // MSH-4
			field(msg.ReceivingApp),    // MSH-5
			field(msg.ReceivingFac),    // MSH-6
			field(timestamp),           // MSH-7
			field(""),                  // MSH-8 (security)
			component("ADT", "A04"),    // MSH-9
			field(msg.ControlID),       // MSH-10
			field("P"),                 // MSH-11
			field(msg.Version),         // MSH-12
		},
	}
}

func buildEVN(event, timestamp string) Segment {
	return Segment{
		Name: "EVN",
		Fields: []Field{
			field(event),     // EVN-1
			field(timestamp), // EVN-2
		},
	}
}

// buildPID maps patient demographics onto fixed PID positions. Empty
// optionals stay as explicit empty fields so positions never shift.
func buildPID(p Patient) Segment {
	return Segment{
		Name: "PID",
		Fields: []Field{
			field("1"), // PID-1 set id
			field(""),  // PID-2
			component(Escape(p.ID), "", "", "", "MR"),            // PID-3 identifier
			field(""),                                            // PID-4
			component(Escape(p.LastName), Escape(p.FirstName)),   // PID-5 name
			field(""),                                            // PID-6
			field(Escape(p.DOB)),                                 // PID-7 date of birth
			field(Escape(p.Sex)),                                 // PID-8 administrative sex
			field(""),                                            // PID-9
			field(""),                                            // PID-10
			component(Escape(p.Street), "", Escape(p.City), Escape(p.State), Escape(p.PostalCode)), // PID-11 address
			field(""),                // PID-12
			field(Escape(p.Phone)),   // PID-13 phone
		},
	}
}

// buildDG1 adds a diagnosis extension segment; emitted only when the source
// record supplies a diagnosis.
func buildDG1(diagnosis string) Segment {
	return Segment{
		Name: "DG1",
		Fields: []Field{
			field("1"),                 // DG1-1 set id
			field(""),                  // DG1-2
			field(""),                  // DG1-3 diagnosis code
			field(Escape(diagnosis)),   // DG1-4 description
		},
	}
}

func field(value string) Field {
	return Field{Value: value, Components: []string{value}}
}

func component(parts ...string) Field {
	// Trim trailing empty components so e.g. an address with no postal code
	// does not serialize dangling separators beyond its last value.
	last := len(parts)
	for last > 0 && parts[last-1] == "" {
		last--
	}
	trimmed := parts[:last]
	if len(trimmed) == 0 {
		trimmed = []string{""}
	}
	return Field{Value: strings.Join(trimmed, "^"), Components: trimmed}
}
