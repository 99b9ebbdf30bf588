package hl7

import (
	"strings"
	"testing"
	"time"
)

const sampleADT = "MSH|^~\\&|INTAKE|CLINIC|BROKER|HOSPITAL|20240115103000||ADT^A04|MSG001|P|2.5.1\r" +
	"EVN|A04|20240115103000\r" +
	"PID|1||MRN12345^^^^MR||Lopez^Maria||19900412|F|||1 Main St^^Springfield^IL^62701||555-0100"

func TestParse_ExtractsMSHFields(t *testing.T) {
	msg, err := Parse([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Type != "ADT^A04" {
		t.Errorf("expected type ADT^A04, got %q", msg.Type)
	}
	if msg.ControlID != "MSG001" {
		t.Errorf("expected control id MSG001, got %q", msg.ControlID)
	}
	if msg.Version != "2.5.1" {
		t.Errorf("expected version 2.5.1, got %q", msg.Version)
	}
	if msg.SendingApp != "INTAKE" || msg.ReceivingApp != "BROKER" {
		t.Errorf("unexpected apps: %q -> %q", msg.SendingApp, msg.ReceivingApp)
	}
	want := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	if !msg.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, msg.Timestamp)
	}
}

func TestParse_SegmentAccess(t *testing.T) {
	msg, err := Parse([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pid := msg.GetSegment("PID")
	if pid == nil {
		t.Fatal("expected PID segment")
	}
	if got := pid.GetComponent(5, 1); got != "Lopez" {
		t.Errorf("expected family name Lopez, got %q", got)
	}
	if got := pid.GetComponent(5, 2); got != "Maria" {
		t.Errorf("expected given name Maria, got %q", got)
	}
	if got := pid.GetField(8); got != "F" {
		t.Errorf("expected sex F, got %q", got)
	}
	if got := pid.GetComponent(11, 3); got != "Springfield" {
		t.Errorf("expected city Springfield, got %q", got)
	}
	if msg.GetSegment("OBX") != nil {
		t.Error("expected nil for absent segment")
	}
}

func TestParse_LineEndingVariants(t *testing.T) {
	for _, sep := range []string{"\r", "\n", "\r\n"} {
		raw := strings.ReplaceAll(sampleADT, "\r", sep)
		msg, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("separator %q: unexpected error: %v", sep, err)
		}
		if len(msg.Segments) != 3 {
			t.Errorf("separator %q: expected 3 segments, got %d", sep, len(msg.Segments))
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no MSH first", "PID|1||MRN12345"},
		{"blank lines only", "\r\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.raw)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	msg, err := Parse([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(Serialize(msg)); got != sampleADT {
		t.Errorf("round trip mismatch:\n got: %q\nwant: %q", got, sampleADT)
	}
}

func TestEscapeUnescape(t *testing.T) {
	tests := []struct {
		in, escaped string
	}{
		{"Smith|Jones", "Smith\\F\\Jones"},
		{"a^b", "a\\S\\b"},
		{"x~y", "x\\R\\y"},
		{"p&q", "p\\T\\q"},
		{`back\slash`, "back\\E\\slash"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := Escape(tt.in); got != tt.escaped {
			t.Errorf("Escape(%q) = %q, want %q", tt.in, got, tt.escaped)
		}
		if got := Unescape(tt.escaped); got != tt.in {
			t.Errorf("Unescape(%q) = %q, want %q", tt.escaped, got, tt.in)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"20240115103045", time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)},
		{"202401151030", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{"20240115", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		if err != nil {
			t.Errorf("ParseTimestamp(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseTimestamp("2024"); err == nil {
		t.Error("expected error for short timestamp")
	}
}
