package mllp

import (
	"bytes"
	"testing"
)

func TestFrame(t *testing.T) {
	framed := Frame([]byte("MSH|test"))
	if framed[0] != StartBlock {
		t.Errorf("expected start block 0x0B, got 0x%02X", framed[0])
	}
	if framed[len(framed)-2] != EndBlock || framed[len(framed)-1] != CarriageReturn {
		t.Error("expected end block + carriage return trailer")
	}
	if !bytes.Equal(framed[1:len(framed)-2], []byte("MSH|test")) {
		t.Error("payload altered by framing")
	}
}

func TestUnframe_RoundTrip(t *testing.T) {
	payload := []byte("MSH|^~\\&|A|B")
	msg, rest, found := Unframe(Frame(payload))
	if !found {
		t.Fatal("expected complete frame to be found")
	}
	if !bytes.Equal(msg, payload) {
		t.Errorf("expected %q, got %q", payload, msg)
	}
	if len(rest) != 0 {
		t.Errorf("expected no remainder, got %q", rest)
	}
}

func TestUnframe_Incomplete(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"no start block", []byte("MSH|test")},
		{"no end sequence", append([]byte{StartBlock}, []byte("MSH|test")...)},
		{"end block without CR", append(append([]byte{StartBlock}, []byte("MSH")...), EndBlock)},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, found := Unframe(tt.data); found {
				t.Error("expected incomplete frame")
			}
		})
	}
}

func TestUnframe_MultipleFrames(t *testing.T) {
	data := append(Frame([]byte("first")), Frame([]byte("second"))...)

	msg, rest, found := Unframe(data)
	if !found || string(msg) != "first" {
		t.Fatalf("expected first frame, got %q found=%v", msg, found)
	}
	msg, rest, found = Unframe(rest)
	if !found || string(msg) != "second" {
		t.Fatalf("expected second frame, got %q found=%v", msg, found)
	}
	if len(rest) != 0 {
		t.Errorf("expected no remainder, got %q", rest)
	}
}

func TestUnframe_SkipsLeadingGarbage(t *testing.T) {
	data := append([]byte("noise"), Frame([]byte("MSH|x"))...)
	msg, _, found := Unframe(data)
	if !found || string(msg) != "MSH|x" {
		t.Errorf("expected frame after garbage, got %q found=%v", msg, found)
	}
}
