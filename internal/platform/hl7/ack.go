package hl7

import (
	"fmt"
	"strings"
	"time"
)

// AckStatus is the classification of an acknowledgement's MSA-1 code.
type AckStatus int

const (
	// AckAccept covers AA and CA: the broker accepted the message.
	AckAccept AckStatus = iota
	// AckError covers AE and CE: an application-level error on the broker.
	AckError
	// AckReject covers AR and CR: the broker rejected the message.
	AckReject
	// AckMalformed means the response could not be interpreted as an
	// acknowledgement at all.
	AckMalformed
)

func (s AckStatus) String() string {
	switch s {
	case AckAccept:
		return "accept"
	case AckError:
		return "application-error"
	case AckReject:
		return "reject"
	default:
		return "malformed"
	}
}

// Ack is the interpreted content of an acknowledgement frame.
type Ack struct {
	Status    AckStatus
	Code      string // raw MSA-1 value
	ControlID string // MSA-2, the original message's control id
	Detail    string // MSA-3 free text, if any
}

// ClassifyAck parses raw acknowledgement payload bytes and classifies the
// embedded status token.
func ClassifyAck(raw []byte) Ack {
	msg, err := Parse(raw)
	if err != nil {
		return Ack{Status: AckMalformed, Detail: err.Error()}
	}
	msa := msg.GetSegment("MSA")
	if msa == nil {
		return Ack{Status: AckMalformed, Detail: "response has no MSA segment"}
	}

	ack := Ack{
		Code:      strings.ToUpper(msa.GetField(1)),
		ControlID: msa.GetField(2),
		Detail:    Unescape(msa.GetField(3)),
	}
	switch ack.Code {
	case "AA", "CA":
		ack.Status = AckAccept
	case "AE", "CE":
		ack.Status = AckError
	case "AR", "CR":
		ack.Status = AckReject
	default:
		ack.Status = AckMalformed
	}
	return ack
}

// GenerateACK creates an acknowledgement for the given incoming message.
// ackCode should be "AA" (accept), "AE" (error), or "AR" (reject). The ACK
// swaps sending and receiving systems and references the original control
// id in MSA-2. detail, when non-empty, is placed in MSA-3.
func GenerateACK(incoming *Message, ackCode, detail string) *Message {
	trigger := ""
	if parts := strings.SplitN(incoming.Type, "^", 2); len(parts) == 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := fmt.Sprintf("ACK%s", now.Format("20060102150405.000"))

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{
		Name: "MSH",
		Fields: []Field{
			field("|"),                      // MSH-1
			field(`^~\&`),                   // MSH-2
			field(ack.SendingApp),           // MSH-3
			field(ack.SendingFac),           // MSH-4
			field(ack.ReceivingApp),         // MSH-5
			field(ack.ReceivingFac),         // MSH-6
			field(timestamp),                // MSH-7
			field(""),                       // MSH-8
			component("ACK", trigger),       // MSH-9
			field(controlID),                // MSH-10
			field("P"),                      // MSH-11
			field(incoming.Version),         // MSH-12
		},
	}

	msa := Segment{
		Name: "MSA",
		Fields: []Field{
			field(ackCode),              // MSA-1
			field(incoming.ControlID),   // MSA-2
			field(Escape(detail)),       // MSA-3
		},
	}

	ack.Segments = []Segment{msh, msa}
	return ack
}
