package mllp

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ehr/intake/internal/platform/hl7"
)

const testADT = "MSH|^~\\&|INTAKE|CLINIC|BROKER|HOSPITAL|20240115103000||ADT^A04|MSG001|P|2.5.1\r" +
	"EVN|A04|20240115103000\r" +
	"PID|1||MRN12345^^^^MR||Lopez^Maria||19900412|F"

func startBroker(t *testing.T, handler Handler) *Broker {
	t.Helper()
	broker := NewBroker("127.0.0.1:0", handler)
	if err := broker.Start(); err != nil {
		t.Fatalf("failed to start broker: %v", err)
	}
	t.Cleanup(func() { broker.Stop() })
	return broker
}

// stateRecorder captures the client's transition path for assertions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *stateRecorder) count(want State) int {
	n := 0
	for _, s := range r.snapshot() {
		if s == want {
			n++
		}
	}
	return n
}

func TestClient_SendAccepted(t *testing.T) {
	broker := startBroker(t, AcceptAll())
	rec := &stateRecorder{}

	client := NewClient(ClientConfig{
		Addr:         broker.Addr(),
		AckTimeout:   2 * time.Second,
		OnTransition: rec.record,
	})

	ack, err := client.Send(context.Background(), []byte(testADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.Status != hl7.AckAccept {
		t.Errorf("expected accept, got %v", ack.Status)
	}
	if ack.ControlID != "MSG001" {
		t.Errorf("expected ack to reference MSG001, got %q", ack.ControlID)
	}

	want := []State{StateConnecting, StateConnected, StateSending, StateAwaitingAck, StateAcked, StateDisconnected}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected transition path %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected transition path %v, got %v", want, got)
		}
	}
}

func TestClient_SendRejected(t *testing.T) {
	broker := startBroker(t, func(msg *hl7.Message) *hl7.Message {
		return hl7.GenerateACK(msg, "AR", "unknown facility")
	})
	rec := &stateRecorder{}

	client := NewClient(ClientConfig{
		Addr:         broker.Addr(),
		AckTimeout:   2 * time.Second,
		OnTransition: rec.record,
	})

	ack, err := client.Send(context.Background(), []byte(testADT))
	if err != nil {
		t.Fatalf("a rejection is an answer, not a transport error: %v", err)
	}
	if ack.Status != hl7.AckReject {
		t.Errorf("expected reject, got %v", ack.Status)
	}
	if ack.Code != "AR" {
		t.Errorf("expected AR code, got %q", ack.Code)
	}
	if ack.Detail != "unknown facility" {
		t.Errorf("expected detail, got %q", ack.Detail)
	}
	if rec.count(StateRejected) != 1 {
		t.Errorf("expected one rejected transition, got %v", rec.snapshot())
	}
	// A negative ack is terminal: exactly one connection attempt.
	if rec.count(StateConnecting) != 1 {
		t.Errorf("expected no retry after rejection, got %v", rec.snapshot())
	}
}

func TestClient_AckTimeout(t *testing.T) {
	// A handler returning nil swallows the message without acknowledging.
	broker := startBroker(t, func(msg *hl7.Message) *hl7.Message { return nil })
	rec := &stateRecorder{}

	client := NewClient(ClientConfig{
		Addr:         broker.Addr(),
		AckTimeout:   100 * time.Millisecond,
		OnTransition: rec.record,
	})

	_, err := client.Send(context.Background(), []byte(testADT))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if rec.count(StateTimedOut) != 1 {
		t.Errorf("expected timed-out transition, got %v", rec.snapshot())
	}
	// Timeout is terminal: the remote may have applied the message, so the
	// client must not silently resend.
	if rec.count(StateConnecting) != 1 {
		t.Errorf("expected no retry after timeout, got %v", rec.snapshot())
	}
}

func TestClient_UnavailableAfterRetries(t *testing.T) {
	// Claim a port then release it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	rec := &stateRecorder{}
	client := NewClient(ClientConfig{
		Addr:         addr,
		AckTimeout:   time.Second,
		MaxAttempts:  3,
		BackoffBase:  5 * time.Millisecond,
		OnTransition: rec.record,
	})

	_, err = client.Send(context.Background(), []byte(testADT))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := rec.count(StateConnecting); got != 3 {
		t.Errorf("expected 3 connection attempts, got %d", got)
	}
}

func TestClient_RecoversOnRetry(t *testing.T) {
	// First attempt hits a dead port; the broker starts before the retry.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	broker := NewBroker(addr, AcceptAll())
	started := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := broker.Start(); err == nil {
			close(started)
		}
	}()
	t.Cleanup(func() {
		select {
		case <-started:
			broker.Stop()
		default:
		}
	})

	client := NewClient(ClientConfig{
		Addr:        addr,
		AckTimeout:  2 * time.Second,
		MaxAttempts: 5,
		BackoffBase: 50 * time.Millisecond,
	})

	ack, err := client.Send(context.Background(), []byte(testADT))
	if err != nil {
		t.Fatalf("expected recovery on retry, got %v", err)
	}
	if ack.Status != hl7.AckAccept {
		t.Errorf("expected accept after recovery, got %v", ack.Status)
	}
}

func TestClient_ReleasesConnection(t *testing.T) {
	broker := startBroker(t, AcceptAll())

	client := NewClient(ClientConfig{
		Addr:       broker.Addr(),
		AckTimeout: 2 * time.Second,
	})

	if _, err := client.Send(context.Background(), []byte(testADT)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for broker.ActiveConns() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection not released: %d still open", broker.ActiveConns())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	broker := startBroker(t, AcceptAll())

	client := NewClient(ClientConfig{
		Addr:       broker.Addr(),
		AckTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Send(ctx, []byte(testADT))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
