package mllp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/hl7"
)

// State is the client's position in the delivery attempt lifecycle.
// Every attempt starts at Disconnected and terminates back at Disconnected
// with the connection released, whatever the outcome.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSending
	StateAwaitingAck
	StateAcked
	StateTimedOut
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateAcked:
		return "acked"
	case StateTimedOut:
		return "timed-out"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrTimeout means no acknowledgement arrived within the configured
	// window. The remote side may or may not have applied the message, so
	// the attempt is never retried automatically.
	ErrTimeout = errors.New("mllp: timed out waiting for acknowledgement")

	// ErrUnavailable means every connection attempt failed at the network
	// level before a message could be delivered.
	ErrUnavailable = errors.New("mllp: broker unavailable")
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Addr        string
	AckTimeout  time.Duration // bound on the blocking acknowledgement read
	DialTimeout time.Duration // per-attempt connect bound (default 5s)
	MaxAttempts int           // connection-level retry budget (default 3)
	BackoffBase time.Duration // first retry delay, doubled per attempt (default 250ms)
	Logger      zerolog.Logger

	// OnTransition, when set, observes every state change. Used by tests to
	// assert the state machine path.
	OnTransition func(State)
}

// Client sends one framed HL7v2 message per connection and blocks for the
// acknowledgement frame. Connections are never pooled or shared: each Send
// owns its connection for the send+ack+close lifetime.
type Client struct {
	cfg ClientConfig
}

// NewClient creates an MLLP client for the given broker address.
func NewClient(cfg ClientConfig) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	return &Client{cfg: cfg}
}

// Send frames payload, delivers it over a fresh connection, and blocks for
// the acknowledgement, classifying its status token.
//
// Connection-level failures (refused, reset, address errors) are transient:
// retried with exponential backoff up to MaxAttempts, each attempt on a new
// connection. An ack-read timeout is terminal (ErrTimeout) because the
// remote state is unknown. A negative or malformed acknowledgement is also
// terminal: it is returned to the caller with a nil error rather than
// resent, since blind resubmission risks duplicate clinical events.
func (c *Client) Send(ctx context.Context, payload []byte) (hl7.Ack, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		ack, err := c.attempt(ctx, payload)
		if err == nil {
			return ack, nil
		}
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return hl7.Ack{}, err
		}

		lastErr = err
		c.cfg.Logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxAttempts).
			Str("broker", c.cfg.Addr).
			Msg("mllp delivery attempt failed")

		if attempt < c.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return hl7.Ack{}, ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}
	}
	return hl7.Ack{}, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, c.cfg.MaxAttempts, lastErr)
}

// attempt runs one full connection lifecycle: dial, send, await ack, close.
// The connection is closed on every exit path.
func (c *Client) attempt(ctx context.Context, payload []byte) (ack hl7.Ack, err error) {
	c.transition(StateConnecting)
	defer c.transition(StateDisconnected)

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return hl7.Ack{}, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()
	c.transition(StateConnected)

	c.transition(StateSending)
	conn.SetWriteDeadline(time.Now().Add(c.cfg.AckTimeout))
	if _, err := conn.Write(Frame(payload)); err != nil {
		return hl7.Ack{}, fmt.Errorf("write frame: %w", err)
	}

	c.transition(StateAwaitingAck)
	raw, err := readFrame(conn, c.cfg.AckTimeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.transition(StateTimedOut)
			return hl7.Ack{}, ErrTimeout
		}
		return hl7.Ack{}, fmt.Errorf("read ack: %w", err)
	}

	ack = hl7.ClassifyAck(raw)
	if ack.Status == hl7.AckAccept {
		c.transition(StateAcked)
	} else {
		c.transition(StateRejected)
	}
	return ack, nil
}

// readFrame blocks until a complete MLLP frame is observed in the inbound
// stream or the deadline elapses, and returns the unwrapped payload.
func readFrame(conn net.Conn, timeout time.Duration) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)
	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > maxMessageSize {
				return nil, fmt.Errorf("mllp: acknowledgement exceeds max frame size")
			}
			if msg, _, found := Unframe(buf); found {
				return msg, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (c *Client) transition(s State) {
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(s)
	}
}
