package mllp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ehr/intake/internal/platform/hl7"
)

const brokerReadTimeout = 30 * time.Second

// Handler is called for each message the broker receives. It returns the
// ACK/NAK message to send back, or nil to send no response (which lets
// tests exercise the client's ack timeout path).
type Handler func(msg *hl7.Message) *hl7.Message

// Broker is a loopback MLLP endpoint. It implements the same framing and
// status-token vocabulary as a production message broker, so anything that
// speaks the ack contract is interchangeable with it. Used by the transport
// and orchestrator tests and by the `broker` dev command.
type Broker struct {
	addr     string
	handler  Handler
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewBroker creates a broker that will listen on addr and dispatch parsed
// messages to handler.
func NewBroker(addr string, handler Handler) *Broker {
	return &Broker{
		addr:    addr,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// AcceptAll returns a Handler that acknowledges every message with AA.
func AcceptAll() Handler {
	return func(msg *hl7.Message) *hl7.Message {
		return hl7.GenerateACK(msg, "AA", "")
	}
}

// Start begins listening for connections. It is non-blocking: the accept
// loop runs in a background goroutine.
func (b *Broker) Start() error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", b.addr, err)
	}
	b.listener = ln

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.acceptLoop()
	}()
	return nil
}

// Stop shuts down the broker: closes the listener, then every tracked
// connection, and waits for all goroutines to finish.
func (b *Broker) Stop() error {
	close(b.done)

	var err error
	if b.listener != nil {
		err = b.listener.Close()
	}

	b.mu.Lock()
	for conn := range b.conns {
		conn.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
	return err
}

// Addr returns the listener address string, useful when started on port 0.
func (b *Broker) Addr() string {
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return b.addr
}

// ActiveConns reports how many client connections are currently open.
// Tests use it to verify the client releases its connection on every path.
func (b *Broker) ActiveConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broker) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.done:
			default:
			}
			return
		}

		b.trackConn(conn, true)

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.trackConn(conn, false)
			defer conn.Close()
			b.handleConnection(conn)
		}()
	}
}

func (b *Broker) trackConn(conn net.Conn, add bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if add {
		b.conns[conn] = struct{}{}
	} else {
		delete(b.conns, conn)
	}
}

// handleConnection reads MLLP-framed messages from conn, parses them,
// dispatches to the handler, and writes back any response.
func (b *Broker) handleConnection(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-b.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(brokerReadTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > maxMessageSize {
				return
			}

			for {
				msgBytes, rest, found := Unframe(buf)
				if !found {
					break
				}
				buf = rest
				b.processMessage(conn, msgBytes)
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if len(buf) == 0 {
					return
				}
				continue
			}
			return
		}
	}
}

func (b *Broker) processMessage(conn net.Conn, raw []byte) {
	msg, err := hl7.Parse(raw)
	if err != nil {
		return
	}

	resp := b.handler(msg)
	if resp == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	conn.Write(Frame(hl7.Serialize(resp)))
}
