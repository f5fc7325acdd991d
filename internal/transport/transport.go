package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrDeviceUnavailable is returned by Connect when the port cannot be opened.
	ErrDeviceUnavailable = errors.New("transport: device unavailable")
	// ErrTimeout is returned when a command gets no response before its deadline.
	ErrTimeout = errors.New("transport: timeout")
	// ErrAlreadyConnected is returned by Connect on a live transport.
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// Connection describes the live link to one adapter.
type Connection struct {
	AdapterKind AdapterKind `json:"adapterKind" yaml:"adapter_kind"`
	Protocol    string      `json:"protocol" yaml:"protocol"`
	BaudRate    int         `json:"baudRate" yaml:"baud_rate"`
	Port        string      `json:"port" yaml:"port"`
	Connected   bool        `json:"connected" yaml:"connected"`
}

type request struct {
	ctx     context.Context
	command string
	timeout time.Duration
	reply   chan result
}

type result struct {
	resp string
	err  error
}

// Transport owns at most one Connection and serializes every command sent
// over it. A single worker goroutine pulls requests off a channel in FIFO
// order, so concurrent callers queue instead of being rejected and a
// response is always delivered to the caller whose command produced it.
type Transport struct {
	openers map[AdapterKind]Opener

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	conn    Connection
	ch      Channel
	reqs    chan request
	quit    chan struct{}
	done    chan struct{}
	timeout time.Duration
	hooks   []func()
}

// Option configures a Transport.
type Option func(*Transport)

// WithOpener replaces the opener used for an adapter kind.
func WithOpener(kind AdapterKind, open Opener) Option {
	return func(t *Transport) { t.openers[kind] = open }
}

// New creates a disconnected Transport with the default openers for every
// adapter kind.
func New(opts ...Option) *Transport {
	t := &Transport{
		openers: map[AdapterKind]Opener{
			AdapterELM327:    OpenSerial,
			AdapterSocketCAN: OpenCAN,
			AdapterPCSC:      OpenPCSC,
			AdapterSim:       func(string, int) (Channel, error) { return NewSimulator(), nil },
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnDisconnect registers fn to run whenever the connection is torn down.
// Hooks run after pending sends are released and before the channel is
// closed. A hook must not call Disconnect.
func (t *Transport) OnDisconnect(fn func()) {
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

// Connect opens the channel for kind on port and runs the adapter's init
// sequence. Any failure leaves the transport disconnected.
func (t *Transport) Connect(ctx context.Context, kind AdapterKind, port string, baud int) (Connection, error) {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.IsConnected() {
		return Connection{}, ErrAlreadyConnected
	}
	prof, ok := profiles[kind]
	if !ok {
		return Connection{}, fmt.Errorf("transport: unknown adapter kind %q", kind)
	}
	open, ok := t.openers[kind]
	if !ok {
		return Connection{}, fmt.Errorf("transport: no opener for %q", kind)
	}
	if baud == 0 {
		baud = prof.baud
	}

	ch, err := open(port, baud)
	if err != nil {
		return Connection{}, fmt.Errorf("transport: open %s: %w: %w", port, ErrDeviceUnavailable, err)
	}

	t.mu.Lock()
	t.ch = ch
	t.conn = Connection{
		AdapterKind: kind,
		Protocol:    prof.protocol,
		BaudRate:    baud,
		Port:        port,
		Connected:   true,
	}
	t.timeout = prof.timeout
	t.reqs = make(chan request)
	t.quit = make(chan struct{})
	t.done = make(chan struct{})
	go t.worker(ch, t.reqs, t.quit, t.done)
	t.mu.Unlock()

	log.Printf("[transport] opened %s (%s, %d baud)", port, kind, baud)

	for _, cmd := range prof.init {
		resp, err := t.Send(ctx, cmd, 0)
		if err != nil {
			t.teardown()
			return Connection{}, fmt.Errorf("transport: init %s: %w", cmd, err)
		}
		log.Printf("[transport] init %s -> %q", cmd, resp)
	}

	return t.Connection(), nil
}

// Send writes command to the adapter and returns the trimmed response.
// A zero timeout uses the adapter kind's default. Calls are served strictly
// in arrival order; a caller whose ctx is canceled while queued is dropped
// without touching the wire.
func (t *Transport) Send(ctx context.Context, command string, timeout time.Duration) (string, error) {
	t.mu.RLock()
	reqs, quit, connected := t.reqs, t.quit, t.conn.Connected
	if timeout <= 0 {
		timeout = t.timeout
	}
	t.mu.RUnlock()

	if !connected {
		return "", ErrNotConnected
	}

	req := request{
		ctx:     ctx,
		command: command,
		timeout: timeout,
		reply:   make(chan result, 1),
	}

	select {
	case reqs <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-quit:
		return "", ErrNotConnected
	}

	// The deadline starts when the worker picks the request up, so time
	// spent queued behind other commands does not count against it. The
	// worker always picks up within one deadline of the request ahead.
	select {
	case res := <-req.reply:
		return res.resp, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-quit:
		return "", ErrNotConnected
	}
}

// worker is the only goroutine that touches ch. It races each exchange
// against its deadline; when the deadline wins, the caller is told
// ErrTimeout immediately and the exchange is left pending. The next request
// waits for the pending exchange to finish before it reaches the wire, and
// that wait counts against its own deadline, so a channel that never
// returns fails each queued command on time instead of wedging the queue.
func (t *Transport) worker(ch Channel, reqs <-chan request, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var pending <-chan result
	for {
		var req request
		select {
		case req = <-reqs:
		case <-quit:
			return
		}
		if req.ctx.Err() != nil {
			continue
		}

		timeout := req.timeout
		if d, ok := req.ctx.Deadline(); ok && time.Until(d) < timeout {
			timeout = time.Until(d)
		}
		deadline := time.Now().Add(timeout)
		timer := time.NewTimer(timeout)

		if pending != nil {
			select {
			case <-pending:
				pending = nil
			case <-timer.C:
				log.Printf("[transport] %q timed out waiting for the previous exchange", req.command)
				req.reply <- result{err: fmt.Errorf("transport: %s: channel busy: %w", req.command, ErrTimeout)}
				continue
			case <-quit:
				timer.Stop()
				return
			}
		}

		out := make(chan result, 1)
		go func(cmd string) {
			resp, err := ch.Exchange(cmd, deadline)
			out <- result{resp: strings.TrimSpace(resp), err: err}
		}(req.command)

		select {
		case res := <-out:
			timer.Stop()
			req.reply <- res
		case <-timer.C:
			log.Printf("[transport] %q timed out after %v", req.command, timeout)
			req.reply <- result{err: fmt.Errorf("transport: %s: %w", req.command, ErrTimeout)}
			pending = out
		case <-quit:
			timer.Stop()
			return
		}
	}
}

// Disconnect fires the disconnect hooks and closes the channel. It is safe
// to call when already disconnected.
func (t *Transport) Disconnect() error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	return t.teardown()
}

func (t *Transport) teardown() error {
	t.mu.Lock()
	if !t.conn.Connected {
		t.mu.Unlock()
		return nil
	}
	hooks := append([]func(){}, t.hooks...)
	ch, quit, done, port := t.ch, t.quit, t.done, t.conn.Port
	t.conn.Connected = false
	t.ch = nil
	t.mu.Unlock()

	close(quit)
	for _, fn := range hooks {
		fn()
	}
	err := ch.Close()
	<-done

	log.Printf("[transport] closed %s", port)
	if err != nil {
		return fmt.Errorf("transport: close %s: %w", port, err)
	}
	return nil
}

// IsConnected reports whether a connection is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn.Connected
}

// Connection returns a snapshot of the current connection.
func (t *Transport) Connection() Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}
