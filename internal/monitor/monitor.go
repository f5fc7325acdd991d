// Package monitor polls a set of OBD PIDs on a fixed interval and fans the
// decoded readings out to listeners.
package monitor

import (
	"context"
	"errors"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/obdsec/internal/obd"
)

// DefaultInterval is used when Start is given a non-positive interval.
const DefaultInterval = time.Second

// ErrAlreadyRunning is returned by Start on a running monitor.
var ErrAlreadyRunning = errors.New("monitor: already running")

// Reader reads one PID. *obd.Client satisfies it.
type Reader interface {
	ReadPID(ctx context.Context, nameOrCode string) (obd.Reading, error)
}

// Listener receives every reading of the PID it was registered for.
type Listener func(obd.Reading)

// ErrorListener receives per-PID read failures.
type ErrorListener func(pid string, err error)

// Monitor polls registered PIDs from a single goroutine. Listeners run on
// that goroutine and must not call Stop.
type Monitor struct {
	reader Reader

	mu        sync.Mutex
	order     []string
	listeners map[string][]Listener
	onError   []ErrorListener
	latest    map[string]obd.Reading
	cancel    context.CancelFunc
	done      chan struct{}

	stopping atomic.Bool
}

// New returns a stopped monitor reading through r.
func New(r Reader) *Monitor {
	return &Monitor{
		reader:    r,
		listeners: make(map[string][]Listener),
		latest:    make(map[string]obd.Reading),
	}
}

// Register adds fn as a listener for pid, given by name or request code.
// A PID is polled once per tick however many listeners it has.
func (m *Monitor) Register(pid string, fn Listener) error {
	p, err := obd.Lookup(pid)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listeners[p.Name]; !ok {
		m.order = append(m.order, p.Name)
	}
	m.listeners[p.Name] = append(m.listeners[p.Name], fn)
	return nil
}

// Unregister drops pid and all of its listeners.
func (m *Monitor) Unregister(pid string) {
	p, err := obd.Lookup(pid)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, p.Name)
	delete(m.latest, p.Name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == p.Name })
}

// AddErrorListener registers fn for read failures.
func (m *Monitor) AddErrorListener(fn ErrorListener) {
	m.mu.Lock()
	m.onError = append(m.onError, fn)
	m.mu.Unlock()
}

// PIDs returns the registered PID names in registration order.
func (m *Monitor) PIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// Latest returns the most recent reading of every registered PID.
func (m *Monitor) Latest() map[string]obd.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]obd.Reading, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out
}

// Start begins polling every interval until Stop is called or ctx ends.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.stopping.Store(false)
	go m.run(ctx, interval, m.done)
	log.Printf("[monitor] started (%d pids every %v)", len(m.order), interval)
	return nil
}

// Running reports whether the polling loop is alive.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Stop ends polling and waits for the loop to exit. No listener fires
// after Stop returns. Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	m.stopping.Store(true)
	cancel()
	<-done
	log.Printf("[monitor] stopped")
}

func (m *Monitor) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		m.tick(ctx)
		timer.Reset(interval)
	}
}

// tick reads each PID in turn. A failing PID is reported and skipped.
func (m *Monitor) tick(ctx context.Context) {
	for _, pid := range m.PIDs() {
		if m.stopping.Load() || ctx.Err() != nil {
			return
		}
		r, err := m.reader.ReadPID(ctx, pid)
		if m.stopping.Load() || ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		fns := slices.Clone(m.listeners[pid])
		errFns := slices.Clone(m.onError)
		if err == nil && fns != nil {
			m.latest[pid] = r
		}
		m.mu.Unlock()

		if err != nil {
			log.Printf("[monitor] %s: %v", pid, err)
			for _, fn := range errFns {
				fn(pid, err)
			}
			continue
		}
		for _, fn := range fns {
			fn(r)
		}
	}
}
