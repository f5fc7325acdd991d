// Package session holds the engine state of one operator session: the
// adapter connection, the PID monitor, the attached RF or transponder
// device and the history of recovered and cloned keys.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/obdsec/internal/canbus"
	"github.com/shaunagostinho/obdsec/internal/devices"
	"github.com/shaunagostinho/obdsec/internal/monitor"
	"github.com/shaunagostinho/obdsec/internal/obd"
	"github.com/shaunagostinho/obdsec/internal/security"
	"github.com/shaunagostinho/obdsec/internal/transport"
)

// ErrNoDevice is returned by operations that need a detected device.
var ErrNoDevice = errors.New("session: no device")

// Options configures a Session. Zero values use defaults.
type Options struct {
	Transport *transport.Transport
	Registry  *security.Registry
	Executor  devices.Executor
	Sender    canbus.Sender // replay target; defaults to send commands over the transport
	Timeout   time.Duration // per-request OBD timeout
}

// Source says how a history entry was obtained.
type Source string

const (
	SourceCrack Source = "crack"
	SourceClone Source = "clone"
)

// KeyRecord is one entry of the key history.
type KeyRecord struct {
	ID        uuid.UUID          `json:"id" yaml:"id"`
	At        time.Time          `json:"at" yaml:"at"`
	Source    Source             `json:"source" yaml:"source"`
	Algorithm security.Algorithm `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	Method    security.Method    `json:"method,omitempty" yaml:"method,omitempty"`
	Key       string             `json:"key" yaml:"key"` // hex key or tag id
	Device    devices.Kind       `json:"device,omitempty" yaml:"device,omitempty"`
}

// Session is safe for concurrent use.
type Session struct {
	ID uuid.UUID

	tr     *transport.Transport
	client *obd.Client
	mon    *monitor.Monitor
	reg    *security.Registry
	exec   devices.Executor
	sender canbus.Sender

	mu      sync.Mutex
	device  *devices.Device
	history []KeyRecord
}

// New creates a disconnected session.
func New(opts Options) *Session {
	tr := opts.Transport
	if tr == nil {
		tr = transport.New()
	}
	reg := opts.Registry
	if reg == nil {
		reg = security.NewRegistry(nil, nil)
	}
	exec := opts.Executor
	if exec == nil {
		exec = devices.ShellExecutor{}
	}
	sender := opts.Sender
	if sender == nil {
		sender = canbus.CommandSender{Commander: tr}
	}
	client := obd.NewClient(tr)
	if opts.Timeout > 0 {
		client = client.WithTimeout(opts.Timeout)
	}
	mon := monitor.New(client)
	tr.OnDisconnect(mon.Stop)

	return &Session{
		ID:     uuid.New(),
		tr:     tr,
		client: client,
		mon:    mon,
		reg:    reg,
		exec:   exec,
		sender: sender,
	}
}

// Connect opens the adapter.
func (s *Session) Connect(ctx context.Context, kind transport.AdapterKind, port string, baud int) (transport.Connection, error) {
	conn, err := s.tr.Connect(ctx, kind, port, baud)
	if err != nil {
		return conn, err
	}
	log.Printf("[session] %s connected via %s", s.ID, kind)
	return conn, nil
}

// Disconnect stops monitoring and closes the adapter.
func (s *Session) Disconnect() error {
	return s.tr.Disconnect()
}

// Connection returns the current adapter connection.
func (s *Session) Connection() transport.Connection { return s.tr.Connection() }

// Transport returns the session's transport.
func (s *Session) Transport() *transport.Transport { return s.tr }

// Client returns the OBD client bound to the transport.
func (s *Session) Client() *obd.Client { return s.client }

// Monitor returns the session's PID monitor.
func (s *Session) Monitor() *monitor.Monitor { return s.mon }

// Registry returns the attack strategy registry.
func (s *Session) Registry() *security.Registry { return s.reg }

// ReadPID reads one PID.
func (s *Session) ReadPID(ctx context.Context, pid string) (obd.Reading, error) {
	return s.client.ReadPID(ctx, pid)
}

// DetectDevices probes for attached tools and selects the first one found.
func (s *Session) DetectDevices(ctx context.Context) []devices.Device {
	found := devices.Detect(ctx, s.exec)
	if len(found) > 0 {
		s.SetDevice(found[0])
	}
	return found
}

// SetDevice selects the device used by Replay and Clone.
func (s *Session) SetDevice(d devices.Device) {
	s.mu.Lock()
	s.device = &d
	s.mu.Unlock()
}

// Device returns the selected device.
func (s *Session) Device() (devices.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return devices.Device{}, false
	}
	return *s.device, true
}

// Crack runs the registry over ev and records a recovered key.
func (s *Session) Crack(ctx context.Context, ev security.Evidence) (security.Report, error) {
	rep, err := s.reg.Crack(ctx, ev)
	if err != nil || rep.Key == nil {
		return rep, err
	}
	s.record(KeyRecord{
		Source:    SourceCrack,
		Algorithm: rep.Key.Algorithm,
		Method:    rep.Key.Method,
		Key:       rep.Key.KeyHex(),
	})
	return rep, nil
}

// Predict runs the rolling-code predictor over seq.
func (s *Session) Predict(seq *security.RollingCodeSequence) (security.Prediction, error) {
	return seq.Predict()
}

// Replay sends frames in order. When a device is selected it must be able
// to transmit.
func (s *Session) Replay(ctx context.Context, frames []canbus.Frame, delay canbus.DelayFunc) (int, error) {
	if d, ok := s.Device(); ok {
		if err := devices.Require(d, devices.CapTransmit); err != nil {
			return 0, fmt.Errorf("session: replay: %w", err)
		}
	}
	if _, isCmd := s.sender.(canbus.CommandSender); isCmd && !s.tr.IsConnected() {
		return 0, fmt.Errorf("session: replay: %w", transport.ErrNotConnected)
	}
	n, err := canbus.Replay(ctx, s.sender, frames, delay)
	log.Printf("[session] replayed %d/%d frames", n, len(frames))
	return n, err
}

// Clone writes tagID to a blank tag with the selected device.
func (s *Session) Clone(ctx context.Context, tagID string) (devices.Result, error) {
	d, ok := s.Device()
	if !ok {
		return devices.Result{}, ErrNoDevice
	}
	res, err := devices.Clone(ctx, s.exec, d, tagID)
	if err != nil {
		return res, err
	}
	s.record(KeyRecord{Source: SourceClone, Key: tagID, Device: d.Kind})
	return res, nil
}

func (s *Session) record(r KeyRecord) {
	r.ID = uuid.New()
	r.At = time.Now()
	s.mu.Lock()
	s.history = append(s.history, r)
	s.mu.Unlock()
	log.Printf("[session] recorded %s key %s (%s)", r.Source, r.Key, r.ID)
}

// History returns the key history, oldest first.
func (s *Session) History() []KeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}
