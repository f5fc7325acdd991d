package transport

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	// elmPrompt terminates every ELM327 response.
	elmPrompt = '>'

	// Drain / timing constants
	drainSilenceMs = 100                    // silence threshold for drain loop
	drainTimeout   = 500 * time.Millisecond // max time to spend draining
	readSlice      = 100 * time.Millisecond // per-read timeout while waiting for the prompt
)

// serialChannel talks to an ELM327-class adapter over a serial port.
// Commands are terminated with a carriage return and the response is
// everything read up to the '>' prompt.
type serialChannel struct {
	path   string
	mu     sync.Mutex
	port   serial.Port
	closed atomic.Bool
}

// OpenSerial opens an ELM327 adapter on path at baud, 8N1.
func OpenSerial(path string, baud int) (Channel, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", path, err)
	}
	s := &serialChannel{path: path, port: port}
	s.drain("open")
	return s, nil
}

// drain discards any unsolicited adapter output, e.g. the banner some
// clones print on power-up.
func (s *serialChannel) drain(label string) {
	s.port.ResetInputBuffer()

	s.port.SetReadTimeout(time.Duration(drainSilenceMs) * time.Millisecond)

	totalDrained := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)

	for time.Now().Before(deadline) {
		n, _ := s.port.Read(buf)
		if n == 0 {
			break // buffer is clear
		}
		totalDrained += n
	}
	if totalDrained > 0 {
		log.Printf("[serial] drain(%s) cleared %d bytes on %s", label, totalDrained, s.path)
	}
}

func (s *serialChannel) Exchange(command string, deadline time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return "", ErrClosed
	}

	s.port.ResetInputBuffer()
	if _, err := s.port.Write([]byte(command + "\r")); err != nil {
		return "", fmt.Errorf("serial: write %q: %w", command, err)
	}

	var resp bytes.Buffer
	buf := make([]byte, 128)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("serial: %q got %d bytes before deadline: %w", command, resp.Len(), ErrTimeout)
		}
		s.port.SetReadTimeout(min(remaining, readSlice))
		n, err := s.port.Read(buf)
		if s.closed.Load() {
			return "", ErrClosed
		}
		if err != nil && n == 0 {
			return "", fmt.Errorf("serial: read after %d bytes: %w", resp.Len(), err)
		}
		resp.Write(buf[:n])
		if i := bytes.IndexByte(resp.Bytes(), elmPrompt); i >= 0 {
			return string(resp.Bytes()[:i]), nil
		}
	}
}

// Close closes the port. Closing unblocks a pending Read.
func (s *serialChannel) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.port.Close()
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial: list ports: %w", err)
	}
	return ports, nil
}
