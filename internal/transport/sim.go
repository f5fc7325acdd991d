package transport

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// simVIN is reported by the simulator for Mode 09 PID 02.
const simVIN = "1D4GP00R55B123456"

// Simulator is a simulated ELM327 adapter for demo mode and tests. Engine
// values follow a slow sine so a dashboard has something to draw; any
// command in Responses is answered verbatim instead.
type Simulator struct {
	// Responses maps a command to a scripted raw reply.
	Responses map[string]string
	// Fail maps a command to the error Exchange returns for it.
	Fail map[string]error
	// Hang lists commands that never get a reply.
	Hang map[string]bool
	// Latency is added before every reply.
	Latency time.Duration

	mu       sync.Mutex
	t        float64 // virtual time accumulator
	searched bool
	cleared  bool
	wire     []string
	rng      *rand.Rand

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSimulator returns a simulator with no scripted replies.
func NewSimulator() *Simulator {
	return &Simulator{
		Responses: map[string]string{},
		Fail:      map[string]error{},
		Hang:      map[string]bool{},
		rng:       rand.New(rand.NewPCG(1, 2)),
		closed:    make(chan struct{}),
	}
}

// Opener returns an Opener handing out this simulator, so a test can keep
// a reference to it across Connect.
func (s *Simulator) Opener() Opener {
	return func(string, int) (Channel, error) { return s, nil }
}

// Wire returns the exchange log: ">CMD" when a command hits the wire and
// "<CMD" when its reply is complete.
func (s *Simulator) Wire() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.wire...)
}

func (s *Simulator) Exchange(command string, deadline time.Time) (string, error) {
	select {
	case <-s.closed:
		return "", ErrClosed
	default:
	}
	cmd := strings.ToUpper(strings.TrimSpace(command))
	s.log(">" + cmd)
	defer s.log("<" + cmd)

	wait := s.Latency
	if s.Hang[cmd] {
		wait = time.Until(deadline)
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.closed:
			return "", ErrClosed
		}
	}
	if s.Hang[cmd] {
		return "", fmt.Errorf("sim: %s: %w", cmd, ErrTimeout)
	}
	if err, ok := s.Fail[cmd]; ok {
		return "", err
	}
	if resp, ok := s.Responses[cmd]; ok {
		return resp, nil
	}
	return s.reply(cmd), nil
}

func (s *Simulator) log(ev string) {
	s.mu.Lock()
	s.wire = append(s.wire, ev)
	s.mu.Unlock()
}

func (s *Simulator) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *Simulator) reply(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case cmd == "ATZ" || cmd == "ATI":
		s.searched = false
		return "ELM327 v1.5"
	case cmd == "ATRV":
		return fmt.Sprintf("%.1fV", 13.8+s.rng.Float64()*0.4)
	case cmd == "ATDP":
		return "AUTO, ISO 15765-4 (CAN 11/500)"
	case strings.HasPrefix(cmd, "AT"):
		return "OK"
	case strings.Contains(cmd, "#"):
		return "OK"
	}

	cmd = strings.ReplaceAll(cmd, " ", "")
	var resp string
	switch {
	case cmd == "03":
		if s.cleared {
			resp = "43 00 00 00 00 00 00"
		} else {
			resp = "43 01 23 01 33 00 00"
		}
	case cmd == "04":
		s.cleared = true
		resp = "44"
	case cmd == "0902":
		resp = "014\r0: 49 02 01 31 44 34\r1: 47 50 30 30 52 35 35\r2: 42 31 32 33 34 35 36"
	case cmd == "0904":
		resp = "49 04 01 4A 4D 42 2A 33 36 37 36 31 35 30 30"
	case cmd == "090A":
		resp = "49 0A 01 45 43 4D 2D 45 6E 67 69 6E 65 43 6F 6E 74 72 6F 6C"
	case len(cmd) == 4 && strings.HasPrefix(cmd, "01"):
		data, ok := s.engine(cmd[2:])
		if !ok {
			return "NO DATA"
		}
		resp = fmt.Sprintf("41 %s % X", cmd[2:], data)
	default:
		return "?"
	}
	if !s.searched {
		s.searched = true
		resp = "SEARCHING...\r" + resp
	}
	return resp
}

// engine produces the data bytes for a Mode 01 PID from the virtual clock.
func (s *Simulator) engine(pid string) ([]byte, bool) {
	s.t += 0.05

	rpm := 850.0 + 4000.0*math.Sin(s.t*0.3)*math.Sin(s.t*0.3) + s.rng.Float64()*50
	load := (rpm - 850) / (8000 - 850)
	load = max(0, min(1, load))

	switch pid {
	case "00":
		return []byte{0xBE, 0x3F, 0xB8, 0x13}, true
	case "0C":
		v := uint16(rpm * 4)
		return []byte{byte(v >> 8), byte(v)}, true
	case "0D":
		return []byte{byte(load * 220)}, true
	case "05":
		return []byte{byte(85 + s.rng.Float64()*5 + 40)}, true
	case "0F":
		return []byte{byte(30 + s.rng.Float64()*8 + 40)}, true
	case "10":
		v := uint16((2 + load*150) * 100)
		return []byte{byte(v >> 8), byte(v)}, true
	case "11":
		return []byte{byte(load * 255)}, true
	case "14":
		return []byte{byte((0.1 + s.rng.Float64()*0.8) * 200), 0xFF}, true
	case "0A":
		return []byte{byte(300 / 3)}, true
	case "0B":
		return []byte{byte(30 + load*170)}, true
	case "0E":
		return []byte{byte((10 + load*28 + 64) * 2)}, true
	case "2F":
		return []byte{158}, true
	case "33":
		return []byte{101}, true
	case "3C":
		v := uint16((450 + load*300 + 40) * 10)
		return []byte{byte(v >> 8), byte(v)}, true
	}
	return nil, false
}
