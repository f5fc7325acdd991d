package transport

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/brutella/can"

	"github.com/shaunagostinho/obdsec/internal/canbus"
)

// ISO 15765-4 11-bit addressing.
const (
	obdFunctionalID = 0x7DF
	obdResponseLo   = 0x7E8
	obdResponseHi   = 0x7EF
	isoTPPad        = 0x55
)

// canChannel drives a raw SocketCAN interface. Two command forms are
// accepted: frame send commands ("can0 7DF#02010C"), which are published
// and answered with "OK", and bare OBD requests ("010C"), which go out as a
// single functional frame and return the first ECU reply as hex.
type canChannel struct {
	iface string
	bus   *can.Bus
	rx    chan can.Frame
	mu    sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenCAN opens the SocketCAN interface named iface. baud is ignored; the
// bitrate is a property of the interface.
func OpenCAN(iface string, _ int) (Channel, error) {
	bus, err := canbus.OpenBus(iface)
	if err != nil {
		return nil, err
	}
	c := &canChannel{iface: iface, bus: bus, rx: make(chan can.Frame, 64), closed: make(chan struct{})}
	bus.Subscribe(c)
	return c, nil
}

// Handle queues received frames, dropping them when nobody is reading.
func (c *canChannel) Handle(f can.Frame) {
	select {
	case c.rx <- f:
	default:
	}
}

func (c *canChannel) Exchange(command string, deadline time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.Contains(command, "#") {
		f, err := canbus.ParseSendCommand(command)
		if err != nil {
			return "", err
		}
		if err := c.bus.Publish(canbus.ToCAN(f)); err != nil {
			return "", fmt.Errorf("can: publish: %w", err)
		}
		return "OK", nil
	}

	req, err := hex.DecodeString(strings.ReplaceAll(command, " ", ""))
	if err != nil || len(req) == 0 || len(req) > 7 {
		return "", fmt.Errorf("can: %q is not an OBD request", command)
	}
	c.flush()

	data := make([]byte, 8)
	data[0] = byte(len(req))
	copy(data[1:], req)
	for i := 1 + len(req); i < len(data); i++ {
		data[i] = isoTPPad
	}
	if err := c.bus.Publish(canbus.ToCAN(canbus.NewFrame(c.iface, obdFunctionalID, data))); err != nil {
		return "", fmt.Errorf("can: publish: %w", err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case f := <-c.rx:
			id := f.ID & 0x1FFFFFFF
			if id < obdResponseLo || id > obdResponseHi || f.Length < 1 {
				continue
			}
			n := min(int(f.Data[0]), int(f.Length)-1)
			return fmt.Sprintf("%X", f.Data[1:1+n]), nil
		case <-c.closed:
			return "", ErrClosed
		case <-timer.C:
			return "", fmt.Errorf("can: no reply to %s: %w", command, ErrTimeout)
		}
	}
}

// flush drops frames left over from earlier exchanges.
func (c *canChannel) flush() {
	for {
		select {
		case <-c.rx:
		default:
			return
		}
	}
}

func (c *canChannel) Close() error {
	first := false
	c.closeOnce.Do(func() { close(c.closed); first = true })
	if !first {
		return nil
	}
	c.bus.Unsubscribe(c)
	if err := c.bus.Disconnect(); err != nil {
		return fmt.Errorf("can: disconnect %s: %w", c.iface, err)
	}
	return nil
}
