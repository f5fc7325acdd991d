package canbus

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/brutella/can"
)

// SocketCAN can_id flag and mask.
const (
	effFlag = 0x80000000
	effMask = 0x1FFFFFFF
)

// OpenBus opens a SocketCAN interface and starts its receive loop in the
// background. The returned bus is ready for Publish and Subscribe; call
// Disconnect to stop it.
func OpenBus(iface string) (*can.Bus, error) {
	bus, err := can.NewBusForInterfaceWithName(iface)
	if err != nil {
		return nil, fmt.Errorf("canbus: open %s: %w", iface, err)
	}
	go func() {
		// ConnectAndPublish blocks until the bus disconnects.
		if err := bus.ConnectAndPublish(); err != nil {
			log.Printf("[canbus] %s receive loop ended: %v", iface, err)
		}
	}()
	log.Printf("[canbus] listening on %s", iface)
	return bus, nil
}

// ToCAN converts f to the socket representation.
func ToCAN(f Frame) can.Frame {
	cf := can.Frame{ID: f.ID, Length: uint8(len(f.Data))}
	if f.Extended {
		cf.ID |= effFlag
	}
	copy(cf.Data[:], f.Data)
	return cf
}

// FromCAN converts a received frame, stamping it with ts.
func FromCAN(iface string, cf can.Frame, ts time.Time) Frame {
	n := min(int(cf.Length), maxLen)
	data := make([]byte, n)
	copy(data, cf.Data[:n])
	return Frame{
		Timestamp: float64(ts.UnixNano()) / 1e9,
		Interface: iface,
		ID:        cf.ID & effMask,
		Extended:  cf.ID&effFlag != 0 || cf.ID&effMask > maxStdID,
		Data:      data,
	}
}

// BusSender publishes frames directly on a SocketCAN bus.
type BusSender struct {
	Bus *can.Bus
}

func (s BusSender) SendFrame(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if err := s.Bus.Publish(ToCAN(f)); err != nil {
		return fmt.Errorf("canbus: publish %s: %w", f, err)
	}
	return nil
}

// frameHandler adapts a callback to the bus subscription interface.
type frameHandler struct {
	iface string
	fn    func(Frame)
}

func (h *frameHandler) Handle(cf can.Frame) {
	h.fn(FromCAN(h.iface, cf, time.Now()))
}

// Sniff delivers every frame received on bus to fn until ctx is canceled.
// fn runs on the bus receive goroutine.
func Sniff(ctx context.Context, bus *can.Bus, iface string, fn func(Frame)) error {
	h := &frameHandler{iface: iface, fn: fn}
	bus.Subscribe(h)
	defer bus.Unsubscribe(h)
	<-ctx.Done()
	return nil
}
