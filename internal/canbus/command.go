package canbus

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BuildSendCommand formats a frame send command: "<iface> <id>#<data>" with
// the id as at least three zero-padded hex digits.
func BuildSendCommand(iface string, id uint32, data []byte) string {
	return fmt.Sprintf("%s %03X#%X", iface, id, data)
}

// ParseSendCommand is the inverse of BuildSendCommand.
func ParseSendCommand(cmd string) (Frame, error) {
	iface, rest, ok := strings.Cut(strings.TrimSpace(cmd), " ")
	if !ok {
		return Frame{}, fmt.Errorf("canbus: send command %q: missing interface", cmd)
	}
	idHex, dataHex, ok := strings.Cut(strings.TrimSpace(rest), "#")
	if !ok {
		return Frame{}, fmt.Errorf("canbus: send command %q: missing '#'", cmd)
	}
	id, err := strconv.ParseUint(idHex, 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("canbus: send command %q: id: %w", cmd, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return Frame{}, fmt.Errorf("canbus: send command %q: data: %w", cmd, err)
	}
	f := Frame{Interface: iface, ID: uint32(id), Extended: len(idHex) > 3 || id > maxStdID, Data: data}
	if err := f.Validate(); err != nil {
		return Frame{}, fmt.Errorf("canbus: send command %q: %w", cmd, err)
	}
	return f, nil
}

// Sender puts frames on a bus.
type Sender interface {
	SendFrame(ctx context.Context, f Frame) error
}

// Commander is the part of a transport CommandSender needs.
type Commander interface {
	Send(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// CommandSender sends frames as text send commands through a Commander.
type CommandSender struct {
	Commander Commander
	Timeout   time.Duration // zero uses the transport default
}

func (s CommandSender) SendFrame(ctx context.Context, f Frame) error {
	cmd := BuildSendCommand(f.Interface, f.ID, f.Data)
	if _, err := s.Commander.Send(ctx, cmd, s.Timeout); err != nil {
		return fmt.Errorf("canbus: send %s: %w", cmd, err)
	}
	return nil
}
