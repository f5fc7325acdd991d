// Package canbus handles raw CAN frames: candump-style capture text,
// adapter send commands, replay and fuzz loops, and live bus sniffing.
package canbus

import (
	"errors"
	"fmt"
)

// Validation limits.
const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF
	maxLen   = 8
)

var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
)

// Frame is one classical CAN frame as captured or sent.
type Frame struct {
	Timestamp float64 `json:"timestamp"` // seconds since the epoch
	Interface string  `json:"interface"`
	ID        uint32  `json:"id"`
	Extended  bool    `json:"extended"` // 29-bit identifier
	Data      []byte  `json:"data"`
}

// NewFrame builds a frame on iface, marking it extended when id does not
// fit in 11 bits.
func NewFrame(iface string, id uint32, data []byte) Frame {
	return Frame{
		Interface: iface,
		ID:        id,
		Extended:  id > maxStdID,
		Data:      data,
	}
}

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if len(f.Data) > maxLen {
		return ErrInvalidLen
	}
	if f.Extended {
		if f.ID > maxExtID {
			return ErrInvalidID
		}
	} else if f.ID > maxStdID {
		return ErrInvalidID
	}
	return nil
}

func (f Frame) String() string {
	return fmt.Sprintf("%s %s#%X", f.Interface, formatID(f), f.Data)
}

func formatID(f Frame) string {
	if f.Extended {
		return fmt.Sprintf("%08X", f.ID)
	}
	return fmt.Sprintf("%03X", f.ID)
}
