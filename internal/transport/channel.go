package transport

import (
	"errors"
	"time"
)

// Channel is the interface every adapter backend implements. The ELM327
// serial adapter is the primary one; raw CAN sockets and PC/SC transponder
// readers plug in the same way.
type Channel interface {
	// Exchange writes one command and reads its complete response.
	// Implementations should give up once deadline has passed and return
	// an error wrapping ErrTimeout.
	Exchange(command string, deadline time.Time) (string, error)
	// Close releases the underlying device. A blocked Exchange must return
	// after Close.
	Close() error
}

// Opener opens a Channel on the given port (device path, CAN interface or
// reader name). baud is ignored by backends that have no line rate.
type Opener func(port string, baud int) (Channel, error)

// AdapterKind selects the Channel backend and its init sequence.
type AdapterKind string

const (
	AdapterELM327    AdapterKind = "elm327"
	AdapterSocketCAN AdapterKind = "socketcan"
	AdapterPCSC      AdapterKind = "pcsc"
	AdapterSim       AdapterKind = "sim"
)

// ErrClosed is returned by channels used after Close.
var ErrClosed = errors.New("transport: channel closed")

// profile holds the per-adapter connection behaviour.
type profile struct {
	protocol string
	timeout  time.Duration
	baud     int
	init     []string
}

// elmInit resets the adapter, disables echo and linefeeds and selects
// automatic protocol detection.
var elmInit = []string{"ATZ", "ATE0", "ATL0", "ATSP0"}

var profiles = map[AdapterKind]profile{
	AdapterELM327:    {protocol: "auto", timeout: 2000 * time.Millisecond, baud: 38400, init: elmInit},
	AdapterSim:       {protocol: "auto", timeout: 2000 * time.Millisecond, baud: 38400, init: elmInit},
	AdapterSocketCAN: {protocol: "iso15765-raw", timeout: 2000 * time.Millisecond},
	AdapterPCSC:      {protocol: "iso7816", timeout: 5000 * time.Millisecond},
}

// DefaultTimeout returns the per-command timeout used when Send is called
// with a zero timeout.
func DefaultTimeout(kind AdapterKind) time.Duration {
	if p, ok := profiles[kind]; ok {
		return p.timeout
	}
	return 2000 * time.Millisecond
}

// Kinds lists the supported adapter kinds.
func Kinds() []AdapterKind {
	return []AdapterKind{AdapterELM327, AdapterSocketCAN, AdapterPCSC, AdapterSim}
}
