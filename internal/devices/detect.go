package devices

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Kind identifies a tool family.
type Kind string

const (
	KindHackRF    Kind = "hackrf"
	KindRTLSDR    Kind = "rtlsdr"
	KindProxmark3 Kind = "proxmark3"
	KindACR122    Kind = "acr122"
	KindNone      Kind = "none"
)

// Capability is a bit set of what a device can do.
type Capability uint8

const (
	CapReceive Capability = 1 << iota
	CapTransmit
	CapReadTag
	CapWriteTag
)

func (c Capability) String() string {
	var parts []string
	for _, n := range []struct {
		c    Capability
		name string
	}{
		{CapReceive, "receive"},
		{CapTransmit, "transmit"},
		{CapReadTag, "read_tag"},
		{CapWriteTag, "write_tag"},
	} {
		if c&n.c != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Device is one detected tool.
type Device struct {
	Kind         Kind       `json:"kind" yaml:"kind"`
	Capabilities Capability `json:"capabilities" yaml:"capabilities"`
	Info         string     `json:"info,omitempty" yaml:"info,omitempty"`
}

// Has reports whether d supports every bit in c.
func (d Device) Has(c Capability) bool { return d.Capabilities&c == c }

// probe is one detection command and the output markers it looks for.
type probe struct {
	command string
	markers []string
	kind    Kind
	caps    Capability
}

var probes = []probe{
	{"hackrf_info", []string{"Found HackRF"}, KindHackRF, CapReceive | CapTransmit},
	{"pm3 --list", []string{"Proxmark3"}, KindProxmark3, CapReadTag | CapWriteTag | CapReceive},
	{"nfc-list", []string{"ACR122"}, KindACR122, CapReadTag | CapWriteTag},
	{"rtl_test -t", []string{"Found Rafael Micro", "RTL2838"}, KindRTLSDR, CapReceive},
}

// Classify maps tool output to a device. ok is false when no marker
// matches.
func Classify(output string) (Device, bool) {
	for _, p := range probes {
		for _, m := range p.markers {
			if strings.Contains(output, m) {
				return Device{Kind: p.kind, Capabilities: p.caps, Info: firstLine(output, m)}, true
			}
		}
	}
	return Device{}, false
}

// Detect runs each probe through exec and returns every device found, in
// probe order. Failed probes are skipped; some tools exit non-zero while
// still printing their banner, so output is inspected either way.
func Detect(ctx context.Context, exec Executor) []Device {
	var found []Device
	for _, p := range probes {
		if ctx.Err() != nil {
			break
		}
		res := exec.Run(ctx, p.command)
		d, ok := Classify(res.Output)
		if !ok || d.Kind != p.kind {
			continue
		}
		log.Printf("[devices] found %s (%s)", d.Kind, d.Capabilities)
		found = append(found, d)
	}
	return found
}

// Require fails with ErrUnsupported when d lacks c.
func Require(d Device, c Capability) error {
	if !d.Has(c) {
		return fmt.Errorf("%w: %s cannot %s", ErrUnsupported, d.Kind, c)
	}
	return nil
}

// Clone copies the tag on a Proxmark3 to a blank T5577. Other devices
// return ErrUnsupported.
func Clone(ctx context.Context, exec Executor, d Device, tagID string) (Result, error) {
	if d.Kind != KindProxmark3 {
		return Result{}, fmt.Errorf("%w: clone needs a proxmark3, have %s", ErrUnsupported, d.Kind)
	}
	if err := Require(d, CapWriteTag); err != nil {
		return Result{}, err
	}
	if strings.ContainsFunc(tagID, func(r rune) bool { return !isHex(r) }) || tagID == "" {
		return Result{}, fmt.Errorf("%w: tag id %q is not hex", ErrNotAllowed, tagID)
	}
	res := exec.Run(ctx, fmt.Sprintf("pm3 -c \"lf em 410x clone --id %s\"", tagID))
	if !res.Success {
		return res, fmt.Errorf("devices: clone %s: %s", tagID, res.Error)
	}
	return res, nil
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func firstLine(output, marker string) string {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, marker) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}
