package security

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// Timing turns response-time variation into key bits: each probe slower
// than the mean contributes a 1, the rest a 0, MSB-first. The result is a
// heuristic, not a verified key.
type Timing struct{}

func (Timing) Method() Method { return MethodTiming }

func (Timing) Attempt(_ context.Context, ev Evidence) (*CrackedKey, error) {
	var samples []float64
	for _, p := range ev.Pairs {
		if p.Timing > 0 {
			samples = append(samples, p.Timing)
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: timing needs timed probes", ErrInsufficientSamples)
	}
	start := time.Now()
	mean := 0.0
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))

	bits := make([]bool, len(samples))
	for i, s := range samples {
		bits[i] = s > mean
	}
	return &CrackedKey{
		Algorithm:  ev.Algorithm,
		Key:        packBits(bits),
		Bits:       len(bits),
		Confidence: 0.60,
		Method:     MethodTiming,
		Attempts:   len(samples),
		Duration:   time.Since(start),
		Details:    fmt.Sprintf("mean=%.3f", mean),
	}, nil
}

// Power analysis thresholds.
const (
	minPowerSamples = 10
	powerBits       = 32
	highFraction    = 0.8
	lowFraction     = 0.2
	minTraceLen     = 32
	spikeTolerance  = 10
)

// PowerCorrelation reads a 32-bit key from hex power samples: a bit that
// is set in more than 80% of samples is 1, in fewer than 20% is 0, and
// anything in between is unknown and resolved to 0. Confidence scales with
// the resolved bits, 0.8 at most; any unknown bit marks the key partial.
type PowerCorrelation struct{}

func (PowerCorrelation) Method() Method { return MethodPowerCorrelation }

func (PowerCorrelation) Attempt(_ context.Context, ev Evidence) (*CrackedKey, error) {
	if len(ev.PowerSamples) < minPowerSamples {
		return nil, fmt.Errorf("%w: power correlation needs %d samples, got %d",
			ErrInsufficientSamples, minPowerSamples, len(ev.PowerSamples))
	}
	start := time.Now()
	words := make([]uint32, 0, len(ev.PowerSamples))
	for _, s := range ev.PowerSamples {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(s), "0x"), 16, 32)
		if err != nil {
			continue
		}
		words = append(words, uint32(v))
	}
	if len(words) < minPowerSamples {
		return nil, fmt.Errorf("%w: only %d parseable power samples", ErrInsufficientSamples, len(words))
	}

	bits := make([]bool, powerBits)
	known := 0
	for i := range bits {
		mask := uint32(1) << (powerBits - 1 - i)
		ones := 0
		for _, w := range words {
			if w&mask != 0 {
				ones++
			}
		}
		frac := float64(ones) / float64(len(words))
		switch {
		case frac > highFraction:
			bits[i] = true
			known++
		case frac < lowFraction:
			known++
		}
	}
	return &CrackedKey{
		Algorithm:  ev.Algorithm,
		Key:        packBits(bits),
		Bits:       powerBits,
		Confidence: float64(known) / powerBits * 0.8,
		Method:     MethodPowerCorrelation,
		Attempts:   len(words),
		Duration:   time.Since(start),
		Partial:    known < powerBits,
		Details:    fmt.Sprintf("known=%d/%d", known, powerBits),
	}, nil
}

// DifferentialPower finds spikes above mean+2σ in a power trace and sets
// each of 32 key bits whose expected position, spread evenly over the
// trace, has a spike within ±10 samples. A trace without spikes yields
// no key.
type DifferentialPower struct{}

func (DifferentialPower) Method() Method { return MethodDifferentialPower }

func (DifferentialPower) Attempt(_ context.Context, ev Evidence) (*CrackedKey, error) {
	trace := ev.PowerTrace
	n := len(trace)
	if n < minTraceLen {
		return nil, fmt.Errorf("%w: differential power needs %d trace points, got %d",
			ErrInsufficientSamples, minTraceLen, n)
	}
	start := time.Now()
	mean, std := meanStd(trace)
	threshold := mean + 2*std

	var spikes []int
	for i, v := range trace {
		if v <= threshold {
			continue
		}
		if (i == 0 || v >= trace[i-1]) && (i == n-1 || v >= trace[i+1]) {
			spikes = append(spikes, i)
		}
	}
	if len(spikes) == 0 {
		return nil, nil
	}

	bits := make([]bool, powerBits)
	for b := range bits {
		expected := b * n / powerBits
		for _, s := range spikes {
			if s >= expected-spikeTolerance && s <= expected+spikeTolerance {
				bits[b] = true
				break
			}
		}
	}
	return &CrackedKey{
		Algorithm:  ev.Algorithm,
		Key:        packBits(bits),
		Bits:       powerBits,
		Confidence: 0.5,
		Method:     MethodDifferentialPower,
		Attempts:   len(spikes),
		Duration:   time.Since(start),
		Details:    fmt.Sprintf("threshold=%.3f spikes=%d", threshold, len(spikes)),
	}, nil
}

func meanStd(xs []float64) (float64, float64) {
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	variance := 0.0
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(variance / float64(len(xs)))
}

// FaultInjection simulates a single-byte glitch on a known-good response
// and returns the XOR of the good and faulted responses as a key hint.
// The result is always partial and carries no confidence.
type FaultInjection struct {
	Seed uint64 // selects the faulted byte; runs with equal seeds agree
}

func (FaultInjection) Method() Method { return MethodFaultInjection }

func (f FaultInjection) Attempt(_ context.Context, ev Evidence) (*CrackedKey, error) {
	good := ev.KnownResponse
	if len(good) == 0 && len(ev.Pairs) > 0 {
		good = ev.Pairs[0].Response
	}
	if len(good) == 0 {
		return nil, fmt.Errorf("%w: fault injection needs a known-good response", ErrInsufficientSamples)
	}
	start := time.Now()
	rng := rand.New(rand.NewPCG(f.Seed, f.Seed^0xDA3E39CB94B95BDB))
	pos := rng.IntN(len(good))

	faulted := append([]byte(nil), good...)
	faulted[pos] ^= 0xFF

	hint := make([]byte, len(good))
	for i := range hint {
		hint[i] = good[i] ^ faulted[i]
	}
	var word uint32
	if len(hint) >= 4 {
		word = binary.BigEndian.Uint32(hint)
	}
	return &CrackedKey{
		Algorithm: ev.Algorithm,
		Key:       hint,
		Bits:      len(hint) * 8,
		Method:    MethodFaultInjection,
		Attempts:  1,
		Duration:  time.Since(start),
		Partial:   true,
		Details:   fmt.Sprintf("fault at byte %d, differential %08X", pos, word),
	}, nil
}
