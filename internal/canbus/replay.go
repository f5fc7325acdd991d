package canbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"
)

// DelayFunc returns how long to wait between sending prev and next.
type DelayFunc func(prev, next Frame) time.Duration

// TimestampDelay reproduces the gap between the captured timestamps.
// Out-of-order timestamps give no delay.
func TimestampDelay(prev, next Frame) time.Duration {
	gap := next.Timestamp - prev.Timestamp
	if gap <= 0 {
		return 0
	}
	return time.Duration(gap * float64(time.Second))
}

// FixedDelay returns a DelayFunc that always waits d.
func FixedDelay(d time.Duration) DelayFunc {
	return func(Frame, Frame) time.Duration { return d }
}

// Replay sends frames in order, waiting delay(prev, next) before each one
// after the first. A nil delay uses TimestampDelay. Cancellation stops the
// replay before the next frame; the number of frames sent is returned.
func Replay(ctx context.Context, s Sender, frames []Frame, delay DelayFunc) (int, error) {
	if delay == nil {
		delay = TimestampDelay
	}
	sent := 0
	for i, f := range frames {
		if i > 0 {
			if err := sleep(ctx, delay(frames[i-1], f)); err != nil {
				return sent, err
			}
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := s.SendFrame(ctx, f); err != nil {
			return sent, fmt.Errorf("canbus: replay frame %d: %w", i, err)
		}
		sent++
	}
	log.Printf("[canbus] replayed %d frames", sent)
	return sent, nil
}

// FuzzOptions tunes Fuzz.
type FuzzOptions struct {
	Interface string        // default "can0"
	Interval  time.Duration // pause between frames, default 10ms
	MaxFrames int           // stop after this many frames, 0 for no limit
	Seed      uint64        // PRNG seed; 0 seeds from the clock
	// Rand overrides the PRNG built from Seed.
	Rand *rand.Rand
}

// ErrInvalidRange is returned by Fuzz for an empty or oversized id range.
var ErrInvalidRange = errors.New("canbus: invalid id range")

// Fuzz sends frames with random ids drawn from [lo, hi] and random payloads
// of 0 to 8 bytes until duration elapses, MaxFrames is reached or ctx is
// canceled. It returns the number of frames sent.
func Fuzz(ctx context.Context, s Sender, lo, hi uint32, duration time.Duration, opts FuzzOptions) (int, error) {
	if lo > hi || hi > maxExtID {
		return 0, fmt.Errorf("%w: 0x%X-0x%X", ErrInvalidRange, lo, hi)
	}
	if opts.Interface == "" {
		opts.Interface = "can0"
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Millisecond
	}
	rng := opts.Rand
	if rng == nil {
		seed := opts.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		rng = rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	}

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	sent := 0
	for opts.MaxFrames == 0 || sent < opts.MaxFrames {
		id := lo + uint32(rng.Uint64N(uint64(hi-lo)+1))
		data := make([]byte, rng.IntN(maxLen+1))
		for i := range data {
			data[i] = byte(rng.UintN(256))
		}
		f := NewFrame(opts.Interface, id, data)
		f.Timestamp = float64(time.Now().UnixNano()) / 1e9
		if err := s.SendFrame(ctx, f); err != nil {
			if ctx.Err() != nil {
				break
			}
			return sent, fmt.Errorf("canbus: fuzz: %w", err)
		}
		sent++
		if sleep(ctx, opts.Interval) != nil {
			break
		}
	}
	log.Printf("[canbus] fuzzed %d frames in 0x%X-0x%X", sent, lo, hi)
	return sent, nil
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
