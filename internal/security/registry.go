package security

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// Registry runs strategies in priority order.
type Registry struct {
	strategies []Strategy
}

// NewRegistry returns the default strategy set, strongest first:
// dictionary, bruteforce, correlation, mathematical, timing, power
// correlation, differential power, fault injection. Nil functions fall back
// to the simulated cipher and decrypt.
func NewRegistry(cipher Cipher, decrypt RollingDecrypt) *Registry {
	return NewRegistryWithOptions(Options{Cipher: cipher, Decrypt: decrypt})
}

// Options tunes the default strategy set.
type Options struct {
	Cipher          Cipher
	Decrypt         RollingDecrypt
	ExtraKeys       []string // hex keys tried before the built-in dictionary
	BruteforceBound int
	FaultSeed       uint64
}

// NewRegistryWithOptions returns the default strategy set configured by o.
func NewRegistryWithOptions(o Options) *Registry {
	if o.Cipher == nil {
		o.Cipher = SimulatedCipher
	}
	if o.Decrypt == nil {
		o.Decrypt = SimulatedDecrypt
	}
	return &Registry{strategies: []Strategy{
		Dictionary{Cipher: o.Cipher, Keys: mergeKeys(o.ExtraKeys)},
		Bruteforce{Cipher: o.Cipher, Bound: o.BruteforceBound},
		Correlation{Decrypt: o.Decrypt},
		Mathematical{Cipher: o.Cipher},
		Timing{},
		PowerCorrelation{},
		DifferentialPower{},
		FaultInjection{Seed: o.FaultSeed},
	}}
}

// mergeKeys files each extra key under the algorithms whose key length it
// matches, ahead of the built-in keys. It returns nil when extra is empty.
func mergeKeys(extra []string) map[Algorithm][]string {
	if len(extra) == 0 {
		return nil
	}
	keys := make(map[Algorithm][]string, len(defaultDictionary))
	for a, spec := range algorithms {
		for _, k := range extra {
			if len(k) == spec.keyLen*2 {
				keys[a] = append(keys[a], strings.ToUpper(k))
			}
		}
		keys[a] = append(keys[a], defaultDictionary[a]...)
	}
	return keys
}

// NewCustomRegistry runs exactly the given strategies in order.
func NewCustomRegistry(strategies ...Strategy) *Registry {
	return &Registry{strategies: strategies}
}

// Strategies returns the strategies in priority order.
func (r *Registry) Strategies() []Strategy {
	return append([]Strategy(nil), r.strategies...)
}

// Lookup returns the strategy for method.
func (r *Registry) Lookup(m Method) (Strategy, bool) {
	for _, s := range r.strategies {
		if s.Method() == m {
			return s, true
		}
	}
	return nil, false
}

// Skip records a strategy whose preconditions were not met.
type Skip struct {
	Method Method `json:"method" yaml:"method"`
	Reason string `json:"reason" yaml:"reason"`
}

// Report is the outcome of Crack.
type Report struct {
	Key       *CrackedKey  `json:"key,omitempty" yaml:"key,omitempty"`
	Hints     []CrackedKey `json:"hints,omitempty" yaml:"hints,omitempty"`
	Skipped   []Skip       `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Attempted []Method     `json:"attempted" yaml:"attempted"`
}

// Crack validates ev and tries each strategy until one yields a complete
// key. Partial results are kept as hints; strategies whose preconditions
// fail are recorded and skipped. An empty Report.Key with a nil error
// means every strategy was exhausted.
func (r *Registry) Crack(ctx context.Context, ev Evidence) (Report, error) {
	var rep Report
	if err := ev.Validate(); err != nil {
		return rep, err
	}
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		m := s.Method()
		rep.Attempted = append(rep.Attempted, m)
		key, err := s.Attempt(ctx, ev)
		switch {
		case errors.Is(err, ErrInsufficientSamples) || errors.Is(err, ErrInvalidEvidence):
			rep.Skipped = append(rep.Skipped, Skip{Method: m, Reason: err.Error()})
			continue
		case err != nil:
			return rep, fmt.Errorf("security: %s: %w", m, err)
		case key == nil:
			continue
		case key.Partial:
			rep.Hints = append(rep.Hints, *key)
			continue
		}
		log.Printf("[security] %s key recovered by %s after %d attempts (confidence %.2f)",
			ev.Algorithm, m, key.Attempts, key.Confidence)
		rep.Key = key
		return rep, nil
	}
	log.Printf("[security] %s: no key after %d strategies (%d hints)", ev.Algorithm, len(rep.Attempted), len(rep.Hints))
	return rep, nil
}
