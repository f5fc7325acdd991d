// Package security analyses immobilizer transponder and remote-key
// evidence. Attack strategies share one Strategy interface and run over
// byte sequences; the cipher they attack is an injected function, so the
// weak stand-in shipped here can be replaced without touching a strategy.
package security

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInsufficientSamples is returned when a strategy's preconditions
	// are not met by the evidence.
	ErrInsufficientSamples = errors.New("security: insufficient samples")
	// ErrInvalidEvidence is returned for evidence that contradicts its
	// algorithm, e.g. a response of the wrong length.
	ErrInvalidEvidence = errors.New("security: invalid evidence")
	// ErrUnknownAlgorithm is returned for an unrecognized algorithm tag.
	ErrUnknownAlgorithm = errors.New("security: unknown algorithm")
)

// Algorithm tags a transponder or remote-key cipher family.
type Algorithm string

const (
	Hitag2  Algorithm = "hitag2"
	KeeLoq  Algorithm = "keeloq"
	Megamos Algorithm = "megamos"
)

type algoSpec struct {
	keyLen  int // bytes
	respLen int // bytes
}

var algorithms = map[Algorithm]algoSpec{
	Hitag2:  {keyLen: 6, respLen: 4},
	KeeLoq:  {keyLen: 8, respLen: 4},
	Megamos: {keyLen: 12, respLen: 4},
}

// ParseAlgorithm validates an algorithm tag, ignoring case.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := algorithms[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
	return a, nil
}

// KeyLen is the key size in bytes.
func (a Algorithm) KeyLen() int { return algorithms[a].keyLen }

// ExpectedResponseLen is the response size in bytes.
func (a Algorithm) ExpectedResponseLen() int { return algorithms[a].respLen }

// Method tags the strategy that produced a key.
type Method string

const (
	MethodDictionary        Method = "dictionary"
	MethodBruteforce        Method = "bruteforce"
	MethodCorrelation       Method = "correlation"
	MethodMathematical      Method = "mathematical"
	MethodTiming            Method = "timing"
	MethodPowerCorrelation  Method = "power_correlation"
	MethodDifferentialPower Method = "differential_power"
	MethodFaultInjection    Method = "fault_injection"
)

// Pair is one challenge/response probe, with the response time in
// microseconds when it was measured. A zero Timing means not measured, and
// the pair is left out of timing analysis.
type Pair struct {
	Challenge []byte  `json:"challenge" yaml:"challenge"`
	Response  []byte  `json:"response" yaml:"response"`
	Timing    float64 `json:"timing,omitempty" yaml:"timing,omitempty"`
}

// Evidence is everything captured from one transponder or remote.
// Strategies use the parts they need and ignore the rest.
type Evidence struct {
	Algorithm     Algorithm `json:"algorithm" yaml:"algorithm"`
	Pairs         []Pair    `json:"pairs,omitempty" yaml:"pairs,omitempty"`
	TransponderID []byte    `json:"transponderId,omitempty" yaml:"transponder_id,omitempty"`
	FixedCode     uint32    `json:"fixedCode,omitempty" yaml:"fixed_code,omitempty"`
	Hops          []uint32  `json:"hops,omitempty" yaml:"hops,omitempty"`
	PowerSamples  []string  `json:"powerSamples,omitempty" yaml:"power_samples,omitempty"` // hex
	PowerTrace    []float64 `json:"powerTrace,omitempty" yaml:"power_trace,omitempty"`
	KnownResponse []byte    `json:"knownResponse,omitempty" yaml:"known_response,omitempty"`
}

// Validate checks the algorithm tag and that every response has the
// algorithm's expected length.
func (e Evidence) Validate() error {
	spec, ok := algorithms[e.Algorithm]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, e.Algorithm)
	}
	for i, p := range e.Pairs {
		if len(p.Response) != spec.respLen {
			return fmt.Errorf("%w: pair %d: %s response is %d bytes, want %d",
				ErrInvalidEvidence, i, e.Algorithm, len(p.Response), spec.respLen)
		}
	}
	return nil
}

// CrackedKey is the outcome of a successful attack. Partial results, such
// as a fault-injection hint, carry no confidence and must not be treated
// as a verified key.
type CrackedKey struct {
	Algorithm  Algorithm     `json:"algorithm" yaml:"algorithm"`
	Key        []byte        `json:"-" yaml:"-"`
	Bits       int           `json:"bits" yaml:"bits"`
	Confidence float64       `json:"confidence" yaml:"confidence"`
	Method     Method        `json:"method" yaml:"method"`
	Attempts   int           `json:"attempts" yaml:"attempts"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Partial    bool          `json:"partial" yaml:"partial"`
	Details    string        `json:"details,omitempty" yaml:"details,omitempty"`
}

// KeyHex is the key as uppercase hex.
func (k CrackedKey) KeyHex() string {
	return strings.ToUpper(hex.EncodeToString(k.Key))
}

// Strategy is one attack. Attempt returns (nil, nil) when the search ran
// to completion without a match and ErrInsufficientSamples when the
// evidence does not meet its preconditions. Implementations hold no
// mutable state and may run concurrently.
type Strategy interface {
	Method() Method
	Attempt(ctx context.Context, ev Evidence) (*CrackedKey, error)
}

// Cipher computes a transponder response for challenge under key.
type Cipher func(key, challenge []byte) []byte

// SimulatedCipher is a weak stand-in for the real transponder ciphers. It
// mixes key and challenge bytes into a 4-byte response.
func SimulatedCipher(key, challenge []byte) []byte {
	out := make([]byte, 4)
	for i := range out {
		var c, k byte
		if len(challenge) > 0 {
			c = challenge[i%len(challenge)]
		}
		if len(key) > 0 {
			k = key[i%len(key)]
		}
		out[i] = c ^ k ^ byte(i*0x1D)
	}
	return out
}

// RollingDecrypt recovers the plaintext of a rolling-code hop under a
// 64-bit manufacturer key.
type RollingDecrypt func(hop uint32, key uint64) uint32

// SimulatedDecrypt is a weak stand-in for KeeLoq decryption.
func SimulatedDecrypt(hop uint32, key uint64) uint32 {
	return hop ^ uint32(key) ^ uint32(key>>32)
}

// matches reports whether key reproduces every pair under cipher. A nil
// cipher means SimulatedCipher.
func matches(cipher Cipher, key []byte, pairs []Pair) bool {
	if cipher == nil {
		cipher = SimulatedCipher
	}
	for _, p := range pairs {
		if string(cipher(key, p.Challenge)) != string(p.Response) {
			return false
		}
	}
	return true
}

// padKey extends b with trailing zeros to n bytes.
func padKey(b []byte, n int) []byte {
	out := make([]byte, max(n, len(b)))
	copy(out, b)
	return out
}

// packBits packs bits MSB-first into ceil(len/8) bytes.
func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}
