package security

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// defaultDictionary holds factory and commonly reused keys per algorithm.
var defaultDictionary = map[Algorithm][]string{
	Hitag2: {
		"4D494B524F4E", // "MIKRON" transport key
		"000000000000",
		"FFFFFFFFFFFF",
		"524F43484B45",
		"0123456789AB",
	},
	KeeLoq: {
		"0000000000000000",
		"FFFFFFFFFFFFFFFF",
		"0123456789ABCDEF",
		"A5A5A5A5A5A5A5A5",
		"1122334455667788",
	},
	Megamos: {
		"000000000000000000000000",
		"FFFFFFFFFFFFFFFFFFFFFFFF",
		"0123456789ABCDEF01234567",
		"A5A5A5A5A5A5A5A5A5A5A5A5",
	},
}

// Dictionary tries a fixed list of known keys.
type Dictionary struct {
	Cipher Cipher
	// Keys overrides the built-in hex key lists.
	Keys map[Algorithm][]string
}

func (Dictionary) Method() Method { return MethodDictionary }

func (d Dictionary) Attempt(ctx context.Context, ev Evidence) (*CrackedKey, error) {
	if len(ev.Pairs) == 0 {
		return nil, fmt.Errorf("%w: dictionary needs a challenge/response pair", ErrInsufficientSamples)
	}
	keys := d.Keys
	if keys == nil {
		keys = defaultDictionary
	}
	start := time.Now()
	for i, kh := range keys[ev.Algorithm] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, err := hex.DecodeString(kh)
		if err != nil {
			continue
		}
		if matches(d.Cipher, key, ev.Pairs) {
			return &CrackedKey{
				Algorithm:  ev.Algorithm,
				Key:        key,
				Bits:       len(key) * 8,
				Confidence: 1.0,
				Method:     MethodDictionary,
				Attempts:   i + 1,
				Duration:   time.Since(start),
			}, nil
		}
	}
	return nil, nil
}

// DefaultBruteforceBound is the number of candidates Bruteforce tries.
const DefaultBruteforceBound = 100_000

// Bruteforce walks 32-bit candidates upward from Start. Each candidate
// fills the leading four key bytes; the rest of the key is zero.
type Bruteforce struct {
	Cipher Cipher
	Start  uint32
	Bound  int // zero uses DefaultBruteforceBound
}

func (Bruteforce) Method() Method { return MethodBruteforce }

func (b Bruteforce) Attempt(ctx context.Context, ev Evidence) (*CrackedKey, error) {
	if len(ev.Pairs) == 0 {
		return nil, fmt.Errorf("%w: bruteforce needs a challenge/response pair", ErrInsufficientSamples)
	}
	bound := b.Bound
	if bound <= 0 {
		bound = DefaultBruteforceBound
	}
	start := time.Now()
	var word [4]byte
	for i := 0; i < bound; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		cand := b.Start + uint32(i)
		binary.BigEndian.PutUint32(word[:], cand)
		key := padKey(word[:], ev.Algorithm.KeyLen())
		if matches(b.Cipher, key, ev.Pairs) {
			return &CrackedKey{
				Algorithm:  ev.Algorithm,
				Key:        key,
				Bits:       len(key) * 8,
				Confidence: 0.99,
				Method:     MethodBruteforce,
				Attempts:   i + 1,
				Duration:   time.Since(start),
				Details:    fmt.Sprintf("candidate %08X", cand),
			}, nil
		}
		if cand == ^uint32(0) {
			break
		}
	}
	return nil, nil
}

// manufacturerKeys are the leaked or default rolling-code keys tried by
// Correlation, in order.
var manufacturerKeys = []uint64{
	0x0000000000000000,
	0xFFFFFFFFFFFFFFFF,
	0x0123456789ABCDEF,
	0xA5A5A5A5A5A5A5A5,
	0x1122334455667788,
}

// Correlation attacks rolling-code hops: a manufacturer key is accepted
// when decrypting the first hop reproduces the leading 16 bits of the
// transmitter's fixed code.
type Correlation struct {
	Decrypt RollingDecrypt
	// Keys overrides the built-in manufacturer key list.
	Keys []uint64
}

func (Correlation) Method() Method { return MethodCorrelation }

func (c Correlation) Attempt(ctx context.Context, ev Evidence) (*CrackedKey, error) {
	if len(ev.Hops) < 2 {
		return nil, fmt.Errorf("%w: correlation needs 2 hops, got %d", ErrInsufficientSamples, len(ev.Hops))
	}
	keys := c.Keys
	if keys == nil {
		keys = manufacturerKeys
	}
	decrypt := c.Decrypt
	if decrypt == nil {
		decrypt = SimulatedDecrypt
	}
	increment := int64(ev.Hops[1]) - int64(ev.Hops[0])
	want := fmt.Sprintf("%08X", ev.FixedCode)[:4]
	start := time.Now()
	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plain := decrypt(ev.Hops[0], k)
		if fmt.Sprintf("%08X", plain)[:4] != want {
			continue
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, k)
		return &CrackedKey{
			Algorithm:  ev.Algorithm,
			Key:        key,
			Bits:       64,
			Confidence: 0.95,
			Method:     MethodCorrelation,
			Attempts:   i + 1,
			Duration:   time.Since(start),
			Details:    fmt.Sprintf("increment=%d decrypted=%08X", increment, plain),
		}, nil
	}
	return nil, nil
}

// WeakDerivation is the id-to-key function used by poorly provisioned
// transponders: each key byte is the matching id byte rotated left by one
// and XORed with 0x5A.
func WeakDerivation(id []byte, keyLen int) []byte {
	key := make([]byte, keyLen)
	if len(id) == 0 {
		return key
	}
	for i := range key {
		b := id[i%len(id)]
		key[i] = (b<<1 | b>>7) ^ 0x5A
	}
	return key
}

// Mathematical derives the key from the transponder id and keeps it only
// if it reproduces the observed responses.
type Mathematical struct {
	Cipher Cipher
}

func (Mathematical) Method() Method { return MethodMathematical }

func (m Mathematical) Attempt(_ context.Context, ev Evidence) (*CrackedKey, error) {
	if len(ev.TransponderID) == 0 || len(ev.Pairs) == 0 {
		return nil, fmt.Errorf("%w: mathematical needs a transponder id and a pair", ErrInsufficientSamples)
	}
	start := time.Now()
	key := WeakDerivation(ev.TransponderID, ev.Algorithm.KeyLen())
	if !matches(m.Cipher, key, ev.Pairs) {
		return nil, nil
	}
	return &CrackedKey{
		Algorithm:  ev.Algorithm,
		Key:        key,
		Bits:       len(key) * 8,
		Confidence: 0.90,
		Method:     MethodMathematical,
		Attempts:   1,
		Duration:   time.Since(start),
		Details:    "weak id derivation",
	}, nil
}
