package security

import (
	"fmt"
	"math"
)

// Pattern is the progression detected in a rolling-code sequence.
type Pattern string

const (
	PatternLinear         Pattern = "linear"
	PatternMultiplicative Pattern = "multiplicative"
	PatternXOR            Pattern = "xor"
	PatternNotFound       Pattern = "not_found"
)

// ratioTolerance is how far consecutive ratios may drift for a
// multiplicative match.
const ratioTolerance = 0.01

// Prediction is the outcome of PredictNext. Next is only meaningful when
// Pattern is not PatternNotFound.
type Prediction struct {
	Pattern Pattern `json:"pattern" yaml:"pattern"`
	Next    uint64  `json:"next" yaml:"next"`
	Step    int64   `json:"step,omitempty" yaml:"step,omitempty"`
	Ratio   float64 `json:"ratio,omitempty" yaml:"ratio,omitempty"`
	XOR     uint64  `json:"xor,omitempty" yaml:"xor,omitempty"`
}

// Found reports whether a pattern was detected.
func (p Prediction) Found() bool { return p.Pattern != PatternNotFound }

// PredictNext tests linear, multiplicative and XOR progressions in that
// order and predicts the code after the last one. A falling linear
// sequence whose next code would be negative does not count as linear. No fit is reported as
// PatternNotFound, not as an error.
func PredictNext(codes []uint64) (Prediction, error) {
	if len(codes) < 3 {
		return Prediction{}, fmt.Errorf("%w: rolling-code prediction needs 3 codes, got %d", ErrInsufficientSamples, len(codes))
	}
	last := codes[len(codes)-1]

	if step, ok := commonDifference(codes); ok && (step >= 0 || uint64(-step) <= last) {
		return Prediction{Pattern: PatternLinear, Next: uint64(int64(last) + step), Step: step}, nil
	}
	if ratio, ok := commonRatio(codes); ok {
		return Prediction{Pattern: PatternMultiplicative, Next: uint64(math.Floor(float64(last) * ratio)), Ratio: ratio}, nil
	}
	if x, ok := commonXOR(codes); ok {
		return Prediction{Pattern: PatternXOR, Next: last ^ x, XOR: x}, nil
	}
	return Prediction{Pattern: PatternNotFound}, nil
}

func commonDifference(codes []uint64) (int64, bool) {
	d := int64(codes[1] - codes[0])
	for i := 2; i < len(codes); i++ {
		if int64(codes[i]-codes[i-1]) != d {
			return 0, false
		}
	}
	return d, true
}

// commonRatio returns the mean ratio when every consecutive ratio is
// within ratioTolerance of the first.
func commonRatio(codes []uint64) (float64, bool) {
	for _, c := range codes {
		if c == 0 {
			return 0, false
		}
	}
	first := float64(codes[1]) / float64(codes[0])
	sum := 0.0
	for i := 1; i < len(codes); i++ {
		r := float64(codes[i]) / float64(codes[i-1])
		if math.Abs(r-first) > ratioTolerance {
			return 0, false
		}
		sum += r
	}
	return sum / float64(len(codes)-1), true
}

func commonXOR(codes []uint64) (uint64, bool) {
	x := codes[0] ^ codes[1]
	for i := 2; i < len(codes); i++ {
		if codes[i-1]^codes[i] != x {
			return 0, false
		}
	}
	return x, true
}

// RollingCodeSequence is the observed code history of one remote.
type RollingCodeSequence struct {
	FixedCode uint32   `json:"fixedCode" yaml:"fixed_code"`
	Codes     []uint64 `json:"codes" yaml:"codes"`
	Pattern   Pattern  `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// Predict runs PredictNext over the sequence and records the pattern.
func (s *RollingCodeSequence) Predict() (Prediction, error) {
	p, err := PredictNext(s.Codes)
	if err != nil {
		return p, err
	}
	s.Pattern = p.Pattern
	return p, nil
}
