package obd

import (
	"fmt"
	"iter"
	"strconv"
	"strings"
)

// DTC is one diagnostic trouble code, e.g. P0123.
type DTC struct {
	Prefix string `json:"prefix"` // P, C, B or U
	Code   string `json:"code"`   // four hex digits
}

func (d DTC) String() string {
	return d.Prefix + d.Code
}

// MarshalText renders the code as "P0123".
func (d DTC) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// How the two response bytes map to a code:
//
//	A7..A6  system letter  P C B U
//	A5..A4  first digit    0..3
//	A3..A0  second digit   0..F
//	B       last two digits as hex
const systems = "PCBU"

// DecodeDTC decodes the byte pair (a, b).
func DecodeDTC(a, b byte) DTC {
	return DTC{
		Prefix: string(systems[(a&0xC0)>>6]),
		Code:   fmt.Sprintf("%d%X%02X", (a&0x30)>>4, a&0x0F, b),
	}
}

// EncodeDTC is the inverse of DecodeDTC.
func EncodeDTC(d DTC) (a, b byte, err error) {
	sys := strings.Index(systems, strings.ToUpper(d.Prefix))
	if len(d.Prefix) != 1 || sys < 0 {
		return 0, 0, fmt.Errorf("%w: dtc prefix %q", ErrParse, d.Prefix)
	}
	if len(d.Code) != 4 {
		return 0, 0, fmt.Errorf("%w: dtc code %q", ErrParse, d.Code)
	}
	d1, err := strconv.ParseUint(d.Code[:1], 10, 8)
	if err != nil || d1 > 3 {
		return 0, 0, fmt.Errorf("%w: dtc code %q", ErrParse, d.Code)
	}
	d2, err := strconv.ParseUint(d.Code[1:2], 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: dtc code %q", ErrParse, d.Code)
	}
	d34, err := strconv.ParseUint(d.Code[2:], 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: dtc code %q", ErrParse, d.Code)
	}
	return byte(sys)<<6 | byte(d1)<<4 | byte(d2), byte(d34), nil
}

// ParseDTC parses a code string such as "P0123".
func ParseDTC(s string) (DTC, error) {
	s = strings.TrimSpace(s)
	if len(s) != 5 {
		return DTC{}, fmt.Errorf("%w: dtc %q", ErrParse, s)
	}
	d := DTC{Prefix: strings.ToUpper(s[:1]), Code: strings.ToUpper(s[1:])}
	if _, _, err := EncodeDTC(d); err != nil {
		return DTC{}, err
	}
	return d, nil
}

// ParseDTCs decodes a Mode 03 response. The response must start with the
// 43 echo byte; NO DATA yields an empty sequence. The sequence walks the
// byte pairs after the echo in order, stops at the first 00 00 pair and
// ignores a trailing odd byte. It can be ranged over any number of times.
func ParseDTCs(raw string) (iter.Seq[DTC], error) {
	if strings.Contains(normalize(raw), "NODATA") {
		return func(func(DTC) bool) {}, nil
	}
	b, ok := responseBytes(raw)
	if !ok || len(b) == 0 || b[0] != 0x43 {
		return nil, fmt.Errorf("%w: no 43 header in %q", ErrParse, raw)
	}
	pairs := b[1:]
	return func(yield func(DTC) bool) {
		for i := 0; i+1 < len(pairs); i += 2 {
			if pairs[i] == 0 && pairs[i+1] == 0 {
				return
			}
			if !yield(DecodeDTC(pairs[i], pairs[i+1])) {
				return
			}
		}
	}, nil
}
