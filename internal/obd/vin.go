package obd

import (
	"fmt"
	"strings"
)

// ParseVIN decodes a Mode 09 PID 02 response.
func ParseVIN(raw string) (string, error) {
	return ParseInfo(0x02, raw)
}

// ParseInfo decodes an ASCII Mode 09 response for infoType (02 VIN,
// 04 calibration id, 0A ECU name). Line indices and every "49 <type> <n>"
// echo are removed, the remaining hex pairs become characters, and only
// printable ASCII is kept.
func ParseInfo(infoType byte, raw string) (string, error) {
	b, ok := responseBytes(raw)
	if !ok {
		return "", fmt.Errorf("%w: unreadable mode 09 response %q", ErrParse, raw)
	}
	start := -1
	for i := 0; i+1 < len(b); i++ {
		if b[i] == 0x49 && b[i+1] == infoType {
			start = i
			break
		}
	}
	if start < 0 {
		return "", fmt.Errorf("%w: no 49 %02X header in %q", ErrParse, infoType, raw)
	}

	var sb strings.Builder
	for i := start; i < len(b); {
		if i+2 < len(b) && b[i] == 0x49 && b[i+1] == infoType {
			i += 3
			continue
		}
		if c := b[i]; c >= 32 && c <= 126 {
			sb.WriteByte(c)
		}
		i++
	}
	return strings.TrimSpace(sb.String()), nil
}
