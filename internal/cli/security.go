package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obdsec/internal/security"
)

// evidenceFile is the on-disk evidence format. Byte fields are hex
// strings; JSON files parse too since JSON is valid YAML.
type evidenceFile struct {
	Algorithm     string      `yaml:"algorithm"`
	Pairs         []pairEntry `yaml:"pairs"`
	TransponderID string      `yaml:"transponder_id"`
	FixedCode     string      `yaml:"fixed_code"`
	Hops          []string    `yaml:"hops"`
	PowerSamples  []string    `yaml:"power_samples"`
	PowerTrace    []float64   `yaml:"power_trace"`
	KnownResponse string      `yaml:"known_response"`
}

type pairEntry struct {
	Challenge string  `yaml:"challenge"`
	Response  string  `yaml:"response"`
	Timing    float64 `yaml:"timing"` // microseconds
}

func decodeHex(field, s string) ([]byte, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return b, nil
}

func parseHex32(field, s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return uint32(v), nil
}

// loadEvidence reads and converts an evidence file.
func loadEvidence(path string) (security.Evidence, error) {
	var ev security.Evidence
	data, err := os.ReadFile(path)
	if err != nil {
		return ev, err
	}
	var f evidenceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ev, fmt.Errorf("parse %s: %w", path, err)
	}

	if ev.Algorithm, err = security.ParseAlgorithm(f.Algorithm); err != nil {
		return ev, err
	}
	for i, p := range f.Pairs {
		ch, err := decodeHex(fmt.Sprintf("pairs[%d].challenge", i), p.Challenge)
		if err != nil {
			return ev, err
		}
		resp, err := decodeHex(fmt.Sprintf("pairs[%d].response", i), p.Response)
		if err != nil {
			return ev, err
		}
		ev.Pairs = append(ev.Pairs, security.Pair{Challenge: ch, Response: resp, Timing: p.Timing})
	}
	if ev.TransponderID, err = decodeHex("transponder_id", f.TransponderID); err != nil {
		return ev, err
	}
	if ev.KnownResponse, err = decodeHex("known_response", f.KnownResponse); err != nil {
		return ev, err
	}
	if f.FixedCode != "" {
		if ev.FixedCode, err = parseHex32("fixed_code", f.FixedCode); err != nil {
			return ev, err
		}
	}
	for i, h := range f.Hops {
		hop, err := parseHex32(fmt.Sprintf("hops[%d]", i), h)
		if err != nil {
			return ev, err
		}
		ev.Hops = append(ev.Hops, hop)
	}
	ev.PowerSamples = f.PowerSamples
	ev.PowerTrace = f.PowerTrace
	return ev, nil
}

type keyRow struct {
	Method     security.Method `json:"method" yaml:"method"`
	Key        string          `json:"key" yaml:"key"`
	Bits       int             `json:"bits" yaml:"bits"`
	Confidence float64         `json:"confidence" yaml:"confidence"`
	Partial    bool            `json:"partial" yaml:"partial"`
	Attempts   int             `json:"attempts" yaml:"attempts"`
	Details    string          `json:"details,omitempty" yaml:"details,omitempty"`
}

func toKeyRow(k security.CrackedKey) keyRow {
	return keyRow{
		Method:     k.Method,
		Key:        k.KeyHex(),
		Bits:       k.Bits,
		Confidence: k.Confidence,
		Partial:    k.Partial,
		Attempts:   k.Attempts,
		Details:    k.Details,
	}
}

var errNoKey = errors.New("no key recovered")

func newCrackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "crack <evidence-file>",
		Short: "Run the attack strategies over captured transponder evidence",
		Long: `Run every attack strategy, strongest first, over a YAML or JSON evidence
file until one recovers a complete key. Partial results are listed as hints
and strategies whose inputs are missing are reported as skipped.

Evidence file fields: algorithm (hitag2, keeloq, megamos), pairs
(challenge, response, timing), transponder_id, fixed_code, hops,
power_samples, power_trace, known_response. Byte values are hex.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := loadEvidence(args[0])
			if err != nil {
				return err
			}
			rep, err := a.newSession().Crack(cmd.Context(), ev)
			if err != nil {
				return err
			}

			for _, s := range rep.Skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %s\n", s.Method, s.Reason)
			}
			var rows []keyRow
			if rep.Key != nil {
				rows = append(rows, toKeyRow(*rep.Key))
			}
			for _, h := range rep.Hints {
				rows = append(rows, toKeyRow(h))
			}
			if len(rows) > 0 {
				a.print(cmd, rows)
			}
			if rep.Key == nil {
				return fmt.Errorf("%w after %d strategies", errNoKey, len(rep.Attempted))
			}
			return nil
		},
	}
}

func newPredictCmd(a *app) *cobra.Command {
	var fixed string
	cmd := &cobra.Command{
		Use:   "predict <code> <code> <code>...",
		Short: "Predict the next rolling code from observed codes",
		Long: `Test the observed codes for a linear, multiplicative or XOR progression
and print the next code. Codes are decimal, or hex with a 0x prefix.`,
		Example: "  obdsec predict 100 110 120\n  obdsec predict 0xA5 0x5A 0xA5",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq := &security.RollingCodeSequence{}
			if fixed != "" {
				v, err := parseHex32("fixed", fixed)
				if err != nil {
					return err
				}
				seq.FixedCode = v
			}
			for _, s := range args {
				c, err := strconv.ParseUint(s, 0, 64)
				if err != nil {
					return fmt.Errorf("code %q: %w", s, err)
				}
				seq.Codes = append(seq.Codes, c)
			}
			p, err := a.newSession().Predict(seq)
			if err != nil {
				return err
			}
			a.print(cmd, p)
			return nil
		},
	}
	cmd.Flags().StringVar(&fixed, "fixed", "", "fixed (serial) part of the remote's code, hex")
	return cmd
}
