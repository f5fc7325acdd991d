package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shaunagostinho/obdsec/internal/obd"
)

func newReadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read <pid>...",
		Short: "Read one or more Mode 01 PIDs",
		Example: `  obdsec read rpm speed
  obdsec --demo read 010C -o json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range args {
				if _, err := obd.Lookup(p); err != nil {
					return err
				}
			}
			sess, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Disconnect()

			readings := make([]obd.Reading, 0, len(args))
			for _, p := range args {
				r, err := sess.ReadPID(cmd.Context(), p)
				if err != nil {
					return err
				}
				readings = append(readings, r)
			}
			a.print(cmd, readings)
			return nil
		},
	}
}

type pidRow struct {
	Name        string `json:"name" yaml:"name"`
	Request     string `json:"request" yaml:"request"`
	Unit        string `json:"unit" yaml:"unit"`
	Description string `json:"description" yaml:"description"`
}

func newPIDsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pids",
		Short: "List the supported PIDs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []pidRow
			for _, p := range obd.PIDs() {
				rows = append(rows, pidRow{Name: p.Name, Request: p.Request(), Unit: p.Unit, Description: p.Description})
			}
			a.print(cmd, rows)
			return nil
		},
	}
}

func newDTCCmd(a *app) *cobra.Command {
	dtc := &cobra.Command{
		Use:   "dtc",
		Short: "Read or clear diagnostic trouble codes",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored trouble codes (Mode 03)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Disconnect()

			codes, err := sess.Client().ReadDTCs(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]string, len(codes))
			for i, c := range codes {
				out[i] = c.String()
			}
			a.print(cmd, out)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear stored trouble codes and freeze frame data (Mode 04)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.yes {
				ok, err := a.confirm(cmd, "Clear all stored DTCs and freeze frame data? [y/N]: ")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			sess, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Disconnect()

			cleared, err := sess.Client().ClearDTCs(cmd.Context())
			if err != nil {
				return err
			}
			if !cleared {
				return errors.New("ECU did not acknowledge the clear request")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Trouble codes cleared.")
			return nil
		},
	}

	dtc.AddCommand(listCmd, clearCmd)
	return dtc
}

// confirm asks a yes/no question. Without an injected reader it insists on
// an interactive terminal so scripts cannot clear codes by accident.
func (a *app) confirm(cmd *cobra.Command, prompt string) (bool, error) {
	in := a.stdin
	if in == nil {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return false, errors.New("refusing to prompt on a non-interactive terminal; pass --yes")
		}
		in = os.Stdin
	}
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "y"), nil
}

type vehicleInfo struct {
	VIN           string `json:"vin" yaml:"vin"`
	CalibrationID string `json:"calibrationId,omitempty" yaml:"calibration_id,omitempty"`
	ECUName       string `json:"ecuName,omitempty" yaml:"ecu_name,omitempty"`
}

func newVINCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "vin",
		Short: "Read the VIN and ECU identification (Mode 09)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Disconnect()

			c := sess.Client()
			vin, err := c.ReadVIN(cmd.Context())
			if err != nil {
				return err
			}
			info := vehicleInfo{VIN: vin}
			// Not every ECU answers the optional info types.
			info.CalibrationID, _ = c.ReadCalibrationID(cmd.Context())
			info.ECUName, _ = c.ReadECUName(cmd.Context())
			a.print(cmd, info)
			return nil
		},
	}
}
