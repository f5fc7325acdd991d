package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/obdsec/internal/transport"
)

type deviceRow struct {
	Kind         string `json:"kind" yaml:"kind"`
	Capabilities string `json:"capabilities" yaml:"capabilities"`
	Info         string `json:"info" yaml:"info"`
}

func newDevicesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Detect attached RF and transponder tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			found := a.newSession().DetectDevices(cmd.Context())
			rows := make([]deviceRow, len(found))
			for i, d := range found {
				rows[i] = deviceRow{Kind: string(d.Kind), Capabilities: d.Capabilities.String(), Info: d.Info}
			}
			a.print(cmd, rows)
			return nil
		},
	}

	clone := &cobra.Command{
		Use:   "clone <tag-id>",
		Short: "Write a tag id to a blank transponder with the detected tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess := a.newSession()
			if len(sess.DetectDevices(cmd.Context())) == 0 {
				return fmt.Errorf("clone: no device detected")
			}
			res, err := sess.Clone(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.Output != "" {
				fmt.Fprintln(cmd.OutOrStdout(), res.Output)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cloned %s.\n", args[0])
			return nil
		},
	}
	cmd.AddCommand(clone)
	return cmd
}

func newPortsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports for ELM327 adapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			a.print(cmd, ports)
			return nil
		},
	}
}
