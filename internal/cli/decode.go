package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

func newDecodeCmd() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "decode NAME...",
		Short: "Decode matched named queries into indicator id, index and mapping entry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := make([]ir.Provenance, 0, len(args))
			for _, name := range args {
				p, err := ir.DecodeNamedQuery(name)
				if err != nil {
					return fmt.Errorf("decode %q: %w", name, err)
				}
				out = append(out, p)
			}
			return printJSON(cmd, out, pretty)
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent JSON output")
	return cmd
}
