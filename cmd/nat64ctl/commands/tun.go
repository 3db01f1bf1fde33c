package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/tunio"
)

func mktunCmd() *cobra.Command {
	var uid, gid int

	cmd := &cobra.Command{
		Use:   "mktun <interface>",
		Short: "Create a persistent TUN interface for the translator to use",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := tunio.Mktun(args[0], uid, gid); err != nil {
				return crashf(fmt.Errorf("mktun %s: %w", args[0], err))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&uid, "uid", -1, "chown the interface to this uid (-1 leaves it unchanged)")
	cmd.Flags().IntVar(&gid, "gid", -1, "chown the interface to this gid (-1 leaves it unchanged)")

	return cmd
}

func rmtunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rmtun <interface>",
		Short: "Remove a persistent TUN interface created with mktun",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := tunio.Rmtun(args[0]); err != nil {
				return crashf(fmt.Errorf("rmtun %s: %w", args[0], err))
			}
			return nil
		},
	}
}
