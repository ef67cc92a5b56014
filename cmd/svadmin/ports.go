package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/p69180/svadmin/pkg/ports"
)

func newPortsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect network ports on this node",
	}

	used := &cobra.Command{
		Use:   "used",
		Short: "List open ports grouped by user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.warnIfUnprivileged("sockets of other users may be missing")
			conns, err := ports.NewLister(a.logger).Used(cmd.Context())
			if err != nil {
				return err
			}
			return ports.WriteUsed(cmd.OutOrStdout(), conns)
		},
	}

	var count int
	free := &cobra.Command{
		Use:   "free",
		Short: "Print unused unprivileged ports from the local port range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lo, hi, err := ports.LocalPortRange()
			if err != nil {
				return err
			}
			conns, err := ports.NewLister(a.logger).Used(cmd.Context())
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
			picked, err := ports.FreePorts(conns, lo, hi, count, rng)
			if err != nil {
				return err
			}
			for _, p := range picked {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	free.Flags().IntVarP(&count, "count", "n", 1, "number of ports to print")

	cmd.AddCommand(used, free)
	return cmd
}
