package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCounterCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "counter",
		Short: "Print the registry change counter",
		Long: `Print the registry change counter.

With --counter-file the value is read from the daemon's mapped file
without a request.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cl.Close()

			n, err := cl.ChangeCounter(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}
