package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"shm-discovery/discovery"
	"shm-discovery/service"
)

func newOfferCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "offer SERVICE INSTANCE EVENT",
		Short: "Offer a description until interrupted",
		Long: `Offer a description and hold it until interrupted.

The daemon withdraws the offer when the connection closes, so the
description disappears when discoverctl exits, however it exits.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := service.NewDescription(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			cl, err := c.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cl.Close()

			sd := discovery.New(cl, discovery.WithLogger(c.logger))
			if err := sd.OfferService(cmd.Context(), d); err != nil {
				return fmt.Errorf("offer %s: %w", d, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "offered %s\n", d)

			<-cmd.Context().Done()
			// The command context is gone; the withdrawal gets its own timeout.
			if err := sd.StopOfferService(context.WithoutCancel(cmd.Context()), d); err != nil {
				return fmt.Errorf("stop offer %s: %w", d, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "withdrawn %s\n", d)
			return nil
		},
	}
}
