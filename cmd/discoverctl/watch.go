package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shm-discovery/bounded"
	"shm-discovery/discovery"
	"shm-discovery/service"
)

func newWatchCmd(c *cli) *cobra.Command {
	var (
		interval time.Duration
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "watch [SERVICE INSTANCE EVENT]",
		Short: "Print matching descriptions every time the registry changes",
		Args:  queryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseQuery(args)
			if err != nil {
				return err
			}
			cl, err := c.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cl.Close()

			out := cmd.OutOrStdout()
			sd := discovery.New(cl, discovery.WithLogger(c.logger))
			w := sd.Watch(q, func(found *bounded.Vector[service.Description]) {
				fmt.Fprintf(out, "# counter %d, %d match(es)\n", cl.LastCounter(), found.Len())
				if err := printDescriptions(out, found, asJSON); err != nil {
					c.logger.Warn("print results", zap.Error(err))
				}
			}, discovery.WithInterval(interval))

			if err := w.Run(cmd.Context()); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", discovery.DefaultWatchInterval, "how often to check the change counter")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print each result as a JSON array")
	return cmd
}
