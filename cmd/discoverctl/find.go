package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"shm-discovery/bounded"
	"shm-discovery/discovery"
	"shm-discovery/service"
)

func newFindCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "find [SERVICE INSTANCE EVENT]",
		Short: "List offered descriptions matching a query",
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

			found, err := discovery.New(cl, discovery.WithLogger(c.logger)).Find(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("find %s: %w", q, err)
			}
			return printDescriptions(cmd.OutOrStdout(), found, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON array")
	return cmd
}

type jsonDescription struct {
	Service  string `json:"service"`
	Instance string `json:"instance"`
	Event    string `json:"event"`
}

func printDescriptions(w io.Writer, found *bounded.Vector[service.Description], asJSON bool) error {
	if asJSON {
		out := make([]jsonDescription, 0, found.Len())
		for d := range found.All() {
			out = append(out, jsonDescription{d.Service().String(), d.Instance().String(), d.Event().String()})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	for d := range found.All() {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", d.Service(), d.Instance(), d.Event()); err != nil {
			return err
		}
	}
	return nil
}
