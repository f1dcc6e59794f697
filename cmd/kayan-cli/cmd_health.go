package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *CLI) newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "health [live|ready|full]",
		Short:     "Check server health",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"live", "ready", "full"},
		RunE: func(_ *cobra.Command, args []string) error {
			sub := "full"
			if len(args) > 0 {
				sub = args[0]
			}

			var path string
			switch sub {
			case "live":
				path = "/healthz"
			case "ready":
				path = "/ready"
			case "full":
				path = "/health"
			default:
				return fmt.Errorf("unknown health check: %s", sub)
			}

			resp, err := c.get(path)
			if err != nil {
				return err
			}
			return c.prettyPrint(resp)
		},
	}
}
