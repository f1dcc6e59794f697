package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

func (c *CLI) newQRCodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qrcode",
		Short: "Inspect QR login sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "state <scene>",
			Short: "Show a session without consuming its login result",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				resp, err := c.get("/admin/qrcode/" + url.PathEscape(args[0]))
				if err != nil {
					return err
				}
				return c.prettyPrint(resp)
			},
		},
		&cobra.Command{
			Use:   "cancel <scene>",
			Short: "Cancel a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				resp, err := c.delete("/oauth2/qrcode/" + url.PathEscape(args[0]))
				if err != nil {
					return err
				}
				return c.prettyPrint(resp)
			},
		},
	)
	return cmd
}
