package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

func (c *CLI) newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "client",
		Aliases: []string{"clients"},
		Short:   "Manage OAuth2 client registrations",
	}

	var all bool
	invalidate := &cobra.Command{
		Use:   "invalidate [registration-id]",
		Short: "Drop cached registrations so the next login reloads them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var path string
			switch {
			case all && len(args) == 0:
				path = "/admin/clients/invalidate"
			case !all && len(args) == 1:
				path = "/admin/clients/" + url.PathEscape(args[0]) + "/invalidate"
			default:
				return fmt.Errorf("pass exactly one of a registration id or --all")
			}
			resp, err := c.post(path, nil)
			if err != nil {
				return err
			}
			return c.prettyPrint(resp)
		},
	}
	invalidate.Flags().BoolVar(&all, "all", false, "invalidate every registration")

	var file string
	apply := &cobra.Command{
		Use:   "apply <registration-id> -f config.json",
		Short: "Create or replace a client configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			resp, err := c.put("/admin/clients/"+url.PathEscape(args[0]), body)
			if err != nil {
				return err
			}
			return c.prettyPrint(resp)
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "JSON client configuration")
	_ = apply.MarkFlagRequired("file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored client configurations",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				resp, err := c.get("/admin/clients")
				if err != nil {
					return err
				}
				return c.prettyPrint(resp)
			},
		},
		invalidate,
		&cobra.Command{
			Use:   "preload",
			Short: "Load every enabled registration into the server's cache",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				resp, err := c.post("/admin/clients/preload", nil)
				if err != nil {
					return err
				}
				return c.prettyPrint(resp)
			},
		},
		apply,
	)
	return cmd
}
