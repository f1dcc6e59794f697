package main

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func (c *CLI) newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and purge audit events",
	}

	var (
		eventType, subject, registration, since string
		limit                                   int
	)
	query := &cobra.Command{
		Use:   "query",
		Short: "List recent audit events",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			q := url.Values{}
			setIf(q, "type", eventType)
			setIf(q, "subject", subject)
			setIf(q, "registration", registration)
			setIf(q, "since", since)
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/admin/audit"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			resp, err := c.get(path)
			if err != nil {
				return err
			}
			return c.prettyPrint(resp)
		},
	}
	query.Flags().StringVar(&eventType, "type", "", "comma separated event types")
	query.Flags().StringVar(&subject, "subject", "", "subject id")
	query.Flags().StringVar(&registration, "registration", "", "registration id")
	query.Flags().StringVar(&since, "since", "", "only events newer than this duration (e.g. 24h)")
	query.Flags().IntVar(&limit, "limit", 0, "maximum number of events")

	var olderThan string
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit events older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			resp, err := c.delete("/admin/audit?older_than=" + url.QueryEscape(olderThan))
			if err != nil {
				return err
			}
			return c.prettyPrint(resp)
		},
	}
	purge.Flags().StringVar(&olderThan, "older-than", "2160h", "retention period")

	cmd.AddCommand(query, purge)
	return cmd
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
