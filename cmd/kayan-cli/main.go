package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	cli := &CLI{
		Client: &http.Client{Timeout: 30 * time.Second},
		Out:    out,
	}

	root := &cobra.Command{
		Use:   "kayan-cli",
		Short: "Administer a Kayan Connect server",
		Long: `kayan-cli talks to the admin API of a Kayan Connect server.

Environment Variables:
  KAYAN_URL    Base URL of the server (default: http://localhost:8080)
  KAYAN_TOKEN  Admin token (ADMIN_TOKEN on the server)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&cli.BaseURL, "url", getEnv("KAYAN_URL", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().StringVar(&cli.Token, "token", os.Getenv("KAYAN_TOKEN"), "admin token")

	root.AddCommand(
		cli.newClientCmd(),
		cli.newQRCodeCmd(),
		cli.newAuditCmd(),
		cli.newHealthCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the CLI version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "kayan-cli %s\n", Version)
			},
		},
	)
	return root
}
