package main

import (
	"fmt"

	"nostrid/cmd/internal/app"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nostrid",
		Short: "Multi-domain NIP-05 name registry",
		Long: `nostrid publishes /.well-known/nostr.json for one or more domains and keeps
each domain's name file consistent with the registration ledger.

Configuration is read from NOSTRID_* environment variables.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return app.Serve()
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server (default)",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return app.Serve()
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply ledger migrations, prepare domain files and fold in the legacy file, then exit",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return app.Migrate()
			},
		},
	)
	return root
}
