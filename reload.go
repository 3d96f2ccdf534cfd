package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running server to reload its configuration",
		Long: `Send SIGHUP to the server recorded in server.pid_file. The server re-reads
the config file and environment; an invalid config is logged and ignored.`,
		RunE: runReload,
		Args: cobra.NoArgs,
	}
}

func runReload(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	rec, err := sendSIGHUP(cc.Cfg.Server.PIDFile)
	if errors.Is(err, errNoServer) {
		return fmt.Errorf("%w; start one with \"cos serve\"", err)
	}

	if err != nil {
		return err
	}

	cc.Statusf("Notified server (%s) to reload config\n", rec)

	return nil
}
