package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/statusapi"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		Long:  "Starts the HTTP status API: session progress, task group detail, events, and the notice inbox as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	_, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return statusapi.Start(ctx, statusapi.StartOpts{
		Store:    st,
		Sessions: &session.Manager{Store: st},
		Port:     port,
		Out:      cmd.OutOrStdout(),
	})
}
