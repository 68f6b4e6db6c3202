package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codegraph-dev/codegraph/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tool surface over MCP stdio",
	Long: `Starts the MCP server on stdio. Stdout carries the protocol;
all logging goes to stderr and the workspace log file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := server.New(cfg)
		return srv.Run(ctx)
	},
}
