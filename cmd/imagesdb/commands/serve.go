package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/sanonone/imagesdb/internal/mcp"
	"github.com/sanonone/imagesdb/internal/server"
	"github.com/sanonone/imagesdb/pkg/engine"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API until SIGINT or SIGTERM.

The server exposes the REST API under /v1, an event stream on /v1/events,
Prometheus metrics on /metrics and, unless disabled, MCP on /mcp.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.HTTPAddr = addr
			}
			return a.withCollection(cmd, func(col *engine.Collection) error {
				return a.serve(cmd.Context(), col)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.http_addr)")
	return cmd
}

func (a *app) serve(ctx context.Context, col *engine.Collection) error {
	srv := server.New(col, server.Options{
		HTTPAddr:  a.cfg.Server.HTTPAddr,
		AuthToken: a.cfg.Server.AuthToken,
		Embedder:  a.embedder(),
		Search:    a.searchDefaults(),
		MCP:       a.cfg.Server.MCPHTTP,
	})
	if a.cfg.Server.AuthToken == "" {
		slog.Warn("No auth token configured: the API is open to anyone who can reach it")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutdown signal received, stopping server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if rerr := <-errCh; rerr != nil {
		err = errors.Join(err, rerr)
	}
	slog.Info("Server stopped")
	return err
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio",
		Long: `Serve the collection as MCP tools over stdin/stdout.

Logs go to stderr so that stdout carries only protocol messages.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCollection(cmd, func(col *engine.Collection) error {
				s := mcp.NewMCPServer(col, a.embedder(), a.searchDefaults())
				err := mcp.RunStdio(cmd.Context(), s)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		// Skip config loading.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "imagesdb %s\n", Version)
		},
	}
}
