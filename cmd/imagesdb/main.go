// Package main is the entry point for the imagesdb CLI.
//
// Usage:
//
//	imagesdb [flags] <command> [args]
//
// Commands:
//
//	serve     - Run the HTTP API (REST, events, metrics, MCP)
//	mcp       - Serve MCP tools over stdio
//	put, get, ls, rm, clear, search, verify - Record and index operations
//	index, query, classify - CLIP workflows (need an embedder)
//	version   - Show version information
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sanonone/imagesdb/cmd/imagesdb/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
