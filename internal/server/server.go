// Package server exposes a Collection over HTTP: a JSON REST API, a
// websocket event stream, Prometheus metrics and, optionally, MCP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sanonone/imagesdb/internal/mcp"
	"github.com/sanonone/imagesdb/pkg/clip"
	"github.com/sanonone/imagesdb/pkg/embeddings"
	"github.com/sanonone/imagesdb/pkg/engine"
)

// Options configures a Server.
type Options struct {
	HTTPAddr  string
	AuthToken string
	// Embedder enables text search, image indexing and classification.
	Embedder embeddings.Embedder
	// Search holds the text search defaults.
	Search clip.SearchOptions
	// MCP mounts the MCP streamable HTTP transport at /mcp.
	MCP bool
}

// Server holds the HTTP interface and the underlying collection.
type Server struct {
	col *engine.Collection

	indexer    *clip.Indexer
	searcher   *clip.Searcher
	classifier *clip.Classifier

	taskManager *TaskManager
	tasksWG     sync.WaitGroup
	authToken   string

	handler    http.Handler
	httpServer *http.Server

	// closing is closed on Shutdown to end websocket streams.
	closing   chan struct{}
	closeOnce sync.Once
}

// New builds the HTTP server around an opened collection. The collection
// stays owned by the caller.
func New(col *engine.Collection, opts Options) *Server {
	s := &Server{
		col:         col,
		taskManager: NewTaskManager(100),
		authToken:   opts.AuthToken,
		closing:     make(chan struct{}),
	}
	if opts.Embedder != nil {
		s.indexer = clip.NewIndexer(col, opts.Embedder)
		s.searcher = clip.NewSearcher(col, opts.Embedder)
		if opts.Search.K > 0 {
			s.searcher.Defaults.K = opts.Search.K
		}
		if opts.Search.Threshold != nil {
			s.searcher.Defaults.Threshold = opts.Search.Threshold
		}
		s.searcher.Defaults.Ef = opts.Search.Ef
		s.classifier = clip.NewClassifier(opts.Embedder)
	}

	mux := http.NewServeMux()
	s.registerHTTPHandlers(mux)
	if opts.MCP {
		mux.Handle("/mcp", mcp.HTTPHandler(mcp.NewMCPServer(col, opts.Embedder, opts.Search)))
	}

	// Chain middlewares: Recovery -> RequestID -> Logging -> Auth -> Mux.
	// Recovery must be outer-most to catch everything.
	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.LoggingMiddleware(handler)
	handler = s.RequestIDMiddleware(handler)
	handler = s.RecoveryMiddleware(handler)

	rootMux := http.NewServeMux()
	rootMux.HandleFunc("GET /healthz", s.handleHealthz)
	rootMux.Handle("GET /metrics", promhttp.Handler())
	rootMux.Handle("/", handler)
	s.handler = rootMux

	s.httpServer = &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           rootMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server startup failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and waits for background tasks.
// It does NOT close the collection.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Starting graceful shutdown of HTTP Server...")
	s.closeOnce.Do(func() { close(s.closing) })

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.tasksWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
