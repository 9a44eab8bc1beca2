package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sanonone/imagesdb/internal/config"
	"github.com/sanonone/imagesdb/pkg/clip"
	"github.com/sanonone/imagesdb/pkg/core/distance"
	"github.com/sanonone/imagesdb/pkg/embeddings"
	"github.com/sanonone/imagesdb/pkg/engine"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// app carries the global flags and the configuration they resolve to.
type app struct {
	configPath string
	dataDir    string
	logLevel   string
	logJSON    bool

	cfg config.Config
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd builds the command tree. Every call returns an independent
// tree, so tests can run commands side by side.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "imagesdb",
		Short: "Embedding store and HNSW search engine for CLIP image search",
		Long: `imagesdb - store CLIP embeddings and search them by vector, text or image.

Record commands work on the local data directory. The CLIP commands (index,
query, classify) need an embedder URL in the configuration or in
IMAGESDB_EMBEDDER_URL.

Examples:
  imagesdb serve --config imagesdb.yaml
  imagesdb put beach.jpg 0.1,0.7,0.2
  imagesdb search 0.1,0.7,0.2 -k 5
  imagesdb index ./photos
  imagesdb query "a dog on the beach"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (.yaml, .yml or .toml)")
	pf.StringVar(&a.dataDir, "data-dir", "", "data directory (overrides the config file)")
	pf.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.BoolVar(&a.logJSON, "log-json", false, "log as JSON")

	root.AddCommand(
		newServeCmd(a),
		newMCPCmd(a),
		newPutCmd(a),
		newGetCmd(a),
		newListCmd(a),
		newRemoveCmd(a),
		newClearCmd(a),
		newSearchCmd(a),
		newVerifyCmd(a),
		newIndexCmd(a),
		newQueryCmd(a),
		newClassifyCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	level, err := parseLevel(a.logLevel)
	if err != nil {
		return err
	}
	setupLogger(cmd.ErrOrStderr(), level, a.logJSON)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.Storage.DataDir = a.dataDir
	}
	a.cfg = cfg
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// setupLogger installs the default slog logger. Logs always go to stderr so
// stdout stays clean for command output and the MCP stdio transport.
func setupLogger(w io.Writer, level slog.Level, asJSON bool) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if asJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func (a *app) openCollection(ctx context.Context) (*engine.Collection, error) {
	distance.LogEngineInfo(slog.Default())
	return engine.Open(ctx, a.cfg.EngineOptions())
}

// embedder returns nil when no embedder is configured.
func (a *app) embedder() embeddings.Embedder {
	e := a.cfg.Embedder
	if e.URL == "" {
		return nil
	}
	return embeddings.NewHTTPEmbedder(e.URL, a.cfg.Collection.Dimensions, e.Normalize, e.Timeout.Duration).
		WithRateLimit(e.RateLimit, e.Burst)
}

func (a *app) requireEmbedder() (embeddings.Embedder, error) {
	emb := a.embedder()
	if emb == nil {
		return nil, fmt.Errorf("no embedder configured: set embedder.url or %s", config.EnvEmbedderURL)
	}
	return emb, nil
}

func (a *app) searchDefaults() clip.SearchOptions {
	return clip.SearchOptions{K: a.cfg.Search.TopK, Threshold: clip.Threshold(a.cfg.Search.Threshold)}
}

// withCollection opens the collection, runs fn and closes it.
func (a *app) withCollection(cmd *cobra.Command, fn func(*engine.Collection) error) (err error) {
	col, err := a.openCollection(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := col.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(col)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
