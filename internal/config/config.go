// Package config loads the imagesdb configuration file.
//
// The format follows the file extension: .yaml/.yml or .toml. Unknown keys
// are rejected in both so that a typo never silently falls back to a default.
// Values of the form ${VAR} are expanded from the environment before parsing.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/sanonone/imagesdb/pkg/core/distance"
	"github.com/sanonone/imagesdb/pkg/engine"
	"github.com/sanonone/imagesdb/pkg/store"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as a Go duration string ("60s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Collection CollectionConfig `yaml:"collection" toml:"collection"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Embedder   EmbedderConfig   `yaml:"embedder" toml:"embedder"`
	Search     SearchConfig     `yaml:"search" toml:"search"`
}

type CollectionConfig struct {
	Dimensions     int    `yaml:"dimensions" toml:"dimensions"`
	Metric         string `yaml:"metric" toml:"metric"`
	Index          string `yaml:"index" toml:"index"`
	M              int    `yaml:"m" toml:"m"`
	EfConstruction int    `yaml:"ef_construction" toml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search" toml:"ef_search"`
	Seed           int64  `yaml:"seed" toml:"seed"`
	// VerifyInterval schedules background consistency repair; 0 disables it.
	VerifyInterval Duration `yaml:"verify_interval" toml:"verify_interval"`
}

type StorageConfig struct {
	Backend      string  `yaml:"backend" toml:"backend"`
	DataDir      string  `yaml:"data_dir" toml:"data_dir"`
	Precision    string  `yaml:"precision" toml:"precision"`
	Sync         bool    `yaml:"sync" toml:"sync"`
	CompactRatio float64 `yaml:"compact_ratio" toml:"compact_ratio"`
}

type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr" toml:"http_addr"`
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
	MCPHTTP   bool   `yaml:"mcp_http" toml:"mcp_http"`
}

// EmbedderConfig points at the CLIP inference service. An empty URL
// disables every text and image workflow.
type EmbedderConfig struct {
	URL       string   `yaml:"url" toml:"url"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
	Normalize bool     `yaml:"normalize" toml:"normalize"`
	// RateLimit caps requests per second; 0 means unlimited.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

type SearchConfig struct {
	TopK      int     `yaml:"top_k" toml:"top_k"`
	Threshold float64 `yaml:"threshold" toml:"threshold"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Collection: CollectionConfig{
			Dimensions:     512,
			Metric:         string(distance.DotProduct),
			Index:          "hnsw",
			M:              16,
			EfConstruction: 200,
			EfSearch:       64,
		},
		Storage: StorageConfig{
			Backend:      store.BackendAOF,
			DataDir:      "./data",
			Precision:    string(distance.Float32),
			Sync:         true,
			CompactRatio: 1.0,
		},
		Server: ServerConfig{
			HTTPAddr: ":9091",
			MCPHTTP:  true,
		},
		Embedder: EmbedderConfig{
			Timeout:   Duration{60 * time.Second},
			Normalize: true,
		},
		Search: SearchConfig{
			TopK:      50,
			Threshold: 0.8,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("could not read configuration file '%s': %w", path, err)
		}
		if err := decode(path, []byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("YAML syntax error in '%s': %w", path, err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("TOML syntax error in '%s': %w", path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config extension %q", ErrInvalid, ext)
	}
	return nil
}

// Environment variables that override the file.
const (
	EnvDataDir     = "IMAGESDB_DATA_DIR"
	EnvHTTPAddr    = "IMAGESDB_HTTP_ADDR"
	EnvAuthToken   = "IMAGESDB_AUTH_TOKEN"
	EnvEmbedderURL = "IMAGESDB_EMBEDDER_URL"
)

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv(EnvEmbedderURL); v != "" {
		c.Embedder.URL = v
	}
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	col := c.Collection
	if col.Dimensions <= 0 {
		bad("collection.dimensions must be positive, got %d", col.Dimensions)
	}
	if _, err := distance.ParseMetric(col.Metric); err != nil {
		bad("collection.metric: %v", err)
	}
	if col.Index != "hnsw" && col.Index != "flat" {
		bad("collection.index must be hnsw or flat, got %q", col.Index)
	}
	if col.M < 2 {
		bad("collection.m must be at least 2, got %d", col.M)
	}
	if col.EfConstruction < col.M {
		bad("collection.ef_construction (%d) must be at least m (%d)", col.EfConstruction, col.M)
	}
	if col.EfSearch <= 0 {
		bad("collection.ef_search must be positive, got %d", col.EfSearch)
	}
	if col.VerifyInterval.Duration < 0 {
		bad("collection.verify_interval must not be negative")
	}

	switch c.Storage.Backend {
	case store.BackendMemory, store.BackendAOF, store.BackendBadger, store.BackendSQLite:
	default:
		bad("storage.backend must be one of memory, aof, badger, sqlite; got %q", c.Storage.Backend)
	}
	if c.Storage.Backend != store.BackendMemory && c.Storage.DataDir == "" {
		bad("storage.data_dir is required for the %s backend", c.Storage.Backend)
	}
	if _, err := distance.ParsePrecision(c.Storage.Precision); err != nil {
		bad("storage.precision: %v", err)
	}
	if c.Storage.CompactRatio < 0 {
		bad("storage.compact_ratio must not be negative")
	}

	if c.Embedder.Timeout.Duration < 0 {
		bad("embedder.timeout must not be negative")
	}
	if c.Embedder.RateLimit < 0 || c.Embedder.Burst < 0 {
		bad("embedder.rate_limit and embedder.burst must not be negative")
	}
	if c.Search.Threshold < 0 {
		bad("search.threshold must not be negative, got %g", c.Search.Threshold)
	}
	if c.Search.TopK <= 0 {
		bad("search.top_k must be positive, got %d", c.Search.TopK)
	}
	return errors.Join(errs...)
}

// EngineOptions maps the configuration onto engine options. Call it on a
// validated Config.
func (c Config) EngineOptions() engine.Options {
	metric, _ := distance.ParseMetric(c.Collection.Metric)
	precision, _ := distance.ParsePrecision(c.Storage.Precision)
	return engine.Options{
		Dimensions:     c.Collection.Dimensions,
		Metric:         metric,
		IndexKind:      c.Collection.Index,
		M:              c.Collection.M,
		EfConstruction: c.Collection.EfConstruction,
		EfSearch:       c.Collection.EfSearch,
		Seed:           c.Collection.Seed,
		Backend:        c.Storage.Backend,
		DataDir:        c.Storage.DataDir,
		Precision:      precision,
		Sync:           c.Storage.Sync,
		CompactRatio:   c.Storage.CompactRatio,
		VerifyInterval: c.Collection.VerifyInterval.Duration,
	}
}
