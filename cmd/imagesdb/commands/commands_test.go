package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/imagesdb/internal/config"
	"github.com/sanonone/imagesdb/pkg/engine"
	"github.com/sanonone/imagesdb/pkg/store"
)

type cliEnv struct {
	config  string
	dataDir string
}

// newCLIEnv writes a three-dimensional config. A non-empty embedderURL
// enables the CLIP commands.
func newCLIEnv(t *testing.T, embedderURL string) cliEnv {
	t.Helper()
	t.Setenv(config.EnvEmbedderURL, "")
	t.Setenv(config.EnvDataDir, "")
	dir := t.TempDir()
	env := cliEnv{
		config:  filepath.Join(dir, "imagesdb.yaml"),
		dataDir: filepath.Join(dir, "data"),
	}
	cfg := fmt.Sprintf(`collection:
  dimensions: 3
  seed: 7
storage:
  backend: aof
  data_dir: %s
embedder:
  url: %q
  normalize: false
search:
  top_k: 5
  threshold: 0.5
`, env.dataDir, embedderURL)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o644))
	return env
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", e.config, "--log-level", "warn"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (e cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "imagesdb %s", strings.Join(args, " "))
	return out
}

// newFakeCLIP answers text queries from a fixed table and treats image bytes
// as a vector literal.
func newFakeCLIP(t *testing.T) *httptest.Server {
	t.Helper()
	words := map[string][]float32{
		"red":   {1, 0, 0},
		"green": {0, 1, 0},
		"blue":  {0, 0, 1},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /embed/text", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Text string }
		_ = json.NewDecoder(r.Body).Decode(&req)
		vec, ok := words[req.Text]
		if !ok {
			http.Error(w, "unknown word", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	})
	mux.HandleFunc("POST /embed/image", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Image []byte }
		_ = json.NewDecoder(r.Body).Decode(&req)
		vec, err := engine.ParseVector(string(req.Image))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRecordCommands(t *testing.T) {
	env := newCLIEnv(t, "")

	assert.Equal(t, "1\n", env.mustRun(t, "put", "A", "1,0,0"))
	assert.Equal(t, "2\n", env.mustRun(t, "put", "C", "[0 0 1]"))
	assert.Equal(t, "3\n", env.mustRun(t, "put", "B", "0,1,0"))

	out := env.mustRun(t, "get", "2", "--json")
	var rec store.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, store.Record{ID: 2, Key: "C", Embedding: []float32{0, 0, 1}}, rec)

	out = env.mustRun(t, "ls", "--json")
	var recs []store.Record
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{recs[0].ID, recs[1].ID, recs[2].ID})
	assert.Nil(t, recs[0].Embedding)

	out = env.mustRun(t, "search", "0,0,1", "-k", "2", "--json")
	var res engine.QueryResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "C", res.Hits[0].Record.Key)
	assert.InDelta(t, 0, res.Hits[0].Score, 1e-6)
	// A and B tie at distance 1; the lower id wins.
	assert.Equal(t, "A", res.Hits[1].Record.Key)

	out = env.mustRun(t, "rm", "2", "42")
	assert.Equal(t, "removed 2\nnot found 42\n", out)

	_, err := env.run(t, "get", "2")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	assert.Equal(t, "consistent\n", env.mustRun(t, "verify"))

	_, err = env.run(t, "clear")
	assert.Error(t, err)
	assert.Equal(t, "removed 2 records\n", env.mustRun(t, "clear", "--yes"))
	assert.Equal(t, "4\n", env.mustRun(t, "put", "D", "1,1,0"))
}

func TestRecordCommandErrors(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.run(t, "put", "A", "1,0")
	assert.ErrorIs(t, err, engine.ErrDimensionMismatch)

	_, err = env.run(t, "put", "A", "1,x,0")
	assert.Error(t, err)

	_, err = env.run(t, "get", "abc")
	assert.ErrorContains(t, err, "invalid record id")

	_, err = env.run(t, "search", "1,0,0,0")
	assert.ErrorIs(t, err, engine.ErrDimensionMismatch)

	_, err = env.run(t, "put", "A")
	assert.Error(t, err)
}

func TestDataDirFlagOverridesConfig(t *testing.T) {
	env := newCLIEnv(t, "")
	other := t.TempDir()

	env.mustRun(t, "--data-dir", other, "put", "A", "1,0,0")
	assert.FileExists(t, filepath.Join(other, store.AOFFileName))
	assert.NoFileExists(t, filepath.Join(env.dataDir, store.AOFFileName))
}

func TestInvalidGlobalFlags(t *testing.T) {
	env := newCLIEnv(t, "")
	_, err := env.run(t, "--log-level", "loud", "ls")
	assert.ErrorContains(t, err, "invalid log level")

	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "ls"})
	assert.Error(t, root.Execute())
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "imagesdb dev\n", out.String())
}

func TestCLIPCommandsNeedEmbedder(t *testing.T) {
	env := newCLIEnv(t, "")
	for _, args := range [][]string{
		{"index", "."},
		{"query", "red"},
		{"classify", "x.png", "a,b"},
	} {
		_, err := env.run(t, args...)
		assert.ErrorContains(t, err, "no embedder configured", args[0])
	}
}

func TestIndexQueryClassify(t *testing.T) {
	srv := newFakeCLIP(t)
	env := newCLIEnv(t, srv.URL)

	imgs := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(imgs, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}
	redPath := write("red.png", "1,0,0")
	write("green.jpg", "0,1,0")
	write("broken.png", "not a vector")
	write("notes.txt", "0,0,1")

	out := env.mustRun(t, "index", "-q", "--json", imgs)
	var rep struct {
		Total    int      `json:"total"`
		Inserted []uint64 `json:"inserted"`
		Failed   []struct {
			Key string `json:"key"`
		} `json:"failed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 3, rep.Total)
	assert.Len(t, rep.Inserted, 2)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, filepath.Join(imgs, "broken.png"), rep.Failed[0].Key)

	out = env.mustRun(t, "query", "RED ", "--json")
	var qr struct {
		Query   string       `json:"query"`
		Matches []engine.Hit `json:"matches"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &qr))
	assert.Equal(t, "red", qr.Query)
	require.Len(t, qr.Matches, 1)
	assert.Equal(t, redPath, qr.Matches[0].Record.Key)

	assert.Equal(t, "no matches\n", env.mustRun(t, "query", "blue"))

	out = env.mustRun(t, "query", "red", "--threshold", "0", "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &qr))
	require.Len(t, qr.Matches, 1, "--threshold 0 keeps exact matches")
	assert.Equal(t, redPath, qr.Matches[0].Record.Key)

	out = env.mustRun(t, "query", "red", "--threshold", "1.5", "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &qr))
	assert.Len(t, qr.Matches, 2)

	out = env.mustRun(t, "classify", redPath, "green, red", "--json")
	var scores []struct {
		Class       string  `json:"class"`
		Probability float64 `json:"probability"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &scores))
	require.Len(t, scores, 2)
	assert.Equal(t, "red", scores[0].Class)
	assert.Greater(t, scores[0].Probability, 0.99)
}
