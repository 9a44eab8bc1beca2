package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sanonone/imagesdb/pkg/engine"
	"github.com/sanonone/imagesdb/pkg/store"
)

// stubEmbedder maps text through a table and parses image bytes as a
// comma-separated vector.
type stubEmbedder map[string][]float32

func (stubEmbedder) Dimension() int { return 3 }
func (e stubEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	v, ok := e[text]
	if !ok {
		return nil, errors.New("unknown text")
	}
	return v, nil
}
func (stubEmbedder) EmbedImage(_ context.Context, image []byte) ([]float32, error) {
	return engine.ParseVector(string(image))
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server, *engine.Collection) {
	t.Helper()
	eopts := engine.DefaultOptions("", 3)
	eopts.Backend = store.BackendMemory
	col, err := engine.Open(context.Background(), eopts)
	if err != nil {
		t.Fatal(err)
	}
	s := New(col, opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown(context.Background())
		col.Close()
	})
	return s, ts, col
}

func do(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp
}

func TestRecordsAPI(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})

	var rec store.Record
	resp := do(t, "POST", ts.URL+"/v1/records", PutRecordRequest{Key: "a.jpg", Embedding: []float32{1, 0, 0}}, &rec)
	if resp.StatusCode != http.StatusCreated || rec.ID != 1 {
		t.Fatalf("put: %d %+v", resp.StatusCode, rec)
	}

	var errResp ErrorResponse
	resp = do(t, "POST", ts.URL+"/v1/records", PutRecordRequest{Key: "bad", Embedding: []float32{1}}, &errResp)
	if resp.StatusCode != http.StatusBadRequest || errResp.Code != "dimension_mismatch" {
		t.Fatalf("dimension mismatch: %d %+v", resp.StatusCode, errResp)
	}

	var batch BatchPutResponse
	resp = do(t, "POST", ts.URL+"/v1/records/batch", BatchPutRequest{Items: []engine.BatchItem{
		{Key: "b.jpg", Embedding: []float32{0, 1, 0}},
		{Key: "c.jpg", Embedding: []float32{0.9, 0.1, 0}},
	}}, &batch)
	if resp.StatusCode != http.StatusCreated || len(batch.Records) != 2 {
		t.Fatalf("batch: %d %+v", resp.StatusCode, batch)
	}

	var list ListRecordsResponse
	do(t, "GET", ts.URL+"/v1/records?embeddings=false", nil, &list)
	if list.Count != 3 || list.Records[0].Embedding != nil {
		t.Fatalf("list: %+v", list)
	}

	var got store.Record
	resp = do(t, "GET", ts.URL+"/v1/records/1", nil, &got)
	if resp.StatusCode != http.StatusOK || got.Key != "a.jpg" || len(got.Embedding) != 3 {
		t.Fatalf("get: %d %+v", resp.StatusCode, got)
	}
	if resp := do(t, "GET", ts.URL+"/v1/records/99", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing: %d", resp.StatusCode)
	}
	if resp := do(t, "GET", ts.URL+"/v1/records/abc", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("get bad id: %d", resp.StatusCode)
	}

	var search SearchResponse
	do(t, "POST", ts.URL+"/v1/search", SearchRequest{Embedding: []float32{1, 0, 0}, K: 2}, &search)
	if len(search.Results) != 2 || search.Results[0].Key != "a.jpg" || search.Results[1].Key != "c.jpg" {
		t.Fatalf("search: %+v", search)
	}

	var rm RemoveResponse
	resp = do(t, "DELETE", ts.URL+"/v1/records/1", nil, &rm)
	if resp.StatusCode != http.StatusOK || !rm.Removed {
		t.Fatalf("remove: %d %+v", resp.StatusCode, rm)
	}
	if resp := do(t, "DELETE", ts.URL+"/v1/records/1", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("remove twice: %d", resp.StatusCode)
	}

	do(t, "DELETE", ts.URL+"/v1/records", nil, nil)
	do(t, "GET", ts.URL+"/v1/records", nil, &list)
	if list.Count != 0 {
		t.Fatalf("records left after clear: %d", list.Count)
	}

	var verify VerifyResponse
	do(t, "POST", ts.URL+"/v1/verify", nil, &verify)
	if !verify.Consistent {
		t.Fatalf("verify: %+v", verify)
	}
}

func TestEmbedderRoutes(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})
	for _, path := range []string{"/v1/search/text", "/v1/images", "/v1/classify"} {
		var e ErrorResponse
		resp := do(t, "POST", ts.URL+path, map[string]any{}, &e)
		if resp.StatusCode != http.StatusNotImplemented || e.Code != "no_embedder" {
			t.Errorf("%s without embedder: %d %+v", path, resp.StatusCode, e)
		}
	}
}

func TestTextSearchAndClassify(t *testing.T) {
	emb := stubEmbedder{"a cat": {1, 0, 0}, "cat": {1, 0, 0}, "dog": {0, 1, 0}}
	_, ts, col := newTestServer(t, Options{Embedder: emb})
	ctx := context.Background()
	col.Put(ctx, "cat.jpg", []float32{1, 0, 0})
	col.Put(ctx, "dog.jpg", []float32{0, 1, 0})

	var res SearchResponse
	resp := do(t, "POST", ts.URL+"/v1/search/text", TextSearchRequest{Query: "A Cat"}, &res)
	if resp.StatusCode != http.StatusOK || len(res.Results) != 1 || res.Results[0].Key != "cat.jpg" {
		t.Fatalf("text search: %d %+v", resp.StatusCode, res)
	}

	var cls ClassifyResponse
	resp = do(t, "POST", ts.URL+"/v1/classify", ClassifyRequest{Image: []byte("0.8,0.2,0"), Classes: "dog, cat"}, &cls)
	if resp.StatusCode != http.StatusOK || len(cls.Scores) != 2 || cls.Scores[0].Class != "cat" {
		t.Fatalf("classify: %d %+v", resp.StatusCode, cls)
	}

	var e ErrorResponse
	resp = do(t, "POST", ts.URL+"/v1/classify", ClassifyRequest{Image: []byte("1,0,0"), Classes: " , "}, &e)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("classify without classes: %d %+v", resp.StatusCode, e)
	}
}

func TestTextSearchZeroThreshold(t *testing.T) {
	emb := stubEmbedder{"cat": {1, 0, 0}}
	_, ts, col := newTestServer(t, Options{Embedder: emb})
	ctx := context.Background()
	col.Put(ctx, "cat.jpg", []float32{1, 0, 0})
	col.Put(ctx, "kitten.jpg", []float32{0.9, 0.1, 0})

	var res SearchResponse
	do(t, "POST", ts.URL+"/v1/search/text", map[string]any{"query": "cat"}, &res)
	if len(res.Results) != 2 {
		t.Fatalf("default threshold: %+v", res.Results)
	}
	res = SearchResponse{}
	do(t, "POST", ts.URL+"/v1/search/text", map[string]any{"query": "cat", "threshold": 0}, &res)
	if len(res.Results) != 1 || res.Results[0].Key != "cat.jpg" {
		t.Fatalf("zero threshold: %+v", res.Results)
	}
}

func TestIndexImages(t *testing.T) {
	_, ts, col := newTestServer(t, Options{Embedder: stubEmbedder{}})
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("1,0,0"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.png"), []byte("0,1,0"), 0o644)
	os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("nope"), 0o644)

	var report struct {
		Total    int      `json:"total"`
		Inserted []uint64 `json:"inserted"`
		Failed   []any    `json:"failed"`
	}
	resp := do(t, "POST", ts.URL+"/v1/images", IndexImagesRequest{Paths: []string{dir}}, &report)
	if resp.StatusCode != http.StatusOK || report.Total != 3 || len(report.Inserted) != 2 || len(report.Failed) != 1 {
		t.Fatalf("index: %d %+v", resp.StatusCode, report)
	}

	var task TaskView
	resp = do(t, "POST", ts.URL+"/v1/images", IndexImagesRequest{Paths: []string{filepath.Join(dir, "a.jpg")}, Async: true}, &task)
	if resp.StatusCode != http.StatusAccepted || task.ID == "" {
		t.Fatalf("async index: %d %+v", resp.StatusCode, task)
	}
	deadline := time.Now().Add(2 * time.Second)
	for task.Status != TaskStatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("task not completed: %+v", task)
		}
		time.Sleep(10 * time.Millisecond)
		do(t, "GET", ts.URL+"/v1/tasks/"+task.ID, nil, &task)
	}
	if col.Len() != 3 {
		t.Fatalf("collection has %d records, want 3", col.Len())
	}
	if resp := do(t, "GET", ts.URL+"/v1/tasks/unknown", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task: %d", resp.StatusCode)
	}
}

func TestAuthAndOpenEndpoints(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{AuthToken: "test-secret-token"})

	resp := do(t, "GET", ts.URL+"/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz expected 200, got %d", resp.StatusCode)
	}
	resp = do(t, "GET", ts.URL+"/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics expected 200, got %d", resp.StatusCode)
	}
	resp = do(t, "GET", ts.URL+"/v1/stats", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("protected expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer test-secret-token")
	req.Header.Set(RequestIDHeader, "req-123")
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Errorf("protected with token expected 200, got %d", r2.StatusCode)
	}
	if got := r2.Header.Get(RequestIDHeader); got != "req-123" {
		t.Errorf("request id not echoed: %q", got)
	}
	var stats engine.Stats
	json.NewDecoder(r2.Body).Decode(&stats)
	if stats.Dimensions != 3 || stats.Index.Kind != "hnsw" {
		t.Errorf("stats: %+v", stats)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})
	resp := do(t, "GET", ts.URL+"/v1/stats", nil, nil)
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Fatal("no request id generated")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	s := &Server{}
	h := s.RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	_, ts, col := newTestServer(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade; retry until seen.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got := make(chan engine.Event, 1)
	go func() {
		var ev engine.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-got:
			if ev.Type != engine.EventInserted || ev.Key != "x.jpg" {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-tick.C:
			col.Put(context.Background(), "x.jpg", []float32{1, 0, 0})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
