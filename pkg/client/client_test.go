package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sanonone/imagesdb/internal/server"
	"github.com/sanonone/imagesdb/pkg/engine"
	"github.com/sanonone/imagesdb/pkg/store"
)

func newTestClient(t *testing.T, token string) *Client {
	t.Helper()
	opts := engine.DefaultOptions("", 3)
	opts.Backend = store.BackendMemory
	col, err := engine.Open(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	srv := server.New(col, server.Options{AuthToken: token})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		col.Close()
	})
	return New(ts.URL, WithToken(token))
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "secret")

	a, err := c.Put(ctx, "A", []float32{1, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	c.Put(ctx, "B", []float32{0, 1, 0})
	cc, _ := c.Put(ctx, "C", []float32{0.9, 0.1, 0})

	got, err := c.Get(ctx, a.ID)
	if err != nil || got.Key != "A" {
		t.Fatalf("Get: %+v %v", got, err)
	}

	res, err := c.Search(ctx, []float32{1, 0, 0}, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 2 || res.Results[0].ID != a.ID || res.Results[1].ID != cc.ID {
		t.Fatalf("Search: %+v", res)
	}

	recs, err := c.List(ctx, false)
	if err != nil || len(recs) != 3 || recs[0].Embedding != nil {
		t.Fatalf("List: %+v %v", recs, err)
	}

	stats, err := c.Stats(ctx)
	if err != nil || stats.Count != 3 || stats.Index.Kind != "hnsw" {
		t.Fatalf("Stats: %+v %v", stats, err)
	}

	removed, err := c.Remove(ctx, a.ID)
	if err != nil || !removed {
		t.Fatalf("Remove: %v %v", removed, err)
	}
	removed, err = c.Remove(ctx, a.ID)
	if err != nil || removed {
		t.Fatalf("Remove twice: %v %v", removed, err)
	}

	if err := c.RemoveAll(ctx); err != nil {
		t.Fatal(err)
	}
	v, err := c.Verify(ctx, true)
	if err != nil || !v.Consistent {
		t.Fatalf("Verify: %+v %v", v, err)
	}
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "secret")

	_, err := c.Put(ctx, "bad", []float32{1})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "dimension_mismatch" {
		t.Fatalf("expected dimension_mismatch APIError, got %v", err)
	}

	_, err = c.Get(ctx, 42)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}

	_, err = c.SearchText(ctx, "cat", 0, nil)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %v", err)
	}

	anon := New(c.baseURL)
	_, err = anon.Stats(ctx)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
