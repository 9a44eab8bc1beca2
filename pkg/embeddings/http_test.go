package embeddings

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newCLIPServer(t *testing.T, vec []float32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /embed/text", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Text string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
			http.Error(w, "bad text", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	})
	mux.HandleFunc("POST /embed/image", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Image string }
		json.NewDecoder(r.Body).Decode(&req)
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil || string(raw) != "\x89PNG" {
			http.Error(w, "bad image", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPEmbedder(t *testing.T) {
	srv := newCLIPServer(t, []float32{3, 4})
	ctx := context.Background()

	e := NewHTTPEmbedder(srv.URL+"/", 2, false, time.Second)
	v, err := e.EmbedText(ctx, "a cat")
	if err != nil {
		t.Fatal(err)
	}
	if v[0] != 3 || v[1] != 4 {
		t.Fatalf("unexpected vector %v", v)
	}

	e.Normalize = true
	v, err = e.EmbedImage(ctx, []byte("\x89PNG"))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Fatalf("vector not normalized: %v", v)
	}
}

func TestHTTPEmbedderErrors(t *testing.T) {
	srv := newCLIPServer(t, []float32{1, 0, 0})
	ctx := context.Background()
	e := NewHTTPEmbedder(srv.URL, 2, false, time.Second)

	if _, err := e.EmbedText(ctx, "  "); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	if _, err := e.EmbedImage(ctx, nil); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	if _, err := e.EmbedText(ctx, "dog"); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := e.EmbedImage(ctx, []byte("jpeg")); err == nil {
		t.Error("expected error for non-200 status")
	}
}

func TestHTTPEmbedderRateLimit(t *testing.T) {
	srv := newCLIPServer(t, []float32{1, 0})
	e := NewHTTPEmbedder(srv.URL, 2, false, time.Second).WithRateLimit(20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := e.EmbedText(context.Background(), "cat"); err != nil {
			t.Fatal(err)
		}
	}
	// One token up front, then one every 50ms.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("three calls took %v, limiter not applied", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.EmbedText(ctx, "cat"); err == nil {
		t.Fatal("cancelled context should fail while waiting for the limiter")
	}

	if e.WithRateLimit(0, 0).Limiter != nil {
		t.Fatal("zero rate should remove the limiter")
	}
}
