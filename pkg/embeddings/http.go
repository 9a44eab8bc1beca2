package embeddings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sanonone/imagesdb/pkg/core/distance"
	"github.com/sanonone/imagesdb/pkg/core/types"
)

// HTTPEmbedder implements Embedder against a remote CLIP inference service.
//
// Endpoints:
//
//	POST {URL}/embed/text   {"text": "..."}
//	POST {URL}/embed/image  {"image": "<base64>"}
//
// Both answer {"embedding": [...]}.
type HTTPEmbedder struct {
	URL       string
	Dims      int
	Normalize bool
	Client    *http.Client
	// Limiter, when set, paces requests to the service.
	Limiter *rate.Limiter
}

func NewHTTPEmbedder(url string, dims int, normalize bool, timeout time.Duration) *HTTPEmbedder {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPEmbedder{
		URL:       strings.TrimRight(url, "/"),
		Dims:      dims,
		Normalize: normalize,
		Client:    &http.Client{Timeout: timeout},
	}
}

// WithRateLimit caps requests at rps per second with the given burst.
// A non-positive rps removes the limit.
func (e *HTTPEmbedder) WithRateLimit(rps float64, burst int) *HTTPEmbedder {
	if rps <= 0 {
		e.Limiter = nil
		return e
	}
	if burst < 1 {
		burst = 1
	}
	e.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return e
}

func (e *HTTPEmbedder) Dimension() int { return e.Dims }

func (e *HTTPEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	return e.embed(ctx, "/embed/text", map[string]string{"text": text})
}

func (e *HTTPEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, ErrEmptyInput
	}
	return e.embed(ctx, "/embed/image", map[string]string{
		"image": base64.StdEncoding.EncodeToString(image),
	})
}

func (e *HTTPEmbedder) embed(ctx context.Context, path string, payload any) ([]float32, error) {
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedder returned status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedder response: %w", err)
	}
	if e.Dims > 0 && len(out.Embedding) != e.Dims {
		return nil, fmt.Errorf("embedder %s: %w", path, types.DimensionError(len(out.Embedding), e.Dims))
	}
	if e.Normalize {
		distance.Normalize(out.Embedding)
	}
	return out.Embedding, nil
}
