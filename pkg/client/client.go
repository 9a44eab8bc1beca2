// Package client provides a Go client for the imagesdb HTTP API.
//
// It covers record management (Put, Get, List, Remove, RemoveAll), vector
// and text search, image indexing, classification and collection
// introspection. Errors returned by the server surface as *APIError.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Custom Errors ---

// APIError represents an error returned by the API (status >= 400).
type APIError struct {
	StatusCode int
	Message    string
	// Code is the machine-readable error class, e.g. "dimension_mismatch".
	Code string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// --- JSON Response Structs ---

// Record is a stored embedding.
type Record struct {
	ID        uint64    `json:"id"`
	Key       string    `json:"key"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// SearchResult is one ranked hit. Score is a distance: lower is closer.
type SearchResult struct {
	ID    uint64  `json:"id"`
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// SearchResponse is returned by Search and SearchText.
type SearchResponse struct {
	Query              string         `json:"query,omitempty"`
	Results            []SearchResult `json:"results"`
	NumVectorsSearched int            `json:"num_vectors_searched"`
	TimeTakenMillis    int64          `json:"time_taken_millis"`
}

// IndexInfo describes the ANN index.
type IndexInfo struct {
	Kind           string `json:"kind"`
	Metric         string `json:"metric"`
	Dimensions     int    `json:"dimensions"`
	M              int    `json:"m,omitempty"`
	EfConstruction int    `json:"ef_construction,omitempty"`
	EfSearch       int    `json:"ef_search,omitempty"`
	MaxLevel       int    `json:"max_level"`
	VectorCount    int    `json:"vector_count"`
}

// Stats describes the collection.
type Stats struct {
	Count      int       `json:"count"`
	Dimensions int       `json:"dimensions"`
	Metric     string    `json:"metric"`
	Backend    string    `json:"backend"`
	Index      IndexInfo `json:"index"`
}

// IngestReport is the outcome of IndexImages.
type IngestReport struct {
	Total    int      `json:"total"`
	Inserted []uint64 `json:"inserted"`
	Failed   []struct {
		Key   string `json:"key"`
		Error string `json:"error"`
	} `json:"failed,omitempty"`
	DurationMillis int64 `json:"duration_millis"`
}

// ClassScore is the probability of one class.
type ClassScore struct {
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
}

// VerifyReport is the outcome of Verify and Repair.
type VerifyReport struct {
	Consistent bool     `json:"consistent"`
	StoreOnly  []uint64 `json:"store_only"`
	IndexOnly  []uint64 `json:"index_only"`
}

// --- Client ---

// Client is the Go client for imagesdb.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends a bearer token with every request.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a client for the server at baseURL, e.g. "http://localhost:9091".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// jsonRequest executes a request and decodes the JSON answer into out when
// out is not nil.
func (c *Client) jsonRequest(ctx context.Context, method, endpoint string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON payload: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error, Code: errResp.Code}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// --- Records ---

// Put stores an embedding under key and returns the assigned record.
func (c *Client) Put(ctx context.Context, key string, embedding []float32) (Record, error) {
	var rec Record
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/records", map[string]any{
		"key":       key,
		"embedding": embedding,
	}, &rec)
	return rec, err
}

// Get fetches one record.
func (c *Client) Get(ctx context.Context, id uint64) (Record, error) {
	var rec Record
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/records/"+strconv.FormatUint(id, 10), nil, &rec)
	return rec, err
}

// List returns every record. withEmbeddings=false omits the vectors.
func (c *Client) List(ctx context.Context, withEmbeddings bool) ([]Record, error) {
	var resp struct {
		Records []Record `json:"records"`
	}
	q := url.Values{"embeddings": {strconv.FormatBool(withEmbeddings)}}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/records?"+q.Encode(), nil, &resp)
	return resp.Records, err
}

// Remove deletes a record. It reports false when the id was unknown.
func (c *Client) Remove(ctx context.Context, id uint64) (bool, error) {
	var resp struct {
		Removed bool `json:"removed"`
	}
	err := c.jsonRequest(ctx, http.MethodDelete, "/v1/records/"+strconv.FormatUint(id, 10), nil, &resp)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return resp.Removed, err
}

// RemoveAll clears the collection.
func (c *Client) RemoveAll(ctx context.Context) error {
	return c.jsonRequest(ctx, http.MethodDelete, "/v1/records", nil, nil)
}

// --- Search ---

// Search returns the k records nearest to the embedding. ef=0 uses the
// server default.
func (c *Client) Search(ctx context.Context, embedding []float32, k, ef int) (SearchResponse, error) {
	var resp SearchResponse
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/search", map[string]any{
		"embedding": embedding,
		"k":         k,
		"ef":        ef,
	}, &resp)
	return resp, err
}

// SearchText runs a free-text query. A zero k or nil threshold use the
// server defaults.
func (c *Client) SearchText(ctx context.Context, query string, k int, threshold *float64) (SearchResponse, error) {
	var resp SearchResponse
	body := map[string]any{
		"query": query,
		"k":     k,
	}
	if threshold != nil {
		body["threshold"] = *threshold
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/search/text", body, &resp)
	return resp, err
}

// --- CLIP workflows ---

// IndexImages asks the server to index image files it can read.
func (c *Client) IndexImages(ctx context.Context, paths []string) (IngestReport, error) {
	var resp IngestReport
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/images", map[string]any{"paths": paths}, &resp)
	return resp, err
}

// Classify scores an image against comma-separated class names.
func (c *Client) Classify(ctx context.Context, image []byte, classes string) ([]ClassScore, error) {
	var resp struct {
		Scores []ClassScore `json:"scores"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/classify", map[string]any{
		"image":   image,
		"classes": classes,
	}, &resp)
	return resp.Scores, err
}

// --- Administration ---

// Stats returns collection statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/stats", nil, &s)
	return s, err
}

// Verify checks store and index consistency; repair=true also fixes it.
func (c *Client) Verify(ctx context.Context, repair bool) (VerifyReport, error) {
	endpoint := "/v1/verify"
	if repair {
		endpoint = "/v1/repair"
	}
	var r VerifyReport
	err := c.jsonRequest(ctx, http.MethodPost, endpoint, nil, &r)
	return r, err
}
