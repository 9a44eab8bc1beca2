package server

import (
	"github.com/sanonone/imagesdb/pkg/clip"
	"github.com/sanonone/imagesdb/pkg/engine"
	"github.com/sanonone/imagesdb/pkg/store"
)

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// PutRecordRequest defines the body for POST /v1/records.
type PutRecordRequest struct {
	Key       string    `json:"key"`
	Embedding []float32 `json:"embedding"`
}

// BatchPutRequest defines the body for POST /v1/records/batch.
type BatchPutRequest struct {
	Items []engine.BatchItem `json:"items"`
}

type BatchPutResponse struct {
	Records []store.Record `json:"records"`
	Error   string         `json:"error,omitempty"`
}

type ListRecordsResponse struct {
	Records []store.Record `json:"records"`
	Count   int            `json:"count"`
}

type RemoveResponse struct {
	Removed bool `json:"removed"`
}

// SearchRequest defines the body for POST /v1/search.
type SearchRequest struct {
	Embedding []float32 `json:"embedding"`
	K         int       `json:"k"`
	Ef        int       `json:"ef,omitempty"`
}

// TextSearchRequest defines the body for POST /v1/search/text. A zero K and
// an absent threshold take the configured defaults.
type TextSearchRequest struct {
	Query     string   `json:"query"`
	K         int      `json:"k,omitempty"`
	Ef        int      `json:"ef,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type SearchResult struct {
	ID    uint64  `json:"id"`
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

type SearchResponse struct {
	Query              string         `json:"query,omitempty"`
	Results            []SearchResult `json:"results"`
	NumVectorsSearched int            `json:"num_vectors_searched"`
	TimeTakenMillis    int64          `json:"time_taken_millis"`
}

// IndexImagesRequest defines the body for POST /v1/images. Directories are
// expanded to the image files they contain.
type IndexImagesRequest struct {
	Paths []string `json:"paths"`
	// Async returns 202 with a task id instead of waiting.
	Async bool `json:"async,omitempty"`
}

// ClassifyRequest defines the body for POST /v1/classify: either Image
// (base64 in JSON) or Path must be set.
type ClassifyRequest struct {
	Image   []byte `json:"image,omitempty"`
	Path    string `json:"path,omitempty"`
	Classes string `json:"classes"`
}

type ClassifyResponse struct {
	Scores []clip.ClassScore `json:"scores"`
}

type VerifyResponse struct {
	Consistent bool `json:"consistent"`
	engine.ConsistencyReport
}

func toSearchResults(hits []engine.Hit) []SearchResult {
	out := make([]SearchResult, len(hits))
	for i, h := range hits {
		out[i] = SearchResult{ID: h.Record.ID, Key: h.Record.Key, Score: h.Score}
	}
	return out
}
