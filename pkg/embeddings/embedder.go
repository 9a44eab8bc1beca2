// Package embeddings defines the embedding producer the collection consumes:
// a model that maps text and images into the same vector space.
package embeddings

import (
	"context"
	"errors"

	"github.com/sanonone/imagesdb/pkg/core/types"
)

var (
	// ErrEmptyInput is returned for empty text or image payloads.
	ErrEmptyInput = errors.New("embeddings: empty input")
	// ErrDimensionMismatch is returned when the model answers with a vector
	// of unexpected length.
	ErrDimensionMismatch = types.ErrDimensionMismatch
)

// Embedder converts text and images into vector representations.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
	// Dimension is the length of every returned vector.
	Dimension() int
}
