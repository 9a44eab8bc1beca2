// Package clip implements the CLIP workflows on top of a Collection:
// indexing images, searching them with free text, and zero-shot
// classification of an image against free-text class names.
package clip

import (
	"context"

	"github.com/sanonone/imagesdb/pkg/engine"
	"github.com/sanonone/imagesdb/pkg/store"
)

// Text search defaults: candidates considered and maximum distance kept.
const (
	DefaultTopK      = 50
	DefaultThreshold = 0.8
)

// Collection is the part of engine.Collection the workflows need.
type Collection interface {
	Put(ctx context.Context, key string, embedding []float32) (store.Record, error)
	Search(query []float32, k, ef int) (engine.QueryResult, error)
	Publish(ev engine.Event)
}

var (
	_ Collection = (*engine.Collection)(nil)
	_ KeyRemover = (*engine.Collection)(nil)
)
