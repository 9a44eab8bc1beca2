package store

import (
	"context"
	"fmt"
	"os"

	"github.com/sanonone/imagesdb/pkg/core/distance"
)

// Backend kinds accepted by OpenBackend.
const (
	BackendMemory = "memory"
	BackendAOF    = "aof"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Backend is the durable byte-level collaborator behind the store. Save and
// Delete must be durable when they return. Backends remember the highest id
// they have ever saved, so Load can report the next id to assign even after
// the records themselves are gone.
type Backend interface {
	Name() string
	// Load calls fn for every record in ascending id order and returns the
	// next id to assign.
	Load(ctx context.Context, fn func(Record) error) (nextID uint64, err error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id uint64) error
	// Clear removes every record but keeps the id counter.
	Clear(ctx context.Context) error
	Close() error
}

// BackendOptions configures OpenBackend.
type BackendOptions struct {
	Kind      string
	DataDir   string
	Precision distance.PrecisionType
	// Sync makes the AOF and badger backends fsync every write.
	Sync bool
	// CompactRatio triggers an AOF rewrite when dead frames exceed
	// CompactRatio times the live records. Zero disables it.
	CompactRatio float64
}

// OpenBackend opens the backend selected by opts.Kind, creating the data
// directory when needed.
func OpenBackend(opts BackendOptions) (Backend, error) {
	if opts.Kind == BackendMemory || opts.Kind == "" {
		return NewMemoryBackend(), nil
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("store: %s backend needs a data directory", opts.Kind)
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}
	codec := Codec{Precision: opts.Precision}
	switch opts.Kind {
	case BackendAOF:
		return NewAOFBackend(opts.DataDir, codec, opts.Sync, opts.CompactRatio)
	case BackendBadger:
		return NewBadgerBackend(BadgerOptions{Dir: opts.DataDir, Sync: opts.Sync, Codec: codec})
	case BackendSQLite:
		return NewSQLiteBackend(opts.DataDir, opts.Precision)
	}
	return nil, fmt.Errorf("store: unknown backend %q", opts.Kind)
}

// memoryBackend persists nothing.
type memoryBackend struct{}

// NewMemoryBackend returns a backend that keeps nothing across restarts.
func NewMemoryBackend() Backend { return memoryBackend{} }

func (memoryBackend) Name() string { return BackendMemory }
func (memoryBackend) Load(context.Context, func(Record) error) (uint64, error) {
	return 1, nil
}
func (memoryBackend) Save(context.Context, Record) error   { return nil }
func (memoryBackend) Delete(context.Context, uint64) error { return nil }
func (memoryBackend) Clear(context.Context) error          { return nil }
func (memoryBackend) Close() error                         { return nil }
