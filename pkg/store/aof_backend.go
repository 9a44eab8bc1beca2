package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sanonone/imagesdb/pkg/persistence"
)

// AOFFileName is the log file name inside the data directory.
const AOFFileName = "records.aof"

// compactMinDead avoids rewriting tiny logs.
const compactMinDead = 64

// AOFBackend stores records as CRC-checked frames in an append-only file.
// Deletes and clears append tombstones; the log is rewritten with only the
// live records once tombstones outweigh them.
type AOFBackend struct {
	mu    sync.Mutex
	path  string
	w     *persistence.AOFWriter
	codec Codec
	ratio float64

	live   int
	dead   int
	nextID uint64
}

// NewAOFBackend opens (or creates) the log in dir.
func NewAOFBackend(dir string, codec Codec, syncEveryWrite bool, compactRatio float64) (*AOFBackend, error) {
	path := filepath.Join(dir, AOFFileName)
	w, err := persistence.NewAOFWriter(path, syncEveryWrite)
	if err != nil {
		return nil, err
	}
	return &AOFBackend{path: path, w: w, codec: codec, ratio: compactRatio, nextID: 1}, nil
}

func (b *AOFBackend) Name() string { return BackendAOF }

// replay folds the log into the set of live records.
func (b *AOFBackend) replay() (map[uint64]Record, int, uint64, error) {
	records := make(map[uint64]Record)
	next := uint64(1)
	frames, err := persistence.Replay(b.path, func(fr persistence.Frame) error {
		switch fr.Op {
		case persistence.OpPut:
			rec, err := b.codec.Decode(fr.Payload)
			if err != nil {
				return err
			}
			records[rec.ID] = rec
			if rec.ID >= next {
				next = rec.ID + 1
			}
		case persistence.OpDelete:
			id, err := decodeID(fr.Payload)
			if err != nil {
				return err
			}
			delete(records, id)
		case persistence.OpClear:
			records = make(map[uint64]Record)
		case persistence.OpNextID:
			id, err := decodeID(fr.Payload)
			if err != nil {
				return err
			}
			if id > next {
				next = id
			}
		default:
			return fmt.Errorf("unknown op code 0x%02x", byte(fr.Op))
		}
		return nil
	})
	return records, frames, next, err
}

func (b *AOFBackend) Load(_ context.Context, fn func(Record) error) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records, frames, next, err := b.replay()
	if err != nil {
		return 0, err
	}
	b.live = len(records)
	b.dead = frames - len(records)
	b.nextID = next

	ids := make([]uint64, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := fn(records[id]); err != nil {
			return 0, err
		}
	}
	slog.Debug("aof: loaded", "path", b.path, "records", len(ids), "frames", frames)
	return next, nil
}

func (b *AOFBackend) Save(_ context.Context, rec Record) error {
	payload, err := b.codec.Encode(rec)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.w.Append(persistence.OpPut, payload); err != nil {
		return err
	}
	b.live++
	if rec.ID >= b.nextID {
		b.nextID = rec.ID + 1
	}
	return nil
}

func (b *AOFBackend) Delete(_ context.Context, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.w.Append(persistence.OpDelete, encodeID(id)); err != nil {
		return err
	}
	if b.live > 0 {
		b.live--
	}
	b.dead += 2
	b.maybeCompactLocked()
	return nil
}

func (b *AOFBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.w.Append(persistence.OpClear, nil); err != nil {
		return err
	}
	b.dead += b.live + 1
	b.live = 0
	b.maybeCompactLocked()
	return nil
}

// maybeCompactLocked rewrites the log when tombstones dominate. A failed
// compaction leaves the old log in place and is only logged.
func (b *AOFBackend) maybeCompactLocked() {
	if b.ratio <= 0 || b.dead < compactMinDead {
		return
	}
	if float64(b.dead) <= b.ratio*float64(max(b.live, 1)) {
		return
	}
	if err := b.compactLocked(); err != nil {
		slog.Warn("aof: compaction failed", "path", b.path, "error", err)
	}
}

// Compact rewrites the log so it holds only live records.
func (b *AOFBackend) Compact() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compactLocked()
}

func (b *AOFBackend) compactLocked() error {
	if err := b.w.Sync(); err != nil {
		return err
	}
	records, _, next, err := b.replay()
	if err != nil {
		return err
	}
	if b.nextID > next {
		next = b.nextID
	}

	ids := make([]uint64, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	frames := make([]persistence.Frame, 0, len(ids)+1)
	frames = append(frames, persistence.Frame{Op: persistence.OpNextID, Payload: encodeID(next)})
	for _, id := range ids {
		payload, err := b.codec.Encode(records[id])
		if err != nil {
			return err
		}
		frames = append(frames, persistence.Frame{Op: persistence.OpPut, Payload: payload})
	}

	tmp := b.path + ".rewrite"
	if err := persistence.WriteFile(tmp, frames); err != nil {
		return err
	}
	if err := b.w.ReplaceWith(tmp); err != nil {
		return err
	}
	slog.Info("aof: compacted", "path", b.path, "live", len(ids), "dropped", b.dead)
	b.live = len(ids)
	b.dead = 0
	return nil
}

func (b *AOFBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w.Close()
}
