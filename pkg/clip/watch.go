package clip

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a path must stay quiet before it is indexed.
const DefaultSettle = 500 * time.Millisecond

// KeyRemover is implemented by collections that can drop records by key.
// *engine.Collection does.
type KeyRemover interface {
	RemoveKey(ctx context.Context, key string) (int, error)
}

// SyncReport summarises one batch of filesystem changes.
type SyncReport struct {
	Ingest IngestReport `json:"ingest"`
	// Removed counts records dropped because their file is gone.
	Removed int `json:"removed"`
	// Replaced counts old records dropped before their file was reindexed.
	Replaced int `json:"replaced"`
}

// Watcher keeps a collection in step with image directories. Created or
// rewritten images are (re)indexed under their path; deleted or renamed
// ones lose their records when the collection is a KeyRemover.
type Watcher struct {
	Indexer *Indexer
	// Settle batches bursts of events: a path is handled once no event
	// touched it for this long.
	Settle time.Duration
	// OnSync, when set, is called after each batch.
	OnSync func(SyncReport)
}

func NewWatcher(ix *Indexer) *Watcher {
	return &Watcher{Indexer: ix, Settle: DefaultSettle}
}

func isImage(path string) bool {
	return slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(path)))
}

// Watch blocks until ctx is cancelled, which is not reported as an error.
// Subdirectories are watched too, including ones created later.
func (w *Watcher) Watch(ctx context.Context, dirs []string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("clip: create watcher: %w", err)
	}
	defer fw.Close()

	for _, d := range dirs {
		if err := addTree(fw, d); err != nil {
			return err
		}
	}
	slog.Info("clip: watching for images", "dirs", dirs)

	settle := w.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("clip: watcher error", "error", err)
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := addTree(fw, ev.Name); err != nil {
						slog.Warn("clip: cannot watch new directory", "dir", ev.Name, "error", err)
					}
					continue
				}
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if isImage(ev.Name) {
				pending[ev.Name] = time.Now()
			}
		case now := <-ticker.C:
			var ready []string
			for p, t := range pending {
				if now.Sub(t) >= settle {
					ready = append(ready, p)
					delete(pending, p)
				}
			}
			if len(ready) == 0 {
				continue
			}
			slices.Sort(ready)
			rep, err := w.Sync(ctx, ready)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				slog.Error("clip: sync failed", "error", err)
			}
			if w.OnSync != nil {
				w.OnSync(rep)
			}
		}
	}
}

// Sync brings the records of paths up to date with the filesystem: every
// existing path is reindexed, every missing one is removed.
func (w *Watcher) Sync(ctx context.Context, paths []string) (SyncReport, error) {
	var rep SyncReport
	remover, _ := w.Indexer.Collection.(KeyRemover)

	var present []string
	for _, p := range paths {
		_, err := os.Stat(p)
		exists := err == nil
		if remover != nil {
			n, rerr := remover.RemoveKey(ctx, p)
			if rerr != nil {
				return rep, rerr
			}
			if exists {
				rep.Replaced += n
			} else {
				rep.Removed += n
			}
		}
		if exists {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		return rep, nil
	}
	ingest, err := w.Indexer.IndexImages(ctx, present)
	rep.Ingest = ingest
	return rep, err
}

func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("clip: watch %s: %w", path, err)
		}
		return nil
	})
}
