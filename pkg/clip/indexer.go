package clip

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sanonone/imagesdb/pkg/embeddings"
	"github.com/sanonone/imagesdb/pkg/engine"
)

// ImageSource loads the raw bytes of an image by key.
type ImageSource interface {
	Load(ctx context.Context, key string) ([]byte, error)
}

// FileSource reads images from the local filesystem.
type FileSource struct{}

func (FileSource) Load(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ImageExtensions lists the file extensions ExpandPaths picks up.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif", ".bmp"}

// ExpandPaths replaces every directory in paths with the image files found
// under it, recursively. Plain files are kept as given.
func ExpandPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			for _, e := range ImageExtensions {
				if ext == e {
					out = append(out, path)
					break
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", p, err)
		}
	}
	return out, nil
}

// ImageFailure records an image that could not be indexed.
type ImageFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// IngestReport summarises an IndexImages run.
type IngestReport struct {
	Total    int            `json:"total"`
	Inserted []uint64       `json:"inserted"`
	Failed   []ImageFailure `json:"failed,omitempty"`
	Duration time.Duration  `json:"-"`
	Millis   int64          `json:"duration_millis"`
}

// Indexer embeds images and stores them in a collection.
type Indexer struct {
	Collection Collection
	Embedder   embeddings.Embedder
	Source     ImageSource
	// Buffer is how many loaded images may wait for the embedder.
	Buffer int
	// Progress, when set, is called after each image.
	Progress func(done, total, failed int)
}

// NewIndexer returns an Indexer that reads images from the file system and
// buffers up to 8 of them ahead of the embedder.
func NewIndexer(col Collection, emb embeddings.Embedder) *Indexer {
	return &Indexer{Collection: col, Embedder: emb, Source: FileSource{}, Buffer: 8}
}

type loadedImage struct {
	key  string
	data []byte
	err  error
}

// IndexImages loads every key through the Source and inserts its embedding
// under that key. Loading runs ahead of embedding in its own goroutine.
// A failing image is recorded in the report and does not stop the run;
// cancelling ctx does.
func (ix *Indexer) IndexImages(parent context.Context, keys []string) (IngestReport, error) {
	start := time.Now()
	report := IngestReport{Total: len(keys), Inserted: make([]uint64, 0, len(keys))}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	buf := ix.Buffer
	if buf <= 0 {
		buf = 1
	}
	src := ix.Source
	if src == nil {
		src = FileSource{}
	}

	loaded := make(chan loadedImage, buf)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(loaded)
		for _, key := range keys {
			if ctx.Err() != nil {
				return
			}
			data, err := src.Load(ctx, key)
			select {
			case loaded <- loadedImage{key: key, data: data, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()

	done := 0
	for img := range loaded {
		if id, err := ix.indexOne(ctx, img); err != nil {
			slog.Warn("clip: image not indexed", "key", img.key, "error", err)
			report.Failed = append(report.Failed, ImageFailure{Key: img.key, Error: err.Error()})
		} else {
			report.Inserted = append(report.Inserted, id)
		}
		done++
		if ix.Progress != nil {
			ix.Progress(done, len(keys), len(report.Failed))
		}
		ix.Collection.Publish(engine.Event{
			Type:   engine.EventIngestProgress,
			Key:    img.key,
			Done:   done,
			Total:  len(keys),
			Failed: len(report.Failed),
		})
		if ctx.Err() != nil {
			break
		}
	}
	cancel()
	wg.Wait()

	report.Duration = time.Since(start)
	report.Millis = report.Duration.Milliseconds()
	ix.Collection.Publish(engine.Event{
		Type:   engine.EventIngestDone,
		Done:   done,
		Total:  len(keys),
		Failed: len(report.Failed),
	})
	slog.Info("clip: indexing finished",
		"total", len(keys), "inserted", len(report.Inserted),
		"failed", len(report.Failed), "duration", report.Duration.String())

	if err := parent.Err(); err != nil && done < len(keys) {
		return report, err
	}
	return report, nil
}

func (ix *Indexer) indexOne(ctx context.Context, img loadedImage) (uint64, error) {
	if img.err != nil {
		return 0, fmt.Errorf("load: %w", img.err)
	}
	vec, err := ix.Embedder.EmbedImage(ctx, img.data)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}
	rec, err := ix.Collection.Put(ctx, img.key, vec)
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}
