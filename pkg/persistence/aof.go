package persistence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// AOFWriter manages writing frames to the append-only file.
type AOFWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	fw   *FrameWriter
	path string
	// sync makes every Append fsync before returning.
	sync bool
}

// NewAOFWriter opens or creates a log file at the given path.
func NewAOFWriter(path string, syncEveryWrite bool) (*AOFWriter, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open AOF file: %w", err)
	}
	a := &AOFWriter{
		file: file,
		buf:  bufio.NewWriter(file),
		path: path,
		sync: syncEveryWrite,
	}
	a.fw = NewFrameWriter(a.buf)
	return a, nil
}

// Append writes one frame and flushes it to the file, syncing it to disk
// when the writer was opened with syncEveryWrite.
func (a *AOFWriter) Append(op OpCode, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fw.WriteFrame(op, payload); err != nil {
		return err
	}
	if err := a.buf.Flush(); err != nil {
		return err
	}
	if a.sync {
		return a.file.Sync()
	}
	return nil
}

// Sync flushes the buffer and fsyncs the file.
func (a *AOFWriter) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.buf.Flush(); err != nil {
		return err
	}
	return a.file.Sync()
}

// Close flushes and closes the underlying file.
func (a *AOFWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.buf.Flush(); err != nil {
		_ = a.file.Close()
		return err
	}
	if err := a.file.Sync(); err != nil {
		_ = a.file.Close()
		return err
	}
	return a.file.Close()
}

// Size returns the current file size in bytes.
func (a *AOFWriter) Size() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.buf.Flush(); err != nil {
		return 0, err
	}
	st, err := a.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Path returns the file path.
func (a *AOFWriter) Path() string {
	return a.path
}

// ReplaceWith atomically renames newFilePath over the log and reopens it.
// Used at the end of a compaction.
func (a *AOFWriter) ReplaceWith(newFilePath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_ = a.buf.Flush()
	_ = a.file.Close()

	if err := os.Rename(newFilePath, a.path); err != nil {
		return fmt.Errorf("failed to replace AOF file: %w", err)
	}

	file, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen AOF file after replace: %w", err)
	}
	a.file = file
	a.buf.Reset(file)
	return nil
}

// WriteFile writes frames to a fresh file at path and fsyncs it. It is the
// first half of a compaction; ReplaceWith is the second.
func WriteFile(path string, frames []Frame) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	fw := NewFrameWriter(bw)
	for _, fr := range frames {
		if err := fw.WriteFrame(fr.Op, fr.Payload); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Replay reads every frame of the file at path and hands it to fn.
// A missing file is an empty log. A torn frame at the tail (a crash during
// a write) is cut off with a warning; corruption before the tail is an error.
func Replay(path string, fn func(Frame) error) (frames int, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	total := st.Size()

	r := bufio.NewReader(f)
	var offset int64
	for {
		fr, n, rerr := ReadFrameLimit(r, max(total-offset-HeaderSize, 0))
		if rerr == io.EOF {
			return frames, nil
		}
		if rerr != nil {
			// An incomplete frame runs past the end of the file.
			tail := errors.Is(rerr, ErrIncompleteFrame) || offset+int64(n) >= total
			if tail && (errors.Is(rerr, ErrIncompleteFrame) || errors.Is(rerr, ErrChecksumMismatch)) {
				slog.Warn("aof: truncating torn tail frame", "path", path, "offset", offset, "error", rerr)
				if terr := f.Truncate(offset); terr != nil {
					return frames, fmt.Errorf("aof: truncate torn tail: %w", terr)
				}
				return frames, nil
			}
			return frames, fmt.Errorf("aof: frame at offset %d: %w", offset, rerr)
		}
		if err := fn(fr); err != nil {
			return frames, err
		}
		frames++
		offset += int64(n)
	}
}
