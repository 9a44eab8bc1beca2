package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

var (
	badgerRecPrefix = []byte("rec/")
	badgerNextIDKey = []byte("meta/next_id")
)

// BadgerOptions configures the BadgerDB backend.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string
	// InMemory runs BadgerDB without disk persistence. Useful in tests.
	InMemory bool
	// Sync makes every write fsync before it returns.
	Sync  bool
	Codec Codec
}

// BadgerBackend keeps records in BadgerDB under big-endian id keys, so
// iteration order is id order.
type BadgerBackend struct {
	db    *badger.DB
	codec Codec
}

// NewBadgerBackend opens the database.
func NewBadgerBackend(opts BadgerOptions) (*BadgerBackend, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("store: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(slogBadgerLogger{})
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(slogBadgerLogger{})
	}
	dbOpts = dbOpts.WithSyncWrites(opts.Sync)
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return &BadgerBackend{db: db, codec: opts.Codec}, nil
}

func (b *BadgerBackend) Name() string { return BackendBadger }

func recKey(id uint64) []byte {
	k := make([]byte, len(badgerRecPrefix)+8)
	copy(k, badgerRecPrefix)
	binary.BigEndian.PutUint64(k[len(badgerRecPrefix):], id)
	return k
}

func (b *BadgerBackend) Load(_ context.Context, fn func(Record) error) (uint64, error) {
	next := uint64(1)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerNextIDKey)
		switch {
		case err == nil:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if n, err := decodeID(v); err == nil {
				next = n
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = badgerRecPrefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(badgerRecPrefix); it.ValidForPrefix(badgerRecPrefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := b.codec.Decode(val)
			if err != nil {
				return err
			}
			if rec.ID >= next {
				next = rec.ID + 1
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
	return next, err
}

// Save writes the record and the advanced id counter in one transaction.
func (b *BadgerBackend) Save(_ context.Context, rec Record) error {
	payload, err := b.codec.Encode(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recKey(rec.ID), payload); err != nil {
			return err
		}
		cur := uint64(0)
		item, err := txn.Get(badgerNextIDKey)
		switch {
		case err == nil:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cur, _ = decodeID(v)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if rec.ID+1 > cur {
			return txn.Set(badgerNextIDKey, encodeID(rec.ID+1))
		}
		return nil
	})
}

func (b *BadgerBackend) Delete(_ context.Context, id uint64) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *BadgerBackend) Clear(_ context.Context) error {
	return b.db.DropPrefix(badgerRecPrefix)
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// slogBadgerLogger routes badger's warnings and errors to slog and drops
// its chatty info and debug output.
type slogBadgerLogger struct{}

func (slogBadgerLogger) Errorf(f string, v ...interface{}) {
	slog.Error(fmt.Sprintf("[badger] "+f, v...))
}
func (slogBadgerLogger) Warningf(f string, v ...interface{}) {
	slog.Warn(fmt.Sprintf("[badger] "+f, v...))
}
func (slogBadgerLogger) Infof(string, ...interface{})  {}
func (slogBadgerLogger) Debugf(string, ...interface{}) {}
