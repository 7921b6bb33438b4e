// Package gendb is an embeddable relational store. Read transactions run
// against an immutable snapshot without blocking; write transactions are
// serialized, commit atomically, and append a replayable log record.
package gendb

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/alexhholmes/gendb/internal/cache"
	"github.com/alexhholmes/gendb/internal/pager"
	"github.com/alexhholmes/gendb/internal/readslots"
	"github.com/alexhholmes/gendb/internal/storage"
	"github.com/alexhholmes/gendb/internal/txlog"
)

type DB struct {
	path   string
	opts   DBOptions
	log    Logger
	closed atomic.Bool

	store   storage.Backend
	cache   *cache.Cache
	pager   *pager.Pager
	readers *readslots.ReaderSlots // Generations held by live readers
	writer  *semaphore.Weighted    // Single writer slot
	tail    *txlog.Tail            // Recently committed log records
}

// Open opens the database at path, creating it if needed.
func Open(path string, options ...DBOption) (*DB, error) {
	opts := DefaultDBOptions()
	for _, opt := range options {
		opt(&opts)
	}

	store, err := openBackend(path, &opts)
	if err != nil {
		return nil, err
	}

	c := cache.NewCache(int64(opts.maxCacheSizeMB) << 20)
	p, err := pager.NewPager(opts.syncMode.pagerMode(), store, c)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	tail, err := txlog.NewTail(uint32(max(opts.tailCacheSize, 1)))
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	db := &DB{
		path:    path,
		opts:    opts,
		log:     opts.logger,
		store:   store,
		cache:   c,
		pager:   p,
		readers: readslots.NewReaderSlots(opts.maxReaders),
		writer:  semaphore.NewWeighted(1),
		tail:    tail,
	}

	meta := p.Snapshot().Meta
	if p.Reclaimed > 0 {
		db.log.Warn("reclaimed pages of an unpublished commit", "path", path, "pages", p.Reclaimed)
	}
	db.log.Info("database opened",
		"path", path,
		"id", uuid.UUID(meta.ID).String(),
		"generation", meta.Generation,
		"sequence", meta.Sequence,
		"pages", meta.NumPages,
	)
	return db, nil
}

func openBackend(path string, opts *DBOptions) (storage.Backend, error) {
	if opts.backend != nil {
		return opts.backend, nil
	}

	fileOpts := storage.FileOptions{DirectIO: opts.directIO}
	switch opts.backendKind {
	case BackendMemory:
		return storage.NewMemory(), nil
	case BackendFile:
		return storage.OpenFile(path, fileOpts)
	default:
		a, err := storage.OpenAtomicFile(path, fileOpts)
		if err != nil {
			return nil, err
		}
		if a.Replayed > 0 {
			opts.logger.Info("replayed commit journal", "path", path, "blocks", a.Replayed)
		}
		if a.Discarded {
			opts.logger.Warn("discarded torn commit journal", "path", path)
		}
		return a, nil
	}
}

// Begin starts a transaction. A write transaction waits for the writer slot.
func (d *DB) Begin(writable bool) (*Tx, error) {
	return d.BeginContext(context.Background(), writable)
}

// BeginContext starts a transaction. Only a write transaction blocks, and
// only while another write transaction holds the writer slot; ctx bounds
// that wait. A read transaction fails with ErrTooManyReaders when
// WithMaxReaders concurrent readers are already active.
func (d *DB) BeginContext(ctx context.Context, writable bool) (*Tx, error) {
	if d.closed.Load() {
		return nil, ErrDatabaseClosed
	}
	if !writable {
		return d.beginRead()
	}

	if err := d.writer.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if d.closed.Load() {
		d.writer.Release(1)
		return nil, ErrDatabaseClosed
	}
	if err := d.pager.Err(); err != nil {
		d.writer.Release(1)
		return nil, err
	}

	// Pages freed by generations no reader can still see become reusable.
	d.pager.Release(d.readers.Min())
	return newWriteTx(d, d.pager.Snapshot()), nil
}

func (d *DB) beginRead() (*Tx, error) {
	for {
		snap := d.pager.Snapshot()
		slot, err := d.readers.Register(snap.Generation())
		if err != nil {
			return nil, err
		}
		// A commit may have published, and a writer released pages of
		// snap, between loading snap and registering it.
		if d.pager.Snapshot() == snap {
			return newReadTx(d, snap, slot), nil
		}
		d.readers.Unregister(slot)
	}
}

// View executes a function within a read-only transaction.
func (d *DB) View(fn func(*Tx) error) error {
	tx, err := d.Begin(false)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}

// Update executes a function within a write transaction and commits it if
// fn returns nil.
func (d *DB) Update(fn func(*Tx) error) error {
	return d.UpdateContext(context.Background(), fn)
}

// UpdateContext is Update with a bound on the wait for the writer slot.
func (d *DB) UpdateContext(ctx context.Context, fn func(*Tx) error) error {
	tx, err := d.BeginContext(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ID returns the database identity assigned at creation.
func (d *DB) ID() uuid.UUID {
	return uuid.UUID(d.pager.Snapshot().Meta.ID)
}

// Generation returns the generation of the published root.
func (d *DB) Generation() uint64 {
	return d.pager.Snapshot().Generation()
}

// Sequence returns the sequence of the last committed log record.
func (d *DB) Sequence() uint64 {
	return d.pager.Snapshot().Meta.Sequence
}

// LogRetention returns the configured retention policy.
func (d *DB) LogRetention() LogRetention {
	return d.opts.logRetention
}

// Logger returns the database logger.
func (d *DB) Logger() Logger {
	return d.log
}

// Path returns the path the database was opened with.
func (d *DB) Path() string {
	return d.path
}

// Stats describes the state of the database.
type Stats struct {
	Generation   uint64
	Sequence     uint64
	NumPages     uint64
	FreePages    int
	PendingPages int
	Readers      int
	Cache        cache.Stats
	Store        storage.Stats
}

// Stats returns cache, I/O and allocation statistics
func (d *DB) Stats() Stats {
	ps := d.pager.Stats()
	return Stats{
		Generation:   ps.Generation,
		Sequence:     d.Sequence(),
		NumPages:     ps.NumPages,
		FreePages:    ps.FreePages,
		PendingPages: ps.PendingPages,
		Readers:      d.readers.Active(),
		Cache:        ps.Cache,
		Store:        ps.Store,
	}
}

// Close waits for the active write transaction, then flushes and closes the
// backend. Read transactions still open fail on their next page load.
func (d *DB) Close() error {
	if err := d.writer.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer d.writer.Release(1)

	if !d.closed.CompareAndSwap(false, true) {
		return ErrDatabaseClosed
	}
	d.tail.Purge()

	err := d.pager.Close()
	if err != nil && !errors.Is(err, storage.ErrClosed) {
		d.log.Error("close failed", "path", d.path, "error", err)
		return err
	}
	d.log.Info("database closed", "path", d.path)
	return nil
}
