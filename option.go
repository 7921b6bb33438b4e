package gendb

import (
	"github.com/alexhholmes/gendb/internal/pager"
	"github.com/alexhholmes/gendb/internal/storage"
)

// SyncMode controls when database writes are flushed to stable storage
type SyncMode int

const (
	// SyncEveryCommit flushes the backend before a commit publishes.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency
	// - Use for: critical data, replication masters
	SyncEveryCommit SyncMode = iota

	// SyncOff never flushes on commit; Close still flushes.
	// - Maximum throughput
	// - Commits since the last flush are lost on crash
	// - Use for: testing, bulk imports with external durability
	SyncOff
)

func (m SyncMode) pagerMode() pager.SyncMode {
	if m == SyncOff {
		return pager.SyncOff
	}
	return pager.SyncEveryCommit
}

// LogRetention controls when transaction log records are deleted.
type LogRetention int

const (
	// RetainAll keeps every record until PruneLog is called explicitly.
	RetainAll LogRetention = iota
	// PruneAcked lets a log server prune records every follower acknowledged.
	PruneAcked
)

// BackendKind selects the storage backend Open creates.
type BackendKind int

const (
	BackendFile BackendKind = iota
	BackendAtomicFile
	BackendMemory
)

// DBOptions configures database behavior.
type DBOptions struct {
	backendKind    BackendKind
	backend        storage.Backend // caller supplied, overrides backendKind
	directIO       bool
	syncMode       SyncMode
	maxCacheSizeMB int // Ceiling of the shared node cache in MB
	logRetention   LogRetention
	tailCacheSize  int // Recent log records kept in memory
	maxReaders     int // Concurrent read transactions
	logger         Logger
}

// DefaultDBOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultDBOptions() DBOptions {
	return DBOptions{
		backendKind:    BackendAtomicFile,
		syncMode:       SyncEveryCommit,
		maxCacheSizeMB: 64,
		logRetention:   RetainAll,
		tailCacheSize:  1024,
		maxReaders:     256,
		logger:         DiscardLogger{},
	}
}

// DBOption configures database options using the functional options pattern.
type DBOption func(*DBOptions)

// WithBackend makes Open use b instead of creating a backend. The path
// passed to Open is then only used in log messages.
//
//goland:noinspection GoUnusedExportedFunction
func WithBackend(b storage.Backend) DBOption {
	return func(opts *DBOptions) {
		opts.backend = b
	}
}

// WithMemory keeps the database in a volatile in-memory backend.
//
//goland:noinspection GoUnusedExportedFunction
func WithMemory() DBOption {
	return func(opts *DBOptions) {
		opts.backendKind = BackendMemory
	}
}

// WithAtomicFile stores the database in a file with a journal so every
// commit applies all-or-nothing. This is the default.
//
//goland:noinspection GoUnusedExportedFunction
func WithAtomicFile() DBOption {
	return func(opts *DBOptions) {
		opts.backendKind = BackendAtomicFile
	}
}

// WithPlainFile stores the database in a single file without a journal.
// The double-buffered meta page still protects the published root.
//
//goland:noinspection GoUnusedExportedFunction
func WithPlainFile() DBOption {
	return func(opts *DBOptions) {
		opts.backendKind = BackendFile
	}
}

// WithDirectIO bypasses the OS page cache for file backends.
//
//goland:noinspection GoUnusedExportedFunction
func WithDirectIO() DBOption {
	return func(opts *DBOptions) {
		opts.directIO = true
	}
}

// WithSyncEveryCommit configures the database to fsync on every commit.
// This provides maximum durability (zero data loss) but lower throughput.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncEveryCommit() DBOption {
	return func(opts *DBOptions) {
		opts.syncMode = SyncEveryCommit
	}
}

// WithSyncOff disables fsync entirely.
// This provides maximum throughput but all unflushed data is lost on crash.
// Only use for testing or bulk loads where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() DBOption {
	return func(opts *DBOptions) {
		opts.syncMode = SyncOff
	}
}

// WithMaxCacheSizeMB sets the maximum size of in-memory cache in MB.
// When the cache exceeds this size, the least recently used unpinned
// nodes are evicted. A write transaction whose dirty pages exceed half of
// it spills them to the backend early.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxCacheSizeMB(mb int) DBOption {
	return func(opts *DBOptions) {
		opts.maxCacheSizeMB = mb
	}
}

// WithLogRetention sets the transaction log retention policy.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogRetention(r LogRetention) DBOption {
	return func(opts *DBOptions) {
		opts.logRetention = r
	}
}

// WithTailCacheSize sets how many recent log records are cached in memory.
//
//goland:noinspection GoUnusedExportedFunction
func WithTailCacheSize(n int) DBOption {
	return func(opts *DBOptions) {
		opts.tailCacheSize = n
	}
}

// WithMaxReaders bounds concurrent read transactions, 256 by default. A read
// transaction begun while the limit is reached fails with ErrTooManyReaders
// rather than waiting; it never blocks on the writer.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxReaders(n int) DBOption {
	return func(opts *DBOptions) {
		opts.maxReaders = n
	}
}

// WithLogger sets the logger. *slog.Logger satisfies Logger; see pkg logger
// for logrus and zap adapters.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) DBOption {
	return func(opts *DBOptions) {
		if l != nil {
			opts.logger = l
		}
	}
}
