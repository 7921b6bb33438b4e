package gendb

import (
	"errors"
	"fmt"

	"github.com/alexhholmes/gendb/internal/base"
	"github.com/alexhholmes/gendb/internal/readslots"
	"github.com/alexhholmes/gendb/record"
)

// Error categories. Every error returned by the engine wraps at most one of
// them; test with errors.Is.
var (
	ErrStorage             = base.ErrStorage
	ErrConstraintViolation = base.ErrConstraintViolation
	ErrCorruption          = base.ErrCorruption
	ErrReplicationGap      = base.ErrReplicationGap
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrDatabaseClosed = errors.New("database is closed")
	ErrTooManyReaders = readslots.ErrTooManyReaders

	ErrTxNotWritable = errors.New("transaction is read-only")
	ErrTxDone        = errors.New("transaction has been committed or rolled back")

	ErrDuplicateKey = base.ErrDuplicateKey
	ErrKeyTooLarge  = base.ErrKeyTooLarge
	ErrTypeMismatch = record.ErrTypeMismatch
	ErrNotNull      = record.ErrNotNull
	ErrRowEncoding  = record.ErrRowEncoding

	ErrTableExists   = errors.New("table already exists")
	ErrTableNotFound = errors.New("table not found")
	ErrIndexExists   = errors.New("index already exists")
	ErrIndexNotFound = errors.New("index not found")
	ErrRowNotFound   = errors.New("row not found")

	ErrLogPruned = errors.New("log records before the requested sequence were pruned")

	ErrInvalidMagicNumber = base.ErrInvalidMagicNumber
	ErrInvalidVersion     = base.ErrInvalidVersion
	ErrInvalidPageSize    = base.ErrInvalidPageSize
	ErrInvalidChecksum    = base.ErrInvalidChecksum
)

// GapError reports a log record that is not the next one a database expects.
type GapError struct {
	Expected uint64
	Got      uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("replication gap: expected sequence %d, got %d", e.Expected, e.Got)
}

func (e *GapError) Unwrap() error {
	return ErrReplicationGap
}
