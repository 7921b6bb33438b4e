// Package storage provides the block-addressed backends the pager persists
// pages to: an in-memory store, a plain file and a journaled atomic file.
package storage

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/alexhholmes/gendb/internal/base"
)

// Backend is durable read/write of fixed-size blocks. Implementations must
// be safe for concurrent use: readers call ReadBlock while the writer writes
// blocks that no published root references.
type Backend interface {
	// ReadBlock returns a copy of block id.
	ReadBlock(id base.PageID) (*base.Page, error)
	// WriteBlock writes one block.
	WriteBlock(id base.PageID, page *base.Page) error
	// WriteBlocks writes a contiguous run starting at first. len(data) must be
	// a multiple of base.PageSize.
	WriteBlocks(first base.PageID, data []byte) error
	// Allocate extends the addressable size by n blocks and returns the first.
	Allocate(n int) base.PageID
	// Size returns the number of addressable blocks.
	Size() uint64
	// Flush makes every completed write durable.
	Flush() error
	Close() error
	Stats() Stats
}

var (
	ErrClosed       = fmt.Errorf("%w: backend closed", base.ErrStorage)
	ErrOutOfRange   = fmt.Errorf("%w: block out of range", base.ErrStorage)
	ErrShortIO      = fmt.Errorf("%w: short read or write", base.ErrStorage)
	ErrUnalignedRun = errors.New("run size is not a multiple of the page size")
)

// Stats holds I/O statistics
type Stats struct {
	Reads   uint64
	Writes  uint64
	Read    uint64
	Written uint64
	Flushes uint64
}

// counters is embedded by every backend.
type counters struct {
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
	flushes atomic.Uint64
}

func (c *counters) Stats() Stats {
	return Stats{
		Reads:   c.reads.Load(),
		Writes:  c.writes.Load(),
		Read:    c.read.Load(),
		Written: c.written.Load(),
		Flushes: c.flushes.Load(),
	}
}

func (c *counters) countRead(n int) {
	c.reads.Add(1)
	c.read.Add(uint64(n))
}

func (c *counters) countWrite(n int) {
	c.writes.Add(1)
	c.written.Add(uint64(n))
}

func wrapIO(op string, id base.PageID, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, base.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s block %d: %v", base.ErrStorage, op, id, err)
}

func checkRun(data []byte) error {
	if len(data) == 0 || len(data)%base.PageSize != 0 {
		return fmt.Errorf("%w: %d bytes: %v", base.ErrStorage, len(data), ErrUnalignedRun)
	}
	return nil
}
