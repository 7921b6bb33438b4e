package storage

import (
	"fmt"
	"sync/atomic"

	"github.com/alexhholmes/gendb/internal/base"
)

// ErrInjected is returned by Faulty once its write budget is spent.
var ErrInjected = fmt.Errorf("%w: injected fault", base.ErrStorage)

// Faulty wraps a Backend and starts failing writes and flushes after a
// configured number of successful block writes. Used to simulate a crash in
// the middle of a commit.
type Faulty struct {
	Backend

	budget  atomic.Int64
	armed   atomic.Bool
	tripped atomic.Bool
	flushes atomic.Bool // fail flushes while writes pass
}

// NewFaulty wraps b. The wrapper passes everything through until FailAfter.
func NewFaulty(b Backend) *Faulty {
	return &Faulty{Backend: b}
}

// FailAfter lets n more blocks be written, then fails every write and flush.
func (f *Faulty) FailAfter(n int) {
	f.budget.Store(int64(n))
	f.tripped.Store(false)
	f.armed.Store(true)
}

// FailFlush lets every write through but fails each flush, like a device
// that loses its cache.
func (f *Faulty) FailFlush() {
	f.flushes.Store(true)
}

// Disarm stops injecting faults.
func (f *Faulty) Disarm() {
	f.armed.Store(false)
	f.flushes.Store(false)
}

// Tripped reports whether a fault has been injected.
func (f *Faulty) Tripped() bool {
	return f.tripped.Load()
}

func (f *Faulty) take(blocks int) bool {
	if !f.armed.Load() {
		return true
	}
	if f.budget.Add(-int64(blocks)) < 0 {
		f.tripped.Store(true)
		return false
	}
	return true
}

func (f *Faulty) WriteBlock(id base.PageID, page *base.Page) error {
	if !f.take(1) {
		return ErrInjected
	}
	return f.Backend.WriteBlock(id, page)
}

// WriteBlocks writes the prefix of the run that fits in the budget, leaving
// a partially applied run behind like a crash would.
func (f *Faulty) WriteBlocks(first base.PageID, data []byte) error {
	if err := checkRun(data); err != nil {
		return err
	}
	n := len(data) / base.PageSize
	if !f.armed.Load() {
		return f.Backend.WriteBlocks(first, data)
	}

	remaining := f.budget.Add(-int64(n)) + int64(n)
	if remaining >= int64(n) {
		return f.Backend.WriteBlocks(first, data)
	}
	f.tripped.Store(true)
	if remaining > 0 {
		if err := f.Backend.WriteBlocks(first, data[:remaining*base.PageSize]); err != nil {
			return err
		}
	}
	return ErrInjected
}

func (f *Faulty) Flush() error {
	if f.flushes.Load() {
		f.tripped.Store(true)
		return ErrInjected
	}
	if f.armed.Load() && f.tripped.Load() {
		return ErrInjected
	}
	return f.Backend.Flush()
}
