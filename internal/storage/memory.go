package storage

import (
	"sync"
	"sync/atomic"

	"github.com/alexhholmes/gendb/internal/base"
)

// Memory is a volatile backend. Closing it is a no-op, so the same Memory can
// be handed to a second DB to simulate a process restart.
type Memory struct {
	counters

	mu     sync.RWMutex
	blocks map[base.PageID]*base.Page
	size   atomic.Uint64
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[base.PageID]*base.Page)}
}

func (m *Memory) ReadBlock(id base.PageID) (*base.Page, error) {
	if uint64(id) >= m.size.Load() {
		return nil, wrapIO("read", id, ErrOutOfRange)
	}

	page := &base.Page{}
	m.mu.RLock()
	if stored, ok := m.blocks[id]; ok {
		page.Data = stored.Data
	}
	m.mu.RUnlock()

	m.countRead(base.PageSize)
	return page, nil
}

func (m *Memory) WriteBlock(id base.PageID, page *base.Page) error {
	stored := &base.Page{Data: page.Data}

	m.mu.Lock()
	m.blocks[id] = stored
	m.mu.Unlock()

	m.grow(uint64(id) + 1)
	m.countWrite(base.PageSize)
	return nil
}

func (m *Memory) WriteBlocks(first base.PageID, data []byte) error {
	if err := checkRun(data); err != nil {
		return err
	}

	n := len(data) / base.PageSize
	m.mu.Lock()
	for i := 0; i < n; i++ {
		stored := &base.Page{}
		copy(stored.Data[:], data[i*base.PageSize:])
		m.blocks[first+base.PageID(i)] = stored
	}
	m.mu.Unlock()

	m.grow(uint64(first) + uint64(n))
	m.countWrite(len(data))
	return nil
}

func (m *Memory) grow(size uint64) {
	for {
		cur := m.size.Load()
		if size <= cur || m.size.CompareAndSwap(cur, size) {
			return
		}
	}
}

func (m *Memory) Allocate(n int) base.PageID {
	return base.PageID(m.size.Add(uint64(n)) - uint64(n))
}

func (m *Memory) Size() uint64 {
	return m.size.Load()
}

func (m *Memory) Flush() error {
	m.flushes.Add(1)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Clone returns an independent copy of the current contents.
func (m *Memory) Clone() *Memory {
	c := NewMemory()
	m.mu.RLock()
	for id, page := range m.blocks {
		c.blocks[id] = &base.Page{Data: page.Data}
	}
	m.mu.RUnlock()
	c.size.Store(m.size.Load())
	return c
}
