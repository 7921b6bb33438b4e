package pager

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/alexhholmes/gendb/internal/base"
)

// Freelist manages Free and pending pages for MVCC transaction isolation.
// Pages are freed in two stages:
// 1. Pending: pages replaced by the commit of generation G stay reachable
// from G-1 and older, so they wait until no reader holds such a snapshot.
// 2. Free: pages released from pending are available for immediate reuse.
type Freelist struct {
	mu      sync.RWMutex
	freed   map[base.PageID]struct{} // Pages available for reuse
	pending map[uint64][]base.PageID // generation -> pages freed by that commit
}

// NewFreelist returns an empty freelist.
func NewFreelist() *Freelist {
	return &Freelist{
		freed:   make(map[base.PageID]struct{}),
		pending: make(map[uint64][]base.PageID),
	}
}

// Allocate returns a Free Page ID, or 0 if none available.
func (f *Freelist) Allocate() base.PageID {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Pop arbitrary element from map
	for id := range f.freed {
		delete(f.freed, id)
		return id
	}
	return 0
}

// AllocateRun returns the first of n consecutive Free page ids, taking the
// lowest such run, or 0 if the freelist holds none.
func (f *Freelist) AllocateRun(n int) base.PageID {
	if n <= 0 {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.freed) < n {
		return 0
	}
	ids := make([]base.PageID, 0, len(f.freed))
	for id := range f.freed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	start := 0
	for i := range ids {
		if i > 0 && ids[i] != ids[i-1]+1 {
			start = i
		}
		if i-start+1 == n {
			first := ids[start]
			for j := 0; j < n; j++ {
				delete(f.freed, first+base.PageID(j))
			}
			return first
		}
	}
	return 0
}

// Free adds a Page ID to the Free list
func (f *Freelist) Free(id base.PageID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freed[id] = struct{}{}
}

// Pending adds pages to the pending map at the given generation.
// Pages remain pending until Release() moves them to Free list.
func (f *Freelist) Pending(gen uint64, pageIDs []base.PageID) {
	if len(pageIDs) == 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range pageIDs {
		delete(f.freed, id)
	}
	f.pending[gen] = append(f.pending[gen], pageIDs...)
}

// Unpend drops the pending entry of an aborted commit.
func (f *Freelist) Unpend(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, gen)
}

// Release moves pages from pending to Free for every generation <= oldest,
// the oldest generation any reader can still observe. Calls onRelease for
// each page while holding the lock so cache invalidation is atomic with
// the page becoming reusable.
func (f *Freelist) Release(oldest uint64, onRelease func(base.PageID)) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	released := 0
	for gen, pages := range f.pending {
		if gen > oldest {
			continue
		}
		for _, pageID := range pages {
			f.freed[pageID] = struct{}{}
			if onRelease != nil {
				onRelease(pageID)
			}
			released++
		}
		delete(f.pending, gen)
	}
	return released
}

func (f *Freelist) byteSize() int {
	size := 8 + len(f.freed)*8 + 8
	for _, pages := range f.pending {
		size += 16 + len(pages)*8
	}
	return size
}

// PagesNeeded returns number of pages needed to serialize this freelist
func (f *Freelist) PagesNeeded() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return max(1, (f.byteSize()+base.PageDataSize-1)/base.PageDataSize)
}

// Serialize writes the freelist into a run of pages starting at first,
// stamping each page header. len(pages) must be PagesNeeded().
//
// Layout: [free count][free ids...][pending count]{[gen][count][ids...]}
func (f *Freelist) Serialize(first base.PageID, gen uint64, pages []*base.Page) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	buf := make([]byte, 0, f.byteSize())

	// Sort for deterministic serialization
	freedSlice := make([]base.PageID, 0, len(f.freed))
	for id := range f.freed {
		freedSlice = append(freedSlice, id)
	}
	sort.Slice(freedSlice, func(i, j int) bool { return freedSlice[i] < freedSlice[j] })

	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(freedSlice)))
	for _, id := range freedSlice {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	}

	gens := make([]uint64, 0, len(f.pending))
	for g := range f.pending {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })

	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(gens)))
	for _, g := range gens {
		ids := f.pending[g]
		buf = binary.LittleEndian.AppendUint64(buf, g)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(ids)))
		for _, id := range ids {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
		}
	}

	for i, page := range pages {
		page.Data = [base.PageSize]byte{}
		chunk := buf[min(len(buf), i*base.PageDataSize):min(len(buf), (i+1)*base.PageDataSize)]
		copy(page.Payload(), chunk)
		page.WriteHeader(&base.PageHeader{
			PageID: first + base.PageID(i),
			Flags:  base.FreelistPageFlag,
			Aux:    uint32(len(chunk)),
			Gen:    gen,
		})
		page.Seal()
	}
}

// Deserialize reads the freelist from its page run
func (f *Freelist) Deserialize(first base.PageID, pages []*base.Page) error {
	buf := make([]byte, 0, base.PageDataSize*len(pages))
	for i, page := range pages {
		id := first + base.PageID(i)
		if err := page.Verify(id); err != nil {
			return err
		}
		h := page.Header()
		if h.Flags != base.FreelistPageFlag || int(h.Aux) > base.PageDataSize {
			return fmt.Errorf("freelist page %d: %w", id, base.ErrCorruption)
		}
		buf = append(buf, page.Payload()[:h.Aux]...)
	}

	r := reader{buf: buf}
	freed := make(map[base.PageID]struct{})
	pending := make(map[uint64][]base.PageID)

	n := r.next()
	for i := uint64(0); i < n && r.err == nil; i++ {
		freed[base.PageID(r.next())] = struct{}{}
	}
	gens := r.next()
	for i := uint64(0); i < gens && r.err == nil; i++ {
		g := r.next()
		count := r.next()
		for j := uint64(0); j < count && r.err == nil; j++ {
			pending[g] = append(pending[g], base.PageID(r.next()))
		}
	}
	if r.err != nil {
		return fmt.Errorf("freelist at page %d: %w", first, r.err)
	}

	f.mu.Lock()
	f.freed = freed
	f.pending = pending
	f.mu.Unlock()
	return nil
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) next() uint64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.buf) {
		r.err = base.ErrCorruption
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

// Stats returns freelist statistics for observability
func (f *Freelist) Stats() (freedCount, pendingCount int) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ids := range f.pending {
		pendingCount += len(ids)
	}
	return len(f.freed), pendingCount
}
