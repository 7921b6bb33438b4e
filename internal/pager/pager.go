// Package pager allocates pages, loads and writes nodes, and publishes
// committed Database Roots.
package pager

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alexhholmes/gendb/internal/base"
	"github.com/alexhholmes/gendb/internal/cache"
	"github.com/alexhholmes/gendb/internal/storage"
)

// SyncMode controls when to flush the backend.
type SyncMode int

const (
	SyncEveryCommit SyncMode = iota
	SyncOff
)

const (
	// Bootstrap layout of a new database.
	initialCatalogRoot base.PageID = 2
	initialLogRoot     base.PageID = 3
	initialFreelist    base.PageID = 4
	initialPages                   = 5

	// maxParallelRuns bounds concurrent run writes at commit.
	maxParallelRuns = 4
)

// Pager coordinates store, cache, meta, and freelist
type Pager struct {
	cache *cache.Cache    // Shared LRU of decoded published nodes
	store storage.Backend // Block I/O backend
	mode  SyncMode        // Sync mode for commits

	// Published Database Root, swapped once per commit
	active atomic.Pointer[Snapshot]

	// Freelist management (owns its own mutex)
	freelist *Freelist

	// Reclaimed is the number of orphaned blocks past the committed page
	// count found on open, left behind by a commit that never published.
	Reclaimed int

	// failed is set when a flush after the meta write fails. The medium may
	// hold that meta page, so its pages are never reused and every later
	// commit is refused until reopen. Guarded by the writer lock.
	failed error
}

// NewPager opens the database held by store, initializing it when empty.
func NewPager(mode SyncMode, store storage.Backend, cache *cache.Cache) (*Pager, error) {
	p := &Pager{
		mode:     mode,
		store:    store,
		cache:    cache,
		freelist: NewFreelist(),
	}

	if store.Size() == 0 {
		if err := p.bootstrap(); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

// bootstrap writes an empty catalog, an empty log, an empty freelist and the
// first meta page.
func (p *Pager) bootstrap() error {
	p.store.Allocate(initialPages)

	var catalog, log, freelist base.Page
	if err := base.NewLeaf(initialCatalogRoot).Serialize(0, &catalog); err != nil {
		return err
	}
	if err := base.NewLeaf(initialLogRoot).Serialize(0, &log); err != nil {
		return err
	}
	p.freelist.Serialize(initialFreelist, 0, []*base.Page{&freelist})

	buf := make([]byte, 0, 3*base.PageSize)
	buf = append(buf, catalog.Data[:]...)
	buf = append(buf, log.Data[:]...)
	buf = append(buf, freelist.Data[:]...)
	if err := p.store.WriteBlocks(initialCatalogRoot, buf); err != nil {
		return err
	}
	if err := p.store.Flush(); err != nil {
		return err
	}

	meta := base.MetaPage{
		Magic:         base.MagicNumber,
		Version:       base.FormatVersion,
		PageSize:      base.PageSize,
		ID:            uuid.New(),
		CatalogRoot:   initialCatalogRoot,
		LogRoot:       initialLogRoot,
		FreelistID:    initialFreelist,
		FreelistPages: 1,
		NumPages:      initialPages,
	}
	var metaPage base.Page
	metaPage.WriteMeta(&meta)
	if err := p.store.WriteBlock(0, &metaPage); err != nil {
		return err
	}
	if err := p.store.Flush(); err != nil {
		return err
	}

	p.active.Store(&Snapshot{Meta: meta})
	return nil
}

// load picks the newest valid meta page and restores the freelist.
func (p *Pager) load() error {
	var (
		best *base.MetaPage
		errs []error
	)
	for slot := base.PageID(0); slot < base.MetaPageCount; slot++ {
		page, err := p.store.ReadBlock(slot)
		if err == nil {
			var meta *base.MetaPage
			meta, err = page.ReadMeta(slot)
			if err == nil {
				if best == nil || meta.Generation > best.Generation {
					best = meta
				}
				continue
			}
		}
		errs = append(errs, fmt.Errorf("meta %d: %w", slot, err))
	}
	if best == nil {
		return fmt.Errorf("both meta pages invalid: %w", errors.Join(errs...))
	}

	pages := make([]*base.Page, best.FreelistPages)
	for i := range pages {
		page, err := p.store.ReadBlock(best.FreelistID + base.PageID(i))
		if err != nil {
			return err
		}
		pages[i] = page
	}
	if err := p.freelist.Deserialize(best.FreelistID, pages); err != nil {
		return err
	}

	// No readers exist yet, every pending page is reclaimable.
	p.freelist.Release(math.MaxUint64, nil)

	// Blocks past NumPages belong to a commit that never published.
	for id := best.NumPages; id < p.store.Size(); id++ {
		p.freelist.Free(base.PageID(id))
		p.Reclaimed++
	}

	p.active.Store(&Snapshot{Meta: *best})
	return nil
}

// Allocate returns count contiguous page ids, reusing free pages when the
// freelist holds a long enough run and extending the backend otherwise.
func (p *Pager) Allocate(count int) base.PageID {
	if count <= 0 {
		return 0
	}
	if count == 1 {
		if id := p.freelist.Allocate(); id != 0 {
			return id
		}
	} else if id := p.freelist.AllocateRun(count); id != 0 {
		return id
	}
	return p.store.Allocate(count)
}

// Free returns never-published pages to the freelist for immediate reuse.
func (p *Pager) Free(ids ...base.PageID) {
	for _, id := range ids {
		p.freelist.Free(id)
	}
}

// Release makes pages freed by generations <= oldest reusable and drops
// them from the cache.
func (p *Pager) Release(oldest uint64) int {
	return p.freelist.Release(oldest, p.cache.Delete)
}

// Err returns the error that stopped commits, or nil.
func (p *Pager) Err() error {
	return p.failed
}

// Snapshot returns the currently published Database Root.
func (p *Pager) Snapshot() *Snapshot {
	return p.active.Load()
}

// LoadNode retrieves a published node, checking cache first then loading
// from disk. The node is pinned; the caller must Unpin it.
func (p *Pager) LoadNode(pageID base.PageID) (*base.Node, error) {
	if node, hit := p.cache.Get(pageID); hit {
		return node, nil
	}

	node, err := p.ReadNode(pageID)
	if err != nil {
		return nil, err
	}
	return p.cache.Put(pageID, node), nil
}

// Unpin releases cache pins taken by LoadNode.
func (p *Pager) Unpin(ids ...base.PageID) {
	p.cache.UnpinAll(ids)
}

// ReadNode decodes a node straight from the backend, bypassing the cache.
// Used for pages a write transaction spilled before commit.
func (p *Pager) ReadNode(pageID base.PageID) (*base.Node, error) {
	page, err := p.store.ReadBlock(pageID)
	if err != nil {
		return nil, err
	}
	if err := page.Verify(pageID); err != nil {
		return nil, err
	}

	node := &base.Node{}
	if err := node.Deserialize(page); err != nil {
		return nil, err
	}
	return node, nil
}

// ReadPage reads and verifies a raw page.
func (p *Pager) ReadPage(pageID base.PageID) (*base.Page, error) {
	page, err := p.store.ReadBlock(pageID)
	if err != nil {
		return nil, err
	}
	if err := page.Verify(pageID); err != nil {
		return nil, err
	}
	return page, nil
}

// WritePages writes a contiguous run of raw pages.
func (p *Pager) WritePages(first base.PageID, pages []*base.Page) error {
	buf := make([]byte, 0, len(pages)*base.PageSize)
	for _, page := range pages {
		buf = append(buf, page.Data[:]...)
	}
	return p.store.WriteBlocks(first, buf)
}

// NextGeneration is the generation the in-progress commit will publish.
func (p *Pager) NextGeneration() uint64 {
	return p.active.Load().Meta.Generation + 1
}

// Commit describes one write transaction's changes.
type Commit struct {
	Nodes       *btree.BTreeG[*base.Node] // dirty nodes ordered by page id
	Freed       []base.PageID             // published pages this commit replaces
	CatalogRoot base.PageID
	LogRoot     base.PageID
	Sequence    uint64
}

// Commit writes all pages, persists the freelist, writes the meta page,
// flushes and publishes. On error nothing is published and the freelist is
// restored; the caller returns its own allocations with Free unless Err
// reports the pager failed.
func (p *Pager) Commit(c *Commit) (err error) {
	if p.failed != nil {
		return p.failed
	}
	prev := p.active.Load().Meta
	gen := prev.Generation + 1

	// Old freelist pages are reachable from prev until this publish.
	oldFreelist := make([]base.PageID, prev.FreelistPages)
	for i := range oldFreelist {
		oldFreelist[i] = prev.FreelistID + base.PageID(i)
	}
	p.freelist.Pending(gen, append(oldFreelist, c.Freed...))

	var freelistID base.PageID
	var freelistPages int
	defer func() {
		if err != nil && p.failed == nil {
			// c.Freed and the old freelist stay reachable from prev
			p.freelist.Unpend(gen)
			for i := 0; i < freelistPages; i++ {
				p.freelist.Free(freelistID + base.PageID(i))
			}
		}
	}()

	if c.Nodes != nil && c.Nodes.Len() > 0 {
		if err := p.WriteNodes(c.Nodes, gen); err != nil {
			return err
		}
	}

	// Taking pages from the freelist only shrinks it, so the count holds.
	freelistPages = p.freelist.PagesNeeded()
	freelistID = p.Allocate(freelistPages)
	pages := make([]*base.Page, freelistPages)
	for i := range pages {
		pages[i] = &base.Page{}
	}
	p.freelist.Serialize(freelistID, gen, pages)
	if err := p.WritePages(freelistID, pages); err != nil {
		return err
	}

	meta := prev
	meta.Generation = gen
	meta.CatalogRoot = c.CatalogRoot
	meta.LogRoot = c.LogRoot
	meta.Sequence = c.Sequence
	meta.FreelistID = freelistID
	meta.FreelistPages = uint64(freelistPages)
	meta.NumPages = p.store.Size()

	var metaPage base.Page
	metaPage.WriteMeta(&meta)
	if err := p.store.WriteBlock(base.PageID(gen%base.MetaPageCount), &metaPage); err != nil {
		return err
	}

	// This is the commit point.
	if p.mode == SyncEveryCommit {
		if err := p.store.Flush(); err != nil {
			p.failed = fmt.Errorf("%w: generation %d may be durable: %w", base.ErrStorage, gen, err)
			return p.failed
		}
	}

	p.active.Store(&Snapshot{Meta: meta})

	if c.Nodes != nil {
		c.Nodes.Ascend(func(node *base.Node) bool {
			p.cache.Delete(node.PageID)
			p.cache.Put(node.PageID, node)
			p.cache.Unpin(node.PageID)
			return true
		})
	}
	return nil
}

// WriteNodes serializes nodes stamped with gen and writes them as
// contiguous runs in parallel. Nodes are marked clean on success.
func (p *Pager) WriteNodes(nodes *btree.BTreeG[*base.Node], gen uint64) error {
	var g errgroup.Group
	g.SetLimit(maxParallelRuns)

	// Ascend the btree, forming contiguous runs of nodes to write at once
	var run []*base.Node
	flush := func() {
		runner := run
		run = nil
		g.Go(func() error {
			return p.writeRun(runner, gen)
		})
	}
	nodes.Ascend(func(node *base.Node) bool {
		if len(run) > 0 && node.PageID != run[len(run)-1].PageID+1 {
			flush()
		}
		run = append(run, node)
		return true
	})
	if len(run) > 0 {
		flush()
	}
	return g.Wait()
}

func (p *Pager) writeRun(run []*base.Node, gen uint64) error {
	buf := make([]byte, len(run)*base.PageSize)
	var page base.Page
	for i, node := range run {
		if err := node.Serialize(gen, &page); err != nil {
			return fmt.Errorf("page %d: %w", node.PageID, err)
		}
		copy(buf[i*base.PageSize:], page.Data[:])
	}

	if err := p.store.WriteBlocks(run[0].PageID, buf); err != nil {
		return err
	}
	for _, node := range run {
		node.Dirty = false
	}
	return nil
}

// Flush forces the backend to stable storage regardless of sync mode.
func (p *Pager) Flush() error {
	return p.store.Flush()
}

// Close flushes and closes the backend.
func (p *Pager) Close() error {
	flushErr := p.store.Flush()
	return errors.Join(flushErr, p.store.Close())
}

type Stats struct {
	Cache        cache.Stats
	Store        storage.Stats
	FreePages    int
	PendingPages int
	Generation   uint64
	NumPages     uint64
}

// Stats returns I/O, cache and allocation statistics
func (p *Pager) Stats() Stats {
	free, pending := p.freelist.Stats()
	meta := p.active.Load().Meta
	return Stats{
		Cache:        p.cache.Stats(),
		Store:        p.store.Stats(),
		FreePages:    free,
		PendingPages: pending,
		Generation:   meta.Generation,
		NumPages:     meta.NumPages,
	}
}
