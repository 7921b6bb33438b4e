package gendb

import (
	"github.com/alexhholmes/gendb/internal/base"
	"github.com/alexhholmes/gendb/internal/tree"
)

// txSpace is the page arena a transaction's trees read and mutate through.
type txSpace struct {
	tx *Tx
}

var _ tree.Space = txSpace{}

func (tx *Tx) space() tree.Space {
	return txSpace{tx: tx}
}

func (s txSpace) Load(id base.PageID) (*base.Node, error) {
	tx := s.tx
	if tx.writable {
		tx.probe.PageID = id
		if n, ok := tx.dirty.Get(&tx.probe); ok {
			return n, nil
		}
		if _, ok := tx.spilled[id]; ok {
			return tx.db.pager.ReadNode(id)
		}
	}

	n, err := tx.db.pager.LoadNode(id)
	if err != nil {
		return nil, err
	}
	if !tx.writable {
		// The snapshot keeps id from being recycled, so the node stays
		// valid after the cache drops it.
		tx.db.pager.Unpin(id)
		return n, nil
	}
	tx.pinned = append(tx.pinned, id)
	return n, nil
}

func (s txSpace) Writable(n *base.Node) (*base.Node, error) {
	tx := s.tx
	if !tx.writable {
		return nil, ErrTxNotWritable
	}
	if _, ok := tx.owned[n.PageID]; ok {
		if !n.Dirty {
			// Read back from a spill; it is dirty again.
			n.Dirty = true
			delete(tx.spilled, n.PageID)
		}
		tx.dirty.ReplaceOrInsert(n)
		return n, nil
	}

	clone := n.Clone()
	clone.PageID = tx.db.pager.Allocate(1)
	tx.owned[clone.PageID] = struct{}{}
	tx.dirty.ReplaceOrInsert(clone)
	tx.freed[n.PageID] = struct{}{}
	return clone, nil
}

func (s txSpace) NewNode(leaf bool) (*base.Node, error) {
	tx := s.tx
	if !tx.writable {
		return nil, ErrTxNotWritable
	}
	n := &base.Node{PageID: tx.db.pager.Allocate(1), Dirty: true, Leaf: leaf}
	tx.owned[n.PageID] = struct{}{}
	tx.dirty.ReplaceOrInsert(n)
	return n, nil
}

func (s txSpace) Free(id base.PageID) {
	tx := s.tx
	if _, ok := tx.owned[id]; ok {
		delete(tx.owned, id)
		delete(tx.spilled, id)
		tx.probe.PageID = id
		tx.dirty.Delete(&tx.probe)
		tx.db.pager.Free(id)
		return
	}
	tx.freed[id] = struct{}{}
}

func (s txSpace) WriteOverflow(value []byte) (base.PageID, error) {
	tx := s.tx
	if !tx.writable {
		return 0, ErrTxNotWritable
	}
	count := tree.OverflowPages(uint64(len(value)))
	first := tx.db.pager.Allocate(count)
	for i := range count {
		tx.owned[first+base.PageID(i)] = struct{}{}
	}
	pages := tree.EncodeOverflow(first, tx.db.pager.NextGeneration(), value)
	if err := tx.db.pager.WritePages(first, pages); err != nil {
		return 0, err
	}
	return first, nil
}

func (s txSpace) ReadOverflow(first base.PageID, length uint64) ([]byte, error) {
	pages := make([]*base.Page, tree.OverflowPages(length))
	for i := range pages {
		page, err := s.tx.db.pager.ReadPage(first + base.PageID(i))
		if err != nil {
			return nil, err
		}
		pages[i] = page
	}
	return tree.DecodeOverflow(pages, length)
}

func (s txSpace) FreeOverflow(first base.PageID, length uint64) {
	for i := range tree.OverflowPages(length) {
		s.Free(first + base.PageID(i))
	}
}
