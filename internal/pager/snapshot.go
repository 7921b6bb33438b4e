package pager

import "github.com/alexhholmes/gendb/internal/base"

// Snapshot is one published Database Root. It is immutable once stored in
// the pager's active pointer.
type Snapshot struct {
	Meta base.MetaPage
}

// Generation returns the snapshot's commit counter.
func (s *Snapshot) Generation() uint64 {
	return s.Meta.Generation
}
