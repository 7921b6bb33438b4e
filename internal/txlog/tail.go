package txlog

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

// Tail caches recently committed records by sequence so followers polling
// the head of the log are served without touching the log tree.
type Tail struct {
	lru *freelru.SyncedLRU[uint64, *Record]
}

func hashSequence(seq uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], seq)
	return uint32(xxhash.Sum64(b[:]))
}

// NewTail creates a cache holding up to size records.
func NewTail(size uint32) (*Tail, error) {
	lru, err := freelru.NewSynced[uint64, *Record](size, hashSequence)
	if err != nil {
		return nil, err
	}
	return &Tail{lru: lru}, nil
}

func (t *Tail) Add(r *Record) {
	t.lru.Add(r.Sequence, r)
}

func (t *Tail) Get(seq uint64) (*Record, bool) {
	return t.lru.Get(seq)
}

func (t *Tail) Remove(seq uint64) {
	t.lru.Remove(seq)
}

func (t *Tail) Len() int {
	return t.lru.Len()
}

func (t *Tail) Purge() {
	t.lru.Purge()
}
