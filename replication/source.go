// Package replication ships transaction log records from a leader database
// to followers, over HTTP or in process.
package replication

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/alexhholmes/gendb"
)

// Source serves the log records of a leader.
type Source interface {
	// Fetch returns up to limit consecutive records starting at from. An
	// empty result means the follower is caught up.
	Fetch(ctx context.Context, from uint64, limit int) ([]*gendb.LogRecord, error)

	// Ack reports that follower has applied every record up to seq.
	Ack(ctx context.Context, follower uuid.UUID, seq uint64) error
}

// Acks tracks the highest sequence each follower acknowledged.
type Acks struct {
	mu   sync.Mutex
	seqs map[uuid.UUID]uint64
}

func NewAcks() *Acks {
	return &Acks{seqs: make(map[uuid.UUID]uint64)}
}

// Ack records seq for follower. Acknowledgements never move backwards.
func (a *Acks) Ack(follower uuid.UUID, seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.seqs[follower]; !ok || seq > cur {
		a.seqs[follower] = seq
	}
}

// Forget stops tracking follower, so it no longer holds back pruning.
func (a *Acks) Forget(follower uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.seqs, follower)
}

// Min returns the lowest acknowledged sequence across followers, and false
// when there are none.
func (a *Acks) Min() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.seqs) == 0 {
		return 0, false
	}
	low := ^uint64(0)
	for _, seq := range a.seqs {
		low = min(low, seq)
	}
	return low, true
}

// Followers returns a copy of the acknowledged sequences.
func (a *Acks) Followers() map[uuid.UUID]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.seqs)
}

// LocalSource serves records straight from a database in the same process.
type LocalSource struct {
	db   *gendb.DB
	acks *Acks
}

func NewLocalSource(db *gendb.DB) *LocalSource {
	return &LocalSource{db: db, acks: NewAcks()}
}

// Acks returns the acknowledgement tracker.
func (s *LocalSource) Acks() *Acks {
	return s.acks
}

func (s *LocalSource) Fetch(ctx context.Context, from uint64, limit int) ([]*gendb.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.LogRecords(from, limit)
}

// Ack records the acknowledgement and, with PruneAcked retention, prunes
// every record all followers have applied.
func (s *LocalSource) Ack(ctx context.Context, follower uuid.UUID, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.acks.Ack(follower, seq)
	if s.db.LogRetention() != gendb.PruneAcked {
		return nil
	}
	low, ok := s.acks.Min()
	if !ok || low == 0 {
		return nil
	}
	_, err := s.db.PruneLog(low)
	return err
}
