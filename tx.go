package gendb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/btree"

	"github.com/alexhholmes/gendb/internal/base"
	"github.com/alexhholmes/gendb/internal/pager"
	"github.com/alexhholmes/gendb/internal/tree"
	"github.com/alexhholmes/gendb/internal/txlog"
)

// TxState is the lifecycle state of a transaction.
type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	default:
		return "aborted"
	}
}

// Tx represents a transaction on the database.
//
// CONCURRENCY: Transactions are NOT thread-safe and must only be used by a single
// goroutine at a time.
//
// A read transaction is bound to the generation published when it began and
// sees exactly that state until it ends. A write transaction builds a new
// generation out of copied pages; nothing it does is visible to anyone else
// until Commit publishes it.
type Tx struct {
	db       *DB
	writable bool
	state    TxState
	err      error // fatal error; the transaction can only roll back

	snap    *pager.Snapshot
	slot    int           // reader slot (read transactions only)
	pinned  []base.PageID // cache pins taken by page loads
	catalog *tree.Tree
	logTree *tree.Tree
	tables  map[string]*Table // tables opened or created in this transaction

	// Page tracking (write transactions only)
	dirty   *btree.BTreeG[*base.Node] // TX-LOCAL: uncommitted COW nodes by page id
	owned   map[base.PageID]struct{}  // every page allocated by this transaction
	spilled map[base.PageID]struct{}  // owned nodes already written to the backend
	freed   map[base.PageID]struct{}  // published pages this transaction replaced
	deltas  *txlog.Builder            // net row changes for the log record
	applied *txlog.Record             // record replayed by Apply, logged verbatim
	probe   base.Node                 // lookup key for dirty
}

func newReadTx(db *DB, snap *pager.Snapshot, slot int) *Tx {
	tx := &Tx{
		db:     db,
		snap:   snap,
		slot:   slot,
		tables: make(map[string]*Table),
	}
	tx.catalog = tree.New(tx.space(), snap.Meta.CatalogRoot)
	tx.logTree = tree.New(tx.space(), snap.Meta.LogRoot)
	return tx
}

func newWriteTx(db *DB, snap *pager.Snapshot) *Tx {
	tx := &Tx{
		db:       db,
		writable: true,
		snap:     snap,
		slot:     -1,
		tables:   make(map[string]*Table),
		dirty: btree.NewG[*base.Node](32, func(a, b *base.Node) bool {
			return a.PageID < b.PageID
		}),
		owned:   make(map[base.PageID]struct{}),
		spilled: make(map[base.PageID]struct{}),
		freed:   make(map[base.PageID]struct{}),
		deltas:  txlog.NewBuilder(),
	}
	tx.catalog = tree.New(tx.space(), snap.Meta.CatalogRoot)
	tx.logTree = tree.New(tx.space(), snap.Meta.LogRoot)
	return tx
}

// Writable reports whether this is a write transaction.
func (tx *Tx) Writable() bool {
	return tx.writable
}

// State returns the transaction's lifecycle state.
func (tx *Tx) State() TxState {
	return tx.state
}

// Generation returns the generation this transaction reads. A write
// transaction publishes Generation()+1 on commit.
func (tx *Tx) Generation() uint64 {
	return tx.snap.Generation()
}

// Sequence returns the last log sequence visible to this transaction.
func (tx *Tx) Sequence() uint64 {
	return tx.snap.Meta.Sequence
}

// check verifies the transaction is still active.
func (tx *Tx) check() error {
	if tx.state != TxActive {
		return ErrTxDone
	}
	return tx.err
}

func (tx *Tx) checkWritable() error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	return nil
}

// fail records err as fatal unless it is a caller error that left the
// transaction unchanged.
func (tx *Tx) fail(err error) error {
	if err == nil || errors.Is(err, ErrConstraintViolation) ||
		errors.Is(err, ErrRowNotFound) || errors.Is(err, ErrTableNotFound) ||
		errors.Is(err, ErrTableExists) || errors.Is(err, ErrIndexNotFound) ||
		errors.Is(err, ErrIndexExists) {
		return err
	}
	if tx.err == nil {
		tx.err = err
	}
	return err
}

// Commit writes all changes and makes them visible to future transactions.
// Returns ErrTxNotWritable if called on a read-only transaction.
// Returns ErrTxDone if transaction has already been committed or rolled back.
// If the commit fails the transaction is rolled back and the published
// state is unchanged.
func (tx *Tx) Commit() error {
	if tx.state != TxActive {
		return ErrTxDone
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	if tx.err != nil {
		err := tx.err
		tx.rollback()
		return err
	}

	rec, err := tx.commit()
	if err != nil {
		tx.db.log.Error("commit failed", "generation", tx.snap.Generation()+1, "error", err)
		tx.rollback()
		return err
	}
	if rec != nil {
		tx.db.tail.Add(rec)
	}
	tx.finish(TxCommitted)
	return nil
}

func (tx *Tx) commit() (*txlog.Record, error) {
	for _, name := range slices.Sorted(maps.Keys(tx.tables)) {
		t := tx.tables[name]
		if !t.dirty {
			continue
		}
		t.syncRoots()
		if err := tx.catalog.Put([]byte(name), t.meta.encode()); err != nil {
			return nil, err
		}
	}

	seq := tx.snap.Meta.Sequence
	rec := tx.applied
	if rec == nil {
		rec = tx.deltas.Build(seq + 1)
	}
	if rec != nil {
		payload, err := rec.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if err := tx.logTree.Insert(sequenceKey(rec.Sequence), payload); err != nil {
			return nil, err
		}
		seq = rec.Sequence
	}

	if len(tx.owned) == 0 && len(tx.freed) == 0 {
		return nil, nil
	}

	err := tx.db.pager.Commit(&pager.Commit{
		Nodes:       tx.dirty,
		Freed:       slices.Collect(maps.Keys(tx.freed)),
		CatalogRoot: tx.catalog.Root(),
		LogRoot:     tx.logTree.Root(),
		Sequence:    seq,
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Rollback discards all changes made in the transaction.
// Safe to call after Commit() (becomes a no-op).
// Safe to call multiple times (idempotent).
func (tx *Tx) Rollback() error {
	if tx.state != TxActive {
		return nil
	}
	tx.rollback()
	return nil
}

func (tx *Tx) rollback() {
	if tx.writable && tx.db.pager.Err() == nil {
		// Nothing this transaction allocated was ever published.
		tx.db.pager.Free(slices.Collect(maps.Keys(tx.owned))...)
	}
	tx.finish(TxAborted)
}

func (tx *Tx) finish(state TxState) {
	tx.state = state
	tx.db.pager.Unpin(tx.pinned...)
	tx.pinned = nil
	tx.tables = nil

	if tx.writable {
		tx.dirty = nil
		tx.owned = nil
		tx.spilled = nil
		tx.freed = nil
		tx.deltas = nil
		tx.db.writer.Release(1)
		return
	}
	tx.db.readers.Unregister(tx.slot)
}

// afterWrite runs between table operations, when no tree holds node
// references across the call: it drops cache pins and spills dirty pages
// once they outgrow half the cache.
func (tx *Tx) afterWrite() error {
	tx.db.pager.Unpin(tx.pinned...)
	tx.pinned = tx.pinned[:0]

	if int64(tx.dirty.Len())*base.PageSize <= tx.db.cache.MaxBytes()/2 {
		return nil
	}
	if err := tx.db.pager.WriteNodes(tx.dirty, tx.snap.Generation()+1); err != nil {
		return tx.fail(err)
	}
	tx.dirty.Ascend(func(n *base.Node) bool {
		tx.spilled[n.PageID] = struct{}{}
		return true
	})
	tx.dirty.Clear(false)
	return nil
}

func sequenceKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

func (tx *Tx) String() string {
	kind := "read"
	if tx.writable {
		kind = "write"
	}
	return fmt.Sprintf("%s tx @%d (%s)", kind, tx.snap.Generation(), tx.state)
}

func decodeSequence(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
