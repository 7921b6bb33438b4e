package gendb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/gendb/internal/base"
	"github.com/alexhholmes/gendb/internal/storage"
	"github.com/alexhholmes/gendb/record"
)

// setup opens a database on a fresh in-memory backend.
func setup(t *testing.T, options ...DBOption) (*DB, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	db, err := Open(t.Name(), append([]DBOption{WithBackend(mem)}, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mem
}

// kvSchema is T(id INT PRIMARY, val STRING).
func kvSchema(t *testing.T) *record.Schema {
	t.Helper()
	s, err := record.NewSchema([]record.Column{
		{Name: "id", Type: record.KindInt},
		{Name: "val", Type: record.KindString},
	}, "id")
	require.NoError(t, err)
	return s
}

func kv(id int64, val string) record.Row {
	return record.Row{record.Int(id), record.String(val)}
}

func createKV(t *testing.T, db *DB, name string) {
	t.Helper()
	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateTable(name, kvSchema(t))
		return err
	}))
}

func insertKV(t *testing.T, db *DB, name string, rows ...record.Row) {
	t.Helper()
	require.NoError(t, db.Update(func(tx *Tx) error {
		tbl, err := tx.Table(name)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if _, err := tbl.Insert(row); err != nil {
				return err
			}
		}
		return nil
	}))
}

func scanAll(t *testing.T, tx *Tx, name string) []record.Row {
	t.Helper()
	tbl, err := tx.Table(name)
	require.NoError(t, err)
	rows, err := tbl.Scan(Range{}, false).Collect()
	require.NoError(t, err)
	return rows
}

func viewAll(t *testing.T, db *DB, name string) []record.Row {
	t.Helper()
	var rows []record.Row
	require.NoError(t, db.View(func(tx *Tx) error {
		rows = scanAll(t, tx, name)
		return nil
	}))
	return rows
}

func TestOpenReopenAtomicFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	id := db.ID()

	createKV(t, db, "T")
	insertKV(t, db, "T", kv(1, "a"), kv(2, "b"))
	require.NoError(t, db.Close())
	assert.ErrorIs(t, db.Close(), ErrDatabaseClosed)

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, id, db.ID(), "database identity must survive reopen")
	assert.Equal(t, uint64(2), db.Sequence())
	assert.Equal(t, []record.Row{kv(1, "a"), kv(2, "b")}, viewAll(t, db, "T"))
}

func TestOpenReopenPlainFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "plain.db")
	db, err := Open(path, WithPlainFile(), WithSyncOff())
	require.NoError(t, err)
	createKV(t, db, "T")
	insertKV(t, db, "T", kv(7, "seven"))
	require.NoError(t, db.Close())

	db, err = Open(path, WithPlainFile())
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, []record.Row{kv(7, "seven")}, viewAll(t, db, "T"))
}

func TestOpenMemory(t *testing.T) {
	t.Parallel()

	db, err := Open("", WithMemory())
	require.NoError(t, err)
	defer db.Close()

	createKV(t, db, "T")
	insertKV(t, db, "T", kv(1, "a"))
	assert.Len(t, viewAll(t, db, "T"), 1)
}

func TestOpenRejectsCorruptMeta(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	db, err := Open("corrupt", WithBackend(mem))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	for _, slot := range []base.PageID{0, 1} {
		page := &base.Page{}
		page.Data[100] = 0xff
		require.NoError(t, mem.WriteBlock(slot, page))
	}
	_, err = Open("corrupt", WithBackend(mem))
	assert.ErrorIs(t, err, ErrCorruption)
}

// W1 inserts two rows while R1 is open: R1 sees nothing before or after the
// commit, a reader opened after the commit sees both rows in key order.
func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")

	r1, err := db.Begin(false)
	require.NoError(t, err)
	defer r1.Rollback()

	w1, err := db.Begin(true)
	require.NoError(t, err)
	tbl, err := w1.Table("T")
	require.NoError(t, err)
	_, err = tbl.Insert(kv(1, "a"))
	require.NoError(t, err)
	_, err = tbl.Insert(kv(2, "b"))
	require.NoError(t, err)

	assert.Empty(t, scanAll(t, r1, "T"), "R1 must not see uncommitted rows")
	require.NoError(t, w1.Commit())

	r2, err := db.Begin(false)
	require.NoError(t, err)
	defer r2.Rollback()

	assert.Equal(t, []record.Row{kv(1, "a"), kv(2, "b")}, scanAll(t, r2, "T"))
	assert.Empty(t, scanAll(t, r1, "T"), "R1 must keep its snapshot")
	assert.Equal(t, r1.Generation()+1, r2.Generation())
}

// Read transactions begin and finish while a write transaction holds the
// writer slot.
func TestReadsDoNotBlockOnWriter(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")
	insertKV(t, db, "T", kv(1, "a"))

	w, err := db.Begin(true)
	require.NoError(t, err)
	defer w.Rollback()
	wt, err := w.Table("T")
	require.NoError(t, err)
	_, err = wt.Insert(kv(2, "b"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	done := make(chan struct{})
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				err := db.View(func(tx *Tx) error {
					tbl, err := tx.Table("T")
					if err != nil {
						return err
					}
					_, err = tbl.Get(record.Int(1))
					return err
				})
				assert.NoError(t, err)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("readers blocked behind an active write transaction")
	}
}

func TestWriteTransactionsSerialize(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "counter")
	insertKV(t, db, "counter", kv(1, "0"))

	w, err := db.Begin(true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = db.BeginContext(ctx, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second writer must wait for the slot")
	require.NoError(t, w.Rollback())

	// Read-modify-write increments are only exact if writers never overlap.
	const writers, rounds = 8, 25
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				err := db.Update(func(tx *Tx) error {
					tbl, err := tx.Table("counter")
					if err != nil {
						return err
					}
					row, err := tbl.Get(record.Int(1))
					if err != nil {
						return err
					}
					var n int
					_, _ = fmt.Sscan(row[1].Str(), &n)
					return tbl.Update(kv(1, fmt.Sprint(n+1)))
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, []record.Row{kv(1, fmt.Sprint(writers*rounds))}, viewAll(t, db, "counter"))
}

// A commit that fails part way through its writes leaves the published
// state, in memory and on reopen, at the previous generation.
func TestCommitFailureKeepsPreviousState(t *testing.T) {
	t.Parallel()

	for _, budget := range []int{0, 1, 3, 8} {
		t.Run(fmt.Sprintf("after_%d_blocks", budget), func(t *testing.T) {
			t.Parallel()

			mem := storage.NewMemory()
			faulty := storage.NewFaulty(mem)
			db, err := Open("faulty", WithBackend(faulty))
			require.NoError(t, err)

			createKV(t, db, "T")
			insertKV(t, db, "T", kv(1, "a"), kv(2, "b"))
			gen := db.Generation()

			faulty.FailAfter(budget)
			err = db.Update(func(tx *Tx) error {
				tbl, err := tx.Table("T")
				if err != nil {
					return err
				}
				for i := int64(3); i < 500; i++ {
					if _, err := tbl.Insert(kv(i, "padding padding padding padding")); err != nil {
						return err
					}
				}
				return tbl.Delete(record.Int(1))
			})
			require.ErrorIs(t, err, ErrStorage)
			assert.True(t, faulty.Tripped())
			assert.Equal(t, gen, db.Generation())
			assert.Equal(t, []record.Row{kv(1, "a"), kv(2, "b")}, viewAll(t, db, "T"))

			// Simulated restart on whatever reached the medium.
			reopened, err := Open("faulty", WithBackend(mem.Clone()))
			require.NoError(t, err)
			defer reopened.Close()
			assert.Equal(t, gen, reopened.Generation())
			assert.Equal(t, []record.Row{kv(1, "a"), kv(2, "b")}, viewAll(t, reopened, "T"))

			// The failed commit's pages are reused and the database keeps working.
			faulty.Disarm()
			insertKV(t, db, "T", kv(3, "c"))
			assert.Len(t, viewAll(t, db, "T"), 3)
			require.NoError(t, db.Close())
		})
	}
}

// A flush that fails after the meta page was written leaves the medium
// ambiguous, so the database refuses further writes but keeps serving reads.
func TestFlushFailureRefusesWrites(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	faulty := storage.NewFaulty(mem)
	db, err := Open("faulty", WithBackend(faulty))
	require.NoError(t, err)
	defer db.Close()

	createKV(t, db, "T")
	insertKV(t, db, "T", kv(1, "a"))
	gen := db.Generation()

	faulty.FailFlush()
	err = db.Update(func(tx *Tx) error {
		tbl, err := tx.Table("T")
		if err != nil {
			return err
		}
		_, err = tbl.Insert(kv(2, "b"))
		return err
	})
	require.ErrorIs(t, err, ErrStorage)
	faulty.Disarm()

	assert.Equal(t, gen, db.Generation())
	assert.Equal(t, []record.Row{kv(1, "a")}, viewAll(t, db, "T"))
	assert.ErrorIs(t, db.Update(func(*Tx) error { return nil }), ErrStorage)

	reopened, err := Open("faulty", WithBackend(mem.Clone()))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, gen+1, reopened.Generation())
	assert.Equal(t, []record.Row{kv(1, "a"), kv(2, "b")}, viewAll(t, reopened, "T"))
}

// reachable returns every tree page reachable from tx's snapshot.
func reachable(t *testing.T, tx *Tx) []base.PageID {
	t.Helper()
	var ids []base.PageID
	var walk func(id base.PageID)
	walk = func(id base.PageID) {
		ids = append(ids, id)
		n, err := tx.space().Load(id)
		require.NoError(t, err)
		for _, child := range n.Children {
			walk(child)
		}
	}

	walk(tx.snap.Meta.CatalogRoot)
	walk(tx.snap.Meta.LogRoot)
	names, err := tx.Tables()
	require.NoError(t, err)
	for _, name := range names {
		tbl, err := tx.Table(name)
		require.NoError(t, err)
		walk(tbl.meta.Root)
		for _, ix := range tbl.meta.Indexes {
			walk(ix.Root)
		}
	}
	return ids
}

func TestPublishedPagesNeverChange(t *testing.T) {
	t.Parallel()

	db, mem := setup(t)
	createKV(t, db, "T")
	for i := range int64(20) {
		rows := make([]record.Row, 0, 50)
		for j := range int64(50) {
			rows = append(rows, kv(i*50+j, "value"))
		}
		insertKV(t, db, "T", rows...)
	}

	old, err := db.Begin(false)
	require.NoError(t, err)
	defer old.Rollback()

	before := make(map[base.PageID][base.PageSize]byte)
	for _, id := range reachable(t, old) {
		page, err := mem.ReadBlock(id)
		require.NoError(t, err)
		before[id] = page.Data
	}

	// Updates, deletes and splits over the whole key space.
	for i := range int64(10) {
		require.NoError(t, db.Update(func(tx *Tx) error {
			tbl, err := tx.Table("T")
			if err != nil {
				return err
			}
			for j := i; j < 1000; j += 10 {
				if j%3 == 0 {
					if err := tbl.Delete(record.Int(j)); err != nil {
						return err
					}
					continue
				}
				if err := tbl.Update(kv(j, fmt.Sprintf("updated-%d", i))); err != nil {
					return err
				}
			}
			return nil
		}))
	}

	for id, data := range before {
		page, err := mem.ReadBlock(id)
		require.NoError(t, err)
		assert.Equal(t, data, page.Data, "published page %d was rewritten", id)
	}
	assert.Len(t, scanAll(t, old, "T"), 1000)
}

func TestDuplicateKeyInsert(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")
	insertKV(t, db, "T", kv(1, "a"), kv(2, "b"))

	tx, err := db.Begin(true)
	require.NoError(t, err)
	tbl, err := tx.Table("T")
	require.NoError(t, err)
	_, err = tbl.Insert(kv(1, "c"))
	require.ErrorIs(t, err, ErrDuplicateKey)
	require.ErrorIs(t, err, ErrConstraintViolation)

	// The transaction is still usable after a constraint violation.
	row, err := tbl.Get(record.Int(1))
	require.NoError(t, err)
	assert.Equal(t, kv(1, "a"), row)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, []record.Row{kv(1, "a"), kv(2, "b")}, viewAll(t, db, "T"))
}

func TestRollbackDiscardsChanges(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")
	insertKV(t, db, "T", kv(1, "a"))
	gen, seq := db.Generation(), db.Sequence()
	freeBefore := db.Stats().FreePages

	tx, err := db.Begin(true)
	require.NoError(t, err)
	_, err = tx.CreateTable("U", kvSchema(t))
	require.NoError(t, err)
	tbl, err := tx.Table("T")
	require.NoError(t, err)
	for i := int64(2); i < 300; i++ {
		_, err = tbl.Insert(kv(i, "x"))
		require.NoError(t, err)
	}
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback(), "rollback is idempotent")
	assert.Equal(t, TxAborted, tx.State())

	assert.Equal(t, gen, db.Generation())
	assert.Equal(t, seq, db.Sequence())
	assert.Equal(t, []record.Row{kv(1, "a")}, viewAll(t, db, "T"))
	require.NoError(t, db.View(func(tx *Tx) error {
		_, err := tx.Table("U")
		assert.ErrorIs(t, err, ErrTableNotFound)
		return nil
	}))

	// Pages allocated by the aborted transaction are free for reuse.
	assert.Greater(t, db.Stats().FreePages, freeBefore)
	insertKV(t, db, "T", kv(2, "b"))
	assert.Len(t, viewAll(t, db, "T"), 2)
}

func TestEmptyCommitPublishesNothing(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")
	gen := db.Generation()

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.Table("T")
		return err
	}))
	assert.Equal(t, gen, db.Generation())
}

func TestTransactionStateErrors(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")

	rtx, err := db.Begin(false)
	require.NoError(t, err)
	tbl, err := rtx.Table("T")
	require.NoError(t, err)
	_, err = tbl.Insert(kv(1, "a"))
	assert.ErrorIs(t, err, ErrTxNotWritable)
	_, err = rtx.CreateTable("U", kvSchema(t))
	assert.ErrorIs(t, err, ErrTxNotWritable)
	assert.ErrorIs(t, rtx.Commit(), ErrTxNotWritable)
	require.NoError(t, rtx.Rollback())

	_, err = tbl.Get(record.Int(1))
	assert.ErrorIs(t, err, ErrTxDone)
	_, err = rtx.Table("T")
	assert.ErrorIs(t, err, ErrTxDone)

	wtx, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, wtx.Commit())
	assert.Equal(t, TxCommitted, wtx.State())
	assert.ErrorIs(t, wtx.Commit(), ErrTxDone)
	assert.NoError(t, wtx.Rollback())
}

func TestTooManyReaders(t *testing.T) {
	t.Parallel()

	db, _ := setup(t, WithMaxReaders(2))
	a, err := db.Begin(false)
	require.NoError(t, err)
	b, err := db.Begin(false)
	require.NoError(t, err)

	_, err = db.Begin(false)
	assert.ErrorIs(t, err, ErrTooManyReaders)

	// a writer is unaffected by the limit
	require.NoError(t, db.Update(func(*Tx) error { return nil }))

	require.NoError(t, a.Rollback())
	c, err := db.Begin(false)
	require.NoError(t, err)
	require.NoError(t, b.Rollback())
	require.NoError(t, c.Rollback())
}

func TestDefaultReaderLimit(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	limit := DefaultDBOptions().maxReaders
	txs := make([]*Tx, 0, limit)
	for range limit {
		tx, err := db.Begin(false)
		require.NoError(t, err)
		txs = append(txs, tx)
	}
	assert.Equal(t, limit, db.Stats().Readers)

	_, err := db.Begin(false)
	assert.ErrorIs(t, err, ErrTooManyReaders)
	assert.ErrorIs(t, db.View(func(*Tx) error { return nil }), ErrTooManyReaders)

	for _, tx := range txs {
		require.NoError(t, tx.Rollback())
	}
	assert.NoError(t, db.View(func(*Tx) error { return nil }))
}

func TestClosedDatabase(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	require.NoError(t, db.Close())

	_, err := db.Begin(false)
	assert.ErrorIs(t, err, ErrDatabaseClosed)
	err = db.Update(func(*Tx) error { return nil })
	assert.ErrorIs(t, err, ErrDatabaseClosed)
}

func TestUpdateCallbackErrorRollsBack(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")
	boom := errors.New("boom")

	err := db.Update(func(tx *Tx) error {
		tbl, err := tx.Table("T")
		if err != nil {
			return err
		}
		if _, err := tbl.Insert(kv(1, "a")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, viewAll(t, db, "T"))
}

// A transaction whose dirty pages outgrow half the cache writes them out
// early and still commits or rolls back cleanly.
func TestLargeTransactionSpills(t *testing.T) {
	t.Parallel()

	for _, commit := range []bool{true, false} {
		t.Run(fmt.Sprintf("commit=%v", commit), func(t *testing.T) {
			t.Parallel()

			db, _ := setup(t, WithMaxCacheSizeMB(1))
			createKV(t, db, "T")
			gen := db.Generation()
			writesBefore := db.Stats().Store.Writes

			tx, err := db.Begin(true)
			require.NoError(t, err)
			tbl, err := tx.Table("T")
			require.NoError(t, err)
			const n = 20000
			for i := range int64(n) {
				_, err := tbl.Insert(kv(i, fmt.Sprintf("value-%08d-with-some-padding", i)))
				require.NoError(t, err)
			}
			assert.Greater(t, db.Stats().Store.Writes, writesBefore, "dirty pages should have been spilled")

			// Spilled pages are read back while still uncommitted.
			row, err := tbl.Get(record.Int(17))
			require.NoError(t, err)
			assert.Equal(t, kv(17, "value-00000017-with-some-padding"), row)
			require.NoError(t, tbl.Update(kv(17, "changed")))

			if !commit {
				require.NoError(t, tx.Rollback())
				assert.Equal(t, gen, db.Generation())
				assert.Empty(t, viewAll(t, db, "T"))
				return
			}
			require.NoError(t, tx.Commit())

			rows := viewAll(t, db, "T")
			require.Len(t, rows, n)
			for i, row := range rows {
				require.Equal(t, int64(i), row[0].Int())
			}
			assert.Equal(t, "changed", rows[17][1].Str())
		})
	}
}

func TestOverflowRows(t *testing.T) {
	t.Parallel()

	schema, err := record.NewSchema([]record.Column{{Name: "blob", Type: record.KindBinary}})
	require.NoError(t, err)

	db, mem := setup(t)
	big := make([]byte, 3*base.PageSize+123)
	for i := range big {
		big[i] = byte(i)
	}

	var stored record.Row
	require.NoError(t, db.Update(func(tx *Tx) error {
		tbl, err := tx.CreateTable("blobs", schema)
		if err != nil {
			return err
		}
		stored, err = tbl.Insert(record.Row{record.Binary(big)})
		return err
	}))
	assert.Equal(t, int64(1), stored[0].Int())

	reopened, err := Open("reopen", WithBackend(mem.Clone()))
	require.NoError(t, err)
	defer reopened.Close()
	rows := viewAll(t, reopened, "blobs")
	require.Len(t, rows, 1)
	assert.Equal(t, big, rows[0][1].Bytes())

	// Replacing and deleting the value releases its overflow run.
	require.NoError(t, reopened.Update(func(tx *Tx) error {
		tbl, err := tx.Table("blobs")
		if err != nil {
			return err
		}
		if err := tbl.Update(record.Row{record.Int(1), record.Binary([]byte("small"))}); err != nil {
			return err
		}
		return tbl.Delete(record.Int(1))
	}))
	assert.Empty(t, viewAll(t, reopened, "blobs"))
}

func TestStats(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")
	insertKV(t, db, "T", kv(1, "a"))

	tx, err := db.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback()

	stats := db.Stats()
	assert.Equal(t, db.Generation(), stats.Generation)
	assert.Equal(t, uint64(2), stats.Sequence)
	assert.Equal(t, 1, stats.Readers)
	assert.Positive(t, stats.Store.Writes)
}

func TestUpdatesReuseFreedPages(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")
	insertKV(t, db, "T", kv(1, "a"))

	for i := range 1000 {
		require.NoError(t, db.Update(func(tx *Tx) error {
			tbl, err := tx.Table("T")
			if err != nil {
				return err
			}
			return tbl.Update(kv(1, fmt.Sprintf("v%d", i)))
		}))
	}

	stats := db.Stats()
	assert.Less(t, stats.NumPages, uint64(200), "freed pages are reused across commits")
	assert.Equal(t, []record.Row{kv(1, "v999")}, viewAll(t, db, "T"))
}

func TestReadScanStaysWithinCacheCeiling(t *testing.T) {
	t.Parallel()

	db, _ := setup(t, WithMaxCacheSizeMB(1))
	createKV(t, db, "T")

	rows := make([]record.Row, 40000)
	for i := range rows {
		rows[i] = kv(int64(i), fmt.Sprintf("value-%06d", i))
	}
	insertKV(t, db, "T", rows...)

	tx, err := db.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback()

	got := scanAll(t, tx, "T")
	require.Len(t, got, len(rows))

	// the scan is still open and its snapshot held
	assert.LessOrEqual(t, db.Stats().Cache.Bytes, db.cache.MaxBytes())
	assert.Positive(t, db.Stats().Cache.Evictions)
}
