package gendb

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/alexhholmes/gendb/internal/txlog"
	"github.com/alexhholmes/gendb/record"
)

type (
	// LogRecord is the net effect of one committed write transaction.
	LogRecord = txlog.Record
	// LogEntry is one change inside a LogRecord.
	LogEntry = txlog.Entry
	// LogOp is the kind of a LogEntry.
	LogOp = txlog.Op
)

const (
	LogInsert      = txlog.OpInsert
	LogUpdate      = txlog.OpUpdate
	LogDelete      = txlog.OpDelete
	LogCreateTable = txlog.OpCreateTable
	LogDropTable   = txlog.OpDropTable
	LogCreateIndex = txlog.OpCreateIndex
	LogDropIndex   = txlog.OpDropIndex
)

// LogRecords returns up to limit consecutive records starting at sequence
// from. It returns no records when from is past the last commit and
// ErrLogPruned when the record at from was already deleted. A limit <= 0
// means no limit.
func (d *DB) LogRecords(from uint64, limit int) ([]*LogRecord, error) {
	tx, err := d.Begin(false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	from = max(from, 1)
	last := tx.Sequence()
	if from > last {
		return nil, nil
	}
	want := last - from + 1
	if limit > 0 && uint64(limit) < want {
		want = uint64(limit)
	}

	out := make([]*LogRecord, 0, want)
	for seq := from; uint64(len(out)) < want; seq++ {
		rec, ok := d.tail.Get(seq)
		if !ok {
			break
		}
		out = append(out, rec)
	}

	next := from + uint64(len(out))
	it := tx.logTree.Range(sequenceKey(next), sequenceKey(from+want-1), true)
	for uint64(len(out)) < want && it.Next() {
		rec := &LogRecord{}
		if err := rec.UnmarshalBinary(it.Value()); err != nil {
			return nil, err
		}
		if rec.Sequence != next {
			if next == from {
				return nil, fmt.Errorf("sequence %d: %w", from, ErrLogPruned)
			}
			return nil, fmt.Errorf("log record %d stored under %d: %w", rec.Sequence, next, ErrCorruption)
		}
		out = append(out, rec)
		next++
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if uint64(len(out)) < want {
		if len(out) == 0 {
			return nil, fmt.Errorf("sequence %d: %w", from, ErrLogPruned)
		}
		return nil, fmt.Errorf("log record %d missing: %w", next, ErrCorruption)
	}
	return out, nil
}

// FirstLogSequence returns the oldest retained log sequence, or 0 when the
// log is empty.
func (d *DB) FirstLogSequence() (uint64, error) {
	var first uint64
	err := d.View(func(tx *Tx) error {
		it := tx.logTree.Range(nil, nil, true)
		if it.Next() {
			rec := &LogRecord{}
			if err := rec.UnmarshalBinary(it.Value()); err != nil {
				return err
			}
			first = rec.Sequence
		}
		return it.Err()
	})
	return first, err
}

// PruneLog deletes log records with sequence <= upTo and returns how many
// were deleted. Pruning does not itself produce a log record.
func (d *DB) PruneLog(upTo uint64) (int, error) {
	var pruned [][]byte
	err := d.Update(func(tx *Tx) error {
		it := tx.logTree.Range(nil, sequenceKey(upTo), true)
		for it.Next() {
			pruned = append(pruned, bytes.Clone(it.Key()))
		}
		if err := it.Err(); err != nil {
			return err
		}
		for _, key := range pruned {
			if err := tx.logTree.Delete(key); err != nil {
				return tx.fail(err)
			}
			if err := tx.afterWrite(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range pruned {
		d.tail.Remove(decodeSequence(key))
	}
	if len(pruned) > 0 {
		d.log.Info("pruned transaction log", "path", d.path, "records", len(pruned), "up_to", upTo)
	}
	return len(pruned), nil
}

// Apply replays a record committed by another database. Its sequence must
// directly follow Sequence(); otherwise a *GapError is returned and nothing
// changes. The record is stored in this database's log unchanged.
func (d *DB) Apply(rec *LogRecord) error {
	return d.Update(func(tx *Tx) error {
		if want := tx.Sequence() + 1; rec.Sequence != want {
			return &GapError{Expected: want, Got: rec.Sequence}
		}
		for i, e := range rec.Entries {
			if err := tx.applyEntry(e); err != nil {
				return fmt.Errorf("apply record %d entry %d (%s %s): %w", rec.Sequence, i, e.Op, e.Table, err)
			}
			if err := tx.afterWrite(); err != nil {
				return err
			}
		}
		tx.applied = rec
		return nil
	})
}

func (tx *Tx) applyEntry(e LogEntry) error {
	switch e.Op {
	case txlog.OpCreateTable:
		schema := &record.Schema{}
		if err := json.Unmarshal(e.Data, schema); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruption, err)
		}
		_, err := tx.CreateTable(e.Table, schema)
		return err
	case txlog.OpDropTable:
		return tx.DropTable(e.Table)
	}

	t, err := tx.Table(e.Table)
	if err != nil {
		return err
	}
	switch e.Op {
	case txlog.OpCreateIndex:
		im := &indexMeta{}
		if err := json.Unmarshal(e.Data, im); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruption, err)
		}
		return t.CreateIndex(im.Name, im.Columns, im.Unique)
	case txlog.OpDropIndex:
		return t.DropIndex(string(e.Key))
	case txlog.OpDelete:
		return tx.fail(t.delete(e.Key))
	case txlog.OpInsert, txlog.OpUpdate:
	default:
		return fmt.Errorf("log op %s: %w", e.Op, ErrCorruption)
	}

	row, err := t.meta.Schema.Decode(e.Data)
	if err != nil {
		return err
	}
	if !bytes.Equal(t.meta.Schema.EncodeKey(row), e.Key) {
		return fmt.Errorf("row %s does not match its key: %w", row, ErrCorruption)
	}
	if e.Op == txlog.OpInsert {
		return tx.fail(t.insert(row))
	}
	old, oldData, err := t.get(e.Key)
	if err != nil {
		return err
	}
	return tx.fail(t.replace(e.Key, old, oldData, row))
}
