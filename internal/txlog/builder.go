package txlog

import "bytes"

// rowState tracks one row from its first change in a transaction.
type rowState struct {
	table   string
	key     []byte
	existed bool // before the transaction
	before  []byte
	exists  bool
	after   []byte
}

// Builder accumulates a write transaction's changes and reduces them to net
// per-row deltas: an insert followed by a delete cancels out, a delete
// followed by an insert becomes an update, repeated updates collapse to the
// last one. Schema changes are barriers; row deltas before one are emitted
// before it.
type Builder struct {
	entries []Entry
	rows    map[string]*rowState
	order   []*rowState
}

func NewBuilder() *Builder {
	return &Builder{rows: make(map[string]*rowState)}
}

func (b *Builder) touch(table string, key, before []byte, existed bool) *rowState {
	id := table + "\x00" + string(key)
	if st, ok := b.rows[id]; ok {
		return st
	}
	st := &rowState{
		table:   table,
		key:     bytes.Clone(key),
		existed: existed,
		before:  before,
	}
	b.rows[id] = st
	b.order = append(b.order, st)
	return st
}

// Insert records a new row.
func (b *Builder) Insert(table string, key, row []byte) {
	st := b.touch(table, key, nil, false)
	st.exists, st.after = true, row
}

// Update records old being replaced by row.
func (b *Builder) Update(table string, key, old, row []byte) {
	st := b.touch(table, key, old, true)
	st.exists, st.after = true, row
}

// Delete records the removal of old.
func (b *Builder) Delete(table string, key, old []byte) {
	st := b.touch(table, key, old, true)
	st.exists, st.after = false, nil
}

// Schema records a table or index definition change.
func (b *Builder) Schema(e Entry) {
	b.flushRows()
	b.entries = append(b.entries, e)
}

func (b *Builder) flushRows() {
	for _, st := range b.order {
		switch {
		case !st.existed && st.exists:
			b.entries = append(b.entries, Entry{Op: OpInsert, Table: st.table, Key: st.key, Data: st.after})
		case st.existed && !st.exists:
			b.entries = append(b.entries, Entry{Op: OpDelete, Table: st.table, Key: st.key})
		case st.existed && st.exists && !bytes.Equal(st.before, st.after):
			b.entries = append(b.entries, Entry{Op: OpUpdate, Table: st.table, Key: st.key, Data: st.after})
		}
	}
	clear(b.rows)
	b.order = b.order[:0]
}

// Build returns the record for seq, or nil when the transaction has no net
// effect. The builder is reset.
func (b *Builder) Build(seq uint64) *Record {
	b.flushRows()
	entries := b.entries
	b.entries = nil
	if len(entries) == 0 {
		return nil
	}
	return &Record{Sequence: seq, Entries: entries}
}

// Reset discards everything recorded so far.
func (b *Builder) Reset() {
	b.entries = nil
	clear(b.rows)
	b.order = b.order[:0]
}
