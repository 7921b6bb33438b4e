package gendb

import (
	"bytes"

	"github.com/alexhholmes/gendb/internal/tree"
	"github.com/alexhholmes/gendb/record"
)

// Bound is one end of a Range.
type Bound struct {
	Value     record.Value
	Exclusive bool
}

// Range selects the keys of an index whose leading columns equal Eq and
// whose next column lies between Lo and Hi. The zero Range selects
// everything.
type Range struct {
	Eq     []record.Value
	Lo, Hi *Bound
}

// bounds converts r to byte bounds over order-preserving key encodings.
func (r Range) bounds() tree.Bounds {
	var prefix []byte
	for _, v := range r.Eq {
		prefix = record.AppendKey(prefix, v)
	}
	if r.Lo == nil && r.Hi == nil {
		if len(prefix) == 0 {
			return tree.Bounds{}
		}
		return tree.PrefixBounds(prefix)
	}

	var b tree.Bounds
	if r.Lo == nil {
		b.Lo = prefix
	} else {
		lo := record.AppendKey(bytes.Clone(prefix), r.Lo.Value)
		if r.Lo.Exclusive {
			// past every key that continues lo
			b.Lo = tree.PrefixBounds(lo).Hi
		} else {
			b.Lo = lo
		}
	}

	if r.Hi == nil {
		if len(prefix) > 0 {
			b.Hi, b.HiExclusive = tree.PrefixBounds(prefix).Hi, true
		}
	} else {
		hi := record.AppendKey(bytes.Clone(prefix), r.Hi.Value)
		if r.Hi.Exclusive {
			b.Hi, b.HiExclusive = hi, true
		} else {
			b.Hi, b.HiExclusive = tree.PrefixBounds(hi).Hi, true
		}
	}
	if len(b.Lo) == 0 {
		b.Lo = nil
	}
	return b
}

// Rows is a lazy, single-pass iterator over table rows in index key order.
// It reads the snapshot of the transaction that opened it; modifying the
// table while iterating is not supported.
type Rows struct {
	table     *Table
	it        *tree.Iterator
	secondary bool

	key []byte
	row record.Row
	err error
}

// Scan iterates rows in primary key order. r constrains the leading key
// columns.
func (t *Table) Scan(r Range, desc bool) *Rows {
	rows := &Rows{table: t}
	if rows.err = t.check(); rows.err == nil {
		rows.it = t.rows.Scan(r.bounds(), !desc)
	}
	return rows
}

// IndexScan iterates rows in the order of the named secondary index.
func (t *Table) IndexScan(name string, r Range, desc bool) (*Rows, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	ix, err := t.index(name)
	if err != nil {
		return nil, err
	}
	return &Rows{table: t, it: ix.tree.Scan(r.bounds(), !desc), secondary: true}, nil
}

// IndexGet returns every row whose indexed columns equal values, in index
// order.
func (t *Table) IndexGet(name string, values ...record.Value) ([]record.Row, error) {
	rows, err := t.IndexScan(name, Range{Eq: values}, false)
	if err != nil {
		return nil, err
	}
	return rows.Collect()
}

// Next advances to the next row.
func (r *Rows) Next() bool {
	if r.err != nil || r.it == nil {
		return false
	}
	if r.err = r.table.check(); r.err != nil {
		return false
	}
	if !r.it.Next() {
		r.err = r.it.Err()
		r.key, r.row = nil, nil
		return false
	}

	var data []byte
	if r.secondary {
		r.key = r.it.Value()
		_, data, r.err = r.table.get(r.key)
	} else {
		r.key, data = r.it.Key(), r.it.Value()
	}
	if r.err == nil {
		r.row, r.err = r.table.meta.Schema.Decode(data)
	}
	return r.err == nil
}

// Row returns the current row.
func (r *Rows) Row() record.Row {
	return r.row
}

// Key returns the encoded primary key of the current row.
func (r *Rows) Key() []byte {
	return r.key
}

// Err returns the error that stopped iteration, if any.
func (r *Rows) Err() error {
	return r.err
}

// Collect drains the iterator.
func (r *Rows) Collect() ([]record.Row, error) {
	var out []record.Row
	for r.Next() {
		out = append(out, r.Row())
	}
	return out, r.Err()
}
