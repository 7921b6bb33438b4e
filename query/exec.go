package query

import (
	"fmt"

	"github.com/alexhholmes/gendb"
	"github.com/alexhholmes/gendb/record"
)

// Explain returns the plan Run would use for f.
func Explain(tx *gendb.Tx, f For) (*Plan, error) {
	tbl, err := tx.Table(f.Table)
	if err != nil {
		return nil, err
	}
	return Compile(tbl.Schema(), tbl.Indexes(), f)
}

// Rows is a lazy iterator over the rows a For selects, in the key order of
// the chosen index. It reads the transaction's snapshot.
type Rows struct {
	Plan *Plan

	src    *gendb.Rows
	conds  []boundCond
	filter Filter
	limit  int
	n      int
	row    record.Row
	err    error
}

type boundCond struct {
	Cond
	pos int
}

func (c boundCond) match(row record.Row) bool {
	v := row[c.pos]
	if v.IsNull() || c.Value.IsNull() {
		return false
	}
	cmp := v.Compare(c.Value)
	switch c.Op {
	case Eq:
		return cmp == 0
	case Lt:
		return cmp < 0
	case Le:
		return cmp <= 0
	case Gt:
		return cmp > 0
	default:
		return cmp >= 0
	}
}

// Run starts executing f in tx.
func Run(tx *gendb.Tx, f For) (*Rows, error) {
	tbl, err := tx.Table(f.Table)
	if err != nil {
		return nil, err
	}
	plan, err := Compile(tbl.Schema(), tbl.Indexes(), f)
	if err != nil {
		return nil, err
	}

	rows := &Rows{Plan: plan, filter: f.Filter, limit: f.Limit}
	for _, c := range f.Where {
		pos, _ := tbl.Schema().Column(c.Column)
		rows.conds = append(rows.conds, boundCond{Cond: c, pos: pos})
	}
	if plan.Index == Primary {
		rows.src = tbl.Scan(plan.Range, plan.Desc)
	} else if rows.src, err = tbl.IndexScan(plan.Index, plan.Range, plan.Desc); err != nil {
		return nil, err
	}
	return rows, nil
}

// Next advances to the next matching row.
func (r *Rows) Next() bool {
	if r.err != nil || (r.limit > 0 && r.n >= r.limit) {
		return false
	}
	for r.src.Next() {
		row := r.src.Row()
		if !r.matches(row) {
			continue
		}
		if r.filter != nil {
			ok, err := r.filter.Match(row)
			if err != nil {
				r.err = err
				return false
			}
			if !ok {
				continue
			}
		}
		r.row = row
		r.n++
		return true
	}
	r.err = r.src.Err()
	r.row = nil
	return false
}

func (r *Rows) matches(row record.Row) bool {
	for _, c := range r.conds {
		if !c.match(row) {
			return false
		}
	}
	return true
}

func (r *Rows) Row() record.Row {
	return r.row
}

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

// Set assigns new column values to every row For selects.
type Set struct {
	For
	Assign map[string]record.Value
}

// Exec resolves the whole row set first, then replaces each row. A row whose
// primary key changes moves to the new key. Returns the number of rows
// changed; on error, rows before the failing one stay changed and the
// failing row is untouched.
func (s Set) Exec(tx *gendb.Tx) (int, error) {
	tbl, err := tx.Table(s.Table)
	if err != nil {
		return 0, err
	}
	schema := tbl.Schema()

	assign := make(map[int]record.Value, len(s.Assign))
	for name, v := range s.Assign {
		pos, ok := schema.Column(name)
		if !ok {
			return 0, fmt.Errorf("%s: unknown column %q: %w", s.Table, name, record.ErrSchema)
		}
		assign[pos] = v
	}

	rows, err := Run(tx, s.For)
	if err != nil {
		return 0, err
	}
	matched, err := rows.Collect()
	if err != nil {
		return 0, err
	}

	for i, old := range matched {
		row := old.Clone()
		for pos, v := range assign {
			row[pos] = v
		}
		if err := replace(tbl, schema, old, row); err != nil {
			return i, err
		}
	}
	return len(matched), nil
}

func replace(tbl *gendb.Table, schema *record.Schema, old, row record.Row) error {
	oldKey := keyOf(schema, old)
	if keyOf(schema, row).Equal(oldKey) {
		return tbl.Update(row)
	}
	return tbl.Rekey(oldKey, row)
}

func keyOf(schema *record.Schema, row record.Row) record.Row {
	key := make(record.Row, len(schema.Key))
	for i, pos := range schema.Key {
		key[i] = row[pos]
	}
	return key
}

// Delete removes every row For selects.
type Delete struct {
	For
}

// Exec resolves the row set first, then deletes it. Returns the number of
// rows deleted.
func (d Delete) Exec(tx *gendb.Tx) (int, error) {
	tbl, err := tx.Table(d.Table)
	if err != nil {
		return 0, err
	}
	rows, err := Run(tx, d.For)
	if err != nil {
		return 0, err
	}
	matched, err := rows.Collect()
	if err != nil {
		return 0, err
	}
	for i, row := range matched {
		if err := tbl.Delete(keyOf(tbl.Schema(), row)...); err != nil {
			return i, err
		}
	}
	return len(matched), nil
}
