// Package query compiles FOR ... FROM and SET ... FROM statements into
// access paths over a table: a full primary key scan or a range scan over
// the primary or a secondary index.
package query

import (
	"fmt"
	"slices"
	"strings"

	"github.com/alexhholmes/gendb"
	"github.com/alexhholmes/gendb/record"
)

// Primary names the primary key index in For.Index.
const Primary = "primary"

// Op is a comparison operator.
type Op int

const (
	Eq Op = iota
	Lt
	Le
	Gt
	Ge
)

func (o Op) String() string {
	return [...]string{"=", "<", "<=", ">", ">="}[o]
}

// Cond compares one column against a constant.
type Cond struct {
	Column string
	Op     Op
	Value  record.Value
}

func (c Cond) String() string {
	return fmt.Sprintf("%s %s %s", c.Column, c.Op, c.Value)
}

// For selects rows of Table. Index forces an access path (Primary or a
// secondary index name); empty lets the planner choose. Every condition
// and the filter are checked against each row regardless of the path.
type For struct {
	Table  string
	Index  string
	Where  []Cond
	Filter Filter
	Desc   bool
	Limit  int // <= 0 means no limit
}

// Plan is the access path chosen for a For.
type Plan struct {
	Table string
	Index string // Primary or a secondary index
	Range gendb.Range
	Desc  bool
}

// Full reports whether the plan scans the whole table.
func (p *Plan) Full() bool {
	return p.Index == Primary && len(p.Range.Eq) == 0 && p.Range.Lo == nil && p.Range.Hi == nil
}

func (p *Plan) String() string {
	var b strings.Builder
	if p.Full() {
		fmt.Fprintf(&b, "full scan %s", p.Table)
	} else {
		fmt.Fprintf(&b, "range scan %s.%s", p.Table, p.Index)
		for _, v := range p.Range.Eq {
			fmt.Fprintf(&b, " eq(%s)", v)
		}
		if lo := p.Range.Lo; lo != nil {
			fmt.Fprintf(&b, " lo(%s%s)", lo.Value, exclusiveMark(lo.Exclusive))
		}
		if hi := p.Range.Hi; hi != nil {
			fmt.Fprintf(&b, " hi(%s%s)", hi.Value, exclusiveMark(hi.Exclusive))
		}
	}
	if p.Desc {
		b.WriteString(" desc")
	}
	return b.String()
}

func exclusiveMark(exclusive bool) string {
	if exclusive {
		return ")"
	}
	return "]"
}

// Compile chooses an access path for f over a table with the given schema
// and secondary indexes. An explicit index is used as is; otherwise the
// primary key is used if a condition constrains its leading column, then
// the first secondary index whose leading column is constrained, then a full
// scan.
func Compile(schema *record.Schema, indexes []gendb.IndexInfo, f For) (*Plan, error) {
	for _, c := range f.Where {
		pos, ok := schema.Column(c.Column)
		if !ok {
			return nil, fmt.Errorf("%s: unknown column %q: %w", f.Table, c.Column, record.ErrSchema)
		}
		if c.Op < Eq || c.Op > Ge {
			return nil, fmt.Errorf("%s: operator %d: %w", f.Table, c.Op, record.ErrSchema)
		}
		if want := schema.Columns[pos].Type; !c.Value.IsNull() && c.Value.Kind() != want {
			return nil, fmt.Errorf("%s: column %q wants %s, got %s: %w",
				f.Table, c.Column, want, c.Value.Kind(), record.ErrTypeMismatch)
		}
	}

	primary := make([]string, len(schema.Key))
	for i, pos := range schema.Key {
		primary[i] = schema.Columns[pos].Name
	}

	plan := &Plan{Table: f.Table, Desc: f.Desc}
	switch f.Index {
	case "":
		plan.Index = Primary
		if !constrains(f.Where, primary[0]) {
			for _, ix := range indexes {
				if constrains(f.Where, ix.Columns[0]) {
					plan.Index = ix.Name
					plan.Range = bind(ix.Columns, f.Where)
					return plan, nil
				}
			}
		}
		plan.Range = bind(primary, f.Where)
	case Primary:
		plan.Index = Primary
		plan.Range = bind(primary, f.Where)
	default:
		i := slices.IndexFunc(indexes, func(ix gendb.IndexInfo) bool { return ix.Name == f.Index })
		if i < 0 {
			return nil, fmt.Errorf("%s.%s: %w", f.Table, f.Index, gendb.ErrIndexNotFound)
		}
		plan.Index = f.Index
		plan.Range = bind(indexes[i].Columns, f.Where)
	}
	return plan, nil
}

func constrains(where []Cond, column string) bool {
	return slices.ContainsFunc(where, func(c Cond) bool {
		return c.Column == column && !c.Value.IsNull()
	})
}

// bind turns conditions into a key range over columns: equalities on the
// leading columns become a prefix, and range conditions on the next column
// bound the scan. Conditions not used here are still checked per row.
func bind(columns []string, where []Cond) gendb.Range {
	var r gendb.Range
	for _, col := range columns {
		if eq, ok := find(where, col, Eq); ok {
			r.Eq = append(r.Eq, eq.Value)
			continue
		}
		for _, c := range where {
			if c.Column != col || c.Value.IsNull() {
				continue
			}
			switch c.Op {
			case Gt, Ge:
				if r.Lo == nil || c.Value.Compare(r.Lo.Value) > 0 {
					r.Lo = &gendb.Bound{Value: c.Value, Exclusive: c.Op == Gt}
				}
			case Lt, Le:
				if r.Hi == nil || c.Value.Compare(r.Hi.Value) < 0 {
					r.Hi = &gendb.Bound{Value: c.Value, Exclusive: c.Op == Lt}
				}
			}
		}
		break
	}
	return r
}

func find(where []Cond, column string, op Op) (Cond, bool) {
	for _, c := range where {
		if c.Column == column && c.Op == op && !c.Value.IsNull() {
			return c, true
		}
	}
	return Cond{}, false
}
