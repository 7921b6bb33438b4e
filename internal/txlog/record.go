// Package txlog defines transaction log records, their wire format and the
// builder that reduces a write transaction's changes to net row deltas.
package txlog

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Op is the kind of change an Entry describes.
type Op uint8

const (
	OpInsert      Op = iota + 1 // Data is the new row
	OpUpdate                    // Data is the replacement row
	OpDelete                    // Key identifies the removed row
	OpCreateTable               // Data is the table definition
	OpDropTable
	OpCreateIndex // Key is the index name, Data its definition
	OpDropIndex   // Key is the index name
)

var opNames = map[Op]string{
	OpInsert:      "insert",
	OpUpdate:      "update",
	OpDelete:      "delete",
	OpCreateTable: "create-table",
	OpDropTable:   "drop-table",
	OpCreateIndex: "create-index",
	OpDropIndex:   "drop-index",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "op(" + strconv.Itoa(int(o)) + ")"
}

// IsRow reports whether the op changes a single row.
func (o Op) IsRow() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Entry is one change to one table.
type Entry struct {
	Op    Op
	Table string
	Key   []byte
	Data  []byte
}

// Record is the net effect of one committed write transaction.
type Record struct {
	Sequence uint64
	Entries  []Entry
}

// MarshalBinary encodes the record payload:
// seq u64 | n uvarint | n * (op u8 | table | key | data)
// where table, key and data are uvarint length prefixed.
func (r *Record) MarshalBinary() ([]byte, error) {
	size := 8 + binary.MaxVarintLen64
	for _, e := range r.Entries {
		size += 1 + 3*binary.MaxVarintLen64 + len(e.Table) + len(e.Key) + len(e.Data)
	}

	b := make([]byte, 0, size)
	b = binary.BigEndian.AppendUint64(b, r.Sequence)
	b = binary.AppendUvarint(b, uint64(len(r.Entries)))
	for _, e := range r.Entries {
		if e.Op < OpInsert || e.Op > OpDropIndex {
			return nil, fmt.Errorf("entry op %d: %w", e.Op, ErrMalformed)
		}
		b = append(b, byte(e.Op))
		b = appendBytes(b, []byte(e.Table))
		b = appendBytes(b, e.Key)
		b = appendBytes(b, e.Data)
	}
	return b, nil
}

// UnmarshalBinary decodes a payload written by MarshalBinary.
func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("record header: %w", ErrMalformed)
	}
	r.Sequence = binary.BigEndian.Uint64(b)
	b = b[8:]

	n, sz := binary.Uvarint(b)
	if sz <= 0 || n > uint64(len(b)) {
		return fmt.Errorf("entry count: %w", ErrMalformed)
	}
	b = b[sz:]

	r.Entries = make([]Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(b) == 0 {
			return fmt.Errorf("entry %d: %w", i, ErrMalformed)
		}
		e := Entry{Op: Op(b[0])}
		if e.Op < OpInsert || e.Op > OpDropIndex {
			return fmt.Errorf("entry %d op %d: %w", i, e.Op, ErrMalformed)
		}
		b = b[1:]

		var table []byte
		var err error
		if table, b, err = readBytes(b); err != nil {
			return fmt.Errorf("entry %d table: %w", i, err)
		}
		if e.Key, b, err = readBytes(b); err != nil {
			return fmt.Errorf("entry %d key: %w", i, err)
		}
		if e.Data, b, err = readBytes(b); err != nil {
			return fmt.Errorf("entry %d data: %w", i, err)
		}
		e.Table = string(table)
		r.Entries = append(r.Entries, e)
	}
	if len(b) != 0 {
		return fmt.Errorf("%d trailing bytes: %w", len(b), ErrMalformed)
	}
	return nil
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func readBytes(b []byte) ([]byte, []byte, error) {
	l, sz := binary.Uvarint(b)
	if sz <= 0 || l > uint64(len(b)-sz) {
		return nil, nil, ErrMalformed
	}
	if l == 0 {
		return nil, b[sz:], nil
	}
	out := make([]byte, l)
	copy(out, b[sz:])
	return out, b[sz+int(l):], nil
}
