package gendb

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexhholmes/gendb/internal/base"
	"github.com/alexhholmes/gendb/internal/tree"
	"github.com/alexhholmes/gendb/internal/txlog"
	"github.com/alexhholmes/gendb/record"
)

// tableMeta is a table descriptor as stored in the catalog tree.
type tableMeta struct {
	Name    string         `json:"name"`
	Schema  *record.Schema `json:"schema"`
	Root    base.PageID    `json:"root"`
	Indexes []*indexMeta   `json:"indexes,omitempty"`
	NextID  int64          `json:"next_id"`
	Rows    uint64         `json:"rows"`
}

// indexMeta describes one secondary index.
type indexMeta struct {
	Name    string      `json:"name"`
	Columns []string    `json:"columns"`
	Unique  bool        `json:"unique,omitempty"`
	Root    base.PageID `json:"root"`
}

func (m *tableMeta) encode() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Every field is a plain value type.
		panic(err)
	}
	return b
}

func decodeTableMeta(b []byte) (*tableMeta, error) {
	m := &tableMeta{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("table descriptor: %w: %w", ErrCorruption, err)
	}
	if m.Schema == nil {
		return nil, fmt.Errorf("table %q: no schema: %w", m.Name, ErrCorruption)
	}
	if err := m.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("table %q: %w: %w", m.Name, ErrCorruption, err)
	}
	return m, nil
}

// CreateTable creates an empty table. A schema declared without key columns
// gets an implicit auto-incremented id column.
func (tx *Tx) CreateTable(name string, schema *record.Schema) (*Table, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if name == "" || len(name) > base.MaxKeySize {
		return nil, fmt.Errorf("table name %q: %w", name, record.ErrSchema)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	exists, err := tx.catalog.Has([]byte(name))
	if err != nil {
		return nil, tx.fail(err)
	}
	if exists {
		return nil, fmt.Errorf("%q: %w", name, ErrTableExists)
	}

	t, err := tx.createTable(name, schema)
	if err != nil {
		return nil, tx.fail(err)
	}
	return t, tx.afterWrite()
}

func (tx *Tx) createTable(name string, schema *record.Schema) (*Table, error) {
	rows, err := tree.Create(tx.space())
	if err != nil {
		return nil, err
	}
	meta := &tableMeta{
		Name:   name,
		Schema: schema,
		Root:   rows.Root(),
		NextID: 1,
	}
	if err := tx.catalog.Insert([]byte(name), meta.encode()); err != nil {
		return nil, err
	}

	t := newTable(tx, meta)
	tx.tables[name] = t

	def, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	tx.deltas.Schema(txlog.Entry{Op: txlog.OpCreateTable, Table: name, Data: def})
	return t, nil
}

// Table opens the named table.
func (tx *Tx) Table(name string) (*Table, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if t, ok := tx.tables[name]; ok {
		return t, nil
	}

	b, err := tx.catalog.Get([]byte(name))
	if errors.Is(err, base.ErrKeyNotFound) || errors.Is(err, base.ErrKeyEmpty) ||
		errors.Is(err, base.ErrKeyTooLarge) {
		return nil, fmt.Errorf("%q: %w", name, ErrTableNotFound)
	}
	if err != nil {
		return nil, err
	}
	meta, err := decodeTableMeta(b)
	if err != nil {
		return nil, err
	}

	t := newTable(tx, meta)
	tx.tables[name] = t
	return t, nil
}

// DropTable removes a table with its indexes and frees their pages.
func (tx *Tx) DropTable(name string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	t, err := tx.Table(name)
	if err != nil {
		return err
	}
	if err := tx.dropTable(t); err != nil {
		return tx.fail(err)
	}
	return tx.afterWrite()
}

func (tx *Tx) dropTable(t *Table) error {
	for _, ix := range t.indexes {
		if err := ix.tree.Free(); err != nil {
			return err
		}
	}
	if err := t.rows.Free(); err != nil {
		return err
	}
	if err := tx.catalog.Delete([]byte(t.meta.Name)); err != nil {
		return err
	}
	delete(tx.tables, t.meta.Name)
	t.dropped = true
	tx.deltas.Schema(txlog.Entry{Op: txlog.OpDropTable, Table: t.meta.Name})
	return nil
}

// Tables returns the names of all tables in key order.
func (tx *Tx) Tables() ([]string, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var names []string
	it := tx.catalog.Range(nil, nil, true)
	for it.Next() {
		names = append(names, string(it.Key()))
	}
	return names, it.Err()
}
