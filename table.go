package gendb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/alexhholmes/gendb/internal/base"
	"github.com/alexhholmes/gendb/internal/tree"
	"github.com/alexhholmes/gendb/internal/txlog"
	"github.com/alexhholmes/gendb/record"
)

// Table is a handle on one table within a transaction. It is only valid
// until the transaction ends.
type Table struct {
	tx      *Tx
	meta    *tableMeta
	rows    *tree.Tree // primary index: encoded key -> encoded row
	indexes []*index
	dirty   bool // descriptor must be rewritten at commit
	dropped bool
}

type index struct {
	meta      *indexMeta
	tree      *tree.Tree
	positions []int
}

// IndexInfo describes a secondary index.
type IndexInfo struct {
	Name    string
	Columns []string
	Unique  bool
}

func newTable(tx *Tx, meta *tableMeta) *Table {
	t := &Table{
		tx:   tx,
		meta: meta,
		rows: tree.New(tx.space(), meta.Root),
	}
	for _, im := range meta.Indexes {
		// Validated when the index was created.
		positions, _ := meta.Schema.Positions(im.Columns...)
		t.indexes = append(t.indexes, &index{
			meta:      im,
			tree:      tree.New(tx.space(), im.Root),
			positions: positions,
		})
	}
	return t
}

// entryKey is the index key of row: the indexed columns, followed by the
// primary key unless the index is unique.
func (ix *index) entryKey(schema *record.Schema, row record.Row, pk []byte) []byte {
	k := schema.Project(nil, row, ix.positions)
	if !ix.meta.Unique {
		k = append(k, pk...)
	}
	return k
}

func (t *Table) Name() string {
	return t.meta.Name
}

func (t *Table) Schema() *record.Schema {
	return t.meta.Schema
}

// Len returns the number of rows.
func (t *Table) Len() uint64 {
	return t.meta.Rows
}

// NextID returns the id the next insert with a null auto key receives.
func (t *Table) NextID() int64 {
	return t.meta.NextID
}

// Indexes lists the secondary indexes.
func (t *Table) Indexes() []IndexInfo {
	out := make([]IndexInfo, len(t.indexes))
	for i, ix := range t.indexes {
		out[i] = IndexInfo{Name: ix.meta.Name, Columns: slices.Clone(ix.meta.Columns), Unique: ix.meta.Unique}
	}
	return out
}

func (t *Table) index(name string) (*index, error) {
	for _, ix := range t.indexes {
		if ix.meta.Name == name {
			return ix, nil
		}
	}
	return nil, fmt.Errorf("%s.%s: %w", t.meta.Name, name, ErrIndexNotFound)
}

func (t *Table) check() error {
	if t.dropped {
		return fmt.Errorf("%q: %w", t.meta.Name, ErrTableNotFound)
	}
	return t.tx.check()
}

func (t *Table) checkWritable() error {
	if t.dropped {
		return fmt.Errorf("%q: %w", t.meta.Name, ErrTableNotFound)
	}
	return t.tx.checkWritable()
}

// syncRoots copies the tree roots into the descriptor.
func (t *Table) syncRoots() {
	t.meta.Root = t.rows.Root()
	for _, ix := range t.indexes {
		ix.meta.Root = ix.tree.Root()
	}
}

func (t *Table) encodeKey(key []record.Value) ([]byte, error) {
	if len(key) != len(t.meta.Schema.Key) {
		return nil, fmt.Errorf("%s: key has %d values, want %d: %w",
			t.meta.Name, len(key), len(t.meta.Schema.Key), ErrTypeMismatch)
	}
	return record.EncodeKey(key...), nil
}

// Get returns the row with the given primary key.
func (t *Table) Get(key ...record.Value) (record.Row, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	k, err := t.encodeKey(key)
	if err != nil {
		return nil, err
	}
	row, _, err := t.get(k)
	return row, err
}

func (t *Table) get(key []byte) (record.Row, []byte, error) {
	data, err := t.rows.Get(key)
	if errors.Is(err, base.ErrKeyNotFound) || errors.Is(err, base.ErrKeyEmpty) {
		return nil, nil, fmt.Errorf("%s: %w", t.meta.Name, ErrRowNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	row, err := t.meta.Schema.Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", t.meta.Name, err)
	}
	return row, data, nil
}

// normalize fills in the implicit id column and allocates auto keys.
func (t *Table) normalize(row record.Row) record.Row {
	s := t.meta.Schema
	if s.Implicit && len(row) == len(s.Columns)-1 {
		row = append(record.Row{record.Null()}, row...)
	} else {
		row = row.Clone()
	}
	if s.AutoKey() && len(row) == len(s.Columns) && row[s.Key[0]].IsNull() {
		row[s.Key[0]] = record.Int(t.meta.NextID)
	}
	return row
}

// observeID keeps the id allocator ahead of explicitly keyed rows.
func (t *Table) observeID(row record.Row) {
	s := t.meta.Schema
	if !s.AutoKey() {
		return
	}
	if id := row[s.Key[0]].Int(); id >= t.meta.NextID {
		t.meta.NextID = id + 1
	}
}

// Insert adds a row and returns it as stored. A row of an implicitly keyed
// table may omit the id column; a null auto key is allocated from NextID.
// An existing primary key or unique index entry fails with ErrDuplicateKey.
func (t *Table) Insert(row record.Row) (record.Row, error) {
	if err := t.checkWritable(); err != nil {
		return nil, err
	}
	row = t.normalize(row)
	if err := t.insert(row); err != nil {
		return nil, t.tx.fail(err)
	}
	return row, t.tx.afterWrite()
}

func (t *Table) insert(row record.Row) error {
	s := t.meta.Schema
	if err := s.Check(row); err != nil {
		return fmt.Errorf("%s: %w", t.meta.Name, err)
	}
	key := s.EncodeKey(row)
	exists, err := t.rows.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s %s: %w", t.meta.Name, row, ErrDuplicateKey)
	}
	data := row.Encode()
	if err := t.checkIndexes(row, key, nil); err != nil {
		return err
	}

	if err := t.rows.Insert(key, data); err != nil {
		return err
	}
	for _, ix := range t.indexes {
		if err := ix.tree.Insert(ix.entryKey(s, row, key), key); err != nil {
			return err
		}
	}
	t.observeID(row)
	t.meta.Rows++
	t.dirty = true
	t.tx.deltas.Insert(t.meta.Name, key, data)
	return nil
}

// checkIndexes verifies every index entry of row can be inserted. old is
// the row being replaced, if any; its entries are about to be removed.
func (t *Table) checkIndexes(row record.Row, key []byte, old record.Row) error {
	if len(key) > base.MaxKeySize {
		return fmt.Errorf("%s: primary key: %w", t.meta.Name, ErrKeyTooLarge)
	}
	s := t.meta.Schema
	for _, ix := range t.indexes {
		k := ix.entryKey(s, row, key)
		if len(k) > base.MaxKeySize {
			return fmt.Errorf("%s.%s: %w", t.meta.Name, ix.meta.Name, ErrKeyTooLarge)
		}
		if !ix.meta.Unique {
			continue
		}
		if old != nil && bytes.Equal(k, ix.entryKey(s, old, key)) {
			continue
		}
		exists, err := ix.tree.Has(k)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%s.%s %s: %w", t.meta.Name, ix.meta.Name, row, ErrDuplicateKey)
		}
	}
	return nil
}

// Update replaces the row with the same primary key.
func (t *Table) Update(row record.Row) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	s := t.meta.Schema
	if err := s.Check(row); err != nil {
		return fmt.Errorf("%s: %w", t.meta.Name, err)
	}
	key := s.EncodeKey(row)
	old, oldData, err := t.get(key)
	if err != nil {
		return err
	}
	if err := t.replace(key, old, oldData, row); err != nil {
		return t.tx.fail(err)
	}
	return t.tx.afterWrite()
}

// Upsert inserts row or replaces the row with the same primary key, and
// returns it as stored.
func (t *Table) Upsert(row record.Row) (record.Row, error) {
	if err := t.checkWritable(); err != nil {
		return nil, err
	}
	row = t.normalize(row)
	s := t.meta.Schema
	if err := s.Check(row); err != nil {
		return nil, fmt.Errorf("%s: %w", t.meta.Name, err)
	}

	key := s.EncodeKey(row)
	old, oldData, err := t.get(key)
	switch {
	case errors.Is(err, ErrRowNotFound):
		err = t.insert(row)
	case err == nil:
		err = t.replace(key, old, oldData, row)
	}
	if err != nil {
		return nil, t.tx.fail(err)
	}
	return row, t.tx.afterWrite()
}

func (t *Table) replace(key []byte, old record.Row, oldData []byte, row record.Row) error {
	if err := t.checkIndexes(row, key, old); err != nil {
		return err
	}
	data := row.Encode()
	if bytes.Equal(data, oldData) {
		return nil
	}

	if err := t.rows.Put(key, data); err != nil {
		return err
	}
	s := t.meta.Schema
	for _, ix := range t.indexes {
		was, now := ix.entryKey(s, old, key), ix.entryKey(s, row, key)
		if bytes.Equal(was, now) {
			continue
		}
		if err := ix.tree.Delete(was); err != nil {
			return err
		}
		if err := ix.tree.Insert(now, key); err != nil {
			return err
		}
	}
	t.dirty = true
	t.tx.deltas.Update(t.meta.Name, key, oldData, data)
	return nil
}

// Rekey replaces the row with primary key key by row, whose primary key may
// differ. Every constraint on row is checked before anything changes, so a
// failure leaves the table as it was.
func (t *Table) Rekey(key []record.Value, row record.Row) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	oldKey, err := t.encodeKey(key)
	if err != nil {
		return err
	}
	s := t.meta.Schema
	if err := s.Check(row); err != nil {
		return fmt.Errorf("%s: %w", t.meta.Name, err)
	}
	old, oldData, err := t.get(oldKey)
	if err != nil {
		return err
	}

	newKey := s.EncodeKey(row)
	if bytes.Equal(newKey, oldKey) {
		err = t.replace(oldKey, old, oldData, row)
	} else {
		err = t.move(oldKey, old, newKey, row)
	}
	if err != nil {
		return t.tx.fail(err)
	}
	return t.tx.afterWrite()
}

func (t *Table) move(oldKey []byte, old record.Row, newKey []byte, row record.Row) error {
	exists, err := t.rows.Has(newKey)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s %s: %w", t.meta.Name, row, ErrDuplicateKey)
	}
	if err := t.checkIndexes(row, newKey, old); err != nil {
		return err
	}
	if err := t.delete(oldKey); err != nil {
		return err
	}
	return t.insert(row)
}

// Delete removes the row with the given primary key.
func (t *Table) Delete(key ...record.Value) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	k, err := t.encodeKey(key)
	if err != nil {
		return err
	}
	if err := t.delete(k); err != nil {
		return t.tx.fail(err)
	}
	return t.tx.afterWrite()
}

func (t *Table) delete(key []byte) error {
	old, oldData, err := t.get(key)
	if err != nil {
		return err
	}
	if err := t.rows.Delete(key); err != nil {
		return err
	}
	for _, ix := range t.indexes {
		if err := ix.tree.Delete(ix.entryKey(t.meta.Schema, old, key)); err != nil {
			return err
		}
	}
	t.meta.Rows--
	t.dirty = true
	t.tx.deltas.Delete(t.meta.Name, key, oldData)
	return nil
}

// CreateIndex adds a secondary index over columns and builds it from the
// existing rows. A unique index fails with ErrDuplicateKey if two rows
// already share a value.
func (t *Table) CreateIndex(name string, columns []string, unique bool) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if name == "" || len(columns) == 0 {
		return fmt.Errorf("%s: index %q: %w", t.meta.Name, name, record.ErrSchema)
	}
	if _, err := t.index(name); err == nil {
		return fmt.Errorf("%s.%s: %w", t.meta.Name, name, ErrIndexExists)
	}
	positions, err := t.meta.Schema.Positions(columns...)
	if err != nil {
		return fmt.Errorf("%s: %w", t.meta.Name, err)
	}

	im := &indexMeta{Name: name, Columns: slices.Clone(columns), Unique: unique}
	if err := t.createIndex(im, positions); err != nil {
		return t.tx.fail(err)
	}
	return t.tx.afterWrite()
}

func (t *Table) createIndex(im *indexMeta, positions []int) error {
	it, err := tree.Create(t.tx.space())
	if err != nil {
		return err
	}
	ix := &index{meta: im, tree: it, positions: positions}

	if err := t.backfill(ix); err != nil {
		if freeErr := it.Free(); freeErr != nil {
			return errors.Join(err, freeErr)
		}
		return err
	}

	im.Root = it.Root()
	t.meta.Indexes = append(t.meta.Indexes, im)
	t.indexes = append(t.indexes, ix)
	t.dirty = true

	def, err := json.Marshal(im)
	if err != nil {
		return err
	}
	t.tx.deltas.Schema(txlog.Entry{Op: txlog.OpCreateIndex, Table: t.meta.Name, Key: []byte(im.Name), Data: def})
	return nil
}

func (t *Table) backfill(ix *index) error {
	s := t.meta.Schema
	rows := t.rows.Range(nil, nil, true)
	for rows.Next() {
		row, err := s.Decode(rows.Value())
		if err != nil {
			return err
		}
		k := ix.entryKey(s, row, rows.Key())
		if len(k) > base.MaxKeySize {
			return fmt.Errorf("%s.%s: %w", t.meta.Name, ix.meta.Name, ErrKeyTooLarge)
		}
		if err := ix.tree.Insert(k, bytes.Clone(rows.Key())); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return fmt.Errorf("%s.%s %s: %w", t.meta.Name, ix.meta.Name, row, ErrDuplicateKey)
			}
			return err
		}
	}
	return rows.Err()
}

// DropIndex removes a secondary index and frees its pages.
func (t *Table) DropIndex(name string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	ix, err := t.index(name)
	if err != nil {
		return err
	}
	if err := ix.tree.Free(); err != nil {
		return t.tx.fail(err)
	}

	t.indexes = slices.DeleteFunc(t.indexes, func(x *index) bool { return x == ix })
	t.meta.Indexes = slices.DeleteFunc(t.meta.Indexes, func(x *indexMeta) bool { return x == ix.meta })
	t.dirty = true
	t.tx.deltas.Schema(txlog.Entry{Op: txlog.OpDropIndex, Table: t.meta.Name, Key: []byte(name)})
	return t.tx.afterWrite()
}

// RowLocation addresses a row by leaf page and slot. It is only meaningful
// within the transaction that produced it.
type RowLocation struct {
	Page uint64
	Slot int
}

// Locate returns where the row with the given primary key is stored.
func (t *Table) Locate(key ...record.Value) (RowLocation, error) {
	if err := t.check(); err != nil {
		return RowLocation{}, err
	}
	k, err := t.encodeKey(key)
	if err != nil {
		return RowLocation{}, err
	}
	loc, err := t.rows.Locate(k)
	if errors.Is(err, base.ErrKeyNotFound) {
		return RowLocation{}, fmt.Errorf("%s: %w", t.meta.Name, ErrRowNotFound)
	}
	if err != nil {
		return RowLocation{}, err
	}
	return RowLocation{Page: uint64(loc.Page), Slot: loc.Slot}, nil
}

// RowAt reads the row stored at loc.
func (t *Table) RowAt(loc RowLocation) (record.Row, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	_, data, err := t.rows.At(tree.Location{Page: base.PageID(loc.Page), Slot: loc.Slot})
	if errors.Is(err, base.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s at %d/%d: %w", t.meta.Name, loc.Page, loc.Slot, ErrRowNotFound)
	}
	if err != nil {
		return nil, err
	}
	row, err := t.meta.Schema.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.meta.Name, err)
	}
	return row, nil
}
