package gendb

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/gendb/record"
)

// peopleSchema is people(name STRING, age INT, city STRING) with an
// implicit id key.
func peopleSchema(t *testing.T) *record.Schema {
	t.Helper()
	s, err := record.NewSchema([]record.Column{
		{Name: "name", Type: record.KindString, NotNull: true},
		{Name: "age", Type: record.KindInt},
		{Name: "city", Type: record.KindString},
	})
	require.NoError(t, err)
	return s
}

func person(name string, age int64, city string) record.Row {
	return record.Row{record.String(name), record.Int(age), record.String(city)}
}

func withTable(t *testing.T, db *DB, name string, fn func(*Table)) {
	t.Helper()
	require.NoError(t, db.Update(func(tx *Tx) error {
		tbl, err := tx.Table(name)
		require.NoError(t, err)
		fn(tbl)
		return nil
	}))
}

func TestTableImplicitID(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		tbl, err := tx.CreateTable("people", peopleSchema(t))
		require.NoError(t, err)
		assert.True(t, tbl.Schema().Implicit)
		assert.Equal(t, int64(1), tbl.NextID())

		row, err := tbl.Insert(person("ann", 31, "oslo"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), row[0].Int())

		// An explicit id moves the allocator past it.
		row, err = tbl.Insert(append(record.Row{record.Int(10)}, person("bob", 40, "rome")...))
		require.NoError(t, err)
		assert.Equal(t, int64(10), row[0].Int())

		row, err = tbl.Insert(person("cid", 22, "oslo"))
		require.NoError(t, err)
		assert.Equal(t, int64(11), row[0].Int())
		assert.Equal(t, uint64(3), tbl.Len())
		return nil
	}))

	// The allocator is part of the committed descriptor.
	withTable(t, db, "people", func(tbl *Table) {
		assert.Equal(t, int64(12), tbl.NextID())
		assert.Equal(t, uint64(3), tbl.Len())
	})
}

func TestTableRowValidation(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		tbl, err := tx.CreateTable("people", peopleSchema(t))
		require.NoError(t, err)

		_, err = tbl.Insert(record.Row{record.Null(), record.Int(3), record.String("x")})
		assert.ErrorIs(t, err, ErrNotNull)
		_, err = tbl.Insert(record.Row{record.Int(3), record.Int(3), record.String("x")})
		assert.ErrorIs(t, err, ErrTypeMismatch)
		_, err = tbl.Insert(record.Row{record.String("x")})
		assert.ErrorIs(t, err, ErrTypeMismatch)
		_, err = tbl.Get(record.Int(1), record.Int(2))
		assert.ErrorIs(t, err, ErrTypeMismatch)

		key := bytes.Repeat([]byte("k"), 600)
		kt, err := tx.CreateTable("wide", mustSchema(t, []record.Column{{Name: "k", Type: record.KindBinary}}, "k"))
		require.NoError(t, err)
		_, err = kt.Insert(record.Row{record.Binary(key)})
		assert.ErrorIs(t, err, ErrKeyTooLarge)
		assert.Zero(t, kt.Len())
		return nil
	}))
}

func mustSchema(t *testing.T, cols []record.Column, key ...string) *record.Schema {
	t.Helper()
	s, err := record.NewSchema(cols, key...)
	require.NoError(t, err)
	return s
}

func TestTableCRUD(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")

	withTable(t, db, "T", func(tbl *Table) {
		_, err := tbl.Insert(kv(1, "a"))
		require.NoError(t, err)

		require.NoError(t, tbl.Update(kv(1, "b")))
		row, err := tbl.Get(record.Int(1))
		require.NoError(t, err)
		assert.Equal(t, kv(1, "b"), row)

		assert.ErrorIs(t, tbl.Update(kv(2, "x")), ErrRowNotFound)
		assert.ErrorIs(t, tbl.Delete(record.Int(2)), ErrRowNotFound)

		_, err = tbl.Upsert(kv(2, "c"))
		require.NoError(t, err)
		_, err = tbl.Upsert(kv(2, "d"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), tbl.Len())

		require.NoError(t, tbl.Delete(record.Int(1)))
		_, err = tbl.Get(record.Int(1))
		assert.ErrorIs(t, err, ErrRowNotFound)
	})

	assert.Equal(t, []record.Row{kv(2, "d")}, viewAll(t, db, "T"))
}

func TestCatalog(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	for _, name := range []string{"b", "a", "c"} {
		createKV(t, db, name)
	}
	insertKV(t, db, "b", kv(1, "x"))

	err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateTable("a", kvSchema(t))
		return err
	})
	assert.ErrorIs(t, err, ErrTableExists)

	require.NoError(t, db.Update(func(tx *Tx) error {
		names, err := tx.Tables()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, names)

		tbl, err := tx.Table("b")
		require.NoError(t, err)
		require.NoError(t, tx.DropTable("b"))
		_, err = tbl.Get(record.Int(1))
		assert.ErrorIs(t, err, ErrTableNotFound)
		assert.ErrorIs(t, tx.DropTable("b"), ErrTableNotFound)
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		names, err := tx.Tables()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, names)
		_, err = tx.Table("b")
		assert.ErrorIs(t, err, ErrTableNotFound)
		_, err = tx.Table("")
		assert.ErrorIs(t, err, ErrTableNotFound)
		return nil
	}))
}

func TestSecondaryIndexes(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		tbl, err := tx.CreateTable("people", peopleSchema(t))
		require.NoError(t, err)
		require.NoError(t, tbl.CreateIndex("by_city", []string{"city"}, false))
		require.NoError(t, tbl.CreateIndex("by_name", []string{"name"}, true))
		assert.ErrorIs(t, tbl.CreateIndex("by_city", []string{"age"}, false), ErrIndexExists)
		assert.ErrorIs(t, tbl.CreateIndex("bad", []string{"nope"}, false), ErrConstraintViolation)

		for _, p := range []record.Row{
			person("ann", 31, "oslo"),
			person("bob", 40, "rome"),
			person("cid", 22, "oslo"),
			person("dan", 57, "lima"),
		} {
			_, err := tbl.Insert(p)
			require.NoError(t, err)
		}
		_, err = tbl.Insert(person("ann", 99, "nowhere"))
		assert.ErrorIs(t, err, ErrDuplicateKey)
		assert.Equal(t, uint64(4), tbl.Len())
		return nil
	}))

	withTable(t, db, "people", func(tbl *Table) {
		oslo, err := tbl.IndexGet("by_city", record.String("oslo"))
		require.NoError(t, err)
		require.Len(t, oslo, 2)
		assert.Equal(t, "ann", oslo[0][1].Str())
		assert.Equal(t, "cid", oslo[1][1].Str())

		// Moving bob to oslo rewrites only his city entry.
		bob, err := tbl.IndexGet("by_name", record.String("bob"))
		require.NoError(t, err)
		require.Len(t, bob, 1)
		moved := bob[0].Clone()
		moved[3] = record.String("oslo")
		require.NoError(t, tbl.Update(moved))

		// Renaming onto an existing unique value fails and changes nothing.
		clash := bob[0].Clone()
		clash[1] = record.String("dan")
		assert.ErrorIs(t, tbl.Update(clash), ErrDuplicateKey)

		require.NoError(t, tbl.Delete(record.Int(1)))

		oslo, err = tbl.IndexGet("by_city", record.String("oslo"))
		require.NoError(t, err)
		assert.Equal(t, []string{"bob", "cid"}, names(oslo))
		rome, err := tbl.IndexGet("by_city", record.String("rome"))
		require.NoError(t, err)
		assert.Empty(t, rome)

		_, err = tbl.IndexGet("missing")
		assert.ErrorIs(t, err, ErrIndexNotFound)
	})

	withTable(t, db, "people", func(tbl *Table) {
		rows, err := tbl.IndexScan("by_name", Range{}, true)
		require.NoError(t, err)
		all, err := rows.Collect()
		require.NoError(t, err)
		assert.Equal(t, []string{"dan", "cid", "bob"}, names(all))

		require.NoError(t, tbl.DropIndex("by_name"))
		assert.Equal(t, []IndexInfo{{Name: "by_city", Columns: []string{"city"}}}, tbl.Indexes())
		assert.ErrorIs(t, tbl.DropIndex("by_name"), ErrIndexNotFound)
	})
}

func names(rows []record.Row) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row[1].Str()
	}
	return out
}

func TestCreateIndexBackfills(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		tbl, err := tx.CreateTable("people", peopleSchema(t))
		require.NoError(t, err)
		for i := range 500 {
			_, err := tbl.Insert(person(fmt.Sprintf("p%03d", i), int64(i%50), "c"))
			require.NoError(t, err)
		}
		return nil
	}))

	withTable(t, db, "people", func(tbl *Table) {
		// Non-unique ages cannot back a unique index.
		err := tbl.CreateIndex("age_unique", []string{"age"}, true)
		assert.ErrorIs(t, err, ErrDuplicateKey)
		assert.Empty(t, tbl.Indexes())

		require.NoError(t, tbl.CreateIndex("by_age", []string{"age", "name"}, false))
		rows, err := tbl.IndexGet("by_age", record.Int(7))
		require.NoError(t, err)
		require.Len(t, rows, 10)
		assert.True(t, slices.IsSortedFunc(rows, func(a, b record.Row) int {
			return a[1].Compare(b[1])
		}))
	})
}

// A bounded scan yields exactly the rows of a full scan that fall inside the
// bounds, in key order, in both directions.
func TestScanMatchesFilteredFullScan(t *testing.T) {
	t.Parallel()

	schema := mustSchema(t, []record.Column{
		{Name: "a", Type: record.KindInt},
		{Name: "b", Type: record.KindInt},
		{Name: "v", Type: record.KindString},
	}, "a", "b")

	db, _ := setup(t)
	rng := rand.New(rand.NewSource(7))
	require.NoError(t, db.Update(func(tx *Tx) error {
		tbl, err := tx.CreateTable("grid", schema)
		require.NoError(t, err)
		for range 1500 {
			a, b := rng.Int63n(20)-10, rng.Int63n(100)-50
			_, err := tbl.Upsert(record.Row{record.Int(a), record.Int(b), record.String("v")})
			require.NoError(t, err)
		}
		return nil
	}))

	bound := func(v int64, exclusive bool) *Bound {
		return &Bound{Value: record.Int(v), Exclusive: exclusive}
	}
	ranges := []Range{
		{},
		{Eq: []record.Value{record.Int(3)}},
		{Lo: bound(-4, false), Hi: bound(5, false)},
		{Lo: bound(-4, true), Hi: bound(5, true)},
		{Lo: bound(8, false)},
		{Hi: bound(-8, true)},
		{Eq: []record.Value{record.Int(0)}, Lo: bound(-10, true), Hi: bound(10, false)},
		{Eq: []record.Value{record.Int(-2)}, Hi: bound(0, true)},
		{Lo: bound(100, false)},
	}
	inside := func(r Range, row record.Row) bool {
		col := 0
		for _, v := range r.Eq {
			if !row[col].Equal(v) {
				return false
			}
			col++
		}
		if r.Lo != nil {
			c := row[col].Compare(r.Lo.Value)
			if c < 0 || (c == 0 && r.Lo.Exclusive) {
				return false
			}
		}
		if r.Hi != nil {
			c := row[col].Compare(r.Hi.Value)
			if c > 0 || (c == 0 && r.Hi.Exclusive) {
				return false
			}
		}
		return true
	}

	require.NoError(t, db.View(func(tx *Tx) error {
		tbl, err := tx.Table("grid")
		require.NoError(t, err)
		full, err := tbl.Scan(Range{}, false).Collect()
		require.NoError(t, err)
		require.True(t, slices.IsSortedFunc(full, compareRows))

		for i, r := range ranges {
			var want []record.Row
			for _, row := range full {
				if inside(r, row) {
					want = append(want, row)
				}
			}
			asc, err := tbl.Scan(r, false).Collect()
			require.NoError(t, err)
			assert.Equal(t, want, asc, "range %d ascending", i)

			desc, err := tbl.Scan(r, true).Collect()
			require.NoError(t, err)
			slices.Reverse(want)
			assert.Equal(t, want, desc, "range %d descending", i)
		}
		return nil
	}))
}

func compareRows(a, b record.Row) int {
	for i := range min(len(a), len(b)) {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func TestLocateAndRowAt(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")
	rows := make([]record.Row, 0, 400)
	for i := range int64(400) {
		rows = append(rows, kv(i, fmt.Sprintf("v%d", i)))
	}
	insertKV(t, db, "T", rows...)

	require.NoError(t, db.View(func(tx *Tx) error {
		tbl, err := tx.Table("T")
		require.NoError(t, err)
		for _, id := range []int64{0, 199, 399} {
			loc, err := tbl.Locate(record.Int(id))
			require.NoError(t, err)
			row, err := tbl.RowAt(loc)
			require.NoError(t, err)
			assert.Equal(t, rows[id], row)
		}

		_, err = tbl.Locate(record.Int(1000))
		assert.ErrorIs(t, err, ErrRowNotFound)
		loc, err := tbl.Locate(record.Int(5))
		require.NoError(t, err)
		loc.Slot = 10000
		_, err = tbl.RowAt(loc)
		assert.ErrorIs(t, err, ErrRowNotFound)
		return nil
	}))
}

func TestRowsBoundToTransaction(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")
	insertKV(t, db, "T", kv(1, "a"), kv(2, "b"))

	tx, err := db.Begin(false)
	require.NoError(t, err)
	tbl, err := tx.Table("T")
	require.NoError(t, err)
	rows := tbl.Scan(Range{}, false)
	require.True(t, rows.Next())
	assert.Equal(t, kv(1, "a"), rows.Row())
	require.NoError(t, tx.Rollback())

	assert.False(t, rows.Next())
	assert.ErrorIs(t, rows.Err(), ErrTxDone)
}

func TestRekey(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	createKV(t, db, "T")
	withTable(t, db, "T", func(tbl *Table) {
		require.NoError(t, tbl.CreateIndex("by_val", []string{"val"}, true))
	})
	insertKV(t, db, "T", kv(1, "a"), kv(2, "b"), kv(3, "c"))

	withTable(t, db, "T", func(tbl *Table) {
		// Collisions are reported before anything changes.
		assert.ErrorIs(t, tbl.Rekey([]record.Value{record.Int(1)}, kv(2, "x")), ErrDuplicateKey)
		assert.ErrorIs(t, tbl.Rekey([]record.Value{record.Int(1)}, kv(4, "b")), ErrDuplicateKey)
		assert.ErrorIs(t, tbl.Rekey([]record.Value{record.Int(9)}, kv(4, "z")), ErrRowNotFound)

		row, err := tbl.Get(record.Int(1))
		require.NoError(t, err)
		assert.Equal(t, kv(1, "a"), row)
		assert.Equal(t, uint64(3), tbl.Len())

		// Keeping its own unique value is not a collision.
		require.NoError(t, tbl.Rekey([]record.Value{record.Int(1)}, kv(4, "a")))
		// Same key degrades to an update.
		require.NoError(t, tbl.Rekey([]record.Value{record.Int(3)}, kv(3, "cc")))
	})

	require.NoError(t, db.View(func(tx *Tx) error {
		assert.Equal(t, []record.Row{kv(2, "b"), kv(3, "cc"), kv(4, "a")}, scanAll(t, tx, "T"))
		tbl, err := tx.Table("T")
		require.NoError(t, err)
		rows, err := tbl.IndexGet("by_val", record.String("a"))
		require.NoError(t, err)
		assert.Equal(t, []record.Row{kv(4, "a")}, rows)
		return nil
	}))
}

func TestFloatKeyZeroAndNaN(t *testing.T) {
	t.Parallel()

	db, _ := setup(t)
	s, err := record.NewSchema([]record.Column{
		{Name: "x", Type: record.KindFloat},
		{Name: "val", Type: record.KindString},
	}, "x")
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateTable("F", s)
		return err
	}))

	withTable(t, db, "F", func(tbl *Table) {
		_, err := tbl.Insert(record.Row{record.Float(0), record.String("zero")})
		require.NoError(t, err)
		_, err = tbl.Insert(record.Row{record.Float(math.Copysign(0, -1)), record.String("minus")})
		assert.ErrorIs(t, err, ErrDuplicateKey)

		_, err = tbl.Insert(record.Row{record.Float(math.NaN()), record.String("nan")})
		require.NoError(t, err)
		row, err := tbl.Get(record.Float(math.Float64frombits(0x7ff8000000000042)))
		require.NoError(t, err)
		assert.Equal(t, "nan", row[1].Str())
	})

	rows := viewAll(t, db, "F")
	require.Len(t, rows, 2)
	assert.True(t, math.IsNaN(rows[0][0].Float()), "NaN sorts first")
	assert.Equal(t, "zero", rows[1][1].Str())
}
