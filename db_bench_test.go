package gendb

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/alexhholmes/gendb/record"
)

func benchDB(b *testing.B, numRows int) *DB {
	b.Helper()
	db, err := Open(filepath.Join(b.TempDir(), "bench.db"), WithSyncOff())
	if err != nil {
		b.Fatalf("Failed to create DB: %v", err)
	}
	b.Cleanup(func() { _ = db.Close() })

	schema, err := record.NewSchema([]record.Column{
		{Name: "id", Type: record.KindInt},
		{Name: "val", Type: record.KindString},
	}, "id")
	if err != nil {
		b.Fatal(err)
	}

	// Populate in batches of 1000 rows per transaction
	err = db.Update(func(tx *Tx) error {
		_, err := tx.CreateTable("T", schema)
		return err
	})
	for start := 0; err == nil && start < numRows; start += 1000 {
		err = db.Update(func(tx *Tx) error {
			tbl, err := tx.Table("T")
			if err != nil {
				return err
			}
			for i := start; i < min(start+1000, numRows); i++ {
				if _, err := tbl.Insert(kv(int64(i), fmt.Sprintf("value%08d", i))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err != nil {
		b.Fatalf("Failed to populate DB: %v", err)
	}
	return db
}

func BenchmarkTableGet(b *testing.B) {
	const numRows = 10000
	db := benchDB(b, numRows)

	tx, err := db.Begin(false)
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = tx.Rollback() }()
	tbl, err := tx.Table("T")
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := tbl.Get(record.Int(int64((i * 7) % numRows))); err != nil {
			b.Errorf("get failed: %v", err)
		}
	}
}

func BenchmarkTableInsert(b *testing.B) {
	db := benchDB(b, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := db.Update(func(tx *Tx) error {
			tbl, err := tx.Table("T")
			if err != nil {
				return err
			}
			_, err = tbl.Insert(kv(int64(i), fmt.Sprintf("value%08d", i)))
			return err
		})
		if err != nil {
			b.Errorf("insert failed: %v", err)
		}
	}
}

func BenchmarkMixed(b *testing.B) {
	const numRows = 10000
	db := benchDB(b, numRows)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if i%5 < 4 {
			// 80% reads
			err := db.View(func(tx *Tx) error {
				tbl, err := tx.Table("T")
				if err != nil {
					return err
				}
				_, err = tbl.Get(record.Int(int64((i * 7) % numRows)))
				return err
			})
			if err != nil {
				b.Errorf("get failed: %v", err)
			}
			continue
		}

		// 20% writes, mostly updates
		err := db.Update(func(tx *Tx) error {
			tbl, err := tx.Table("T")
			if err != nil {
				return err
			}
			if i%10 < 9 {
				return tbl.Update(kv(int64((i*13)%numRows), fmt.Sprintf("updated%08d", i)))
			}
			_, err = tbl.Insert(kv(int64(numRows+i), fmt.Sprintf("new%08d", i)))
			return err
		})
		if err != nil {
			b.Errorf("write failed: %v", err)
		}
	}
}

func BenchmarkConcurrentReads(b *testing.B) {
	const numRows = 50000
	db := benchDB(b, numRows)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			err := db.View(func(tx *Tx) error {
				tbl, err := tx.Table("T")
				if err != nil {
					return err
				}
				_, err = tbl.Get(record.Int(int64((i * 7) % numRows)))
				return err
			})
			if err != nil {
				b.Errorf("get failed: %v", err)
			}
			i++
		}
	})
}

func BenchmarkRangeScan(b *testing.B) {
	const numRows = 50000
	db := benchDB(b, numRows)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lo := int64((i * 97) % (numRows - 100))
		err := db.View(func(tx *Tx) error {
			tbl, err := tx.Table("T")
			if err != nil {
				return err
			}
			rows := tbl.Scan(Range{
				Lo: &Bound{Value: record.Int(lo)},
				Hi: &Bound{Value: record.Int(lo + 100), Exclusive: true},
			}, false)
			n := 0
			for rows.Next() {
				n++
			}
			if n != 100 {
				return fmt.Errorf("scanned %d rows, want 100", n)
			}
			return rows.Err()
		})
		if err != nil {
			b.Errorf("scan failed: %v", err)
		}
	}
}
