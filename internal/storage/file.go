package storage

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ncw/directio"

	"github.com/alexhholmes/gendb/internal/base"
)

// File is a plain file backend. Blocks are read and written positionally;
// Flush syncs data to disk. A crash between writes can leave any subset of
// them applied.
type File struct {
	counters

	file    *os.File
	direct  bool
	bufPool sync.Pool
	size    atomic.Uint64
	closed  atomic.Bool
}

// FileOptions configures OpenFile.
type FileOptions struct {
	// DirectIO opens the file with O_DIRECT (F_NOCACHE on darwin) and moves
	// every block through aligned buffers.
	DirectIO bool
	// NoLock skips the exclusive advisory lock.
	NoLock bool
}

// OpenFile opens or creates the file at path.
func OpenFile(path string, opts FileOptions) (*File, error) {
	var (
		file *os.File
		err  error
	)
	if opts.DirectIO {
		file, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	} else {
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", base.ErrStorage, path, err)
	}

	if !opts.NoLock {
		if err := lockFile(file); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: lock %s: %v", base.ErrStorage, path, err)
		}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", base.ErrStorage, path, err)
	}

	f := &File{
		file:   file,
		direct: opts.DirectIO,
		bufPool: sync.Pool{
			New: func() any {
				return directio.AlignedBlock(base.PageSize)
			},
		},
	}
	// a torn trailing block is ignored; the pager reclaims it
	f.size.Store(uint64(info.Size()) / base.PageSize)
	return f, nil
}

// ReadBlock reads one page, through an aligned buffer under direct I/O.
func (f *File) ReadBlock(id base.PageID) (*base.Page, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	if uint64(id) >= f.size.Load() {
		return nil, wrapIO("read", id, ErrOutOfRange)
	}

	page := &base.Page{}
	buf := page.Data[:]
	if f.direct {
		aligned := f.bufPool.Get().([]byte)
		defer f.bufPool.Put(aligned)
		buf = aligned
	}

	n, err := f.file.ReadAt(buf, int64(id)*base.PageSize)
	f.countRead(n)
	if n != base.PageSize {
		if err == nil {
			err = ErrShortIO
		}
		// sparse tail: allocated but never written
		if uint64(id)*base.PageSize >= f.fileSize() {
			return page, nil
		}
		return nil, wrapIO("read", id, err)
	}
	if f.direct {
		copy(page.Data[:], buf)
	}
	return page, nil
}

func (f *File) WriteBlock(id base.PageID, page *base.Page) error {
	return f.WriteBlocks(id, page.Data[:])
}

// WriteBlocks writes a contiguous range of pages in a single syscall
func (f *File) WriteBlocks(first base.PageID, data []byte) error {
	if f.closed.Load() {
		return ErrClosed
	}
	if err := checkRun(data); err != nil {
		return err
	}

	buf := data
	if f.direct && !aligned(data) {
		buf = directio.AlignedBlock(len(data))
		copy(buf, data)
	}

	n, err := f.file.WriteAt(buf, int64(first)*base.PageSize)
	f.countWrite(n)
	if err != nil {
		return wrapIO("write", first, err)
	}
	if n != len(data) {
		return wrapIO("write", first, ErrShortIO)
	}

	end := uint64(first) + uint64(len(data)/base.PageSize)
	for {
		cur := f.size.Load()
		if end <= cur || f.size.CompareAndSwap(cur, end) {
			return nil
		}
	}
}

func (f *File) Allocate(n int) base.PageID {
	return base.PageID(f.size.Add(uint64(n)) - uint64(n))
}

func (f *File) Size() uint64 {
	return f.size.Load()
}

func (f *File) fileSize() uint64 {
	info, err := f.file.Stat()
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

// Flush syncs file data to stable storage.
func (f *File) Flush() error {
	if f.closed.Load() {
		return ErrClosed
	}
	f.flushes.Add(1)
	if err := syncData(f.file); err != nil {
		return fmt.Errorf("%w: sync: %v", base.ErrStorage, err)
	}
	return nil
}

func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = unlockFile(f.file)
	if err := f.file.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", base.ErrStorage, err)
	}
	return nil
}

// Name returns the path of the underlying file.
func (f *File) Name() string {
	return f.file.Name()
}

// alignMask is zero where the platform needs no buffer alignment.
const alignMask = uintptr(max(directio.AlignSize, 1) - 1)

// aligned reports whether b starts on a direct I/O alignment boundary.
func aligned(b []byte) bool {
	return len(b) > 0 && uintptr(unsafe.Pointer(&b[0]))&alignMask == 0
}
