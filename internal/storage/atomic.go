package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/gendb/internal/base"
)

const (
	journalMagic      uint32 = 0x676a6e6c // "gjnl"
	journalHeaderSize        = 24         // magic(4) + count(4) + size(8) + checksum(8)
	journalEntrySize         = 8 + base.PageSize
)

// AtomicFile is a File whose multi-block flushes apply all-or-nothing.
//
// Blocks at or past the size recorded by the last Flush are not reachable
// from any committed state, so they are written straight to the main file.
// Blocks below it are overwrites and are buffered until Flush, which runs
// two phases:
//
//  1. write every buffered block to <path>.journal behind a checksummed
//     header and sync it
//  2. copy them into the main file, sync, and truncate the journal
//
// Open replays an intact journal and discards a torn one, so after a crash
// either none or all of a flush's overwrites are visible.
type AtomicFile struct {
	*File

	journal *os.File

	mu        sync.RWMutex
	buffered  map[base.PageID]*base.Page
	committed uint64

	// Replayed is the number of blocks restored from a journal on open.
	Replayed int
	// Discarded is set when a torn journal was thrown away on open.
	Discarded bool
}

// OpenAtomicFile opens the file at path and its journal, replaying the
// journal first if a previous flush was interrupted.
func OpenAtomicFile(path string, opts FileOptions) (*AtomicFile, error) {
	f, err := OpenFile(path, opts)
	if err != nil {
		return nil, err
	}

	journal, err := os.OpenFile(path+".journal", os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: open journal: %v", base.ErrStorage, err)
	}

	a := &AtomicFile{
		File:     f,
		journal:  journal,
		buffered: make(map[base.PageID]*base.Page),
	}
	if err := a.recover(); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.committed = a.File.Size()
	return a, nil
}

// recover replays or discards a leftover journal.
func (a *AtomicFile) recover() error {
	raw, err := io.ReadAll(io.NewSectionReader(a.journal, 0, 1<<40))
	if err != nil {
		return fmt.Errorf("%w: read journal: %v", base.ErrStorage, err)
	}
	if len(raw) == 0 {
		return nil
	}

	entries, size, err := decodeJournal(raw)
	if err != nil {
		a.Discarded = true
		return a.resetJournal()
	}

	for _, e := range entries {
		if err := a.File.WriteBlock(e.id, e.page); err != nil {
			return err
		}
	}
	if a.File.Size() < size {
		a.File.size.Store(size)
	}
	if err := a.File.Flush(); err != nil {
		return err
	}
	a.Replayed = len(entries)
	return a.resetJournal()
}

type journalEntry struct {
	id   base.PageID
	page *base.Page
}

func encodeJournal(entries []journalEntry, size uint64) []byte {
	buf := make([]byte, journalHeaderSize+len(entries)*journalEntrySize)
	body := buf[journalHeaderSize:]
	for i, e := range entries {
		off := i * journalEntrySize
		binary.LittleEndian.PutUint64(body[off:], uint64(e.id))
		copy(body[off+8:], e.page.Data[:])
	}

	binary.LittleEndian.PutUint32(buf[0:], journalMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(entries)))
	binary.LittleEndian.PutUint64(buf[8:], size)
	binary.LittleEndian.PutUint64(buf[16:], xxhash.Sum64(body))
	return buf
}

var errTornJournal = errors.New("torn journal")

func decodeJournal(raw []byte) ([]journalEntry, uint64, error) {
	if len(raw) < journalHeaderSize {
		return nil, 0, errTornJournal
	}
	if binary.LittleEndian.Uint32(raw[0:]) != journalMagic {
		return nil, 0, errTornJournal
	}
	count := int(binary.LittleEndian.Uint32(raw[4:]))
	size := binary.LittleEndian.Uint64(raw[8:])
	sum := binary.LittleEndian.Uint64(raw[16:])

	body := raw[journalHeaderSize:]
	if len(body) < count*journalEntrySize {
		return nil, 0, errTornJournal
	}
	body = body[:count*journalEntrySize]
	if xxhash.Sum64(body) != sum {
		return nil, 0, errTornJournal
	}

	entries := make([]journalEntry, count)
	for i := range entries {
		off := i * journalEntrySize
		page := &base.Page{}
		copy(page.Data[:], body[off+8:off+journalEntrySize])
		entries[i] = journalEntry{
			id:   base.PageID(binary.LittleEndian.Uint64(body[off:])),
			page: page,
		}
	}
	return entries, size, nil
}

func (a *AtomicFile) resetJournal() error {
	if err := a.journal.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncate journal: %v", base.ErrStorage, err)
	}
	if err := syncData(a.journal); err != nil {
		return fmt.Errorf("%w: sync journal: %v", base.ErrStorage, err)
	}
	return nil
}

func (a *AtomicFile) ReadBlock(id base.PageID) (*base.Page, error) {
	a.mu.RLock()
	page, ok := a.buffered[id]
	a.mu.RUnlock()
	if ok {
		a.countRead(base.PageSize)
		return &base.Page{Data: page.Data}, nil
	}
	return a.File.ReadBlock(id)
}

func (a *AtomicFile) WriteBlock(id base.PageID, page *base.Page) error {
	return a.WriteBlocks(id, page.Data[:])
}

// WriteBlocks buffers the part of the run below the committed size and
// writes the rest directly.
func (a *AtomicFile) WriteBlocks(first base.PageID, data []byte) error {
	if err := checkRun(data); err != nil {
		return err
	}

	a.mu.Lock()
	n := len(data) / base.PageSize
	split := n
	for i := 0; i < n; i++ {
		id := first + base.PageID(i)
		if uint64(id) >= a.committed {
			split = i
			break
		}
		page := &base.Page{}
		copy(page.Data[:], data[i*base.PageSize:])
		a.buffered[id] = page
	}
	a.mu.Unlock()

	if split < n {
		return a.File.WriteBlocks(first+base.PageID(split), data[split*base.PageSize:])
	}
	a.countWrite(len(data))
	return nil
}

// Flush applies buffered overwrites through the journal.
func (a *AtomicFile) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// direct writes first: the journaled blocks may point at them
	if err := a.File.Flush(); err != nil {
		return err
	}
	size := a.File.Size()
	if len(a.buffered) == 0 {
		a.committed = size
		return nil
	}

	entries := make([]journalEntry, 0, len(a.buffered))
	for id, page := range a.buffered {
		entries = append(entries, journalEntry{id: id, page: page})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	// phase 1
	if _, err := a.journal.WriteAt(encodeJournal(entries, size), 0); err != nil {
		return fmt.Errorf("%w: write journal: %v", base.ErrStorage, err)
	}
	if err := syncData(a.journal); err != nil {
		return fmt.Errorf("%w: sync journal: %v", base.ErrStorage, err)
	}

	// phase 2
	for _, e := range entries {
		if err := a.File.WriteBlock(e.id, e.page); err != nil {
			return err
		}
	}
	if err := a.File.Flush(); err != nil {
		return err
	}
	if err := a.resetJournal(); err != nil {
		return err
	}

	clear(a.buffered)
	a.committed = size
	return nil
}

// Close flushes buffered blocks and closes both files.
func (a *AtomicFile) Close() error {
	var flushErr error
	if !a.File.closed.Load() {
		flushErr = a.Flush()
	}
	jerr := a.journal.Close()
	ferr := a.File.Close()
	return errors.Join(flushErr, jerr, ferr)
}
