package base

import (
	"encoding/binary"
	"fmt"
)

const (
	// MagicNumber for file format identification ("gndb" in hex)
	MagicNumber uint32 = 0x676e6462

	FormatVersion uint16 = 1

	// Meta pages live at ids 0 and 1; generation%2 selects the slot.
	MetaPageCount = 2
)

// MetaPage is the Database Root: everything needed to open one generation.
// Layout after the page header:
// [Magic: 4][Version: 2][PageSize: 2][ID: 16][CatalogRoot: 8][LogRoot: 8]
// [FreelistID: 8][FreelistPages: 8][Generation: 8][Sequence: 8][NumPages: 8]
type MetaPage struct {
	Magic         uint32
	Version       uint16
	PageSize      uint16
	ID            [16]byte // database identity, stable for the life of the file
	CatalogRoot   PageID   // root of the table catalog tree
	LogRoot       PageID   // root of the transaction log tree
	FreelistID    PageID   // first page of the serialized freelist
	FreelistPages uint64   // number of contiguous freelist pages
	Generation    uint64   // commit counter, one per published root
	Sequence      uint64   // last transaction log sequence number
	NumPages      uint64   // allocation high-water mark
}

const metaSize = 4 + 2 + 2 + 16 + 8*7

// WriteMeta writes metadata into the page, stamping header and checksum.
func (p *Page) WriteMeta(m *MetaPage) {
	p.Data = [PageSize]byte{}
	p.WriteHeader(&PageHeader{
		PageID: PageID(m.Generation % MetaPageCount),
		Flags:  MetaPageFlag,
		Gen:    m.Generation,
	})

	b := p.Data[PageHeaderSize : PageHeaderSize+metaSize]
	binary.LittleEndian.PutUint32(b[0:], m.Magic)
	binary.LittleEndian.PutUint16(b[4:], m.Version)
	binary.LittleEndian.PutUint16(b[6:], m.PageSize)
	copy(b[8:24], m.ID[:])
	binary.LittleEndian.PutUint64(b[24:], uint64(m.CatalogRoot))
	binary.LittleEndian.PutUint64(b[32:], uint64(m.LogRoot))
	binary.LittleEndian.PutUint64(b[40:], uint64(m.FreelistID))
	binary.LittleEndian.PutUint64(b[48:], m.FreelistPages)
	binary.LittleEndian.PutUint64(b[56:], m.Generation)
	binary.LittleEndian.PutUint64(b[64:], m.Sequence)
	binary.LittleEndian.PutUint64(b[72:], m.NumPages)
	p.Seal()
}

// ReadMeta decodes and validates the metadata stored in the page at slot id.
func (p *Page) ReadMeta(id PageID) (*MetaPage, error) {
	if err := p.Verify(id); err != nil {
		return nil, err
	}
	if p.Header().Flags != MetaPageFlag {
		return nil, fmt.Errorf("page %d is not a meta page: %w", id, ErrCorruption)
	}

	b := p.Data[PageHeaderSize : PageHeaderSize+metaSize]
	m := &MetaPage{
		Magic:         binary.LittleEndian.Uint32(b[0:]),
		Version:       binary.LittleEndian.Uint16(b[4:]),
		PageSize:      binary.LittleEndian.Uint16(b[6:]),
		CatalogRoot:   PageID(binary.LittleEndian.Uint64(b[24:])),
		LogRoot:       PageID(binary.LittleEndian.Uint64(b[32:])),
		FreelistID:    PageID(binary.LittleEndian.Uint64(b[40:])),
		FreelistPages: binary.LittleEndian.Uint64(b[48:]),
		Generation:    binary.LittleEndian.Uint64(b[56:]),
		Sequence:      binary.LittleEndian.Uint64(b[64:]),
		NumPages:      binary.LittleEndian.Uint64(b[72:]),
	}
	copy(m.ID[:], b[8:24])
	return m, m.Validate()
}

// Validate checks if the metadata is valid
func (m *MetaPage) Validate() error {
	if m.Magic != MagicNumber {
		return ErrInvalidMagicNumber
	}
	if m.Version != FormatVersion {
		return ErrInvalidVersion
	}
	if m.PageSize != PageSize {
		return ErrInvalidPageSize
	}
	return nil
}
