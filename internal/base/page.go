package base

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	PageSize = 4096

	LeafPageFlag     uint16 = 0x01
	BranchPageFlag   uint16 = 0x02
	OverflowPageFlag uint16 = 0x04
	MetaPageFlag     uint16 = 0x08
	FreelistPageFlag uint16 = 0x10

	PageHeaderSize    = 32 // PageID(8) + Flags(2) + NumKeys(2) + Aux(4) + Gen(8) + Checksum(8)
	LeafElementSize   = 8
	BranchElementSize = 16

	// PageDataSize is the payload available to overflow and freelist pages.
	PageDataSize = PageSize - PageHeaderSize

	checksumOffset = 24
	firstChildSize = 8
)

type PageID uint64

// Page is raw disk Page (4096 bytes)
//
// LEAF PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (32 bytes)                                                   │
// │ PageID, Flags, NumKeys, Aux, Gen, Checksum                          │
// ├─────────────────────────────────────────────────────────────────────┤
// │ LeafElement[0..N-1] (8 bytes each)                                  │
// │ KeyOffset, KeySize, ValueSize, Reserved                             │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Free space                                                          │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Data Area (packed from the end backward):                           │
// │   ← Key[N-1] | Value[N-1] | ... | Key[0] | Value[0]                 │
// └─────────────────────────────────────────────────────────────────────┘
//
// BRANCH PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (32 bytes)                                                   │
// ├─────────────────────────────────────────────────────────────────────┤
// │ BranchElement[0..N-1] (16 bytes each)                               │
// │ KeyOffset, KeySize, Reserved, ChildID                               │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Data Area: ← Key[N-1] | ... | Key[0]                                │
// ├─────────────────────────────────────────────────────────────────────┤
// │ FirstChild (last 8 bytes) - Children[0]                             │
// └─────────────────────────────────────────────────────────────────────┘
//
// OVERFLOW PAGE LAYOUT (runs of contiguous pages):
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (32 bytes), Aux = payload bytes in this page                 │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Raw Data Payload (4064 bytes)                                       │
// └─────────────────────────────────────────────────────────────────────┘
type Page struct {
	Data [PageSize]byte
}

// PageHeader is the fixed-size header at the start of each Page.
type PageHeader struct {
	PageID   PageID
	Flags    uint16
	NumKeys  uint16
	Aux      uint32 // Page type specific (overflow: bytes used)
	Gen      uint64 // Generation that wrote this page version
	Checksum uint64
}

// LeafElement locates a key-value pair in a leaf Page. The value follows
// the key immediately.
type LeafElement struct {
	KeyOffset uint16
	KeySize   uint16
	ValueSize uint16
	Reserved  uint16
}

// BranchElement locates a routing key and the child to its right.
type BranchElement struct {
	KeyOffset uint16
	KeySize   uint16
	Reserved  uint32
	ChildID   PageID
}

// Header decodes the Page header
func (p *Page) Header() PageHeader {
	return PageHeader{
		PageID:   PageID(binary.LittleEndian.Uint64(p.Data[0:8])),
		Flags:    binary.LittleEndian.Uint16(p.Data[8:10]),
		NumKeys:  binary.LittleEndian.Uint16(p.Data[10:12]),
		Aux:      binary.LittleEndian.Uint32(p.Data[12:16]),
		Gen:      binary.LittleEndian.Uint64(p.Data[16:24]),
		Checksum: binary.LittleEndian.Uint64(p.Data[24:32]),
	}
}

// WriteHeader writes the Page header. The checksum field is written as given;
// call Seal once the page body is complete.
func (p *Page) WriteHeader(h *PageHeader) {
	binary.LittleEndian.PutUint64(p.Data[0:8], uint64(h.PageID))
	binary.LittleEndian.PutUint16(p.Data[8:10], h.Flags)
	binary.LittleEndian.PutUint16(p.Data[10:12], h.NumKeys)
	binary.LittleEndian.PutUint32(p.Data[12:16], h.Aux)
	binary.LittleEndian.PutUint64(p.Data[16:24], h.Gen)
	binary.LittleEndian.PutUint64(p.Data[24:32], h.Checksum)
}

// LeafElement reads the leaf element at idx
func (p *Page) LeafElement(idx int) LeafElement {
	off := PageHeaderSize + idx*LeafElementSize
	return LeafElement{
		KeyOffset: binary.LittleEndian.Uint16(p.Data[off:]),
		KeySize:   binary.LittleEndian.Uint16(p.Data[off+2:]),
		ValueSize: binary.LittleEndian.Uint16(p.Data[off+4:]),
		Reserved:  binary.LittleEndian.Uint16(p.Data[off+6:]),
	}
}

// WriteLeafElement writes a leaf element at the specified index
func (p *Page) WriteLeafElement(idx int, e *LeafElement) {
	off := PageHeaderSize + idx*LeafElementSize
	binary.LittleEndian.PutUint16(p.Data[off:], e.KeyOffset)
	binary.LittleEndian.PutUint16(p.Data[off+2:], e.KeySize)
	binary.LittleEndian.PutUint16(p.Data[off+4:], e.ValueSize)
	binary.LittleEndian.PutUint16(p.Data[off+6:], e.Reserved)
}

// BranchElement reads the branch element at idx
func (p *Page) BranchElement(idx int) BranchElement {
	off := PageHeaderSize + idx*BranchElementSize
	return BranchElement{
		KeyOffset: binary.LittleEndian.Uint16(p.Data[off:]),
		KeySize:   binary.LittleEndian.Uint16(p.Data[off+2:]),
		Reserved:  binary.LittleEndian.Uint32(p.Data[off+4:]),
		ChildID:   PageID(binary.LittleEndian.Uint64(p.Data[off+8:])),
	}
}

// WriteBranchElement writes a branch element at the specified index
func (p *Page) WriteBranchElement(idx int, e *BranchElement) {
	off := PageHeaderSize + idx*BranchElementSize
	binary.LittleEndian.PutUint16(p.Data[off:], e.KeyOffset)
	binary.LittleEndian.PutUint16(p.Data[off+2:], e.KeySize)
	binary.LittleEndian.PutUint32(p.Data[off+4:], e.Reserved)
	binary.LittleEndian.PutUint64(p.Data[off+8:], uint64(e.ChildID))
}

// WriteBranchFirstChild writes Children[0] into the last 8 bytes
func (p *Page) WriteBranchFirstChild(childID PageID) {
	binary.LittleEndian.PutUint64(p.Data[PageSize-firstChildSize:], uint64(childID))
}

// ReadBranchFirstChild reads Children[0] from the last 8 bytes
func (p *Page) ReadBranchFirstChild() PageID {
	return PageID(binary.LittleEndian.Uint64(p.Data[PageSize-firstChildSize:]))
}

// Slice returns the bytes at [offset, offset+size) of the data area
func (p *Page) Slice(offset, size uint16, limit int) ([]byte, error) {
	start := int(offset)
	end := start + int(size)
	if start < PageHeaderSize || end > limit {
		return nil, ErrInvalidOffset
	}
	return p.Data[start:end], nil
}

// Payload returns the data region of an overflow or freelist page
func (p *Page) Payload() []byte {
	return p.Data[PageHeaderSize:]
}

// CalculateChecksum hashes the page with the checksum field skipped.
func (p *Page) CalculateChecksum() uint64 {
	d := xxhash.New()
	_, _ = d.Write(p.Data[:checksumOffset])
	_, _ = d.Write(p.Data[checksumOffset+8:])
	return d.Sum64()
}

// Seal stamps the checksum. Must be the last mutation before the page is written.
func (p *Page) Seal() {
	binary.LittleEndian.PutUint64(p.Data[checksumOffset:], p.CalculateChecksum())
}

// Verify checks the checksum and that the page claims to be id.
func (p *Page) Verify(id PageID) error {
	h := p.Header()
	if h.Checksum != p.CalculateChecksum() {
		return fmt.Errorf("page %d: %w", id, ErrInvalidChecksum)
	}
	if h.PageID != id {
		return fmt.Errorf("page %d: header claims page %d: %w", id, h.PageID, ErrCorruption)
	}
	return nil
}
