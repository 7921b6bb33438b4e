package tree

import (
	"encoding/binary"
	"fmt"

	"github.com/alexhholmes/gendb/internal/base"
)

// Stored leaf values carry a one byte tag.
const (
	tagInline   byte = 0
	tagOverflow byte = 1

	overflowRefSize = 1 + 8 + 8 // tag + first page + length
)

// OverflowThreshold is the largest value kept inline in a leaf.
const OverflowThreshold = base.MaxInlineValue - 1

// OverflowPages returns the number of pages holding a value of length bytes.
func OverflowPages(length uint64) int {
	return int((length + base.PageDataSize - 1) / base.PageDataSize)
}

// EncodeOverflow lays value out over a run of overflow pages starting at
// first, stamped with gen.
func EncodeOverflow(first base.PageID, gen uint64, value []byte) []*base.Page {
	pages := make([]*base.Page, OverflowPages(uint64(len(value))))
	for i := range pages {
		chunk := value[i*base.PageDataSize : min(len(value), (i+1)*base.PageDataSize)]

		page := &base.Page{}
		copy(page.Payload(), chunk)
		page.WriteHeader(&base.PageHeader{
			PageID: first + base.PageID(i),
			Flags:  base.OverflowPageFlag,
			Aux:    uint32(len(chunk)),
			Gen:    gen,
		})
		page.Seal()
		pages[i] = page
	}
	return pages
}

// DecodeOverflow reassembles a value from its verified pages.
func DecodeOverflow(pages []*base.Page, length uint64) ([]byte, error) {
	value := make([]byte, 0, length)
	for _, page := range pages {
		h := page.Header()
		if h.Flags != base.OverflowPageFlag || int(h.Aux) > base.PageDataSize {
			return nil, fmt.Errorf("overflow page %d: %w", h.PageID, base.ErrCorruption)
		}
		value = append(value, page.Payload()[:h.Aux]...)
	}
	if uint64(len(value)) != length {
		return nil, fmt.Errorf("overflow value: %d of %d bytes: %w", len(value), length, base.ErrCorruption)
	}
	return value, nil
}

// storeValue returns the leaf representation of value, spilling it to
// overflow pages when too large.
func storeValue(space Space, value []byte) ([]byte, error) {
	if len(value) <= OverflowThreshold {
		stored := make([]byte, 1+len(value))
		stored[0] = tagInline
		copy(stored[1:], value)
		return stored, nil
	}

	first, err := space.WriteOverflow(value)
	if err != nil {
		return nil, err
	}
	stored := make([]byte, overflowRefSize)
	stored[0] = tagOverflow
	binary.LittleEndian.PutUint64(stored[1:], uint64(first))
	binary.LittleEndian.PutUint64(stored[9:], uint64(len(value)))
	return stored, nil
}

func overflowRef(stored []byte) (base.PageID, uint64, bool) {
	if len(stored) != overflowRefSize || stored[0] != tagOverflow {
		return 0, 0, false
	}
	return base.PageID(binary.LittleEndian.Uint64(stored[1:])),
		binary.LittleEndian.Uint64(stored[9:]), true
}

// loadValue resolves a stored leaf value.
func loadValue(space Space, stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty stored value: %w", base.ErrCorruption)
	}
	switch stored[0] {
	case tagInline:
		return stored[1:], nil
	case tagOverflow:
		first, length, ok := overflowRef(stored)
		if !ok {
			return nil, fmt.Errorf("overflow reference: %w", base.ErrCorruption)
		}
		return space.ReadOverflow(first, length)
	default:
		return nil, fmt.Errorf("value tag %d: %w", stored[0], base.ErrCorruption)
	}
}

// releaseValue frees the overflow run behind a stored value, if any.
func releaseValue(space Space, stored []byte) {
	if first, length, ok := overflowRef(stored); ok {
		space.FreeOverflow(first, length)
	}
}
