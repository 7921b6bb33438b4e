package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	var p Page
	h := PageHeader{PageID: 9, Flags: OverflowPageFlag, NumKeys: 3, Aux: 4000, Gen: 77}
	p.WriteHeader(&h)

	got := p.Header()
	assert.Equal(t, h, got)
}

func TestPageChecksum(t *testing.T) {
	t.Parallel()

	var p Page
	p.WriteHeader(&PageHeader{PageID: 4, Flags: LeafPageFlag})
	copy(p.Payload(), "payload")
	p.Seal()

	require.NoError(t, p.Verify(4))

	// the wrong location is detected even though the checksum holds
	assert.ErrorIs(t, p.Verify(5), ErrCorruption)

	p.Data[PageSize-1] ^= 0xff
	err := p.Verify(4)
	assert.ErrorIs(t, err, ErrInvalidChecksum)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestPageSliceBounds(t *testing.T) {
	t.Parallel()

	var p Page
	_, err := p.Slice(0, 4, PageSize)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	_, err = p.Slice(PageSize-2, 4, PageSize)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	b, err := p.Slice(PageHeaderSize, 4, PageSize)
	require.NoError(t, err)
	assert.Len(t, b, 4)
}

func TestMetaRoundTrip(t *testing.T) {
	t.Parallel()

	m := &MetaPage{
		Magic:         MagicNumber,
		Version:       FormatVersion,
		PageSize:      PageSize,
		ID:            [16]byte{1, 2, 3},
		CatalogRoot:   2,
		LogRoot:       3,
		FreelistID:    4,
		FreelistPages: 1,
		Generation:    5,
		Sequence:      4,
		NumPages:      12,
	}

	var p Page
	p.WriteMeta(m)

	got, err := p.ReadMeta(1)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	// generation 5 lives in slot 1
	_, err = p.ReadMeta(0)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestMetaValidate(t *testing.T) {
	t.Parallel()

	valid := func() *MetaPage {
		return &MetaPage{Magic: MagicNumber, Version: FormatVersion, PageSize: PageSize}
	}
	require.NoError(t, valid().Validate())

	m := valid()
	m.Magic = 0xdeadbeef
	assert.ErrorIs(t, m.Validate(), ErrInvalidMagicNumber)

	m = valid()
	m.Version = 99
	assert.ErrorIs(t, m.Validate(), ErrInvalidVersion)

	m = valid()
	m.PageSize = 8192
	assert.ErrorIs(t, m.Validate(), ErrInvalidPageSize)
	assert.ErrorIs(t, m.Validate(), ErrCorruption)
}
