package txlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/gendb/internal/base"
)

var (
	ErrMalformed = fmt.Errorf("%w: malformed log record", base.ErrCorruption)
	ErrChecksum  = fmt.Errorf("%w: log frame checksum mismatch", base.ErrCorruption)
)

// FrameHeaderSize: [Len:4][Checksum:8], followed by Len bytes of payload.
const FrameHeaderSize = 4 + 8

// MaxFrameSize bounds a single frame read from the wire.
const MaxFrameSize = 64 << 20

// AppendFrame appends the framed encoding of r to dst.
func AppendFrame(dst []byte, r *Record) ([]byte, error) {
	payload, err := r.MarshalBinary()
	if err != nil {
		return nil, err
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.BigEndian.AppendUint64(dst, xxhash.Sum64(payload))
	return append(dst, payload...), nil
}

// EncodeFrames frames records back to back.
func EncodeFrames(records []*Record) ([]byte, error) {
	var buf []byte
	for _, r := range records {
		var err error
		if buf, err = AppendFrame(buf, r); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ReadFrame reads one record. A clean end of stream returns io.EOF; a stream
// ending inside a frame returns io.ErrUnexpectedEOF.
func ReadFrame(rd io.Reader) (*Record, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(rd, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes: %w", length, ErrMalformed)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(rd, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if xxhash.Sum64(payload) != binary.BigEndian.Uint64(header[4:]) {
		return nil, ErrChecksum
	}

	r := &Record{}
	if err := r.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeFrames reads every frame in rd.
func DecodeFrames(rd io.Reader) ([]*Record, error) {
	var records []*Record
	for {
		r, err := ReadFrame(rd)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, r)
	}
}
