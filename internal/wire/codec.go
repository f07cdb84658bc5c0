// Package wire holds the byte-level contract shared by the broker and the
// data servers: every message in either direction is a 4-byte big-endian
// length followed by that many payload bytes, and request/response payloads
// are protobuf encoded.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const FrameHeaderSize = 4

// initialFrameBuffer caps the up-front allocation for an inbound frame. The
// buffer grows with the bytes actually received, so a bogus length prefix
// cannot allocate gigabytes before any payload arrives.
const initialFrameBuffer = 64 << 10

var ErrFrameTooLarge = errors.New("frame payload exceeds 4-byte length prefix")

// PutFrameHeader writes the length prefix for an n byte payload into
// b[:FrameHeaderSize].
func PutFrameHeader(b []byte, n int) error {
	if n < 0 || uint64(n) > math.MaxUint32 {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, n)
	}
	binary.BigEndian.PutUint32(b[:FrameHeaderSize], uint32(n))
	return nil
}

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if err := PutFrameHeader(header[:], len(payload)); err != nil {
		return dst, err
	}
	dst = append(dst, header[:]...)
	return append(dst, payload...), nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	var header [FrameHeaderSize]byte
	if err := PutFrameHeader(header[:], len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame blocks until one complete frame has been received and returns
// its payload. There is no protocol-level size limit; zero-length frames
// are valid and yield an empty, non-nil slice.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	sz := int64(binary.BigEndian.Uint32(header[:]))
	if sz == 0 {
		return []byte{}, nil
	}
	buf := bytes.NewBuffer(make([]byte, 0, min(sz, initialFrameBuffer)))
	if _, err := io.CopyN(buf, r, sz); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}
