// Package delta applies binary patches in the bidiff control-stream format.
//
// A patch is an 8 byte header (magic and version, both little endian u32)
// followed by records until EOF. Each record is add_len (uvarint),
// copy_len (uvarint) and seek (zigzag varint), then add_len bytes that are
// added mod 256 to the base at the current offset, then copy_len literal
// bytes. After a record the base offset moves forward by add_len and then by
// seek.
package delta

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic   uint32 = 0xB1DF
	Version uint32 = 0x1000

	chunkSize = 32 * 1024
)

var (
	ErrBadMagic    = errors.New("delta: bad magic")
	ErrBadVersion  = errors.New("delta: unsupported version")
	ErrTruncated   = errors.New("delta: truncated record")
	ErrBaseRange   = errors.New("delta: base read out of range")
	ErrRecordLimit = errors.New("delta: record length exceeds limit")
)

// maxRecordLen bounds a single add or copy run. Real patches are far below
// this; it stops a corrupt length from looping for hours.
const maxRecordLen = 1 << 40

// Apply reconstructs the target from base and the patch stream, writing it
// to out. It returns the number of bytes written.
func Apply(base io.ReaderAt, baseSize int64, patch io.Reader, out io.Writer) (int64, error) {
	r := bufio.NewReader(patch)

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrBadMagic
		}
		return 0, err
	}
	if binary.LittleEndian.Uint32(header[0:4]) != Magic {
		return 0, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != Version {
		return 0, fmt.Errorf("%w: %#x", ErrBadVersion, v)
	}

	var (
		offset  int64
		written int64
		buf     = make([]byte, chunkSize)
		baseBuf = make([]byte, chunkSize)
	)

	for {
		addLen, err := binary.ReadUvarint(r)
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, truncated(err)
		}
		copyLen, err := binary.ReadUvarint(r)
		if err != nil {
			return written, truncated(err)
		}
		seek, err := binary.ReadVarint(r)
		if err != nil {
			return written, truncated(err)
		}
		if addLen > maxRecordLen || copyLen > maxRecordLen {
			return written, ErrRecordLimit
		}

		if int64(addLen) > baseSize-offset || offset < 0 {
			return written, fmt.Errorf("%w: offset %d len %d size %d", ErrBaseRange, offset, addLen, baseSize)
		}

		for remaining := int64(addLen); remaining > 0; {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			if _, err := io.ReadFull(r, buf[:n]); err != nil {
				return written, truncated(err)
			}
			// ReadAt may report io.EOF alongside a full read at the end of base.
			if got, err := base.ReadAt(baseBuf[:n], offset); int64(got) < n {
				return written, fmt.Errorf("delta: read base at %d: %w", offset, err)
			}
			for i := int64(0); i < n; i++ {
				buf[i] += baseBuf[i]
			}
			m, err := out.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, err
			}
			offset += n
			remaining -= n
		}

		if copyLen > 0 {
			n, err := io.CopyN(out, r, int64(copyLen))
			written += n
			if err != nil {
				return written, truncated(err)
			}
		}

		offset += seek
	}
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
