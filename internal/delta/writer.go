package delta

import (
	"encoding/binary"
	"io"
)

// Writer encodes patch records. It does not search for a good diff; callers
// decide the records.
type Writer struct {
	w           io.Writer
	wroteHeader bool
	scratch     [3 * binary.MaxVarintLen64]byte
}

// NewWriter returns a Writer that emits the header before the first record.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) header() error {
	if w.wroteHeader {
		return nil
	}
	var h [8]byte
	binary.LittleEndian.PutUint32(h[0:4], Magic)
	binary.LittleEndian.PutUint32(h[4:8], Version)
	if _, err := w.w.Write(h[:]); err != nil {
		return err
	}
	w.wroteHeader = true
	return nil
}

// WriteRecord writes one record. add holds the per-byte differences to add
// to the base, literal is copied as-is, seek moves the base offset.
func (w *Writer) WriteRecord(add, literal []byte, seek int64) error {
	if err := w.header(); err != nil {
		return err
	}
	n := binary.PutUvarint(w.scratch[:], uint64(len(add)))
	n += binary.PutUvarint(w.scratch[n:], uint64(len(literal)))
	n += binary.PutVarint(w.scratch[n:], seek)
	if _, err := w.w.Write(w.scratch[:n]); err != nil {
		return err
	}
	if _, err := w.w.Write(add); err != nil {
		return err
	}
	_, err := w.w.Write(literal)
	return err
}

// Close writes the header if no record was written, so an empty patch is
// still well formed.
func (w *Writer) Close() error {
	return w.header()
}

// Encode writes a single-record patch turning base into target: the common
// prefix length is expressed as byte differences, the rest as literal bytes.
func Encode(w io.Writer, base, target []byte) error {
	n := len(base)
	if len(target) < n {
		n = len(target)
	}
	add := make([]byte, n)
	for i := 0; i < n; i++ {
		add[i] = target[i] - base[i]
	}
	dw := NewWriter(w)
	if err := dw.WriteRecord(add, target[n:], 0); err != nil {
		return err
	}
	return dw.Close()
}
