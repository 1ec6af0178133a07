// Package codec implements the primitive wire encoding shared by every packet.
//
// All integers are big-endian. Strings carry an unsigned 16-bit length prefix followed by
// UTF-8 bytes, byte slices an unsigned 32-bit prefix. Booleans are a single 0/1 byte.
// Composite values are written as a fixed sequence of primitives; that order is part of the
// wire contract.
//
// Reader and Writer keep the first error they hit and turn every later call into a no-op,
// so a packet's Encode/Decode can be written as a flat list of calls followed by one Err check.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

const (
	// MaxStringLen is the longest string a u16 length prefix can describe.
	MaxStringLen = math.MaxUint16
	// MaxBytesLen bounds length-prefixed byte slices (10MB).
	MaxBytesLen = 10 * 1024 * 1024
)

var (
	ErrStringTooLong = errors.New("string exceeds maximum length")
	ErrBytesTooLong  = errors.New("byte slice exceeds maximum length")
	ErrInvalidUTF8   = errors.New("invalid utf-8")
	ErrInvalidBool   = errors.New("invalid boolean byte")
	ErrUnknownEnum   = errors.New("unknown enum value")
)

// DecodeError reports a malformed, truncated or out-of-range value.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Writer encodes primitives to an io.Writer.
type Writer struct {
	w   io.Writer
	buf [8]byte
	err error
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Err returns the first error encountered while writing.
func (w *Writer) Err() error { return w.err }

// Fail records err unless an earlier error is already stored.
func (w *Writer) Fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}
	if _, err := w.w.Write(b); err != nil {
		w.err = err
	}
}

func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
		return
	}
	w.Uint8(0)
}

func (w *Writer) Uint8(v uint8) {
	w.buf[0] = v
	w.write(w.buf[:1])
}

func (w *Writer) Int16(v int16) { w.Uint16(uint16(v)) }

func (w *Writer) Uint16(v uint16) {
	binary.BigEndian.PutUint16(w.buf[:2], v)
	w.write(w.buf[:2])
}

func (w *Writer) Int32(v int32) { w.Uint32(uint32(v)) }

func (w *Writer) Uint32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

func (w *Writer) Int64(v int64) { w.Uint64(uint64(v)) }

func (w *Writer) Uint64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[:8], v)
	w.write(w.buf[:8])
}

func (w *Writer) Float32(v float32) { w.Uint32(math.Float32bits(v)) }

func (w *Writer) Float64(v float64) { w.Uint64(math.Float64bits(v)) }

// String writes a u16 length prefix and the raw UTF-8 bytes of s.
func (w *Writer) String(s string) {
	if len(s) > MaxStringLen {
		w.Fail(fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s)))
		return
	}
	w.Uint16(uint16(len(s)))
	if w.err != nil {
		return
	}
	if _, err := io.WriteString(w.w, s); err != nil {
		w.err = err
	}
}

// Bytes writes a u32 length prefix followed by b.
func (w *Writer) Bytes(b []byte) {
	if len(b) > MaxBytesLen {
		w.Fail(fmt.Errorf("%w: %d bytes", ErrBytesTooLong, len(b)))
		return
	}
	w.Uint32(uint32(len(b)))
	w.write(b)
}

// Raw writes b with no length prefix.
func (w *Writer) Raw(b []byte) {
	if len(b) > 0 {
		w.write(b)
	}
}

// Vec3 writes x, y, z as float64 in that order.
func (w *Writer) Vec3(v mgl64.Vec3) {
	w.Float64(v[0])
	w.Float64(v[1])
	w.Float64(v[2])
}

// UUID writes the 16 raw bytes of id.
func (w *Writer) UUID(id uuid.UUID) {
	w.write(id[:])
}

// Reader decodes primitives from an io.Reader.
type Reader struct {
	r   io.Reader
	buf [8]byte
	err error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Err returns the first error encountered while reading.
func (r *Reader) Err() error { return r.err }

// Fail records a decode error for field unless an earlier error is already stored.
func (r *Reader) Fail(field string, err error) {
	if r.err == nil {
		r.err = &DecodeError{Field: field, Err: err}
	}
}

func (r *Reader) read(field string, b []byte) bool {
	if r.err != nil {
		return false
	}
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.Fail(field, err)
		return false
	}
	return true
}

func (r *Reader) Bool() bool {
	v := r.Uint8()
	if v > 1 {
		r.Fail("bool", fmt.Errorf("%w: %d", ErrInvalidBool, v))
		return false
	}
	return v == 1
}

func (r *Reader) Uint8() uint8 {
	if !r.read("uint8", r.buf[:1]) {
		return 0
	}
	return r.buf[0]
}

func (r *Reader) Int16() int16 { return int16(r.Uint16()) }

func (r *Reader) Uint16() uint16 {
	if !r.read("uint16", r.buf[:2]) {
		return 0
	}
	return binary.BigEndian.Uint16(r.buf[:2])
}

func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

func (r *Reader) Uint32() uint32 {
	if !r.read("uint32", r.buf[:4]) {
		return 0
	}
	return binary.BigEndian.Uint32(r.buf[:4])
}

func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

func (r *Reader) Uint64() uint64 {
	if !r.read("uint64", r.buf[:8]) {
		return 0
	}
	return binary.BigEndian.Uint64(r.buf[:8])
}

func (r *Reader) Float32() float32 { return math.Float32frombits(r.Uint32()) }

func (r *Reader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

func (r *Reader) String() string {
	n := r.Uint16()
	if r.err != nil || n == 0 {
		return ""
	}
	b := make([]byte, n)
	if !r.read("string", b) {
		return ""
	}
	if !utf8.Valid(b) {
		r.Fail("string", ErrInvalidUTF8)
		return ""
	}
	return string(b)
}

func (r *Reader) Bytes() []byte {
	n := r.Uint32()
	if r.err != nil {
		return nil
	}
	if n > MaxBytesLen {
		r.Fail("bytes", fmt.Errorf("%w: %d bytes", ErrBytesTooLong, n))
		return nil
	}
	b := make([]byte, n)
	if !r.read("bytes", b) {
		return nil
	}
	return b
}

func (r *Reader) Vec3() mgl64.Vec3 {
	return mgl64.Vec3{r.Float64(), r.Float64(), r.Float64()}
}

func (r *Reader) UUID() uuid.UUID {
	var id uuid.UUID
	r.read("uuid", id[:])
	return id
}
