package codec

import "fmt"

// Enum8 is an enumeration carried on the wire as a single byte.
type Enum8 interface {
	~uint8
	Valid() bool
}

// Enum16 is an enumeration carried on the wire as an unsigned 16-bit integer.
type Enum16 interface {
	~uint16
	Valid() bool
}

// Enum32 is an enumeration carried on the wire as a signed 32-bit integer.
type Enum32 interface {
	~int32
	Valid() bool
}

func WriteEnum8[E Enum8](w *Writer, v E) { w.Uint8(uint8(v)) }

func WriteEnum16[E Enum16](w *Writer, v E) { w.Uint16(uint16(v)) }

func WriteEnum32[E Enum32](w *Writer, v E) { w.Int32(int32(v)) }

// ReadEnum8 reads a byte and rejects values that are not a known constant of E.
func ReadEnum8[E Enum8](r *Reader, field string) E {
	v := E(r.Uint8())
	return checkEnum(r, field, v, int64(v))
}

func ReadEnum16[E Enum16](r *Reader, field string) E {
	v := E(r.Uint16())
	return checkEnum(r, field, v, int64(v))
}

func ReadEnum32[E Enum32](r *Reader, field string) E {
	v := E(r.Int32())
	return checkEnum(r, field, v, int64(v))
}

func checkEnum[E interface{ Valid() bool }](r *Reader, field string, v E, raw int64) E {
	var zero E
	if r.err != nil {
		return zero
	}
	if !v.Valid() {
		r.Fail(field, fmt.Errorf("%w: %d", ErrUnknownEnum, raw))
		return zero
	}
	return v
}
