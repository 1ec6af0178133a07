package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/luciancaetano/streamnet/internal/codec"
)

const (
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB max payload size

	flagCompressed uint8 = 1 << 0
	knownFlags           = flagCompressed

	// NoCompression disables the payload transform when passed as a threshold.
	NoCompression = -1
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownFlags    = errors.New("unknown frame flags")
	ErrTrailingBytes   = errors.New("trailing bytes after payload")
)

// Encode renders p as a complete frame:
//
//	[u16 id][string name][u8 direction][u8 flags][u32 length][payload]
//
// The payload is zlib-compressed when threshold >= 0 and the encoded payload is at least
// threshold bytes long.
func Encode(p Packet, threshold int) ([]byte, error) {
	var payload bytes.Buffer
	pw := codec.NewWriter(&payload)
	p.Encode(pw)
	if err := pw.Err(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Identity(), err)
	}

	body := payload.Bytes()
	var flags uint8
	if threshold >= 0 && len(body) >= threshold && len(body) > 0 {
		compressed, err := compress(body)
		if err != nil {
			return nil, fmt.Errorf("compress %s: %w", p.Identity(), err)
		}
		body = compressed
		flags |= flagCompressed
	}
	if len(body) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(body))
	}

	var out bytes.Buffer
	w := codec.NewWriter(&out)
	WriteIdentity(w, p.Identity())
	w.Uint8(flags)
	w.Uint32(uint32(len(body)))
	w.Raw(body)
	if err := w.Err(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Decode parses a single frame produced by Encode.
func Decode(data []byte, reg *Registry) (Packet, error) {
	r := bytes.NewReader(data)
	p, err := ReadFrame(r, reg)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, &codec.DecodeError{Field: "frame", Err: ErrTrailingBytes}
	}
	return p, nil
}

// WriteFrame encodes p and writes it with a single Write call.
func WriteFrame(w io.Writer, p Packet, threshold int) error {
	data, err := Encode(p, threshold)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads exactly one frame from r and resolves it against reg.
// Unregistered identities come back as *Unresolved with the raw payload attached.
func ReadFrame(r io.Reader, reg *Registry) (Packet, error) {
	cr := codec.NewReader(r)
	id := ReadIdentity(cr)
	flags := cr.Uint8()
	size := cr.Uint32()
	if err := cr.Err(); err != nil {
		return nil, err
	}
	if flags&^knownFlags != 0 {
		return nil, &codec.DecodeError{Field: "flags", Err: fmt.Errorf("%w: %#x", ErrUnknownFlags, flags)}
	}
	if size > MaxPayloadSize {
		return nil, &codec.DecodeError{Field: "length", Err: fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &codec.DecodeError{Field: "payload", Err: err}
	}
	if flags&flagCompressed != 0 {
		var err error
		if body, err = decompress(body); err != nil {
			return nil, &codec.DecodeError{Field: "payload", Err: err}
		}
	}

	p := reg.Resolve(id)
	if u, ok := p.(*Unresolved); ok {
		u.Payload = body
		return u, nil
	}

	br := bytes.NewReader(body)
	pr := codec.NewReader(br)
	p.Decode(pr)
	if err := pr.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	if br.Len() != 0 {
		return nil, &codec.DecodeError{Field: id.Name, Err: fmt.Errorf("%w: %d", ErrTrailingBytes, br.Len())}
	}
	return p, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, MaxPayloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: inflated past %d bytes", ErrPayloadTooLarge, MaxPayloadSize)
	}
	return out, nil
}
