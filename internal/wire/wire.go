// Package wire implements the daemon's RPC wire format: a length-delimited
// binary envelope carrying a small self-describing value encoding (arrays,
// strings, signed/unsigned variable-width integers, bools, byte strings).
// It stands in for the original daemon's msgpack-over-rpclib transport; see
// DESIGN.md for why no ecosystem msgpack runtime was wired instead.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame tags distinguish a normal call/response from an RPC-level error, so
// a handler failure never needs to be multiplexed through the value
// encoding itself.
const (
	TagCall  byte = 1
	TagReply byte = 2
	TagError byte = 3
)

// Value type tags for the self-describing encoding.
const (
	typeNil byte = iota
	typeBool
	typeUint
	typeInt
	typeString
	typeBytes
	typeArray
)

// ErrShortRead is returned when a frame's declared length exceeds what was
// actually available on the wire.
var ErrShortRead = errors.New("wire: short read")

// Call is one RPC request: a method name plus positional arguments, already
// decoded to Go values (the Encoder and Decoder below write and read their
// wire form).
type Call struct {
	Method string
	Args   []any
}

// WriteFrame writes tag, then a uint32 length prefix, then payload.
func WriteFrame(w io.Writer, tag byte, payload []byte) error {
	var hdr [5]byte
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one tag + length-prefixed payload from r.
func ReadFrame(r *bufio.Reader) (tag byte, payload []byte, err error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	tag = hdr[0]
	n := binary.BigEndian.Uint32(hdr[1:])
	payload = make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return tag, payload, nil
}

// Encoder builds a value encoding into an in-memory buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Nil() *Encoder {
	e.buf = append(e.buf, typeNil)
	return e
}

func (e *Encoder) Bool(v bool) *Encoder {
	e.buf = append(e.buf, typeBool)
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
	return e
}

func (e *Encoder) Uint(v uint64) *Encoder {
	e.buf = append(e.buf, typeUint)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	e.buf = append(e.buf, tmp[:n]...)
	return e
}

func (e *Encoder) Int(v int64) *Encoder {
	e.buf = append(e.buf, typeInt)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	e.buf = append(e.buf, tmp[:n]...)
	return e
}

func (e *Encoder) String(v string) *Encoder {
	e.buf = append(e.buf, typeString)
	e.lenPrefixed([]byte(v))
	return e
}

func (e *Encoder) Bytes_(v []byte) *Encoder {
	e.buf = append(e.buf, typeBytes)
	e.lenPrefixed(v)
	return e
}

func (e *Encoder) lenPrefixed(v []byte) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(v)))
	e.buf = append(e.buf, tmp[:n]...)
	e.buf = append(e.buf, v...)
}

// ArrayHeader writes the array tag and element count; callers then encode
// each element in order.
func (e *Encoder) ArrayHeader(count int) *Encoder {
	e.buf = append(e.buf, typeArray)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(count))
	e.buf = append(e.buf, tmp[:n]...)
	return e
}

// Decoder reads values out of a byte slice produced by Encoder, in order.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) tag() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	t := d.buf[d.pos]
	d.pos++
	return t, nil
}

func (d *Decoder) expect(want byte) error {
	t, err := d.tag()
	if err != nil {
		return err
	}
	if t != want {
		return fmt.Errorf("wire: expected type %d, got %d", want, t)
	}
	return nil
}

func (d *Decoder) Bool() (bool, error) {
	if err := d.expect(typeBool); err != nil {
		return false, err
	}
	if d.pos >= len(d.buf) {
		return false, io.ErrUnexpectedEOF
	}
	v := d.buf[d.pos] != 0
	d.pos++
	return v, nil
}

func (d *Decoder) Uint() (uint64, error) {
	if err := d.expect(typeUint); err != nil {
		return 0, err
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	d.pos += n
	return v, nil
}

func (d *Decoder) Int() (int64, error) {
	if err := d.expect(typeInt); err != nil {
		return 0, err
	}
	v, n := binary.Varint(d.buf[d.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	d.pos += n
	return v, nil
}

func (d *Decoder) String() (string, error) {
	if err := d.expect(typeString); err != nil {
		return "", err
	}
	b, err := d.lenPrefixed()
	return string(b), err
}

func (d *Decoder) Bytes() ([]byte, error) {
	if err := d.expect(typeBytes); err != nil {
		return nil, err
	}
	return d.lenPrefixed()
}

func (d *Decoder) lenPrefixed() ([]byte, error) {
	n, k := binary.Uvarint(d.buf[d.pos:])
	if k <= 0 {
		return nil, io.ErrUnexpectedEOF
	}
	d.pos += k
	end := d.pos + int(n)
	if end > len(d.buf) {
		return nil, ErrShortRead
	}
	v := d.buf[d.pos:end]
	d.pos = end
	return v, nil
}

// ArrayHeader reads the array tag and returns its element count.
func (d *Decoder) ArrayHeader() (int, error) {
	if err := d.expect(typeArray); err != nil {
		return 0, err
	}
	n, k := binary.Uvarint(d.buf[d.pos:])
	if k <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	d.pos += k
	return int(n), nil
}
