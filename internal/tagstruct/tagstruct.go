// Package tagstruct implements the self-describing binary container used
// to carry the payload of every protocol command: each value is preceded
// by a one-byte type tag so a reader can walk a packet it doesn't fully
// understand (an unrecognized extension, a future field) without losing
// framing sync.
package tagstruct

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

type typeTag byte

const (
	tagString    typeTag = 't'
	tagStringNil typeTag = 'N'
	tagU32       typeTag = 'L'
	tagU8        typeTag = 'B'
	tagU64       typeTag = 'R'
	tagS64       typeTag = 'r'
	tagBoolTrue  typeTag = '1'
	tagBoolFalse typeTag = '0'
	tagArbitrary typeTag = 'x'
	tagUsec      typeTag = 'U'
)

// ErrMalformed is returned when a Get call finds a type tag it didn't
// expect, or runs past the end of the buffer.
var ErrMalformed = errors.New("tagstruct: malformed packet")

// Writer builds a tag-struct payload.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutString(s string) {
	w.buf = append(w.buf, byte(tagString))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

func (w *Writer) PutStringNil() {
	w.buf = append(w.buf, byte(tagStringNil))
}

func (w *Writer) PutU32(v uint32) {
	w.buf = append(w.buf, byte(tagU32))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutU8(v uint8) {
	w.buf = append(w.buf, byte(tagU8), v)
}

func (w *Writer) PutU64(v uint64) {
	w.buf = append(w.buf, byte(tagU64))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutS64(v int64) {
	w.buf = append(w.buf, byte(tagS64))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutBoolean(v bool) {
	if v {
		w.buf = append(w.buf, byte(tagBoolTrue))
	} else {
		w.buf = append(w.buf, byte(tagBoolFalse))
	}
}

func (w *Writer) PutUsec(v uint64) {
	w.buf = append(w.buf, byte(tagUsec))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// PutArbitrary stores an opaque byte blob (used for the AUTH cookie).
func (w *Writer) PutArbitrary(b []byte) {
	w.buf = append(w.buf, byte(tagArbitrary))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, b...)
}

// PutProplist writes a proplist as an ordered sequence of key/value-length/
// value triples terminated by a nil string, matching the wire shape the
// server expects for SET_CLIENT_NAME / UPDATE_CLIENT_PROPLIST.
func (w *Writer) PutProplist(keys []string, values [][]byte) {
	for i, k := range keys {
		w.PutString(k)
		w.PutU32(uint32(len(values[i])))
		w.buf = append(w.buf, values[i]...)
	}
	w.PutStringNil()
}

// Reader walks a tag-struct payload.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) Empty() bool { return r.pos >= len(r.buf) }

func (r *Reader) expect(tag typeTag) error {
	if r.pos >= len(r.buf) {
		return ErrMalformed
	}
	if typeTag(r.buf[r.pos]) != tag {
		return fmt.Errorf("%w: expected tag %q, got %q", ErrMalformed, tag, r.buf[r.pos])
	}
	r.pos++
	return nil
}

func (r *Reader) GetU32() (uint32, error) {
	if err := r.expect(tagU32); err != nil {
		return 0, err
	}
	if r.pos+4 > len(r.buf) {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) GetU8() (uint8, error) {
	if err := r.expect(tagU8); err != nil {
		return 0, err
	}
	if r.pos+1 > len(r.buf) {
		return 0, ErrMalformed
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) GetU64() (uint64, error) {
	if err := r.expect(tagU64); err != nil {
		return 0, err
	}
	if r.pos+8 > len(r.buf) {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) GetS64() (int64, error) {
	if err := r.expect(tagS64); err != nil {
		return 0, err
	}
	if r.pos+8 > len(r.buf) {
		return 0, ErrMalformed
	}
	v := int64(binary.BigEndian.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v, nil
}

// GetString reads a nil-terminated string, or reports ok=false if the next
// value is an explicit nil string (used for optional trailing fields).
func (r *Reader) GetString() (s string, ok bool, err error) {
	if r.pos >= len(r.buf) {
		return "", false, ErrMalformed
	}
	switch typeTag(r.buf[r.pos]) {
	case tagStringNil:
		r.pos++
		return "", false, nil
	case tagString:
		r.pos++
	default:
		return "", false, fmt.Errorf("%w: expected string, got %q", ErrMalformed, r.buf[r.pos])
	}
	end := r.pos
	for end < len(r.buf) && r.buf[end] != 0 {
		end++
	}
	if end >= len(r.buf) {
		return "", false, ErrMalformed
	}
	s = string(r.buf[r.pos:end])
	r.pos = end + 1
	return s, true, nil
}

func (r *Reader) GetBoolean() (bool, error) {
	if r.pos >= len(r.buf) {
		return false, ErrMalformed
	}
	switch typeTag(r.buf[r.pos]) {
	case tagBoolTrue:
		r.pos++
		return true, nil
	case tagBoolFalse:
		r.pos++
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected boolean, got %q", ErrMalformed, r.buf[r.pos])
	}
}

// ReadRaw reads n untagged bytes verbatim, for the length-prefixed
// property values PutProplist writes without a type tag.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, ErrMalformed
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// RestBytes returns the remainder of the buffer from the current
// position onward, without advancing it further. Used for REPLY
// payloads whose shape depends on the command that was sent, which the
// dispatcher itself doesn't know.
func (r *Reader) RestBytes() []byte {
	return r.buf[r.pos:]
}

func (r *Reader) GetArbitrary() ([]byte, error) {
	if err := r.expect(tagArbitrary); err != nil {
		return nil, err
	}
	if r.pos+4 > len(r.buf) {
		return nil, ErrMalformed
	}
	n := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	if n > math.MaxInt32 || r.pos+int(n) > len(r.buf) {
		return nil, ErrMalformed
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}
