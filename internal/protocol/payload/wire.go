package payload

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/danmuck/headunit/internal/protocol"
)

// writer appends little-endian fixed-width fields.
type writer struct {
	buf []byte
}

func newWriter(size int) *writer {
	return &writer{buf: make([]byte, 0, size)}
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *writer) i16(v int16) { w.u16(uint16(v)) }

func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *writer) i32(v int32) { w.u32(uint32(v)) }

func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) bytes() []byte { return w.buf }

// reader consumes little-endian fields; the first short read sticks in err.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(name string, b []byte, minLen int) *reader {
	r := &reader{buf: b}
	if len(b) < minLen {
		r.err = fmt.Errorf("%w: %s wants %d bytes, got %d", protocol.ErrInvalidPayload, name, minLen, len(b))
	}
	return r
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: short read at offset %d", protocol.ErrInvalidPayload, r.off)
		return make([]byte, n)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8 { return r.take(1)[0] }

func (r *reader) u16() uint16 { return binary.LittleEndian.Uint16(r.take(2)) }

func (r *reader) i16() int16 { return int16(r.u16()) }

func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) remaining() int { return len(r.buf) - r.off }

// done fails when unread bytes remain.
func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", protocol.ErrInvalidPayload, len(r.buf)-r.off)
	}
	return nil
}
