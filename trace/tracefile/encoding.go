package tracefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"honnef.co/go/tracecap/trace"
)

func zigzag(v uint64) uint64 {
	d := int64(v)
	return uint64(d>>63 ^ d<<1)
}

func unzigzag(v uint64) uint64 {
	return v>>1 ^ -(v & 1)
}

// deltaZigZagEncode replaces each value with the zigzag encoding of its difference to the previous
// value. The first value is encoded relative to zero.
func deltaZigZagEncode(vs []uint64) {
	if len(vs) == 0 {
		return
	}
	for i := len(vs) - 1; i > 0; i-- {
		d := int64(vs[i] - vs[i-1])
		vs[i] = zigzag(uint64(d))
	}
	vs[0] = zigzag(vs[0])
}

func deltaZigZagDecode(vs []uint64) {
	var n uint64
	for i, v := range vs {
		sv := int64(unzigzag(v))
		n = uint64(int64(n) + sv)
		vs[i] = n
	}
}

// encoder writes the primitives that sections are made of.
type encoder struct {
	w   *blockWriter
	l   *layout
	buf []byte
	tmp []uint64
}

func (e *encoder) flushBuf() {
	if len(e.buf) >= 4096 {
		e.w.Write(e.buf)
		e.buf = e.buf[:0]
	}
}

func (e *encoder) finish() error {
	if len(e.buf) > 0 {
		e.w.Write(e.buf)
		e.buf = e.buf[:0]
	}
	return e.w.flush()
}

func (e *encoder) uvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
	e.flushBuf()
}

func (e *encoder) varint(v int64) { e.uvarint(zigzag(uint64(v))) }

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
	e.flushBuf()
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) u16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
	e.flushBuf()
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	e.flushBuf()
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
	e.flushBuf()
}

func (e *encoder) f64(v float64) { e.u64(math.Float64bits(v)) }

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
	e.flushBuf()
}

func (e *encoder) string(s string) {
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
	e.flushBuf()
}

func (e *encoder) srcloc(id trace.SrcLocID) { e.u16(uint16(id)) }

func (e *encoder) callstack(id trace.CallstackID) {
	if e.l.wideCallstacks {
		e.u32(uint32(id))
	} else {
		e.u16(uint16(id))
	}
}

func (e *encoder) stringRef(ref trace.StringRef) {
	var flags uint8
	if ref.Active {
		flags |= 1
	}
	if ref.IsIdx {
		flags |= 2
	}
	e.u8(flags)
	e.uvarint(ref.Value)
}

// optTime encodes a timestamp that may be -1, relative to base.
func (e *encoder) optTime(base, t trace.Timestamp) {
	if t < 0 {
		e.uvarint(0)
		return
	}
	e.uvarint(zigzag(uint64(t-base)) + 1)
}

// times encodes a series of timestamps as deltas. get returns the i-th timestamp.
func (e *encoder) times(n int, get func(i int) trace.Timestamp) {
	e.tmp = e.tmp[:0]
	for i := 0; i < n; i++ {
		e.tmp = append(e.tmp, uint64(get(i)))
	}
	deltaZigZagEncode(e.tmp)
	for _, v := range e.tmp {
		e.uvarint(v)
	}
}

// decoder reads the primitives that sections are made of. The first error is sticky: once it is set,
// all reads return zero values, and loops over counts stop early.
type decoder struct {
	r   *blockReader
	l   *layout
	err error
	tmp []uint64
}

func (d *decoder) fail(err error) {
	if d.err != nil {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrTruncated
	}
	d.err = err
}

func (d *decoder) corrupt(format string, args ...any) {
	d.fail(fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...)))
}

func (d *decoder) ok() bool { return d.err == nil }

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		d.fail(err)
	}
	return v
}

func (d *decoder) varint() int64 { return int64(unzigzag(d.uvarint())) }

// count reads a number of elements. Callers must not allocate more than preallocate(n) elements up front,
// as n hasn't been checked against the amount of data that follows.
func (d *decoder) count() int {
	n := d.uvarint()
	if n > math.MaxInt32 {
		d.corrupt("count %d is too large", n)
		return 0
	}
	return int(n)
}

func preallocate(n int) int { return min(n, 1<<16) }

func (d *decoder) read(b []byte) {
	if d.err != nil {
		clear(b)
		return
	}
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.fail(err)
	}
}

func (d *decoder) u8() uint8 {
	if d.err != nil {
		return 0
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.fail(err)
	}
	return b
}

func (d *decoder) bool() bool { return d.u8() != 0 }

func (d *decoder) u16() uint16 {
	var b [2]byte
	d.read(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (d *decoder) u32() uint32 {
	var b [4]byte
	d.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (d *decoder) u64() uint64 {
	var b [8]byte
	d.read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *decoder) bytes() []byte {
	n := d.count()
	if d.err != nil {
		return nil
	}
	if n > blockSize*64 {
		d.corrupt("blob of %d bytes", n)
		return nil
	}
	b := make([]byte, 0, preallocate(n))
	var chunk [4096]byte
	for len(b) < n && d.err == nil {
		m := min(n-len(b), len(chunk))
		d.read(chunk[:m])
		b = append(b, chunk[:m]...)
	}
	return b
}

func (d *decoder) string() string { return string(d.bytes()) }

func (d *decoder) srcloc() trace.SrcLocID { return trace.SrcLocID(d.u16()) }

func (d *decoder) callstack() trace.CallstackID {
	if d.l.wideCallstacks {
		return trace.CallstackID(d.u32())
	}
	return trace.CallstackID(d.u16())
}

func (d *decoder) stringRef() trace.StringRef {
	flags := d.u8()
	return trace.StringRef{
		Active: flags&1 != 0,
		IsIdx:  flags&2 != 0,
		Value:  d.uvarint(),
	}
}

func (d *decoder) optTime(base trace.Timestamp) trace.Timestamp {
	v := d.uvarint()
	if v == 0 {
		return -1
	}
	return base + trace.Timestamp(unzigzag(v-1))
}

// times decodes n timestamps written by encoder.times. It returns fewer than n timestamps if decoding
// failed.
func (d *decoder) times(n int) []trace.Timestamp {
	d.tmp = d.tmp[:0]
	for i := 0; i < n && d.err == nil; i++ {
		d.tmp = append(d.tmp, d.uvarint())
	}
	if d.err != nil {
		return nil
	}
	deltaZigZagDecode(d.tmp)
	out := make([]trace.Timestamp, len(d.tmp))
	for i, v := range d.tmp {
		out[i] = trace.Timestamp(v)
	}
	return out
}
