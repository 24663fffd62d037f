package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Encoder produces the record stream of a producer. It is used to replay captures and to test the worker.
// Records are buffered until a frame is full or Flush is called.
type Encoder struct {
	w   io.Writer
	buf []byte
	out []byte
	c   lz4.Compressor
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, 0, TargetFrameSize),
		out: make([]byte, 4+MaxCompressedFrameSize),
	}
}

func (e *Encoder) reserve(n int) error {
	if n > TargetFrameSize {
		return fmt.Errorf("record of %d bytes exceeds frame size", n)
	}
	if len(e.buf)+n > TargetFrameSize {
		return e.Flush()
	}
	return nil
}

// Record encodes a fixed-size record. args must match the record's layout in QueueDescriptions.
func (e *Encoder) Record(typ QueueType, args ...uint64) error {
	if typ >= QueueCount || typ.IsTransfer() {
		return fmt.Errorf("%s isn't a fixed-size record", typ)
	}
	desc := &QueueDescriptions[typ]
	if len(args) != len(desc.Kinds) {
		return fmt.Errorf("%s takes %d arguments, got %d", typ, len(desc.Kinds), len(args))
	}
	if err := e.reserve(QueueDataSize[typ]); err != nil {
		return err
	}
	e.buf = append(e.buf, byte(typ))
	for i, k := range desc.Kinds {
		switch k {
		case ArgU8:
			e.buf = append(e.buf, byte(args[i]))
		case ArgU16:
			e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(args[i]))
		case ArgU32, ArgF32:
			e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(args[i]))
		default:
			e.buf = binary.LittleEndian.AppendUint64(e.buf, args[i])
		}
	}
	return nil
}

// Transfer encodes a transfer record carrying data.
func (e *Encoder) Transfer(typ QueueType, handle uint64, data []byte) error {
	if !typ.IsTransfer() {
		return fmt.Errorf("%s isn't a transfer", typ)
	}
	if err := e.reserve(QueueDataSize[typ] + len(data)); err != nil {
		return err
	}
	e.buf = append(e.buf, byte(typ))
	e.buf = binary.LittleEndian.AppendUint64(e.buf, handle)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(data)))
	e.buf = append(e.buf, data...)
	return nil
}

// Flush compresses all buffered records into a frame and writes it.
func (e *Encoder) Flush() error {
	if len(e.buf) == 0 {
		return nil
	}
	n, err := e.c.CompressBlock(e.buf, e.out[4:])
	if err != nil {
		return fmt.Errorf("couldn't compress frame: %w", err)
	}
	binary.LittleEndian.PutUint32(e.out, uint32(n))
	e.buf = e.buf[:0]
	_, err = e.w.Write(e.out[:4+n])
	return err
}

// Buffered returns the number of bytes waiting to be flushed.
func (e *Encoder) Buffered() int { return len(e.buf) }
