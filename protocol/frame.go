package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// MaxCompressedFrameSize is the largest valid compressed frame.
var MaxCompressedFrameSize = lz4.CompressBlockBound(TargetFrameSize)

// FrameReader reads frames from a stream and decompresses them. Frames may refer back to the last
// DictSize bytes of previously decompressed data.
type FrameReader struct {
	r    io.Reader
	hdr  [4]byte
	src  []byte
	dst  []byte
	dict []byte

	// BytesRead counts compressed bytes, including frame headers.
	BytesRead uint64
	// Frames counts the frames read so far.
	Frames uint64
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:    r,
		src:  make([]byte, MaxCompressedFrameSize),
		dst:  make([]byte, TargetFrameSize),
		dict: make([]byte, 0, DictSize+TargetFrameSize),
	}
}

// ReadFrame reads the next frame and returns its decompressed contents. The returned slice is only valid
// until the next call to ReadFrame. ReadFrame returns io.EOF if the stream ends cleanly between frames.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	n, err := io.ReadFull(fr.r, fr.hdr[:])
	fr.BytesRead += uint64(n)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("couldn't read frame header: %w", err)
		}
		return nil, err
	}
	size := binary.LittleEndian.Uint32(fr.hdr[:])
	if size == 0 || int(size) > MaxCompressedFrameSize {
		return nil, fmt.Errorf("%w: invalid compressed size %d", ErrMalformedFrame, size)
	}
	src := fr.src[:size]
	n, err = io.ReadFull(fr.r, src)
	fr.BytesRead += uint64(n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("couldn't read frame: %w", err)
	}

	n, err = lz4.UncompressBlockWithDict(src, fr.dst, fr.dict)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, err)
	}
	out := fr.dst[:n]

	fr.dict = append(fr.dict, out...)
	if len(fr.dict) > DictSize {
		fr.dict = append(fr.dict[:0], fr.dict[len(fr.dict)-DictSize:]...)
	}
	fr.Frames++
	return out, nil
}

// Decoder splits a decompressed frame into records.
type Decoder struct {
	buf []byte
	off int
}

// Reset makes the decoder read records from b.
func (d *Decoder) Reset(b []byte) {
	d.buf = b
	d.off = 0
}

// Next decodes the next record into rec. It returns io.EOF once the frame has been consumed. Records never
// span frames; a record that is cut short is reported as ErrMalformedFrame.
func (d *Decoder) Next(rec *Record) error {
	if d.off >= len(d.buf) {
		return io.EOF
	}
	off0 := d.off
	typ := QueueType(d.buf[d.off])
	if typ >= QueueCount {
		return fmt.Errorf("%w: unknown record type %d at offset %d", ErrMalformedFrame, typ, off0)
	}
	size := QueueDataSize[typ]
	if len(d.buf)-d.off < size {
		return fmt.Errorf("%w: truncated %s record at offset %d", ErrMalformedFrame, typ, off0)
	}
	b := d.buf[d.off+1 : d.off+size]
	d.off += size
	rec.Type = typ

	desc := &QueueDescriptions[typ]
	if desc.Transfer {
		rec.Handle = binary.LittleEndian.Uint64(b)
		n := int(binary.LittleEndian.Uint32(b[8:]))
		if len(d.buf)-d.off < n {
			return fmt.Errorf("%w: %s transfer of %d bytes at offset %d exceeds frame", ErrMalformedFrame, typ, n, off0)
		}
		rec.Data = d.buf[d.off : d.off+n]
		d.off += n
		return nil
	}

	rec.Handle = 0
	rec.Data = nil
	for i, k := range desc.Kinds {
		switch k {
		case ArgU8:
			rec.Args[i] = uint64(b[0])
		case ArgU16:
			rec.Args[i] = uint64(binary.LittleEndian.Uint16(b))
		case ArgU32, ArgF32:
			rec.Args[i] = uint64(binary.LittleEndian.Uint32(b))
		default:
			rec.Args[i] = binary.LittleEndian.Uint64(b)
		}
		b = b[k.size():]
	}
	return nil
}
