package tracefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// blockSize is the amount of uncompressed data per block.
const blockSize = 1 << 20

type blockCodec interface {
	encode(dst, src []byte) []byte
	decode(dst, src []byte) ([]byte, error)
	close()
}

type snappyCodec struct{}

func (snappyCodec) encode(dst, src []byte) []byte { return snappy.Encode(dst, src) }

func (snappyCodec) decode(dst, src []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > blockSize {
		return nil, fmt.Errorf("block of %d bytes exceeds maximum size", n)
	}
	return snappy.Decode(dst, src)
}

func (snappyCodec) close() {}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (c *zstdCodec) encode(dst, src []byte) []byte { return c.enc.EncodeAll(src, dst[:0]) }

func (c *zstdCodec) decode(dst, src []byte) ([]byte, error) { return c.dec.DecodeAll(src, dst[:0]) }

func (c *zstdCodec) close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}

func newCodec(c Compression, writing bool) (blockCodec, error) {
	switch c {
	case CompressionSnappy:
		return snappyCodec{}, nil
	case CompressionZstd:
		var zc zstdCodec
		var err error
		if writing {
			zc.enc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedDefault))
		} else {
			zc.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(blockSize))
		}
		if err != nil {
			return nil, err
		}
		return &zc, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}

// blockWriter buffers the section stream and writes it as compressed blocks.
type blockWriter struct {
	w     io.Writer
	codec blockCodec
	buf   []byte
	out   []byte
	err   error
}

func (bw *blockWriter) Write(b []byte) (int, error) {
	n := len(b)
	for len(b) > 0 && bw.err == nil {
		m := min(len(b), blockSize-len(bw.buf))
		bw.buf = append(bw.buf, b[:m]...)
		b = b[m:]
		if len(bw.buf) == blockSize {
			bw.flush()
		}
	}
	return n, bw.err
}

func (bw *blockWriter) flush() error {
	if len(bw.buf) == 0 || bw.err != nil {
		return bw.err
	}
	bw.out = bw.codec.encode(bw.out[:cap(bw.out)], bw.buf)
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(bw.out)))
	if _, err := bw.w.Write(hdr[:]); err != nil {
		bw.err = err
		return err
	}
	if _, err := bw.w.Write(bw.out); err != nil {
		bw.err = err
		return err
	}
	bw.buf = bw.buf[:0]
	return nil
}

// blockReader decompresses blocks on demand. Running out of data in the middle of a block, or reading
// past the final block, is reported as ErrTruncated.
type blockReader struct {
	r     io.Reader
	codec blockCodec
	src   []byte
	buf   []byte
	off   int
	// Blocks counts the blocks read so far.
	Blocks int
}

func (br *blockReader) next() error {
	var hdr [4]byte
	if _, err := io.ReadFull(br.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 || n > blockSize*2 {
		return fmt.Errorf("%w: invalid block size %d", ErrCorrupt, n)
	}
	if cap(br.src) < int(n) {
		br.src = make([]byte, n)
	}
	br.src = br.src[:n]
	if _, err := io.ReadFull(br.r, br.src); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	out, err := br.codec.decode(br.buf[:cap(br.buf)], br.src)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	if len(out) == 0 {
		return fmt.Errorf("%w: empty block", ErrCorrupt)
	}
	br.buf = out
	br.off = 0
	br.Blocks++
	return nil
}

func (br *blockReader) ReadByte() (byte, error) {
	if br.off == len(br.buf) {
		if err := br.next(); err != nil {
			return 0, err
		}
	}
	b := br.buf[br.off]
	br.off++
	return b, nil
}

func (br *blockReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if br.off == len(br.buf) {
			if err := br.next(); err != nil {
				return n, err
			}
		}
		m := copy(p[n:], br.buf[br.off:])
		br.off += m
		n += m
	}
	return n, nil
}

// atEnd reports whether all data has been consumed.
func (br *blockReader) atEnd() (bool, error) {
	if br.off < len(br.buf) {
		return false, nil
	}
	var b [1]byte
	switch _, err := io.ReadFull(br.r, b[:]); err {
	case nil:
		return false, nil
	case io.EOF:
		return true, nil
	default:
		return false, err
	}
}
