package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var errShortPayload = errors.New("payload is too short")

// SourceLocationPayload is the content of a QueueSourceLocationPayload transfer, describing a source
// location that only exists at runtime.
type SourceLocationPayload struct {
	Color    uint32
	Line     uint32
	Function []byte
	File     []byte
	// Name is empty if the zone is unnamed.
	Name []byte
}

func appendString16(b []byte, s []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func readString16(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, errShortPayload
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return nil, nil, errShortPayload
	}
	return b[:n], b[n:], nil
}

func (p *SourceLocationPayload) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, p.Color)
	b = binary.LittleEndian.AppendUint32(b, p.Line)
	b = appendString16(b, p.Function)
	b = appendString16(b, p.File)
	return append(b, p.Name...)
}

// DecodeSourceLocationPayload decodes a source location payload. The returned byte slices alias b.
func DecodeSourceLocationPayload(b []byte) (SourceLocationPayload, error) {
	var p SourceLocationPayload
	if len(b) < 8 {
		return p, fmt.Errorf("source location: %w", errShortPayload)
	}
	p.Color = binary.LittleEndian.Uint32(b)
	p.Line = binary.LittleEndian.Uint32(b[4:])
	var err error
	if p.Function, b, err = readString16(b[8:]); err != nil {
		return p, fmt.Errorf("source location function: %w", err)
	}
	if p.File, b, err = readString16(b); err != nil {
		return p, fmt.Errorf("source location file: %w", err)
	}
	p.Name = b
	return p, nil
}

// AppendCallstackPayload encodes the return addresses of a callstack, innermost first.
func AppendCallstackPayload(b []byte, frames []uint64) []byte {
	for _, f := range frames {
		b = binary.LittleEndian.AppendUint64(b, f)
	}
	return b
}

func DecodeCallstackPayload(b []byte, frames []uint64) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("callstack of %d bytes: %w", len(b), errShortPayload)
	}
	for ; len(b) > 0; b = b[8:] {
		frames = append(frames, binary.LittleEndian.Uint64(b))
	}
	return frames, nil
}

// CallstackFrame is one resolved frame of a QueueCallstackFrameData transfer.
type CallstackFrame struct {
	Name []byte
	File []byte
	Line uint32
}

func AppendCallstackFrames(b []byte, frames []CallstackFrame) []byte {
	b = append(b, uint8(len(frames)))
	for _, f := range frames {
		b = appendString16(b, f.Name)
		b = appendString16(b, f.File)
		b = binary.LittleEndian.AppendUint32(b, f.Line)
	}
	return b
}

// DecodeCallstackFrames decodes resolved frames. The returned byte slices alias b.
func DecodeCallstackFrames(b []byte) ([]CallstackFrame, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("callstack frame: %w", errShortPayload)
	}
	n := int(b[0])
	b = b[1:]
	out := make([]CallstackFrame, n)
	var err error
	for i := range out {
		if out[i].Name, b, err = readString16(b); err != nil {
			return nil, fmt.Errorf("callstack frame %d name: %w", i, err)
		}
		if out[i].File, b, err = readString16(b); err != nil {
			return nil, fmt.Errorf("callstack frame %d file: %w", i, err)
		}
		if len(b) < 4 {
			return nil, fmt.Errorf("callstack frame %d line: %w", i, errShortPayload)
		}
		out[i].Line = binary.LittleEndian.Uint32(b)
		b = b[4:]
	}
	return out, nil
}
