package trace

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// MaxCallstackDepth is the maximum number of frames kept per callstack. Deeper callstacks are truncated.
const MaxCallstackDepth = 64

// CallstackID is an index into Database.Callstacks. 0 means "no callstack".
type CallstackID uint32

// CallstackFrameID identifies a callstack frame by the producer's return address.
type CallstackFrameID uint64

type CallstackFrame struct {
	Name StringIdx
	File StringIdx
	Line uint32
}

// CallstackFrameData holds the resolved frames of one return address. Inlining can cause a single address
// to map to multiple frames, innermost first.
type CallstackFrameData struct {
	Frames []CallstackFrame
}

func hashCallstack(frames []CallstackFrameID) uint64 {
	var buf [8]byte
	var d xxhash.Digest
	d.Reset()
	for _, f := range frames {
		binary.LittleEndian.PutUint64(buf[:], uint64(f))
		d.Write(buf[:])
	}
	return d.Sum64()
}

// InternCallstack returns the ID of the callstack made of the given frames, adding it if necessary.
// Identical callstacks share the same ID and the same storage.
func (db *Database) InternCallstack(frames []CallstackFrameID) CallstackID {
	if len(frames) == 0 {
		return 0
	}
	if len(frames) > MaxCallstackDepth {
		frames = frames[:MaxCallstackDepth]
	}
	h := hashCallstack(frames)
	for _, id := range db.callstackMap[h] {
		if slices.Equal(db.Callstacks[id], frames) {
			return id
		}
	}

	// Store all callstacks in large shared chunks instead of allocating each one individually.
	if cap(db.callstackData)-len(db.callstackData) < len(frames) {
		db.callstackData = make([]CallstackFrameID, 0, max(len(frames), 1024*1024/8))
	}
	off := len(db.callstackData)
	db.callstackData = append(db.callstackData, frames...)
	stored := db.callstackData[off:len(db.callstackData):len(db.callstackData)]

	id := CallstackID(len(db.Callstacks))
	db.Callstacks = append(db.Callstacks, stored)
	db.callstackMap[h] = append(db.callstackMap[h], id)
	return id
}

// Callstack returns the frames of a callstack, outermost last.
func (db *Database) Callstack(id CallstackID) []CallstackFrameID {
	if int(id) >= len(db.Callstacks) {
		return nil
	}
	return db.Callstacks[id]
}

// HasCallstackFrame reports whether the frame has been resolved.
func (db *Database) HasCallstackFrame(id CallstackFrameID) bool {
	_, ok := db.CallstackFrames[id]
	return ok
}

func (db *Database) AddCallstackFrame(id CallstackFrameID, data *CallstackFrameData) {
	db.CallstackFrames[id] = data
}

// CallstackFrame returns the resolved data of a frame, or nil if it hasn't been resolved.
func (db *Database) CallstackFrame(id CallstackFrameID) *CallstackFrameData {
	return db.CallstackFrames[id]
}
