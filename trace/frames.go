package trace

import (
	"fmt"
	"sort"

	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultImageCacheSize = 64

// FrameEvent is a single frame. End is -1 for frames that haven't ended yet, and for continuous frames
// until the next frame starts.
type FrameEvent struct {
	Start Timestamp
	End   Timestamp
	// FrameImage is an index into Database.FrameImages, or -1.
	FrameImage int32
}

// FrameData is a named set of frames. The unnamed set is the default, continuous frame set.
type FrameData struct {
	Name       StringRef
	NamePtr    uint64
	Continuous bool
	Frames     []FrameEvent
}

// FrameImage is a screenshot attached to a frame of the default frame set. Data is snappy-compressed.
type FrameImage struct {
	Frame  uint32
	Width  uint16
	Height uint16
	Flip   bool
	Size   int
	Data   []byte
}

func (db *Database) frameSet(namePtr uint64, continuous bool) (*FrameData, bool) {
	if fd, ok := db.framesByName[namePtr]; ok {
		return fd, false
	}
	fd := &FrameData{
		Name:       PtrRef(namePtr),
		NamePtr:    namePtr,
		Continuous: continuous,
	}
	db.Frames = append(db.Frames, fd)
	db.framesByName[namePtr] = fd
	return fd, true
}

// BaseFrames returns the default frame set.
func (db *Database) BaseFrames() *FrameData {
	return db.framesByName[0]
}

// FrameSet returns the frame set with the given name pointer, or nil.
func (db *Database) FrameSet(namePtr uint64) *FrameData {
	return db.framesByName[namePtr]
}

// MarkFrame starts a new frame in a continuous frame set, ending the previous one. It reports whether the
// set was created by this call.
func (db *Database) MarkFrame(namePtr uint64, t Timestamp) bool {
	fd, created := db.frameSet(namePtr, true)
	if n := len(fd.Frames); n > 0 && fd.Frames[n-1].End < 0 {
		fd.Frames[n-1].End = max(t, fd.Frames[n-1].Start)
	}
	fd.Frames = append(fd.Frames, FrameEvent{Start: t, End: -1, FrameImage: -1})
	db.updateLastTime(t)
	return created
}

// StartFrame starts a frame in a discontinuous frame set.
func (db *Database) StartFrame(namePtr uint64, t Timestamp) bool {
	fd, created := db.frameSet(namePtr, false)
	fd.Frames = append(fd.Frames, FrameEvent{Start: t, End: -1, FrameImage: -1})
	db.updateLastTime(t)
	return created
}

// EndFrame ends the current frame of a discontinuous frame set.
func (db *Database) EndFrame(namePtr uint64, t Timestamp) {
	db.updateLastTime(t)
	fd, ok := db.framesByName[namePtr]
	if !ok || len(fd.Frames) == 0 || fd.Frames[len(fd.Frames)-1].End >= 0 {
		db.Fail(Failure{Kind: FailureFrameEndWithoutStart, Time: t, Detail: fmt.Sprintf("frame set 0x%x", namePtr)})
		return
	}
	last := &fd.Frames[len(fd.Frames)-1]
	last.End = max(t, last.Start)
}

// AddFrameImage attaches an image to a frame of the default frame set. The pixel data is compressed before
// it is stored.
func (db *Database) AddFrameImage(frame uint32, width, height uint16, flip bool, pixels []byte) bool {
	base := db.BaseFrames()
	if base == nil || int(frame) >= len(base.Frames) {
		db.Fail(Failure{Kind: FailureFrameImageIndex, Time: db.LastTime, Detail: fmt.Sprintf("frame %d", frame)})
		return false
	}
	if base.Frames[frame].FrameImage >= 0 {
		db.Fail(Failure{Kind: FailureFrameImageTwice, Time: db.LastTime, Detail: fmt.Sprintf("frame %d", frame)})
		return false
	}
	enc := snappy.Encode(nil, pixels)
	img := &FrameImage{
		Frame:  frame,
		Width:  width,
		Height: height,
		Flip:   flip,
		Size:   len(pixels),
		Data:   db.slab.Copy(enc),
	}
	base.Frames[frame].FrameImage = int32(len(db.FrameImages))
	db.FrameImages = append(db.FrameImages, img)
	return true
}

// FrameImagePixels returns the decompressed pixels of a frame image. Recently used images are cached.
func (db *Database) FrameImagePixels(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(db.FrameImages) {
		return nil, fmt.Errorf("frame image %d doesn't exist", idx)
	}
	if b, ok := db.images.get(idx); ok {
		return b, nil
	}
	img := db.FrameImages[idx]
	b, err := snappy.Decode(nil, img.Data)
	if err != nil {
		return nil, fmt.Errorf("couldn't decompress frame image %d: %w", idx, err)
	}
	db.images.add(idx, b)
	return b, nil
}

// FrameEnd returns the end of frame i. Frames that haven't ended yet end at the last known timestamp.
func (db *Database) FrameEnd(fd *FrameData, i int) Timestamp {
	if end := fd.Frames[i].End; end >= 0 {
		return end
	}
	return max(db.LastTime, fd.Frames[i].Start)
}

// FrameAtTime returns the index of the frame that contains t, or -1.
func (db *Database) FrameAtTime(fd *FrameData, t Timestamp) int {
	i := sort.Search(len(fd.Frames), func(i int) bool { return fd.Frames[i].Start > t }) - 1
	if i < 0 || db.FrameEnd(fd, i) < t {
		return -1
	}
	return i
}

// FrameRange returns the half-open range of frames that overlap [start, end].
func (db *Database) FrameRange(fd *FrameData, start, end Timestamp) (lo, hi int) {
	lo = sort.Search(len(fd.Frames), func(i int) bool { return db.FrameEnd(fd, i) >= start })
	hi = sort.Search(len(fd.Frames), func(i int) bool { return fd.Frames[i].Start > end })
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// FrameSetName returns the display name of a frame set.
func (db *Database) FrameSetName(fd *FrameData) string {
	if fd.NamePtr == 0 {
		return "Frame"
	}
	return db.StringRef(fd.Name)
}

type imageCache struct {
	cache *lru.Cache[int, []byte]
}

// newImageCache returns a cache holding up to n images. A size of zero disables caching.
func newImageCache(n int) *imageCache {
	if n <= 0 {
		return &imageCache{}
	}
	c, err := lru.New[int, []byte](n)
	if err != nil {
		panic(fmt.Sprintf("couldn't create image cache: %s", err))
	}
	return &imageCache{cache: c}
}

func (c *imageCache) get(idx int) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(idx)
}

func (c *imageCache) add(idx int, b []byte) {
	if c.cache != nil {
		c.cache.Add(idx, b)
	}
}
