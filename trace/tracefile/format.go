// Package tracefile saves trace databases to files and loads them back.
//
// A file starts with an 8 byte header: a 5 byte magic followed by the format version as three bytes
// (major, minor, patch). One byte names the block compression. The rest of the file is a sequence of
// compressed blocks, each prefixed with its compressed size as a little-endian uint32. The decompressed
// blocks form a single stream of sections, written in a fixed order.
//
// Within sections, counts and handles are varints and series of timestamps are stored as zigzag-encoded
// deltas. Files written by older versions of the format can be read; writing always uses the current
// format.
package tracefile

import (
	"errors"
	"fmt"
	"strings"
)

const magic = "trcap"

// HeaderSize is the size of the fixed file header, including the compression byte.
const HeaderSize = len(magic) + 3 + 1

var (
	ErrNotTraceFile = errors.New("not a trace file")
	ErrTruncated    = errors.New("trace file is truncated")
	ErrCorrupt      = errors.New("trace file is corrupt")
)

type Version struct {
	Major, Minor, Patch uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return int(v.Major) - int(o.Major)
	case v.Minor != o.Minor:
		return int(v.Minor) - int(o.Minor)
	default:
		return int(v.Patch) - int(o.Patch)
	}
}

// VersionError is returned for files whose format version can't be read.
type VersionError struct {
	Version Version
	// TooNew is true if the file was written by a newer version of the format, and false if the format is
	// older than the oldest one we support.
	TooNew bool
}

func (err *VersionError) Error() string {
	if err.TooNew {
		return fmt.Sprintf("trace file version %s is newer than the supported version %s", err.Version, CurrentVersion)
	}
	return fmt.Sprintf("trace file version %s is older than the oldest supported version %s", err.Version, MinVersion)
}

type Compression uint8

const (
	CompressionSnappy Compression = iota
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", c)
	}
}

func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "snappy", "":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

// layout describes what a format version stores. Layouts are ordered from oldest to newest; a version
// uses the newest layout that isn't newer than it.
type layout struct {
	version Version
	// baseTime is set if the header stores the base time. Older files derive it from the first frame.
	baseTime bool
	// frameImages is set if frames refer to frame images and the frame image section exists.
	frameImages bool
	// wideCallstacks is set if callstack IDs are stored as 32 bits instead of 16 bits.
	wideCallstacks bool
	contextSwitches bool
	gpu             bool
	crash           bool
	// plotConfig is set if user plots store their display configuration.
	plotConfig bool
}

var layouts = []layout{
	{
		version: Version{0, 2, 0},
	},
	{
		version:         Version{0, 3, 0},
		baseTime:        true,
		frameImages:     true,
		wideCallstacks:  true,
		contextSwitches: true,
	},
	{
		version:         Version{0, 4, 0},
		baseTime:        true,
		frameImages:     true,
		wideCallstacks:  true,
		contextSwitches: true,
		gpu:             true,
		crash:           true,
		plotConfig:      true,
	},
}

var (
	MinVersion     = layouts[0].version
	CurrentVersion = layouts[len(layouts)-1].version
)

func currentLayout() *layout { return &layouts[len(layouts)-1] }

// layoutFor returns the layout used by files of version v.
func layoutFor(v Version) (*layout, error) {
	if v.Compare(MinVersion) < 0 {
		return nil, &VersionError{Version: v}
	}
	if v.Major != CurrentVersion.Major || v.Minor > CurrentVersion.Minor {
		return nil, &VersionError{Version: v, TooNew: true}
	}
	for i := len(layouts) - 1; i >= 0; i-- {
		if layouts[i].version.Compare(v) <= 0 {
			return &layouts[i], nil
		}
	}
	panic("unreachable")
}

// Header is the uncompressed start of a trace file.
type Header struct {
	Version     Version
	Compression Compression
}

func (h Header) append(b []byte) []byte {
	b = append(b, magic...)
	return append(b, h.Version.Major, h.Version.Minor, h.Version.Patch, byte(h.Compression))
}

func parseHeader(b []byte) (Header, error) {
	if string(b[:len(magic)]) != magic {
		return Header{}, ErrNotTraceFile
	}
	h := Header{
		Version:     Version{b[5], b[6], b[7]},
		Compression: Compression(b[8]),
	}
	if h.Compression > CompressionZstd {
		return h, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, h.Compression)
	}
	return h, nil
}
