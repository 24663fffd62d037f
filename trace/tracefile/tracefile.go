package tracefile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"honnef.co/go/tracecap/trace"
)

// Save writes db in the current format. The caller must ensure that db isn't modified concurrently.
func Save(w io.Writer, db *trace.Database, c Compression) error {
	return save(w, db, currentLayout(), c)
}

func save(w io.Writer, db *trace.Database, l *layout, c Compression) error {
	codec, err := newCodec(c, true)
	if err != nil {
		return err
	}
	defer codec.close()

	hdr := Header{Version: l.version, Compression: c}
	if _, err := w.Write(hdr.append(nil)); err != nil {
		return err
	}
	e := &encoder{
		w: &blockWriter{w: w, codec: codec, buf: make([]byte, 0, blockSize)},
		l: l,
	}
	for i := range sections {
		s := &sections[i]
		if !s.in(l) {
			continue
		}
		s.write(e, db)
		if e.w.err != nil {
			return fmt.Errorf("couldn't write %s: %w", s.name, e.w.err)
		}
	}
	return e.finish()
}

// ReadHeader reads the uncompressed file header.
func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	n, err := io.ReadFull(r, b[:])
	if err != nil {
		if n < len(magic) || string(b[:len(magic)]) != magic {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Header{}, ErrNotTraceFile
			}
			return Header{}, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrTruncated
		}
		return Header{}, err
	}
	return parseHeader(b[:])
}

// Load reads a database from r. Files of older format versions are upgraded as they are read; fields
// that they lack are filled in with defaults.
//
// Errors are ErrNotTraceFile, ErrTruncated, ErrCorrupt, *VersionError or errors of the underlying reader.
func Load(r io.Reader) (*trace.Database, error) {
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	l, err := layoutFor(hdr.Version)
	if err != nil {
		return nil, err
	}
	codec, err := newCodec(hdr.Compression, false)
	if err != nil {
		return nil, err
	}
	defer codec.close()

	db := trace.Empty()
	d := &decoder{
		r: &blockReader{r: r, codec: codec},
		l: l,
	}
	for i := range sections {
		s := &sections[i]
		if !s.in(l) {
			continue
		}
		s.read(d, db)
		if d.err != nil {
			return nil, fmt.Errorf("couldn't read %s: %w", s.name, d.err)
		}
	}
	end, err := d.r.atEnd()
	if err != nil {
		return nil, err
	}
	if !end {
		return nil, fmt.Errorf("%w: trailing data", ErrCorrupt)
	}

	for i := range sections {
		s := &sections[i]
		if !s.in(l) && s.synth != nil {
			s.synth(db)
		}
	}
	if err := checkReferences(db); err != nil {
		return nil, err
	}
	db.Reindex()
	db.UpdateLockContention()
	return db, nil
}

// checkReferences verifies the references that rebuilding the lookup tables follows, so that corrupt
// files are rejected instead of causing out of bounds accesses later.
func checkReferences(db *trace.Database) error {
	if err := checkStrings(db); err != nil {
		return err
	}
	nzones := db.Zones.Len()
	for _, td := range db.Threads {
		for _, id := range td.Timeline {
			if int(id) >= nzones {
				return fmt.Errorf("%w: thread %d refers to zone %d", ErrCorrupt, td.ID, id)
			}
		}
		for _, m := range td.Messages {
			if m >= len(db.Messages) {
				return fmt.Errorf("%w: thread %d refers to message %d", ErrCorrupt, td.ID, m)
			}
		}
	}
	for i := 0; i < nzones; i++ {
		z := db.Zones.Ptr(i)
		if z.Children == trace.NoChildren {
			continue
		}
		if z.Children < 0 || int(z.Children) >= len(db.ChildVecs) {
			return fmt.Errorf("%w: zone %d refers to children %d", ErrCorrupt, i, z.Children)
		}
		for _, id := range db.ChildVecs[z.Children] {
			// Children are always created after their parent.
			if int(id) <= i || int(id) >= nzones {
				return fmt.Errorf("%w: zone %d has invalid child %d", ErrCorrupt, i, id)
			}
		}
	}
	for _, fd := range db.Frames {
		for _, f := range fd.Frames {
			if int(f.FrameImage) >= len(db.FrameImages) || f.FrameImage < -1 {
				return fmt.Errorf("%w: frame refers to image %d", ErrCorrupt, f.FrameImage)
			}
		}
	}
	ngpu := db.GpuZones.Len()
	for _, ctx := range db.GpuContexts {
		if ctx == nil {
			continue
		}
		for _, id := range ctx.Timeline {
			if int(id) >= ngpu {
				return fmt.Errorf("%w: GPU context %d refers to zone %d", ErrCorrupt, ctx.ID, id)
			}
		}
	}
	for i := 0; i < ngpu; i++ {
		z := db.GpuZones.Ptr(i)
		if z.Children == trace.NoChildren {
			continue
		}
		if z.Children < 0 || int(z.Children) >= len(db.GpuChildVecs) {
			return fmt.Errorf("%w: GPU zone %d refers to children %d", ErrCorrupt, i, z.Children)
		}
		for _, id := range db.GpuChildVecs[z.Children] {
			if int(id) <= i || int(id) >= ngpu {
				return fmt.Errorf("%w: GPU zone %d has invalid child %d", ErrCorrupt, i, id)
			}
		}
	}
	return nil
}

// checkStrings verifies that every string index refers to an entry of the string table.
func checkStrings(db *trace.Database) error {
	n := len(db.Strings)
	check := func(idx trace.StringIdx, what string) error {
		if int(idx) >= n {
			return fmt.Errorf("%w: %s refers to string %d", ErrCorrupt, what, idx)
		}
		return nil
	}
	checkRef := func(ref trace.StringRef, what string) error {
		if ref.Active && ref.IsIdx && ref.Value >= uint64(n) {
			return fmt.Errorf("%w: %s refers to string %d", ErrCorrupt, what, ref.Value)
		}
		return nil
	}

	for ptr, idx := range db.StringsByPtr {
		if err := check(idx, fmt.Sprintf("string pointer %#x", ptr)); err != nil {
			return err
		}
	}
	for i := 0; i < db.Zones.Len(); i++ {
		z := db.Zones.Ptr(i)
		if err := check(z.Text, fmt.Sprintf("text of zone %d", i)); err != nil {
			return err
		}
		if err := check(z.Name, fmt.Sprintf("name of zone %d", i)); err != nil {
			return err
		}
	}
	for _, td := range db.Threads {
		if err := check(td.Name, fmt.Sprintf("name of thread %d", td.ID)); err != nil {
			return err
		}
	}
	for id, lm := range db.Locks {
		if err := check(lm.CustomName, fmt.Sprintf("name of lock %d", id)); err != nil {
			return err
		}
	}
	for i, m := range db.Messages {
		if err := check(m.Text, fmt.Sprintf("message %d", i)); err != nil {
			return err
		}
	}
	if crash, ok := db.Crash.Get(); ok {
		if err := check(crash.Message, "crash"); err != nil {
			return err
		}
	}
	for addr, fd := range db.CallstackFrames {
		if fd == nil {
			continue
		}
		for _, f := range fd.Frames {
			if err := check(f.Name, fmt.Sprintf("callstack frame %#x", addr)); err != nil {
				return err
			}
			if err := check(f.File, fmt.Sprintf("callstack frame %#x", addr)); err != nil {
				return err
			}
		}
	}
	checkLoc := func(sl trace.SourceLocation, what string) error {
		for _, ref := range [...]trace.StringRef{sl.Name, sl.Function, sl.File} {
			if err := checkRef(ref, what); err != nil {
				return err
			}
		}
		return nil
	}
	for ptr, sl := range db.SourceLocations {
		if err := checkLoc(sl, fmt.Sprintf("source location %#x", ptr)); err != nil {
			return err
		}
	}
	for i, sl := range db.SourceLocationPayload {
		if err := checkLoc(sl, fmt.Sprintf("source location payload %d", i)); err != nil {
			return err
		}
	}
	for i, p := range db.Plots {
		if err := checkRef(p.Name, fmt.Sprintf("plot %d", i)); err != nil {
			return err
		}
	}
	for i, fd := range db.Frames {
		if err := checkRef(fd.Name, fmt.Sprintf("frame set %d", i)); err != nil {
			return err
		}
	}
	return nil
}

// SaveFile writes db to the file at path, replacing it if it exists.
func SaveFile(path string, db *trace.Database, c Compression) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriterSize(f, 1<<20)
	if err := Save(bw, db, c); err != nil {
		return err
	}
	return bw.Flush()
}

// OpenFile loads the database stored in the file at path.
func OpenFile(path string) (*trace.Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(bufio.NewReaderSize(f, 1<<20))
}
