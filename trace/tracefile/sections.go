package tracefile

import (
	"math"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"honnef.co/go/tracecap/container"
	"honnef.co/go/tracecap/trace"
)

// section is one part of the section stream. Sections are written and read in table order.
type section struct {
	name string
	// present reports whether files of a layout contain the section. nil means always.
	present func(l *layout) bool
	write   func(e *encoder, db *trace.Database)
	read    func(d *decoder, db *trace.Database)
	// synth fills in defaults for files that predate the section. It runs after all present sections
	// have been read.
	synth func(db *trace.Database)
}

var sections = []section{
	{name: "info", write: writeInfo, read: readInfo},
	{
		name:    "base time",
		present: func(l *layout) bool { return l.baseTime },
		write:   func(e *encoder, db *trace.Database) { e.varint(int64(db.BaseTime)) },
		read:    func(d *decoder, db *trace.Database) { db.BaseTime = trace.Timestamp(d.varint()) },
		synth:   synthBaseTime,
	},
	{name: "strings", write: writeStrings, read: readStrings},
	{name: "thread ids", write: writeThreadIDs, read: readThreadIDs},
	{name: "source locations", write: writeSourceLocations, read: readSourceLocations},
	{name: "callstacks", write: writeCallstacks, read: readCallstacks},
	{name: "zones", write: writeZones, read: readZones},
	{name: "threads", write: writeThreads, read: readThreads},
	{name: "messages", write: writeMessages, read: readMessages},
	{name: "locks", write: writeLocks, read: readLocks},
	{name: "memory", write: writeMemory, read: readMemory},
	{name: "plots", write: writePlots, read: readPlots},
	{name: "frames", write: writeFrames, read: readFrames},
	{
		name:    "frame images",
		present: func(l *layout) bool { return l.frameImages },
		write:   writeFrameImages,
		read:    readFrameImages,
	},
	{
		name:    "context switches",
		present: func(l *layout) bool { return l.contextSwitches },
		write:   writeContextSwitches,
		read:    readContextSwitches,
	},
	{
		name:    "gpu",
		present: func(l *layout) bool { return l.gpu },
		write:   writeGpu,
		read:    readGpu,
	},
	{
		name:    "crash",
		present: func(l *layout) bool { return l.crash },
		write:   writeCrash,
		read:    readCrash,
	},
}

func (s *section) in(l *layout) bool { return s.present == nil || s.present(l) }

func writeInfo(e *encoder, db *trace.Database) {
	info := &db.Info
	e.string(info.ProgramName)
	e.string(info.HostInfo)
	e.string(info.CPUManufacturer)
	e.uvarint(info.Pid)
	e.uvarint(info.Epoch)
	e.uvarint(info.ExecTime)
	e.varint(int64(info.Resolution))
	e.varint(int64(info.Delay))
	e.varint(int64(info.SamplingPeriod))
	e.f64(info.TimerMul)
	e.u32(info.CPUID)
	e.u8(info.CPUArch)
	e.bool(info.OnDemand)
	e.varint(int64(db.LastTime))
}

func readInfo(d *decoder, db *trace.Database) {
	info := &db.Info
	info.ProgramName = d.string()
	info.HostInfo = d.string()
	info.CPUManufacturer = d.string()
	info.Pid = d.uvarint()
	info.Epoch = d.uvarint()
	info.ExecTime = d.uvarint()
	info.Resolution = trace.Timestamp(d.varint())
	info.Delay = trace.Timestamp(d.varint())
	info.SamplingPeriod = trace.Timestamp(d.varint())
	info.TimerMul = d.f64()
	info.CPUID = d.u32()
	info.CPUArch = d.u8()
	info.OnDemand = d.bool()
	db.LastTime = trace.Timestamp(d.varint())
}

// synthBaseTime derives the base time from the first base frame, which starts when the producer finished
// initializing.
func synthBaseTime(db *trace.Database) {
	if fd := db.BaseFrames(); fd != nil && len(fd.Frames) > 0 {
		db.BaseTime = fd.Frames[0].Start
	}
}

func writeStrings(e *encoder, db *trace.Database) {
	e.uvarint(uint64(len(db.Strings) - 1))
	for _, s := range db.Strings[1:] {
		e.string(s)
	}
	ptrs := maps.Keys(db.StringsByPtr)
	slices.Sort(ptrs)
	e.uvarint(uint64(len(ptrs)))
	for _, ptr := range ptrs {
		e.u64(ptr)
		e.uvarint(uint64(db.StringsByPtr[ptr]))
	}
}

func readStrings(d *decoder, db *trace.Database) {
	n := d.count()
	db.Strings = make([]string, 1, preallocate(n)+1)
	for i := 0; i < n && d.ok(); i++ {
		db.Strings = append(db.Strings, d.string())
	}
	n = d.count()
	db.StringsByPtr = make(map[uint64]trace.StringIdx, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		ptr := d.u64()
		idx := d.uvarint()
		if idx >= uint64(len(db.Strings)) {
			d.corrupt("string index %d out of range", idx)
		}
		db.StringsByPtr[ptr] = trace.StringIdx(idx)
	}
}

func writeThreadIDs(e *encoder, db *trace.Database) {
	e.uvarint(uint64(len(db.ThreadExpand) - 1))
	for _, id := range db.ThreadExpand[1:] {
		e.u64(id)
	}
}

func readThreadIDs(d *decoder, db *trace.Database) {
	n := d.count()
	if n > math.MaxUint16 {
		d.corrupt("%d threads", n)
		return
	}
	db.ThreadExpand = make([]uint64, 1, preallocate(n)+1)
	for i := 0; i < n && d.ok(); i++ {
		db.ThreadExpand = append(db.ThreadExpand, d.u64())
	}
}

func writeSourceLocation(e *encoder, sl *trace.SourceLocation) {
	e.stringRef(sl.Name)
	e.stringRef(sl.Function)
	e.stringRef(sl.File)
	e.u32(sl.Line)
	e.u32(sl.Color)
}

func readSourceLocation(d *decoder) trace.SourceLocation {
	var sl trace.SourceLocation
	sl.Name = d.stringRef()
	sl.Function = d.stringRef()
	sl.File = d.stringRef()
	sl.Line = d.u32()
	sl.Color = d.u32()
	return sl
}

func writeSourceLocations(e *encoder, db *trace.Database) {
	e.uvarint(uint64(len(db.SourceLocationExpand) - 1))
	for _, ptr := range db.SourceLocationExpand[1:] {
		e.u64(ptr)
	}
	ptrs := maps.Keys(db.SourceLocations)
	slices.Sort(ptrs)
	e.uvarint(uint64(len(ptrs)))
	for _, ptr := range ptrs {
		e.u64(ptr)
		sl := db.SourceLocations[ptr]
		writeSourceLocation(e, &sl)
	}
	e.uvarint(uint64(len(db.SourceLocationPayload)))
	for i := range db.SourceLocationPayload {
		writeSourceLocation(e, &db.SourceLocationPayload[i])
	}
}

func readSourceLocations(d *decoder, db *trace.Database) {
	n := d.count()
	if n > math.MaxInt16 {
		d.corrupt("%d source locations", n)
		return
	}
	db.SourceLocationExpand = make([]uint64, 1, preallocate(n)+1)
	for i := 0; i < n && d.ok(); i++ {
		db.SourceLocationExpand = append(db.SourceLocationExpand, d.u64())
	}
	n = d.count()
	db.SourceLocations = make(map[uint64]trace.SourceLocation, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		ptr := d.u64()
		db.SourceLocations[ptr] = readSourceLocation(d)
	}
	n = d.count()
	if n > math.MaxInt16 {
		d.corrupt("%d source location payloads", n)
		return
	}
	db.SourceLocationPayload = make([]trace.SourceLocation, 0, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		db.SourceLocationPayload = append(db.SourceLocationPayload, readSourceLocation(d))
	}
}

func writeCallstacks(e *encoder, db *trace.Database) {
	e.uvarint(uint64(len(db.Callstacks) - 1))
	for _, cs := range db.Callstacks[1:] {
		e.uvarint(uint64(len(cs)))
		for _, f := range cs {
			e.u64(uint64(f))
		}
	}
	ids := maps.Keys(db.CallstackFrames)
	slices.Sort(ids)
	e.uvarint(uint64(len(ids)))
	for _, id := range ids {
		e.u64(uint64(id))
		frames := db.CallstackFrames[id].Frames
		e.uvarint(uint64(len(frames)))
		for _, f := range frames {
			e.uvarint(uint64(f.Name))
			e.uvarint(uint64(f.File))
			e.u32(f.Line)
		}
	}
}

func readCallstacks(d *decoder, db *trace.Database) {
	n := d.count()
	db.Callstacks = make([][]trace.CallstackFrameID, 1, preallocate(n)+1)
	for i := 0; i < n && d.ok(); i++ {
		m := d.count()
		if m > trace.MaxCallstackDepth {
			d.corrupt("callstack of depth %d", m)
			return
		}
		cs := make([]trace.CallstackFrameID, 0, m)
		for j := 0; j < m && d.ok(); j++ {
			cs = append(cs, trace.CallstackFrameID(d.u64()))
		}
		db.Callstacks = append(db.Callstacks, cs)
	}
	n = d.count()
	db.CallstackFrames = make(map[trace.CallstackFrameID]*trace.CallstackFrameData, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		id := trace.CallstackFrameID(d.u64())
		m := d.count()
		data := &trace.CallstackFrameData{Frames: make([]trace.CallstackFrame, 0, preallocate(m))}
		for j := 0; j < m && d.ok(); j++ {
			data.Frames = append(data.Frames, trace.CallstackFrame{
				Name: trace.StringIdx(d.uvarint()),
				File: trace.StringIdx(d.uvarint()),
				Line: d.u32(),
			})
		}
		db.CallstackFrames[id] = data
	}
}

func writeIDs[T ~int32](e *encoder, ids []T) {
	e.uvarint(uint64(len(ids)))
	for _, id := range ids {
		e.uvarint(uint64(id))
	}
}

func readIDs[T ~int32](d *decoder) []T {
	n := d.count()
	if n == 0 {
		return nil
	}
	ids := make([]T, 0, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		v := d.uvarint()
		if v > math.MaxInt32 {
			d.corrupt("id %d out of range", v)
		}
		ids = append(ids, T(v))
	}
	return ids
}

func writeZones(e *encoder, db *trace.Database) {
	n := db.Zones.Len()
	e.uvarint(uint64(n))
	e.times(n, func(i int) trace.Timestamp { return db.Zones.Ptr(i).Start })
	for i := 0; i < n; i++ {
		z := db.Zones.Ptr(i)
		e.optTime(z.Start, z.End)
		e.uvarint(uint64(z.Text))
		e.uvarint(uint64(z.Name))
		e.callstack(z.Callstack)
		e.u32(z.Color)
		e.varint(int64(z.Children))
		e.srcloc(z.SrcLoc)
		e.u16(z.Thread)
	}
	e.uvarint(uint64(len(db.ChildVecs)))
	for _, ids := range db.ChildVecs {
		writeIDs(e, ids)
	}
}

func readZones(d *decoder, db *trace.Database) {
	n := d.count()
	for _, start := range d.times(n) {
		db.Zones.Append(trace.Zone{
			Start:     start,
			End:       d.optTime(start),
			Text:      trace.StringIdx(d.uvarint()),
			Name:      trace.StringIdx(d.uvarint()),
			Callstack: d.callstack(),
			Color:     d.u32(),
			Children:  trace.ChildrenID(d.varint()),
			SrcLoc:    d.srcloc(),
			Thread:    d.u16(),
		})
	}
	n = d.count()
	db.ChildVecs = make([][]trace.ZoneID, 0, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		db.ChildVecs = append(db.ChildVecs, readIDs[trace.ZoneID](d))
	}
}

func writeThreads(e *encoder, db *trace.Database) {
	e.uvarint(uint64(len(db.Threads)))
	for _, td := range db.Threads {
		e.u64(td.ID)
		e.u16(td.Index)
		e.uvarint(uint64(td.Name))
		writeIDs(e, td.Timeline)
		e.uvarint(uint64(len(td.Messages)))
		for _, m := range td.Messages {
			e.uvarint(uint64(m))
		}
		e.uvarint(td.Count)
	}
}

func readThreads(d *decoder, db *trace.Database) {
	n := d.count()
	db.Threads = make([]*trace.ThreadData, 0, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		td := trace.NewThreadData(d.u64(), d.u16())
		td.Name = trace.StringIdx(d.uvarint())
		td.Timeline = readIDs[trace.ZoneID](d)
		m := d.count()
		for j := 0; j < m && d.ok(); j++ {
			td.Messages = append(td.Messages, int(d.uvarint()))
		}
		td.Count = d.uvarint()
		db.Threads = append(db.Threads, td)
	}
}

func writeMessages(e *encoder, db *trace.Database) {
	e.uvarint(uint64(len(db.Messages)))
	e.times(len(db.Messages), func(i int) trace.Timestamp { return db.Messages[i].Time })
	for _, m := range db.Messages {
		e.uvarint(uint64(m.Text))
		e.u32(m.Color)
		e.u16(m.Thread)
	}
}

func readMessages(d *decoder, db *trace.Database) {
	n := d.count()
	for _, t := range d.times(n) {
		db.Messages = append(db.Messages, trace.Message{
			Time:   t,
			Text:   trace.StringIdx(d.uvarint()),
			Color:  d.u32(),
			Thread: d.u16(),
		})
	}
}

func writeLocks(e *encoder, db *trace.Database) {
	locks := db.LockList()
	e.uvarint(uint64(len(locks)))
	for _, lm := range locks {
		e.u32(lm.ID)
		e.srcloc(lm.SrcLoc)
		e.uvarint(uint64(lm.CustomName))
		e.u8(uint8(lm.Type))
		e.bool(lm.Valid)
		e.varint(int64(lm.TimeAnnounce))
		e.varint(int64(lm.TimeTerminate))
		e.bool(lm.Contended)
		e.uvarint(uint64(len(lm.Threads)))
		for _, tid := range lm.Threads {
			e.u64(tid)
		}
		e.uvarint(uint64(len(lm.Timeline)))
		e.times(len(lm.Timeline), func(i int) trace.Timestamp { return lm.Timeline[i].Time })
		for i := range lm.Timeline {
			ev := &lm.Timeline[i]
			e.srcloc(ev.SrcLoc)
			e.u8(ev.Thread)
			e.u8(uint8(ev.Type))
		}
	}
}

// readLocks restores lock timelines without their derived state. Load recomputes it.
func readLocks(d *decoder, db *trace.Database) {
	n := d.count()
	db.Locks = make(map[uint32]*trace.LockMap, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		lm := &trace.LockMap{
			ID:            d.u32(),
			SrcLoc:        d.srcloc(),
			CustomName:    trace.StringIdx(d.uvarint()),
			Type:          trace.LockType(d.u8()),
			Valid:         d.bool(),
			TimeAnnounce:  trace.Timestamp(d.varint()),
			TimeTerminate: trace.Timestamp(d.varint()),
			Contended:     d.bool(),
		}
		m := d.count()
		if m > trace.MaxLockThreads {
			d.corrupt("lock %d used by %d threads", lm.ID, m)
			return
		}
		for j := 0; j < m && d.ok(); j++ {
			lm.Threads = append(lm.Threads, d.u64())
		}
		m = d.count()
		times := d.times(m)
		lm.Timeline = make([]trace.LockEvent, 0, len(times))
		for _, t := range times {
			ev := trace.LockEvent{Time: t, SrcLoc: d.srcloc(), Thread: d.u8(), Type: trace.LockEventType(d.u8())}
			if int(ev.Thread) >= len(lm.Threads) || ev.Type > trace.LockEventReleaseShared {
				d.corrupt("invalid event on lock %d", lm.ID)
			}
			lm.Timeline = append(lm.Timeline, ev)
		}
		if _, ok := db.Locks[lm.ID]; ok {
			d.corrupt("duplicate lock %d", lm.ID)
		}
		db.Locks[lm.ID] = lm
	}
}

func writeMemory(e *encoder, db *trace.Database) {
	md := &db.Memory
	n := md.Data.Len()
	e.uvarint(uint64(n))
	e.times(n, func(i int) trace.Timestamp { return md.Data.Ptr(i).TimeAlloc })
	for i := 0; i < n; i++ {
		ev := md.Data.Ptr(i)
		e.uvarint(ev.Ptr)
		e.uvarint(ev.Size)
		e.optTime(ev.TimeAlloc, ev.TimeFree)
		e.u16(ev.ThreadAlloc)
		e.u16(ev.ThreadFree)
		e.callstack(ev.CsAlloc)
		e.callstack(ev.CsFree)
	}
	e.uvarint(uint64(len(md.Frees)))
	for _, idx := range md.Frees {
		e.uvarint(uint64(idx))
	}
	e.uvarint(md.Usage)
	e.uvarint(md.Peak)
	e.uvarint(md.Low)
	e.uvarint(md.High)
}

func readMemory(d *decoder, db *trace.Database) {
	md := &db.Memory
	n := d.count()
	for _, t := range d.times(n) {
		ev := trace.MemEvent{
			Ptr:       d.uvarint(),
			Size:      d.uvarint(),
			TimeAlloc: t,
		}
		ev.TimeFree = d.optTime(t)
		ev.ThreadAlloc = d.u16()
		ev.ThreadFree = d.u16()
		ev.CsAlloc = d.callstack()
		ev.CsFree = d.callstack()
		if ev.TimeFree < 0 {
			md.Active[ev.Ptr] = md.Data.Len()
		}
		md.Data.Append(ev)
	}
	n = d.count()
	md.Frees = make([]int, 0, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		idx := d.uvarint()
		if idx >= uint64(md.Data.Len()) {
			d.corrupt("memory event %d out of range", idx)
			return
		}
		md.Frees = append(md.Frees, int(idx))
	}
	md.Usage = d.uvarint()
	md.Peak = d.uvarint()
	md.Low = d.uvarint()
	md.High = d.uvarint()
}

func writePlots(e *encoder, db *trace.Database) {
	e.uvarint(uint64(len(db.Plots)))
	for _, p := range db.Plots {
		e.stringRef(p.Name)
		e.u64(p.NamePtr)
		e.u8(uint8(p.Type))
		if e.l.plotConfig {
			e.u8(uint8(p.Format))
			e.bool(p.Step)
			e.bool(p.Fill)
			e.u32(p.Color)
		}
		e.uvarint(uint64(len(p.Data)))
		e.times(len(p.Data), func(i int) trace.Timestamp { return p.Data[i].Time })
		for _, it := range p.Data {
			e.f64(it.Val)
		}
		e.f64(p.Min)
		e.f64(p.Max)
		e.f64(p.Sum)
	}
}

func readPlots(d *decoder, db *trace.Database) {
	n := d.count()
	db.Plots = make([]*trace.PlotData, 0, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		p := &trace.PlotData{
			Name:    d.stringRef(),
			NamePtr: d.u64(),
			Type:    trace.PlotType(d.u8()),
		}
		if d.l.plotConfig {
			p.Format = trace.PlotFormat(d.u8())
			p.Step = d.bool()
			p.Fill = d.bool()
			p.Color = d.u32()
		} else {
			// Older files always drew filled plots in the type's natural format.
			p.Fill = true
			if p.Type == trace.PlotTypeSysTime {
				p.Format = trace.PlotFormatPercentage
			}
		}
		m := d.count()
		times := d.times(m)
		p.Data = make([]trace.PlotItem, 0, len(times))
		for _, t := range times {
			p.Data = append(p.Data, trace.PlotItem{Time: t, Val: d.f64()})
		}
		p.Min = d.f64()
		p.Max = d.f64()
		p.Sum = d.f64()
		db.Plots = append(db.Plots, p)
	}
}

func writeFrames(e *encoder, db *trace.Database) {
	e.uvarint(uint64(len(db.Frames)))
	for _, fd := range db.Frames {
		e.stringRef(fd.Name)
		e.u64(fd.NamePtr)
		e.bool(fd.Continuous)
		e.uvarint(uint64(len(fd.Frames)))
		e.times(len(fd.Frames), func(i int) trace.Timestamp { return fd.Frames[i].Start })
		for _, f := range fd.Frames {
			e.optTime(f.Start, f.End)
			if e.l.frameImages {
				e.varint(int64(f.FrameImage))
			}
		}
	}
}

func readFrames(d *decoder, db *trace.Database) {
	n := d.count()
	db.Frames = make([]*trace.FrameData, 0, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		fd := &trace.FrameData{
			Name:       d.stringRef(),
			NamePtr:    d.u64(),
			Continuous: d.bool(),
		}
		m := d.count()
		times := d.times(m)
		fd.Frames = make([]trace.FrameEvent, 0, len(times))
		for _, start := range times {
			f := trace.FrameEvent{Start: start, End: d.optTime(start), FrameImage: -1}
			if d.l.frameImages {
				f.FrameImage = int32(d.varint())
			}
			fd.Frames = append(fd.Frames, f)
		}
		db.Frames = append(db.Frames, fd)
	}
}

func writeFrameImages(e *encoder, db *trace.Database) {
	e.uvarint(uint64(len(db.FrameImages)))
	for _, img := range db.FrameImages {
		e.u32(img.Frame)
		e.u16(img.Width)
		e.u16(img.Height)
		e.bool(img.Flip)
		e.uvarint(uint64(img.Size))
		e.bytes(img.Data)
	}
}

func readFrameImages(d *decoder, db *trace.Database) {
	n := d.count()
	db.FrameImages = make([]*trace.FrameImage, 0, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		db.FrameImages = append(db.FrameImages, &trace.FrameImage{
			Frame:  d.u32(),
			Width:  d.u16(),
			Height: d.u16(),
			Flip:   d.bool(),
			Size:   int(d.uvarint()),
			Data:   d.bytes(),
		})
	}
}

func writeContextSwitches(e *encoder, db *trace.Database) {
	for _, td := range db.Threads {
		cs := td.ContextSwitches
		e.uvarint(uint64(len(cs)))
		e.times(len(cs), func(i int) trace.Timestamp { return cs[i].Start })
		for _, c := range cs {
			e.optTime(c.Start, c.WakeupTime)
			e.optTime(c.Start, c.End)
			e.u8(c.CPU)
			e.u8(uint8(c.Reason))
			e.u8(uint8(c.State))
		}
	}
	e.uvarint(uint64(len(db.CPUs)))
	for _, cpu := range db.CPUs {
		e.uvarint(uint64(len(cpu)))
		e.times(len(cpu), func(i int) trace.Timestamp { return cpu[i].Start })
		for _, c := range cpu {
			e.optTime(c.Start, c.End)
			e.u16(c.Thread)
		}
	}
}

func readContextSwitches(d *decoder, db *trace.Database) {
	for _, td := range db.Threads {
		n := d.count()
		times := d.times(n)
		if len(times) == 0 {
			continue
		}
		td.ContextSwitches = make([]trace.ContextSwitchData, 0, len(times))
		for _, start := range times {
			td.ContextSwitches = append(td.ContextSwitches, trace.ContextSwitchData{
				Start:      start,
				WakeupTime: d.optTime(start),
				End:        d.optTime(start),
				CPU:        d.u8(),
				Reason:     int8(d.u8()),
				State:      int8(d.u8()),
			})
		}
	}
	n := d.count()
	if n > math.MaxUint8+1 {
		d.corrupt("%d CPUs", n)
		return
	}
	db.CPUs = make([][]trace.ContextSwitchCPU, 0, n)
	for i := 0; i < n && d.ok(); i++ {
		m := d.count()
		times := d.times(m)
		var cpu []trace.ContextSwitchCPU
		if len(times) > 0 {
			cpu = make([]trace.ContextSwitchCPU, 0, len(times))
		}
		for _, start := range times {
			cpu = append(cpu, trace.ContextSwitchCPU{Start: start, End: d.optTime(start), Thread: d.u16()})
		}
		db.CPUs = append(db.CPUs, cpu)
	}
}

func writeGpu(e *encoder, db *trace.Database) {
	e.uvarint(uint64(len(db.GpuContexts)))
	for _, ctx := range db.GpuContexts {
		e.bool(ctx != nil)
		if ctx == nil {
			continue
		}
		e.u8(ctx.ID)
		e.u64(ctx.Thread)
		e.u8(uint8(ctx.Type))
		e.u8(ctx.Flags)
		e.u32(math.Float32bits(ctx.Period))
		e.varint(int64(ctx.TimeDiff))
		writeIDs(e, ctx.Timeline)
		e.uvarint(ctx.Count)
	}

	n := db.GpuZones.Len()
	e.uvarint(uint64(n))
	e.times(n, func(i int) trace.Timestamp { return db.GpuZones.Ptr(i).CpuStart })
	for i := 0; i < n; i++ {
		z := db.GpuZones.Ptr(i)
		e.optTime(z.CpuStart, z.CpuEnd)
		e.optTime(z.CpuStart, z.GpuStart)
		e.optTime(z.CpuStart, z.GpuEnd)
		e.srcloc(z.SrcLoc)
		e.callstack(z.Callstack)
		e.u16(z.Thread)
		e.varint(int64(z.Children))
	}
	e.uvarint(uint64(len(db.GpuChildVecs)))
	for _, ids := range db.GpuChildVecs {
		writeIDs(e, ids)
	}
}

func readGpu(d *decoder, db *trace.Database) {
	n := d.count()
	if n > math.MaxUint8+1 {
		d.corrupt("%d GPU contexts", n)
		return
	}
	db.GpuContexts = make([]*trace.GpuCtx, 0, n)
	for i := 0; i < n && d.ok(); i++ {
		if !d.bool() {
			db.GpuContexts = append(db.GpuContexts, nil)
			continue
		}
		db.GpuContexts = append(db.GpuContexts, &trace.GpuCtx{
			ID:       d.u8(),
			Thread:   d.u64(),
			Type:     trace.GpuContextType(d.u8()),
			Flags:    d.u8(),
			Period:   math.Float32frombits(d.u32()),
			TimeDiff: trace.Timestamp(d.varint()),
			Timeline: readIDs[trace.GpuZoneID](d),
			Count:    d.uvarint(),
		})
	}

	n = d.count()
	for _, start := range d.times(n) {
		db.GpuZones.Append(trace.GpuZone{
			CpuStart:  start,
			CpuEnd:    d.optTime(start),
			GpuStart:  d.optTime(start),
			GpuEnd:    d.optTime(start),
			SrcLoc:    d.srcloc(),
			Callstack: d.callstack(),
			Thread:    d.u16(),
			Children:  trace.ChildrenID(d.varint()),
		})
	}
	n = d.count()
	db.GpuChildVecs = make([][]trace.GpuZoneID, 0, preallocate(n))
	for i := 0; i < n && d.ok(); i++ {
		db.GpuChildVecs = append(db.GpuChildVecs, readIDs[trace.GpuZoneID](d))
	}
}

func writeCrash(e *encoder, db *trace.Database) {
	c, ok := db.Crash.Get()
	e.bool(ok)
	if !ok {
		return
	}
	e.varint(int64(c.Time))
	e.uvarint(uint64(c.Message))
	e.u16(c.Thread)
}

func readCrash(d *decoder, db *trace.Database) {
	if !d.bool() {
		return
	}
	db.Crash = container.Some(trace.CrashEvent{
		Time:    trace.Timestamp(d.varint()),
		Message: trace.StringIdx(d.uvarint()),
		Thread:  d.u16(),
	})
}
