package worker

import (
	"honnef.co/go/tracecap/container"
	"honnef.co/go/tracecap/protocol"
	"honnef.co/go/tracecap/trace"

	"github.com/sirupsen/logrus"
)

// ingest applies records to a database. Its state carries over between frames, because data that a record
// consumes, such as a string, may arrive in an earlier frame than the record itself.
type ingest struct {
	// db is only set while the decoder holds the database lock.
	db  *trace.Database
	q   *queries
	log logrus.FieldLogger

	timerMul        float64
	initBegin       int64
	lockReorderWarn int

	// thread is the thread that thread-less records refer to, as set by the last ThreadContext.
	thread uint64
	// threads holds all threads whose names have been requested.
	threads container.Set[uint64]
	// validation holds the pending ZoneValidation ID of each thread.
	validation map[uint64]uint32

	str        []byte
	hasStr     bool
	srcloc     container.Option[trace.SrcLocID]
	callstack  trace.CallstackID
	frameImage []byte
	hasImage   bool
	frames     []uint64
	csFrames   []trace.CallstackFrameID

	counts     [protocol.QueueCount]uint64
	terminated bool
}

func newIngest(q *queries, log logrus.FieldLogger, welcome *protocol.WelcomeMessage, lockReorderWarn int) *ingest {
	return &ingest{
		q:               q,
		log:             log,
		timerMul:        welcome.TimerMul,
		initBegin:       welcome.InitBegin,
		lockReorderWarn: lockReorderWarn,
		threads:         container.Set[uint64]{},
		validation:      map[uint64]uint32{},
	}
}

// time translates a raw producer timestamp to the database's clock.
func (in *ingest) time(raw int64) trace.Timestamp {
	return trace.Timestamp(float64(raw-in.initBegin) * in.timerMul)
}

// seeThread requests the name of threads we haven't seen before.
func (in *ingest) seeThread(id uint64) {
	if id == 0 || !in.threads.TryAdd(id) {
		return
	}
	in.q.request(protocol.QueryThreadString, id)
}

func (in *ingest) stringPtr(ptr uint64) {
	if ptr == 0 || in.db.HasStringPtr(ptr) {
		return
	}
	in.q.request(protocol.QueryString, ptr)
}

// sourceLocation returns the handle of a static source location, requesting its contents the first time it
// is seen.
func (in *ingest) sourceLocation(ptr uint64) trace.SrcLocID {
	id, created := in.db.ShrinkSourceLocation(ptr)
	if created && !in.db.HasSourceLocation(ptr) {
		in.q.request(protocol.QuerySourceLocation, ptr)
	}
	return id
}

// takeString consumes the string sent by the last SingleStringData.
func (in *ingest) takeString(rec *protocol.Record) []byte {
	if !in.hasStr {
		in.log.WithField("record", rec.Type.String()).Debug("record without preceding string")
		return nil
	}
	in.hasStr = false
	return in.str
}

func (in *ingest) takeCallstack() trace.CallstackID {
	cs := in.callstack
	in.callstack = 0
	return cs
}

func (in *ingest) takeValidation(thread uint64) uint32 {
	v, ok := in.validation[thread]
	if ok {
		delete(in.validation, thread)
	}
	return v
}

func (in *ingest) dispatch(rec *protocol.Record) {
	in.counts[rec.Type]++
	db := in.db

	switch rec.Type {
	case protocol.QueueThreadContext:
		in.thread = rec.Uint(0)
		in.seeThread(in.thread)

	case protocol.QueueZoneBegin, protocol.QueueZoneBeginCallstack:
		ev := trace.ZoneBegin{
			Thread:     in.thread,
			Start:      in.time(rec.Int(0)),
			SrcLoc:     in.sourceLocation(rec.Uint(1)),
			Validation: in.takeValidation(in.thread),
		}
		if rec.Type == protocol.QueueZoneBeginCallstack {
			ev.Callstack = in.takeCallstack()
		}
		db.BeginZone(ev)

	case protocol.QueueZoneBeginAllocSrcLoc, protocol.QueueZoneBeginAllocSrcLocCallstack:
		start := in.time(rec.Int(0))
		srcloc, ok := in.srcloc.Take()
		if !ok {
			// Still open the zone so that its end matches.
			db.Fail(trace.Failure{Kind: trace.FailureSourceLocationMissing, Thread: in.thread, Time: start})
		}
		ev := trace.ZoneBegin{
			Thread:     in.thread,
			Start:      start,
			SrcLoc:     srcloc,
			Validation: in.takeValidation(in.thread),
		}
		if rec.Type == protocol.QueueZoneBeginAllocSrcLocCallstack {
			ev.Callstack = in.takeCallstack()
		}
		db.BeginZone(ev)

	case protocol.QueueZoneEnd:
		db.EndZone(in.thread, in.time(rec.Int(0)), in.takeValidation(in.thread))

	case protocol.QueueZoneValidation:
		in.validation[in.thread] = uint32(rec.Uint(0))

	case protocol.QueueZoneColor:
		db.SetZoneColor(in.thread, uint32(rec.Uint(0)))

	case protocol.QueueZoneValue:
		db.SetZoneValue(in.thread, rec.Uint(0))

	case protocol.QueueZoneText:
		db.SetZoneText(in.thread, in.takeString(rec))

	case protocol.QueueZoneName:
		db.SetZoneName(in.thread, in.takeString(rec))

	case protocol.QueueFrameMarkMsg:
		name := rec.Uint(1)
		if db.MarkFrame(name, in.time(rec.Int(0))) {
			in.frameName(name)
		}

	case protocol.QueueFrameMarkMsgStart:
		name := rec.Uint(1)
		if db.StartFrame(name, in.time(rec.Int(0))) {
			in.frameName(name)
		}

	case protocol.QueueFrameMarkMsgEnd:
		db.EndFrame(rec.Uint(1), in.time(rec.Int(0)))

	case protocol.QueueFrameImage:
		if !in.hasImage {
			in.log.Debug("frame image without preceding image data")
			break
		}
		in.hasImage = false
		db.AddFrameImage(uint32(rec.Uint(0)), uint16(rec.Uint(1)), uint16(rec.Uint(2)), rec.Uint(3) != 0, in.frameImage)

	case protocol.QueueSourceLocation:
		ptr := rec.Uint(0)
		name, function, file := rec.Uint(1), rec.Uint(2), rec.Uint(3)
		db.AddSourceLocation(ptr, trace.SourceLocation{
			Name:     trace.PtrRef(name),
			Function: trace.PtrRef(function),
			File:     trace.PtrRef(file),
			Line:     uint32(rec.Uint(4)),
			Color:    uint32(rec.Uint(5)),
		})
		in.stringPtr(name)
		in.stringPtr(function)
		in.stringPtr(file)
		in.q.answered(protocol.QuerySourceLocation, ptr)

	case protocol.QueueLockAnnounce:
		db.AnnounceLock(uint32(rec.Uint(0)), in.time(rec.Int(1)), in.sourceLocation(rec.Uint(2)), trace.LockType(rec.Uint(3)))

	case protocol.QueueLockTerminate:
		db.TerminateLock(uint32(rec.Uint(0)), in.time(rec.Int(1)))

	case protocol.QueueLockWait:
		in.lockEvent(rec, trace.LockEventWait)
	case protocol.QueueLockObtain:
		in.lockEvent(rec, trace.LockEventObtain)
	case protocol.QueueLockRelease:
		in.lockEvent(rec, trace.LockEventRelease)
	case protocol.QueueLockSharedWait:
		in.lockEvent(rec, trace.LockEventWaitShared)
	case protocol.QueueLockSharedObtain:
		in.lockEvent(rec, trace.LockEventObtainShared)
	case protocol.QueueLockSharedRelease:
		in.lockEvent(rec, trace.LockEventReleaseShared)

	case protocol.QueueLockMark:
		thread := rec.Uint(0)
		in.seeThread(thread)
		db.MarkLock(uint32(rec.Uint(1)), thread, in.sourceLocation(rec.Uint(2)))

	case protocol.QueueLockName:
		db.SetLockName(uint32(rec.Uint(0)), in.takeString(rec))

	case protocol.QueuePlotDataInt:
		in.plotSample(rec.Uint(0), in.time(rec.Int(1)), float64(rec.Int(2)))
	case protocol.QueuePlotDataFloat, protocol.QueuePlotDataDouble:
		in.plotSample(rec.Uint(0), in.time(rec.Int(1)), rec.Float(2))

	case protocol.QueuePlotConfig:
		name := rec.Uint(0)
		created := db.ConfigurePlot(name, trace.PlotConfig{
			Format: trace.PlotFormat(rec.Uint(1)),
			Step:   rec.Uint(2) != 0,
			Fill:   rec.Uint(3) != 0,
			Color:  uint32(rec.Uint(4)),
		})
		if created {
			in.plotName(name)
		}

	case protocol.QueueMessage:
		db.AddMessage(in.thread, in.time(rec.Int(0)), in.takeString(rec), 0)

	case protocol.QueueMessageColor:
		db.AddMessage(in.thread, in.time(rec.Int(0)), in.takeString(rec), uint32(rec.Uint(1)))

	case protocol.QueueMemAlloc, protocol.QueueMemAllocCallstack:
		thread := rec.Uint(1)
		in.seeThread(thread)
		var cs trace.CallstackID
		if rec.Type == protocol.QueueMemAllocCallstack {
			cs = in.takeCallstack()
		}
		db.AllocMemory(rec.Uint(2), rec.Uint(3), in.time(rec.Int(0)), thread, cs)

	case protocol.QueueMemFree, protocol.QueueMemFreeCallstack:
		thread := rec.Uint(1)
		in.seeThread(thread)
		var cs trace.CallstackID
		if rec.Type == protocol.QueueMemFreeCallstack {
			cs = in.takeCallstack()
		}
		db.FreeMemory(rec.Uint(2), in.time(rec.Int(0)), thread, cs)

	case protocol.QueueGpuNewContext:
		thread := rec.Uint(2)
		in.seeThread(thread)
		db.NewGpuContext(trace.GpuContextInfo{
			ID:      uint8(rec.Uint(4)),
			CpuTime: in.time(rec.Int(0)),
			GpuTime: rec.Int(1),
			Thread:  thread,
			Period:  float32(rec.Float(3)),
			Flags:   uint8(rec.Uint(5)),
			Type:    trace.GpuContextType(rec.Uint(6)),
		})

	case protocol.QueueGpuZoneBegin, protocol.QueueGpuZoneBeginCallstack:
		thread := rec.Uint(2)
		in.seeThread(thread)
		ev := trace.GpuZoneBegin{
			Context: uint8(rec.Uint(4)),
			CpuTime: in.time(rec.Int(0)),
			SrcLoc:  in.sourceLocation(rec.Uint(1)),
			Thread:  thread,
			QueryID: uint16(rec.Uint(3)),
		}
		if rec.Type == protocol.QueueGpuZoneBeginCallstack {
			ev.Callstack = in.takeCallstack()
		}
		db.BeginGpuZone(ev)

	case protocol.QueueGpuZoneEnd:
		db.EndGpuZone(uint8(rec.Uint(3)), in.time(rec.Int(0)), rec.Uint(1), uint16(rec.Uint(2)))

	case protocol.QueueGpuTime:
		db.SetGpuTime(uint8(rec.Uint(2)), rec.Int(0), uint16(rec.Uint(1)))

	case protocol.QueueContextSwitch:
		db.AddContextSwitch(trace.ContextSwitch{
			Time:      in.time(rec.Int(0)),
			OldThread: rec.Uint(1),
			NewThread: rec.Uint(2),
			CPU:       uint8(rec.Uint(3)),
			Reason:    int8(rec.Uint(4)),
			State:     int8(rec.Uint(5)),
		})

	case protocol.QueueThreadWakeup:
		thread := rec.Uint(1)
		in.seeThread(thread)
		db.WakeThread(thread, in.time(rec.Int(0)))

	case protocol.QueueCrash:
		thread := rec.Uint(1)
		in.seeThread(thread)
		t := in.time(rec.Int(0))
		db.SetCrash(thread, t, in.takeString(rec))
		in.log.WithFields(logrus.Fields{"thread": thread, "time": t}).Warn("producer crashed")

	case protocol.QueueKeepAlive:

	case protocol.QueueTerminate:
		in.terminated = true

	case protocol.QueueAckServerQueryNoop:
		if !in.q.noop() {
			in.log.Debug("acknowledgement without outstanding query")
		}

	case protocol.QueueStringData:
		db.AddStringPtr(rec.Handle, rec.Data)
		in.q.answered(protocol.QueryString, rec.Handle)

	case protocol.QueueThreadName:
		db.SetThreadName(rec.Handle, rec.Data)
		in.q.answered(protocol.QueryThreadString, rec.Handle)

	case protocol.QueuePlotName:
		db.AddStringPtr(rec.Handle, rec.Data)
		in.q.answered(protocol.QueryPlotName, rec.Handle)

	case protocol.QueueFrameName:
		db.AddStringPtr(rec.Handle, rec.Data)
		in.q.answered(protocol.QueryFrameName, rec.Handle)

	case protocol.QueueSourceLocationPayload:
		in.sourceLocationPayload(rec.Data)

	case protocol.QueueCallstackPayload:
		in.callstackPayload(rec.Data)

	case protocol.QueueCallstackFrameData:
		in.callstackFrame(rec.Handle, rec.Data)

	case protocol.QueueFrameImageData:
		in.frameImage = append(in.frameImage[:0], rec.Data...)
		in.hasImage = true

	case protocol.QueueSingleStringData:
		in.str = append(in.str[:0], rec.Data...)
		in.hasStr = true
	}
}

func (in *ingest) lockEvent(rec *protocol.Record, typ trace.LockEventType) {
	thread := rec.Uint(0)
	id := uint32(rec.Uint(1))
	t := in.time(rec.Int(2))
	in.seeThread(thread)
	n := in.db.AddLockEvent(id, thread, t, typ)
	if n > 1 {
		LockRebuildEvents.Observe(float64(n))
		if n > in.lockReorderWarn {
			in.log.WithFields(logrus.Fields{
				"lock":   id,
				"thread": thread,
				"events": n,
			}).Warn("out of order lock event caused a long rebuild")
		}
	}
}

func (in *ingest) plotSample(name uint64, t trace.Timestamp, v float64) {
	if in.db.AddPlotSample(name, t, v) {
		in.plotName(name)
	}
}

func (in *ingest) plotName(ptr uint64) {
	if ptr != 0 && !in.db.HasStringPtr(ptr) {
		in.q.request(protocol.QueryPlotName, ptr)
	}
}

func (in *ingest) frameName(ptr uint64) {
	if ptr != 0 && !in.db.HasStringPtr(ptr) {
		in.q.request(protocol.QueryFrameName, ptr)
	}
}

func (in *ingest) sourceLocationPayload(data []byte) {
	p, err := protocol.DecodeSourceLocationPayload(data)
	if err != nil {
		in.log.WithError(err).Debug("discarding malformed source location payload")
		in.srcloc = container.None[trace.SrcLocID]()
		return
	}
	sl := trace.SourceLocation{
		Function: trace.IdxRef(in.db.InternString(p.Function)),
		File:     trace.IdxRef(in.db.InternString(p.File)),
		Line:     p.Line,
		Color:    p.Color,
	}
	if len(p.Name) > 0 {
		sl.Name = trace.IdxRef(in.db.InternString(p.Name))
	}
	in.srcloc = container.Some(in.db.InternSourceLocationPayload(sl))
}

func (in *ingest) callstackPayload(data []byte) {
	frames, err := protocol.DecodeCallstackPayload(data, in.frames[:0])
	if err != nil {
		in.log.WithError(err).Debug("discarding malformed callstack payload")
		in.callstack = 0
		return
	}
	in.frames = frames
	in.csFrames = in.csFrames[:0]
	for _, f := range frames {
		id := trace.CallstackFrameID(f)
		in.csFrames = append(in.csFrames, id)
		if !in.db.HasCallstackFrame(id) {
			in.q.request(protocol.QueryCallstackFrame, f)
		}
	}
	in.callstack = in.db.InternCallstack(in.csFrames)
}

func (in *ingest) callstackFrame(addr uint64, data []byte) {
	defer in.q.answered(protocol.QueryCallstackFrame, addr)
	frames, err := protocol.DecodeCallstackFrames(data)
	if err != nil {
		in.log.WithError(err).WithField("frame", addr).Debug("discarding malformed callstack frame")
		return
	}
	fd := &trace.CallstackFrameData{Frames: make([]trace.CallstackFrame, len(frames))}
	for i, f := range frames {
		fd.Frames[i] = trace.CallstackFrame{
			Name: in.db.InternString(f.Name),
			File: in.db.InternString(f.File),
			Line: f.Line,
		}
	}
	in.db.AddCallstackFrame(trace.CallstackFrameID(addr), fd)
}
