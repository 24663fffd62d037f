package trace

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func begin(db *Database, thread uint64, srcloc SrcLocID, t Timestamp) ZoneID {
	return db.BeginZone(ZoneBegin{Thread: thread, Start: t, SrcLoc: srcloc})
}

func TestNestedZones(t *testing.T) {
	db := New()
	locA, _ := db.ShrinkSourceLocation(0xA)
	locB, _ := db.ShrinkSourceLocation(0xB)

	a := begin(db, 1, locA, 100)
	b := begin(db, 1, locB, 110)
	_, ok := db.EndZone(1, 120, 0)
	require.True(t, ok)
	_, ok = db.EndZone(1, 200, 0)
	require.True(t, ok)

	td := db.ThreadByID(1)
	require.NotNil(t, td)
	require.Equal(t, []ZoneID{a}, td.Timeline)
	za := db.Zone(a)
	require.Equal(t, Timestamp(100), za.Start)
	require.Equal(t, Timestamp(200), za.End)
	require.Equal(t, []ZoneID{b}, db.Children(za))
	zb := db.Zone(b)
	require.Equal(t, Timestamp(110), zb.Start)
	require.Equal(t, Timestamp(120), zb.End)
	require.Equal(t, NoChildren, zb.Children)
	require.Zero(t, td.Depth())

	db.SetStatisticsReady()
	statB, ready := db.ZoneStatistics(locB)
	require.True(t, ready)
	require.Equal(t, Timestamp(10), statB.Total)
	statA, _ := db.ZoneStatistics(locA)
	require.Equal(t, Timestamp(100), statA.Total)
	require.Equal(t, Timestamp(90), statA.SelfTotal)

	// A full walk must agree with the statistics computed while ingesting.
	collected := db.CollectZoneStatistics()
	require.Equal(t, Timestamp(10), collected[locB].Total)
	require.Equal(t, Timestamp(90), collected[locA].SelfTotal)
	require.Equal(t, uint64(1), collected[locA].Count)

	require.NoError(t, db.Validate())
}

func TestStatisticsNotReady(t *testing.T) {
	db := New()
	loc, _ := db.ShrinkSourceLocation(0xA)
	begin(db, 1, loc, 0)
	db.EndZone(1, 10, 0)

	stat, ready := db.ZoneStatistics(loc)
	require.False(t, ready)
	require.Zero(t, stat.Count)
}

func TestZoneStatistics(t *testing.T) {
	db := New()
	loc, _ := db.ShrinkSourceLocation(0xA)
	for i, d := range []Timestamp{10, 20, 30, 40} {
		start := Timestamp(i * 100)
		begin(db, 1, loc, start)
		db.EndZone(1, start+d, 0)
	}
	db.SetStatisticsReady()
	stat, _ := db.ZoneStatistics(loc)
	require.Equal(t, uint64(4), stat.Count)
	require.Equal(t, Timestamp(10), stat.Min)
	require.Equal(t, Timestamp(40), stat.Max)
	require.Equal(t, 25.0, stat.Average())
	require.Equal(t, 25.0, db.ZoneMedian(&stat))
	require.InDelta(t, 11.18, stat.StdDev(), 0.01)

	require.Len(t, db.SourceLocationZonesInRange(loc, 100, 250), 2)
	require.Len(t, db.SourceLocationZonesInRange(loc, 0, 1000), 4)
	require.Empty(t, db.SourceLocationZonesInRange(loc, 500, 1000))
}

func TestZoneStackUnderflow(t *testing.T) {
	db := New()
	_, ok := db.EndZone(1, 10, 0)
	require.False(t, ok)
	f, n, ok := db.Failure()
	require.True(t, ok)
	require.Equal(t, FailureZoneStackUnderflow, f.Kind)
	require.Equal(t, 1, n)

	// Ingestion continues after a failure.
	loc, _ := db.ShrinkSourceLocation(0xA)
	begin(db, 1, loc, 20)
	_, ok = db.EndZone(1, 30, 0)
	require.True(t, ok)
	db.EndZone(1, 40, 0)
	f, n, _ = db.Failure()
	require.Equal(t, FailureZoneStackUnderflow, f.Kind)
	require.Equal(t, Timestamp(10), f.Time)
	require.Equal(t, 2, n)
}

func TestZoneValidationMismatch(t *testing.T) {
	db := New()
	loc, _ := db.ShrinkSourceLocation(0xA)
	db.BeginZone(ZoneBegin{Thread: 1, Start: 0, SrcLoc: loc, Validation: 7})
	_, ok := db.EndZone(1, 5, 8)
	require.True(t, ok)
	f, _, ok := db.Failure()
	require.True(t, ok)
	require.Equal(t, FailureZoneStackMismatch, f.Kind)
	require.Equal(t, loc, f.SrcLoc)
}

func TestZoneEndBeforeStart(t *testing.T) {
	db := New()
	id := begin(db, 1, 0, 100)
	db.EndZone(1, 50, 0)
	require.Equal(t, Timestamp(100), db.Zone(id).End)
	require.NoError(t, db.Validate())
}

func TestOpenZoneInferredEnd(t *testing.T) {
	db := New()
	outer := begin(db, 1, 0, 100)
	begin(db, 1, 0, 110)
	db.EndZone(1, 150, 0)
	db.AddMessage(2, 300, []byte("later"), 0)

	z := db.Zone(outer)
	require.False(t, z.IsEndValid())
	require.Equal(t, Timestamp(300), db.ZoneEndTime(z))
	require.Equal(t, 1, db.OpenZones())
	require.NoError(t, db.Validate())
}

func TestZoneText(t *testing.T) {
	db := New()
	id := begin(db, 1, 0, 0)
	require.True(t, db.SetZoneText(1, []byte("hello")))
	require.True(t, db.SetZoneValue(1, 255))
	require.True(t, db.SetZoneName(1, []byte("custom")))
	require.True(t, db.SetZoneColor(1, 0xff0000))
	z := db.Zone(id)
	require.Equal(t, "hello\n255 [0xff]", db.String(z.Text))
	require.Equal(t, "custom", db.ZoneName(z))
	require.Equal(t, uint32(0xff0000), z.Color)
	db.EndZone(1, 1, 0)

	require.False(t, db.SetZoneText(1, []byte("orphan")))
	f, _, _ := db.Failure()
	require.Equal(t, FailureZoneTextWithoutZone, f.Kind)
}

func TestInterningIdempotent(t *testing.T) {
	db := New()

	s1 := db.InternString([]byte("foo"))
	s2 := db.InternString([]byte("bar"))
	require.NotEqual(t, s1, s2)
	require.Equal(t, s1, db.InternString([]byte("foo")))
	require.Equal(t, "foo", db.String(s1))
	require.Equal(t, StringIdx(0), db.InternString(nil))

	t1 := db.CompressThread(1234567890123)
	t2 := db.CompressThread(42)
	require.NotEqual(t, t1, t2)
	require.NotZero(t, t1)
	require.Equal(t, t1, db.CompressThread(1234567890123))
	require.Equal(t, uint64(42), db.DecompressThread(t2))

	l1, isNew := db.ShrinkSourceLocation(0x1000)
	require.True(t, isNew)
	l2, _ := db.ShrinkSourceLocation(0x2000)
	require.NotEqual(t, l1, l2)
	again, isNew := db.ShrinkSourceLocation(0x1000)
	require.False(t, isNew)
	require.Equal(t, l1, again)
	require.Positive(t, int(l1))

	sl := SourceLocation{Function: IdxRef(s1), File: IdxRef(s2), Line: 12}
	p1 := db.InternSourceLocationPayload(sl)
	require.Negative(t, int(p1))
	require.Equal(t, p1, db.InternSourceLocationPayload(sl))
	sl.Line = 13
	p2 := db.InternSourceLocationPayload(sl)
	require.NotEqual(t, p1, p2)
	require.Equal(t, uint32(13), db.SourceLocation(p2).Line)

	c1 := db.InternCallstack([]CallstackFrameID{1, 2, 3})
	c2 := db.InternCallstack([]CallstackFrameID{1, 2, 4})
	require.NotEqual(t, c1, c2)
	require.Equal(t, c1, db.InternCallstack([]CallstackFrameID{1, 2, 3}))
	require.Equal(t, []CallstackFrameID{1, 2, 4}, db.Callstack(c2))
	require.Equal(t, CallstackID(0), db.InternCallstack(nil))
}

func TestThreadOverflow(t *testing.T) {
	db := New()
	for id := uint64(1); id <= math.MaxUint16; id++ {
		require.Equal(t, uint16(id), db.CompressThread(id))
	}
	_, _, failed := db.Failure()
	require.False(t, failed)

	require.Zero(t, db.CompressThread(1<<40))
	require.Zero(t, db.CompressThread(1<<41))
	f, n, failed := db.Failure()
	require.True(t, failed)
	require.Equal(t, FailureThreadOverflow, f.Kind)
	require.Equal(t, uint64(1<<40), f.Thread)
	require.Equal(t, 2, n)
	// Known threads keep their handles.
	require.Equal(t, uint16(7), db.CompressThread(7))
}

func TestStringRef(t *testing.T) {
	db := New()
	ref := PtrRef(0x10)
	require.Equal(t, "???", db.StringRef(ref))
	db.AddStringPtr(0x10, []byte("resolved"))
	require.Equal(t, "resolved", db.StringRef(ref))
	require.Equal(t, "", db.StringRef(PtrRef(0)))
}

func TestSourceLocationName(t *testing.T) {
	db := New()
	id, _ := db.ShrinkSourceLocation(0x100)
	require.Equal(t, "", db.SourceLocationName(id))
	db.AddSourceLocation(0x100, SourceLocation{Function: PtrRef(0x1), File: PtrRef(0x2), Line: 3})
	db.AddStringPtr(0x1, []byte("main"))
	require.Equal(t, "main", db.SourceLocationName(id))
}

func TestLockContention(t *testing.T) {
	db := New()
	db.AnnounceLock(1, 0, 0, LockTypeLockable)
	db.AddLockEvent(1, 1, 10, LockEventWait)
	db.AddLockEvent(1, 1, 20, LockEventObtain)
	rebuilt := db.AddLockEvent(1, 2, 15, LockEventWait)
	require.Equal(t, 2, rebuilt)
	db.AddLockEvent(1, 1, 30, LockEventRelease)
	db.UpdateLockContention()

	lm := db.Lock(1)
	require.True(t, lm.Contended)
	times := make([]Timestamp, len(lm.Timeline))
	for i, ev := range lm.Timeline {
		times[i] = ev.Time
	}
	require.Equal(t, []Timestamp{10, 15, 20, 30}, times)
	require.Equal(t, uint8(1), lm.Timeline[2].LockCount)
	require.Equal(t, uint8(0), lm.Timeline[3].LockCount)
	require.NoError(t, db.Validate())
}

func TestLockUncontended(t *testing.T) {
	db := New()
	db.AnnounceLock(1, 0, 0, LockTypeLockable)
	db.AddLockEvent(1, 1, 10, LockEventWait)
	db.AddLockEvent(1, 1, 11, LockEventObtain)
	db.AddLockEvent(1, 1, 20, LockEventRelease)
	db.AddLockEvent(1, 2, 30, LockEventWait)
	db.AddLockEvent(1, 2, 31, LockEventObtain)
	db.AddLockEvent(1, 2, 40, LockEventRelease)
	require.False(t, db.Lock(1).Contended)
}

func TestSharedLockContention(t *testing.T) {
	db := New()
	db.AnnounceLock(1, 0, 0, LockTypeSharedLockable)
	db.AddLockEvent(1, 1, 10, LockEventWaitShared)
	db.AddLockEvent(1, 1, 11, LockEventObtainShared)
	db.AddLockEvent(1, 2, 12, LockEventWait)
	require.True(t, db.Lock(1).Contended)
	db.AddLockEvent(1, 1, 13, LockEventReleaseShared)
	db.AddLockEvent(1, 2, 14, LockEventObtain)
	db.AddLockEvent(1, 2, 15, LockEventRelease)
	// Contention is sticky.
	db.Lock(1).Rescan()
	require.True(t, db.Lock(1).Contended)
}

func TestLockCountNeverNegative(t *testing.T) {
	db := New()
	db.AnnounceLock(1, 0, 0, LockTypeLockable)
	db.AddLockEvent(1, 1, 10, LockEventRelease)
	lm := db.Lock(1)
	require.Equal(t, uint8(0), lm.Timeline[0].LockCount)
	f, _, ok := db.Failure()
	require.True(t, ok)
	require.Equal(t, FailureLockReleaseWithoutObtain, f.Kind)
}

func TestLockReleaseByOtherThread(t *testing.T) {
	db := New()
	db.AnnounceLock(1, 0, 0, LockTypeLockable)
	db.AddLockEvent(1, 1, 10, LockEventObtain)
	db.AddLockEvent(1, 2, 20, LockEventRelease)
	lm := db.Lock(1)
	require.Equal(t, uint8(1), lm.Timeline[1].LockCount)
	f, n, ok := db.Failure()
	require.True(t, ok)
	require.Equal(t, FailureLockReleaseWithoutObtain, f.Kind)
	require.Equal(t, uint64(2), f.Thread)
	require.Equal(t, 1, n)

	db.AddLockEvent(1, 1, 30, LockEventRelease)
	require.Zero(t, lm.Timeline[2].LockCount)
	_, n, _ = db.Failure()
	require.Equal(t, 1, n)
	require.NoError(t, db.Validate())
}

func TestLockReorderFailures(t *testing.T) {
	db := New()
	db.AnnounceLock(1, 0, 0, LockTypeLockable)
	db.AddLockEvent(1, 1, 10, LockEventObtain)
	db.AddLockEvent(1, 1, 30, LockEventRelease)
	db.AddLockEvent(1, 2, 40, LockEventRelease)
	_, n, _ := db.Failure()
	require.Equal(t, 1, n)

	// A late release by thread 1 makes its later release invalid. The release by thread 2 was invalid
	// before and isn't reported again.
	db.AddLockEvent(1, 1, 20, LockEventRelease)
	f, n, _ := db.Failure()
	require.Equal(t, 2, n)
	require.Equal(t, uint64(2), f.Thread)

	lm := db.Lock(1)
	counts := make([]uint8, len(lm.Timeline))
	for i, ev := range lm.Timeline {
		counts[i] = ev.LockCount
	}
	require.Equal(t, []uint8{1, 0, 0, 0}, counts)
}

func TestLockInvariant(t *testing.T) {
	// Recursive locking, interleaved with out-of-order waits from other threads.
	db := New()
	db.AnnounceLock(5, 0, 0, LockTypeLockable)
	events := []struct {
		thread uint64
		t      Timestamp
		typ    LockEventType
	}{
		{1, 10, LockEventWait},
		{1, 11, LockEventObtain},
		{1, 12, LockEventObtain},
		{1, 20, LockEventRelease},
		{2, 15, LockEventWait},
		{1, 25, LockEventRelease},
		{3, 13, LockEventWait},
		{2, 26, LockEventObtain},
		{2, 28, LockEventRelease},
		{3, 30, LockEventObtain},
		{3, 41, LockEventRelease},
	}
	for _, ev := range events {
		db.AddLockEvent(5, ev.thread, ev.t, ev.typ)
	}
	lm := db.Lock(5)
	for i := 1; i < len(lm.Timeline); i++ {
		prev, ev := lm.Timeline[i-1], lm.Timeline[i]
		require.LessOrEqual(t, prev.Time, ev.Time)
		if ev.Type == LockEventRelease {
			require.Less(t, ev.LockCount, prev.LockCount, "event %d", i)
		}
	}
	require.Equal(t, uint8(0), lm.Timeline[len(lm.Timeline)-1].LockCount)
	require.True(t, lm.Contended)
	_, _, failed := db.Failure()
	require.False(t, failed)
	require.NoError(t, db.Validate())
}

func TestLockTooManyThreads(t *testing.T) {
	db := New()
	for i := 0; i < MaxLockThreads; i++ {
		db.AddLockEvent(1, uint64(i+1), Timestamp(i), LockEventWait)
	}
	_, _, failed := db.Failure()
	require.False(t, failed)
	require.Zero(t, db.AddLockEvent(1, 1000, 100, LockEventWait))
	f, _, _ := db.Failure()
	require.Equal(t, FailureLockTooManyThreads, f.Kind)
	require.False(t, db.Lock(1).Valid)
}

func TestLockMark(t *testing.T) {
	db := New()
	loc, _ := db.ShrinkSourceLocation(0x10)
	db.AnnounceLock(1, 0, 0, LockTypeLockable)
	db.AddLockEvent(1, 1, 10, LockEventWait)
	db.AddLockEvent(1, 2, 11, LockEventWait)
	db.MarkLock(1, 1, loc)
	lm := db.Lock(1)
	require.Equal(t, loc, lm.Timeline[0].SrcLoc)
	require.Equal(t, SrcLocID(0), lm.Timeline[1].SrcLoc)

	db.SetLockName(1, []byte("mutex"))
	require.Equal(t, "mutex", db.LockName(lm))
}

func TestMemoryFreeWithoutAlloc(t *testing.T) {
	db := New()
	_, ok := db.AllocMemory(0x1000, 64, 5, 1, 0)
	require.True(t, ok)
	require.Equal(t, uint64(64), db.Memory.Usage)
	_, ok = db.FreeMemory(0x1000, 50, 1, 0)
	require.True(t, ok)
	require.Zero(t, db.Memory.Usage)

	_, ok = db.FreeMemory(0x1000, 60, 1, 0)
	require.False(t, ok)
	f, _, failed := db.Failure()
	require.True(t, failed)
	require.Equal(t, FailureMemFreeWithoutAlloc, f.Kind)
	require.Equal(t, "memory-free-without-allocation", f.Kind.String())
	require.Zero(t, db.Memory.Usage)
	require.Equal(t, uint64(64), db.Memory.Peak)
}

func TestMemoryAllocTwice(t *testing.T) {
	db := New()
	db.AllocMemory(0x1000, 64, 5, 1, 0)
	_, ok := db.AllocMemory(0x1000, 32, 6, 1, 0)
	require.False(t, ok)
	f, _, _ := db.Failure()
	require.Equal(t, FailureMemAllocTwice, f.Kind)
	require.Equal(t, uint64(64), db.Memory.Usage)
}

func TestMemoryPlot(t *testing.T) {
	db := New()
	db.AllocMemory(0x1000, 100, 10, 1, 0)
	db.AllocMemory(0x2000, 50, 20, 2, 0)
	// Frees are discovered out of order.
	db.FreeMemory(0x2000, 40, 2, 0)
	db.FreeMemory(0x1000, 30, 1, 0)

	p := db.ReconstructMemoryPlot()
	require.Equal(t, []PlotItem{
		{10, 100},
		{20, 150},
		{30, 50},
		{40, 0},
	}, p.Data)
	require.Equal(t, 150.0, p.Max)
	require.Equal(t, 0.0, p.Min)
	require.Same(t, p, db.MemoryPlot())
}

func TestPlots(t *testing.T) {
	db := New()
	require.True(t, db.AddPlotSample(0x10, 10, 1))
	require.False(t, db.AddPlotSample(0x10, 30, 3))
	db.AddPlotSample(0x10, 20, -2)
	p, _ := db.Plot(0x10)
	require.Equal(t, []PlotItem{{10, 1}, {20, -2}, {30, 3}}, p.Data)
	require.Equal(t, -2.0, p.Min)
	require.Equal(t, 3.0, p.Max)
	require.Equal(t, 2.0, p.Sum)
	require.Equal(t, []PlotItem{{10, 1}, {20, -2}}, p.Range(15, 25))

	db.ConfigurePlot(0x10, PlotConfig{Format: PlotFormatPercentage, Step: true, Color: 0xff})
	require.Equal(t, PlotFormatPercentage, p.Format)
	require.True(t, p.Step)
	require.Len(t, db.Plots, 1)
}

func TestFrames(t *testing.T) {
	db := New()
	db.MarkFrame(0, 10)
	db.MarkFrame(0, 20)
	db.MarkFrame(0, 35)
	base := db.BaseFrames()
	require.Len(t, base.Frames, 3)
	require.Equal(t, Timestamp(20), base.Frames[0].End)
	require.Equal(t, Timestamp(35), base.Frames[1].End)
	require.Equal(t, 1, db.FrameAtTime(base, 25))
	require.Equal(t, -1, db.FrameAtTime(base, 5))
	lo, hi := db.FrameRange(base, 15, 25)
	require.Equal(t, 0, lo)
	require.Equal(t, 2, hi)

	db.StartFrame(0x99, 100)
	db.EndFrame(0x99, 110)
	_, _, failed := db.Failure()
	require.False(t, failed)
	db.EndFrame(0x99, 120)
	f, _, _ := db.Failure()
	require.Equal(t, FailureFrameEndWithoutStart, f.Kind)
	require.False(t, db.FrameSet(0x99).Continuous)
}

func TestFrameImages(t *testing.T) {
	db := New()
	db.MarkFrame(0, 10)
	pixels := bytes.Repeat([]byte{1, 2, 3, 4}, 64)
	require.True(t, db.AddFrameImage(0, 8, 8, false, pixels))
	require.Equal(t, int32(0), db.BaseFrames().Frames[0].FrameImage)

	got, err := db.FrameImagePixels(0)
	require.NoError(t, err)
	require.Equal(t, pixels, got)
	got, err = db.FrameImagePixels(0)
	require.NoError(t, err)
	require.Equal(t, pixels, got)

	require.False(t, db.AddFrameImage(0, 8, 8, false, pixels))
	f, _, _ := db.Failure()
	require.Equal(t, FailureFrameImageTwice, f.Kind)

	db2 := New()
	require.False(t, db2.AddFrameImage(3, 8, 8, false, pixels))
	f, _, _ = db2.Failure()
	require.Equal(t, FailureFrameImageIndex, f.Kind)

	_, err = db.FrameImagePixels(5)
	require.Error(t, err)
}

func TestFrameImageWithoutFrames(t *testing.T) {
	db := Empty()
	require.False(t, db.AddFrameImage(0, 1, 1, false, []byte{1, 2, 3, 4}))
	f, _, ok := db.Failure()
	require.True(t, ok)
	require.Equal(t, FailureFrameImageIndex, f.Kind)
	require.Empty(t, db.FrameImages)
}

func TestContextSwitches(t *testing.T) {
	db := New()
	db.WakeThread(1, 5)
	db.AddContextSwitch(ContextSwitch{Time: 10, OldThread: 0, NewThread: 1, CPU: 2})
	db.AddContextSwitch(ContextSwitch{Time: 20, OldThread: 1, NewThread: 2, CPU: 2, Reason: 3, State: 1})

	td := db.ThreadByID(1)
	require.Equal(t, []ContextSwitchData{
		{WakeupTime: 5, Start: 10, End: 20, CPU: 2, Reason: 3, State: 1},
	}, td.ContextSwitches)
	require.Len(t, db.CPUs, 3)
	cpu := db.CPUs[2]
	require.Len(t, cpu, 2)
	require.Equal(t, Timestamp(20), cpu[0].End)
	require.Equal(t, db.CompressThread(2), cpu[1].Thread)
	require.Equal(t, Timestamp(-1), cpu[1].End)
}

func TestGpuZones(t *testing.T) {
	db := New()
	db.NewGpuContext(GpuContextInfo{ID: 0, CpuTime: 1000, GpuTime: 0, Thread: 1, Period: 2, Type: GpuContextVulkan})
	outer, ok := db.BeginGpuZone(GpuZoneBegin{Context: 0, CpuTime: 1010, Thread: 1, QueryID: 1})
	require.True(t, ok)
	inner, _ := db.BeginGpuZone(GpuZoneBegin{Context: 0, CpuTime: 1020, Thread: 1, QueryID: 2})
	db.EndGpuZone(0, 1030, 1, 3)
	db.EndGpuZone(0, 1040, 1, 4)
	for _, q := range []struct {
		id    uint16
		ticks int64
	}{{1, 10}, {2, 12}, {3, 15}, {4, 20}} {
		require.True(t, db.SetGpuTime(0, q.ticks, q.id))
	}

	zo := db.GpuZone(outer)
	require.Equal(t, Timestamp(1020), zo.GpuStart)
	require.Equal(t, Timestamp(1040), zo.GpuEnd)
	require.Equal(t, []GpuZoneID{inner}, db.GpuChildren(zo))
	zi := db.GpuZone(inner)
	require.Equal(t, Timestamp(1024), zi.GpuStart)
	require.Equal(t, Timestamp(1030), zi.GpuEnd)

	require.False(t, db.SetGpuTime(0, 1, 99))
	f, _, _ := db.Failure()
	require.Equal(t, FailureGpuQueryUnknown, f.Kind)

	_, ok = db.EndGpuZone(0, 1050, 1, 5)
	require.False(t, ok)
	f, n, _ := db.Failure()
	require.Equal(t, FailureGpuQueryUnknown, f.Kind)
	require.Equal(t, 2, n)

	_, ok = db.BeginGpuZone(GpuZoneBegin{Context: 7})
	require.False(t, ok)
}

func TestMessagesAndCrash(t *testing.T) {
	db := New()
	db.AddMessage(1, 10, []byte("one"), 0)
	db.AddMessage(2, 20, []byte("two"), 0xff)
	db.AddMessage(1, 30, []byte("three"), 0)
	require.Equal(t, []int{0, 2}, db.ThreadByID(1).Messages)
	lo, hi := db.MessagesInRange(15, 30)
	require.Equal(t, 1, lo)
	require.Equal(t, 3, hi)

	db.SetCrash(2, 40, []byte("segfault"))
	db.SetCrash(1, 50, []byte("ignored"))
	crash, ok := db.Crash.Get()
	require.True(t, ok)
	require.Equal(t, "segfault", db.String(crash.Message))
	require.Equal(t, Timestamp(40), crash.Time)
}

func TestZoneAt(t *testing.T) {
	db := New()
	begin(db, 1, 0, 0)
	inner := begin(db, 1, 0, 10)
	db.EndZone(1, 20, 0)
	db.EndZone(1, 100, 0)
	begin(db, 1, 0, 200)
	db.EndZone(1, 300, 0)

	td := db.ThreadByID(1)
	id, ok := db.ZoneAt(td, 15)
	require.True(t, ok)
	require.Equal(t, inner, id)
	_, ok = db.ZoneAt(td, 150)
	require.False(t, ok)
	require.Len(t, db.ZonesInRange(td.Timeline, 50, 250), 2)
}

func TestValidateDetectsOverlap(t *testing.T) {
	db := New()
	a := begin(db, 1, 0, 0)
	db.EndZone(1, 100, 0)
	begin(db, 1, 0, 200)
	db.EndZone(1, 300, 0)
	db.Zone(a).End = 250
	require.Error(t, db.Validate())
}

func TestRestoreStack(t *testing.T) {
	db := New()
	begin(db, 1, 0, 0)
	begin(db, 1, 0, 10)
	begin(db, 1, 0, 20)
	db.EndZone(1, 30, 0)
	td := db.ThreadByID(1)
	td.stack = nil
	db.RestoreStack(td)
	require.Equal(t, 2, td.Depth())
	_, ok := db.EndZone(1, 40, 0)
	require.True(t, ok)
}

func BenchmarkBeginEndZone(b *testing.B) {
	db := New()
	db.OnlineStatistics = true
	locs := make([]SrcLocID, 16)
	for i := range locs {
		locs[i], _ = db.ShrinkSourceLocation(uint64(i + 1))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		t := Timestamp(i * 10)
		begin(db, uint64(i%4), locs[i%len(locs)], t)
		db.EndZone(uint64(i%4), t+5, 0)
	}
}

func BenchmarkInternString(b *testing.B) {
	db := New()
	strs := make([][]byte, 1024)
	for i := range strs {
		strs[i] = []byte(fmt.Sprintf("string %d", i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		db.InternString(strs[i%len(strs)])
	}
}
