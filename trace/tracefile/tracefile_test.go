package tracefile

import (
	"bytes"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"honnef.co/go/tracecap/container"
	"honnef.co/go/tracecap/trace"
)

// buildDatabase returns a database that uses every section of the format.
func buildDatabase(t testing.TB) *trace.Database {
	db := trace.New()
	db.Info = trace.CaptureInfo{
		ProgramName:     "game",
		HostInfo:        "OS: Linux",
		CPUManufacturer: "GenuineIntel",
		Pid:             4242,
		Epoch:           1700000000,
		Resolution:      10,
		TimerMul:        0.5,
		CPUID:           0x906ea,
		CPUArch:         2,
	}
	db.BaseTime = 5

	db.AddStringPtr(0x100, []byte("resolved"))
	db.SetThreadName(1, []byte("main"))

	locA, _ := db.ShrinkSourceLocation(0xA)
	db.AddSourceLocation(0xA, trace.SourceLocation{
		Name:     trace.PtrRef(0x100),
		Function: trace.IdxRef(db.InternString([]byte("update"))),
		File:     trace.IdxRef(db.InternString([]byte("game.c"))),
		Line:     10,
		Color:    0xff0000,
	})
	locB := db.InternSourceLocationPayload(trace.SourceLocation{
		Function: trace.IdxRef(db.InternString([]byte("load"))),
		File:     trace.IdxRef(db.InternString([]byte("io.c"))),
		Line:     99,
	})

	db.AddCallstackFrame(0x1000, &trace.CallstackFrameData{Frames: []trace.CallstackFrame{
		{Name: db.InternString([]byte("inlined")), File: db.InternString([]byte("a.c")), Line: 1},
		{Name: db.InternString([]byte("outer")), File: db.InternString([]byte("a.c")), Line: 2},
	}})
	cs := db.InternCallstack([]trace.CallstackFrameID{0x1000, 0x2000})

	db.BeginZone(trace.ZoneBegin{Thread: 1, Start: 10, SrcLoc: locA, Callstack: cs})
	db.BeginZone(trace.ZoneBegin{Thread: 1, Start: 12, SrcLoc: locB})
	db.SetZoneText(1, []byte("loading level"))
	db.SetZoneColor(1, 0x00ff00)
	db.EndZone(1, 18, 0)
	db.BeginZone(trace.ZoneBegin{Thread: 1, Start: 19, SrcLoc: locB})
	db.EndZone(1, 25, 0)
	db.EndZone(1, 30, 0)
	// Never ends.
	db.BeginZone(trace.ZoneBegin{Thread: 2, Start: 40, SrcLoc: locA})

	db.AddMessage(1, 11, []byte("hello"), 0)
	db.AddMessage(2, 41, []byte("world"), 0xabcdef)

	db.AnnounceLock(7, 1, locA, trace.LockTypeLockable)
	db.SetLockName(7, []byte("big lock"))
	db.AddLockEvent(7, 1, 10, trace.LockEventWait)
	db.AddLockEvent(7, 1, 11, trace.LockEventObtain)
	db.AddLockEvent(7, 2, 12, trace.LockEventWait)
	db.AddLockEvent(7, 1, 20, trace.LockEventRelease)
	db.AddLockEvent(7, 2, 21, trace.LockEventObtain)
	db.AddLockEvent(7, 2, 22, trace.LockEventRelease)
	db.AnnounceLock(8, 2, 0, trace.LockTypeSharedLockable)
	db.AddLockEvent(8, 1, 30, trace.LockEventObtainShared)
	db.AddLockEvent(8, 1, 31, trace.LockEventReleaseShared)
	db.TerminateLock(8, 50)

	db.AllocMemory(0x5000, 64, 13, 1, cs)
	db.AllocMemory(0x6000, 128, 14, 2, 0)
	db.FreeMemory(0x5000, 16, 2, 0)

	db.AddPlotSample(0x300, 10, 1.5)
	db.AddPlotSample(0x300, 20, -3)
	db.ConfigurePlot(0x300, trace.PlotConfig{Format: trace.PlotFormatWatt, Step: true, Color: 0x123456})

	db.MarkFrame(0, 10)
	db.MarkFrame(0, 20)
	db.MarkFrame(0, 35)
	db.StartFrame(0x400, 12)
	db.EndFrame(0x400, 15)
	require.True(t, db.AddFrameImage(1, 4, 4, true, bytes.Repeat([]byte{9, 8, 7, 6}, 16)))

	db.WakeThread(1, 8)
	db.AddContextSwitch(trace.ContextSwitch{Time: 9, NewThread: 1, CPU: 1})
	db.AddContextSwitch(trace.ContextSwitch{Time: 31, OldThread: 1, NewThread: 2, CPU: 1, Reason: 2, State: 3})

	db.NewGpuContext(trace.GpuContextInfo{ID: 1, CpuTime: 10, GpuTime: 100, Thread: 1, Period: 0.5, Type: trace.GpuContextOpenGL})
	db.BeginGpuZone(trace.GpuZoneBegin{Context: 1, CpuTime: 11, SrcLoc: locA, Thread: 1, QueryID: 1})
	db.BeginGpuZone(trace.GpuZoneBegin{Context: 1, CpuTime: 12, SrcLoc: locB, Thread: 1, QueryID: 2})
	db.EndGpuZone(1, 13, 1, 3)
	db.EndGpuZone(1, 14, 1, 4)
	db.SetGpuTime(1, 110, 1)
	db.SetGpuTime(1, 112, 2)
	db.SetGpuTime(1, 114, 3)

	db.SetCrash(2, 45, []byte("segfault"))
	return db
}

type snapshot struct {
	DB       *trace.Database
	Zones    []trace.Zone
	GpuZones []trace.GpuZone
	Memory   []trace.MemEvent
	Crash    trace.CrashEvent
	HasCrash bool
}

func takeSnapshot(db *trace.Database) snapshot {
	db.ComputeStatistics()
	s := snapshot{DB: db}
	for i := 0; i < db.Zones.Len(); i++ {
		s.Zones = append(s.Zones, db.Zones.Get(i))
	}
	for i := 0; i < db.GpuZones.Len(); i++ {
		s.GpuZones = append(s.GpuZones, db.GpuZones.Get(i))
	}
	for i := 0; i < db.Memory.Data.Len(); i++ {
		s.Memory = append(s.Memory, db.Memory.Data.Get(i))
	}
	s.Crash, s.HasCrash = db.Crash.Get()
	return s
}

var snapshotOptions = cmp.Options{
	cmpopts.IgnoreFields(trace.Database{}, "Zones", "GpuZones", "Crash"),
	cmpopts.IgnoreFields(trace.MemData{}, "Data"),
	cmpopts.IgnoreUnexported(trace.Database{}, trace.ThreadData{}, trace.LockMap{}, trace.GpuCtx{}),
	cmpopts.EquateEmpty(),
}

func requireEqualDatabases(t *testing.T, want, got *trace.Database) {
	t.Helper()
	if diff := cmp.Diff(takeSnapshot(want), takeSnapshot(got), snapshotOptions); diff != "" {
		t.Fatalf("database mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionSnappy, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			db := buildDatabase(t)
			var buf bytes.Buffer
			require.NoError(t, Save(&buf, db, c))

			hdr, err := ReadHeader(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			require.Equal(t, Header{Version: CurrentVersion, Compression: c}, hdr)

			loaded, err := Load(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			requireEqualDatabases(t, db, loaded)
			require.NoError(t, loaded.Validate())

			var again bytes.Buffer
			require.NoError(t, Save(&again, loaded, c))
			require.True(t, bytes.Equal(buf.Bytes(), again.Bytes()), "re-saving a loaded file changed its contents")
		})
	}
}

func TestLoadedDatabaseIsUsable(t *testing.T) {
	db := buildDatabase(t)
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, db, CompressionSnappy))
	loaded, err := Load(&buf)
	require.NoError(t, err)

	// The open zone on thread 2 can still be closed.
	require.Equal(t, 1, loaded.OpenZones())
	_, ok := loaded.EndZone(2, 60, 0)
	require.True(t, ok)
	require.Zero(t, loaded.OpenZones())

	// Interning tables were rebuilt.
	require.Equal(t, db.InternString([]byte("update")), loaded.InternString([]byte("update")))
	id, created := loaded.ShrinkSourceLocation(0xA)
	require.False(t, created)
	require.Equal(t, trace.SrcLocID(1), id)
	require.Equal(t, "resolved", loaded.SourceLocationName(id))

	lm := loaded.Lock(7)
	require.True(t, lm.Contended)
	require.Equal(t, "big lock", loaded.LockName(lm))
	require.Equal(t, uint8(0), lm.Timeline[len(lm.Timeline)-1].LockCount)

	pixels, err := loaded.FrameImagePixels(0)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{9, 8, 7, 6}, 16), pixels)
}

func TestEmptyDatabase(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, trace.New(), CompressionZstd))
	loaded, err := Load(&buf)
	require.NoError(t, err)
	require.NotNil(t, loaded.BaseFrames())
	require.Zero(t, loaded.Zones.Len())
}

func TestTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, buildDatabase(t), CompressionSnappy))
	data := buf.Bytes()

	for n := 0; n < len(data); n++ {
		_, err := Load(bytes.NewReader(data[:n]))
		switch {
		case n < len(magic):
			require.ErrorIs(t, err, ErrNotTraceFile, "cut at %d", n)
		default:
			require.ErrorIs(t, err, ErrTruncated, "cut at %d", n)
		}
	}
}

func TestTrailingData(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, buildDatabase(t), CompressionSnappy))
	buf.WriteByte(0)
	_, err := Load(&buf)
	require.ErrorIs(t, err, ErrCorrupt)
}

func corruptStringIndexes() []struct {
	name    string
	corrupt func(db *trace.Database)
} {
	const bad = trace.StringIdx(5000)
	return []struct {
		name    string
		corrupt func(db *trace.Database)
	}{
		{"zone name", func(db *trace.Database) { db.Zones.Ptr(0).Name = bad }},
		{"zone text", func(db *trace.Database) { db.Zones.Ptr(1).Text = bad }},
		{"thread name", func(db *trace.Database) { db.Threads[0].Name = bad }},
		{"lock name", func(db *trace.Database) { db.Locks[7].CustomName = bad }},
		{"message", func(db *trace.Database) { db.Messages[0].Text = bad }},
		{"crash", func(db *trace.Database) {
			crash, _ := db.Crash.Get()
			crash.Message = bad
			db.Crash = container.Some(crash)
		}},
		{"callstack frame", func(db *trace.Database) { db.CallstackFrames[0x1000].Frames[1].File = bad }},
		{"string pointer", func(db *trace.Database) { db.StringsByPtr[0x100] = bad }},
	}
}

func TestBadStringIndex(t *testing.T) {
	for _, tt := range corruptStringIndexes() {
		t.Run(tt.name, func(t *testing.T) {
			db := buildDatabase(t)
			tt.corrupt(db)
			var buf bytes.Buffer
			require.NoError(t, Save(&buf, db, CompressionSnappy))
			_, err := Load(&buf)
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestNotTraceFile(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("this is not a trace file at all")))
	require.ErrorIs(t, err, ErrNotTraceFile)
	_, err = Load(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrNotTraceFile)
}

func TestVersionErrors(t *testing.T) {
	tests := []struct {
		version Version
		tooNew  bool
	}{
		{Version{0, 1, 0}, false},
		{Version{0, 1, 9}, false},
		{Version{0, 5, 0}, true},
		{Version{1, 0, 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.version.String(), func(t *testing.T) {
			b := Header{Version: tt.version}.append(nil)
			_, err := Load(bytes.NewReader(b))
			var verr *VersionError
			require.True(t, errors.As(err, &verr), "got %v", err)
			require.Equal(t, tt.version, verr.Version)
			require.Equal(t, tt.tooNew, verr.TooNew)
		})
	}

	// Patch releases don't change the layout.
	l, err := layoutFor(Version{0, 3, 7})
	require.NoError(t, err)
	require.Equal(t, Version{0, 3, 0}, l.version)
}

func saveLayout(t *testing.T, db *trace.Database, v Version) []byte {
	t.Helper()
	l, err := layoutFor(v)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, save(&buf, db, l, CompressionSnappy))
	return buf.Bytes()
}

func TestOldVersions(t *testing.T) {
	db := buildDatabase(t)

	t.Run("0.2.0", func(t *testing.T) {
		loaded, err := Load(bytes.NewReader(saveLayout(t, db, Version{0, 2, 0})))
		require.NoError(t, err)

		// The base time is derived from the first frame.
		require.Equal(t, trace.Timestamp(10), loaded.BaseTime)
		for _, f := range loaded.BaseFrames().Frames {
			require.Equal(t, int32(-1), f.FrameImage)
		}
		require.Empty(t, loaded.FrameImages)
		require.Empty(t, loaded.ThreadByID(1).ContextSwitches)
		require.Empty(t, loaded.CPUs)
		require.Empty(t, loaded.GpuContexts)
		require.Zero(t, loaded.GpuZones.Len())
		_, crashed := loaded.Crash.Get()
		require.False(t, crashed)

		p, _ := loaded.Plot(0x300)
		require.Equal(t, trace.PlotFormatNumber, p.Format)
		require.True(t, p.Fill)
		require.False(t, p.Step)
		require.Equal(t, []trace.PlotItem{{Time: 10, Val: 1.5}, {Time: 20, Val: -3}}, p.Data)

		// Everything that the old format stores survives.
		require.Equal(t, db.Zones.Len(), loaded.Zones.Len())
		for i := 0; i < db.Zones.Len(); i++ {
			require.Equal(t, db.Zones.Get(i), loaded.Zones.Get(i))
		}
		require.Equal(t, db.Strings, loaded.Strings)
		require.True(t, loaded.Lock(7).Contended)
		require.NoError(t, loaded.Validate())
	})

	t.Run("0.3.0", func(t *testing.T) {
		loaded, err := Load(bytes.NewReader(saveLayout(t, db, Version{0, 3, 0})))
		require.NoError(t, err)
		require.Equal(t, db.BaseTime, loaded.BaseTime)
		require.Len(t, loaded.FrameImages, 1)
		require.Equal(t, db.ThreadByID(1).ContextSwitches, loaded.ThreadByID(1).ContextSwitches)
		require.Empty(t, loaded.GpuContexts)
		p, _ := loaded.Plot(0x300)
		require.Equal(t, trace.PlotFormatNumber, p.Format)
	})

	t.Run("upgrade", func(t *testing.T) {
		old, err := Load(bytes.NewReader(saveLayout(t, db, Version{0, 2, 0})))
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, Save(&buf, old, CompressionZstd))
		upgraded, err := Load(&buf)
		require.NoError(t, err)
		requireEqualDatabases(t, old, upgraded)
	})
}

func TestNarrowCallstackIDs(t *testing.T) {
	db := trace.New()
	for i := 0; i < 3; i++ {
		cs := db.InternCallstack([]trace.CallstackFrameID{trace.CallstackFrameID(i + 1)})
		db.BeginZone(trace.ZoneBegin{Thread: 1, Start: trace.Timestamp(i * 10), Callstack: cs})
		db.EndZone(1, trace.Timestamp(i*10+5), 0)
	}
	loaded, err := Load(bytes.NewReader(saveLayout(t, db, Version{0, 2, 0})))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.Equal(t, trace.CallstackID(i+1), loaded.Zones.Get(i).Callstack)
	}
}

func TestFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.trcap")
	db := buildDatabase(t)
	require.NoError(t, SaveFile(path, db, CompressionZstd))
	loaded, err := OpenFile(path)
	require.NoError(t, err)
	requireEqualDatabases(t, db, loaded)

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("ZSTD")
	require.NoError(t, err)
	require.Equal(t, CompressionZstd, c)
	c, err = ParseCompression("")
	require.NoError(t, err)
	require.Equal(t, CompressionSnappy, c)
	_, err = ParseCompression("gzip")
	require.Error(t, err)
}

func TestZigZag(t *testing.T) {
	for i := 0; i < 1e5; i++ {
		n := rand.Uint64()
		if ret := unzigzag(zigzag(n)); ret != n {
			t.Fatalf("%d: %d incorrectly roundtripped to %d", i, n, ret)
		}
	}
}

func TestDeltaZigZag(t *testing.T) {
	var raw []uint64
	for i := 0; i < 1e5; i++ {
		raw = append(raw, rand.Uint64()>>4)
	}
	// Timestamps of unset values.
	raw = append(raw, ^uint64(0), 0, ^uint64(0))
	encoded := make([]uint64, len(raw))
	copy(encoded, raw)
	deltaZigZagEncode(encoded)
	deltaZigZagDecode(encoded)
	for i := range raw {
		if raw[i] != encoded[i] {
			t.Fatalf("%d: %d incorrectly roundtripped to %d", i, raw[i], encoded[i])
		}
	}
}

func FuzzLoad(f *testing.F) {
	var buf bytes.Buffer
	Save(&buf, buildDatabase(f), CompressionSnappy)
	f.Add(buf.Bytes())
	buf.Reset()
	Save(&buf, trace.New(), CompressionZstd)
	f.Add(buf.Bytes())
	f.Add([]byte(magic))
	for _, tt := range corruptStringIndexes() {
		db := buildDatabase(f)
		tt.corrupt(db)
		buf.Reset()
		Save(&buf, db, CompressionSnappy)
		f.Add(buf.Bytes())
	}

	f.Fuzz(func(t *testing.T, b []byte) {
		db, err := Load(bytes.NewReader(b))
		if err != nil {
			return
		}
		for i := 0; i < db.Zones.Len(); i++ {
			db.ZoneName(db.Zones.Ptr(i))
		}
		for _, td := range db.Threads {
			db.ThreadName(td)
		}
		for _, lm := range db.Locks {
			db.LockName(lm)
		}
		// Whatever loads must save and load again.
		var out bytes.Buffer
		if err := Save(&out, db, CompressionSnappy); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(&out); err != nil {
			t.Fatalf("couldn't reload: %s", err)
		}
	})
}

func BenchmarkSave(b *testing.B) {
	db := benchDatabase()
	var buf bytes.Buffer
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := Save(&buf, db, CompressionSnappy); err != nil {
			b.Fatal(err)
		}
	}
	b.SetBytes(int64(buf.Len()))
}

func BenchmarkLoad(b *testing.B) {
	var buf bytes.Buffer
	if err := Save(&buf, benchDatabase(), CompressionSnappy); err != nil {
		b.Fatal(err)
	}
	data := buf.Bytes()
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Load(bytes.NewReader(data)); err != nil {
			b.Fatal(err)
		}
	}
}

func benchDatabase() *trace.Database {
	db := trace.New()
	loc, _ := db.ShrinkSourceLocation(0x1)
	var now trace.Timestamp
	for i := 0; i < 100_000; i++ {
		db.BeginZone(trace.ZoneBegin{Thread: uint64(i%4 + 1), Start: now, SrcLoc: loc})
		now += 7
		db.EndZone(uint64(i%4+1), now, 0)
		now += 3
	}
	return db
}
