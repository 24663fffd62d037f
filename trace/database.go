// Package trace implements the in-memory trace database built by the worker: per-thread zone timelines,
// lock timelines, memory events, plots, frames, GPU contexts and the interning tables that everything
// refers to by small integer handles.
//
// A Database isn't safe for concurrent use. The worker guards it with a single reader/writer lock.
package trace

import (
	"honnef.co/go/tracecap/container"
	"honnef.co/go/tracecap/mem"
)

type Database struct {
	Info CaptureInfo
	// BaseTime is the time at which the producer finished initializing. The first base frame starts here.
	BaseTime Timestamp
	// LastTime is the latest timestamp seen so far. It is used as the inferred end of zones that never
	// closed.
	LastTime Timestamp

	// Interning tables. All of them are append-only.
	Strings      []string
	StringsByPtr map[uint64]StringIdx
	// ThreadExpand maps compressed thread IDs to OS thread IDs. Index 0 is reserved.
	ThreadExpand []uint64
	// SourceLocationExpand maps positive source location handles to producer pointers. Index 0 is
	// reserved.
	SourceLocationExpand  []uint64
	SourceLocations       map[uint64]SourceLocation
	SourceLocationPayload []SourceLocation
	// Callstacks maps callstack IDs to frames. Index 0 is the empty callstack.
	Callstacks      [][]CallstackFrameID
	CallstackFrames map[CallstackFrameID]*CallstackFrameData

	Threads   []*ThreadData
	Zones     mem.LargeBucketSlice[Zone]
	ChildVecs [][]ZoneID
	ZoneStats map[SrcLocID]*ZoneStatistics

	Locks       map[uint32]*LockMap
	Memory      MemData
	Plots       []*PlotData
	Frames      []*FrameData
	FrameImages []*FrameImage
	Messages    []Message
	Crash       container.Option[CrashEvent]

	GpuContexts  []*GpuCtx
	GpuZones     mem.LargeBucketSlice[GpuZone]
	GpuChildVecs [][]GpuZoneID

	CPUs [][]ContextSwitchCPU

	// Options
	OnlineStatistics bool
	// FailureHook, if set, is called for every recorded failure, not just the first.
	FailureHook func(Failure)

	stringMap            map[string]StringIdx
	threadMap            map[uint64]uint16
	threadsByID          map[uint64]*ThreadData
	sourceLocationShrink map[uint64]SrcLocID
	sourceLocationByVal  map[SourceLocation]SrcLocID
	callstackMap         map[uint64][]CallstackID
	callstackData        []CallstackFrameID
	plotsByName          map[uint64]*PlotData
	framesByName         map[uint64]*FrameData
	slab                 mem.Slab
	images               *imageCache

	statisticsReady bool
	failure         container.Option[Failure]
	failureCount    int
}

// New returns an empty database.
func New() *Database {
	db := Empty()
	// The unnamed, continuous frame set always exists.
	db.frameSet(0, true)
	return db
}

// Empty returns a database without the default frame set. It is used by the file codec, which restores
// all frame sets itself.
func Empty() *Database {
	db := &Database{
		Strings:              []string{""},
		StringsByPtr:         map[uint64]StringIdx{},
		ThreadExpand:         []uint64{0},
		SourceLocationExpand: []uint64{0},
		SourceLocations:      map[uint64]SourceLocation{},
		Callstacks:           [][]CallstackFrameID{nil},
		CallstackFrames:      map[CallstackFrameID]*CallstackFrameData{},
		ZoneStats:            map[SrcLocID]*ZoneStatistics{},
		Locks:                map[uint32]*LockMap{},
		Memory:               newMemData(),
		OnlineStatistics:     true,
	}
	db.Reindex()
	return db
}

// Reindex rebuilds all lookup maps from the exported tables. It must be called after the exported tables
// have been populated directly, as the file codec does.
func (db *Database) Reindex() {
	db.stringMap = make(map[string]StringIdx, len(db.Strings))
	for i, s := range db.Strings {
		if _, ok := db.stringMap[s]; !ok {
			db.stringMap[s] = StringIdx(i)
		}
	}

	db.threadMap = make(map[uint64]uint16, len(db.ThreadExpand))
	for i, id := range db.ThreadExpand[1:] {
		db.threadMap[id] = uint16(i + 1)
	}
	db.threadsByID = make(map[uint64]*ThreadData, len(db.Threads))
	for _, td := range db.Threads {
		db.threadsByID[td.ID] = td
		if td.stack == nil {
			db.RestoreStack(td)
		}
	}

	db.sourceLocationShrink = make(map[uint64]SrcLocID, len(db.SourceLocationExpand))
	for i, ptr := range db.SourceLocationExpand[1:] {
		db.sourceLocationShrink[ptr] = SrcLocID(i + 1)
	}
	db.sourceLocationByVal = make(map[SourceLocation]SrcLocID, len(db.SourceLocationPayload))
	for i, sl := range db.SourceLocationPayload {
		db.sourceLocationByVal[sl] = -SrcLocID(i + 1)
	}

	db.callstackMap = make(map[uint64][]CallstackID, len(db.Callstacks))
	for i, cs := range db.Callstacks[1:] {
		h := hashCallstack(cs)
		db.callstackMap[h] = append(db.callstackMap[h], CallstackID(i+1))
	}

	db.plotsByName = make(map[uint64]*PlotData, len(db.Plots))
	for _, p := range db.Plots {
		if p.Type == PlotTypeUser {
			db.plotsByName[p.NamePtr] = p
		}
	}
	db.framesByName = make(map[uint64]*FrameData, len(db.Frames))
	for _, fd := range db.Frames {
		db.framesByName[fd.NamePtr] = fd
	}

	for _, lm := range db.Locks {
		lm.reindex()
	}
	for _, ctx := range db.GpuContexts {
		if ctx != nil && ctx.query == nil {
			ctx.reindex()
		}
	}

	if db.images == nil {
		db.images = newImageCache(defaultImageCacheSize)
	}
}

// SetImageCacheSize sets the number of decompressed frame images kept in memory.
func (db *Database) SetImageCacheSize(n int) {
	db.images = newImageCache(n)
}

func (db *Database) updateLastTime(t Timestamp) {
	if t > db.LastTime {
		db.LastTime = t
	}
}

// Thread returns the data of the thread with the given OS ID, creating it if necessary. The boolean
// reports whether the thread was created by this call.
func (db *Database) Thread(id uint64) (*ThreadData, bool) {
	if td, ok := db.threadsByID[id]; ok {
		return td, false
	}
	td := NewThreadData(id, db.CompressThread(id))
	db.Threads = append(db.Threads, td)
	db.threadsByID[id] = td
	return td, true
}

// StatisticsReady reports whether aggregate statistics have been computed. While it returns false,
// statistics queries return placeholder values.
func (db *Database) StatisticsReady() bool { return db.statisticsReady }

func (db *Database) SetStatisticsReady() { db.statisticsReady = true }

// ArenaUsage returns the number of bytes and blocks used by the string and blob slab.
func (db *Database) ArenaUsage() (bytes int, blocks int) {
	return db.slab.Used(), db.slab.Blocks()
}
