package trace

import (
	"sort"
)

// ThreadList returns all threads in the order they were first seen.
func (db *Database) ThreadList() []*ThreadData {
	return db.Threads
}

// ThreadByID returns the thread with the given OS thread ID, or nil.
func (db *Database) ThreadByID(id uint64) *ThreadData {
	return db.threadsByID[id]
}

// ThreadByIndex returns the thread with the given compressed ID, or nil.
func (db *Database) ThreadByIndex(idx uint16) *ThreadData {
	return db.threadsByID[db.DecompressThread(idx)]
}

// ZonesInRange returns the zones among ids that overlap [start, end]. ids has to be sorted by start time
// and must not contain overlapping zones, which is true for thread timelines and children vectors.
func (db *Database) ZonesInRange(ids []ZoneID, start, end Timestamp) []ZoneID {
	lo := sort.Search(len(ids), func(i int) bool { return db.ZoneEndTime(db.Zones.Ptr(int(ids[i]))) >= start })
	hi := sort.Search(len(ids), func(i int) bool { return db.Zones.Ptr(int(ids[i])).Start > end })
	if hi < lo {
		return nil
	}
	return ids[lo:hi]
}

// ZoneAt returns the innermost zone of a thread that contains t.
func (db *Database) ZoneAt(td *ThreadData, t Timestamp) (ZoneID, bool) {
	var found ZoneID
	ok := false
	ids := td.Timeline
	for {
		in := db.ZonesInRange(ids, t, t)
		if len(in) == 0 {
			return found, ok
		}
		found, ok = in[0], true
		ids = db.Children(db.Zones.Ptr(int(found)))
	}
}

// MessagesInRange returns the indices of the messages in [start, end]. Messages are stored in arrival
// order, which matches time order for all producers we know of.
func (db *Database) MessagesInRange(start, end Timestamp) (lo, hi int) {
	lo = sort.Search(len(db.Messages), func(i int) bool { return db.Messages[i].Time >= start })
	hi = sort.Search(len(db.Messages), func(i int) bool { return db.Messages[i].Time > end })
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Summary counts the contents of a database.
type Summary struct {
	Threads         int
	Zones           int
	SourceLocations int
	Strings         int
	Callstacks      int
	Locks           int
	ContendedLocks  int
	MemoryEvents    int
	Plots           int
	Frames          int
	FrameImages     int
	Messages        int
	GpuContexts     int
	GpuZones        int
	ContextSwitches int
	Duration        Timestamp
}

func (db *Database) Summary() Summary {
	s := Summary{
		Threads:         len(db.Threads),
		Zones:           db.Zones.Len(),
		SourceLocations: len(db.SourceLocationExpand) - 1 + len(db.SourceLocationPayload),
		Strings:         len(db.Strings) - 1,
		Callstacks:      len(db.Callstacks) - 1,
		Locks:           len(db.Locks),
		MemoryEvents:    db.Memory.Data.Len(),
		Plots:           len(db.Plots),
		FrameImages:     len(db.FrameImages),
		Messages:        len(db.Messages),
		GpuZones:        db.GpuZones.Len(),
		Duration:        db.LastTime - db.BaseTime,
	}
	for _, lm := range db.Locks {
		if lm.Contended {
			s.ContendedLocks++
		}
	}
	if base := db.BaseFrames(); base != nil {
		s.Frames = len(base.Frames)
	}
	for _, ctx := range db.GpuContexts {
		if ctx != nil {
			s.GpuContexts++
		}
	}
	for _, cpu := range db.CPUs {
		s.ContextSwitches += len(cpu)
	}
	return s
}
