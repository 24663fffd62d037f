package trace

import (
	"fmt"

	"honnef.co/go/tracecap/slices"
)

// Zone returns a pointer to the zone with the given ID. Callers must not modify the zone.
func (db *Database) Zone(id ZoneID) *Zone {
	return db.Zones.Ptr(int(id))
}

// Children returns the children of z, ordered by start time.
func (db *Database) Children(z *Zone) []ZoneID {
	if z.Children < 0 {
		return nil
	}
	return db.ChildVecs[z.Children]
}

// ZoneEndTime returns the zone's end time. Zones that never ended, for example because the capture was
// cut short, are assumed to last until the last known timestamp.
func (db *Database) ZoneEndTime(z *Zone) Timestamp {
	if z.End >= 0 {
		return z.End
	}
	return max(db.LastTime, z.Start)
}

type ZoneBegin struct {
	Thread    uint64
	Start     Timestamp
	SrcLoc    SrcLocID
	Callstack CallstackID
	// Validation is the producer-assigned ID of the zone, or 0. If set, the matching ZoneEnd has to carry
	// the same ID.
	Validation uint32
}

// BeginZone opens a zone on a thread. If the thread has no open zone the new zone becomes a top-level
// entry of the thread's timeline, otherwise it becomes the last child of the innermost open zone.
func (db *Database) BeginZone(ev ZoneBegin) ZoneID {
	td, _ := db.Thread(ev.Thread)
	id := ZoneID(db.Zones.Len())
	db.Zones.Append(Zone{
		Start:     ev.Start,
		End:       -1,
		SrcLoc:    ev.SrcLoc,
		Callstack: ev.Callstack,
		Children:  NoChildren,
		Thread:    td.Index,
	})
	td.Count++

	if parentID, ok := slices.Last(td.stack); ok {
		parent := db.Zones.Ptr(int(parentID))
		if parent.Children < 0 {
			parent.Children = ChildrenID(len(db.ChildVecs))
			db.ChildVecs = append(db.ChildVecs, make([]ZoneID, 0, 4))
		}
		db.ChildVecs[parent.Children] = append(db.ChildVecs[parent.Children], id)
	} else {
		td.Timeline = append(td.Timeline, id)
	}
	td.stack = append(td.stack, id)
	td.validation = append(td.validation, ev.Validation)
	db.updateLastTime(ev.Start)
	return id
}

// EndZone closes the innermost open zone of a thread. validation is the ID the producer expects to close,
// or 0 if it didn't send one.
func (db *Database) EndZone(thread uint64, end Timestamp, validation uint32) (ZoneID, bool) {
	td := db.threadsByID[thread]
	if td == nil || len(td.stack) == 0 {
		db.Fail(Failure{Kind: FailureZoneStackUnderflow, Thread: thread, Time: end})
		return 0, false
	}

	var id ZoneID
	var vid uint32
	id, td.stack, _ = slices.Pop(td.stack)
	vid, td.validation, _ = slices.Pop(td.validation)
	z := db.Zones.Ptr(int(id))
	if validation != 0 && vid != 0 && validation != vid {
		db.Fail(Failure{
			Kind:   FailureZoneStackMismatch,
			Thread: thread,
			SrcLoc: z.SrcLoc,
			Time:   end,
			Detail: fmt.Sprintf("expected zone %d, got %d", vid, validation),
		})
	}

	if end < z.Start {
		end = z.Start
	}
	z.End = end
	db.updateLastTime(end)

	if len(td.stack) == 0 {
		// Nothing is open anymore, release the stacks.
		td.stack = nil
		td.validation = nil
	}

	if db.OnlineStatistics {
		db.foldZone(db.ZoneStats, ZoneRef{Zone: id, Thread: td.Index}, z, true)
	}
	return id, true
}

// selfTime returns the zone's duration minus the durations of its direct children.
func (db *Database) selfTime(z *Zone) Timestamp {
	self := z.End - z.Start
	for _, cid := range db.Children(z) {
		c := db.Zones.Ptr(int(cid))
		if c.End >= 0 {
			self -= c.End - c.Start
		}
	}
	return self
}

// topZone returns the innermost open zone of a thread.
func (db *Database) topZone(thread uint64) (*Zone, bool) {
	td := db.threadsByID[thread]
	if td == nil {
		return nil, false
	}
	id, ok := slices.Last(td.stack)
	if !ok {
		return nil, false
	}
	return db.Zones.Ptr(int(id)), true
}

// SetZoneText sets or extends the text of the innermost open zone.
func (db *Database) SetZoneText(thread uint64, text []byte) bool {
	z, ok := db.topZone(thread)
	if !ok {
		db.Fail(Failure{Kind: FailureZoneTextWithoutZone, Thread: thread, Time: db.LastTime})
		return false
	}
	if z.Text != 0 {
		joined := make([]byte, 0, len(db.Strings[z.Text])+1+len(text))
		joined = append(joined, db.Strings[z.Text]...)
		joined = append(joined, '\n')
		joined = append(joined, text...)
		text = joined
	}
	z.Text = db.InternString(text)
	return true
}

// SetZoneName overrides the name of the innermost open zone.
func (db *Database) SetZoneName(thread uint64, name []byte) bool {
	z, ok := db.topZone(thread)
	if !ok {
		db.Fail(Failure{Kind: FailureZoneTextWithoutZone, Thread: thread, Time: db.LastTime})
		return false
	}
	z.Name = db.InternString(name)
	return true
}

func (db *Database) SetZoneColor(thread uint64, color uint32) bool {
	z, ok := db.topZone(thread)
	if !ok {
		db.Fail(Failure{Kind: FailureZoneTextWithoutZone, Thread: thread, Time: db.LastTime})
		return false
	}
	z.Color = color
	return true
}

// SetZoneValue appends a numeric value to the text of the innermost open zone.
func (db *Database) SetZoneValue(thread uint64, value uint64) bool {
	return db.SetZoneText(thread, fmt.Appendf(nil, "%d [0x%x]", value, value))
}

// ZoneName returns the name of a zone, which is either its override or the name of its source location.
func (db *Database) ZoneName(z *Zone) string {
	if z.Name != 0 {
		return db.Strings[z.Name]
	}
	return db.SourceLocationName(z.SrcLoc)
}

// OpenZones returns the number of zones that haven't ended yet, across all threads.
func (db *Database) OpenZones() int {
	n := 0
	for _, td := range db.Threads {
		n += len(td.stack)
	}
	return n
}

// RestoreStack rebuilds the open-zone stack of a thread from its timeline. It is used after loading a
// capture whose zones didn't all end.
func (db *Database) RestoreStack(td *ThreadData) {
	td.stack = td.stack[:0]
	td.validation = td.validation[:0]
	timeline := td.Timeline
	for len(timeline) > 0 {
		id := timeline[len(timeline)-1]
		z := db.Zones.Ptr(int(id))
		if z.End >= 0 {
			break
		}
		td.stack = append(td.stack, id)
		td.validation = append(td.validation, 0)
		timeline = db.Children(z)
	}
	if len(td.stack) == 0 {
		td.stack = nil
		td.validation = nil
	}
}
