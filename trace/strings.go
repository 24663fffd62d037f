package trace

import (
	"math"
)

// InternString returns the index of s, adding it to the string table if necessary. The bytes are copied
// into the database's slab.
func (db *Database) InternString(b []byte) StringIdx {
	if idx, ok := db.stringMap[string(b)]; ok {
		return idx
	}
	s := db.slab.String(b)
	idx := StringIdx(len(db.Strings))
	db.Strings = append(db.Strings, s)
	db.stringMap[s] = idx
	return idx
}

// AddStringPtr records the contents of the producer string at ptr and returns its index.
func (db *Database) AddStringPtr(ptr uint64, b []byte) StringIdx {
	idx := db.InternString(b)
	db.StringsByPtr[ptr] = idx
	return idx
}

// HasStringPtr reports whether the producer string at ptr has been resolved.
func (db *Database) HasStringPtr(ptr uint64) bool {
	_, ok := db.StringsByPtr[ptr]
	return ok
}

func (db *Database) String(idx StringIdx) string {
	if int(idx) >= len(db.Strings) {
		return "???"
	}
	return db.Strings[idx]
}

// StringRef returns the string ref refers to, or "???" if it hasn't been resolved yet.
func (db *Database) StringRef(ref StringRef) string {
	if !ref.Active {
		return ""
	}
	if ref.IsIdx {
		return db.String(StringIdx(ref.Value))
	}
	if idx, ok := db.StringsByPtr[ref.Value]; ok {
		return db.Strings[idx]
	}
	return "???"
}

// CompressThread maps an OS thread ID to a small integer, assigning the next free one to IDs seen for the
// first time.
func (db *Database) CompressThread(id uint64) uint16 {
	if idx, ok := db.threadMap[id]; ok {
		return idx
	}
	if len(db.ThreadExpand) > math.MaxUint16 {
		// Out of handles. Attribute the thread to the reserved handle instead of reusing a live one.
		db.Fail(Failure{Kind: FailureThreadOverflow, Thread: id, Time: db.LastTime})
		return 0
	}
	idx := uint16(len(db.ThreadExpand))
	db.ThreadExpand = append(db.ThreadExpand, id)
	db.threadMap[id] = idx
	return idx
}

func (db *Database) DecompressThread(idx uint16) uint64 {
	if int(idx) >= len(db.ThreadExpand) {
		return 0
	}
	return db.ThreadExpand[idx]
}

// ShrinkSourceLocation maps a producer source location pointer to a positive handle. The boolean reports
// whether the pointer was seen for the first time, in which case the caller has to resolve it.
func (db *Database) ShrinkSourceLocation(ptr uint64) (SrcLocID, bool) {
	if id, ok := db.sourceLocationShrink[ptr]; ok {
		return id, false
	}
	if len(db.SourceLocationExpand) > math.MaxInt16 {
		db.Fail(Failure{Kind: FailureSourceLocationOverflow, Time: db.LastTime})
		return 0, false
	}
	id := SrcLocID(len(db.SourceLocationExpand))
	db.SourceLocationExpand = append(db.SourceLocationExpand, ptr)
	db.sourceLocationShrink[ptr] = id
	return id, true
}

// AddSourceLocation stores the resolved contents of a static source location.
func (db *Database) AddSourceLocation(ptr uint64, sl SourceLocation) {
	db.SourceLocations[ptr] = sl
}

// HasSourceLocation reports whether the static source location at ptr has been resolved.
func (db *Database) HasSourceLocation(ptr uint64) bool {
	_, ok := db.SourceLocations[ptr]
	return ok
}

// InternSourceLocationPayload returns the negative handle of an ad hoc source location, deduplicated by
// content.
func (db *Database) InternSourceLocationPayload(sl SourceLocation) SrcLocID {
	if id, ok := db.sourceLocationByVal[sl]; ok {
		return id
	}
	if len(db.SourceLocationPayload) >= math.MaxInt16 {
		db.Fail(Failure{Kind: FailureSourceLocationOverflow, Time: db.LastTime})
		return 0
	}
	db.SourceLocationPayload = append(db.SourceLocationPayload, sl)
	id := -SrcLocID(len(db.SourceLocationPayload))
	db.sourceLocationByVal[sl] = id
	return id
}

// SourceLocation returns the source location with the given handle. Unresolved and unknown handles
// return the zero SourceLocation.
func (db *Database) SourceLocation(id SrcLocID) SourceLocation {
	switch {
	case id > 0:
		if int(id) >= len(db.SourceLocationExpand) {
			return SourceLocation{}
		}
		return db.SourceLocations[db.SourceLocationExpand[id]]
	case id < 0:
		idx := int(-id) - 1
		if idx >= len(db.SourceLocationPayload) {
			return SourceLocation{}
		}
		return db.SourceLocationPayload[idx]
	default:
		return SourceLocation{}
	}
}

// SourceLocationName returns the zone name of a source location, falling back to its function name.
func (db *Database) SourceLocationName(id SrcLocID) string {
	sl := db.SourceLocation(id)
	if sl.Name.Active {
		return db.StringRef(sl.Name)
	}
	return db.StringRef(sl.Function)
}
