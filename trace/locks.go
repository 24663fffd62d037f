package trace

import (
	"fmt"
	"sort"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// MaxLockThreads is the number of distinct threads a single lock can track. Lock state stores per-thread
// flags in 64-bit masks.
const MaxLockThreads = 64

type LockType uint8

const (
	LockTypeLockable LockType = iota
	LockTypeSharedLockable
)

func (typ LockType) String() string {
	switch typ {
	case LockTypeLockable:
		return "lockable"
	case LockTypeSharedLockable:
		return "shared lockable"
	default:
		return fmt.Sprintf("LockType(%d)", typ)
	}
}

type LockEventType uint8

const (
	LockEventWait LockEventType = iota
	LockEventObtain
	LockEventRelease
	LockEventWaitShared
	LockEventObtainShared
	LockEventReleaseShared
)

// LockEvent is one entry of a lock's timeline. The state fields (LockingThread onwards) describe the lock
// after the event has been applied and are derived from the previous entry.
type LockEvent struct {
	Time   Timestamp
	SrcLoc SrcLocID
	// Thread is the index into LockMap.Threads.
	Thread uint8
	Type   LockEventType

	LockingThread uint8
	LockCount     uint8
	WaitList      uint64
	SharedList    uint64
	WaitShared    uint64
}

type LockMap struct {
	ID         uint32
	SrcLoc     SrcLocID
	CustomName StringIdx
	Type       LockType
	// Valid is false for locks that were used without having been announced.
	Valid         bool
	TimeAnnounce  Timestamp
	TimeTerminate Timestamp
	// Threads maps per-lock thread indices to OS thread IDs.
	Threads  []uint64
	Timeline []LockEvent
	// Contended is set the first time a thread waits while another holds the lock. It never gets unset.
	Contended bool

	threadMap map[uint64]uint8
}

func newLockMap(id uint32) *LockMap {
	return &LockMap{
		ID:        id,
		threadMap: map[uint64]uint8{},
	}
}

// threadIndex returns the per-lock index of a thread, assigning a new one if necessary.
func (lm *LockMap) threadIndex(thread uint64) (uint8, bool) {
	if idx, ok := lm.threadMap[thread]; ok {
		return idx, true
	}
	if len(lm.Threads) >= MaxLockThreads {
		return 0, false
	}
	idx := uint8(len(lm.Threads))
	lm.Threads = append(lm.Threads, thread)
	lm.threadMap[thread] = idx
	return idx, true
}

func (lm *LockMap) reindex() {
	lm.threadMap = make(map[uint64]uint8, len(lm.Threads))
	for i, tid := range lm.Threads {
		lm.threadMap[tid] = uint8(i)
	}
}

// releaseFails reports whether ev releases a lock that its thread doesn't hold, given the state after prev.
func releaseFails(prev *LockEvent, ev *LockEvent) bool {
	switch ev.Type {
	case LockEventRelease:
		return prev == nil || prev.LockCount == 0 || prev.LockingThread != ev.Thread
	case LockEventReleaseShared:
		return prev == nil || prev.SharedList&(uint64(1)<<ev.Thread) == 0
	default:
		return false
	}
}

// applyLockEvent computes the state after ev from the state after prev. It reports false if ev released
// a lock that its thread didn't hold; such a release doesn't change the lock count.
func applyLockEvent(prev *LockEvent, ev *LockEvent) bool {
	ok := !releaseFails(prev, ev)
	if prev != nil {
		ev.LockingThread = prev.LockingThread
		ev.LockCount = prev.LockCount
		ev.WaitList = prev.WaitList
		ev.SharedList = prev.SharedList
		ev.WaitShared = prev.WaitShared
	} else {
		ev.LockingThread = 0
		ev.LockCount = 0
		ev.WaitList = 0
		ev.SharedList = 0
		ev.WaitShared = 0
	}

	bit := uint64(1) << ev.Thread
	switch ev.Type {
	case LockEventWait:
		ev.WaitList |= bit
	case LockEventObtain:
		ev.WaitList &^= bit
		ev.LockingThread = ev.Thread
		if ev.LockCount < 255 {
			ev.LockCount++
		}
	case LockEventRelease:
		if ok {
			ev.LockCount--
		}
	case LockEventWaitShared:
		ev.WaitShared |= bit
	case LockEventObtainShared:
		ev.WaitShared &^= bit
		ev.SharedList |= bit
	case LockEventReleaseShared:
		ev.SharedList &^= bit
	}
	return ok
}

func (ev *LockEvent) contended() bool {
	return (ev.LockCount > 0 && (ev.WaitList|ev.WaitShared) != 0) || (ev.SharedList != 0 && ev.WaitList != 0)
}

// rebuild recomputes the state of all events starting at index from.
func (lm *LockMap) rebuild(from int) {
	for i := from; i < len(lm.Timeline); i++ {
		ev := &lm.Timeline[i]
		applyLockEvent(lm.prev(i), ev)
		if ev.contended() {
			lm.Contended = true
		}
	}
}

// Rescan recomputes all lock states and the contention flag from scratch. The contention flag stays set if
// it was set before.
func (lm *LockMap) Rescan() {
	lm.rebuild(0)
}

func (db *Database) lockMap(id uint32) *LockMap {
	lm, ok := db.Locks[id]
	if !ok {
		lm = newLockMap(id)
		db.Locks[id] = lm
	}
	return lm
}

// AnnounceLock registers a lock. Locks used before they were announced are created implicitly and stay
// invalid.
func (db *Database) AnnounceLock(id uint32, t Timestamp, srcloc SrcLocID, typ LockType) {
	lm := db.lockMap(id)
	lm.SrcLoc = srcloc
	lm.Type = typ
	lm.Valid = true
	lm.TimeAnnounce = t
	db.updateLastTime(t)
}

func (db *Database) TerminateLock(id uint32, t Timestamp) {
	lm, ok := db.Locks[id]
	if !ok {
		db.Fail(Failure{Kind: FailureLockUnknown, Time: t, Detail: fmt.Sprintf("lock %d", id)})
		return
	}
	lm.TimeTerminate = t
	db.updateLastTime(t)
}

func (db *Database) SetLockName(id uint32, name []byte) {
	db.lockMap(id).CustomName = db.InternString(name)
}

// AddLockEvent inserts an event into a lock's timeline, keeping the timeline sorted by time. It returns the
// number of events whose state had to be recomputed, which is 1 for events that arrive in order.
func (db *Database) AddLockEvent(id uint32, thread uint64, t Timestamp, typ LockEventType) int {
	lm := db.lockMap(id)
	tidx, ok := lm.threadIndex(thread)
	if !ok {
		db.Fail(Failure{
			Kind:   FailureLockTooManyThreads,
			Thread: thread,
			SrcLoc: lm.SrcLoc,
			Time:   t,
			Detail: fmt.Sprintf("lock %d", id),
		})
		return 0
	}
	db.updateLastTime(t)

	ev := LockEvent{Time: t, Thread: tidx, Type: typ}
	n := len(lm.Timeline)
	if n == 0 || lm.Timeline[n-1].Time <= t {
		var prev *LockEvent
		if n > 0 {
			prev = &lm.Timeline[n-1]
		}
		if !applyLockEvent(prev, &ev) {
			db.failLockRelease(lm, thread, t)
		}
		if ev.contended() {
			lm.Contended = true
		}
		lm.Timeline = append(lm.Timeline, ev)
		return 1
	}

	// The event belongs before the current tail. Insert it after all events with the same or earlier time
	// and recompute everything from there. Releases that only became invalid because of the insertion are
	// reported, ones that were already invalid aren't reported again.
	idx := sort.Search(n, func(i int) bool { return lm.Timeline[i].Time > t })
	failedBefore := make([]bool, n-idx)
	for i := idx; i < n; i++ {
		failedBefore[i-idx] = releaseFails(lm.prev(i), &lm.Timeline[i])
	}
	lm.Timeline = slices.Insert(lm.Timeline, idx, ev)
	lm.rebuild(idx)
	for i := idx; i < len(lm.Timeline); i++ {
		e := &lm.Timeline[i]
		if !releaseFails(lm.prev(i), e) {
			continue
		}
		if i == idx || !failedBefore[i-1-idx] {
			db.failLockRelease(lm, lm.Threads[e.Thread], e.Time)
		}
	}
	return len(lm.Timeline) - idx
}

func (lm *LockMap) prev(i int) *LockEvent {
	if i == 0 {
		return nil
	}
	return &lm.Timeline[i-1]
}

func (db *Database) failLockRelease(lm *LockMap, thread uint64, t Timestamp) {
	db.Fail(Failure{
		Kind:   FailureLockReleaseWithoutObtain,
		Thread: thread,
		SrcLoc: lm.SrcLoc,
		Time:   t,
		Detail: fmt.Sprintf("lock %d", lm.ID),
	})
}

// MarkLock attributes the thread's most recent event on the lock to a source location.
func (db *Database) MarkLock(id uint32, thread uint64, srcloc SrcLocID) {
	lm, ok := db.Locks[id]
	if !ok {
		db.Fail(Failure{Kind: FailureLockUnknown, Thread: thread, Time: db.LastTime, Detail: fmt.Sprintf("lock %d", id)})
		return
	}
	tidx, ok := lm.threadMap[thread]
	if !ok {
		return
	}
	for i := len(lm.Timeline) - 1; i >= 0; i-- {
		if lm.Timeline[i].Thread == tidx {
			lm.Timeline[i].SrcLoc = srcloc
			return
		}
	}
}

// Lock returns the lock with the given ID, or nil.
func (db *Database) Lock(id uint32) *LockMap {
	return db.Locks[id]
}

// LockList returns all locks, sorted by ID.
func (db *Database) LockList() []*LockMap {
	ids := maps.Keys(db.Locks)
	slices.Sort(ids)
	out := make([]*LockMap, len(ids))
	for i, id := range ids {
		out[i] = db.Locks[id]
	}
	return out
}

// UpdateLockContention rescans every lock timeline and updates the contention flags.
func (db *Database) UpdateLockContention() {
	for _, lm := range db.Locks {
		lm.Rescan()
	}
}

// LockName returns the display name of a lock.
func (db *Database) LockName(lm *LockMap) string {
	if lm.CustomName != 0 {
		return db.Strings[lm.CustomName]
	}
	if lm.SrcLoc != 0 {
		return db.SourceLocationName(lm.SrcLoc)
	}
	return fmt.Sprintf("lock %d", lm.ID)
}
