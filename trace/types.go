package trace

// Timestamp is a point in time, in nanoseconds since the producer's initialization started. All producer
// clocks are translated into this single reference clock when events are ingested.
type Timestamp int64

// StringIdx is an index into Database.Strings. Index 0 is the empty string and doubles as "no string".
type StringIdx uint32

// StringRef refers to a string that may not have been resolved yet. Until the producer answers our query
// for it, Value holds the producer's pointer; afterwards the reference is looked up through
// Database.StringsByPtr. References created from payloads refer to Database.Strings directly.
type StringRef struct {
	Value  uint64
	Active bool
	IsIdx  bool
}

func PtrRef(ptr uint64) StringRef {
	if ptr == 0 {
		return StringRef{}
	}
	return StringRef{Value: ptr, Active: true}
}

func IdxRef(idx StringIdx) StringRef {
	return StringRef{Value: uint64(idx), Active: true, IsIdx: true}
}

// SrcLocID is a source location handle. Positive values index Database.SourceLocationExpand (static
// locations, identified by the producer's pointer), negative values index Database.SourceLocationPayload
// (ad hoc locations transferred by value). Zero is "unknown".
type SrcLocID int16

type SourceLocation struct {
	Name     StringRef
	Function StringRef
	File     StringRef
	Line     uint32
	Color    uint32
}

// ZoneID is an index into Database.Zones.
type ZoneID int32

// ChildrenID is an index into Database.ChildVecs. -1 means the zone has no children.
type ChildrenID int32

const NoChildren ChildrenID = -1

// Zone is a timed interval of work on one thread. Zones don't point at each other. Instead, a zone's
// children are stored in a shared table of children vectors, which keeps the call tree free of pointers
// and stable while it grows.
type Zone struct {
	Start Timestamp
	// End is -1 while the zone is open.
	End       Timestamp
	Text      StringIdx
	Name      StringIdx
	Callstack CallstackID
	Color     uint32
	Children  ChildrenID
	SrcLoc    SrcLocID
	Thread    uint16
}

func (z *Zone) IsEndValid() bool { return z.End >= 0 }

// Duration returns the zone's duration, or 0 if the zone is still open.
func (z *Zone) Duration() Timestamp {
	if z.End < 0 {
		return 0
	}
	return z.End - z.Start
}

// ZoneRef identifies a zone together with the thread it ran on.
type ZoneRef struct {
	Zone   ZoneID
	Thread uint16
}

type ThreadData struct {
	ID uint64
	// Index is the thread's compressed ID.
	Index    uint16
	Name     StringIdx
	Timeline []ZoneID
	Messages []int
	Count    uint64

	ContextSwitches []ContextSwitchData

	// Ingestion state. stack holds the currently open zones and is discarded once all zones are closed.
	stack         []ZoneID
	validation    []uint32
	pendingWakeup Timestamp
}

func NewThreadData(id uint64, idx uint16) *ThreadData {
	return &ThreadData{ID: id, Index: idx, pendingWakeup: -1}
}

// Depth returns the number of currently open zones.
func (td *ThreadData) Depth() int { return len(td.stack) }

type Message struct {
	Time   Timestamp
	Text   StringIdx
	Color  uint32
	Thread uint16
}

type CrashEvent struct {
	Time    Timestamp
	Message StringIdx
	Thread  uint16
}

type ContextSwitchData struct {
	WakeupTime Timestamp
	Start      Timestamp
	End        Timestamp
	CPU        uint8
	Reason     int8
	State      int8
}

type ContextSwitchCPU struct {
	Start  Timestamp
	End    Timestamp
	Thread uint16
}

// CaptureInfo describes the traced program, as reported by the producer's welcome message.
type CaptureInfo struct {
	ProgramName     string
	HostInfo        string
	CPUManufacturer string
	Pid             uint64
	Epoch           uint64
	ExecTime        uint64
	Resolution      Timestamp
	Delay           Timestamp
	SamplingPeriod  Timestamp
	TimerMul        float64
	CPUID           uint32
	CPUArch         uint8
	OnDemand        bool
}
