package trace

import (
	"fmt"

	"honnef.co/go/tracecap/mem"
	"honnef.co/go/tracecap/slices"
)

// GpuZoneID is an index into Database.GpuZones.
type GpuZoneID int32

type GpuContextType uint8

const (
	GpuContextInvalid GpuContextType = iota
	GpuContextOpenGL
	GpuContextVulkan
	GpuContextOpenCL
	GpuContextDirect3D12
	GpuContextDirect3D11
)

func (typ GpuContextType) String() string {
	switch typ {
	case GpuContextOpenGL:
		return "OpenGL"
	case GpuContextVulkan:
		return "Vulkan"
	case GpuContextOpenCL:
		return "OpenCL"
	case GpuContextDirect3D12:
		return "Direct3D 12"
	case GpuContextDirect3D11:
		return "Direct3D 11"
	default:
		return "invalid"
	}
}

// GpuZone is a zone of GPU work. It has two time ranges: when the CPU submitted the work, and when the GPU
// executed it. GPU times are -1 until the producer reports them.
type GpuZone struct {
	CpuStart  Timestamp
	CpuEnd    Timestamp
	GpuStart  Timestamp
	GpuEnd    Timestamp
	SrcLoc    SrcLocID
	Callstack CallstackID
	Thread    uint16
	// Children is an index into Database.GpuChildVecs, or -1.
	Children ChildrenID
}

type GpuCtx struct {
	ID     uint8
	Thread uint64
	Type   GpuContextType
	Flags  uint8
	// Period is the length of a GPU tick in nanoseconds.
	Period float32
	// TimeDiff translates GPU ticks into the reference clock.
	TimeDiff Timestamp
	Timeline []GpuZoneID
	Count    uint64

	stack []GpuZoneID
	query map[uint16]GpuZoneID
}

func (ctx *GpuCtx) gpuTime(ticks int64) Timestamp {
	return ctx.TimeDiff + Timestamp(float64(ticks)*float64(ctx.Period))
}

func (ctx *GpuCtx) reindex() {
	ctx.query = map[uint16]GpuZoneID{}
}

// Depth returns the number of GPU zones that haven't ended yet.
func (ctx *GpuCtx) Depth() int { return len(ctx.stack) }

type GpuContextInfo struct {
	ID      uint8
	CpuTime Timestamp
	GpuTime int64
	Thread  uint64
	Period  float32
	Type    GpuContextType
	Flags   uint8
}

// NewGpuContext registers a GPU context and calibrates its clock against the reference clock.
func (db *Database) NewGpuContext(info GpuContextInfo) *GpuCtx {
	if info.Period <= 0 {
		info.Period = 1
	}
	ctx := &GpuCtx{
		ID:     info.ID,
		Thread: info.Thread,
		Type:   info.Type,
		Flags:  info.Flags,
		Period: info.Period,
		query:  map[uint16]GpuZoneID{},
	}
	ctx.TimeDiff = info.CpuTime - Timestamp(float64(info.GpuTime)*float64(info.Period))
	db.GpuContexts = mem.EnsureLen(db.GpuContexts, int(info.ID)+1)
	db.GpuContexts[info.ID] = ctx
	db.updateLastTime(info.CpuTime)
	return ctx
}

func (db *Database) gpuContext(id uint8, thread uint64, t Timestamp) (*GpuCtx, bool) {
	if int(id) < len(db.GpuContexts) && db.GpuContexts[id] != nil {
		return db.GpuContexts[id], true
	}
	db.Fail(Failure{Kind: FailureGpuContextUnknown, Thread: thread, Time: t, Detail: fmt.Sprintf("context %d", id)})
	return nil, false
}

type GpuZoneBegin struct {
	Context   uint8
	CpuTime   Timestamp
	SrcLoc    SrcLocID
	Callstack CallstackID
	Thread    uint64
	QueryID   uint16
}

// BeginGpuZone opens a GPU zone. The zone's GPU start time is filled in once the query with the given ID
// is answered.
func (db *Database) BeginGpuZone(ev GpuZoneBegin) (GpuZoneID, bool) {
	ctx, ok := db.gpuContext(ev.Context, ev.Thread, ev.CpuTime)
	if !ok {
		return 0, false
	}
	id := GpuZoneID(db.GpuZones.Len())
	db.GpuZones.Append(GpuZone{
		CpuStart:  ev.CpuTime,
		CpuEnd:    -1,
		GpuStart:  -1,
		GpuEnd:    -1,
		SrcLoc:    ev.SrcLoc,
		Callstack: ev.Callstack,
		Thread:    db.CompressThread(ev.Thread),
		Children:  NoChildren,
	})
	ctx.Count++

	if parentID, ok := slices.Last(ctx.stack); ok {
		parent := db.GpuZones.Ptr(int(parentID))
		if parent.Children < 0 {
			parent.Children = ChildrenID(len(db.GpuChildVecs))
			db.GpuChildVecs = append(db.GpuChildVecs, nil)
		}
		db.GpuChildVecs[parent.Children] = append(db.GpuChildVecs[parent.Children], id)
	} else {
		ctx.Timeline = append(ctx.Timeline, id)
	}
	ctx.stack = append(ctx.stack, id)
	ctx.query[ev.QueryID] = id
	db.updateLastTime(ev.CpuTime)
	return id, true
}

// EndGpuZone closes the innermost open GPU zone of a context.
func (db *Database) EndGpuZone(context uint8, cpuTime Timestamp, thread uint64, queryID uint16) (GpuZoneID, bool) {
	ctx, ok := db.gpuContext(context, thread, cpuTime)
	if !ok {
		return 0, false
	}
	id, stack, ok := slices.Pop(ctx.stack)
	if !ok {
		db.Fail(Failure{Kind: FailureGpuZoneStackUnderflow, Thread: thread, Time: cpuTime})
		return 0, false
	}
	ctx.stack = stack
	z := db.GpuZones.Ptr(int(id))
	z.CpuEnd = max(cpuTime, z.CpuStart)
	ctx.query[queryID] = id
	db.updateLastTime(cpuTime)
	return id, true
}

// SetGpuTime answers a GPU timestamp query. The first answer for a zone is its start, the second its end.
func (db *Database) SetGpuTime(context uint8, gpuTicks int64, queryID uint16) bool {
	ctx, ok := db.gpuContext(context, 0, db.LastTime)
	if !ok {
		return false
	}
	id, ok := ctx.query[queryID]
	if !ok {
		db.Fail(Failure{Kind: FailureGpuQueryUnknown, Time: db.LastTime, Detail: fmt.Sprintf("query %d", queryID)})
		return false
	}
	delete(ctx.query, queryID)
	t := ctx.gpuTime(gpuTicks)
	z := db.GpuZones.Ptr(int(id))
	if z.GpuStart < 0 {
		z.GpuStart = t
	} else {
		z.GpuEnd = max(t, z.GpuStart)
	}
	db.updateLastTime(t)
	return true
}

func (db *Database) GpuZone(id GpuZoneID) *GpuZone {
	return db.GpuZones.Ptr(int(id))
}

func (db *Database) GpuChildren(z *GpuZone) []GpuZoneID {
	if z.Children < 0 {
		return nil
	}
	return db.GpuChildVecs[z.Children]
}
