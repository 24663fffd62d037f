package trace

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"

	"honnef.co/go/tracecap/mem"
)

// MemEvent is a single allocation, from allocation to free.
type MemEvent struct {
	Ptr       uint64
	Size      uint64
	TimeAlloc Timestamp
	// TimeFree is -1 while the allocation is live.
	TimeFree    Timestamp
	ThreadAlloc uint16
	ThreadFree  uint16
	CsAlloc     CallstackID
	CsFree      CallstackID
}

type MemData struct {
	Data mem.LargeBucketSlice[MemEvent]
	// Active maps the addresses of live allocations to indices into Data.
	Active map[uint64]int
	// Frees lists the indices of freed allocations in the order they were freed.
	Frees []int
	// Usage is the number of bytes currently allocated.
	Usage uint64
	// Peak is the largest value Usage has had.
	Peak uint64
	// Low and High are the lowest and highest addresses ever allocated.
	Low  uint64
	High uint64
	// Plot is the derived memory usage plot. It is rebuilt by ReconstructMemoryPlot.
	Plot *PlotData
}

func newMemData() MemData {
	return MemData{
		Active: map[uint64]int{},
		Low:    math.MaxUint64,
	}
}

// AllocMemory records an allocation. It returns the index of the new event.
func (db *Database) AllocMemory(ptr, size uint64, t Timestamp, thread uint64, cs CallstackID) (int, bool) {
	md := &db.Memory
	db.updateLastTime(t)
	if _, ok := md.Active[ptr]; ok {
		db.Fail(Failure{
			Kind:   FailureMemAllocTwice,
			Thread: thread,
			Time:   t,
			Detail: fmt.Sprintf("address 0x%x", ptr),
		})
		return 0, false
	}
	idx := md.Data.Len()
	md.Data.Append(MemEvent{
		Ptr:         ptr,
		Size:        size,
		TimeAlloc:   t,
		TimeFree:    -1,
		ThreadAlloc: db.CompressThread(thread),
		CsAlloc:     cs,
	})
	md.Active[ptr] = idx
	md.Low = min(md.Low, ptr)
	md.High = max(md.High, ptr+size)
	md.Usage += size
	md.Peak = max(md.Peak, md.Usage)
	return idx, true
}

// FreeMemory records the release of the allocation at ptr. Freeing address 0 is a no-op.
func (db *Database) FreeMemory(ptr uint64, t Timestamp, thread uint64, cs CallstackID) (int, bool) {
	md := &db.Memory
	db.updateLastTime(t)
	if ptr == 0 {
		return 0, false
	}
	idx, ok := md.Active[ptr]
	if !ok {
		db.Fail(Failure{
			Kind:   FailureMemFreeWithoutAlloc,
			Thread: thread,
			Time:   t,
			Detail: fmt.Sprintf("address 0x%x", ptr),
		})
		return 0, false
	}
	ev := md.Data.Ptr(idx)
	ev.TimeFree = max(t, ev.TimeAlloc)
	ev.ThreadFree = db.CompressThread(thread)
	ev.CsFree = cs
	delete(md.Active, ptr)
	md.Frees = append(md.Frees, idx)
	if ev.Size > md.Usage {
		md.Usage = 0
	} else {
		md.Usage -= ev.Size
	}
	return idx, true
}

// ReconstructMemoryPlot rebuilds the memory usage plot from all allocations and frees. Allocations and
// frees are merged in time order; frees may have been discovered out of order.
func (db *Database) ReconstructMemoryPlot() *PlotData {
	md := &db.Memory
	n := md.Data.Len()

	allocs := make([]int, n)
	for i := range allocs {
		allocs[i] = i
	}
	slices.SortStableFunc(allocs, func(a, b int) int {
		return cmpTimestamp(md.Data.Ptr(a).TimeAlloc, md.Data.Ptr(b).TimeAlloc)
	})
	frees := slices.Clone(md.Frees)
	slices.SortStableFunc(frees, func(a, b int) int {
		return cmpTimestamp(md.Data.Ptr(a).TimeFree, md.Data.Ptr(b).TimeFree)
	})

	p := newPlotData(StringRef{}, PlotTypeMemory, PlotFormatMemory)
	p.Data = make([]PlotItem, 0, len(allocs)+len(frees))
	var usage uint64
	ai, fi := 0, 0
	for ai < len(allocs) || fi < len(frees) {
		var t Timestamp
		if fi == len(frees) || (ai < len(allocs) && md.Data.Ptr(allocs[ai]).TimeAlloc <= md.Data.Ptr(frees[fi]).TimeFree) {
			ev := md.Data.Ptr(allocs[ai])
			usage += ev.Size
			t = ev.TimeAlloc
			ai++
		} else {
			ev := md.Data.Ptr(frees[fi])
			if ev.Size > usage {
				usage = 0
			} else {
				usage -= ev.Size
			}
			t = ev.TimeFree
			fi++
		}
		p.Data = append(p.Data, PlotItem{Time: t, Val: float64(usage)})
		p.Min = min(p.Min, float64(usage))
		p.Max = max(p.Max, float64(usage))
		p.Sum += float64(usage)
	}
	md.Plot = p
	return p
}

// MemoryPlot returns the last reconstructed memory usage plot, or nil.
func (db *Database) MemoryPlot() *PlotData {
	return db.Memory.Plot
}

// MemoryEvent returns the allocation with the given index.
func (db *Database) MemoryEvent(idx int) *MemEvent {
	return db.Memory.Data.Ptr(idx)
}

func cmpTimestamp(a, b Timestamp) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
