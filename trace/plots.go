package trace

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/slices"
)

type PlotType uint8

const (
	PlotTypeUser PlotType = iota
	PlotTypeMemory
	PlotTypeSysTime
)

type PlotFormat uint8

const (
	PlotFormatNumber PlotFormat = iota
	PlotFormatMemory
	PlotFormatPercentage
	PlotFormatWatt
)

func (f PlotFormat) String() string {
	switch f {
	case PlotFormatNumber:
		return "number"
	case PlotFormatMemory:
		return "memory"
	case PlotFormatPercentage:
		return "percentage"
	case PlotFormatWatt:
		return "watt"
	default:
		return fmt.Sprintf("PlotFormat(%d)", f)
	}
}

type PlotItem struct {
	Time Timestamp
	Val  float64
}

// PlotData is a named time series, sorted by time.
type PlotData struct {
	Name StringRef
	// NamePtr is the producer pointer that identifies user plots. It is 0 for derived plots.
	NamePtr uint64
	Type    PlotType
	Format  PlotFormat
	Step    bool
	Fill    bool
	Color   uint32
	Data    []PlotItem
	Min     float64
	Max     float64
	Sum     float64
}

func newPlotData(name StringRef, typ PlotType, format PlotFormat) *PlotData {
	return &PlotData{
		Name:   name,
		Type:   typ,
		Format: format,
		Fill:   true,
		Min:    math.Inf(1),
		Max:    math.Inf(-1),
	}
}

// Insert adds a sample, keeping the series sorted. Samples usually arrive in order, so the common case
// is an append.
func (p *PlotData) Insert(t Timestamp, v float64) {
	if n := len(p.Data); n == 0 || p.Data[n-1].Time <= t {
		p.Data = append(p.Data, PlotItem{t, v})
	} else {
		idx := sort.Search(n, func(i int) bool { return p.Data[i].Time > t })
		p.Data = slices.Insert(p.Data, idx, PlotItem{t, v})
	}
	p.Min = min(p.Min, v)
	p.Max = max(p.Max, v)
	p.Sum += v
}

// Recompute recomputes Min, Max and Sum from the samples.
func (p *PlotData) Recompute() {
	p.Min = math.Inf(1)
	p.Max = math.Inf(-1)
	p.Sum = 0
	for _, it := range p.Data {
		p.Min = min(p.Min, it.Val)
		p.Max = max(p.Max, it.Val)
		p.Sum += it.Val
	}
}

// Range returns the samples in [start, end], plus the last sample before start, if any, so that the
// value at start is known.
func (p *PlotData) Range(start, end Timestamp) []PlotItem {
	lo := sort.Search(len(p.Data), func(i int) bool { return p.Data[i].Time >= start })
	if lo > 0 {
		lo--
	}
	hi := sort.Search(len(p.Data), func(i int) bool { return p.Data[i].Time > end })
	if hi < lo {
		return nil
	}
	return p.Data[lo:hi]
}

// Plot returns the user plot identified by the producer's name pointer, creating it if necessary. The
// boolean reports whether it was created.
func (db *Database) Plot(namePtr uint64) (*PlotData, bool) {
	if p, ok := db.plotsByName[namePtr]; ok {
		return p, false
	}
	p := newPlotData(PtrRef(namePtr), PlotTypeUser, PlotFormatNumber)
	p.NamePtr = namePtr
	db.Plots = append(db.Plots, p)
	db.plotsByName[namePtr] = p
	return p, true
}

// AddPlotSample adds a sample to a user plot. It reports whether the plot was created by this call.
func (db *Database) AddPlotSample(namePtr uint64, t Timestamp, v float64) bool {
	p, created := db.Plot(namePtr)
	p.Insert(t, v)
	db.updateLastTime(t)
	return created
}

type PlotConfig struct {
	Format PlotFormat
	Step   bool
	Fill   bool
	Color  uint32
}

func (db *Database) ConfigurePlot(namePtr uint64, cfg PlotConfig) bool {
	p, created := db.Plot(namePtr)
	p.Format = cfg.Format
	p.Step = cfg.Step
	p.Fill = cfg.Fill
	p.Color = cfg.Color
	return created
}

// PlotName returns the display name of a plot.
func (db *Database) PlotName(p *PlotData) string {
	switch p.Type {
	case PlotTypeMemory:
		return "Memory usage"
	default:
		return db.StringRef(p.Name)
	}
}
