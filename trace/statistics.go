package trace

import (
	"math"
	"sort"

	"golang.org/x/exp/slices"
)

// ZoneStatistics aggregates the timing of all closed zones of one source location. Self times exclude the
// time spent in direct children.
type ZoneStatistics struct {
	Count     uint64
	Min       Timestamp
	Max       Timestamp
	Total     Timestamp
	SumSq     float64
	SelfMin   Timestamp
	SelfMax   Timestamp
	SelfTotal Timestamp
	// Zones lists the source location's zones, sorted by start time.
	Zones []ZoneRef
}

func newZoneStatistics() *ZoneStatistics {
	return &ZoneStatistics{
		Min:     math.MaxInt64,
		SelfMin: math.MaxInt64,
	}
}

func (stat *ZoneStatistics) Average() float64 {
	if stat.Count == 0 {
		return 0
	}
	return float64(stat.Total) / float64(stat.Count)
}

// StdDev returns the population standard deviation of the zones' durations.
func (stat *ZoneStatistics) StdDev() float64 {
	if stat.Count == 0 {
		return 0
	}
	avg := stat.Average()
	v := stat.SumSq/float64(stat.Count) - avg*avg
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// ZoneMedian computes the median duration of a source location's zones. Unlike the other
// statistics it isn't maintained incrementally.
func (db *Database) ZoneMedian(stat *ZoneStatistics) float64 {
	if len(stat.Zones) == 0 {
		return 0
	}
	values := make([]Timestamp, 0, len(stat.Zones))
	for _, ref := range stat.Zones {
		values = append(values, db.Zones.Ptr(int(ref.Zone)).Duration())
	}
	slices.Sort(values)
	if len(values)%2 == 0 {
		mid := len(values) / 2
		return float64(values[mid]+values[mid-1]) / 2
	}
	return float64(values[len(values)/2])
}

func (stat *ZoneStatistics) add(d, self Timestamp) {
	stat.Count++
	stat.Min = min(stat.Min, d)
	stat.Max = max(stat.Max, d)
	stat.Total += d
	stat.SumSq += float64(d) * float64(d)
	stat.SelfMin = min(stat.SelfMin, self)
	stat.SelfMax = max(stat.SelfMax, self)
	stat.SelfTotal += self
}

// foldZone adds a closed zone to its source location's statistics. If insert is set the zone is inserted
// into the sorted zone list, otherwise it is appended and the caller has to sort.
func (db *Database) foldZone(stats map[SrcLocID]*ZoneStatistics, ref ZoneRef, z *Zone, insert bool) {
	stat, ok := stats[z.SrcLoc]
	if !ok {
		stat = newZoneStatistics()
		stats[z.SrcLoc] = stat
	}
	stat.add(z.End-z.Start, db.selfTime(z))

	if !insert {
		stat.Zones = append(stat.Zones, ref)
		return
	}
	// Zones end in reverse nesting order, so a zone usually belongs at or near the end of the list.
	i := len(stat.Zones)
	for i > 0 && db.Zones.Ptr(int(stat.Zones[i-1].Zone)).Start > z.Start {
		i--
	}
	stat.Zones = slices.Insert(stat.Zones, i, ref)
}

// CollectZoneStatistics computes the statistics of all source locations by walking every thread's call
// tree. Open zones aren't counted. It only reads the database, so it may run concurrently with other
// readers. The result is installed with PublishZoneStatistics.
func (db *Database) CollectZoneStatistics() map[SrcLocID]*ZoneStatistics {
	stats := map[SrcLocID]*ZoneStatistics{}
	var walk func(td *ThreadData, ids []ZoneID)
	walk = func(td *ThreadData, ids []ZoneID) {
		for _, id := range ids {
			z := db.Zones.Ptr(int(id))
			if z.End >= 0 {
				db.foldZone(stats, ZoneRef{Zone: id, Thread: td.Index}, z, false)
			}
			if z.Children >= 0 {
				walk(td, db.ChildVecs[z.Children])
			}
		}
	}
	for _, td := range db.Threads {
		walk(td, td.Timeline)
	}
	for _, stat := range stats {
		sort.SliceStable(stat.Zones, func(i, j int) bool {
			return db.Zones.Ptr(int(stat.Zones[i].Zone)).Start < db.Zones.Ptr(int(stat.Zones[j].Zone)).Start
		})
	}
	return stats
}

// PublishZoneStatistics replaces the zone statistics and marks statistics as ready.
func (db *Database) PublishZoneStatistics(stats map[SrcLocID]*ZoneStatistics) {
	db.ZoneStats = stats
	db.statisticsReady = true
}

// ComputeStatistics computes all derived data in one go: zone statistics, lock contention and the memory
// usage plot.
func (db *Database) ComputeStatistics() {
	db.PublishZoneStatistics(db.CollectZoneStatistics())
	db.UpdateLockContention()
	db.ReconstructMemoryPlot()
}

// ZoneStatistics returns the statistics of a source location. The boolean is false if statistics haven't
// been computed yet, in which case the returned statistics are empty.
func (db *Database) ZoneStatistics(srcloc SrcLocID) (ZoneStatistics, bool) {
	if !db.statisticsReady {
		return ZoneStatistics{}, false
	}
	stat, ok := db.ZoneStats[srcloc]
	if !ok {
		return ZoneStatistics{}, true
	}
	return *stat, true
}

// SourceLocationZonesInRange returns the zones of a source location that start in [start, end].
func (db *Database) SourceLocationZonesInRange(srcloc SrcLocID, start, end Timestamp) []ZoneRef {
	stat, ok := db.ZoneStats[srcloc]
	if !ok {
		return nil
	}
	zones := stat.Zones
	lo := sort.Search(len(zones), func(i int) bool { return db.Zones.Ptr(int(zones[i].Zone)).Start >= start })
	hi := sort.Search(len(zones), func(i int) bool { return db.Zones.Ptr(int(zones[i].Zone)).Start > end })
	if hi < lo {
		return nil
	}
	return zones[lo:hi]
}
