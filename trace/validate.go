package trace

import (
	"errors"
	"fmt"
)

// Validate checks the structural invariants of the database: closed zones don't end before they start,
// children lie within their parents and are sorted without overlapping, and lock states are consistent.
// It returns all violations found.
func (db *Database) Validate() error {
	var errs []error

	var checkZones func(td *ThreadData, parent *Zone, ids []ZoneID)
	checkZones = func(td *ThreadData, parent *Zone, ids []ZoneID) {
		var prevEnd Timestamp = -1
		for i, id := range ids {
			if int(id) >= db.Zones.Len() {
				errs = append(errs, fmt.Errorf("thread %d: zone %d doesn't exist", td.ID, id))
				continue
			}
			z := db.Zones.Ptr(int(id))
			end := db.ZoneEndTime(z)
			if z.End >= 0 && z.End < z.Start {
				errs = append(errs, fmt.Errorf("thread %d: zone %d ends at %d before it starts at %d", td.ID, id, z.End, z.Start))
			}
			if parent != nil {
				pend := db.ZoneEndTime(parent)
				if z.Start < parent.Start || end > pend {
					errs = append(errs, fmt.Errorf("thread %d: zone %d [%d, %d] isn't contained in its parent [%d, %d]",
						td.ID, id, z.Start, end, parent.Start, pend))
				}
			}
			if i > 0 && z.Start < prevEnd {
				errs = append(errs, fmt.Errorf("thread %d: zone %d starts at %d, before its previous sibling ends at %d",
					td.ID, id, z.Start, prevEnd))
			}
			prevEnd = end
			checkZones(td, z, db.Children(z))
		}
	}
	for _, td := range db.Threads {
		checkZones(td, nil, td.Timeline)
	}

	for _, lm := range db.LockList() {
		for i := 1; i < len(lm.Timeline); i++ {
			prev, ev := &lm.Timeline[i-1], &lm.Timeline[i]
			if ev.Time < prev.Time {
				errs = append(errs, fmt.Errorf("lock %d: event %d at %d precedes event %d at %d", lm.ID, i, ev.Time, i-1, prev.Time))
			}
			if ev.Type == LockEventRelease && !releaseFails(prev, ev) && ev.LockCount >= prev.LockCount {
				errs = append(errs, fmt.Errorf("lock %d: release at %d didn't decrease the lock count", lm.ID, ev.Time))
			}
		}
	}

	return errors.Join(errs...)
}
