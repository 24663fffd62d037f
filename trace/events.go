package trace

import (
	"honnef.co/go/tracecap/container"
	"honnef.co/go/tracecap/mem"
)

// SetThreadName names a thread.
func (db *Database) SetThreadName(id uint64, name []byte) {
	td, _ := db.Thread(id)
	td.Name = db.InternString(name)
}

// ThreadName returns the name of a thread, or the empty string if it's unnamed.
func (db *Database) ThreadName(td *ThreadData) string {
	return db.Strings[td.Name]
}

// AddMessage records a log message.
func (db *Database) AddMessage(thread uint64, t Timestamp, text []byte, color uint32) int {
	td, _ := db.Thread(thread)
	idx := len(db.Messages)
	db.Messages = append(db.Messages, Message{
		Time:   t,
		Text:   db.InternString(text),
		Color:  color,
		Thread: td.Index,
	})
	td.Messages = append(td.Messages, idx)
	db.updateLastTime(t)
	return idx
}

// SetCrash records that the traced program crashed. Only the first crash is kept.
func (db *Database) SetCrash(thread uint64, t Timestamp, message []byte) {
	if db.Crash.Set() {
		return
	}
	db.Crash = container.Some(CrashEvent{
		Time:    t,
		Message: db.InternString(message),
		Thread:  db.CompressThread(thread),
	})
	db.updateLastTime(t)
}

// WakeThread records that a thread became runnable. The wakeup is attached to the thread's next context
// switch.
func (db *Database) WakeThread(thread uint64, t Timestamp) {
	td, _ := db.Thread(thread)
	td.pendingWakeup = t
	db.updateLastTime(t)
}

type ContextSwitch struct {
	Time      Timestamp
	OldThread uint64
	NewThread uint64
	CPU       uint8
	Reason    int8
	State     int8
}

// AddContextSwitch records that a CPU switched from one thread to another. Thread ID 0 is the idle thread.
func (db *Database) AddContextSwitch(cs ContextSwitch) {
	db.updateLastTime(cs.Time)
	db.CPUs = mem.EnsureLen(db.CPUs, int(cs.CPU)+1)
	cpu := db.CPUs[cs.CPU]
	if n := len(cpu); n > 0 && cpu[n-1].End < 0 {
		cpu[n-1].End = max(cs.Time, cpu[n-1].Start)
	}
	if cs.NewThread != 0 {
		cpu = append(cpu, ContextSwitchCPU{Start: cs.Time, End: -1, Thread: db.CompressThread(cs.NewThread)})
	}
	db.CPUs[cs.CPU] = cpu

	if cs.OldThread != 0 {
		td, _ := db.Thread(cs.OldThread)
		if n := len(td.ContextSwitches); n > 0 && td.ContextSwitches[n-1].End < 0 {
			last := &td.ContextSwitches[n-1]
			last.End = max(cs.Time, last.Start)
			last.Reason = cs.Reason
			last.State = cs.State
		}
	}
	if cs.NewThread != 0 {
		td, _ := db.Thread(cs.NewThread)
		wakeup := cs.Time
		if td.pendingWakeup >= 0 {
			wakeup = td.pendingWakeup
			td.pendingWakeup = -1
		}
		td.ContextSwitches = append(td.ContextSwitches, ContextSwitchData{
			WakeupTime: wakeup,
			Start:      cs.Time,
			End:        -1,
			CPU:        cs.CPU,
			Reason:     -1,
			State:      -1,
		})
	}
}
