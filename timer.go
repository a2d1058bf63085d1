package loom

import "sync"

// TimerFunc receives each firing. removed is true on the timer's final
// invocation, whether it ran out of repeats or was cancelled.
type TimerFunc func(owner uint32, id uint32, removed bool)

// TimerInfinite repeats a timer until it is removed.
const TimerInfinite = -1

const timerWheelSize = 256

type timerEntry struct {
	id        uint32
	owner     uint32
	periodMs  int64
	remaining int32 // -1 = infinite
	deadline  int64 // tick index
	fired     bool  // final-invocation flag, set while firing
}

// TimerWheel is a hashed wheel ticked by its worker's loop. Entries
// hash into slots by deadline tick, so a tick touches one slot plus
// the entries that are actually due. Firing order within a tick is
// insertion order.
//
// Missed ticks coalesce: however far behind the wheel falls, an entry
// fires at most once per Advance and its next deadline is recomputed
// from the current time, not the missed one.
type TimerWheel struct {
	mu      sync.Mutex
	slots   [timerWheelSize][]*timerEntry
	entries map[uint32]*timerEntry
	nextID  uint32
	tick    int64 // last processed tick index
	tickMs  int64 // wall milliseconds per tick
	baseMs  int64 // wall time of tick 0
	fire    TimerFunc
}

// NewTimerWheel creates a wheel with the given tick granularity. The
// fire callback runs on the goroutine calling Advance.
func NewTimerWheel(tickMs int64, nowMs int64, fire TimerFunc) *TimerWheel {
	return &TimerWheel{
		entries: make(map[uint32]*timerEntry),
		tickMs:  tickMs,
		baseMs:  nowMs,
		fire:    fire,
	}
}

// Repeat registers a timer firing every intervalMs, times times
// (TimerInfinite for no limit), and returns its id. An interval
// shorter than one tick rounds up to one tick.
func (tw *TimerWheel) Repeat(intervalMs int64, times int32, owner uint32) uint32 {
	if intervalMs < tw.tickMs {
		intervalMs = tw.tickMs
	}
	if times == 0 {
		times = 1
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.nextID++
	for tw.nextID == 0 || tw.entries[tw.nextID] != nil {
		tw.nextID++
	}
	e := &timerEntry{
		id:        tw.nextID,
		owner:     owner,
		periodMs:  intervalMs,
		remaining: times,
		deadline:  tw.tick + tw.periodTicks(intervalMs),
	}
	tw.entries[e.id] = e
	tw.place(e)
	return e.id
}

// Remove cancels a timer. Best-effort: it reports whether the timer
// was still registered.
func (tw *TimerWheel) Remove(id uint32) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	e, ok := tw.entries[id]
	if !ok {
		return false
	}
	delete(tw.entries, id)
	tw.detach(e)
	return true
}

// Pending returns the number of registered timers.
func (tw *TimerWheel) Pending() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return len(tw.entries)
}

// Advance processes all ticks up to nowMs and fires due timers. Runs
// on the owning worker's goroutine; fire callbacks are invoked outside
// the wheel lock so they may re-enter Repeat and Remove.
func (tw *TimerWheel) Advance(nowMs int64) {
	target := (nowMs - tw.baseMs) / tw.tickMs

	tw.mu.Lock()
	if target <= tw.tick {
		tw.mu.Unlock()
		return
	}

	var due []*timerEntry
	for tw.tick < target {
		tw.tick++
		slot := tw.tick % timerWheelSize
		bucket := tw.slots[slot]
		keep := bucket[:0]
		for _, e := range bucket {
			if e.deadline <= target {
				due = append(due, e)
			} else {
				keep = append(keep, e)
			}
		}
		tw.slots[slot] = keep

		// A long stall would walk every slot up to wheelSize times
		// for nothing; one full lap visits them all.
		if target-tw.tick >= timerWheelSize {
			tw.tick = target - timerWheelSize
		}
	}

	for _, e := range due {
		final := false
		if e.remaining > 0 {
			e.remaining--
			final = e.remaining == 0
		}
		if final {
			delete(tw.entries, e.id)
		} else {
			e.deadline = target + tw.periodTicks(e.periodMs)
			tw.place(e)
		}
		e.fired = final
	}
	tw.mu.Unlock()

	for _, e := range due {
		removed := e.fired
		if !removed {
			// Cancelled by an earlier callback of this pass: this
			// firing is its last.
			tw.mu.Lock()
			removed = tw.entries[e.id] != e
			tw.mu.Unlock()
		}
		tw.fire(e.owner, e.id, removed)
	}
}

func (tw *TimerWheel) periodTicks(intervalMs int64) int64 {
	n := intervalMs / tw.tickMs
	if intervalMs%tw.tickMs != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (tw *TimerWheel) place(e *timerEntry) {
	slot := e.deadline % timerWheelSize
	tw.slots[slot] = append(tw.slots[slot], e)
}

func (tw *TimerWheel) detach(e *timerEntry) {
	slot := e.deadline % timerWheelSize
	bucket := tw.slots[slot]
	for i, cur := range bucket {
		if cur == e {
			tw.slots[slot] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}
