package mqtt

import (
	"sync"
	"time"
)

// DailyCounter counts turns and tool calls, resetting at local
// midnight. It is safe for concurrent use.
type DailyCounter struct {
	mu        sync.Mutex
	turns     int64
	toolCalls int64
	resetDay  int // day-of-year of last reset
	loc       *time.Location
	now       func() time.Time
}

// NewDailyCounter creates a counter using loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounter{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Add records one finished turn that made toolCalls tool calls and
// returns the updated turn count for today.
func (d *DailyCounter) Add(toolCalls int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.turns++
	d.toolCalls += int64(toolCalls)
	return d.turns
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyCounter) Snapshot() (turns, toolCalls int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.turns, d.toolCalls
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyCounter) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.turns = 0
		d.toolCalls = 0
		d.resetDay = today
	}
}
