package mqtt

import (
	"sync"
	"testing"
	"time"
)

func TestDailyCounter_Add(t *testing.T) {
	d := NewDailyCounter(time.UTC)
	if got := d.Add(2); got != 1 {
		t.Errorf("first Add = %d, want 1", got)
	}
	if got := d.Add(0); got != 2 {
		t.Errorf("second Add = %d, want 2", got)
	}

	turns, toolCalls := d.Snapshot()
	if turns != 2 || toolCalls != 2 {
		t.Errorf("Snapshot = (%d, %d), want (2, 2)", turns, toolCalls)
	}
}

func TestDailyCounter_ResetsAtMidnight(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	d := NewDailyCounter(time.UTC)
	d.now = func() time.Time { return now }
	d.resetDay = now.YearDay()

	d.Add(3)
	now = now.Add(2 * time.Minute)

	turns, toolCalls := d.Snapshot()
	if turns != 0 || toolCalls != 0 {
		t.Errorf("after midnight Snapshot = (%d, %d), want (0, 0)", turns, toolCalls)
	}
	if got := d.Add(1); got != 1 {
		t.Errorf("Add after reset = %d, want 1", got)
	}
}

func TestDailyCounter_Concurrent(t *testing.T) {
	d := NewDailyCounter(time.UTC)
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Add(1)
		}()
	}
	wg.Wait()

	turns, toolCalls := d.Snapshot()
	if turns != 100 || toolCalls != 100 {
		t.Errorf("Snapshot = (%d, %d), want (100, 100)", turns, toolCalls)
	}
}
