package api

import (
	"sync"
	"time"
)

type timerCallback func()

type timerCalculator func() time.Duration

// callbackTimer runs callback once, a computed delay after the last Run.
type callbackTimer struct {
	mu        sync.Mutex
	callback  timerCallback
	timerCalc timerCalculator
	timer     *time.Timer
}

func newCallbackTimer(callback timerCallback, timerCalc timerCalculator) *callbackTimer {
	return &callbackTimer{
		callback:  callback,
		timerCalc: timerCalc,
	}
}

func fixedDelay(d time.Duration) timerCalculator {
	return func() time.Duration { return d }
}

// Stop cancels a pending run. Safe to call repeatedly.
func (t *callbackTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
}

func (t *callbackTimer) Run() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()

	var timer *time.Timer
	timer = time.AfterFunc(t.timerCalc(), func() {
		t.mu.Lock()
		if t.timer != timer {
			// stopped or re-armed after this run was scheduled
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()

		t.callback()
	})
	t.timer = timer
}

func (t *callbackTimer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
