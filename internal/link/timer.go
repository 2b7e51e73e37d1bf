package link

// Timer is a tick-driven one-shot timer. It does not run on its own: the
// owner advances it with Clock, and Clock reports the expiry exactly once.
type Timer struct {
	ticksPerSec  int
	timeoutTicks int
	currentTicks int
	running      bool
}

// NewTimer creates a stopped timer with the given resolution and timeout.
func NewTimer(ticksPerSec int, msecs int) *Timer {
	t := &Timer{ticksPerSec: ticksPerSec}
	t.SetTimeout(msecs)
	return t
}

// SetTimeout sets the timeout; it applies from the next Start.
func (t *Timer) SetTimeout(msecs int) {
	t.timeoutTicks = msecs * t.ticksPerSec / 1000
}

// IsRunning returns true if the timer is armed.
func (t *Timer) IsRunning() bool {
	return t.running
}

// Start arms the timer from zero. Starting a running timer restarts it.
func (t *Timer) Start() {
	t.currentTicks = 0
	t.running = true
}

// Stop disarms the timer; a pending expiry is discarded.
func (t *Timer) Stop() {
	t.running = false
	t.currentTicks = 0
}

// Clock advances the timer by ticks and reports whether it expired during
// this call.
func (t *Timer) Clock(ticks int) bool {
	if !t.running {
		return false
	}
	t.currentTicks += ticks
	if t.currentTicks >= t.timeoutTicks {
		t.running = false
		return true
	}
	return false
}

// RemainingMS returns the time left before expiry in milliseconds.
func (t *Timer) RemainingMS() int {
	if !t.running {
		return 0
	}
	remaining := t.timeoutTicks - t.currentTicks
	if remaining <= 0 {
		return 0
	}
	return remaining * 1000 / t.ticksPerSec
}
