package consensus

import "time"

// Timeout is the liveness timer guarding the current phase. The driver waits
// on it; when it expires before the phase advances the primary is suspected.
type Timeout struct {
	duration time.Duration
	start    time.Time
	active   bool
	now      func() time.Time
}

// NewTimeout creates an inactive timeout of the given duration.
func NewTimeout(d time.Duration) Timeout {
	return Timeout{duration: d, now: time.Now}
}

// Start (re)arms the timeout from now.
func (t *Timeout) Start() {
	t.start = t.clock()
	t.active = true
}

// Stop disarms the timeout.
func (t *Timeout) Stop() {
	t.active = false
}

// IsActive reports whether the timeout is armed.
func (t *Timeout) IsActive() bool {
	return t.active
}

// IsExpired reports whether an armed timeout has elapsed.
func (t *Timeout) IsExpired() bool {
	return t.active && !t.clock().Before(t.Deadline())
}

// Deadline returns the instant the armed timeout expires.
func (t *Timeout) Deadline() time.Time {
	return t.start.Add(t.duration)
}

// Remaining returns the time left before expiry, zero when expired or inactive.
func (t *Timeout) Remaining() time.Duration {
	if !t.active {
		return 0
	}
	if d := t.Deadline().Sub(t.clock()); d > 0 {
		return d
	}
	return 0
}

// Duration returns the configured timeout length.
func (t *Timeout) Duration() time.Duration {
	return t.duration
}

func (t *Timeout) clock() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}
