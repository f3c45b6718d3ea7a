package convsync

import (
	"sync"
	"time"
)

// ============================================================================
// Clock
// ============================================================================

// Timer is the cancel handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time so timers can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the real-time Clock.
var SystemClock Clock = systemClock{}

// ============================================================================
// Debouncer
// ============================================================================

// Debouncer runs at most one scheduled callback. Scheduling again replaces the
// pending callback; Cancel drops it. A callback whose timer already fired but
// which lost the race with Cancel/Schedule never runs.
type Debouncer struct {
	clock Clock

	mu    sync.Mutex
	timer Timer
	gen   uint64
}

// NewDebouncer creates a debouncer on the given clock.
func NewDebouncer(clock Clock) *Debouncer {
	if clock == nil {
		clock = SystemClock
	}
	return &Debouncer{clock: clock}
}

// Schedule runs fn after delay unless rescheduled or cancelled first.
func (d *Debouncer) Schedule(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.gen != gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending callback, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending reports whether a callback is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// ============================================================================
// TimerGroup
// ============================================================================

// Signal names the per-conversation timers.
const (
	SignalTyping = "typing"
	SignalRead   = "read"
)

type timerKey struct {
	conversation string
	signal       string
}

// TimerGroup owns one Debouncer per (conversation, signal) so leaving a
// conversation can cancel everything scheduled against it.
type TimerGroup struct {
	clock Clock

	mu     sync.Mutex
	timers map[timerKey]*Debouncer
}

// NewTimerGroup creates an empty group.
func NewTimerGroup(clock Clock) *TimerGroup {
	if clock == nil {
		clock = SystemClock
	}
	return &TimerGroup{clock: clock, timers: make(map[timerKey]*Debouncer)}
}

// Debouncer returns the debouncer for (conversationID, signal), creating it.
func (g *TimerGroup) Debouncer(conversationID, signal string) *Debouncer {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := timerKey{conversationID, signal}
	d, ok := g.timers[k]
	if !ok {
		d = NewDebouncer(g.clock)
		g.timers[k] = d
	}
	return d
}

// CancelConversation cancels and forgets every timer of a conversation.
func (g *TimerGroup) CancelConversation(conversationID string) {
	g.mu.Lock()
	var cancel []*Debouncer
	for k, d := range g.timers {
		if k.conversation == conversationID {
			cancel = append(cancel, d)
			delete(g.timers, k)
		}
	}
	g.mu.Unlock()
	for _, d := range cancel {
		d.Cancel()
	}
}

// CancelAll cancels every timer in the group.
func (g *TimerGroup) CancelAll() {
	g.mu.Lock()
	timers := g.timers
	g.timers = make(map[timerKey]*Debouncer)
	g.mu.Unlock()
	for _, d := range timers {
		d.Cancel()
	}
}

// PendingCount returns the number of scheduled callbacks.
func (g *TimerGroup) PendingCount() int {
	g.mu.Lock()
	ds := make([]*Debouncer, 0, len(g.timers))
	for _, d := range g.timers {
		ds = append(ds, d)
	}
	g.mu.Unlock()
	n := 0
	for _, d := range ds {
		if d.Pending() {
			n++
		}
	}
	return n
}
