package convsync

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a manual Clock. Advance runs due callbacks in time order, on
// the calling goroutine, with the clock set to each callback's due time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	seq   int
	fn    func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves the clock forward by d, firing every timer that falls due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		live := c.timers[:0]
		for _, t := range c.timers {
			if !t.done {
				live = append(live, t)
			}
		}
		c.timers = live
		sort.Slice(c.timers, func(i, j int) bool {
			if !c.timers[i].at.Equal(c.timers[j].at) {
				return c.timers[i].at.Before(c.timers[j].at)
			}
			return c.timers[i].seq < c.timers[j].seq
		})
		if len(c.timers) == 0 || c.timers[0].at.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		next := c.timers[0]
		next.done = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

// Pending returns the number of timers not yet fired or stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func msgAt(id, sender, text string, at time.Time) Message {
	return Message{ID: id, SenderID: sender, Kind: KindText, Text: text, CreatedAt: at}
}

// history builds n messages one minute apart ending before t0, alternating
// between the given senders.
func history(n int, senders ...string) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = msgAt(
			fmt.Sprintf("h-%03d", i),
			senders[i%len(senders)],
			fmt.Sprintf("message %d", i),
			t0.Add(-time.Duration(n-i)*time.Minute),
		)
	}
	return out
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// writesOf filters the store's writes down to those touching path.
func writesOf(docs *MemoryDocumentStore, path string) []WriteRecord {
	var out []WriteRecord
	for _, w := range docs.Writes() {
		if _, ok := w.Fields[path]; ok {
			out = append(out, w)
			continue
		}
		if nested := nestedValue(w.Fields, path); nested != nil {
			out = append(out, w)
		}
	}
	return out
}

// fieldValue reads path from a write, dotted or nested.
func fieldValue(w WriteRecord, path string) any {
	if v, ok := w.Fields[path]; ok {
		return v
	}
	return nestedValue(w.Fields, path)
}

func nestedValue(fields map[string]any, path string) any {
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		child, ok := fields[path[:i]].(map[string]any)
		if !ok {
			return nil
		}
		return child[path[i+1:]]
	}
	return nil
}
