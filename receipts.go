package convsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Read receipts
// ============================================================================

// IsReadByAll reports whether every participant other than the sender has a
// lastRead strictly after the message. A conversation with nobody else in it
// has no readers, so the result is false.
func IsReadByAll(m Message, c Conversation) bool {
	others := 0
	for _, p := range c.Participants {
		if p == m.SenderID {
			continue
		}
		others++
		t, ok := c.LastRead[p]
		if !ok || !t.After(m.CreatedAt) {
			return false
		}
	}
	return others > 0
}

// ReadBy lists the participants other than the sender that have read m.
func ReadBy(m Message, c Conversation) []string {
	var out []string
	for _, p := range c.Participants {
		if p == m.SenderID {
			continue
		}
		if t, ok := c.LastRead[p]; ok && t.After(m.CreatedAt) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// DeliveryStateFor derives the marker shown on messages authored by self.
// Messages from others carry no marker.
func DeliveryStateFor(m Message, c Conversation, self string) DeliveryState {
	if m.SenderID != self {
		return DeliveryNone
	}
	if m.IsDraft() {
		if m.DeliveryState == DeliverySent {
			return DeliverySent
		}
		return DeliveryPending
	}
	if IsReadByAll(m, c) {
		return DeliveryReceived
	}
	return DeliverySent
}

// Decorate returns a copy of view with delivery states stamped on.
func Decorate(view []Message, c Conversation, self string) []Message {
	out := make([]Message, len(view))
	for i, m := range view {
		m.DeliveryState = DeliveryStateFor(m, c, self)
		out[i] = m
	}
	return out
}

// ReadReceiptAggregator maintains the local user's lastRead entry. A write is
// scheduled only while the conversation is foregrounded and the loaded
// message count grew, and bursts are coalesced by a debounce.
type ReadReceiptAggregator struct {
	docs     DocumentStore
	self     string
	clock    Clock
	timers   *TimerGroup
	registry *ActiveConversationRegistry
	debounce time.Duration
	log      *zap.Logger
	metrics  *Metrics

	mu        sync.Mutex
	lastCount map[string]int
	written   map[string]time.Time // highest lastRead known for self
}

// NewReadReceiptAggregator creates an aggregator writing as self.
func NewReadReceiptAggregator(docs DocumentStore, self string, registry *ActiveConversationRegistry, timers *TimerGroup, clock Clock, log *zap.Logger, metrics *Metrics) *ReadReceiptAggregator {
	if clock == nil {
		clock = SystemClock
	}
	if timers == nil {
		timers = NewTimerGroup(clock)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReadReceiptAggregator{
		docs:      docs,
		self:      self,
		clock:     clock,
		timers:    timers,
		registry:  registry,
		debounce:  DefaultReadDebounce,
		log:       log,
		metrics:   metrics,
		lastCount: make(map[string]int),
		written:   make(map[string]time.Time),
	}
}

// SetDebounce overrides the write debounce.
func (a *ReadReceiptAggregator) SetDebounce(d time.Duration) {
	if d > 0 {
		a.debounce = d
	}
}

// ObserveLoaded is called whenever the live transcript changes with the number
// of loaded messages. It reports whether a lastRead write was scheduled.
func (a *ReadReceiptAggregator) ObserveLoaded(conversationID string, count int) bool {
	if a.registry != nil && !a.registry.IsForegrounded(conversationID) {
		return false
	}
	a.mu.Lock()
	if count <= a.lastCount[conversationID] {
		a.mu.Unlock()
		return false
	}
	a.lastCount[conversationID] = count
	a.mu.Unlock()

	a.timers.Debouncer(conversationID, SignalRead).Schedule(a.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
		defer cancel()
		_ = a.flush(ctx, conversationID)
	})
	return true
}

// Rebaseline records count as seen without scheduling a write. Pagination
// calls it so that loading history never marks anything read.
func (a *ReadReceiptAggregator) Rebaseline(conversationID string, count int) {
	a.mu.Lock()
	if count > a.lastCount[conversationID] {
		a.lastCount[conversationID] = count
	}
	a.mu.Unlock()
}

// ObserveConversation records the server's view of self's lastRead so a
// write never moves it backwards.
func (a *ReadReceiptAggregator) ObserveConversation(c Conversation) {
	t, ok := c.LastRead[a.self]
	if !ok {
		return
	}
	a.mu.Lock()
	if t.After(a.written[c.ID]) {
		a.written[c.ID] = t
	}
	a.mu.Unlock()
}

// Forget drops per-conversation state so reopening starts over.
func (a *ReadReceiptAggregator) Forget(conversationID string) {
	a.timers.Debouncer(conversationID, SignalRead).Cancel()
	a.mu.Lock()
	delete(a.lastCount, conversationID)
	a.mu.Unlock()
}

// MarkRead writes lastRead now, bypassing the foreground and count guards.
func (a *ReadReceiptAggregator) MarkRead(ctx context.Context, conversationID string) error {
	a.timers.Debouncer(conversationID, SignalRead).Cancel()
	return a.flush(ctx, conversationID)
}

func (a *ReadReceiptAggregator) flush(ctx context.Context, conversationID string) error {
	now := a.clock.Now()
	a.mu.Lock()
	if !now.After(a.written[conversationID]) {
		a.mu.Unlock()
		return nil
	}
	prev := a.written[conversationID]
	a.written[conversationID] = now
	a.mu.Unlock()

	err := writeOwnFields(ctx, a.docs, conversationID, map[string]any{
		lastReadPath(a.self): now,
	})
	a.metrics.remoteWrite(SignalRead, err)
	if err != nil {
		a.mu.Lock()
		if a.written[conversationID].Equal(now) {
			a.written[conversationID] = prev
		}
		a.mu.Unlock()
		a.log.Warn("last_read_write_failed", zap.String("conversation", conversationID), zap.Error(err))
		return err
	}
	a.log.Debug("last_read_written", zap.String("conversation", conversationID), zap.Time("at", now))
	return nil
}
