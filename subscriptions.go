package convsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Subscriptions
// ============================================================================

// SubscriptionHandlers receive the live data of one conversation.
type SubscriptionHandlers struct {
	OnMessages     func([]Message)
	OnConversation func(Conversation)
	// OnDelivered runs after each delivered OnMessages or OnConversation call,
	// outside the delivery lock. Unlike the other handlers it may close the
	// conversation.
	OnDelivered func()
	// OnTerminated is called once when the server ends the subscription.
	// err is ErrPermissionDenied when the user lost access.
	OnTerminated func(err error)
}

type subscription struct {
	conversationID string
	gen            uint64

	mu     sync.Mutex // held while a callback runs
	closed bool
	live   bool // both listeners attached
	unsubs []Unsubscribe
}

// deliver runs fn unless the subscription was closed and reports whether it
// ran. Close waits for a running delivery, so no callback of a closed
// subscription runs after Close returns.
func (s *subscription) deliver(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	fn()
	return true
}

// dispatch delivers fn and then runs after outside the delivery lock.
func (s *subscription) dispatch(fn, after func()) {
	if s.deliver(fn) && after != nil {
		after()
	}
}

func (s *subscription) shut() ([]Unsubscribe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	u := s.unsubs
	s.unsubs = nil
	return u, s.live
}

func (s *subscription) add(u Unsubscribe, last bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.unsubs = append(s.unsubs, u)
	s.live = last
	return true
}

// SubscriptionManager owns the live listeners of the visible conversations:
// one message listener and one metadata listener each. Open and Close are
// idempotent. OnMessages and OnConversation must not call Close
// synchronously; OnDelivered and OnTerminated may.
type SubscriptionManager struct {
	docs    DocumentStore
	timers  *TimerGroup
	limit   int
	log     *zap.Logger
	metrics *Metrics

	mu   sync.Mutex
	subs map[string]*subscription
	gen  uint64
}

// NewSubscriptionManager creates a manager whose message listeners stream the
// newest limit messages.
func NewSubscriptionManager(docs DocumentStore, timers *TimerGroup, limit int, log *zap.Logger, metrics *Metrics) *SubscriptionManager {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SubscriptionManager{
		docs:    docs,
		timers:  timers,
		limit:   limit,
		log:     log,
		metrics: metrics,
		subs:    make(map[string]*subscription),
	}
}

// Open attaches the listeners of a conversation. It does nothing when the
// conversation is already open.
func (m *SubscriptionManager) Open(ctx context.Context, conversationID string, h SubscriptionHandlers) error {
	m.mu.Lock()
	if _, ok := m.subs[conversationID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	s := &subscription{conversationID: conversationID, gen: m.gen}
	m.subs[conversationID] = s
	m.mu.Unlock()

	onErr := func(err error) { m.terminate(s, err, h.OnTerminated) }

	unsubMsgs, err := m.docs.SubscribeMessages(ctx, conversationID, m.limit, func(msgs []Message) {
		if h.OnMessages != nil {
			s.dispatch(func() { h.OnMessages(msgs) }, h.OnDelivered)
		}
	}, onErr)
	if err != nil {
		m.drop(s)
		return fmt.Errorf("subscribe messages %s: %w", conversationID, err)
	}
	if !s.add(unsubMsgs, false) {
		unsubMsgs()
		return nil
	}

	unsubConv, err := m.docs.SubscribeConversation(ctx, conversationID, func(c Conversation) {
		if h.OnConversation != nil {
			s.dispatch(func() { h.OnConversation(c) }, h.OnDelivered)
		}
	}, onErr)
	if err != nil {
		m.drop(s)
		unsubs, _ := s.shut()
		for _, u := range unsubs {
			u()
		}
		return fmt.Errorf("subscribe conversation %s: %w", conversationID, err)
	}
	if !s.add(unsubConv, true) {
		unsubConv()
		return nil
	}

	m.metrics.subscriptionOpened()
	m.log.Debug("subscription_opened", zap.String("conversation", conversationID), zap.Uint64("gen", s.gen))
	return nil
}

// Close detaches the listeners and cancels the conversation's timers. It does
// nothing when the conversation is not open.
func (m *SubscriptionManager) Close(conversationID string) {
	m.mu.Lock()
	s, ok := m.subs[conversationID]
	delete(m.subs, conversationID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.release(s)
}

// CloseAll closes every open conversation.
func (m *SubscriptionManager) CloseAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()
	for _, s := range subs {
		m.release(s)
	}
}

// IsOpen reports whether a conversation has live listeners.
func (m *SubscriptionManager) IsOpen(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[conversationID]
	return ok
}

// OpenCount returns the number of open conversations.
func (m *SubscriptionManager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *SubscriptionManager) release(s *subscription) {
	unsubs, live := s.shut()
	for _, u := range unsubs {
		u()
	}
	if m.timers != nil {
		m.timers.CancelConversation(s.conversationID)
	}
	if live {
		m.metrics.subscriptionClosed()
		m.log.Debug("subscription_closed", zap.String("conversation", s.conversationID), zap.Uint64("gen", s.gen))
	}
}

// drop removes s from the map if it is still the current generation.
func (m *SubscriptionManager) drop(s *subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[s.conversationID] != s {
		return false
	}
	delete(m.subs, s.conversationID)
	return true
}

func (m *SubscriptionManager) terminate(s *subscription, err error, notify func(error)) {
	if !m.drop(s) {
		return
	}
	if errors.Is(err, ErrPermissionDenied) {
		m.log.Debug("subscription_revoked", zap.String("conversation", s.conversationID))
	} else {
		m.log.Warn("subscription_failed", zap.String("conversation", s.conversationID), zap.Error(err))
	}
	m.release(s)
	if notify != nil {
		notify(err)
	}
}
