package convsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Typing status
// ============================================================================

// TypingController throttles the local user's typing signal. Per conversation
// it is either idle or typing: the first keystroke writes true immediately,
// further keystrokes only re-arm the idle timer, and the false write happens
// when the idle timer fires or, debounced, after the input is cleared.
type TypingController struct {
	docs       DocumentStore
	self       string
	clock      Clock
	timers     *TimerGroup
	idle       time.Duration
	clearDelay time.Duration
	timeout    time.Duration
	log        *zap.Logger
	metrics    *Metrics

	mu      sync.Mutex
	typing  map[string]bool
	sent    map[string]bool        // last value written per conversation
	writers map[string]*sync.Mutex // serializes writes per conversation
}

// NewTypingController creates a controller writing as self. timers is shared
// with the rest of the engine so leaving a conversation cancels everything.
func NewTypingController(docs DocumentStore, self string, timers *TimerGroup, clock Clock, log *zap.Logger, metrics *Metrics) *TypingController {
	if clock == nil {
		clock = SystemClock
	}
	if timers == nil {
		timers = NewTimerGroup(clock)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TypingController{
		docs:       docs,
		self:       self,
		clock:      clock,
		timers:     timers,
		idle:       DefaultTypingIdle,
		clearDelay: DefaultTypingClearDelay,
		timeout:    DefaultTypingTimeout,
		log:        log,
		metrics:    metrics,
		typing:     make(map[string]bool),
		sent:       make(map[string]bool),
		writers:    make(map[string]*sync.Mutex),
	}
}

// SetTimings overrides the idle timer, the clear debounce and the reader
// staleness timeout. Zero values keep the current setting.
func (t *TypingController) SetTimings(idle, clearDelay, timeout time.Duration) {
	if idle > 0 {
		t.idle = idle
	}
	if clearDelay > 0 {
		t.clearDelay = clearDelay
	}
	if timeout > 0 {
		t.timeout = timeout
	}
}

// Input feeds the current content of the compose field.
func (t *TypingController) Input(ctx context.Context, conversationID, text string) error {
	timer := t.timers.Debouncer(conversationID, SignalTyping)

	t.mu.Lock()
	wasTyping := t.typing[conversationID]
	if text == "" {
		t.mu.Unlock()
		if wasTyping {
			timer.Schedule(t.clearDelay, func() { t.expire(conversationID) })
		} else {
			timer.Cancel()
		}
		return nil
	}
	t.typing[conversationID] = true
	t.mu.Unlock()

	var err error
	if !wasTyping {
		err = t.sync(ctx, conversationID)
	}
	timer.Schedule(t.idle, func() { t.expire(conversationID) })
	return err
}

// Stop cancels the conversation's typing timer and, when typing, writes the
// false transition right away. Used when leaving a conversation.
func (t *TypingController) Stop(ctx context.Context, conversationID string) error {
	t.timers.Debouncer(conversationID, SignalTyping).Cancel()

	t.mu.Lock()
	wasTyping := t.typing[conversationID]
	delete(t.typing, conversationID)
	t.mu.Unlock()

	if !wasTyping {
		return nil
	}
	return t.sync(ctx, conversationID)
}

// Forget drops the local state of a conversation without writing, for when
// the server no longer accepts writes from this user.
func (t *TypingController) Forget(conversationID string) {
	t.timers.Debouncer(conversationID, SignalTyping).Cancel()
	t.mu.Lock()
	delete(t.typing, conversationID)
	delete(t.sent, conversationID)
	t.mu.Unlock()
}

// Close stops every conversation.
func (t *TypingController) Close(ctx context.Context) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.typing))
	for id := range t.typing {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		_ = t.Stop(ctx, id)
	}
}

// IsTyping reports the local state for a conversation.
func (t *TypingController) IsTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing[conversationID]
}

// TypingUsers lists the other participants currently typing in c.
func (t *TypingController) TypingUsers(c Conversation) []string {
	return TypingUsers(c, t.self, t.clock.Now(), t.timeout)
}

func (t *TypingController) expire(conversationID string) {
	t.mu.Lock()
	if !t.typing[conversationID] {
		t.mu.Unlock()
		return
	}
	delete(t.typing, conversationID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
	defer cancel()
	_ = t.sync(ctx, conversationID)
}

// sync writes the current local state unless it is what was last written.
// Writes of one conversation go out one at a time and each reads the state
// once it holds the writer, so the remote value ends on the latest state.
func (t *TypingController) sync(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	w, ok := t.writers[conversationID]
	if !ok {
		w = &sync.Mutex{}
		t.writers[conversationID] = w
	}
	t.mu.Unlock()

	w.Lock()
	defer w.Unlock()
	t.mu.Lock()
	want := t.typing[conversationID]
	last, known := t.sent[conversationID]
	t.mu.Unlock()
	if known && last == want {
		return nil
	}
	if err := t.write(ctx, conversationID, want); err != nil {
		return err
	}
	t.mu.Lock()
	t.sent[conversationID] = want
	t.mu.Unlock()
	return nil
}

func (t *TypingController) write(ctx context.Context, conversationID string, typing bool) error {
	err := writeOwnFields(ctx, t.docs, conversationID, map[string]any{
		typingPath(t.self):        typing,
		typingUpdatedPath(t.self): t.clock.Now(),
	})
	t.metrics.remoteWrite(SignalTyping, err)
	if err != nil {
		t.log.Warn("typing_write_failed",
			zap.String("conversation", conversationID),
			zap.Bool("typing", typing),
			zap.Error(err))
	}
	return err
}

// TypingUsers applies the staleness rule to a conversation document and
// returns the sorted ids of participants other than self that are typing.
func TypingUsers(c Conversation, self string, now time.Time, timeout time.Duration) []string {
	var out []string
	for uid, st := range c.Typing {
		if uid == self || !c.HasParticipant(uid) {
			continue
		}
		if st.Active(now, timeout) {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out
}
