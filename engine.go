// Package convsync keeps the client side of a conversation in sync with a
// realtime document store: optimistic sends reconciled against the server
// copy, read receipts, throttled typing signals, backward pagination and a
// local cache that paints the screen before live data arrives.
//
// Example:
//
//	docs := convsync.NewRemoteDocumentStore("https://chat.example.com", token)
//	engine := convsync.NewEngine(docs, convsync.StaticIdentity{UserID: "alice"},
//		convsync.WithCache(convsync.NewLocalCache(nil)))
//	defer engine.Close()
//
//	session, _ := engine.OpenConversation(ctx, "conv-1")
//	session.OnUpdate(func() { render(session.View()) })
//	session.Send(ctx, "hi")
package convsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultPageSize         = 20
	DefaultReconcileWindow  = 5 * time.Second
	DefaultTypingTimeout    = 5 * time.Second
	DefaultTypingIdle       = 1000 * time.Millisecond
	DefaultTypingClearDelay = 500 * time.Millisecond
	DefaultReadDebounce     = 1000 * time.Millisecond

	// cachedMessages bounds the transcript written through to the cache.
	cachedMessages     = 50
	remoteWriteTimeout = 10 * time.Second
)

// ============================================================================
// Engine
// ============================================================================

// Engine owns the shared components and the open conversation sessions of
// one signed-in user.
type Engine struct {
	docs     DocumentStore
	identity IdentityProvider
	self     string

	clock         Clock
	log           *zap.Logger
	metrics       *Metrics
	cache         *LocalCache
	uploader      ImageUploader
	polls         PollTallies
	pageSize      int
	window        time.Duration
	typingIdle    time.Duration
	typingClear   time.Duration
	typingTimeout time.Duration
	readDebounce  time.Duration
	unreadLimit   rate.Limit
	unreadBurst   int

	timers   *TimerGroup
	store    *ConversationStore
	typing   *TypingController
	receipts *ReadReceiptAggregator
	pages    *PaginationController
	subs     *SubscriptionManager
	registry *ActiveConversationRegistry
	unread   *UnreadCounter

	migrateOnce sync.Once
	stopChanges func()

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCache enables cache-first rendering and write-through.
func WithCache(c *LocalCache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

func WithReconcileWindow(d time.Duration) Option {
	return func(e *Engine) { e.window = d }
}

// WithTypingTimings sets the idle timer, the clear debounce and the reader
// staleness timeout.
func WithTypingTimings(idle, clearDelay, timeout time.Duration) Option {
	return func(e *Engine) {
		e.typingIdle, e.typingClear, e.typingTimeout = idle, clearDelay, timeout
	}
}

func WithReadDebounce(d time.Duration) Option {
	return func(e *Engine) { e.readDebounce = d }
}

func WithUploader(u ImageUploader) Option {
	return func(e *Engine) { e.uploader = u }
}

func WithPolls(p PollTallies) Option {
	return func(e *Engine) { e.polls = p }
}

// WithUnreadRateLimit bounds the rate of one-shot unread queries.
func WithUnreadRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Engine) { e.unreadLimit, e.unreadBurst = limit, burst }
}

// NewEngine wires the components around docs for the user identity returns.
func NewEngine(docs DocumentStore, identity IdentityProvider, opts ...Option) *Engine {
	e := &Engine{
		docs:          docs,
		identity:      identity,
		clock:         SystemClock,
		log:           zap.NewNop(),
		pageSize:      DefaultPageSize,
		window:        DefaultReconcileWindow,
		typingIdle:    DefaultTypingIdle,
		typingClear:   DefaultTypingClearDelay,
		typingTimeout: DefaultTypingTimeout,
		readDebounce:  DefaultReadDebounce,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.self = identity.Identity().UserID

	e.timers = NewTimerGroup(e.clock)
	e.registry = NewActiveConversationRegistry()
	e.store = NewConversationStore(
		WithStoreClock(e.clock),
		WithStoreLogger(e.log.Named("store")),
		WithStoreMetrics(e.metrics),
		WithReconcileWindowOf(e.window),
	)
	e.typing = NewTypingController(docs, e.self, e.timers, e.clock, e.log.Named("typing"), e.metrics)
	e.typing.SetTimings(e.typingIdle, e.typingClear, e.typingTimeout)
	e.receipts = NewReadReceiptAggregator(docs, e.self, e.registry, e.timers, e.clock, e.log.Named("receipts"), e.metrics)
	e.receipts.SetDebounce(e.readDebounce)
	e.pages = NewPaginationController(docs, e.store, e.pageSize, e.log.Named("pagination"), e.metrics)
	e.subs = NewSubscriptionManager(docs, e.timers, e.pageSize, e.log.Named("subscriptions"), e.metrics)
	e.unread = NewUnreadCounter(docs, e.self, e.registry, e.cache, e.unreadLimit, e.unreadBurst, e.log.Named("unread"))
	e.stopChanges = e.store.OnChange(e.onStoreChange)
	return e
}

// Self returns the local user id.
func (e *Engine) Self() string { return e.self }

// Identity returns the local user.
func (e *Engine) Identity() Identity { return e.identity.Identity() }

// Store exposes the reconciliation store.
func (e *Engine) Store() *ConversationStore { return e.store }

// Registry exposes the foreground registry.
func (e *Engine) Registry() *ActiveConversationRegistry { return e.registry }

// Subscriptions exposes the subscription manager.
func (e *Engine) Subscriptions() *SubscriptionManager { return e.subs }

// MigrateCache removes entries of retired cache key schemes. It runs at most
// once per engine; OpenConversation triggers it lazily.
func (e *Engine) MigrateCache(ctx context.Context) {
	if e.cache == nil {
		return
	}
	e.migrateOnce.Do(func() {
		if _, err := e.cache.Migrate(ctx); err != nil {
			e.log.Debug("cache_migration_failed", zap.Error(err))
		}
	})
}

// OpenConversation shows a conversation: it renders from the cache, marks the
// conversation focused and attaches the live listeners. Opening an already
// open conversation returns its session.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) (*Session, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := e.sessions[conversationID]; ok {
		e.mu.Unlock()
		return s, nil
	}
	s := &Session{engine: e, id: conversationID, listeners: make(map[int]func())}
	e.sessions[conversationID] = s
	e.mu.Unlock()

	e.MigrateCache(ctx)
	s.restoreFromCache(ctx)
	e.registry.Focus(conversationID)

	err := e.subs.Open(ctx, conversationID, SubscriptionHandlers{
		OnMessages: func(msgs []Message) {
			s.holdUpdates()
			s.onMessages(msgs)
		},
		OnConversation: func(c Conversation) {
			s.holdUpdates()
			s.onConversation(c)
		},
		OnDelivered:  s.releaseUpdates,
		OnTerminated: s.onTerminated,
	})
	if err != nil {
		e.registry.Blur(conversationID)
		e.mu.Lock()
		delete(e.sessions, conversationID)
		e.mu.Unlock()
		e.store.Forget(conversationID)
		return nil, err
	}
	e.log.Info("conversation_opened", zap.String("conversation", conversationID))
	return s, nil
}

// Session returns the open session of a conversation.
func (e *Engine) Session(conversationID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[conversationID]
	return s, ok
}

// AppForeground records an app foreground/background transition. Coming
// back marks as read whatever arrived in the open conversations meanwhile.
func (e *Engine) AppForeground(fg bool) {
	e.registry.SetAppForeground(fg)
	if !fg {
		return
	}
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.receipts.ObserveLoaded(id, e.store.Len(id))
	}
}

// Unread returns the unread count of one conversation.
func (e *Engine) Unread(ctx context.Context, conversationID string) (int, error) {
	c, err := e.docs.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return e.unread.Unread(ctx, c)
}

// UnreadCounts returns the unread count of every conversation.
func (e *Engine) UnreadCounts(ctx context.Context) (map[string]int, error) {
	return e.unread.Counts(ctx)
}

// TotalUnread returns the badge count.
func (e *Engine) TotalUnread(ctx context.Context) (int, error) {
	return e.unread.TotalUnread(ctx)
}

// ConversationList returns the list screen rows.
func (e *Engine) ConversationList(ctx context.Context) ([]ConversationSummary, error) {
	return e.unread.ConversationList(ctx)
}

// CachedConversationList returns the cached list screen rows, if fresh.
func (e *Engine) CachedConversationList(ctx context.Context) ([]ConversationSummary, bool) {
	return e.unread.CachedConversationList(ctx)
}

// Close closes every session and waits for pending cache writes. The cache
// backend itself is left open for its owner to close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	e.subs.CloseAll()
	e.timers.CancelAll()
	e.stopChanges()
	if e.cache != nil {
		e.cache.Flush()
	}
	return nil
}

func (e *Engine) onStoreChange(ev ChangeEvent) {
	if ev.Stable && e.cache != nil && !e.store.IsProvisional(ev.ConversationID) {
		msgs := e.store.Confirmed(ev.ConversationID)
		if len(msgs) > cachedMessages {
			msgs = msgs[len(msgs)-cachedMessages:]
		}
		e.cache.SetAsync(MessagesKey(ev.ConversationID), CacheShort, msgs)
	}
	if s, ok := e.Session(ev.ConversationID); ok {
		s.notify()
	}
}

// ============================================================================
// Session
// ============================================================================

// Session is one open conversation screen. It is created by
// Engine.OpenConversation and ends with Close.
type Session struct {
	engine *Engine
	id     string

	mu        sync.Mutex
	conv      Conversation
	live      bool // conv came from the server
	haveConv  bool
	title     string
	attached  bool
	closed    bool
	held      int  // deliveries in progress; updates wait for them
	dirty     bool // an update was held back
	listeners map[int]func()
	nextID    int
	closeOnce sync.Once
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

func (s *Session) restoreFromCache(ctx context.Context) {
	c := s.engine.cache
	if c == nil {
		return
	}
	var msgs []Message
	if c.Get(ctx, MessagesKey(s.id), &msgs) {
		s.engine.store.Restore(s.id, msgs)
	}
	var conv Conversation
	hasConv := c.Get(ctx, ConversationKey(s.id), &conv)
	var title string
	hasTitle := c.Get(ctx, TitleKey(s.id), &title)

	s.mu.Lock()
	if hasConv {
		s.conv, s.haveConv = conv, true
	}
	if hasTitle {
		s.title = title
	}
	s.mu.Unlock()
}

func (s *Session) onMessages(msgs []Message) {
	e := s.engine
	e.store.MergeServerSnapshot(s.id, msgs)

	// Snapshots of one subscription arrive one at a time.
	s.mu.Lock()
	first := !s.attached
	s.mu.Unlock()
	if first {
		oldest, _ := e.store.Oldest(s.id)
		e.pages.Attach(s.id, oldest, len(msgs) >= e.pageSize)
		s.mu.Lock()
		s.attached = true
		s.mu.Unlock()
	}
	e.receipts.ObserveLoaded(s.id, e.store.Len(s.id))
}

func (s *Session) onConversation(c Conversation) {
	e := s.engine
	self := e.self
	s.mu.Lock()
	s.conv, s.live, s.haveConv = c, true, true
	s.title = c.DisplayTitle(self)
	title := s.title
	s.mu.Unlock()

	e.receipts.ObserveConversation(c)
	if e.cache != nil {
		e.cache.SetAsync(ConversationKey(s.id), CacheShort, c)
		e.cache.SetAsync(TitleKey(s.id), CacheLong, title)
	}
	s.notify()
}

// onTerminated ends the session after the server ended its listeners, so a
// later OpenConversation subscribes again.
func (s *Session) onTerminated(err error) {
	s.engine.log.Debug("conversation_terminated", zap.String("conversation", s.id), zap.Error(err))
	s.notify()
	s.shutdown(true)
}

// OnUpdate registers fn to run after every change of the rendered state. The
// returned func removes it.
func (s *Session) OnUpdate(fn func()) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// holdUpdates defers listener calls until the running delivery has released
// its subscription, so a listener may close the session.
func (s *Session) holdUpdates() {
	s.mu.Lock()
	s.held++
	s.mu.Unlock()
}

func (s *Session) releaseUpdates() {
	s.mu.Lock()
	s.held--
	fire := s.held == 0 && s.dirty
	if fire {
		s.dirty = false
	}
	s.mu.Unlock()
	if fire {
		s.notify()
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.held > 0 {
		s.dirty = true
		s.mu.Unlock()
		return
	}
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Sending ──────────────────────────────────────────────

// Send sends a text message.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	return s.send(ctx, TextDraft(s.engine.self, text))
}

// SendImage uploads a local image and sends it with an optional caption.
func (s *Session) SendImage(ctx context.Context, localPath, caption string) (Message, error) {
	if s.engine.uploader == nil {
		return Message{}, newError(CodeInvalidInput, "no image uploader configured", nil)
	}
	url, err := s.engine.uploader.Upload(ctx, localPath)
	if err != nil {
		return Message{}, newError(CodeSendFailed, "image upload failed", err)
	}
	return s.send(ctx, ImageDraft(s.engine.self, url, caption))
}

// SendPoll sends a message referencing a poll created by the poll subsystem.
func (s *Session) SendPoll(ctx context.Context, pollRef, question string) (Message, error) {
	return s.send(ctx, PollDraft(s.engine.self, pollRef, question))
}

// Resend sends a rolled-back draft again under its original idempotency key,
// so a send that did reach the server is not stored twice.
func (s *Session) Resend(ctx context.Context, failed Message) (Message, error) {
	return s.send(ctx, Draft{
		SenderID:       s.engine.self,
		Kind:           failed.Kind,
		Text:           failed.Text,
		ImageURL:       failed.ImageURL,
		PollRef:        failed.PollRef,
		IdempotencyKey: failed.IdempotencyKey,
	})
}

// send appends the draft, creates the message and settles the draft. On
// failure the draft is rolled back and returned with a SEND_FAILED error so
// the caller can offer Resend. There is no automatic retry.
func (s *Session) send(ctx context.Context, d Draft) (Message, error) {
	if d.empty() {
		return Message{}, newError(CodeInvalidInput, "empty message", nil)
	}
	if s.isClosed() {
		return Message{}, ErrClosed
	}
	e := s.engine
	draftID := e.store.AppendOptimistic(s.id, d)
	draft, _ := e.store.Draft(draftID)

	created, err := e.docs.CreateMessage(ctx, s.id, Message{
		SenderID: draft.SenderID,
		Kind:     draft.Kind,
		Text:     draft.Text,
		ImageURL: draft.ImageURL,
		PollRef:  draft.PollRef,
	}, draft.IdempotencyKey)
	if err != nil {
		if _, rbErr := e.store.Rollback(draftID); rbErr != nil && !errors.Is(rbErr, ErrUnknownDraft) {
			e.log.Warn("rollback_failed", zap.String("draft", draftID), zap.Error(rbErr))
		}
		e.log.Warn("send_failed", zap.String("conversation", s.id), zap.Error(err))
		return draft, newError(CodeSendFailed, "send failed", err)
	}
	if err := e.store.ConfirmWith(draftID, created); err != nil && !errors.Is(err, ErrUnknownDraft) {
		return created, err
	}
	return created, nil
}

// ── Presence and history ─────────────────────────────────

// Input feeds the compose field content to the typing controller.
func (s *Session) Input(ctx context.Context, text string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.engine.typing.Input(ctx, s.id, text)
}

// LoadEarlier loads the previous page of history.
func (s *Session) LoadEarlier(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	e := s.engine
	n, err := e.pages.LoadEarlier(ctx, s.id)
	if n > 0 {
		e.receipts.Rebaseline(s.id, e.store.Len(s.id))
	}
	return n, err
}

// MarkRead writes lastRead immediately.
func (s *Session) MarkRead(ctx context.Context) error {
	return s.engine.receipts.MarkRead(ctx, s.id)
}

// ── Reads ────────────────────────────────────────────────

// View returns the rendered transcript, most recent first, with delivery
// states stamped on the local user's messages.
func (s *Session) View() []Message {
	s.mu.Lock()
	c := s.conv
	s.mu.Unlock()
	return Decorate(s.engine.store.View(s.id), c, s.engine.self)
}

// Title returns the header title: the live one once the conversation document
// arrived, the cached one before that.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.title != "" {
		return s.title
	}
	if s.haveConv {
		return s.conv.DisplayTitle(s.engine.self)
	}
	return ""
}

// Conversation returns the conversation document and whether it is live.
func (s *Session) Conversation() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv, s.live
}

// TypingUsers lists the other participants typing right now.
func (s *Session) TypingUsers() []string {
	s.mu.Lock()
	c := s.conv
	s.mu.Unlock()
	return s.engine.typing.TypingUsers(c)
}

// Loaded reports whether the first live message snapshot has arrived.
func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Cursor returns the pagination state.
func (s *Session) Cursor() PaginationCursor {
	c, _ := s.engine.pages.Cursor(s.id)
	return c
}

// PollTallies fetches vote counts for the poll messages in view.
func (s *Session) PollTallies(ctx context.Context) (map[string]map[string]int, error) {
	if s.engine.polls == nil {
		return nil, nil
	}
	var ids []string
	for _, m := range s.engine.store.Confirmed(s.id) {
		if m.Kind == KindPoll {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return map[string]map[string]int{}, nil
	}
	return s.engine.polls.Tallies(ctx, ids)
}

// Close leaves the conversation: typing stops, listeners detach, timers are
// cancelled and the conversation is no longer foregrounded.
func (s *Session) Close() {
	s.shutdown(false)
}

// shutdown tears the session down once. A terminated session's listeners are
// already gone and the server would reject its typing write.
func (s *Session) shutdown(terminated bool) {
	s.closeOnce.Do(func() {
		e := s.engine
		if terminated {
			e.typing.Forget(s.id)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
			defer cancel()
			_ = e.typing.Stop(ctx, s.id)
			e.subs.Close(s.id)
		}
		e.timers.CancelConversation(s.id)
		e.registry.Blur(s.id)
		e.pages.Detach(s.id)
		e.receipts.Forget(s.id)

		s.mu.Lock()
		s.closed = true
		s.listeners = map[int]func(){}
		s.mu.Unlock()

		e.mu.Lock()
		if e.sessions[s.id] == s {
			delete(e.sessions, s.id)
		}
		e.mu.Unlock()
		e.store.Forget(s.id)
		e.log.Info("conversation_closed", zap.String("conversation", s.id))
	})
}
