package convsync

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// ConversationStore
// ============================================================================

// ChangeEvent describes a store mutation. Stable is set when the confirmed
// transcript changed, which is when a cache write-through is worthwhile.
type ChangeEvent struct {
	ConversationID string
	Stable         bool
}

type draftEntry struct {
	msg      Message
	serverID string // known once the create call returned
}

type conversationState struct {
	confirmed   []Message // ascending by CreatedAt
	drafts      []*draftEntry
	claimed     map[string]struct{} // server ids that already superseded a draft
	provisional bool                // restored from cache, not yet confirmed live
}

func newConversationState() *conversationState {
	return &conversationState{claimed: make(map[string]struct{})}
}

// ConversationStore merges optimistic drafts and server-confirmed messages
// into one ordered, duplicate-free view per conversation.
type ConversationStore struct {
	clock   Clock
	window  time.Duration
	log     *zap.Logger
	metrics *Metrics

	mu        sync.Mutex
	convs     map[string]*conversationState
	draftConv map[string]string // draft id -> conversation id

	lmu       sync.Mutex
	listeners map[int]func(ChangeEvent)
	nextID    int
}

// StoreOption configures a ConversationStore.
type StoreOption func(*ConversationStore)

func WithStoreClock(clock Clock) StoreOption {
	return func(s *ConversationStore) { s.clock = clock }
}

func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(s *ConversationStore) { s.log = log }
}

func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *ConversationStore) { s.metrics = m }
}

// WithReconcileWindowOf sets the draft matching tolerance.
func WithReconcileWindowOf(d time.Duration) StoreOption {
	return func(s *ConversationStore) { s.window = d }
}

// NewConversationStore creates an empty store.
func NewConversationStore(opts ...StoreOption) *ConversationStore {
	s := &ConversationStore{
		clock:     SystemClock,
		window:    DefaultReconcileWindow,
		log:       zap.NewNop(),
		convs:     make(map[string]*conversationState),
		draftConv: make(map[string]string),
		listeners: make(map[int]func(ChangeEvent)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers fn for every mutation. Callbacks run on the mutating
// goroutine after the store lock is released. The returned func removes fn.
func (s *ConversationStore) OnChange(fn func(ChangeEvent)) func() {
	s.lmu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *ConversationStore) emit(ev ChangeEvent) {
	s.lmu.Lock()
	fns := make([]func(ChangeEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *ConversationStore) state(conversationID string) *conversationState {
	st, ok := s.convs[conversationID]
	if !ok {
		st = newConversationState()
		s.convs[conversationID] = st
	}
	return st
}

// ── Drafts ───────────────────────────────────────────────

// AppendOptimistic inserts a pending draft and returns its id. The draft is
// visible in View before this returns.
func (s *ConversationStore) AppendOptimistic(conversationID string, d Draft) string {
	id := DraftPrefix + uuid.NewString()
	key := d.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	m := Message{
		ID:             id,
		SenderID:       d.SenderID,
		Kind:           d.Kind,
		Text:           d.Text,
		ImageURL:       d.ImageURL,
		PollRef:        d.PollRef,
		CreatedAt:      s.clock.Now(),
		IdempotencyKey: key,
		DeliveryState:  DeliveryPending,
	}.normalized()

	s.mu.Lock()
	st := s.state(conversationID)
	st.drafts = append(st.drafts, &draftEntry{msg: m})
	s.draftConv[id] = conversationID
	s.mu.Unlock()

	s.metrics.draftCreated()
	s.emit(ChangeEvent{ConversationID: conversationID})
	return id
}

// Draft returns a live draft by id.
func (s *ConversationStore) Draft(draftID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, i := s.findDraft(draftID)
	if i < 0 {
		return Message{}, false
	}
	return st.drafts[i].msg, true
}

func (s *ConversationStore) findDraft(draftID string) (*conversationState, int) {
	conv, ok := s.draftConv[draftID]
	if !ok {
		return nil, -1
	}
	st := s.convs[conv]
	if st == nil {
		return nil, -1
	}
	for i, d := range st.drafts {
		if d.msg.ID == draftID {
			return st, i
		}
	}
	return nil, -1
}

// Confirm marks a draft as accepted by the server. It stays visible until
// its server copy arrives through a merge.
func (s *ConversationStore) Confirm(draftID string) error {
	return s.ConfirmWith(draftID, Message{})
}

// ConfirmWith is Confirm with the created server message. When the server
// copy is already held the draft is superseded immediately; otherwise its id
// is remembered so the next merge matches it exactly.
func (s *ConversationStore) ConfirmWith(draftID string, server Message) error {
	s.mu.Lock()
	st, i := s.findDraft(draftID)
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownDraft
	}
	conv := s.draftConv[draftID]
	d := st.drafts[i]
	d.msg.DeliveryState = DeliverySent
	d.serverID = server.ID
	superseded := false
	if server.ID != "" && indexOf(st.confirmed, server.ID) >= 0 {
		if _, taken := st.claimed[server.ID]; !taken {
			st.claimed[server.ID] = struct{}{}
			s.removeDraftAt(st, i)
			superseded = true
		}
	}
	s.mu.Unlock()

	if superseded {
		s.metrics.draftReconciled(1)
	}
	s.emit(ChangeEvent{ConversationID: conv})
	return nil
}

// Rollback removes a draft after a failed send and returns it so the caller
// can offer a resend with the same idempotency key.
func (s *ConversationStore) Rollback(draftID string) (Message, error) {
	s.mu.Lock()
	st, i := s.findDraft(draftID)
	if i < 0 {
		s.mu.Unlock()
		return Message{}, ErrUnknownDraft
	}
	conv := s.draftConv[draftID]
	m := st.drafts[i].msg
	s.removeDraftAt(st, i)
	s.mu.Unlock()

	s.metrics.draftRolledBack()
	s.emit(ChangeEvent{ConversationID: conv})
	return m, nil
}

func (s *ConversationStore) removeDraftAt(st *conversationState, i int) {
	delete(s.draftConv, st.drafts[i].msg.ID)
	st.drafts = append(st.drafts[:i], st.drafts[i+1:]...)
}

// ── Server data ──────────────────────────────────────────

// MergeServerSnapshot replaces the confirmed tail with a live snapshot of the
// newest messages. Confirmed messages not newer than the snapshot's oldest
// and absent from it (loaded by pagination) are kept. A provisional, cache-restored transcript is replaced
// wholesale. Pending drafts matched by the snapshot are dropped.
func (s *ConversationStore) MergeServerSnapshot(conversationID string, msgs []Message) {
	snap := prepare(msgs)

	s.mu.Lock()
	st := s.state(conversationID)
	if st.provisional || len(snap) == 0 {
		st.confirmed = snap
		st.provisional = false
	} else {
		ids := make(map[string]struct{}, len(snap))
		for _, m := range snap {
			ids[m.ID] = struct{}{}
		}
		floor := snap[0].CreatedAt
		merged := make([]Message, 0, len(st.confirmed)+len(snap))
		for _, m := range st.confirmed {
			if _, dup := ids[m.ID]; dup {
				continue
			}
			// Same-instant messages missing from the snapshot sort before it.
			if !m.CreatedAt.After(floor) {
				merged = append(merged, m)
			}
		}
		st.confirmed = append(merged, snap...)
		sortAscending(st.confirmed)
	}
	n := s.reconcile(st, snap)
	s.mu.Unlock()

	s.metrics.draftReconciled(n)
	s.emit(ChangeEvent{ConversationID: conversationID, Stable: true})
}

// MergeServerMessages upserts messages keyed by id and returns how many were
// new. Used by pagination and by single live events; an id already held is
// replaced in place, never duplicated.
func (s *ConversationStore) MergeServerMessages(conversationID string, msgs []Message) int {
	in := prepare(msgs)
	if len(in) == 0 {
		return 0
	}

	s.mu.Lock()
	st := s.state(conversationID)
	added := 0
	for _, m := range in {
		if i := indexOf(st.confirmed, m.ID); i >= 0 {
			st.confirmed[i] = m
			continue
		}
		st.confirmed = append(st.confirmed, m)
		added++
	}
	sortAscending(st.confirmed)
	n := s.reconcile(st, in)
	s.mu.Unlock()

	s.metrics.draftReconciled(n)
	s.emit(ChangeEvent{ConversationID: conversationID, Stable: true})
	return added
}

// reconcile drops every pending draft that one of the server messages
// represents. Exact matches (server id from the create call, or the echoed
// idempotency key) are taken first; the content heuristic only considers
// messages no other draft has claimed.
func (s *ConversationStore) reconcile(st *conversationState, server []Message) int {
	if len(st.drafts) == 0 || len(server) == 0 {
		return 0
	}
	settled := make(map[*draftEntry]bool)

	for _, d := range st.drafts {
		for _, m := range server {
			if _, taken := st.claimed[m.ID]; taken {
				continue
			}
			if (d.serverID != "" && d.serverID == m.ID) ||
				(m.IdempotencyKey != "" && m.IdempotencyKey == d.msg.IdempotencyKey) {
				st.claimed[m.ID] = struct{}{}
				settled[d] = true
				break
			}
		}
	}
	for _, d := range st.drafts {
		if settled[d] || d.serverID != "" {
			continue
		}
		for _, m := range server {
			if _, taken := st.claimed[m.ID]; taken {
				continue
			}
			if m.IdempotencyKey != "" && m.IdempotencyKey != d.msg.IdempotencyKey {
				continue
			}
			if s.matches(d.msg, m) {
				st.claimed[m.ID] = struct{}{}
				settled[d] = true
				break
			}
		}
	}
	if len(settled) == 0 {
		return 0
	}

	kept := st.drafts[:0]
	for _, d := range st.drafts {
		if settled[d] {
			delete(s.draftConv, d.msg.ID)
			s.log.Debug("draft_reconciled", zap.String("draft", d.msg.ID))
			continue
		}
		kept = append(kept, d)
	}
	for i := len(kept); i < len(st.drafts); i++ {
		st.drafts[i] = nil
	}
	st.drafts = kept
	return len(settled)
}

func (s *ConversationStore) matches(draft, server Message) bool {
	if draft.SenderID != server.SenderID || !samePayload(draft, server) {
		return false
	}
	dt := server.CreatedAt.Sub(draft.CreatedAt)
	if dt < 0 {
		dt = -dt
	}
	return dt < s.window
}

// Restore seeds a conversation from the local cache. It is ignored when live
// data is already held; the restored transcript is provisional and the first
// live snapshot replaces it.
func (s *ConversationStore) Restore(conversationID string, msgs []Message) bool {
	s.mu.Lock()
	st := s.state(conversationID)
	if len(st.confirmed) > 0 && !st.provisional {
		s.mu.Unlock()
		return false
	}
	st.confirmed = prepare(msgs)
	st.provisional = true
	s.mu.Unlock()

	s.emit(ChangeEvent{ConversationID: conversationID})
	return true
}

// Forget drops everything held for a conversation.
func (s *ConversationStore) Forget(conversationID string) {
	s.mu.Lock()
	if st, ok := s.convs[conversationID]; ok {
		for _, d := range st.drafts {
			delete(s.draftConv, d.msg.ID)
		}
		delete(s.convs, conversationID)
	}
	s.mu.Unlock()
}

// ── Reads ────────────────────────────────────────────────

// View returns the rendered list, most recent first: pending drafts newest
// first, then confirmed messages newest first.
func (s *ConversationStore) View(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(st.drafts)+len(st.confirmed))
	for i := len(st.drafts) - 1; i >= 0; i-- {
		out = append(out, st.drafts[i].msg)
	}
	for i := len(st.confirmed) - 1; i >= 0; i-- {
		out = append(out, st.confirmed[i])
	}
	return out
}

// Confirmed returns a copy of the confirmed transcript, ascending.
func (s *ConversationStore) Confirmed(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	return append([]Message(nil), st.confirmed...)
}

// Oldest returns the createdAt of the oldest confirmed message.
func (s *ConversationStore) Oldest(conversationID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.convs[conversationID]
	if !ok || len(st.confirmed) == 0 {
		return time.Time{}, false
	}
	return st.confirmed[0].CreatedAt, true
}

// Len returns the number of confirmed messages loaded.
func (s *ConversationStore) Len(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.convs[conversationID]; ok {
		return len(st.confirmed)
	}
	return 0
}

// PendingCount returns the number of live drafts.
func (s *ConversationStore) PendingCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.convs[conversationID]; ok {
		return len(st.drafts)
	}
	return 0
}

// IsProvisional reports whether the transcript still comes from the cache.
func (s *ConversationStore) IsProvisional(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.convs[conversationID]
	return ok && st.provisional
}

// prepare normalizes, copies and sorts server messages, keeping the last
// occurrence of a repeated id.
func prepare(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	pos := make(map[string]int, len(msgs))
	for _, m := range msgs {
		m = m.normalized()
		m.DeliveryState = DeliveryNone
		if i, ok := pos[m.ID]; ok {
			out[i] = m
			continue
		}
		pos[m.ID] = len(out)
		out = append(out, m)
	}
	sortAscending(out)
	return out
}

func indexOf(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
