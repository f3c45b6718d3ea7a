package convsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// MemoryDocumentStore
// ============================================================================

// WriteRecord is one write observed by a MemoryDocumentStore.
type WriteRecord struct {
	Op             string // "update", "set", "create"
	ConversationID string
	Fields         map[string]any
	At             time.Time
}

type msgListener struct {
	limit int
	fn    func([]Message)
	onErr func(error)
}

type convListener struct {
	fn    func(Conversation)
	onErr func(error)
}

// MemoryDocumentStore is an in-process realtime document store. Listeners are
// notified synchronously, after the write that changed their data, on the
// writer's goroutine. It backs the tests and the CLI demo.
type MemoryDocumentStore struct {
	clock Clock

	mu            sync.Mutex
	convs         map[string]map[string]any
	messages      map[string][]Message
	msgListeners  map[string]map[int]*msgListener
	convListeners map[string]map[int]*convListener
	nextListener  int
	seq           int
	writes        []WriteRecord
	failNext      map[string]error
}

// NewMemoryDocumentStore creates an empty store. A nil clock means SystemClock.
func NewMemoryDocumentStore(clock Clock) *MemoryDocumentStore {
	if clock == nil {
		clock = SystemClock
	}
	return &MemoryDocumentStore{
		clock:         clock,
		convs:         make(map[string]map[string]any),
		messages:      make(map[string][]Message),
		msgListeners:  make(map[string]map[int]*msgListener),
		convListeners: make(map[string]map[int]*convListener),
		failNext:      make(map[string]error),
	}
}

// ── Seeding and test hooks ───────────────────────────────

// CreateConversation creates (or replaces) a conversation document.
func (s *MemoryDocumentStore) CreateConversation(id, title string, participants ...string) {
	c := Conversation{ID: id, Title: title, Participants: participants}
	s.mu.Lock()
	s.convs[id] = c.Doc()
	s.mu.Unlock()
	s.notifyConversation(id)
}

// AddMessages inserts server messages as-is (ids and createdAt must be set).
func (s *MemoryDocumentStore) AddMessages(conversationID string, msgs ...Message) {
	s.mu.Lock()
	for _, m := range msgs {
		s.messages[conversationID] = append(s.messages[conversationID], m.normalized())
	}
	sortAscending(s.messages[conversationID])
	s.mu.Unlock()
	s.notifyMessages(conversationID)
}

// FailNext makes the next call of op ("create", "update", "set", "query",
// "count") return err.
func (s *MemoryDocumentStore) FailNext(op string, err error) {
	s.mu.Lock()
	s.failNext[op] = err
	s.mu.Unlock()
}

// Revoke ends every listener of a conversation with ErrPermissionDenied, as
// the server does when the user is removed from it.
func (s *MemoryDocumentStore) Revoke(conversationID string) {
	s.mu.Lock()
	ml := s.msgListeners[conversationID]
	cl := s.convListeners[conversationID]
	delete(s.msgListeners, conversationID)
	delete(s.convListeners, conversationID)
	s.mu.Unlock()
	for _, l := range ml {
		if l.onErr != nil {
			l.onErr(ErrPermissionDenied)
		}
	}
	for _, l := range cl {
		if l.onErr != nil {
			l.onErr(ErrPermissionDenied)
		}
	}
}

// Writes returns the conversation writes observed so far.
func (s *MemoryDocumentStore) Writes() []WriteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WriteRecord(nil), s.writes...)
}

// ListenerCount returns the number of attached listeners for a conversation.
func (s *MemoryDocumentStore) ListenerCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgListeners[conversationID]) + len(s.convListeners[conversationID])
}

func (s *MemoryDocumentStore) takeFailure(op string) error {
	err := s.failNext[op]
	delete(s.failNext, op)
	return err
}

// ── Listeners ────────────────────────────────────────────

func (s *MemoryDocumentStore) SubscribeMessages(ctx context.Context, conversationID string, limit int, fn func([]Message), onErr func(error)) (Unsubscribe, error) {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	if s.msgListeners[conversationID] == nil {
		s.msgListeners[conversationID] = make(map[int]*msgListener)
	}
	l := &msgListener{limit: limit, fn: fn, onErr: onErr}
	s.msgListeners[conversationID][id] = l
	snap := tail(s.messages[conversationID], limit)
	s.mu.Unlock()

	fn(snap)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.msgListeners[conversationID], id)
			s.mu.Unlock()
		})
	}, nil
}

func (s *MemoryDocumentStore) SubscribeConversation(ctx context.Context, conversationID string, fn func(Conversation), onErr func(error)) (Unsubscribe, error) {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	if s.convListeners[conversationID] == nil {
		s.convListeners[conversationID] = make(map[int]*convListener)
	}
	s.convListeners[conversationID][id] = &convListener{fn: fn, onErr: onErr}
	doc, ok := s.convs[conversationID]
	var c Conversation
	if ok {
		c = ConversationFromDoc(conversationID, doc)
	}
	s.mu.Unlock()

	if ok {
		fn(c)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.convListeners[conversationID], id)
			s.mu.Unlock()
		})
	}, nil
}

func (s *MemoryDocumentStore) notifyMessages(conversationID string) {
	s.mu.Lock()
	type delivery struct {
		fn   func([]Message)
		snap []Message
	}
	var out []delivery
	for _, l := range s.msgListeners[conversationID] {
		out = append(out, delivery{l.fn, tail(s.messages[conversationID], l.limit)})
	}
	s.mu.Unlock()
	for _, d := range out {
		d.fn(d.snap)
	}
}

func (s *MemoryDocumentStore) notifyConversation(conversationID string) {
	s.mu.Lock()
	doc, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	c := ConversationFromDoc(conversationID, doc)
	var fns []func(Conversation)
	for _, l := range s.convListeners[conversationID] {
		fns = append(fns, l.fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryDocumentStore) QueryMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("query"); err != nil {
		return nil, err
	}
	all := s.messages[conversationID]
	var out []Message
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if before.IsZero() || all[i].CreatedAt.Before(before) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *MemoryDocumentStore) CreateMessage(ctx context.Context, conversationID string, msg Message, idempotencyKey string) (Message, error) {
	s.mu.Lock()
	if err := s.takeFailure("create"); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	if idempotencyKey != "" {
		for _, m := range s.messages[conversationID] {
			if m.IdempotencyKey == idempotencyKey {
				s.mu.Unlock()
				return m, nil
			}
		}
	}
	s.seq++
	now := s.clock.Now()
	all := s.messages[conversationID]
	if n := len(all); n > 0 && now.Before(all[n-1].CreatedAt) {
		now = all[n-1].CreatedAt
	}
	stored := msg.normalized()
	stored.ID = fmt.Sprintf("m-%d", s.seq)
	stored.CreatedAt = now
	stored.IdempotencyKey = idempotencyKey
	stored.DeliveryState = DeliveryNone
	s.messages[conversationID] = append(all, stored)
	s.writes = append(s.writes, WriteRecord{Op: "create", ConversationID: conversationID, At: now,
		Fields: map[string]any{"senderId": stored.SenderID, "text": stored.Text}})
	s.mu.Unlock()

	s.notifyMessages(conversationID)
	return stored, nil
}

func (s *MemoryDocumentStore) LatestMessage(ctx context.Context, conversationID string) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[conversationID]
	if len(all) == 0 {
		return Message{}, false, nil
	}
	return all[len(all)-1], true, nil
}

func (s *MemoryDocumentStore) CountMessagesAfter(ctx context.Context, conversationID string, after time.Time, excludeSender string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("count"); err != nil {
		return 0, err
	}
	n := 0
	for _, m := range s.messages[conversationID] {
		if m.SenderID != excludeSender && m.CreatedAt.After(after) {
			n++
		}
	}
	return n, nil
}

// ── Conversations ────────────────────────────────────────

func (s *MemoryDocumentStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return ConversationFromDoc(conversationID, doc), nil
}

func (s *MemoryDocumentStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for id, doc := range s.convs {
		c := ConversationFromDoc(id, doc)
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryDocumentStore) UpdateConversation(ctx context.Context, conversationID string, fields map[string]any) error {
	s.mu.Lock()
	if err := s.takeFailure("update"); err != nil {
		s.mu.Unlock()
		return err
	}
	doc, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	for path, v := range fields {
		setPath(doc, path, v)
	}
	s.writes = append(s.writes, WriteRecord{Op: "update", ConversationID: conversationID, Fields: copyFields(fields), At: s.clock.Now()})
	s.mu.Unlock()

	s.notifyConversation(conversationID)
	return nil
}

func (s *MemoryDocumentStore) SetConversation(ctx context.Context, conversationID string, fields map[string]any, merge bool) error {
	s.mu.Lock()
	if err := s.takeFailure("set"); err != nil {
		s.mu.Unlock()
		return err
	}
	doc, ok := s.convs[conversationID]
	if !ok || !merge {
		doc = make(map[string]any)
		s.convs[conversationID] = doc
	}
	mergeInto(doc, fields)
	s.writes = append(s.writes, WriteRecord{Op: "set", ConversationID: conversationID, Fields: copyFields(fields), At: s.clock.Now()})
	s.mu.Unlock()

	s.notifyConversation(conversationID)
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func tail(all []Message, limit int) []Message {
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]Message(nil), all...)
}

func sortAscending(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

// setPath assigns v at a dotted path. Only the first dot nests, so user ids
// containing dots stay intact.
func setPath(doc map[string]any, path string, v any) {
	parts := strings.SplitN(path, ".", 2)
	if len(parts) == 1 {
		doc[path] = v
		return
	}
	child, ok := doc[parts[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		doc[parts[0]] = child
	}
	child[parts[1]] = v
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			dm, ok := dst[k].(map[string]any)
			if !ok {
				dm = make(map[string]any)
				dst[k] = dm
			}
			mergeInto(dm, sm)
			continue
		}
		dst[k] = v
	}
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
