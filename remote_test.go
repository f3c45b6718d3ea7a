package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake service
// ============================================================================

const testToken = "test-token"

// fakeService serves the REST and realtime endpoints from a
// MemoryDocumentStore.
type fakeService struct {
	docs *MemoryDocumentStore
	srv  *httptest.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]context.CancelFunc
	subs  int
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	fs := &fakeService{
		docs:  NewMemoryDocumentStore(nil),
		conns: make(map[*websocket.Conn]context.CancelFunc),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/realtime", fs.realtime)
	mux.HandleFunc("GET /v1/conversations", fs.auth(fs.listConversations))
	mux.HandleFunc("GET /v1/conversations/{id}", fs.auth(fs.getConversation))
	mux.HandleFunc("PATCH /v1/conversations/{id}", fs.auth(fs.updateConversation))
	mux.HandleFunc("PUT /v1/conversations/{id}", fs.auth(fs.setConversation))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", fs.auth(fs.queryMessages))
	mux.HandleFunc("POST /v1/conversations/{id}/messages", fs.auth(fs.createMessage))
	mux.HandleFunc("GET /v1/conversations/{id}/messages:count", fs.auth(fs.countMessages))
	mux.HandleFunc("POST /v1/uploads", fs.auth(fs.upload))
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		fs.kick()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeService) client(opts ...RemoteOption) *RemoteDocumentStore {
	opts = append([]RemoteOption{WithRealtimeConfig(RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})}, opts...)
	return NewRemoteDocumentStore(fs.srv.URL, testToken, opts...)
}

// kick drops every realtime connection.
func (fs *fakeService) kick() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = make(map[*websocket.Conn]context.CancelFunc)
	fs.mu.Unlock()
	for c, cancel := range conns {
		cancel()
		c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (fs *fakeService) subscriptions() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.subs
}

func (fs *fakeService) auth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeFail(w, http.StatusUnauthorized, "UNAUTHORIZED", "bad token")
			return
		}
		h(w, r)
	}
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func writeFail(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": map[string]string{"code": code, "message": msg}})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		writeFail(w, http.StatusNotFound, "NOT_FOUND", "no such conversation")
		return
	}
	writeFail(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}

func (fs *fakeService) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, _ := fs.docs.ListConversations(r.Context(), r.URL.Query().Get("participant"))
	out := make([]conversationDoc, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationDoc{ID: c.ID, Doc: c.Doc()})
	}
	writeData(w, out)
}

func (fs *fakeService) getConversation(w http.ResponseWriter, r *http.Request) {
	switch id := r.PathValue("id"); id {
	case "forbidden":
		writeFail(w, http.StatusForbidden, "FORBIDDEN", "not a participant")
	case "broken":
		writeFail(w, http.StatusServiceUnavailable, "UNAVAILABLE", "try later")
	default:
		c, err := fs.docs.GetConversation(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeData(w, conversationDoc{ID: id, Doc: c.Doc()})
	}
}

func (fs *fakeService) updateConversation(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeFail(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if err := fs.docs.UpdateConversation(r.Context(), r.PathValue("id"), fields); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, nil)
}

func (fs *fakeService) setConversation(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeFail(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	merge, _ := strconv.ParseBool(r.URL.Query().Get("merge"))
	if err := fs.docs.SetConversation(r.Context(), r.PathValue("id"), fields, merge); err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, nil)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (fs *fakeService) queryMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	msgs, err := fs.docs.QueryMessages(r.Context(), r.PathValue("id"), parseTime(q.Get("before")), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, msgs)
}

func (fs *fakeService) createMessage(w http.ResponseWriter, r *http.Request) {
	var m Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeFail(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	created, err := fs.docs.CreateMessage(r.Context(), r.PathValue("id"), m, r.Header.Get(idempotencyHeader))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, created)
}

func (fs *fakeService) countMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := fs.docs.CountMessagesAfter(r.Context(), r.PathValue("id"), parseTime(q.Get("after")), q.Get("excludeSender"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, map[string]int{"count": n})
}

func (fs *fakeService) upload(w http.ResponseWriter, r *http.Request) {
	_, header, err := r.FormFile("file")
	if err != nil {
		writeFail(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	writeData(w, map[string]string{"url": "https://cdn.test/" + header.Filename})
}

func (fs *fakeService) realtime(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	fs.mu.Lock()
	fs.conns[conn] = cancel
	fs.mu.Unlock()

	unsubs := make(map[string]Unsubscribe)
	var umu sync.Mutex
	defer func() {
		umu.Lock()
		for _, u := range unsubs {
			u()
		}
		fs.mu.Lock()
		fs.subs -= len(unsubs)
		delete(fs.conns, conn)
		fs.mu.Unlock()
		umu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	emit := func(typ string, payload any) {
		data, _ := json.Marshal(payload)
		env, _ := json.Marshal(RealtimeEnvelope{Type: typ, Payload: data})
		_ = conn.Write(ctx, websocket.MessageText, env)
	}
	emit(EventAuthenticated, AuthenticatedPayload{UserID: "me"})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type      string          `json:"type"`
			Payload   json.RawMessage `json:"payload"`
			RequestID string          `json:"requestId"`
		}
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		switch cmd.Type {
		case CommandPing:
			emit(EventPong, PongPayload{RequestID: cmd.RequestID})
		case CommandUnsubscribe:
			var p struct {
				SubscriptionID string `json:"subscriptionId"`
			}
			_ = json.Unmarshal(cmd.Payload, &p)
			umu.Lock()
			if u, ok := unsubs[p.SubscriptionID]; ok {
				u()
				delete(unsubs, p.SubscriptionID)
				fs.mu.Lock()
				fs.subs--
				fs.mu.Unlock()
			}
			umu.Unlock()
		case CommandSubscribe:
			var p SubscribePayload
			if json.Unmarshal(cmd.Payload, &p) != nil {
				continue
			}
			if p.ConversationID == "secret" {
				emit(EventSubscriptionError, SubscriptionErrorPayload{
					SubscriptionID: p.SubscriptionID, Code: CodePermissionDenied, Message: "not a participant",
				})
				continue
			}
			var u Unsubscribe
			if p.Kind == SubscribeMessages {
				u, _ = fs.docs.SubscribeMessages(ctx, p.ConversationID, p.Limit, func(msgs []Message) {
					emit(EventQuerySnapshot, QuerySnapshotPayload{SubscriptionID: p.SubscriptionID, Messages: msgs})
				}, nil)
			} else {
				u, _ = fs.docs.SubscribeConversation(ctx, p.ConversationID, func(c Conversation) {
					emit(EventDocSnapshot, DocSnapshotPayload{SubscriptionID: p.SubscriptionID, ConversationID: c.ID, Doc: c.Doc()})
				}, nil)
			}
			if u == nil {
				continue
			}
			umu.Lock()
			unsubs[p.SubscriptionID] = u
			fs.mu.Lock()
			fs.subs++
			fs.mu.Unlock()
			umu.Unlock()
		}
	}
}

// ============================================================================
// REST
// ============================================================================

func TestRemoteMessages(t *testing.T) {
	fs := newFakeService(t)
	fs.docs.CreateConversation("c", "", "me", "bob")
	fs.docs.AddMessages("c", history(5, "me", "bob")...)
	r := fs.client()
	defer r.Close()
	ctx := context.Background()

	created, err := r.CreateMessage(ctx, "c", Message{SenderID: "me", Kind: KindText, Text: "hi"}, "key-1")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "key-1", created.IdempotencyKey)

	again, err := r.CreateMessage(ctx, "c", Message{SenderID: "me", Kind: KindText, Text: "hi"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	latest, ok, err := r.LatestMessage(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID, latest.ID)

	older, err := r.QueryMessages(ctx, "c", history(5, "me", "bob")[3].CreatedAt, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"h-002", "h-001"}, ids(older))

	n, err := r.CountMessagesAfter(ctx, "c", history(5, "me", "bob")[2].CreatedAt, "me")
	require.NoError(t, err)
	assert.Equal(t, 1, n) // h-003 is bob's, h-004 and "hi" are mine
}

func TestRemoteConversations(t *testing.T) {
	fs := newFakeService(t)
	fs.docs.CreateConversation("c", "Chat", "me", "bob")
	r := fs.client()
	defer r.Close()
	ctx := context.Background()

	c, err := r.GetConversation(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "Chat", c.Title)
	assert.Equal(t, []string{"me", "bob"}, c.Participants)

	require.NoError(t, r.UpdateConversation(ctx, "c", map[string]any{lastReadPath("me"): t0}))
	c, err = r.GetConversation(ctx, "c")
	require.NoError(t, err)
	assert.True(t, c.LastRead["me"].Equal(t0))

	err = r.UpdateConversation(ctx, "new", map[string]any{typingPath("me"): true})
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, writeOwnFields(ctx, r, "new", map[string]any{typingPath("me"): true, typingUpdatedPath("me"): t0}))
	c, err = r.GetConversation(ctx, "new")
	require.NoError(t, err)
	assert.True(t, c.Typing["me"].IsTyping)

	convs, err := r.ListConversations(ctx, "me")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c", convs[0].ID)
}

func TestRemoteErrors(t *testing.T) {
	fs := newFakeService(t)
	r := fs.client()
	defer r.Close()
	ctx := context.Background()

	_, err := r.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.GetConversation(ctx, "forbidden")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = r.GetConversation(ctx, "broken")
	assert.True(t, IsTransient(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "try later", apiErr.Message)

	bad := NewRemoteDocumentStore(fs.srv.URL, "wrong")
	defer bad.Close()
	_, err = bad.ListConversations(ctx, "me")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrorCode("UNAUTHORIZED"), apiErr.Code)
}

func TestRemoteUpload(t *testing.T) {
	fs := newFakeService(t)
	r := fs.client()
	defer r.Close()
	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG"), 0o600))

	url, err := r.Upload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/cat.png", url)
}

func TestEncodeFields(t *testing.T) {
	at := time.Date(2026, 1, 1, 13, 0, 0, 0, time.FixedZone("CET", 3600))
	out := encodeFields(map[string]any{
		"lastRead": map[string]any{"me": at},
		"typing":   true,
	})
	assert.Equal(t, "2026-01-01T12:00:00Z", out["lastRead"].(map[string]any)["me"])
	assert.Equal(t, true, out["typing"])
}

// ============================================================================
// Realtime
// ============================================================================

func TestRealtimeSnapshots(t *testing.T) {
	fs := newFakeService(t)
	fs.docs.CreateConversation("c", "Chat", "me", "bob")
	fs.docs.AddMessages("c", history(3, "bob")...)
	r := fs.client()
	defer r.Close()
	ctx := context.Background()

	snaps := make(chan []Message, 10)
	unsub, err := r.SubscribeMessages(ctx, "c", 2, func(m []Message) { snaps <- m }, nil)
	require.NoError(t, err)
	convs := make(chan Conversation, 10)
	unsubConv, err := r.SubscribeConversation(ctx, "c", func(c Conversation) { convs <- c }, nil)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, r.Realtime().State())
	assert.Equal(t, 2, r.Realtime().SubscriptionCount())

	first := <-snaps
	assert.Equal(t, []string{"h-001", "h-002"}, ids(first))
	c := <-convs
	assert.Equal(t, "Chat", c.Title)

	fs.docs.AddMessages("c", msgAt("new", "bob", "hey", t0))
	assert.Equal(t, []string{"h-002", "new"}, ids(<-snaps))

	unsub()
	unsubConv()
	assert.Zero(t, r.Realtime().SubscriptionCount())
	assert.Eventually(t, func() bool { return fs.subscriptions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRealtimePermissionDenied(t *testing.T) {
	fs := newFakeService(t)
	r := fs.client()
	defer r.Close()

	errs := make(chan error, 1)
	_, err := r.SubscribeMessages(context.Background(), "secret", 20, func([]Message) {
		t.Error("unexpected snapshot")
	}, func(err error) { errs <- err })
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrPermissionDenied)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription error")
	}
	assert.Zero(t, r.Realtime().SubscriptionCount())
}

func TestRealtimePing(t *testing.T) {
	fs := newFakeService(t)
	r := fs.client()
	defer r.Close()
	ctx := context.Background()
	require.NoError(t, r.Realtime().Connect(ctx))

	pong, err := r.Realtime().Ping(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pong.RequestID)
}

func TestRealtimeResubscribesAfterReconnect(t *testing.T) {
	fs := newFakeService(t)
	fs.docs.CreateConversation("c", "", "me", "bob")
	r := fs.client()
	defer r.Close()

	var mu sync.Mutex
	var last []Message
	_, err := r.SubscribeMessages(context.Background(), "c", 20, func(m []Message) {
		mu.Lock()
		last = m
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fs.subscriptions() == 1 }, 2*time.Second, 10*time.Millisecond)

	fs.kick()
	require.Eventually(t, func() bool {
		return r.Realtime().State() == StateConnected && fs.subscriptions() == 1
	}, 5*time.Second, 10*time.Millisecond)

	fs.docs.AddMessages("c", msgAt("after", "bob", "back", t0))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].ID == "after"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRealtimeURLEscapesToken(t *testing.T) {
	ws := NewRealtimeClient("https://chat.example.com/", "a+b&c=d", RealtimeConfig{}, nil)
	assert.Equal(t, "wss://chat.example.com/v1/realtime?token=a%2Bb%26c%3Dd", ws.url())
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 5,
	})
	var delays []time.Duration
	for r.shouldReconnect() {
		_, d := r.nextDelay()
		delays = append(delays, d)
	}
	require.Len(t, delays, 5)
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.Less(t, delays[0], 150*time.Millisecond)
	assert.GreaterOrEqual(t, delays[3], 800*time.Millisecond)
	assert.Equal(t, time.Second, delays[4])
}

// ============================================================================
// Engine over the wire
// ============================================================================

func TestEngineOverRemote(t *testing.T) {
	fs := newFakeService(t)
	fs.docs.CreateConversation("c", "Chat", "me", "bob")
	fs.docs.AddMessages("c", history(3, "bob")...)
	r := fs.client()
	defer r.Close()
	e := NewEngine(r, StaticIdentity{UserID: "me"},
		WithUploader(r),
		WithReadDebounce(10*time.Millisecond),
		WithTypingTimings(50*time.Millisecond, 10*time.Millisecond, time.Second),
	)
	defer e.Close()
	ctx := context.Background()

	s, err := e.OpenConversation(ctx, "c")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Loaded() && s.Title() == "Chat" }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, s.View(), 3)

	created, err := s.Send(ctx, "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v := s.View()
		return len(v) == 4 && v[0].ID == created.ID
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, e.Store().PendingCount("c"))

	// The open conversation gets marked read.
	require.Eventually(t, func() bool {
		c, err := fs.docs.GetConversation(ctx, "c")
		return err == nil && !c.LastRead["me"].IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Input(ctx, "typing"))
	c, err := fs.docs.GetConversation(ctx, "c")
	require.NoError(t, err)
	assert.True(t, c.Typing["me"].IsTyping)
	require.Eventually(t, func() bool {
		c, err := fs.docs.GetConversation(ctx, "c")
		return err == nil && !c.Typing["me"].IsTyping
	}, 2*time.Second, 10*time.Millisecond)

	s.Close()
	assert.Eventually(t, func() bool { return fs.subscriptions() == 0 }, 2*time.Second, 10*time.Millisecond)
}
