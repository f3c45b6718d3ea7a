package convsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTyping(t *testing.T) (*TypingController, *MemoryDocumentStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	docs := NewMemoryDocumentStore(clock)
	docs.CreateConversation("c", "", "me", "bob")
	tc := NewTypingController(docs, "me", NewTimerGroup(clock), clock, nil, nil)
	return tc, docs, clock
}

func typingWrites(docs *MemoryDocumentStore) []WriteRecord {
	return writesOf(docs, typingPath("me"))
}

// ============================================================================
// TypingController
// ============================================================================

func TestTypingOneWritePerTransition(t *testing.T) {
	tc, docs, clock := newTestTyping(t)
	ctx := context.Background()
	text := strings.Repeat("a", 20)

	// 2 s of keystrokes, 100 ms apart, then the field is cleared.
	for i := 1; i <= 20; i++ {
		require.NoError(t, tc.Input(ctx, "c", text[:i]))
		clock.Advance(100 * time.Millisecond)
	}
	require.NoError(t, tc.Input(ctx, "c", ""))
	cleared := clock.Now()
	clock.Advance(500 * time.Millisecond)
	clock.Advance(5 * time.Second)

	writes := typingWrites(docs)
	require.Len(t, writes, 2)
	assert.Equal(t, true, fieldValue(writes[0], typingPath("me")))
	assert.Equal(t, t0, writes[0].At)
	assert.Equal(t, false, fieldValue(writes[1], typingPath("me")))
	assert.Equal(t, cleared.Add(500*time.Millisecond), writes[1].At)
	assert.False(t, tc.IsTyping("c"))
}

func TestTypingIdleTimeout(t *testing.T) {
	tc, docs, clock := newTestTyping(t)
	ctx := context.Background()

	require.NoError(t, tc.Input(ctx, "c", "h"))
	assert.True(t, tc.IsTyping("c"))
	clock.Advance(999 * time.Millisecond)
	assert.Len(t, typingWrites(docs), 1)

	clock.Advance(time.Millisecond)
	writes := typingWrites(docs)
	require.Len(t, writes, 2)
	assert.Equal(t, false, fieldValue(writes[1], typingPath("me")))
	assert.Equal(t, t0.Add(time.Second), writes[1].At)

	// Typing again starts a new cycle.
	require.NoError(t, tc.Input(ctx, "c", "he"))
	assert.Len(t, typingWrites(docs), 3)
}

func TestTypingResumedBeforeClear(t *testing.T) {
	tc, docs, clock := newTestTyping(t)
	ctx := context.Background()

	require.NoError(t, tc.Input(ctx, "c", "h"))
	require.NoError(t, tc.Input(ctx, "c", ""))
	clock.Advance(300 * time.Millisecond)
	require.NoError(t, tc.Input(ctx, "c", "x"))
	clock.Advance(300 * time.Millisecond)

	assert.Len(t, typingWrites(docs), 1)
	assert.True(t, tc.IsTyping("c"))
}

func TestTypingEmptyInputWhileIdle(t *testing.T) {
	tc, docs, clock := newTestTyping(t)

	require.NoError(t, tc.Input(context.Background(), "c", ""))
	clock.Advance(time.Minute)

	assert.Empty(t, typingWrites(docs))
}

func TestTypingStop(t *testing.T) {
	tc, docs, clock := newTestTyping(t)
	ctx := context.Background()

	require.NoError(t, tc.Input(ctx, "c", "h"))
	require.NoError(t, tc.Stop(ctx, "c"))
	clock.Advance(time.Minute)

	writes := typingWrites(docs)
	require.Len(t, writes, 2)
	assert.Equal(t, false, fieldValue(writes[1], typingPath("me")))
	assert.Equal(t, t0, writes[1].At)

	// Stopping an idle conversation writes nothing.
	require.NoError(t, tc.Stop(ctx, "c"))
	assert.Len(t, typingWrites(docs), 2)
}

func TestTypingCreatesMissingDocument(t *testing.T) {
	clock := newFakeClock()
	docs := NewMemoryDocumentStore(clock)
	tc := NewTypingController(docs, "me", NewTimerGroup(clock), clock, nil, nil)

	require.NoError(t, tc.Input(context.Background(), "new", "h"))

	writes := docs.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "set", writes[0].Op)
	assert.Equal(t, true, fieldValue(writes[0], typingPath("me")))

	c, err := docs.GetConversation(context.Background(), "new")
	require.NoError(t, err)
	assert.True(t, c.Typing["me"].IsTyping)
	assert.Equal(t, t0, c.Typing["me"].LastUpdate)
}

func TestTypingWriteFailure(t *testing.T) {
	tc, docs, _ := newTestTyping(t)
	boom := errors.New("boom")
	docs.FailNext("update", boom)

	err := tc.Input(context.Background(), "c", "h")

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, typingWrites(docs))
}

func TestTypingUsers(t *testing.T) {
	now := t0
	c := Conversation{
		ID:           "c",
		Participants: []string{"me", "bob", "carol", "dave"},
		Typing: map[string]TypingStatus{
			"me":      {IsTyping: true, LastUpdate: now},
			"bob":     {IsTyping: true, LastUpdate: now.Add(-time.Second)},
			"carol":   {IsTyping: true, LastUpdate: now.Add(-6 * time.Second)},
			"dave":    {IsTyping: false, LastUpdate: now},
			"mallory": {IsTyping: true, LastUpdate: now},
		},
	}

	assert.Equal(t, []string{"bob"}, TypingUsers(c, "me", now, DefaultTypingTimeout))
	assert.Equal(t, []string{"bob", "carol"}, TypingUsers(c, "me", now, 10*time.Second))
}

func TestTypingStatusRoundTrip(t *testing.T) {
	c := ConversationFromDoc("c", map[string]any{
		"participants": []any{"me", "bob"},
		"typingStatus": map[string]any{"bob": true, "bobLastUpdate": t0.Format(time.RFC3339Nano)},
		"lastRead":     map[string]any{"bob": t0.Add(-time.Minute)},
		"unrelated":    42,
	})

	require.Contains(t, c.Typing, "bob")
	assert.True(t, c.Typing["bob"].IsTyping)
	assert.True(t, c.Typing["bob"].LastUpdate.Equal(t0))
	assert.NotContains(t, c.Typing, "bobLastUpdate")
	assert.True(t, c.LastRead["bob"].Equal(t0.Add(-time.Minute)))
}

// stallingFalseWrites holds the first typing=false update until released.
type stallingFalseWrites struct {
	*MemoryDocumentStore
	entered chan struct{}
	release chan struct{}
	once    bool
}

func (s *stallingFalseWrites) UpdateConversation(ctx context.Context, conversationID string, fields map[string]any) error {
	if v, ok := fields[typingPath("me")].(bool); ok && !v && !s.once {
		s.once = true
		s.entered <- struct{}{}
		<-s.release
	}
	return s.MemoryDocumentStore.UpdateConversation(ctx, conversationID, fields)
}

func TestTypingKeystrokeDuringExpiryWrite(t *testing.T) {
	clock := newFakeClock()
	mem := NewMemoryDocumentStore(clock)
	mem.CreateConversation("c", "", "me", "bob")
	docs := &stallingFalseWrites{MemoryDocumentStore: mem, entered: make(chan struct{}, 1), release: make(chan struct{})}
	tc := NewTypingController(docs, "me", NewTimerGroup(clock), clock, nil, nil)
	ctx := context.Background()

	require.NoError(t, tc.Input(ctx, "c", "h"))
	go clock.Advance(DefaultTypingIdle)
	<-docs.entered

	typed := make(chan error, 1)
	go func() { typed <- tc.Input(ctx, "c", "he") }()
	select {
	case <-typed:
		t.Fatal("keystroke write overtook the pending stop write")
	case <-time.After(50 * time.Millisecond):
	}

	close(docs.release)
	require.NoError(t, <-typed)

	writes := typingWrites(mem)
	require.Len(t, writes, 3)
	assert.Equal(t, []any{true, false, true}, []any{
		fieldValue(writes[0], typingPath("me")),
		fieldValue(writes[1], typingPath("me")),
		fieldValue(writes[2], typingPath("me")),
	})
	c, err := mem.GetConversation(ctx, "c")
	require.NoError(t, err)
	assert.True(t, c.Typing["me"].IsTyping)
	assert.True(t, tc.IsTyping("c"))
}

func TestTypingForgetDropsStateWithoutWriting(t *testing.T) {
	tc, docs, clock := newTestTyping(t)
	require.NoError(t, tc.Input(context.Background(), "c", "h"))

	tc.Forget("c")
	clock.Advance(10 * time.Second)

	assert.False(t, tc.IsTyping("c"))
	assert.Len(t, typingWrites(docs), 1)
}
