package convsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Receipt derivation
// ============================================================================

func TestIsReadByAll(t *testing.T) {
	m := msgAt("m1", "a", "hi", t0)
	tests := []struct {
		name         string
		participants []string
		lastRead     map[string]time.Time
		want         bool
	}{
		{"all after", []string{"a", "b", "c"}, map[string]time.Time{"b": t0.Add(time.Second), "c": t0.Add(time.Second)}, true},
		{"one equal", []string{"a", "b", "c"}, map[string]time.Time{"b": t0.Add(time.Second), "c": t0}, false},
		{"one missing", []string{"a", "b", "c"}, map[string]time.Time{"b": t0.Add(time.Second)}, false},
		{"one before", []string{"a", "b"}, map[string]time.Time{"b": t0.Add(-time.Second)}, false},
		{"sender ignored", []string{"a", "b"}, map[string]time.Time{"a": t0.Add(-time.Hour), "b": t0.Add(time.Second)}, true},
		{"nobody else", []string{"a"}, map[string]time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Conversation{ID: "c", Participants: tt.participants, LastRead: tt.lastRead}
			assert.Equal(t, tt.want, IsReadByAll(m, c))
		})
	}
}

func TestReadBy(t *testing.T) {
	c := Conversation{
		Participants: []string{"a", "c", "b"},
		LastRead:     map[string]time.Time{"a": t0.Add(time.Hour), "b": t0.Add(time.Second), "c": t0},
	}
	assert.Equal(t, []string{"b"}, ReadBy(msgAt("m1", "a", "hi", t0), c))
}

func TestDeliveryStateFor(t *testing.T) {
	c := Conversation{
		Participants: []string{"me", "bob"},
		LastRead:     map[string]time.Time{"bob": t0},
	}
	pending := Message{ID: DraftPrefix + "1", SenderID: "me", DeliveryState: DeliveryPending, CreatedAt: t0.Add(-time.Hour)}
	sentDraft := Message{ID: DraftPrefix + "2", SenderID: "me", DeliveryState: DeliverySent, CreatedAt: t0.Add(-time.Hour)}

	assert.Equal(t, DeliveryPending, DeliveryStateFor(pending, c, "me"))
	assert.Equal(t, DeliverySent, DeliveryStateFor(sentDraft, c, "me"))
	assert.Equal(t, DeliveryReceived, DeliveryStateFor(msgAt("m1", "me", "x", t0.Add(-time.Second)), c, "me"))
	assert.Equal(t, DeliverySent, DeliveryStateFor(msgAt("m2", "me", "x", t0.Add(time.Second)), c, "me"))
	assert.Equal(t, DeliveryNone, DeliveryStateFor(msgAt("m3", "bob", "x", t0.Add(-time.Second)), c, "me"))

	view := Decorate([]Message{pending, msgAt("m1", "me", "x", t0.Add(-time.Second))}, c, "me")
	assert.Equal(t, DeliveryPending, view[0].DeliveryState)
	assert.Equal(t, DeliveryReceived, view[1].DeliveryState)
}

// ============================================================================
// ReadReceiptAggregator
// ============================================================================

func newTestAggregator(t *testing.T) (*ReadReceiptAggregator, *ActiveConversationRegistry, *MemoryDocumentStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	docs := NewMemoryDocumentStore(clock)
	docs.CreateConversation("c", "", "me", "bob")
	registry := NewActiveConversationRegistry()
	registry.Focus("c")
	a := NewReadReceiptAggregator(docs, "me", registry, NewTimerGroup(clock), clock, nil, nil)
	return a, registry, docs, clock
}

func lastReadWrites(docs *MemoryDocumentStore) []WriteRecord {
	return writesOf(docs, lastReadPath("me"))
}

func TestReadReceiptDebounced(t *testing.T) {
	a, _, docs, clock := newTestAggregator(t)

	assert.True(t, a.ObserveLoaded("c", 5))
	clock.Advance(500 * time.Millisecond)
	assert.True(t, a.ObserveLoaded("c", 6))
	clock.Advance(500 * time.Millisecond)
	assert.Empty(t, lastReadWrites(docs))

	clock.Advance(500 * time.Millisecond)
	writes := lastReadWrites(docs)
	require.Len(t, writes, 1)
	assert.Equal(t, t0.Add(1500*time.Millisecond), fieldValue(writes[0], lastReadPath("me")))

	c, err := docs.GetConversation(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, c.LastRead["me"].Equal(t0.Add(1500*time.Millisecond)))
}

func TestReadReceiptOnlyWhenCountGrows(t *testing.T) {
	a, _, docs, clock := newTestAggregator(t)

	require.True(t, a.ObserveLoaded("c", 5))
	clock.Advance(time.Second)
	assert.False(t, a.ObserveLoaded("c", 5))
	assert.False(t, a.ObserveLoaded("c", 4))
	clock.Advance(time.Minute)

	assert.Len(t, lastReadWrites(docs), 1)
}

func TestReadReceiptBackgroundGuard(t *testing.T) {
	a, registry, docs, clock := newTestAggregator(t)

	registry.SetAppForeground(false)
	assert.False(t, a.ObserveLoaded("c", 5))
	registry.SetAppForeground(true)
	registry.Blur("c")
	assert.False(t, a.ObserveLoaded("c", 5))
	clock.Advance(time.Minute)
	assert.Empty(t, lastReadWrites(docs))

	// The unseen count is still pending once the user is back.
	registry.Focus("c")
	assert.True(t, a.ObserveLoaded("c", 5))
}

func TestReadReceiptRebaseline(t *testing.T) {
	a, _, docs, clock := newTestAggregator(t)

	a.Rebaseline("c", 40)
	assert.False(t, a.ObserveLoaded("c", 40))
	clock.Advance(time.Minute)
	assert.Empty(t, lastReadWrites(docs))

	assert.True(t, a.ObserveLoaded("c", 41))
}

func TestReadReceiptNeverMovesBackwards(t *testing.T) {
	a, _, docs, _ := newTestAggregator(t)
	a.ObserveConversation(Conversation{ID: "c", LastRead: map[string]time.Time{"me": t0.Add(time.Hour)}})

	require.NoError(t, a.MarkRead(context.Background(), "c"))
	assert.Empty(t, lastReadWrites(docs))
}

func TestMarkReadRetriesAfterFailure(t *testing.T) {
	a, _, docs, clock := newTestAggregator(t)
	boom := errors.New("boom")
	docs.FailNext("update", boom)

	assert.ErrorIs(t, a.MarkRead(context.Background(), "c"), boom)
	assert.Empty(t, lastReadWrites(docs))

	require.NoError(t, a.MarkRead(context.Background(), "c"))
	assert.Len(t, lastReadWrites(docs), 1)

	// Same instant: nothing newer to write.
	require.NoError(t, a.MarkRead(context.Background(), "c"))
	assert.Len(t, lastReadWrites(docs), 1)

	clock.Advance(time.Second)
	require.NoError(t, a.MarkRead(context.Background(), "c"))
	assert.Len(t, lastReadWrites(docs), 2)
}

func TestReadReceiptForgetCancelsPending(t *testing.T) {
	a, _, docs, clock := newTestAggregator(t)

	require.True(t, a.ObserveLoaded("c", 3))
	a.Forget("c")
	clock.Advance(time.Minute)

	assert.Empty(t, lastReadWrites(docs))
	assert.True(t, a.ObserveLoaded("c", 3))
}
