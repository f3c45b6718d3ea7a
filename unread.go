package convsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Unread counts and conversation list
// ============================================================================

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Participants       []string  `json:"participants"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt,omitempty"`
	LastSenderID       string    `json:"lastSenderId,omitempty"`
	Unread             int       `json:"unread"`
}

// UnreadCounter computes badge counts with one-shot counted queries instead
// of a listener per conversation. Queries share a rate limiter; callers wait
// for a token rather than exceed the read quota.
type UnreadCounter struct {
	docs     DocumentStore
	self     string
	registry *ActiveConversationRegistry
	limiter  *rate.Limiter
	cache    *LocalCache
	log      *zap.Logger
}

// NewUnreadCounter creates a counter for self. limit and burst configure the
// query rate; a zero limit means unlimited.
func NewUnreadCounter(docs DocumentStore, self string, registry *ActiveConversationRegistry, cache *LocalCache, limit rate.Limit, burst int, log *zap.Logger) *UnreadCounter {
	if limit == 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &UnreadCounter{
		docs:     docs,
		self:     self,
		registry: registry,
		limiter:  rate.NewLimiter(limit, burst),
		cache:    cache,
		log:      log,
	}
}

// Unread counts messages from others newer than self's lastRead. The
// conversation the user is looking at counts zero.
func (u *UnreadCounter) Unread(ctx context.Context, c Conversation) (int, error) {
	if u.registry != nil && u.registry.IsForegrounded(c.ID) {
		return 0, nil
	}
	if err := u.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	n, err := u.docs.CountMessagesAfter(ctx, c.ID, c.LastRead[u.self], u.self)
	if err != nil {
		return 0, fmt.Errorf("count unread %s: %w", c.ID, err)
	}
	return n, nil
}

// Counts returns the unread count of every conversation of the user.
func (u *UnreadCounter) Counts(ctx context.Context) (map[string]int, error) {
	convs, err := u.docs.ListConversations(ctx, u.self)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make(map[string]int, len(convs))
	for _, c := range convs {
		n, err := u.Unread(ctx, c)
		if err != nil {
			return nil, err
		}
		out[c.ID] = n
	}
	return out, nil
}

// TotalUnread sums Counts for the badge.
func (u *UnreadCounter) TotalUnread(ctx context.Context) (int, error) {
	counts, err := u.Counts(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// ConversationList builds the list screen rows, most recent activity first,
// and writes them through to the cache.
func (u *UnreadCounter) ConversationList(ctx context.Context) ([]ConversationSummary, error) {
	convs, err := u.docs.ListConversations(ctx, u.self)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		row := ConversationSummary{
			ID:           c.ID,
			Title:        c.DisplayTitle(u.self),
			Participants: append([]string(nil), c.Participants...),
		}
		if err := u.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		last, ok, err := u.docs.LatestMessage(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("latest message %s: %w", c.ID, err)
		}
		if ok {
			row.LastMessagePreview = last.Preview()
			row.LastMessageAt = last.CreatedAt
			row.LastSenderID = last.SenderID
		}
		if row.Unread, err = u.Unread(ctx, c); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	if u.cache != nil {
		u.cache.SetAsync(ConversationListKey(u.self), CacheShort, out)
	}
	return out, nil
}

// CachedConversationList returns the last list written through, if fresh.
func (u *UnreadCounter) CachedConversationList(ctx context.Context) ([]ConversationSummary, bool) {
	if u.cache == nil {
		return nil, false
	}
	var out []ConversationSummary
	if !u.cache.Get(ctx, ConversationListKey(u.self), &out) {
		return nil, false
	}
	return out, true
}
