package convsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Pagination
// ============================================================================

// PaginationCursor is the per-conversation backward loading state.
type PaginationCursor struct {
	OldestLoadedAt time.Time `json:"oldestLoadedAt"`
	HasMore        bool      `json:"hasMore"`
	Loading        bool      `json:"loading"`
}

// PaginationController loads history older than the live window into the
// conversation store, one page at a time per conversation.
type PaginationController struct {
	docs     DocumentStore
	store    *ConversationStore
	pageSize int
	log      *zap.Logger
	metrics  *Metrics

	mu      sync.Mutex
	cursors map[string]*PaginationCursor
}

// NewPaginationController creates a controller merging into store.
func NewPaginationController(docs DocumentStore, store *ConversationStore, pageSize int, log *zap.Logger, metrics *Metrics) *PaginationController {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PaginationController{
		docs:     docs,
		store:    store,
		pageSize: pageSize,
		log:      log,
		metrics:  metrics,
		cursors:  make(map[string]*PaginationCursor),
	}
}

// PageSize returns the configured page size.
func (p *PaginationController) PageSize() int { return p.pageSize }

// Attach creates the cursor when the first message snapshot arrives. Later
// calls for an attached conversation are ignored.
func (p *PaginationController) Attach(conversationID string, oldest time.Time, hasMore bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cursors[conversationID]; ok {
		return false
	}
	p.cursors[conversationID] = &PaginationCursor{OldestLoadedAt: oldest, HasMore: hasMore}
	return true
}

// Detach drops the cursor. A load in flight for it is discarded on return.
func (p *PaginationController) Detach(conversationID string) {
	p.mu.Lock()
	delete(p.cursors, conversationID)
	p.mu.Unlock()
}

// Cursor returns a copy of the cursor.
func (p *PaginationController) Cursor(conversationID string) (PaginationCursor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cursors[conversationID]
	if !ok {
		return PaginationCursor{}, false
	}
	return *c, true
}

// LoadEarlier fetches the page before the oldest loaded message and merges it
// by id. It returns the number of messages added. A call while a load is in
// flight, after history is exhausted, or before Attach does nothing. On
// failure loading is reset, hasMore is left as it was and a transient
// *APIError is returned.
//
// One extra row is requested to learn whether anything lies beyond the page.
func (p *PaginationController) LoadEarlier(ctx context.Context, conversationID string) (int, error) {
	p.mu.Lock()
	c, ok := p.cursors[conversationID]
	if !ok || c.Loading || !c.HasMore {
		p.mu.Unlock()
		return 0, nil
	}
	c.Loading = true
	before := c.OldestLoadedAt
	p.mu.Unlock()

	msgs, err := p.docs.QueryMessages(ctx, conversationID, before, p.pageSize+1)
	if err != nil {
		p.mu.Lock()
		c.Loading = false
		p.mu.Unlock()
		p.metrics.pageLoad("error")
		p.log.Warn("load_earlier_failed", zap.String("conversation", conversationID), zap.Error(err))
		return 0, newError(CodeTransient, "could not load earlier messages", err)
	}

	more := len(msgs) > p.pageSize
	if more {
		msgs = msgs[:p.pageSize]
	}

	p.mu.Lock()
	stale := p.cursors[conversationID] != c
	p.mu.Unlock()
	if stale {
		p.metrics.pageLoad("discarded")
		return 0, nil
	}

	added := p.store.MergeServerMessages(conversationID, msgs)

	p.mu.Lock()
	for _, m := range msgs {
		if c.OldestLoadedAt.IsZero() || m.CreatedAt.Before(c.OldestLoadedAt) {
			c.OldestLoadedAt = m.CreatedAt
		}
	}
	c.HasMore = more
	c.Loading = false
	p.mu.Unlock()

	p.metrics.pageLoad("ok")
	p.log.Debug("loaded_earlier",
		zap.String("conversation", conversationID),
		zap.Int("returned", len(msgs)),
		zap.Int("added", added),
		zap.Bool("has_more", more))
	return added, nil
}
