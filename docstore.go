package convsync

import (
	"context"
	"time"
)

// Unsubscribe detaches a listener. Calling it more than once is a no-op.
type Unsubscribe func()

// DocumentStore is the remote, eventually-consistent document store the
// engine synchronizes against. Listeners receive full snapshots; onErr is
// called at most once and ends the listener (ErrPermissionDenied when the
// user lost access).
type DocumentStore interface {
	// SubscribeMessages streams the newest limit messages, ascending by createdAt.
	SubscribeMessages(ctx context.Context, conversationID string, limit int, fn func([]Message), onErr func(error)) (Unsubscribe, error)
	// SubscribeConversation streams the conversation metadata document.
	SubscribeConversation(ctx context.Context, conversationID string, fn func(Conversation), onErr func(error)) (Unsubscribe, error)

	// QueryMessages returns up to limit messages strictly older than before
	// (zero means no bound), descending by createdAt.
	QueryMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error)
	// CreateMessage stores msg with a server-assigned id and createdAt. A
	// repeated idempotencyKey returns the message created first.
	CreateMessage(ctx context.Context, conversationID string, msg Message, idempotencyKey string) (Message, error)
	// LatestMessage returns the newest message, if any.
	LatestMessage(ctx context.Context, conversationID string) (Message, bool, error)
	// CountMessagesAfter counts messages newer than after not sent by excludeSender.
	CountMessagesAfter(ctx context.Context, conversationID string, after time.Time, excludeSender string) (int, error)

	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	// UpdateConversation applies dotted field paths ("lastRead.<uid>") to an
	// existing document and returns ErrNotFound when it does not exist.
	UpdateConversation(ctx context.Context, conversationID string, fields map[string]any) error
	// SetConversation writes nested fields, merging into an existing document
	// when merge is true.
	SetConversation(ctx context.Context, conversationID string, fields map[string]any, merge bool) error
}

// nestFields turns dotted paths into the nested shape SetConversation expects.
func nestFields(fields map[string]any) map[string]any {
	out := make(map[string]any)
	for path, v := range fields {
		setPath(out, path, v)
	}
	return out
}

// writeOwnFields performs an update on the caller's own sub-paths, falling
// back to a create-with-merge when the document does not exist yet.
func writeOwnFields(ctx context.Context, docs DocumentStore, conversationID string, fields map[string]any) error {
	err := docs.UpdateConversation(ctx, conversationID, fields)
	if err == nil || !isNotFound(err) {
		return err
	}
	return docs.SetConversation(ctx, conversationID, nestFields(fields), true)
}
