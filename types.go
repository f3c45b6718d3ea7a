package convsync

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ============================================================================
// Messages
// ============================================================================

// MessageKind tags the payload carried by a Message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindPoll  MessageKind = "poll"
)

// DeliveryState is the client-only marker rendered next to the sender's own
// messages.
type DeliveryState string

const (
	DeliveryNone     DeliveryState = ""
	DeliveryPending  DeliveryState = "pending"
	DeliverySent     DeliveryState = "sent"
	DeliveryReceived DeliveryState = "received"
)

// Message is a single entry of a conversation transcript. Drafts share the
// shape; their ID carries the DraftPrefix.
type Message struct {
	ID             string        `json:"id"`
	SenderID       string        `json:"senderId"`
	Kind           MessageKind   `json:"kind,omitempty"`
	Text           string        `json:"text"`
	ImageURL       string        `json:"imageUrl,omitempty"`
	PollRef        string        `json:"pollRef,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	DeliveryState  DeliveryState `json:"deliveryState,omitempty"`
}

// DraftPrefix marks locally generated message ids.
const DraftPrefix = "temp-"

// IsDraft reports whether the message is a client-only optimistic entry.
func (m Message) IsDraft() bool {
	return strings.HasPrefix(m.ID, DraftPrefix)
}

// normalized fills in Kind for documents written by older clients, which
// only distinguished payloads by optional-field presence.
func (m Message) normalized() Message {
	if m.Kind == "" {
		switch {
		case m.PollRef != "":
			m.Kind = KindPoll
		case m.ImageURL != "":
			m.Kind = KindImage
		default:
			m.Kind = KindText
		}
	}
	return m
}

const previewMaxRunes = 80

// Preview renders a one-line summary for conversation lists.
func (m Message) Preview() string {
	m = m.normalized()
	var s string
	switch m.Kind {
	case KindImage:
		s = "Photo"
		if t := strings.TrimSpace(m.Text); t != "" {
			s += ": " + t
		}
	case KindPoll:
		s = "Poll"
		if t := strings.TrimSpace(m.Text); t != "" {
			s += ": " + t
		}
	default:
		s = strings.TrimSpace(m.Text)
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > previewMaxRunes {
		r := []rune(s)
		s = string(r[:previewMaxRunes-1]) + "…"
	}
	return s
}

// samePayload reports whether two messages carry the same content for the
// purposes of draft reconciliation.
func samePayload(a, b Message) bool {
	a, b = a.normalized(), b.normalized()
	if a.Kind != b.Kind {
		return false
	}
	if strings.TrimSpace(a.Text) != strings.TrimSpace(b.Text) {
		return false
	}
	switch a.Kind {
	case KindImage:
		return a.ImageURL == b.ImageURL
	case KindPoll:
		return a.PollRef == b.PollRef
	}
	return true
}

// Draft is the caller-supplied content of an optimistic send.
type Draft struct {
	SenderID string
	Kind     MessageKind
	Text     string
	ImageURL string
	PollRef  string
	// IdempotencyKey is reused by resends; empty means generate a new one.
	IdempotencyKey string
}

// TextDraft builds a text-only draft.
func TextDraft(sender, text string) Draft {
	return Draft{SenderID: sender, Kind: KindText, Text: text}
}

// ImageDraft builds an image draft with an optional caption.
func ImageDraft(sender, imageURL, caption string) Draft {
	return Draft{SenderID: sender, Kind: KindImage, ImageURL: imageURL, Text: caption}
}

// PollDraft builds a poll draft referencing a poll owned by the poll subsystem.
func PollDraft(sender, pollRef, question string) Draft {
	return Draft{SenderID: sender, Kind: KindPoll, PollRef: pollRef, Text: question}
}

func (d Draft) empty() bool {
	switch d.Kind {
	case KindImage:
		return d.ImageURL == ""
	case KindPoll:
		return d.PollRef == ""
	}
	return strings.TrimSpace(d.Text) == ""
}

// ============================================================================
// Conversations
// ============================================================================

// TypingStatus is one participant's presence flag.
type TypingStatus struct {
	IsTyping   bool      `json:"isTyping"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Active applies the staleness rule: a stored true older than timeout reads
// as false.
func (s TypingStatus) Active(now time.Time, timeout time.Duration) bool {
	return s.IsTyping && now.Sub(s.LastUpdate) < timeout
}

// Conversation is the decoded conversation metadata document.
type Conversation struct {
	ID           string                  `json:"id"`
	Title        string                  `json:"title,omitempty"`
	Participants []string                `json:"participants"`
	LastRead     map[string]time.Time    `json:"lastRead,omitempty"`
	Typing       map[string]TypingStatus `json:"typingStatus,omitempty"`
}

// HasParticipant reports whether uid is a member.
func (c Conversation) HasParticipant(uid string) bool {
	for _, p := range c.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

// DisplayTitle falls back to the other participants when no title is set.
func (c Conversation) DisplayTitle(self string) string {
	if c.Title != "" {
		return c.Title
	}
	var others []string
	for _, p := range c.Participants {
		if p != self {
			others = append(others, p)
		}
	}
	sort.Strings(others)
	return strings.Join(others, ", ")
}

// ── Document shape ───────────────────────────────────────
//
//	{ participants: [uid, ...],
//	  title: "...",
//	  lastRead: { uid: timestamp },
//	  typingStatus: { uid: bool, uid+"LastUpdate": timestamp } }

const (
	fieldParticipants = "participants"
	fieldTitle        = "title"
	fieldLastRead     = "lastRead"
	fieldTyping       = "typingStatus"
	lastUpdateSuffix  = "LastUpdate"
)

func lastReadPath(uid string) string { return fieldLastRead + "." + uid }

func typingPath(uid string) string { return fieldTyping + "." + uid }

func typingUpdatedPath(uid string) string { return fieldTyping + "." + uid + lastUpdateSuffix }

// ConversationFromDoc decodes a raw conversation document. Unknown or
// malformed fields are ignored.
func ConversationFromDoc(id string, doc map[string]any) Conversation {
	c := Conversation{
		ID:       id,
		LastRead: make(map[string]time.Time),
		Typing:   make(map[string]TypingStatus),
	}
	if t, ok := doc[fieldTitle].(string); ok {
		c.Title = t
	}
	switch ps := doc[fieldParticipants].(type) {
	case []string:
		c.Participants = append(c.Participants, ps...)
	case []any:
		for _, p := range ps {
			if s, ok := p.(string); ok {
				c.Participants = append(c.Participants, s)
			}
		}
	}
	if lr, ok := doc[fieldLastRead].(map[string]any); ok {
		for uid, v := range lr {
			if t, ok := asTime(v); ok {
				c.LastRead[uid] = t
			}
		}
	}
	if ts, ok := doc[fieldTyping].(map[string]any); ok {
		for key, v := range ts {
			b, ok := v.(bool)
			if !ok {
				continue
			}
			st := TypingStatus{IsTyping: b}
			if t, ok := asTime(ts[key+lastUpdateSuffix]); ok {
				st.LastUpdate = t
			}
			c.Typing[key] = st
		}
	}
	return c
}

// Doc encodes the conversation back into its document shape.
func (c Conversation) Doc() map[string]any {
	doc := map[string]any{
		fieldParticipants: append([]string(nil), c.Participants...),
	}
	if c.Title != "" {
		doc[fieldTitle] = c.Title
	}
	lr := make(map[string]any, len(c.LastRead))
	for uid, t := range c.LastRead {
		lr[uid] = t
	}
	doc[fieldLastRead] = lr
	ts := make(map[string]any, 2*len(c.Typing))
	for uid, st := range c.Typing {
		ts[uid] = st.IsTyping
		ts[uid+lastUpdateSuffix] = st.LastUpdate
	}
	doc[fieldTyping] = ts
	return doc
}

// asTime accepts the timestamp encodings seen on the wire: time.Time,
// RFC 3339 strings and epoch milliseconds.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	}
	return time.Time{}, false
}
