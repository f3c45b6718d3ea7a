package convsync

import (
	"sort"
	"sync"
)

// ActiveConversationRegistry tracks which conversations are on screen and
// whether the app itself is in the foreground. A conversation counts as
// foregrounded only when both hold, so backgrounding the app leaves every
// conversation without forgetting which screens are open.
type ActiveConversationRegistry struct {
	mu         sync.Mutex
	focused    map[string]uint64 // id -> focus sequence
	seq        uint64
	foreground bool
	subs       map[int]func([]string)
	nextSub    int
}

// NewActiveConversationRegistry creates a registry with the app foregrounded.
func NewActiveConversationRegistry() *ActiveConversationRegistry {
	return &ActiveConversationRegistry{
		focused:    make(map[string]uint64),
		foreground: true,
		subs:       make(map[int]func([]string)),
	}
}

// Focus marks a conversation screen as visible.
func (r *ActiveConversationRegistry) Focus(conversationID string) {
	r.mu.Lock()
	r.seq++
	r.focused[conversationID] = r.seq
	r.mu.Unlock()
	r.notify()
}

// Blur marks a conversation screen as gone.
func (r *ActiveConversationRegistry) Blur(conversationID string) {
	r.mu.Lock()
	_, ok := r.focused[conversationID]
	delete(r.focused, conversationID)
	r.mu.Unlock()
	if ok {
		r.notify()
	}
}

// SetAppForeground records an app foreground/background transition.
func (r *ActiveConversationRegistry) SetAppForeground(fg bool) {
	r.mu.Lock()
	changed := r.foreground != fg
	r.foreground = fg
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

// AppForeground reports the app state.
func (r *ActiveConversationRegistry) AppForeground() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.foreground
}

// IsForegrounded reports whether the user is looking at the conversation.
func (r *ActiveConversationRegistry) IsForegrounded(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.focused[conversationID]
	return ok && r.foreground
}

// Active returns the foregrounded conversations, sorted.
func (r *ActiveConversationRegistry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *ActiveConversationRegistry) activeLocked() []string {
	if !r.foreground {
		return nil
	}
	out := make([]string, 0, len(r.focused))
	for id := range r.focused {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Foregrounded returns the most recently focused foregrounded conversation.
func (r *ActiveConversationRegistry) Foregrounded() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.foreground {
		return "", false
	}
	var best string
	var bestSeq uint64
	for id, seq := range r.focused {
		if seq > bestSeq {
			best, bestSeq = id, seq
		}
	}
	return best, bestSeq > 0
}

// Subscribe calls fn with the active set after every change. The returned
// func removes the subscription.
func (r *ActiveConversationRegistry) Subscribe(fn func(active []string)) func() {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *ActiveConversationRegistry) notify() {
	r.mu.Lock()
	active := r.activeLocked()
	fns := make([]func([]string), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(active)
	}
}
