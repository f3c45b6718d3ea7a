package convsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryForeground(t *testing.T) {
	r := NewActiveConversationRegistry()
	assert.True(t, r.AppForeground())
	assert.False(t, r.IsForegrounded("a"))

	r.Focus("a")
	r.Focus("b")
	assert.True(t, r.IsForegrounded("a"))
	assert.Equal(t, []string{"a", "b"}, r.Active())
	id, ok := r.Foregrounded()
	assert.True(t, ok)
	assert.Equal(t, "b", id)

	r.SetAppForeground(false)
	assert.False(t, r.IsForegrounded("a"))
	assert.Empty(t, r.Active())
	_, ok = r.Foregrounded()
	assert.False(t, ok)

	// Open screens survive a trip to the background.
	r.SetAppForeground(true)
	assert.True(t, r.IsForegrounded("b"))

	r.Blur("b")
	id, _ = r.Foregrounded()
	assert.Equal(t, "a", id)
}

func TestRegistrySubscribe(t *testing.T) {
	r := NewActiveConversationRegistry()
	var seen [][]string
	stop := r.Subscribe(func(active []string) { seen = append(seen, active) })

	r.Focus("a")
	r.Blur("missing")
	r.SetAppForeground(true)
	r.SetAppForeground(false)
	stop()
	r.Focus("b")

	assert.Equal(t, [][]string{{"a"}, nil}, seen)
}
