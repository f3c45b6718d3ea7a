package convsync

import "context"

// Identity is the authenticated local user.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
}

// IdentityProvider supplies the current user.
type IdentityProvider interface {
	Identity() Identity
}

// StaticIdentity is an IdentityProvider for a fixed user.
type StaticIdentity Identity

func (s StaticIdentity) Identity() Identity { return Identity(s) }

// ImageUploader stores a local image and returns the URL to put in a message.
type ImageUploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// PollTallies returns vote counts per option, keyed by poll message id.
type PollTallies interface {
	Tallies(ctx context.Context, messageIDs []string) (map[string]map[string]int, error)
}
