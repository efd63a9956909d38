package core

import (
	"time"

	"github.com/google/uuid"
)

// Permission is the access level attached to a grant or link.
type Permission string

const (
	PermRead Permission = "read"
	PermEdit Permission = "edit"
)

// Normalize maps any value that is not exactly "edit" to read.
func (p Permission) Normalize() Permission {
	if p == PermEdit {
		return PermEdit
	}
	return PermRead
}

// ShareGrant gives a registered user access to a recording.
// WrappedKey holds the same content key as the recording's own wrapped
// key, rewrapped under the target's public key. One grant per
// (recording, target) pair; a second share updates it in place.
type ShareGrant struct {
	RecordingID uuid.UUID
	OwnerID     uuid.UUID
	TargetID    uuid.UUID
	Permission  Permission
	WrappedKey  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CapabilityLink grants access to anyone holding token + secret, with
// no registered identity. The content key is encrypted under a key
// derived from token and secret; the secret itself is never stored.
type CapabilityLink struct {
	Token       string
	RecordingID uuid.UUID
	Permission  Permission
	WrappedKey  []byte // content key under the derived key, cipher-framed
	MaxUses     *int
	Uses        int
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// Exhausted reports whether the link has used up its allowance.
func (l CapabilityLink) Exhausted() bool {
	return l.MaxUses != nil && l.Uses >= *l.MaxUses
}

// Expired reports whether the link is past its expiration time.
func (l CapabilityLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}
