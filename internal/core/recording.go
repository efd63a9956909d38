// Package core defines the domain types shared across sonavault.
package core

import (
	"time"

	"github.com/google/uuid"
)

// Recording is the metadata row for one encrypted audio clip.
// WrappedKey is the one-time content key wrapped under the owner's
// public key; it is never usable by anyone but the owner.
type Recording struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Name        string
	Description string
	Duration    float64 // seconds
	BlobRef     string  // ciphertext blob reference
	WrappedKey  string  // base64 RSA-OAEP wrapped content key
	Sealed      bool    // true when the blob uses the AEAD format
	CreatedAt   time.Time
}

// Notification records that a user gained access to a recording.
// Written in the same transaction as the grant it describes.
type Notification struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	RecordingID uuid.UUID
	Permission  Permission
	CreatedAt   time.Time
	Read        bool
}
