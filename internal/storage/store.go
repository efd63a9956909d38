package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/mkendrick/sonavault/internal/core"
)

// ListFilter specifies criteria for listing recordings.
type ListFilter struct {
	OwnerID *uuid.UUID // filter by owner
	Limit   int        // max results (0 = no limit)
	Offset  int        // skip first N results
}

// Store is the system of record for recording metadata, grants,
// capability links and notifications. Implementations must make the
// grant upsert atomic per (recording, target) pair; a unique constraint
// is the source of truth, not check-then-insert.
type Store interface {
	// PutRecording stores a recording row.
	PutRecording(rec core.Recording) error

	// GetRecording retrieves a recording by id.
	GetRecording(id uuid.UUID) (core.Recording, error)

	// ListRecordings returns recordings matching the filter, newest first.
	ListRecordings(filter ListFilter) ([]core.Recording, error)

	// DeleteRecording removes the recording and everything hanging off
	// it (grants, links, notifications) in one transaction.
	DeleteRecording(id uuid.UUID) error

	// GetGrant retrieves the grant for (recording, target).
	GetGrant(recordingID, targetID uuid.UUID) (core.ShareGrant, error)

	// ListGrants returns all grants for a recording.
	ListGrants(recordingID uuid.UUID) ([]core.ShareGrant, error)

	// CommitShare upserts the grant and writes the notification in a
	// single transaction, so a committed share is fully visible to the
	// target's next read.
	CommitShare(grant core.ShareGrant, note core.Notification) error

	// PutLink stores a capability link keyed by token.
	PutLink(link core.CapabilityLink) error

	// GetLink retrieves a capability link by token.
	GetLink(token string) (core.CapabilityLink, error)

	// ConsumeLink increments the link's use counter, failing with
	// ErrLinkConsumed when the allowance is already spent. The check
	// and increment are one statement, so concurrent resolves cannot
	// both win the last use.
	ConsumeLink(token string) error

	// DeleteExpiredLinks removes links past their expiration; lazy
	// storage hygiene, not needed for correctness.
	DeleteExpiredLinks(now time.Time) (int, error)

	// ListNotifications returns a user's notifications, newest first.
	ListNotifications(userID uuid.UUID) ([]core.Notification, error)

	// Close releases all resources.
	Close() error
}

// ErrNotFound is returned when a recording does not exist.
type ErrNotFound struct {
	ID uuid.UUID
}

func (e ErrNotFound) Error() string {
	return "recording not found: " + e.ID.String()
}

// ErrGrantNotFound is returned when no grant exists for (recording, target).
type ErrGrantNotFound struct {
	RecordingID uuid.UUID
	TargetID    uuid.UUID
}

func (e ErrGrantNotFound) Error() string {
	return "no grant for user " + e.TargetID.String() + " on recording " + e.RecordingID.String()
}

// ErrLinkNotFound is returned when a capability link token is unknown.
type ErrLinkNotFound struct {
	Token string
}

func (e ErrLinkNotFound) Error() string {
	return "capability link not found"
}

// ErrLinkConsumed is returned when a link's use allowance is spent.
type ErrLinkConsumed struct {
	Token string
}

func (e ErrLinkConsumed) Error() string {
	return "capability link has no remaining uses"
}
