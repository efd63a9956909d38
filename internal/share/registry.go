// Package share decides who may decrypt which recording, and with
// which key material.
package share

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkendrick/sonavault/internal/core"
	"github.com/mkendrick/sonavault/internal/envelope"
	"github.com/mkendrick/sonavault/internal/keys"
	"github.com/mkendrick/sonavault/internal/storage"
)

// ErrAccessDenied is returned when a user has neither ownership nor a
// grant for a recording. The facade flattens it to a generic denial.
type ErrAccessDenied struct {
	RecordingID uuid.UUID
	UserID      uuid.UUID
}

func (e ErrAccessDenied) Error() string {
	return fmt.Sprintf("user %s has no access to recording %s", e.UserID, e.RecordingID)
}

// ErrNotOwner is returned when a non-owner attempts an owner-only
// operation such as sharing or deleting.
type ErrNotOwner struct {
	RecordingID uuid.UUID
	UserID      uuid.UUID
}

func (e ErrNotOwner) Error() string {
	return fmt.Sprintf("user %s does not own recording %s", e.UserID, e.RecordingID)
}

// Registry resolves access and manages grants.
type Registry struct {
	store storage.Store
	keys  *keys.Store
}

// NewRegistry creates a registry over the given stores.
func NewRegistry(store storage.Store, keyStore *keys.Store) *Registry {
	return &Registry{store: store, keys: keyStore}
}

// Resolve answers whether userID may access the recording, and with
// which key material. Resolution order: owner, then explicit grant,
// then denial. The result is a tagged AccessSource threaded through
// the read path, resolved exactly once per request.
func (r *Registry) Resolve(recordingID, userID uuid.UUID) (core.AccessSource, core.Recording, error) {
	rec, err := r.store.GetRecording(recordingID)
	if err != nil {
		return core.AccessSource{}, core.Recording{}, err
	}

	if rec.OwnerID == userID {
		return core.AccessSource{
			Kind:       core.AccessOwner,
			Permission: core.PermEdit,
			WrappedKey: rec.WrappedKey,
		}, rec, nil
	}

	grant, err := r.store.GetGrant(recordingID, userID)
	if err == nil {
		return core.AccessSource{
			Kind:       core.AccessGrant,
			Permission: grant.Permission,
			WrappedKey: grant.WrappedKey,
		}, rec, nil
	}
	if _, ok := err.(storage.ErrGrantNotFound); !ok {
		return core.AccessSource{}, core.Recording{}, err
	}

	return core.AccessSource{}, core.Recording{}, ErrAccessDenied{RecordingID: recordingID, UserID: userID}
}

// ContentKey unwraps the resolved key material with the user's own
// private key.
func (r *Registry) ContentKey(src core.AccessSource, userID uuid.UUID) ([]byte, error) {
	priv, err := r.keys.PrivateKey(userID)
	if err != nil {
		return nil, err
	}
	return envelope.UnwrapKey(src.WrappedKey, priv)
}

// Share grants targetID access to the recording. Only the owner may
// share. The content key is unwrapped with the source's private key
// and rewrapped under the target's public key; the owner's wrapped key
// is never copied onto a grant. Grant write and notification commit in
// one transaction.
func (r *Registry) Share(recordingID, sourceID, targetID uuid.UUID, perm core.Permission) error {
	rec, err := r.store.GetRecording(recordingID)
	if err != nil {
		return err
	}
	if rec.OwnerID != sourceID {
		return ErrNotOwner{RecordingID: recordingID, UserID: sourceID}
	}

	// Target must have a keypair before anything is unwrapped.
	targetPub, err := r.keys.PublicKey(targetID)
	if err != nil {
		return err
	}

	sourcePriv, err := r.keys.PrivateKey(sourceID)
	if err != nil {
		return err
	}
	contentKey, err := envelope.UnwrapKey(rec.WrappedKey, sourcePriv)
	if err != nil {
		return err
	}

	rewrapped, err := envelope.WrapKey(contentKey, targetPub)
	if err != nil {
		return fmt.Errorf("failed to rewrap content key: %w", err)
	}

	now := time.Now()
	grant := core.ShareGrant{
		RecordingID: recordingID,
		OwnerID:     sourceID,
		TargetID:    targetID,
		Permission:  perm.Normalize(),
		WrappedKey:  rewrapped,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	note := core.Notification{
		ID:          uuid.New(),
		UserID:      targetID,
		RecordingID: recordingID,
		Permission:  grant.Permission,
		CreatedAt:   now,
	}
	return r.store.CommitShare(grant, note)
}

// CheckEditAccess reports whether userID is the owner or holds an edit
// grant.
func (r *Registry) CheckEditAccess(recordingID, userID uuid.UUID) (bool, error) {
	src, _, err := r.Resolve(recordingID, userID)
	if err != nil {
		if _, ok := err.(ErrAccessDenied); ok {
			return false, nil
		}
		return false, err
	}
	return src.CanEdit(), nil
}
