package vault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mkendrick/sonavault/internal/capability"
	"github.com/mkendrick/sonavault/internal/envelope"
	"github.com/mkendrick/sonavault/internal/keys"
	"github.com/mkendrick/sonavault/internal/share"
	"github.com/mkendrick/sonavault/internal/storage"
	"github.com/mkendrick/sonavault/pkg/cipher"
)

var (
	// ErrAccessDenied is the single verdict for every unauthorized
	// read: no ownership, no grant, a key that will not unwrap, or a
	// recording that does not exist. Collapsing these hides whether a
	// given id is real from callers who cannot open it anyway.
	ErrAccessDenied = errors.New("access denied")

	// ErrProofRequired means a grant holder tried to read without
	// presenting a capability proof.
	ErrProofRequired = errors.New("capability proof required")

	// ErrInvalidProof means the proof was malformed, signed by the
	// wrong key, or minted for another recording.
	ErrInvalidProof = errors.New("invalid capability proof")

	// ErrProofExpired means the proof verified but is older than the
	// validity window.
	ErrProofExpired = errors.New("capability proof expired")

	// ErrInvalidToken means no capability link exists for the token.
	ErrInvalidToken = errors.New("unknown link token")

	// ErrInvalidSecret means the link exists but the secret is wrong.
	ErrInvalidSecret = errors.New("invalid link secret")

	// ErrLinkExpired means the link is past its expiry or out of uses.
	ErrLinkExpired = errors.New("link expired")

	// ErrStorage marks unexpected database, filesystem, or crypto
	// failures. The underlying cause is wrapped for logs; API layers
	// should surface it as an internal error without detail.
	ErrStorage = errors.New("storage failure")
)

// ErrNotFound is returned by owner operations on a missing recording.
type ErrNotFound struct {
	ID uuid.UUID
}

func (e ErrNotFound) Error() string {
	return "recording not found: " + e.ID.String()
}

// ErrKeyNotFound is returned when an operation needs a keypair the
// user never registered.
type ErrKeyNotFound struct {
	UserID uuid.UUID
}

func (e ErrKeyNotFound) Error() string {
	return "no keypair registered for user " + e.UserID.String()
}

// convertError maps internal errors to the public taxonomy. Anything
// it does not recognize becomes ErrStorage with the cause wrapped.
func convertError(err error) error {
	if err == nil {
		return nil
	}

	switch e := err.(type) {
	case storage.ErrNotFound:
		return ErrNotFound{ID: e.ID}
	case keys.ErrKeyNotFound:
		return ErrKeyNotFound{UserID: e.UserID}
	case share.ErrAccessDenied, share.ErrNotOwner:
		return ErrAccessDenied
	case storage.ErrGrantNotFound:
		return ErrAccessDenied
	}

	switch {
	case errors.Is(err, envelope.ErrUnwrapFailed),
		errors.Is(err, cipher.ErrDecryptFailed),
		errors.Is(err, cipher.ErrMalformedBlob):
		// A key that fails to open is indistinguishable from no key.
		return ErrAccessDenied
	case errors.Is(err, capability.ErrInvalidProof):
		return ErrInvalidProof
	case errors.Is(err, capability.ErrProofExpired):
		return ErrProofExpired
	case errors.Is(err, capability.ErrInvalidToken):
		return ErrInvalidToken
	case errors.Is(err, capability.ErrInvalidSecret):
		return ErrInvalidSecret
	case errors.Is(err, capability.ErrLinkExpired):
		return ErrLinkExpired
	}

	return fmt.Errorf("%w: %w", ErrStorage, err)
}
