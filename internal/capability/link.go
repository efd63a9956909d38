package capability

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/mkendrick/sonavault/internal/core"
	"github.com/mkendrick/sonavault/internal/share"
	"github.com/mkendrick/sonavault/internal/storage"
	"github.com/mkendrick/sonavault/pkg/cipher"
)

var (
	// ErrInvalidToken means no link exists for the token.
	ErrInvalidToken = errors.New("unknown link token")

	// ErrLinkExpired means the link exists but is past its expiry or
	// out of uses.
	ErrLinkExpired = errors.New("link expired")

	// ErrInvalidSecret means the token matched a live link but the
	// secret could not decrypt its key material.
	ErrInvalidSecret = errors.New("invalid link secret")
)

const (
	tokenBytes  = 16
	secretBytes = 32
)

// LinkManager creates and redeems capability links.
type LinkManager struct {
	store    storage.Store
	registry *share.Registry
}

// NewLinkManager creates a link manager.
func NewLinkManager(store storage.Store, registry *share.Registry) *LinkManager {
	return &LinkManager{store: store, registry: registry}
}

// LinkOptions constrains a new link. Zero values mean unlimited.
type LinkOptions struct {
	Permission core.Permission
	MaxUses    int           // 0 = unlimited
	TTL        time.Duration // 0 = never expires
}

// CreateLink mints a capability link for a recording. Only the owner
// may create links. The content key is rewrapped under a key derived
// from the fresh token and secret; the secret is returned once and
// never stored, so a database leak alone cannot open the recording.
func (m *LinkManager) CreateLink(recordingID, creatorID uuid.UUID, opts LinkOptions) (core.CapabilityLink, string, error) {
	src, _, err := m.registry.Resolve(recordingID, creatorID)
	if err != nil {
		return core.CapabilityLink{}, "", err
	}
	if src.Kind != core.AccessOwner {
		return core.CapabilityLink{}, "", share.ErrNotOwner{RecordingID: recordingID, UserID: creatorID}
	}

	contentKey, err := m.registry.ContentKey(src, creatorID)
	if err != nil {
		return core.CapabilityLink{}, "", err
	}

	token, err := randomHex(tokenBytes)
	if err != nil {
		return core.CapabilityLink{}, "", err
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return core.CapabilityLink{}, "", err
	}

	nonce, err := cipher.GenerateNonce()
	if err != nil {
		return core.CapabilityLink{}, "", err
	}
	linkKey := cipher.DeriveLinkKey(token, secret)
	wrapped, err := cipher.EncryptFramed(contentKey, linkKey, nonce)
	if err != nil {
		return core.CapabilityLink{}, "", fmt.Errorf("failed to wrap key for link: %w", err)
	}

	link := core.CapabilityLink{
		Token:       token,
		RecordingID: recordingID,
		Permission:  opts.Permission.Normalize(),
		WrappedKey:  wrapped,
		CreatedAt:   time.Now(),
	}
	if opts.MaxUses > 0 {
		maxUses := opts.MaxUses
		link.MaxUses = &maxUses
	}
	if opts.TTL > 0 {
		expires := link.CreatedAt.Add(opts.TTL)
		link.ExpiresAt = &expires
	}

	if err := m.store.PutLink(link); err != nil {
		return core.CapabilityLink{}, "", err
	}
	return link, secret, nil
}

// Redeem resolves a token+secret pair to the recording's content key
// and burns one use. Checks run token, then expiry, then secret, so a
// caller holding a dead token learns nothing about the secret.
func (m *LinkManager) Redeem(token, secret string) (core.CapabilityLink, []byte, error) {
	link, err := m.store.GetLink(token)
	if err != nil {
		if _, ok := err.(storage.ErrLinkNotFound); ok {
			return core.CapabilityLink{}, nil, ErrInvalidToken
		}
		return core.CapabilityLink{}, nil, err
	}

	now := time.Now()
	if link.Expired(now) || link.Exhausted() {
		return core.CapabilityLink{}, nil, ErrLinkExpired
	}

	linkKey := cipher.DeriveLinkKey(token, secret)
	contentKey, err := cipher.DecryptFramed(link.WrappedKey, linkKey)
	if err != nil || len(contentKey) != cipher.KeySize {
		return core.CapabilityLink{}, nil, ErrInvalidSecret
	}

	// The use counter only moves once the secret has checked out.
	if err := m.store.ConsumeLink(token); err != nil {
		switch err.(type) {
		case storage.ErrLinkNotFound:
			return core.CapabilityLink{}, nil, ErrInvalidToken
		case storage.ErrLinkConsumed:
			return core.CapabilityLink{}, nil, ErrLinkExpired
		}
		return core.CapabilityLink{}, nil, err
	}
	link.Uses++
	return link, contentKey, nil
}

// Verify checks a token+secret pair without burning a use. Player UIs
// probe with it before committing to playback.
func (m *LinkManager) Verify(token, secret string) error {
	link, err := m.store.GetLink(token)
	if err != nil {
		if _, ok := err.(storage.ErrLinkNotFound); ok {
			return ErrInvalidToken
		}
		return err
	}
	if link.Expired(time.Now()) || link.Exhausted() {
		return ErrLinkExpired
	}
	linkKey := cipher.DeriveLinkKey(token, secret)
	contentKey, err := cipher.DecryptFramed(link.WrappedKey, linkKey)
	if err != nil || len(contentKey) != cipher.KeySize {
		return ErrInvalidSecret
	}
	return nil
}

// LinkInfo is what an anonymous visitor may see before presenting the
// secret.
type LinkInfo struct {
	RecordingID   uuid.UUID
	RecordingName string
	Duration      float64
	Permission    core.Permission
	ExpiresAt     *time.Time
	UsesLeft      *int // nil = unlimited
}

// Describe returns public metadata for a link without requiring the
// secret and without consuming a use.
func (m *LinkManager) Describe(token string) (LinkInfo, error) {
	link, err := m.store.GetLink(token)
	if err != nil {
		if _, ok := err.(storage.ErrLinkNotFound); ok {
			return LinkInfo{}, ErrInvalidToken
		}
		return LinkInfo{}, err
	}
	if link.Expired(time.Now()) || link.Exhausted() {
		return LinkInfo{}, ErrLinkExpired
	}

	rec, err := m.store.GetRecording(link.RecordingID)
	if err != nil {
		return LinkInfo{}, err
	}

	info := LinkInfo{
		RecordingID:   rec.ID,
		RecordingName: rec.Name,
		Duration:      rec.Duration,
		Permission:    link.Permission,
		ExpiresAt:     link.ExpiresAt,
	}
	if link.MaxUses != nil {
		left := *link.MaxUses - link.Uses
		if left < 0 {
			left = 0
		}
		info.UsesLeft = &left
	}
	return info, nil
}

// ShareURL builds the URL a recipient opens. The secret rides in the
// fragment, which browsers do not send to the server.
func ShareURL(baseURL, token, secret string) string {
	return fmt.Sprintf("%s/links/%s#%s", baseURL, url.PathEscape(token), secret)
}

// QRCode renders a share URL as a PNG for handing off to a phone.
func QRCode(shareURL string, size int) ([]byte, error) {
	png, err := qrcode.Encode(shareURL, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	return png, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
