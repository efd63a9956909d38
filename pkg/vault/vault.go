// Package vault is the public API for sonavault.
//
// This is the only package external applications should import. It
// orchestrates encryption, key wrapping, sharing, and capability
// links; the moving parts live in internal packages.
//
// Example usage:
//
//	v, err := vault.New(vault.Config{InMemory: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer v.Close()
//
//	v.RegisterUser(owner)
//	rec, err := v.Create(vault.CreateInput{
//	    OwnerID: owner,
//	    Name:    "voice memo",
//	    Audio:   wavBytes,
//	})
package vault

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mkendrick/sonavault/internal/blob"
	"github.com/mkendrick/sonavault/internal/capability"
	"github.com/mkendrick/sonavault/internal/core"
	"github.com/mkendrick/sonavault/internal/envelope"
	"github.com/mkendrick/sonavault/internal/keys"
	"github.com/mkendrick/sonavault/internal/media"
	"github.com/mkendrick/sonavault/internal/search"
	"github.com/mkendrick/sonavault/internal/share"
	"github.com/mkendrick/sonavault/internal/storage"
	"github.com/mkendrick/sonavault/internal/storage/sqlite"
	"github.com/mkendrick/sonavault/pkg/cipher"
)

// Logger is the minimal logging surface the vault needs. *log.Logger
// satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Config contains configuration options for the vault.
type Config struct {
	// DataDir is the directory for the database, blobs, and search
	// index. If empty, defaults to ~/.sonavault.
	DataDir string

	// InMemory keeps the database and index in memory and blobs in a
	// temp directory removed on Close. For tests.
	InMemory bool

	// MasterKey seals user private keys at rest when set. Obtain it
	// from keys.MasterKeyStore.Unlock.
	MasterKey []byte

	// SealedBlobs encrypts new recordings with an authenticated
	// cipher instead of the compatibility CBC framing. Existing
	// recordings keep whichever mode they were written with.
	SealedBlobs bool

	// Logger receives operational messages. Defaults to the standard
	// logger.
	Logger Logger
}

// Permission is the access level attached to a grant or link.
type Permission = core.Permission

// Permission levels for grants and links.
const (
	PermRead = core.PermRead
	PermEdit = core.PermEdit
)

// Recording is the public metadata view. Key material stays internal.
type Recording struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Name        string
	Description string
	Duration    float64
	CreatedAt   time.Time
}

// Vault ties the subsystems together.
type Vault struct {
	cfg      Config
	store    storage.Store
	keys     *keys.Store
	blobs    *blob.Store
	registry *share.Registry
	links    *capability.LinkManager
	index    *search.Index
	log      Logger

	tmpDir string // set when InMemory created a scratch blob dir
}

// New creates a vault with the given configuration.
func New(cfg Config) (*Vault, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "vault: ", log.LstdFlags)
	}

	var (
		dbPath  string
		blobDir string
		idx     *search.Index
		tmpDir  string
		err     error
	)
	if cfg.InMemory {
		dbPath = ":memory:"
		tmpDir, err = os.MkdirTemp("", "sonavault-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create scratch directory: %w", err)
		}
		blobDir = tmpDir
		idx, err = search.NewMemoryIndex()
	} else {
		dataDir := cfg.DataDir
		if dataDir == "" {
			home, herr := os.UserHomeDir()
			if herr != nil {
				return nil, fmt.Errorf("failed to resolve home directory: %w", herr)
			}
			dataDir = filepath.Join(home, ".sonavault")
		}
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "sonavault.db")
		blobDir = dataDir
		idx, err = search.NewIndex(dataDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}

	store, err := sqlite.New(dbPath)
	if err != nil {
		idx.Close()
		return nil, err
	}
	keyStore, err := keys.NewStore(store.GetDB(), cfg.MasterKey)
	if err != nil {
		store.Close()
		idx.Close()
		return nil, err
	}
	blobs, err := blob.NewStore(blobDir)
	if err != nil {
		store.Close()
		idx.Close()
		return nil, err
	}

	registry := share.NewRegistry(store, keyStore)
	return &Vault{
		cfg:      cfg,
		store:    store,
		keys:     keyStore,
		blobs:    blobs,
		registry: registry,
		links:    capability.NewLinkManager(store, registry),
		index:    idx,
		log:      cfg.Logger,
		tmpDir:   tmpDir,
	}, nil
}

// RegisterUser provisions a keypair for a new user. Each user gets
// exactly one; a second call fails.
func (v *Vault) RegisterUser(userID uuid.UUID) error {
	return convertError(v.keys.Generate(userID))
}

// HasUser reports whether a keypair exists for the user.
func (v *Vault) HasUser(userID uuid.UUID) bool {
	return v.keys.Has(userID)
}

// CreateInput describes a recording upload.
type CreateInput struct {
	OwnerID     uuid.UUID
	Name        string
	Description string
	Duration    float64
	Audio       []byte
}

// Create encrypts and stores a recording. A fresh content key and
// nonce are drawn for every recording; the key is wrapped under the
// owner's public key and only the wrapped form is persisted.
func (v *Vault) Create(input CreateInput) (Recording, error) {
	ownerPub, err := v.keys.PublicKey(input.OwnerID)
	if err != nil {
		return Recording{}, convertError(err)
	}

	contentKey, err := cipher.GenerateKey()
	if err != nil {
		return Recording{}, err
	}

	recID := uuid.New()
	var sealedBlob []byte
	if v.cfg.SealedBlobs {
		sealedBlob, err = cipher.Seal(contentKey, input.Audio, []byte(recID.String()))
	} else {
		var nonce []byte
		nonce, err = cipher.GenerateNonce()
		if err == nil {
			sealedBlob, err = cipher.EncryptFramed(input.Audio, contentKey, nonce)
		}
	}
	if err != nil {
		return Recording{}, fmt.Errorf("failed to encrypt recording: %w", err)
	}

	ref, err := v.blobs.Put(sealedBlob)
	if err != nil {
		return Recording{}, convertError(err)
	}

	wrapped, err := envelope.WrapKey(contentKey, ownerPub)
	if err != nil {
		if derr := v.blobs.Delete(ref); derr != nil {
			v.log.Printf("failed to reclaim blob %s: %v", ref, derr)
		}
		return Recording{}, fmt.Errorf("failed to wrap content key: %w", err)
	}

	rec := core.Recording{
		ID:          recID,
		OwnerID:     input.OwnerID,
		Name:        input.Name,
		Description: input.Description,
		Duration:    input.Duration,
		BlobRef:     ref,
		WrappedKey:  wrapped,
		Sealed:      v.cfg.SealedBlobs,
		CreatedAt:   time.Now(),
	}
	if err := v.store.PutRecording(rec); err != nil {
		// The blob is orphaned without its row; reclaim it now.
		if derr := v.blobs.Delete(ref); derr != nil {
			v.log.Printf("failed to reclaim blob %s: %v", ref, derr)
		}
		return Recording{}, convertError(err)
	}

	if err := v.index.IndexRecording(rec.ID, rec.OwnerID, rec.Name, rec.Description); err != nil {
		v.log.Printf("failed to index recording %s: %v", rec.ID, err)
	}
	return fromInternal(rec), nil
}

// ReadResult is a decrypted recording ready to stream.
type ReadResult struct {
	Recording Recording
	Audio     []byte
	MIME      string
	Extension string
}

// Read decrypts a recording for a user. Owners read directly; grant
// holders must present a fresh capability proof signed with their own
// key. Missing recordings and missing access both come back as
// ErrAccessDenied.
func (v *Vault) Read(recordingID, userID uuid.UUID, proof string) (ReadResult, error) {
	src, rec, err := v.registry.Resolve(recordingID, userID)
	if err != nil {
		if _, ok := err.(storage.ErrNotFound); ok {
			return ReadResult{}, ErrAccessDenied
		}
		return ReadResult{}, convertError(err)
	}

	if src.Kind == core.AccessGrant {
		if proof == "" {
			return ReadResult{}, ErrProofRequired
		}
		pub, err := v.keys.PublicKey(userID)
		if err != nil {
			return ReadResult{}, convertError(err)
		}
		if err := capability.VerifyProof(proof, recordingID, pub); err != nil {
			return ReadResult{}, convertError(err)
		}
	}

	contentKey, err := v.registry.ContentKey(src, userID)
	if err != nil {
		return ReadResult{}, convertError(err)
	}
	return v.open(rec, contentKey)
}

// open fetches and decrypts the recording's blob.
func (v *Vault) open(rec core.Recording, contentKey []byte) (ReadResult, error) {
	sealedBlob, err := v.blobs.Get(rec.BlobRef)
	if err != nil {
		return ReadResult{}, convertError(err)
	}

	var audio []byte
	if rec.Sealed {
		audio, err = cipher.OpenSealed(contentKey, sealedBlob, []byte(rec.ID.String()))
	} else {
		audio, err = cipher.DecryptFramed(sealedBlob, contentKey)
	}
	if err != nil {
		return ReadResult{}, convertError(err)
	}

	format := media.DetectFormat(audio)
	return ReadResult{
		Recording: fromInternal(rec),
		Audio:     audio,
		MIME:      format.MIME,
		Extension: format.Extension,
	}, nil
}

// Share grants target access to a recording. Owner only. The content
// key is rewrapped under the target's public key and a notification is
// committed in the same transaction as the grant.
func (v *Vault) Share(recordingID, sourceID, targetID uuid.UUID, perm Permission) error {
	return convertError(v.registry.Share(recordingID, sourceID, targetID, perm))
}

// GenerateProof mints a capability proof for a recording the user can
// already access. The proof is signed with the user's own private key
// and expires five minutes after issue.
func (v *Vault) GenerateProof(recordingID, userID uuid.UUID) (proof string, expiresAt time.Time, err error) {
	if _, _, err := v.registry.Resolve(recordingID, userID); err != nil {
		if _, ok := err.(storage.ErrNotFound); ok {
			return "", time.Time{}, ErrAccessDenied
		}
		return "", time.Time{}, convertError(err)
	}
	priv, err := v.keys.PrivateKey(userID)
	if err != nil {
		return "", time.Time{}, convertError(err)
	}
	return capability.GenerateProof(recordingID, priv)
}

// LinkOptions constrains a new capability link.
type LinkOptions struct {
	Permission Permission
	MaxUses    int           // 0 = unlimited
	TTL        time.Duration // 0 = never expires
}

// Link is a freshly minted capability link. Secret is shown exactly
// once; it is never stored.
type Link struct {
	Token     string
	Secret    string
	ExpiresAt *time.Time
}

// CreateLink mints an anonymous share link for a recording. Owner
// only.
func (v *Vault) CreateLink(recordingID, creatorID uuid.UUID, opts LinkOptions) (Link, error) {
	link, secret, err := v.links.CreateLink(recordingID, creatorID, capability.LinkOptions{
		Permission: opts.Permission,
		MaxUses:    opts.MaxUses,
		TTL:        opts.TTL,
	})
	if err != nil {
		return Link{}, convertError(err)
	}
	return Link{Token: link.Token, Secret: secret, ExpiresAt: link.ExpiresAt}, nil
}

// LinkInfo is the public preview of a link, available without the
// secret.
type LinkInfo struct {
	RecordingID   uuid.UUID
	RecordingName string
	Duration      float64
	Permission    Permission
	ExpiresAt     *time.Time
	UsesLeft      *int
}

// ResolveLink returns link metadata without consuming a use.
func (v *Vault) ResolveLink(token string) (LinkInfo, error) {
	info, err := v.links.Describe(token)
	if err != nil {
		return LinkInfo{}, convertError(err)
	}
	return LinkInfo{
		RecordingID:   info.RecordingID,
		RecordingName: info.RecordingName,
		Duration:      info.Duration,
		Permission:    info.Permission,
		ExpiresAt:     info.ExpiresAt,
		UsesLeft:      info.UsesLeft,
	}, nil
}

// StreamWithLink decrypts a recording for an anonymous link holder and
// burns one use. With probe set, it validates the token and secret and
// returns metadata only; nothing is decrypted and no use is consumed,
// so players can check a link before starting playback.
func (v *Vault) StreamWithLink(token, secret string, probe bool) (ReadResult, error) {
	if probe {
		if err := v.links.Verify(token, secret); err != nil {
			return ReadResult{}, convertError(err)
		}
		info, err := v.links.Describe(token)
		if err != nil {
			return ReadResult{}, convertError(err)
		}
		rec, err := v.store.GetRecording(info.RecordingID)
		if err != nil {
			return ReadResult{}, convertError(err)
		}
		return ReadResult{Recording: fromInternal(rec)}, nil
	}

	link, contentKey, err := v.links.Redeem(token, secret)
	if err != nil {
		return ReadResult{}, convertError(err)
	}
	rec, err := v.store.GetRecording(link.RecordingID)
	if err != nil {
		return ReadResult{}, convertError(err)
	}
	return v.open(rec, contentKey)
}

// ShareURL builds the URL for a link against the given base.
func (v *Vault) ShareURL(baseURL string, link Link) string {
	return capability.ShareURL(baseURL, link.Token, link.Secret)
}

// LinkQR renders a link's share URL as a PNG.
func (v *Vault) LinkQR(baseURL string, link Link, size int) ([]byte, error) {
	return capability.QRCode(capability.ShareURL(baseURL, link.Token, link.Secret), size)
}

// Delete removes a recording, its grants, links, and notifications.
// Owner only. A missing recording reads as ErrAccessDenied, same as
// Read, so callers cannot test ids for existence.
func (v *Vault) Delete(recordingID, userID uuid.UUID) error {
	rec, err := v.store.GetRecording(recordingID)
	if err != nil {
		if _, ok := err.(storage.ErrNotFound); ok {
			return ErrAccessDenied
		}
		return convertError(err)
	}
	if rec.OwnerID != userID {
		return ErrAccessDenied
	}

	if err := v.store.DeleteRecording(recordingID); err != nil {
		return convertError(err)
	}
	// Row is gone; blob and index cleanup are best-effort.
	if err := v.blobs.Delete(rec.BlobRef); err != nil {
		v.log.Printf("failed to delete blob %s: %v", rec.BlobRef, err)
	}
	if err := v.index.DeleteRecording(recordingID); err != nil {
		v.log.Printf("failed to deindex recording %s: %v", recordingID, err)
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	OwnerID *uuid.UUID
	Limit   int
	Offset  int
}

// List returns recording metadata, newest first.
func (v *Vault) List(filter ListFilter) ([]Recording, error) {
	recs, err := v.store.ListRecordings(storage.ListFilter{
		OwnerID: filter.OwnerID,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
	if err != nil {
		return nil, convertError(err)
	}
	out := make([]Recording, len(recs))
	for i, rec := range recs {
		out[i] = fromInternal(rec)
	}
	return out, nil
}

// Search matches a query against recording names and descriptions and
// returns metadata ordered by relevance.
func (v *Vault) Search(query string, ownerID *uuid.UUID, limit int) ([]Recording, error) {
	hits, err := v.index.Search(query, search.SearchOptions{OwnerID: ownerID, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Recording, 0, len(hits))
	for _, hit := range hits {
		rec, err := v.store.GetRecording(hit.ID)
		if err != nil {
			// Index can lag a delete.
			continue
		}
		out = append(out, fromInternal(rec))
	}
	return out, nil
}

// Notification tells a user a recording was shared with them.
type Notification struct {
	ID          uuid.UUID
	RecordingID uuid.UUID
	Permission  Permission
	CreatedAt   time.Time
	Read        bool
}

// Notifications lists a user's share notifications, newest first.
func (v *Vault) Notifications(userID uuid.UUID) ([]Notification, error) {
	notes, err := v.store.ListNotifications(userID)
	if err != nil {
		return nil, convertError(err)
	}
	out := make([]Notification, len(notes))
	for i, n := range notes {
		out[i] = Notification{
			ID:          n.ID,
			RecordingID: n.RecordingID,
			Permission:  n.Permission,
			CreatedAt:   n.CreatedAt,
			Read:        n.Read,
		}
	}
	return out, nil
}

// SweepLinks deletes expired capability links and returns how many
// were removed.
func (v *Vault) SweepLinks() (int, error) {
	return v.store.DeleteExpiredLinks(time.Now())
}

// Close releases the database, index, and any scratch storage.
func (v *Vault) Close() error {
	var firstErr error
	if err := v.index.Close(); err != nil {
		firstErr = err
	}
	if err := v.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if v.tmpDir != "" {
		if err := os.RemoveAll(v.tmpDir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func fromInternal(rec core.Recording) Recording {
	return Recording{
		ID:          rec.ID,
		OwnerID:     rec.OwnerID,
		Name:        rec.Name,
		Description: rec.Description,
		Duration:    rec.Duration,
		CreatedAt:   rec.CreatedAt,
	}
}
