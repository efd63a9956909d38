package share

import (
	"testing"

	"github.com/google/uuid"
	"github.com/mkendrick/sonavault/internal/core"
	"github.com/mkendrick/sonavault/internal/envelope"
	"github.com/mkendrick/sonavault/internal/keys"
	"github.com/mkendrick/sonavault/internal/storage/sqlite"
	"github.com/mkendrick/sonavault/pkg/cipher"
)

type fixture struct {
	store    *sqlite.SQLiteStore
	keys     *keys.Store
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	keyStore, err := keys.NewStore(store.GetDB(), nil)
	if err != nil {
		t.Fatalf("failed to create key store: %v", err)
	}
	return &fixture{
		store:    store,
		keys:     keyStore,
		registry: NewRegistry(store, keyStore),
	}
}

// addRecording creates a user keypair, a content key wrapped for that
// user, and a stored recording row.
func (f *fixture) addRecording(t *testing.T, owner uuid.UUID) (core.Recording, []byte) {
	t.Helper()
	if !f.keys.Has(owner) {
		if err := f.keys.Generate(owner); err != nil {
			t.Fatalf("failed to generate keypair: %v", err)
		}
	}
	pub, err := f.keys.PublicKey(owner)
	if err != nil {
		t.Fatalf("failed to fetch public key: %v", err)
	}

	contentKey, err := cipher.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate content key: %v", err)
	}
	wrapped, err := envelope.WrapKey(contentKey, pub)
	if err != nil {
		t.Fatalf("failed to wrap content key: %v", err)
	}

	rec := core.Recording{
		ID:         uuid.New(),
		OwnerID:    owner,
		Name:       "voice memo",
		BlobRef:    "ref",
		WrappedKey: wrapped,
	}
	if err := f.store.PutRecording(rec); err != nil {
		t.Fatalf("failed to store recording: %v", err)
	}
	return rec, contentKey
}

func TestResolveOwner(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	rec, contentKey := f.addRecording(t, owner)

	src, got, err := f.registry.Resolve(rec.ID, owner)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if src.Kind != core.AccessOwner {
		t.Errorf("expected owner access, got kind %d", src.Kind)
	}
	if !src.CanEdit() {
		t.Error("owner should have edit access")
	}
	if got.ID != rec.ID {
		t.Errorf("recording mismatch: %s != %s", got.ID, rec.ID)
	}

	unwrapped, err := f.registry.ContentKey(src, owner)
	if err != nil {
		t.Fatalf("content key unwrap failed: %v", err)
	}
	if string(unwrapped) != string(contentKey) {
		t.Error("unwrapped key does not match original content key")
	}
}

func TestResolveDenied(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	stranger := uuid.New()
	rec, _ := f.addRecording(t, owner)

	_, _, err := f.registry.Resolve(rec.ID, stranger)
	if _, ok := err.(ErrAccessDenied); !ok {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
}

func TestShareAndResolveGrant(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	target := uuid.New()
	rec, contentKey := f.addRecording(t, owner)
	if err := f.keys.Generate(target); err != nil {
		t.Fatalf("failed to generate target keypair: %v", err)
	}

	if err := f.registry.Share(rec.ID, owner, target, core.PermRead); err != nil {
		t.Fatalf("share failed: %v", err)
	}

	src, _, err := f.registry.Resolve(rec.ID, target)
	if err != nil {
		t.Fatalf("resolve after share failed: %v", err)
	}
	if src.Kind != core.AccessGrant {
		t.Errorf("expected grant access, got kind %d", src.Kind)
	}
	if src.CanEdit() {
		t.Error("read grant should not permit edit")
	}

	// The grant carries a rewrap, not a copy of the owner's wrap.
	if src.WrappedKey == rec.WrappedKey {
		t.Error("grant should hold a key wrapped for the target, not the owner's")
	}

	// The target unwraps with their own private key.
	unwrapped, err := f.registry.ContentKey(src, target)
	if err != nil {
		t.Fatalf("target unwrap failed: %v", err)
	}
	if string(unwrapped) != string(contentKey) {
		t.Error("target should recover the same content key")
	}

	// A notification landed for the target.
	notes, err := f.store.ListNotifications(target)
	if err != nil || len(notes) != 1 {
		t.Fatalf("expected 1 notification, got %d (%v)", len(notes), err)
	}
	if notes[0].RecordingID != rec.ID {
		t.Errorf("notification for wrong recording: %s", notes[0].RecordingID)
	}
}

func TestShareRequiresOwner(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	grantee := uuid.New()
	other := uuid.New()
	rec, _ := f.addRecording(t, owner)
	for _, id := range []uuid.UUID{grantee, other} {
		if err := f.keys.Generate(id); err != nil {
			t.Fatalf("failed to generate keypair: %v", err)
		}
	}
	if err := f.registry.Share(rec.ID, owner, grantee, core.PermEdit); err != nil {
		t.Fatalf("owner share failed: %v", err)
	}

	// Even an edit grantee cannot re-share.
	err := f.registry.Share(rec.ID, grantee, other, core.PermRead)
	if _, ok := err.(ErrNotOwner); !ok {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestShareRequiresTargetKeypair(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	rec, _ := f.addRecording(t, owner)

	err := f.registry.Share(rec.ID, owner, uuid.New(), core.PermRead)
	if _, ok := err.(keys.ErrKeyNotFound); !ok {
		t.Errorf("expected ErrKeyNotFound for keyless target, got %v", err)
	}
}

func TestShareNormalizesPermission(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	target := uuid.New()
	rec, _ := f.addRecording(t, owner)
	if err := f.keys.Generate(target); err != nil {
		t.Fatalf("failed to generate target keypair: %v", err)
	}

	if err := f.registry.Share(rec.ID, owner, target, core.Permission("admin")); err != nil {
		t.Fatalf("share failed: %v", err)
	}
	src, _, err := f.registry.Resolve(rec.ID, target)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if src.Permission != core.PermRead {
		t.Errorf("unknown permission should normalize to read, got %q", src.Permission)
	}
}

func TestCheckEditAccess(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	reader := uuid.New()
	editor := uuid.New()
	rec, _ := f.addRecording(t, owner)
	for _, id := range []uuid.UUID{reader, editor} {
		if err := f.keys.Generate(id); err != nil {
			t.Fatalf("failed to generate keypair: %v", err)
		}
	}
	if err := f.registry.Share(rec.ID, owner, reader, core.PermRead); err != nil {
		t.Fatalf("share failed: %v", err)
	}
	if err := f.registry.Share(rec.ID, owner, editor, core.PermEdit); err != nil {
		t.Fatalf("share failed: %v", err)
	}

	cases := []struct {
		user uuid.UUID
		want bool
	}{
		{owner, true},
		{editor, true},
		{reader, false},
		{uuid.New(), false},
	}
	for _, c := range cases {
		ok, err := f.registry.CheckEditAccess(rec.ID, c.user)
		if err != nil {
			t.Fatalf("check failed: %v", err)
		}
		if ok != c.want {
			t.Errorf("edit access for %s = %v, want %v", c.user, ok, c.want)
		}
	}
}
