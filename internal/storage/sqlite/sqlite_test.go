package sqlite

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mkendrick/sonavault/internal/core"
	"github.com/mkendrick/sonavault/internal/storage"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecording(owner uuid.UUID) core.Recording {
	return core.Recording{
		ID:          uuid.New(),
		OwnerID:     owner,
		Name:        "standup notes",
		Description: "monday",
		Duration:    12.5,
		BlobRef:     "aabbcc",
		WrappedKey:  "d2hhdGV2ZXI=",
		CreatedAt:   time.Now(),
	}
}

func TestRecordingCRUD(t *testing.T) {
	store := newTestStore(t)
	owner := uuid.New()
	rec := testRecording(owner)

	if err := store.PutRecording(rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := store.GetRecording(rec.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.OwnerID != owner || got.Name != rec.Name || got.WrappedKey != rec.WrappedKey {
		t.Errorf("recording mismatch: got %+v", got)
	}

	missing := uuid.New()
	if _, err := store.GetRecording(missing); err != (storage.ErrNotFound{ID: missing}) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	recs, err := store.ListRecordings(storage.ListFilter{OwnerID: &owner})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected 1 recording, got %d", len(recs))
	}

	if err := store.DeleteRecording(rec.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.DeleteRecording(rec.ID); err != (storage.ErrNotFound{ID: rec.ID}) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestShareUpsert(t *testing.T) {
	store := newTestStore(t)
	owner := uuid.New()
	target := uuid.New()
	rec := testRecording(owner)
	if err := store.PutRecording(rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	grant := core.ShareGrant{
		RecordingID: rec.ID,
		OwnerID:     owner,
		TargetID:    target,
		Permission:  core.PermRead,
		WrappedKey:  "first-wrap",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	note := core.Notification{
		ID: uuid.New(), UserID: target, RecordingID: rec.ID,
		Permission: core.PermRead, CreatedAt: time.Now(),
	}
	if err := store.CommitShare(grant, note); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// Second share to the same target updates in place.
	grant.Permission = core.PermEdit
	grant.WrappedKey = "second-wrap"
	note.ID = uuid.New()
	note.Permission = core.PermEdit
	if err := store.CommitShare(grant, note); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}

	grants, err := store.ListGrants(rec.ID)
	if err != nil {
		t.Fatalf("list grants failed: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("expected exactly 1 grant, got %d", len(grants))
	}
	if grants[0].Permission != core.PermEdit || grants[0].WrappedKey != "second-wrap" {
		t.Errorf("second share should win: %+v", grants[0])
	}

	notes, err := store.ListNotifications(target)
	if err != nil {
		t.Fatalf("list notifications failed: %v", err)
	}
	if len(notes) != 2 {
		t.Errorf("expected 2 notifications, got %d", len(notes))
	}
}

func TestDeleteRecordingRemovesDependents(t *testing.T) {
	store := newTestStore(t)
	owner := uuid.New()
	target := uuid.New()
	rec := testRecording(owner)
	store.PutRecording(rec)

	grant := core.ShareGrant{
		RecordingID: rec.ID, OwnerID: owner, TargetID: target,
		Permission: core.PermRead, WrappedKey: "w",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	note := core.Notification{
		ID: uuid.New(), UserID: target, RecordingID: rec.ID,
		Permission: core.PermRead, CreatedAt: time.Now(),
	}
	if err := store.CommitShare(grant, note); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := store.PutLink(core.CapabilityLink{
		Token: "tok", RecordingID: rec.ID, Permission: core.PermRead,
		WrappedKey: []byte("wrapped"), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("put link failed: %v", err)
	}

	if err := store.DeleteRecording(rec.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := store.GetGrant(rec.ID, target); err == nil {
		t.Error("grant should be gone after recording delete")
	}
	if _, err := store.GetLink("tok"); err == nil {
		t.Error("link should be gone after recording delete")
	}
	if notes, _ := store.ListNotifications(target); len(notes) != 0 {
		t.Error("notifications should be gone after recording delete")
	}
}

func TestConsumeLink(t *testing.T) {
	store := newTestStore(t)
	rec := testRecording(uuid.New())
	store.PutRecording(rec)

	maxUses := 2
	link := core.CapabilityLink{
		Token: "limited", RecordingID: rec.ID, Permission: core.PermRead,
		WrappedKey: []byte("wrapped"), MaxUses: &maxUses, CreatedAt: time.Now(),
	}
	if err := store.PutLink(link); err != nil {
		t.Fatalf("put link failed: %v", err)
	}

	if err := store.ConsumeLink("limited"); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if err := store.ConsumeLink("limited"); err != nil {
		t.Fatalf("second consume failed: %v", err)
	}
	if err := store.ConsumeLink("limited"); err != (storage.ErrLinkConsumed{Token: "limited"}) {
		t.Errorf("expected ErrLinkConsumed, got %v", err)
	}

	if err := store.ConsumeLink("unknown"); err != (storage.ErrLinkNotFound{Token: "unknown"}) {
		t.Errorf("expected ErrLinkNotFound, got %v", err)
	}

	// Uncapped links never exhaust.
	store.PutLink(core.CapabilityLink{
		Token: "open", RecordingID: rec.ID, Permission: core.PermRead,
		WrappedKey: []byte("wrapped"), CreatedAt: time.Now(),
	})
	for i := 0; i < 5; i++ {
		if err := store.ConsumeLink("open"); err != nil {
			t.Fatalf("uncapped consume %d failed: %v", i, err)
		}
	}
}

func TestDeleteExpiredLinks(t *testing.T) {
	store := newTestStore(t)
	rec := testRecording(uuid.New())
	store.PutRecording(rec)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	store.PutLink(core.CapabilityLink{
		Token: "stale", RecordingID: rec.ID, Permission: core.PermRead,
		WrappedKey: []byte("w"), ExpiresAt: &past, CreatedAt: past,
	})
	store.PutLink(core.CapabilityLink{
		Token: "fresh", RecordingID: rec.ID, Permission: core.PermRead,
		WrappedKey: []byte("w"), ExpiresAt: &future, CreatedAt: time.Now(),
	})

	n, err := store.DeleteExpiredLinks(time.Now())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept link, got %d", n)
	}
	if _, err := store.GetLink("fresh"); err != nil {
		t.Errorf("fresh link should survive sweep: %v", err)
	}
}
