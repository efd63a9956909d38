package search

import (
	"testing"

	"github.com/google/uuid"
)

func TestSearchByNameAndDescription(t *testing.T) {
	idx, err := NewMemoryIndex()
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	defer idx.Close()

	owner := uuid.New()
	memo := uuid.New()
	riff := uuid.New()
	if err := idx.IndexRecording(memo, owner, "standup memo", "notes from monday sync"); err != nil {
		t.Fatalf("index failed: %v", err)
	}
	if err := idx.IndexRecording(riff, owner, "guitar riff", "rough idea in drop D"); err != nil {
		t.Fatalf("index failed: %v", err)
	}

	results, err := idx.Search("standup", SearchOptions{})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != memo {
		t.Errorf("expected memo hit, got %+v", results)
	}

	// Description text is searchable too.
	results, err = idx.Search("guitar drop", SearchOptions{})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) == 0 || results[0].ID != riff {
		t.Errorf("expected riff hit first, got %+v", results)
	}
}

func TestSearchOwnerFilter(t *testing.T) {
	idx, err := NewMemoryIndex()
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	defer idx.Close()

	alice := uuid.New()
	bob := uuid.New()
	aliceRec := uuid.New()
	idx.IndexRecording(aliceRec, alice, "demo take", "")
	idx.IndexRecording(uuid.New(), bob, "demo take", "")

	results, err := idx.Search("demo", SearchOptions{OwnerID: &alice})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != aliceRec {
		t.Errorf("owner filter should keep only alice's hit, got %+v", results)
	}
}

func TestDeleteRecording(t *testing.T) {
	idx, err := NewMemoryIndex()
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	defer idx.Close()

	id := uuid.New()
	idx.IndexRecording(id, uuid.New(), "ephemeral", "")
	if err := idx.DeleteRecording(id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	results, err := idx.Search("ephemeral", SearchOptions{})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("deleted recording should not be found, got %+v", results)
	}
}
