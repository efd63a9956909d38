// Package search provides full-text search over recording metadata
// using Bleve. Only plaintext metadata is indexed; audio content never
// reaches the index.
package search

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
)

// Index wraps Bleve for recording metadata search.
type Index struct {
	index bleve.Index
	path  string
}

// Document is the indexed view of a recording.
type Document struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NewIndex creates or opens a Bleve index at the given path.
func NewIndex(dataDir string) (*Index, error) {
	indexPath := filepath.Join(dataDir, "search.bleve")

	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(indexPath, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	return &Index{
		index: idx,
		path:  indexPath,
	}, nil
}

// NewMemoryIndex creates an in-memory index for testing.
func NewMemoryIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, err
	}
	return &Index{index: idx}, nil
}

func buildMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = "standard"
	docMapping.AddFieldMappingsAt("name", nameField)

	descField := bleve.NewTextFieldMapping()
	descField.Analyzer = "standard"
	docMapping.AddFieldMappingsAt("description", descField)

	// Owner is an exact-match filter, not free text.
	ownerField := bleve.NewTextFieldMapping()
	ownerField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("owner_id", ownerField)

	// Documents carry no type field, so they land on the default
	// mapping.
	m.DefaultMapping = docMapping
	return m
}

// IndexRecording adds or updates a recording's metadata in the index.
func (i *Index) IndexRecording(id, ownerID uuid.UUID, name, description string) error {
	doc := Document{
		ID:          id.String(),
		OwnerID:     ownerID.String(),
		Name:        name,
		Description: description,
	}
	return i.index.Index(id.String(), doc)
}

// DeleteRecording removes a recording from the index.
func (i *Index) DeleteRecording(id uuid.UUID) error {
	return i.index.Delete(id.String())
}

// SearchOptions configures a search query.
type SearchOptions struct {
	OwnerID *uuid.UUID // restrict hits to one owner
	Limit   int        // max results (default 50)
}

// SearchResult represents a search hit.
type SearchResult struct {
	ID    uuid.UUID
	Score float64
}

// Search matches the query against recording names and descriptions.
func (i *Index) Search(query string, opts SearchOptions) ([]SearchResult, error) {
	nameQuery := bleve.NewMatchQuery(query)
	nameQuery.SetField("name")
	nameQuery.SetBoost(2.0)

	descQuery := bleve.NewMatchQuery(query)
	descQuery.SetField("description")

	q := bleve.NewDisjunctionQuery(nameQuery, descQuery)

	searchReq := bleve.NewSearchRequest(q)
	if opts.OwnerID != nil {
		ownerQuery := bleve.NewTermQuery(opts.OwnerID.String())
		ownerQuery.SetField("owner_id")
		searchReq.Query = bleve.NewConjunctionQuery(q, ownerQuery)
	}
	searchReq.Size = opts.Limit
	if searchReq.Size <= 0 {
		searchReq.Size = 50
	}

	searchRes, err := i.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(searchRes.Hits))
	for _, hit := range searchRes.Hits {
		id, err := uuid.Parse(hit.ID)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{
			ID:    id,
			Score: hit.Score,
		})
	}

	return results, nil
}

// Close closes the index.
func (i *Index) Close() error {
	return i.index.Close()
}

// Delete removes the index from disk.
func (i *Index) Delete() error {
	i.index.Close()
	if i.path != "" {
		return os.RemoveAll(i.path)
	}
	return nil
}
