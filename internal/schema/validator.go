// Package schema validates API request payloads against JSON Schema
// before they reach the vault.
package schema

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError describes one failed constraint.
type ValidationError struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

// ValidationResult contains the result of validating one payload.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Registry holds compiled schemas keyed by request type.
type Registry struct {
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// NewDefaultRegistry creates a registry with the built-in request
// schemas registered.
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	for name, def := range map[string][]byte{
		"create_recording": CreateRecordingSchema,
		"share_recording":  ShareRecordingSchema,
		"create_link":      CreateLinkSchema,
	} {
		if err := r.Register(name, def); err != nil {
			return nil, fmt.Errorf("failed to register %s schema: %w", name, err)
		}
	}
	return r, nil
}

// Register compiles and stores a schema for a request type.
func (r *Registry) Register(requestType string, definition []byte) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(definition))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[requestType] = compiled
	return nil
}

// Validate checks a payload against the schema for its request type.
// An unregistered type passes, so new endpoints work before a schema
// lands.
func (r *Registry) Validate(requestType string, payload []byte) ValidationResult {
	r.mu.RLock()
	compiled, ok := r.schemas[requestType]
	r.mu.RUnlock()

	if !ok {
		return ValidationResult{Valid: true}
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:       "body",
				Description: fmt.Sprintf("validation error: %v", err),
			}},
		}
	}

	if result.Valid() {
		return ValidationResult{Valid: true}
	}

	errors := make([]ValidationError, len(result.Errors()))
	for i, err := range result.Errors() {
		errors[i] = ValidationError{
			Field:       err.Field(),
			Description: err.Description(),
		}
	}
	return ValidationResult{Valid: false, Errors: errors}
}

// Request schemas

// CreateRecordingSchema validates recording upload metadata.
var CreateRecordingSchema = []byte(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["owner_id", "name"],
	"properties": {
		"owner_id": {"type": "string", "format": "uuid"},
		"name": {"type": "string", "minLength": 1, "maxLength": 256},
		"description": {"type": "string", "maxLength": 4096},
		"duration": {"type": "number", "minimum": 0}
	}
}`)

// ShareRecordingSchema validates share requests.
var ShareRecordingSchema = []byte(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["source_id", "target_id"],
	"properties": {
		"source_id": {"type": "string", "format": "uuid"},
		"target_id": {"type": "string", "format": "uuid"},
		"permission": {"type": "string", "enum": ["read", "edit"]}
	}
}`)

// CreateLinkSchema validates capability link requests.
var CreateLinkSchema = []byte(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["creator_id"],
	"properties": {
		"creator_id": {"type": "string", "format": "uuid"},
		"permission": {"type": "string", "enum": ["read", "edit"]},
		"max_uses": {"type": "integer", "minimum": 1},
		"ttl_seconds": {"type": "integer", "minimum": 1}
	}
}`)
