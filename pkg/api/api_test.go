package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mkendrick/sonavault/pkg/vault"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	v, err := vault.New(vault.Config{InMemory: true})
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	t.Cleanup(func() { v.Close() })

	s, err := NewServer(v, Config{
		BaseURL:           "https://vault.example",
		AuthFailureLimit:  3,
		AuthFailureWindow: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func registerUser(t *testing.T, s *Server) uuid.UUID {
	t.Helper()
	id := uuid.New()
	rec := do(t, s, http.MethodPost, "/users", map[string]string{"user_id": id.String()})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", rec.Code, rec.Body.String())
	}
	return id
}

func wavBody(owner uuid.UUID, name string) map[string]any {
	audio := append([]byte("RIFF\x24\x00\x00\x00WAVE"), []byte("payload")...)
	return map[string]any{
		"owner_id": owner.String(),
		"name":     name,
		"duration": 3.5,
		"audio":    base64.StdEncoding.EncodeToString(audio),
	}
}

func createRecording(t *testing.T, s *Server, owner uuid.UUID, name string) uuid.UUID {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/recordings", wavBody(owner, name))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	id, err := uuid.Parse(decode(t, rec)["id"].(string))
	if err != nil {
		t.Fatalf("bad recording id: %v", err)
	}
	return id
}

func TestUploadAndStream(t *testing.T) {
	s := newTestServer(t)
	owner := registerUser(t, s)
	recID := createRecording(t, s, owner, "memo")

	rec := do(t, s, http.MethodGet,
		fmt.Sprintf("/recordings/%s/stream?user_id=%s", recID, owner), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream returned %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q, want audio/wav", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("RIFF")) {
		t.Error("expected decrypted WAV bytes")
	}
}

func TestUploadValidation(t *testing.T) {
	s := newTestServer(t)
	owner := registerUser(t, s)

	body := wavBody(owner, "memo")
	delete(body, "name")
	rec := do(t, s, http.MethodPost, "/recordings", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("nameless upload returned %d, want 400", rec.Code)
	}
}

func TestShareProofFlow(t *testing.T) {
	s := newTestServer(t)
	owner := registerUser(t, s)
	grantee := registerUser(t, s)
	recID := createRecording(t, s, owner, "shared clip")

	rec := do(t, s, http.MethodPost, fmt.Sprintf("/recordings/%s/share", recID), map[string]string{
		"source_id":  owner.String(),
		"target_id":  grantee.String(),
		"permission": "read",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("share returned %d: %s", rec.Code, rec.Body.String())
	}

	// No proof: 401.
	rec = do(t, s, http.MethodGet,
		fmt.Sprintf("/recordings/%s/stream?user_id=%s", recID, grantee), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("proofless grantee stream returned %d, want 401", rec.Code)
	}

	rec = do(t, s, http.MethodPost, fmt.Sprintf("/recordings/%s/proof", recID),
		map[string]string{"user_id": grantee.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("proof returned %d: %s", rec.Code, rec.Body.String())
	}
	proof := decode(t, rec)["proof"].(string)

	rec = do(t, s, http.MethodGet,
		fmt.Sprintf("/recordings/%s/stream?user_id=%s&proof=%s", recID, grantee, proof), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("proofed grantee stream returned %d: %s", rec.Code, rec.Body.String())
	}

	// Notification landed.
	rec = do(t, s, http.MethodGet, fmt.Sprintf("/users/%s/notifications", grantee), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("notifications returned %d", rec.Code)
	}
	notes := decode(t, rec)["notifications"].([]any)
	if len(notes) != 1 {
		t.Errorf("expected 1 notification, got %d", len(notes))
	}
}

func TestLinkFlowAndRateLimit(t *testing.T) {
	s := newTestServer(t)
	owner := registerUser(t, s)
	recID := createRecording(t, s, owner, "linked clip")

	rec := do(t, s, http.MethodPost, fmt.Sprintf("/recordings/%s/links", recID), map[string]any{
		"creator_id": owner.String(),
		"max_uses":   5,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create link returned %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	token := resp["token"].(string)
	secret := resp["secret"].(string)
	if url, ok := resp["url"].(string); !ok || url == "" {
		t.Error("expected share url in response")
	}

	// Anonymous metadata.
	rec = do(t, s, http.MethodGet, "/links/"+token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("describe returned %d", rec.Code)
	}
	if decode(t, rec)["recording_name"] != "linked clip" {
		t.Error("wrong link metadata")
	}

	// Probe returns metadata, not audio, and burns no use.
	rec = do(t, s, http.MethodGet,
		fmt.Sprintf("/links/%s/stream?secret=%s&probe=1", token, secret), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("probe returned %d: %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["recording_name"] != "linked clip" {
		t.Error("probe should carry recording metadata")
	}
	rec = do(t, s, http.MethodGet,
		fmt.Sprintf("/links/%s/stream?secret=%s", token, secret), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("link stream returned %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}

	// Bad secrets burn the client's failure budget, then 429.
	for i := 0; i < 3; i++ {
		rec = do(t, s, http.MethodGet,
			fmt.Sprintf("/links/%s/stream?secret=nope", token), nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("bad secret attempt %d returned %d, want 403", i, rec.Code)
		}
	}
	rec = do(t, s, http.MethodGet,
		fmt.Sprintf("/links/%s/stream?secret=%s", token, secret), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("rate limited stream returned %d, want 429", rec.Code)
	}
}

func TestDeleteRecording(t *testing.T) {
	s := newTestServer(t)
	owner := registerUser(t, s)
	stranger := registerUser(t, s)
	recID := createRecording(t, s, owner, "doomed")

	rec := do(t, s, http.MethodDelete,
		fmt.Sprintf("/recordings/%s?user_id=%s", recID, stranger), nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger delete returned %d, want 403", rec.Code)
	}

	rec = do(t, s, http.MethodDelete,
		fmt.Sprintf("/recordings/%s?user_id=%s", recID, owner), nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("owner delete returned %d, want 204", rec.Code)
	}

	rec = do(t, s, http.MethodGet,
		fmt.Sprintf("/recordings/%s/stream?user_id=%s", recID, owner), nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("stream after delete returned %d, want 403", rec.Code)
	}
}

func TestListRecordings(t *testing.T) {
	s := newTestServer(t)
	owner := registerUser(t, s)
	createRecording(t, s, owner, "one")
	createRecording(t, s, owner, "two")

	rec := do(t, s, http.MethodGet, "/recordings?owner_id="+owner.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d", rec.Code)
	}
	recs := decode(t, rec)["recordings"].([]any)
	if len(recs) != 2 {
		t.Errorf("expected 2 recordings, got %d", len(recs))
	}
}
