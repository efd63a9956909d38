// Package api exposes the vault over HTTP.
//
// Authentication is left to the deployment in front of this server;
// handlers take the acting user id from the request and enforce
// authorization through the vault. Anonymous link endpoints are rate
// limited per client address so tokens and secrets cannot be brute
// forced.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mkendrick/sonavault/internal/ratelimit"
	"github.com/mkendrick/sonavault/internal/schema"
	"github.com/mkendrick/sonavault/pkg/vault"
)

const maxUploadBytes = 64 << 20 // 64 MiB of base64-encoded audio

// Server handles HTTP requests against a vault.
type Server struct {
	vault   *vault.Vault
	schemas *schema.Registry
	limiter *ratelimit.Limiter
	router  *mux.Router
	baseURL string
	log     vault.Logger
}

// Config configures the HTTP server.
type Config struct {
	// BaseURL is used when building share URLs, e.g.
	// "https://vault.example".
	BaseURL string

	// AuthFailureLimit is how many failed link authorizations one
	// client address gets per window before 429s. Defaults to 10 per
	// minute.
	AuthFailureLimit  int
	AuthFailureWindow time.Duration

	Logger vault.Logger
}

// NewServer creates a server over the given vault.
func NewServer(v *vault.Vault, cfg Config) (*Server, error) {
	schemas, err := schema.NewDefaultRegistry()
	if err != nil {
		return nil, err
	}
	if cfg.AuthFailureLimit <= 0 {
		cfg.AuthFailureLimit = 10
	}
	if cfg.AuthFailureWindow <= 0 {
		cfg.AuthFailureWindow = time.Minute
	}

	s := &Server{
		vault:   v,
		schemas: schemas,
		limiter: ratelimit.NewLimiter(cfg.AuthFailureLimit, cfg.AuthFailureWindow),
		baseURL: cfg.BaseURL,
		log:     cfg.Logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/users", s.handleRegisterUser).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/notifications", s.handleNotifications).Methods(http.MethodGet)

	r.HandleFunc("/recordings", s.handleCreateRecording).Methods(http.MethodPost)
	r.HandleFunc("/recordings", s.handleListRecordings).Methods(http.MethodGet)
	r.HandleFunc("/recordings/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/recordings/{id}", s.handleDeleteRecording).Methods(http.MethodDelete)
	r.HandleFunc("/recordings/{id}/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/recordings/{id}/share", s.handleShare).Methods(http.MethodPost)
	r.HandleFunc("/recordings/{id}/proof", s.handleProof).Methods(http.MethodPost)
	r.HandleFunc("/recordings/{id}/links", s.handleCreateLink).Methods(http.MethodPost)

	r.HandleFunc("/links/{token}", s.handleDescribeLink).Methods(http.MethodGet)
	r.HandleFunc("/links/{token}/stream", s.handleStreamLink).Methods(http.MethodGet)

	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	if err := s.vault.RegisterUser(userID); err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": userID.String()})
}

func (s *Server) handleCreateRecording(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if res := s.schemas.Validate("create_recording", body); !res.Valid {
		writeValidationError(w, res)
		return
	}

	var req struct {
		OwnerID     string  `json:"owner_id"`
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Duration    float64 `json:"duration"`
		Audio       string  `json:"audio"` // base64
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner_id")
		return
	}
	audio, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio must be base64")
		return
	}

	rec, err := s.vault.Create(vault.CreateInput{
		OwnerID:     ownerID,
		Name:        req.Name,
		Description: req.Description,
		Duration:    req.Duration,
		Audio:       audio,
	})
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordingJSON(rec))
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	filter := vault.ListFilter{
		Limit:  intQuery(r, "limit"),
		Offset: intQuery(r, "offset"),
	}
	if raw := r.URL.Query().Get("owner_id"); raw != "" {
		ownerID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid owner_id")
			return
		}
		filter.OwnerID = &ownerID
	}

	recs, err := s.vault.List(filter)
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	out := make([]map[string]any, len(recs))
	for i, rec := range recs {
		out[i] = toRecordingJSON(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": out})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing q parameter")
		return
	}
	var ownerID *uuid.UUID
	if raw := r.URL.Query().Get("owner_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid owner_id")
			return
		}
		ownerID = &id
	}

	recs, err := s.vault.Search(query, ownerID, intQuery(r, "limit"))
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	out := make([]map[string]any, len(recs))
	for i, rec := range recs {
		out[i] = toRecordingJSON(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": out})
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	recID, userID, ok := s.recordingAndUser(w, r)
	if !ok {
		return
	}
	if err := s.vault.Delete(recID, userID); err != nil {
		s.writeVaultError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	recID, userID, ok := s.recordingAndUser(w, r)
	if !ok {
		return
	}
	res, err := s.vault.Read(recID, userID, r.URL.Query().Get("proof"))
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	w.Header().Set("Content-Type", res.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
	w.Write(res.Audio)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	recID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if res := s.schemas.Validate("share_recording", body); !res.Valid {
		writeValidationError(w, res)
		return
	}

	var req struct {
		SourceID   string `json:"source_id"`
		TargetID   string `json:"target_id"`
		Permission string `json:"permission"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sourceID, err := uuid.Parse(req.SourceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source_id")
		return
	}
	targetID, err := uuid.Parse(req.TargetID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target_id")
		return
	}

	if err := s.vault.Share(recID, sourceID, targetID, vault.Permission(req.Permission)); err != nil {
		s.writeVaultError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	recID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	proof, expiresAt, err := s.vault.GenerateProof(recID, userID)
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proof":      proof,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	recID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if res := s.schemas.Validate("create_link", body); !res.Valid {
		writeValidationError(w, res)
		return
	}

	var req struct {
		CreatorID  string `json:"creator_id"`
		Permission string `json:"permission"`
		MaxUses    int    `json:"max_uses"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	creatorID, err := uuid.Parse(req.CreatorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid creator_id")
		return
	}

	link, err := s.vault.CreateLink(recID, creatorID, vault.LinkOptions{
		Permission: vault.Permission(req.Permission),
		MaxUses:    req.MaxUses,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.writeVaultError(w, err)
		return
	}

	resp := map[string]any{
		"token":  link.Token,
		"secret": link.Secret,
	}
	if s.baseURL != "" {
		resp["url"] = s.vault.ShareURL(s.baseURL, link)
	}
	if link.ExpiresAt != nil {
		resp["expires_at"] = link.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDescribeLink(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	info, err := s.vault.ResolveLink(token)
	if err != nil {
		s.writeVaultError(w, err)
		return
	}

	resp := map[string]any{
		"recording_id":   info.RecordingID.String(),
		"recording_name": info.RecordingName,
		"duration":       info.Duration,
		"permission":     string(info.Permission),
	}
	if info.ExpiresAt != nil {
		resp["expires_at"] = info.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if info.UsesLeft != nil {
		resp["uses_left"] = *info.UsesLeft
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStreamLink(w http.ResponseWriter, r *http.Request) {
	client := clientKey(r)
	if !s.limiter.Allow(client) {
		writeError(w, http.StatusTooManyRequests, "too many failed attempts")
		return
	}

	token := mux.Vars(r)["token"]
	secret := r.URL.Query().Get("secret")
	probe := r.URL.Query().Get("probe") != ""

	res, err := s.vault.StreamWithLink(token, secret, probe)
	if err != nil {
		if errors.Is(err, vault.ErrInvalidToken) || errors.Is(err, vault.ErrInvalidSecret) {
			s.limiter.Fail(client)
		}
		s.writeVaultError(w, err)
		return
	}
	s.limiter.Reset(client)

	// A probe gets the same metadata surface as the describe endpoint,
	// never audio.
	if probe {
		writeJSON(w, http.StatusOK, map[string]any{
			"recording_id":   res.Recording.ID.String(),
			"recording_name": res.Recording.Name,
			"duration":       res.Recording.Duration,
		})
		return
	}
	w.Header().Set("Content-Type", res.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
	w.Write(res.Audio)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	notes, err := s.vault.Notifications(userID)
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	out := make([]map[string]any, len(notes))
	for i, n := range notes {
		out[i] = map[string]any{
			"id":           n.ID.String(),
			"recording_id": n.RecordingID.String(),
			"permission":   string(n.Permission),
			"created_at":   n.CreatedAt.UTC().Format(time.RFC3339),
			"read":         n.Read,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

// writeVaultError maps the vault's error taxonomy to HTTP status
// codes.
func (s *Server) writeVaultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, vault.ErrProofRequired):
		writeError(w, http.StatusUnauthorized, "capability proof required")
	case errors.Is(err, vault.ErrInvalidProof):
		writeError(w, http.StatusUnauthorized, "invalid capability proof")
	case errors.Is(err, vault.ErrProofExpired):
		writeError(w, http.StatusUnauthorized, "capability proof expired")
	case errors.Is(err, vault.ErrInvalidToken):
		writeError(w, http.StatusNotFound, "unknown link")
	case errors.Is(err, vault.ErrInvalidSecret):
		writeError(w, http.StatusForbidden, "invalid link secret")
	case errors.Is(err, vault.ErrLinkExpired):
		writeError(w, http.StatusGone, "link expired")
	default:
		if _, ok := err.(vault.ErrNotFound); ok {
			writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		if _, ok := err.(vault.ErrKeyNotFound); ok {
			writeError(w, http.StatusNotFound, "no keypair for user")
			return
		}
		if s.log != nil {
			s.log.Printf("internal error: %v", err)
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) recordingAndUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	recID, ok := pathID(w, r, "id")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return uuid.Nil, uuid.Nil, false
	}
	return recID, userID, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func intQuery(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

func toRecordingJSON(rec vault.Recording) map[string]any {
	return map[string]any{
		"id":          rec.ID.String(),
		"owner_id":    rec.OwnerID.String(),
		"name":        rec.Name,
		"description": rec.Description,
		"duration":    rec.Duration,
		"created_at":  rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeValidationError(w http.ResponseWriter, res schema.ValidationResult) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"errors": res.Errors,
	})
}
