package registry

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// managementTokenHeader carries the bcrypt-checked token issued at
// registration, required to re-register, heartbeat or deregister the same
// agent id.
const managementTokenHeader = "X-Registry-Token"

// DefaultStaleTimeout is how long an entry survives without a heartbeat
// before it's treated as gone (§4.11, §6).
const DefaultStaleTimeout = 2 * time.Minute

// Handler serves the Registry REST surface (§6) over a Store.
type Handler struct {
	store        Store
	staleTimeout time.Duration
	log          zerolog.Logger
}

// NewHandler builds a Handler. staleTimeout of zero uses DefaultStaleTimeout.
func NewHandler(store Store, staleTimeout time.Duration, log zerolog.Logger) *Handler {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	return &Handler{store: store, staleTimeout: staleTimeout, log: log}
}

func (h *Handler) json(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (h *Handler) errorJSON(w http.ResponseWriter, status int, msg string) {
	h.json(w, status, map[string]string{"error": msg})
}

func (h *Handler) stale(e *AgentEntry) bool {
	return time.Since(e.LastHeartbeat) > h.staleTimeout
}

type registerRequest struct {
	ID           string            `json:"id"`
	Endpoint     string            `json:"endpoint"`
	Name         string            `json:"name"`
	HumanName    string            `json:"humanName"`
	PublicKey    string            `json:"publicKey"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata"`
}

// Register handles `POST /agents`. Registering an id that already exists
// requires the management token issued by its most recent registration.
// Every successful registration issues a new token that replaces the
// previous one; it is returned once in the response body and never
// persisted or logged in plaintext.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Endpoint == "" || req.PublicKey == "" {
		h.errorJSON(w, http.StatusBadRequest, "id, endpoint and publicKey are required")
		return
	}

	if existing, err := h.store.Get(r.Context(), req.ID); err == nil {
		if !h.checkToken(existing, r) {
			h.errorJSON(w, http.StatusForbidden, "management token required to re-register this id")
			return
		}
	} else if !errors.Is(err, ErrNotFound) {
		h.log.Error().Err(err).Str("agent", req.ID).Msg("registry: lookup before register failed")
		h.errorJSON(w, http.StatusInternalServerError, "registration failed")
		return
	}

	token, hash, err := newManagementToken()
	if err != nil {
		h.log.Error().Err(err).Msg("registry: token generation failed")
		h.errorJSON(w, http.StatusInternalServerError, "registration failed")
		return
	}

	entry := AgentEntry{
		ID:                  req.ID,
		Endpoint:            req.Endpoint,
		Name:                req.Name,
		HumanName:           req.HumanName,
		PublicKey:           req.PublicKey,
		Capabilities:        req.Capabilities,
		Metadata:            req.Metadata,
		ManagementTokenHash: hash,
	}
	if err := h.store.Register(r.Context(), entry); err != nil {
		h.log.Error().Err(err).Str("agent", req.ID).Msg("registry: register failed")
		h.errorJSON(w, http.StatusInternalServerError, "registration failed")
		return
	}
	h.json(w, http.StatusCreated, map[string]string{"status": "registered", "id": req.ID, "managementToken": token})
}

// checkToken reports whether the request carries the management token for
// entry. Entries with no token on file (written directly to the store, or
// registered before this check existed) stay unauthenticated.
func (h *Handler) checkToken(entry *AgentEntry, r *http.Request) bool {
	if entry.ManagementTokenHash == "" {
		return true
	}
	token := r.Header.Get(managementTokenHeader)
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(entry.ManagementTokenHash), []byte(token)) == nil
}

func newManagementToken() (token, hash string, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return token, string(hashed), nil
}

// Get handles `GET /agents/:id`.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		h.errorJSON(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("agent", id).Msg("registry: get failed")
		h.errorJSON(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if h.stale(entry) {
		h.errorJSON(w, http.StatusNotFound, "agent not found")
		return
	}
	h.json(w, http.StatusOK, entry)
}

// Search handles `GET /agents?capability=&name=`.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	name := r.URL.Query().Get("name")

	entries, err := h.store.Search(r.Context(), capability, name)
	if err != nil {
		h.log.Error().Err(err).Msg("registry: search failed")
		h.errorJSON(w, http.StatusInternalServerError, "search failed")
		return
	}

	fresh := make([]AgentEntry, 0, len(entries))
	for _, e := range entries {
		if !h.stale(&e) {
			fresh = append(fresh, e)
		}
	}
	h.json(w, http.StatusOK, fresh)
}

// Delete handles `DELETE /agents/:id`.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		h.errorJSON(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("agent", id).Msg("registry: lookup before delete failed")
		h.errorJSON(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if !h.checkToken(entry, r) {
		h.errorJSON(w, http.StatusForbidden, "management token required")
		return
	}

	if err := h.store.Delete(r.Context(), id); errors.Is(err, ErrNotFound) {
		h.errorJSON(w, http.StatusNotFound, "agent not found")
		return
	} else if err != nil {
		h.log.Error().Err(err).Str("agent", id).Msg("registry: delete failed")
		h.errorJSON(w, http.StatusInternalServerError, "delete failed")
		return
	}
	h.json(w, http.StatusOK, map[string]string{"status": "deregistered", "id": id})
}

// Heartbeat handles `POST /agents/:id/heartbeat`.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		h.errorJSON(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("agent", id).Msg("registry: lookup before heartbeat failed")
		h.errorJSON(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	if !h.checkToken(entry, r) {
		h.errorJSON(w, http.StatusForbidden, "management token required")
		return
	}

	if err := h.store.Heartbeat(r.Context(), id); errors.Is(err, ErrNotFound) {
		h.errorJSON(w, http.StatusNotFound, "agent not found")
		return
	} else if err != nil {
		h.log.Error().Err(err).Str("agent", id).Msg("registry: heartbeat failed")
		h.errorJSON(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	h.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health handles `GET /health`, pinging the backing store the way the
// teacher's handler pings postgres and redis.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.json(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	h.json(w, http.StatusOK, map[string]string{"status": "healthy"})
}
