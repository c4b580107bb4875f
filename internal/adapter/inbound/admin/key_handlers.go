package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/fastproxy/fastproxy/internal/domain/auth"
)

// createKeyRequest is the JSON body for key creation.
type createKeyRequest struct {
	Name string `json:"name"`
}

// createKeyResponse carries the cleartext exactly once; it is never stored
// or logged.
type createKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	Prefix    string `json:"prefix"`
	CreatedAt string `json:"created_at"`
}

// keyResponse is the JSON representation of a stored key, without cleartext.
type keyResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Prefix     string  `json:"prefix"`
	Active     bool    `json:"active"`
	CreatedAt  string  `json:"created_at"`
	LastUsedAt *string `json:"last_used_at"`
}

func toKeyResponse(k *auth.Key) keyResponse {
	resp := keyResponse{
		ID:        k.ID,
		Name:      k.Name,
		Prefix:    k.Prefix,
		Active:    k.Active,
		CreatedAt: k.CreatedAt.UTC().Format(time.RFC3339),
	}
	if k.LastUsedAt != nil {
		used := k.LastUsedAt.UTC().Format(time.RFC3339)
		resp.LastUsedAt = &used
	}
	return resp
}

// handleListKeys returns all stored keys, newest first.
// GET /auth/keys
func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListKeys(r.Context())
	if err != nil {
		h.logger.Error("failed to list keys", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}

	result := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		result = append(result, toKeyResponse(k))
	}
	h.respondJSON(w, http.StatusOK, result)
}

// handleCreateKey generates and stores a new API key.
// POST /auth/keys
func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		h.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	cleartext, err := auth.GenerateKey()
	if err != nil {
		h.logger.Error("failed to generate key", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to generate key")
		return
	}
	key, err := auth.NewKey(req.Name, cleartext)
	if err != nil {
		h.logger.Error("failed to build key record", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to generate key")
		return
	}
	if err := h.keys.CreateKey(r.Context(), key); err != nil {
		h.logger.Error("failed to store key", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to store key")
		return
	}

	h.auditService.RecordAdminAction(clientIP(r), "key_create",
		"id="+key.ID+" name="+key.Name+" by="+subjectFrom(r.Context()), r.UserAgent())

	h.respondJSON(w, http.StatusCreated, createKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		Key:       cleartext,
		Prefix:    key.Prefix,
		CreatedAt: key.CreatedAt.Format(time.RFC3339),
	})
}

// handleRevokeKey deactivates a key without removing its record.
// POST /auth/keys/{id}/revoke
func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := h.pathParam(r, "id")

	if err := h.keys.RevokeKey(r.Context(), id); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			h.respondError(w, http.StatusNotFound, "api key not found")
			return
		}
		h.logger.Error("failed to revoke key", "id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to revoke key")
		return
	}

	h.auditService.RecordAdminAction(clientIP(r), "key_revoke", "id="+id, r.UserAgent())
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteKey removes a key record entirely.
// DELETE /auth/keys/{id}
func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := h.pathParam(r, "id")

	if err := h.keys.DeleteKey(r.Context(), id); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			h.respondError(w, http.StatusNotFound, "api key not found")
			return
		}
		h.logger.Error("failed to delete key", "id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to delete key")
		return
	}

	h.auditService.RecordAdminAction(clientIP(r), "key_delete", "id="+id, r.UserAgent())
	w.WriteHeader(http.StatusNoContent)
}
