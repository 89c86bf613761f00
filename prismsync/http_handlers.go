// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/mcuteangel/Contacts-prism-sub001/internal/auth"
)

// SyncBackend is the service surface the HTTP layer needs. *SyncService
// implements it; tests substitute a stub.
type SyncBackend interface {
	ProcessDelta(ctx context.Context, userID string, since *time.Time) (*DeltaResponse, error)
	ProcessPush(ctx context.Context, userID, sourceID string, req *PushRequest) (*PushResponse, error)
}

// HTTPSyncHandlers exposes the sync service over HTTP.
type HTTPSyncHandlers struct {
	backend       SyncBackend
	authenticator ClientAuthenticator
	validate      *validator.Validate
	logger        *slog.Logger
	appName       string
}

// NewHTTPSyncHandlers creates the handler set for the sync endpoints.
func NewHTTPSyncHandlers(backend SyncBackend, authenticator ClientAuthenticator, appName string, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		backend:       backend,
		authenticator: authenticator,
		validate:      validator.New(),
		logger:        logger,
		appName:       appName,
	}
}

// RegisterRoutes mounts the sync API on the given router.
func (h *HTTPSyncHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sync-delta", h.withAuth(h.HandleDelta)).Methods(http.MethodGet)
	r.HandleFunc("/sync-push", h.withAuth(h.HandlePush)).Methods(http.MethodPost)
	r.HandleFunc("/sync-status", h.HandleStatus).Methods(http.MethodGet)
}

// withAuth authenticates the request and stores the identity in the
// request context before calling the wrapped handler.
func (h *HTTPSyncHandlers) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.authenticator.GetUserID(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		deviceID, err := h.authenticator.GetDeviceID(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		next(w, r.WithContext(auth.WithIdentity(r.Context(), userID, deviceID)))
	}
}

// HandleDelta serves GET /sync-delta?since=<RFC3339>. Omitting since
// returns a full snapshot.
func (h *HTTPSyncHandlers) HandleDelta(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_since",
				"since must be an RFC 3339 timestamp")
			return
		}
		since = &t
	}

	resp, err := h.backend.ProcessDelta(r.Context(), userID, since)
	if err != nil {
		h.logger.Error("failed to process delta", "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "delta_failed", "Failed to compute delta")
		return
	}
	h.writeJSON(w, resp)
}

// HandlePush serves POST /sync-push with a batch of outbox items.
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	deviceID, _ := auth.DeviceID(r.Context())

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	resp, err := h.backend.ProcessPush(r.Context(), userID, deviceID, &req)
	if err != nil {
		if errors.Is(err, ErrBatchTooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", err.Error())
			return
		}
		h.logger.Error("failed to process push",
			"user_id", userID, "device_id", deviceID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}
	h.writeJSON(w, resp)
}

// HandleStatus serves GET /sync-status.
func (h *HTTPSyncHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, StatusResponse{Status: "healthy", AppName: h.appName, Version: "1"})
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errCode, Message: message})
}
