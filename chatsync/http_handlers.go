// Copyright 2025 The syncd Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ClientAuthenticator extracts both user and device identity from HTTP
// requests. Implementations validate auth (e.g., JWT) and supply both
// identifiers; the sync core trusts them and performs no authentication
// itself.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the sync RPC surface.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers.
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register installs all sync routes on mux.
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sync/submit", h.HandleSubmit)
	mux.HandleFunc("/sync/get_difference", h.HandleGetDifference)
	mux.HandleFunc("/sync/get_channel_pts", h.HandleGetChannelPts)
	mux.HandleFunc("/sync/batch_get_channel_pts", h.HandleBatchGetChannelPts)
	mux.HandleFunc("/entity/sync_entities", h.HandleSyncEntities)
	mux.HandleFunc("/admin/ledger/gc", h.HandleLedgerGC)
	mux.HandleFunc("/admin/entities/prune", h.HandlePruneTombstones)
}

func (h *HTTPSyncHandlers) identity(w http.ResponseWriter, r *http.Request) (userID, sourceID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	sourceID, err = h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, sourceID, true
}

// HandleSubmit processes one client submission. Rejected decisions are
// 200 responses carrying the decision; only transport and infrastructure
// problems use error status codes.
func (h *HTTPSyncHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	userID, sourceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse submit request")
		return
	}

	resp, err := h.service.Submit(r.Context(), userID, sourceID, &req)
	if err != nil {
		h.writeServiceError(w, "submit_failed", err, "user_id", userID, "source_id", sourceID,
			"local_message_id", req.LocalMessageID)
		return
	}
	h.writeJSON(w, resp)
}

// HandleGetDifference serves paginated catch-up for one channel.
func (h *HTTPSyncHandlers) HandleGetDifference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if _, _, ok := h.identity(w, r); !ok {
		return
	}

	var req GetDifferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse difference request")
		return
	}

	resp, err := h.service.GetDifference(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, "difference_failed", err,
			"channel_id", req.ChannelID, "channel_type", req.ChannelType, "last_pts", req.LastPts)
		return
	}
	h.writeJSON(w, resp)
}

// HandleGetChannelPts reads one channel's current pts.
func (h *HTTPSyncHandlers) HandleGetChannelPts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if _, _, ok := h.identity(w, r); !ok {
		return
	}

	var req GetChannelPtsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse channel pts request")
		return
	}

	resp, err := h.service.GetChannelPts(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, "channel_pts_failed", err,
			"channel_id", req.ChannelID, "channel_type", req.ChannelType)
		return
	}
	h.writeJSON(w, resp)
}

// HandleBatchGetChannelPts reads current pts for several channels.
func (h *HTTPSyncHandlers) HandleBatchGetChannelPts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if _, _, ok := h.identity(w, r); !ok {
		return
	}

	var req BatchGetChannelPtsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse batch channel pts request")
		return
	}

	resp, err := h.service.BatchGetChannelPts(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, "batch_channel_pts_failed", err, "channels", len(req.Channels))
		return
	}
	h.writeJSON(w, resp)
}

// HandleSyncEntities serves incremental entity state sync.
func (h *HTTPSyncHandlers) HandleSyncEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if _, _, ok := h.identity(w, r); !ok {
		return
	}

	var req SyncEntitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse entity sync request")
		return
	}

	resp, err := h.service.SyncEntities(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, "entity_sync_failed", err,
			"entity_type", req.EntityType, "since_version", req.SinceVersion)
		return
	}
	h.writeJSON(w, resp)
}

// HandleLedgerGC deletes idempotency entries past the retention window.
func (h *HTTPSyncHandlers) HandleLedgerGC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if _, _, ok := h.identity(w, r); !ok {
		return
	}

	var req struct {
		OlderThanHours int `json:"older_than_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse ledger gc request")
		return
	}

	removed, err := h.service.GCLedger(r.Context(), time.Duration(req.OlderThanHours)*time.Hour)
	if err != nil {
		h.writeServiceError(w, "ledger_gc_failed", err, "older_than_hours", req.OlderThanHours)
		return
	}
	h.writeJSON(w, map[string]int64{"removed": removed})
}

// HandlePruneTombstones prunes entity tombstones and raises the
// min_version watermark.
func (h *HTTPSyncHandlers) HandlePruneTombstones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if _, _, ok := h.identity(w, r); !ok {
		return
	}

	var req struct {
		EntityType     string `json:"entity_type"`
		ThroughVersion int64  `json:"through_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse prune request")
		return
	}

	removed, err := h.service.PruneEntityTombstones(r.Context(), req.EntityType, req.ThroughVersion)
	if err != nil {
		h.writeServiceError(w, "prune_failed", err,
			"entity_type", req.EntityType, "through_version", req.ThroughVersion)
		return
	}
	h.writeJSON(w, map[string]int64{"removed": removed})
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeServiceError maps coordinator errors onto transport status codes:
// bad requests are 400, transient infrastructure failures are 503 with a
// retriable flag (the client retries with the identical submission), and
// everything else is 500.
func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, code string, err error, logAttrs ...any) {
	switch {
	case errors.Is(err, ErrBadRequest):
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ErrTransient), errors.Is(err, ErrClosed):
		h.logger.Warn("Transient failure", append([]any{"error", err}, logAttrs...)...)
		h.writeRetriableError(w, code, "Temporarily unavailable, retry with the same request")
	default:
		h.logger.Error("Request failed", append([]any{"error", err}, logAttrs...)...)
		h.writeError(w, http.StatusInternalServerError, code, "Internal error")
	}
}

// writeError writes a standardized error response.
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func (h *HTTPSyncHandlers) writeRetriableError(w http.ResponseWriter, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message, Retriable: true})
}
