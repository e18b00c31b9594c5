package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/goclaw/cortex/pkg/api/middleware"
	"github.com/goclaw/cortex/pkg/api/response"
	"github.com/goclaw/cortex/pkg/memory"
	"github.com/goclaw/cortex/pkg/storage"
)

const (
	defaultRecallLimit = 5
	defaultListLimit   = 20
	maxLimit           = 100
	maxBodyBytes       = 1 << 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// MemoryService is the part of memory.Coordinator the API exposes.
type MemoryService interface {
	StoreInteraction(ctx context.Context, sessionID, userText, assistantText string, md storage.Metadata) (memory.StoreResult, error)
	Recall(ctx context.Context, sessionID, query string, limit int, global bool) ([]memory.ScoredMemory, error)
	ListRecent(ctx context.Context, sessionID string, limit int) ([]memory.Memory, error)
	Get(ctx context.Context, id string) (memory.Memory, error)
	Delete(ctx context.Context, id string) error
	RecordFeedback(ctx context.Context, memoryID string, helpful bool) error
	FeedbackStats(ctx context.Context) (*storage.FeedbackStats, error)
	Cleanup(ctx context.Context) (int, error)
	Stats(ctx context.Context) (memory.Stats, error)
	SetEnabled(enabled bool)
	Enabled() bool
	CrossSession() bool
}

// MemoryHandler handles memory-related API endpoints.
type MemoryHandler struct {
	svc    MemoryService
	logger memoryLogger
}

type memoryLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(svc MemoryService, log memoryLogger) *MemoryHandler {
	return &MemoryHandler{
		svc:    svc,
		logger: log,
	}
}

// --- Request/Response types ---

type interactionRequest struct {
	User      string           `json:"user" validate:"required"`
	Assistant string           `json:"assistant" validate:"required"`
	Metadata  storage.Metadata `json:"metadata"`
}

type recallResponse struct {
	Results []memory.ScoredMemory `json:"results"`
	Count   int                   `json:"count"`
	Global  bool                  `json:"global"`
}

type listResponse struct {
	Memories []memory.Memory `json:"memories"`
	Count    int             `json:"count"`
}

type feedbackRequest struct {
	Helpful *bool `json:"helpful" validate:"required"`
}

type feedbackResponse struct {
	MemoryID string `json:"memory_id"`
	Helpful  bool   `json:"helpful"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type enabledResponse struct {
	Enabled bool `json:"enabled"`
}

type cleanupResponse struct {
	Removed int `json:"removed"`
}

// StoreInteraction handles POST /api/v1/sessions/{sessionID}/interactions.
// A stored interaction answers 201; a skipped one answers 200 with the
// outcome explaining why.
func (h *MemoryHandler) StoreInteraction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	var req interactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.svc.StoreInteraction(ctx, sessionID, req.User, req.Assistant, req.Metadata)
	if err != nil {
		h.fail(w, r, err, "Failed to store interaction", "session_id", sessionID)
		return
	}

	status := http.StatusOK
	if result.Outcome == memory.OutcomeStored {
		status = http.StatusCreated
	}
	response.JSON(w, status, result)
}

// Recall handles GET /api/v1/sessions/{sessionID}/recall. The scope
// defaults to the configured cross-session setting when global is absent.
func (h *MemoryHandler) Recall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"), defaultRecallLimit)
	if err != nil {
		h.badRequest(w, r, err.Error())
		return
	}

	global := h.svc.CrossSession()
	if v := q.Get("global"); v != "" {
		global, err = strconv.ParseBool(v)
		if err != nil {
			h.badRequest(w, r, "global must be a boolean")
			return
		}
	}

	results, err := h.svc.Recall(ctx, sessionID, q.Get("query"), limit, global)
	if err != nil {
		h.fail(w, r, err, "Failed to recall memories", "session_id", sessionID)
		return
	}
	if results == nil {
		results = []memory.ScoredMemory{}
	}

	response.JSON(w, http.StatusOK, recallResponse{Results: results, Count: len(results), Global: global})
}

// ListSessionMemories handles GET /api/v1/sessions/{sessionID}/memories.
func (h *MemoryHandler) ListSessionMemories(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, chi.URLParam(r, "sessionID"))
}

// ListMemories handles GET /api/v1/memories, optionally narrowed with the
// session_id query parameter.
func (h *MemoryHandler) ListMemories(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, r.URL.Query().Get("session_id"))
}

func (h *MemoryHandler) list(w http.ResponseWriter, r *http.Request, sessionID string) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultListLimit)
	if err != nil {
		h.badRequest(w, r, err.Error())
		return
	}

	memories, err := h.svc.ListRecent(r.Context(), sessionID, limit)
	if err != nil {
		h.fail(w, r, err, "Failed to list memories", "session_id", sessionID)
		return
	}
	if memories == nil {
		memories = []memory.Memory{}
	}

	response.JSON(w, http.StatusOK, listResponse{Memories: memories, Count: len(memories)})
}

// GetMemory handles GET /api/v1/memories/{id}.
func (h *MemoryHandler) GetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "Failed to get memory", "memory_id", id)
		return
	}

	response.JSON(w, http.StatusOK, m)
}

// DeleteMemory handles DELETE /api/v1/memories/{id}.
func (h *MemoryHandler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err, "Failed to delete memory", "memory_id", id)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RecordFeedback handles POST /api/v1/memories/{id}/feedback.
func (h *MemoryHandler) RecordFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req feedbackRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.svc.RecordFeedback(r.Context(), id, *req.Helpful); err != nil {
		h.fail(w, r, err, "Failed to record feedback", "memory_id", id)
		return
	}

	response.JSON(w, http.StatusOK, feedbackResponse{MemoryID: id, Helpful: *req.Helpful})
}

// FeedbackStats handles GET /api/v1/feedback/stats.
func (h *MemoryHandler) FeedbackStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.FeedbackStats(r.Context())
	if err != nil {
		h.fail(w, r, err, "Failed to get feedback stats")
		return
	}

	response.JSON(w, http.StatusOK, stats)
}

// Cleanup handles POST /api/v1/admin/cleanup.
func (h *MemoryHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.svc.Cleanup(r.Context())
	if err != nil {
		h.fail(w, r, err, "Failed to run cleanup", "removed", removed)
		return
	}

	h.logger.Info("Manual cleanup finished", "removed", removed)
	response.JSON(w, http.StatusOK, cleanupResponse{Removed: removed})
}

// Stats handles GET /api/v1/admin/stats.
func (h *MemoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err, "Failed to get memory stats")
		return
	}

	response.JSON(w, http.StatusOK, stats)
}

// SetEnabled handles PUT /api/v1/admin/enabled.
func (h *MemoryHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.svc.SetEnabled(*req.Enabled)
	response.JSON(w, http.StatusOK, enabledResponse{Enabled: h.svc.Enabled()})
}

// decode reads a JSON body into dst and validates it, answering 400 on
// failure.
func (h *MemoryHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.badRequest(w, r, "Invalid request body")
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			h.badRequest(w, r, err.Error())
			return false
		}
		details := make(map[string]interface{}, len(verrs))
		for _, fe := range verrs {
			details[fe.Namespace()] = fe.Tag()
		}
		response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeValidationFailed,
			"Request validation failed", details, middleware.GetRequestID(r.Context()))
		return false
	}
	return true
}

func (h *MemoryHandler) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, msg, middleware.GetRequestID(r.Context()))
}

// fail logs server-side failures and writes the mapped error response.
func (h *MemoryHandler) fail(w http.ResponseWriter, r *http.Request, err error, msg string, args ...any) {
	if response.HTTPStatusFromError(err) >= http.StatusInternalServerError {
		h.logger.Error(msg, append(args, "error", err)...)
	} else {
		h.logger.Debug(msg, append(args, "error", err)...)
	}
	response.HandleError(w, err, middleware.GetRequestID(r.Context()))
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, fmt.Errorf("limit must be an integer between 1 and %d", maxLimit)
	}
	return n, nil
}
