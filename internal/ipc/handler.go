// Package ipc provides the HTTP status and control API for the relay.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rogersf/relay/internal/clock"
	"github.com/rogersf/relay/internal/domain"
	"github.com/rogersf/relay/internal/orchestrator"
	"github.com/rogersf/relay/internal/queue"
	"github.com/rogersf/relay/internal/session"
	"github.com/rogersf/relay/internal/verify"
)

// TaskLog reads finished tasks persisted by the queue recorder.
type TaskLog interface {
	ListRecent(ctx context.Context, limit int) ([]domain.TaskInfo, error)
}

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.Queue
	Sessions     *session.Manager
	Audit        *verify.AuditLog
	// TaskLog is optional; without it the task history is empty.
	TaskLog TaskLog
	Clock   clock.Clock
	Version string
	// AllowedOrigins extends the localhost origins allowed to call the API.
	AllowedOrigins []string
	// StreamInterval paces the status stream. Zero means two seconds.
	StreamInterval time.Duration
}

// QueueView is the response for GET /api/v1/queue.
type QueueView struct {
	Stats     domain.QueueStats `json:"stats"`
	Pending   []domain.TaskInfo `json:"pending"`
	Running   []domain.TaskInfo `json:"running"`
	Completed []domain.TaskInfo `json:"completed"`
}

// DMRequest is the body for POST /api/v1/dm.
type DMRequest struct {
	Platform  string `json:"platform"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// DMResponse reports the policy decision for a scheduled DM.
type DMResponse struct {
	Allowed bool   `json:"allowed"`
	Kind    string `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
	WaitMs  int64  `json:"wait_ms,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) now() time.Time {
	if h.Clock == nil {
		return time.Now()
	}
	return h.Clock.Now()
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      h.Version,
		"state":        string(h.Orchestrator.State()),
		"open_actions": h.Audit.OpenActions(),
	})
}

// Status handles GET /api/v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.Status())
}

// GetQueue handles GET /api/v1/queue.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	view := QueueView{
		Stats:     h.Queue.Stats(),
		Pending:   nonNil(h.Queue.Pending()),
		Running:   nonNil(h.Queue.Running()),
		Completed: nonNil(h.Queue.Completed()),
	}
	writeJSON(w, http.StatusOK, view)
}

func nonNil(s []domain.TaskInfo) []domain.TaskInfo {
	if s == nil {
		return []domain.TaskInfo{}
	}
	return s
}

// GetTask handles GET /api/v1/queue/{taskID}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("taskID")
	info, ok := h.Queue.Get(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// TaskHistory handles GET /api/v1/queue/history?limit=50.
func (h *Handler) TaskHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	tasks := []domain.TaskInfo{}
	if h.TaskLog != nil {
		recent, err := h.TaskLog.ListRecent(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		tasks = nonNil(recent)
	}
	writeJSON(w, http.StatusOK, tasks)
}

// CancelTask handles DELETE /api/v1/queue/{taskID}.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.Cancel(r.PathValue("taskID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.Sessions.List()
	if sessions == nil {
		sessions = []domain.SessionState{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// PauseSession handles POST /api/v1/sessions/{platform}/pause. A paused
// platform receives no new tasks until a login check reactivates it.
func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	if err := h.Sessions.MarkPaused(r.Context(), platform, "paused by operator"); err != nil {
		writeError(w, err)
		return
	}
	state, err := h.Sessions.Get(platform)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ListActions handles GET /api/v1/actions?since=24h.
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	window, ok := sinceParam(w, r)
	if !ok {
		return
	}
	recs, err := h.Audit.ListActions(r.Context(), h.now().Add(-window))
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.ActionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetAction handles GET /api/v1/actions/{actionID}.
func (h *Handler) GetAction(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Audit.GetAction(r.Context(), r.PathValue("actionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetReport handles GET /api/v1/reports?since=24h.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	window, ok := sinceParam(w, r)
	if !ok {
		return
	}
	rep, err := h.Audit.Report(r.Context(), h.now().Add(-window))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// sinceParam reads the ?since window, defaulting to 24h. It writes a 400 and
// returns false when the value is not a positive duration.
func sinceParam(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	s := r.URL.Query().Get("since")
	if s == "" {
		return 24 * time.Hour, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "since must be a positive duration"})
		return 0, false
	}
	return d, true
}

// StartOrchestrator handles POST /api/v1/orchestrator/start.
func (h *Handler) StartOrchestrator(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Orchestrator.Status())
}

// StopOrchestrator handles POST /api/v1/orchestrator/stop.
func (h *Handler) StopOrchestrator(w http.ResponseWriter, r *http.Request) {
	h.Orchestrator.Stop()
	writeJSON(w, http.StatusOK, h.Orchestrator.Status())
}

// ScheduleDM handles POST /api/v1/dm. A policy refusal is a 200 with
// allowed=false.
func (h *Handler) ScheduleDM(w http.ResponseWriter, r *http.Request) {
	var req DMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Platform == "" || req.Recipient == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "platform and recipient are required"})
		return
	}

	dec, handle, err := h.Orchestrator.ScheduleDM(r.Context(), orchestrator.DMRequest{
		Platform:  req.Platform,
		Recipient: req.Recipient,
		Text:      req.Text,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	resp := DMResponse{
		Allowed: dec.Allowed,
		Kind:    string(dec.Kind),
		Reason:  dec.Reason,
		WaitMs:  dec.Wait.Milliseconds(),
	}
	status := http.StatusOK
	if handle != nil {
		resp.TaskID = handle.ID
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// StreamStatus handles GET /api/v1/status/stream (SSE). It sends the
// orchestrator status and queue stats immediately and then on every tick.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(h.streamInterval())
	defer ticker.Stop()

	ctx := r.Context()
	for {
		writeSSEEvent(w, flusher, h.snapshot())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StatusSnapshot is one frame of the status streams.
type StatusSnapshot struct {
	Status domain.OrchestratorStatus `json:"status"`
	Queue  domain.QueueStats         `json:"queue"`
}

func (h *Handler) snapshot() StatusSnapshot {
	return StatusSnapshot{Status: h.Orchestrator.Status(), Queue: h.Queue.Stats()}
}

func (h *Handler) streamInterval() time.Duration {
	if h.StreamInterval <= 0 {
		return 2 * time.Second
	}
	return h.StreamInterval
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrTaskNotFound.Code, domain.ErrActionNotFound.Code,
			domain.ErrSessionNotFound.Code, domain.ErrPlatformUnknown.Code:
			status = http.StatusNotFound
		case domain.ErrAlreadyRunning.Code, domain.ErrTaskNotPending.Code:
			status = http.StatusConflict
		case domain.ErrNotRunning.Code, domain.ErrNoLoggedIn.Code,
			domain.ErrSessionNotActive.Code, domain.ErrInvalidTransition.Code:
			status = http.StatusUnprocessableEntity
		case domain.ErrInvalidTask.Code, domain.ErrConfigInvalid.Code:
			status = http.StatusBadRequest
		case domain.ErrQueueStopped.Code:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}
