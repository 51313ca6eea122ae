// Package admin provides the operator-facing HTTP handler for the
// delivery pipeline.
//
// Routes follow REST conventions:
//
//	GET    /v1/health                        - current health report
//	GET    /v1/queue/stats                   - queue statistics
//	GET    /v1/dlq                           - list dead-lettered messages
//	GET    /v1/dlq/stats                     - dead-letter statistics
//	GET    /v1/dlq/{id}                      - get one dead-lettered message
//	DELETE /v1/dlq/{id}                      - purge without replay
//	POST   /v1/dlq/{id}/replay               - replay one message
//	POST   /v1/replay                        - run a bulk replay operation
//	GET    /v1/replay/audits                 - list audit records
//	GET    /v1/replay/audits/{operation_id}  - records of one operation
//
// The handler carries no authentication. Deployments must front it with
// their own middleware; it is an operator surface, never a public one.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/dlq"
	"github.com/rbaliyan/relay/monitor"
	"github.com/rbaliyan/relay/queue"
	"github.com/rbaliyan/relay/replay"
)

// DeadLetters is the dead-letter surface the handler drives.
// Implemented by dlq.Manager.
type DeadLetters interface {
	Get(ctx context.Context, id string) (*relay.Message, error)
	List(ctx context.Context, filter dlq.Filter) ([]*relay.Message, error)
	ReplayOne(ctx context.Context, id string) (*relay.Message, error)
	Purge(ctx context.Context, id string) error
	Stats(ctx context.Context) (*dlq.Stats, error)
}

// Replays is the bulk-replay surface the handler drives.
// Implemented by replay.Service.
type Replays interface {
	ReplayTimeRange(ctx context.Context, start, end time.Time) (*replay.Audit, error)
	ReplayIDs(ctx context.Context, ids []string) (*replay.Audit, error)
	ReplayDLQ(ctx context.Context) (*replay.Audit, error)
	Audits(ctx context.Context, limit int) ([]*replay.Audit, error)
	Operation(ctx context.Context, operationID string) ([]*replay.Audit, error)
}

// Health is the health surface the handler drives.
// Implemented by monitor.Monitor.
type Health interface {
	Check(ctx context.Context) (*monitor.HealthReport, error)
}

// Handler implements http.Handler for the pipeline's operator API.
type Handler struct {
	queue   queue.Queue
	dlq     DeadLetters
	replays Replays
	health  Health
	mux     *http.ServeMux
}

// New creates the operator HTTP handler. Any collaborator may be nil; its
// routes then answer 404.
func New(q queue.Queue, d DeadLetters, r Replays, h Health) *Handler {
	handler := &Handler{
		queue:   q,
		dlq:     d,
		replays: r,
		health:  h,
		mux:     http.NewServeMux(),
	}

	handler.mux.HandleFunc("/v1/health", handler.handleHealth)
	handler.mux.HandleFunc("/v1/queue/stats", handler.handleQueueStats)
	handler.mux.HandleFunc("/v1/dlq", handler.handleDLQ)
	handler.mux.HandleFunc("/v1/dlq/", handler.handleDLQWithPath)
	handler.mux.HandleFunc("/v1/replay", handler.handleReplay)
	handler.mux.HandleFunc("/v1/replay/audits", handler.handleAudits)
	handler.mux.HandleFunc("/v1/replay/audits/", handler.handleOperation)

	return handler
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// messageView is the JSON shape of a message in API responses.
type messageView struct {
	ID          string            `json:"id"`
	Payload     []byte            `json:"payload"`
	Type        string            `json:"type"`
	Status      relay.Status      `json:"status"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Position    string            `json:"position,omitempty"`
}

func viewOf(m *relay.Message) *messageView {
	return &messageView{
		ID:          m.ID,
		Payload:     m.Payload,
		Type:        m.Type,
		Status:      m.Status,
		RetryCount:  m.RetryCount,
		MaxRetries:  m.MaxRetries,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		NextRetryAt: m.NextRetryAt,
		Error:       m.Error,
		Metadata:    m.Metadata,
		Position:    m.Position,
	}
}

func viewsOf(msgs []*relay.Message) []*messageView {
	views := make([]*messageView, len(msgs))
	for i, m := range msgs {
		views[i] = viewOf(m)
	}
	return views
}

// handleHealth handles GET /v1/health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.health == nil {
		h.writeError(w, http.StatusNotFound, "no monitor configured")
		return
	}

	report, err := h.health.Check(r.Context())
	if err != nil && report == nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, report)
}

// handleQueueStats handles GET /v1/queue/stats.
func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.queue == nil {
		h.writeError(w, http.StatusNotFound, "no queue configured")
		return
	}

	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// handleDLQ handles GET /v1/dlq with query parameters.
func (h *Handler) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.dlq == nil {
		h.writeError(w, http.StatusNotFound, "no dead-letter store configured")
		return
	}

	messages, err := h.dlq.List(r.Context(), parseFilterFromQuery(r))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"messages": viewsOf(messages),
	})
}

// handleDLQWithPath handles /v1/dlq/stats, /v1/dlq/{id} and
// /v1/dlq/{id}/replay.
func (h *Handler) handleDLQWithPath(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		h.writeError(w, http.StatusNotFound, "no dead-letter store configured")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/dlq/")
	if path == "stats" {
		h.handleDLQStats(w, r)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "message id is required")
		return
	}

	if len(parts) == 2 && parts[1] == "replay" {
		h.handleReplayOne(w, r, id)
		return
	}
	if len(parts) == 2 {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleDLQGet(w, r, id)
	case http.MethodDelete:
		h.handleDLQPurge(w, r, id)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := h.dlq.Stats(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleDLQGet(w http.ResponseWriter, r *http.Request, id string) {
	msg, err := h.dlq.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, relay.ErrMessageNotFound) {
			h.writeError(w, http.StatusNotFound, "message not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, viewOf(msg))
}

func (h *Handler) handleDLQPurge(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.dlq.Purge(r.Context(), id); err != nil {
		if errors.Is(err, relay.ErrMessageNotFound) {
			h.writeError(w, http.StatusNotFound, "message not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"purged": id})
}

func (h *Handler) handleReplayOne(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	fresh, err := h.dlq.ReplayOne(r.Context(), id)
	if err != nil {
		if errors.Is(err, relay.ErrMessageNotFound) {
			h.writeError(w, http.StatusNotFound, "message not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, viewOf(fresh))
}

// replayRequest is the body of POST /v1/replay.
type replayRequest struct {
	Trigger   replay.Trigger `json:"trigger"`
	StartTime *time.Time     `json:"start_time,omitempty"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	IDs       []string       `json:"ids,omitempty"`
}

// handleReplay handles POST /v1/replay.
func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.replays == nil {
		h.writeError(w, http.StatusNotFound, "no replay service configured")
		return
	}

	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var (
		audit *replay.Audit
		err   error
	)
	switch req.Trigger {
	case replay.TriggerTimeRange:
		if req.StartTime == nil || req.EndTime == nil {
			h.writeError(w, http.StatusBadRequest, "start_time and end_time are required")
			return
		}
		audit, err = h.replays.ReplayTimeRange(r.Context(), *req.StartTime, *req.EndTime)
	case replay.TriggerByIDs:
		if len(req.IDs) == 0 {
			h.writeError(w, http.StatusBadRequest, "ids are required")
			return
		}
		audit, err = h.replays.ReplayIDs(r.Context(), req.IDs)
	case replay.TriggerDLQ:
		audit, err = h.replays.ReplayDLQ(r.Context())
	default:
		h.writeError(w, http.StatusBadRequest, "unknown trigger: "+string(req.Trigger))
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, audit)
}

// handleAudits handles GET /v1/replay/audits.
func (h *Handler) handleAudits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.replays == nil {
		h.writeError(w, http.StatusNotFound, "no replay service configured")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
			return
		}
		limit = n
	}

	audits, err := h.replays.Audits(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
}

// handleOperation handles GET /v1/replay/audits/{operation_id}.
func (h *Handler) handleOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.replays == nil {
		h.writeError(w, http.StatusNotFound, "no replay service configured")
		return
	}

	operationID := strings.TrimPrefix(r.URL.Path, "/v1/replay/audits/")
	if operationID == "" {
		h.writeError(w, http.StatusBadRequest, "operation_id is required")
		return
	}

	audits, err := h.replays.Operation(r.Context(), operationID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(audits) == 0 {
		h.writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
}

// parseFilterFromQuery parses dlq.Filter from URL query parameters.
func parseFilterFromQuery(r *http.Request) dlq.Filter {
	q := r.URL.Query()
	filter := dlq.Filter{}

	if v := q.Get("type"); v != "" {
		filter.Type = v
	}
	if v := q.Get("reason"); v != "" {
		filter.Reason = v
	}
	if v := q["id"]; len(v) > 0 {
		filter.IDs = v
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartTime = t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndTime = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	return filter
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
