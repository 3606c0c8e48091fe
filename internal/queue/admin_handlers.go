package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/common"
)

const maxPageSize = 200

// AdminHandler exposes the dead-letter queue for inspection and replay.
type AdminHandler struct {
	Store    Store
	Queue    Enqueuer
	PageSize int
	Logger   zerolog.Logger
}

type pageMeta struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// dlqItem shows the task payload as JSON rather than the encoded envelope.
type dlqItem struct {
	DLQEntry
	Payload json.RawMessage `json:"payload"`
}

type replayRequest struct {
	IDs   []string `json:"ids" validate:"max=500"`
	Kind  string   `json:"kind" validate:"omitempty,max=64"`
	Limit int      `json:"limit" validate:"gte=0,lte=500"`
}

type replayResponse struct {
	Replayed []uuid.UUID      `json:"replayed"`
	Failed   map[string]string `json:"failed,omitempty"`
}

type queueStats struct {
	Kind       string `json:"kind"`
	Ready      int64  `json:"ready"`
	Processing int64  `json:"processing"`
	DLQ        int64  `json:"dlq"`
}

// ListDLQ handles GET /admin/queue/dlq?kind=&limit=&offset=.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, false) {
		return
	}
	ctx := r.Context()
	kind := queryKind(r)
	page := h.page(r)

	entries, err := h.Store.List(ctx, kind, page.Limit, page.Offset)
	if err == nil {
		page.Total, err = h.Store.Count(ctx, kind)
	}
	if err != nil {
		h.Logger.Error().Err(err).Msg("queue_dlq_list_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to read dlq", nil)
		return
	}

	items := make([]dlqItem, 0, len(entries))
	for _, entry := range entries {
		msg, err := decodeMessage(string(entry.Payload))
		if err != nil {
			continue
		}
		items = append(items, dlqItem{DLQEntry: entry, Payload: asJSON(msg.Payload)})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items, "meta": page})
}

// ReplayDLQ handles POST /admin/queue/dlq/replay. The body names entries by
// id, or a kind whose oldest entries (up to limit) are replayed.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, true) {
		return
	}
	var req replayRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		if !common.WriteAppError(w, err) {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		}
		return
	}
	req.Kind = sanitizeKind(strings.TrimSpace(req.Kind))
	if len(req.IDs) == 0 && req.Kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ids or kind required", nil)
		return
	}

	ctx := r.Context()
	resp := replayResponse{Replayed: []uuid.UUID{}, Failed: map[string]string{}}
	entries, err := h.replayTargets(ctx, req, resp.Failed)
	if err != nil {
		h.Logger.Error().Err(err).Msg("queue_dlq_list_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to read dlq", nil)
		return
	}
	for _, entry := range entries {
		if err := h.requeue(ctx, entry); err != nil {
			resp.Failed[entry.ID.String()] = err.Error()
			continue
		}
		resp.Replayed = append(resp.Replayed, entry.ID)
	}
	h.Logger.Info().Int("replayed", len(resp.Replayed)).Int("failed", len(resp.Failed)).Msg("queue_dlq_replay")
	common.JSON(w, http.StatusOK, resp)
}

// Stats handles GET /admin/queue/stats?kind=.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, true) {
		return
	}
	kind := queryKind(r)
	if kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "kind is required", nil)
		return
	}
	ctx := r.Context()
	stats := queueStats{Kind: kind}
	var err error
	if stats.Ready, err = h.Queue.Depth(ctx, kind); err == nil {
		stats.DLQ, err = h.Store.Count(ctx, kind)
	}
	if err != nil {
		h.Logger.Error().Err(err).Str("kind", kind).Msg("queue_stats_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to read queue stats", nil)
		return
	}
	// in-flight count is informational only
	stats.Processing, _ = h.Queue.R.ZCard(ctx, keysFor(h.Queue.Prefix, kind).processing()).Result()

	DepthGauge.WithLabelValues(queueLabel(kind)).Set(float64(stats.Ready))
	DeadLetterGauge.WithLabelValues(queueLabel(kind)).Set(float64(stats.DLQ))
	common.JSON(w, http.StatusOK, map[string]any{"data": stats})
}

func (h *AdminHandler) available(w http.ResponseWriter, needQueue bool) bool {
	if h == nil || h.Store == nil || (needQueue && h.Queue.R == nil) {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "queue dependencies unavailable", nil)
		return false
	}
	return true
}

// replayTargets resolves the request to DLQ entries. Per-id problems are
// recorded in failed; only a listing error is returned.
func (h *AdminHandler) replayTargets(ctx context.Context, req replayRequest, failed map[string]string) ([]DLQEntry, error) {
	if len(req.IDs) == 0 {
		limit := req.Limit
		if limit <= 0 {
			limit = h.pageSize()
		}
		return h.Store.List(ctx, req.Kind, limit, 0)
	}
	entries := make([]DLQEntry, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			failed[raw] = "invalid id"
			continue
		}
		entry, err := h.Store.Get(ctx, id)
		if err != nil {
			failed[raw] = err.Error()
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// requeue enqueues entry afresh and removes it from the DLQ. Its dedup key was
// released when it was buried, and the attempt count starts over.
func (h *AdminHandler) requeue(ctx context.Context, entry DLQEntry) error {
	msg, err := decodeMessage(string(entry.Payload))
	if err != nil {
		return errors.New("undecodable payload")
	}
	err = h.Queue.Enqueue(ctx, Task{
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
	})
	if err != nil {
		return err
	}
	return h.Store.Delete(ctx, entry.ID)
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return min(h.PageSize, maxPageSize)
}

func (h *AdminHandler) page(r *http.Request) pageMeta {
	q := r.URL.Query()
	p := pageMeta{Limit: h.pageSize()}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		p.Limit = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		p.Offset = v
	}
	return p
}

func queryKind(r *http.Request) string {
	return sanitizeKind(strings.TrimSpace(r.URL.Query().Get("kind")))
}

// asJSON returns b unchanged when it is valid JSON, otherwise as a JSON string.
func asJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
