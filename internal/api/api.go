// Package api — api.go
//
// HTTP control-plane surface (spec §6): anomaly event/group queries,
// webhook subscription CRUD, delivery history, and the retry-queue/DLQ
// view. Routed with the stdlib Go 1.22+ http.ServeMux method-pattern
// syntax, matching the teacher's own choice of stdlib over a
// third-party router for its metrics and operator servers.
//
// Grounded on internal/operator/server.go's handler-struct-with-injected-
// dependencies shape (store/engine/registry passed in at construction,
// no package-level globals) and its JSON response helpers.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentineld/sentineld/internal/engine"
	"github.com/sentineld/sentineld/internal/model"
	"github.com/sentineld/sentineld/internal/registry"
	"github.com/sentineld/sentineld/internal/storage"
	"github.com/sentineld/sentineld/internal/webhook"
)

// ConnectionHeader is the header selecting the logical database scope.
// Its absence means the configured default connection.
const ConnectionHeader = "X-Connection-Id"

// Server exposes sentineld's HTTP control-plane surface.
type Server struct {
	store      storage.Store
	eng        *engine.Engine
	registry   *registry.Registry
	dispatcher *webhook.Dispatcher
	log        *zap.Logger
	clock      model.Clock
}

// New creates a Server. clock may be nil (defaults to model.RealClock{}).
func New(store storage.Store, eng *engine.Engine, reg *registry.Registry, dispatcher *webhook.Dispatcher, log *zap.Logger, clock model.Clock) *Server {
	if clock == nil {
		clock = model.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: store, eng: eng, registry: reg, dispatcher: dispatcher, log: log, clock: clock}
}

// Handler builds the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /anomaly/events", s.listEvents)
	mux.HandleFunc("GET /anomaly/groups", s.listGroups)
	mux.HandleFunc("GET /anomaly/summary", s.summary)
	mux.HandleFunc("GET /anomaly/buffers", s.buffers)
	mux.HandleFunc("POST /anomaly/events/{id}/resolve", s.resolveEvent)
	mux.HandleFunc("POST /anomaly/groups/{correlationId}/resolve", s.resolveGroup)
	mux.HandleFunc("POST /anomaly/events/clear-resolved", s.clearResolved)

	mux.HandleFunc("GET /webhooks", s.listWebhooks)
	mux.HandleFunc("POST /webhooks", s.createWebhook)
	mux.HandleFunc("GET /webhooks/{id}", s.getWebhook)
	mux.HandleFunc("PATCH /webhooks/{id}", s.patchWebhook)
	mux.HandleFunc("DELETE /webhooks/{id}", s.deleteWebhook)
	mux.HandleFunc("POST /webhooks/{id}/test", s.testWebhook)
	mux.HandleFunc("GET /webhooks/{id}/deliveries", s.listDeliveries)
	mux.HandleFunc("GET /webhooks/stats/retry-queue", s.retryQueueStats)

	mux.HandleFunc("GET /connections", s.listConnections)

	return mux
}

// connectionID resolves the effective connectionId per spec §6: the
// X-Connection-Id header, falling back to the registry's default.
func (s *Server) connectionID(r *http.Request) string {
	if id := r.Header.Get(ConnectionHeader); id != "" {
		return id
	}
	return s.registry.GetDefaultID()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ─── Anomaly events/groups ──────────────────────────────────────────────

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	connectionID := s.connectionID(r)
	limit := queryInt(r, "limit", 100)
	metricType := r.URL.Query().Get("metricType")

	events, err := s.store.GetAnomalyEvents(connectionID, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if metricType != "" {
		filtered := events[:0]
		for _, e := range events {
			if string(e.MetricKind) == metricType {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	connectionID := s.connectionID(r)
	limit := queryInt(r, "limit", 50)
	pattern := r.URL.Query().Get("pattern")

	groups, err := s.store.GetCorrelatedGroups(connectionID, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if pattern != "" {
		filtered := groups[:0]
		for _, g := range groups {
			if string(g.Pattern) == pattern {
				filtered = append(filtered, g)
			}
		}
		groups = filtered
	}
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	writeJSON(w, http.StatusOK, groups)
}

type summaryResponse struct {
	TotalEvents    int                    `json:"totalEvents"`
	TotalGroups    int                    `json:"totalGroups"`
	BySeverity     map[string]int         `json:"bySeverity"`
	ByMetric       map[string]int         `json:"byMetric"`
	ByPattern      map[string]int         `json:"byPattern"`
	ActiveEvents   int                    `json:"activeEvents"`
	ResolvedEvents int                    `json:"resolvedEvents"`
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	connectionID := s.connectionID(r)

	events, err := s.store.GetAnomalyEvents(connectionID, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	groups, err := s.store.GetCorrelatedGroups(connectionID, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := summaryResponse{
		TotalEvents: len(events),
		TotalGroups: len(groups),
		BySeverity:  make(map[string]int),
		ByMetric:    make(map[string]int),
		ByPattern:   make(map[string]int),
	}
	for _, e := range events {
		resp.BySeverity[string(e.Severity)]++
		resp.ByMetric[string(e.MetricKind)]++
		if e.Resolved {
			resp.ResolvedEvents++
		} else {
			resp.ActiveEvents++
		}
	}
	for _, g := range groups {
		resp.ByPattern[string(g.Pattern)]++
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) buffers(w http.ResponseWriter, r *http.Request) {
	connectionID := s.connectionID(r)
	ring := s.eng.RingFor(connectionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"connectionId": connectionID,
		"recentEvents": len(ring.Snapshot()),
	})
}

func (s *Server) resolveEvent(w http.ResponseWriter, r *http.Request) {
	connectionID := s.connectionID(r)
	id := r.PathValue("id")
	now := model.NowMs(s.clock)

	if err := s.store.ResolveAnomaly(connectionID, id, now); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.eng.RingFor(connectionID).MarkResolved(id, now)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) resolveGroup(w http.ResponseWriter, r *http.Request) {
	connectionID := s.connectionID(r)
	correlationID := r.PathValue("correlationId")
	now := model.NowMs(s.clock)

	groups, err := s.store.GetCorrelatedGroups(connectionID, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	var found bool
	for _, g := range groups {
		if g.CorrelationID != correlationID {
			continue
		}
		found = true
		for _, id := range g.AnomalyIDs {
			_ = s.store.ResolveAnomaly(connectionID, id, now)
			s.eng.RingFor(connectionID).MarkResolved(id, now)
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("group %q not found", correlationID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) clearResolved(w http.ResponseWriter, r *http.Request) {
	connectionID := s.connectionID(r)
	cleared, err := s.store.ClearResolvedAnomalyEvents(connectionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// ─── Webhooks ────────────────────────────────────────────────────────────

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	webhooks, err := s.store.ListWebhooks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	masked := make([]model.Webhook, len(webhooks))
	for i, wh := range webhooks {
		masked[i] = wh.MaskedSecret()
	}
	writeJSON(w, http.StatusOK, masked)
}

// createWebhookRequest mirrors model.Webhook but with a pointer Enabled
// so an omitted field defaults to true without clobbering an explicit
// `"enabled": false` in the request body.
type createWebhookRequest struct {
	model.Webhook
	Enabled *bool `json:"enabled"`
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wh := req.Webhook
	wh.Enabled = req.Enabled == nil || *req.Enabled
	wh.ID = uuid.NewString()

	now := model.NowMs(s.clock)
	wh.CreatedAt, wh.UpdatedAt = now, now

	if err := s.store.CreateWebhook(wh); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, wh.MaskedSecret())
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := s.store.GetWebhook(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if wh == nil {
		writeError(w, http.StatusNotFound, errors.New("webhook not found"))
		return
	}
	writeJSON(w, http.StatusOK, wh.MaskedSecret())
}

func (s *Server) patchWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wh, err := s.store.GetWebhook(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if wh == nil {
		writeError(w, http.StatusNotFound, errors.New("webhook not found"))
		return
	}
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	applyPatch(wh, req.Webhook, req.Enabled)
	wh.UpdatedAt = model.NowMs(s.clock)
	if err := s.store.UpdateWebhook(*wh); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, wh.MaskedSecret())
}

// applyPatch overwrites non-zero-value fields of dst from patch.
// Secret is replaced only if non-empty, so a masked round-trip from
// GET never accidentally wipes the stored secret. enabled is a pointer
// so an omitted "enabled" field in the request leaves dst unchanged.
func applyPatch(dst *model.Webhook, patch model.Webhook, enabled *bool) {
	if patch.Name != "" {
		dst.Name = patch.Name
	}
	if patch.URL != "" {
		dst.URL = patch.URL
	}
	if patch.Secret != "" {
		dst.Secret = patch.Secret
	}
	if patch.Events != nil {
		dst.Events = patch.Events
	}
	if patch.Headers != nil {
		dst.Headers = patch.Headers
	}
	if patch.Thresholds != nil {
		dst.Thresholds = patch.Thresholds
	}
	if enabled != nil {
		dst.Enabled = *enabled
	}
	if patch.RetryPolicy != (model.RetryPolicy{}) {
		dst.RetryPolicy = patch.RetryPolicy
	}
	if patch.DeliveryConfig != (model.DeliveryConfig{}) {
		dst.DeliveryConfig = patch.DeliveryConfig
	}
	if patch.AlertConfig != (model.AlertConfig{}) {
		dst.AlertConfig = patch.AlertConfig
	}
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteWebhook(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wh, err := s.store.GetWebhook(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if wh == nil {
		writeError(w, http.StatusNotFound, errors.New("webhook not found"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	result := s.dispatcher.TestDeliver(ctx, *wh)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("id")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	deliveries, err := s.store.GetDeliveriesByWebhook(webhookID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (s *Server) retryQueueStats(w http.ResponseWriter, r *http.Request) {
	due, err := s.store.GetRetriableDeliveries(model.NowMs(s.clock))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	deadLetter, err := s.store.GetDeadLetterDeliveries()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"pendingRetries": len(due),
		"deadLettered":   len(deadLetter),
	})
}

// ─── Connections ─────────────────────────────────────────────────────────

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}
