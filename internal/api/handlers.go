package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/whizbang/internal/api/middleware"
	"github.com/example/whizbang/internal/concurrency"
	"github.com/example/whizbang/internal/config"
	"github.com/example/whizbang/internal/domain/order"
	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/projection"
	"github.com/example/whizbang/internal/readmodel"
)

type Handlers struct {
	orders      *order.Service
	engine      *projection.Engine
	summaries   readmodel.Store
	rebuildMode config.RebuildMode
	logger      zerolog.Logger
}

func NewHandlers(orders *order.Service, engine *projection.Engine, summaries readmodel.Store, rebuildMode config.RebuildMode, logger zerolog.Logger) *Handlers {
	return &Handlers{
		orders:      orders,
		engine:      engine,
		summaries:   summaries,
		rebuildMode: rebuildMode,
		logger:      logger,
	}
}

// Order Handlers

func (h *Handlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string            `json:"user_id"`
		Items  []order.OrderItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = middleware.Subject(r.Context())
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	placed, err := h.orders.Place(r.Context(), req.UserID, req.Items)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, placed)
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := extractPathParam(r.URL.Path, "/orders/")
	current, err := h.orders.Get(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, current)
}

func (h *Handlers) PayOrder(w http.ResponseWriter, r *http.Request) {
	id := extractOrderID(r.URL.Path, "/pay")
	paid, err := h.orders.Pay(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, paid)
}

func (h *Handlers) ShipOrder(w http.ResponseWriter, r *http.Request) {
	id := extractOrderID(r.URL.Path, "/ship")
	shipped, err := h.orders.Ship(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, shipped)
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := extractOrderID(r.URL.Path, "/cancel")

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	cancelled, err := h.orders.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cancelled)
}

// Summary Handlers

func (h *Handlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	id := extractPathParam(r.URL.Path, "/summaries/")
	doc, err := readmodel.Load(r.Context(), h.summaries, order.SummaryCollection, id)
	if errors.Is(err, readmodel.ErrNotFound) {
		respondError(w, http.StatusNotFound, "summary not found")
		return
	}
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (h *Handlers) ListSummaries(w http.ResponseWriter, r *http.Request) {
	var preds []readmodel.Predicate
	for _, field := range []string{"user_id", "status"} {
		if v := r.URL.Query().Get(field); v != "" {
			preds = append(preds, readmodel.FieldEquals(field, v))
		}
	}

	docs, err := readmodel.Query(r.Context(), h.summaries, order.SummaryCollection, readmodel.And(preds...))
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]readmodel.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, docs[id])
	}
	respondJSON(w, http.StatusOK, out)
}

// Projection Handlers

// ProjectionState is the admin view of one projection.
type ProjectionState struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Checkpoint int64  `json:"checkpoint"`
	LastError  string `json:"last_error,omitempty"`
}

func (h *Handlers) ListProjections(w http.ResponseWriter, r *http.Request) {
	names := h.engine.Names()
	states := make([]ProjectionState, 0, len(names))
	for _, name := range names {
		state, err := h.projectionState(r, name)
		if err != nil {
			h.respondDomainError(w, r, err)
			return
		}
		states = append(states, state)
	}
	respondJSON(w, http.StatusOK, states)
}

func (h *Handlers) GetProjection(w http.ResponseWriter, r *http.Request) {
	name := extractPathParam(r.URL.Path, "/projections/")
	state, err := h.projectionState(r, name)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (h *Handlers) RebuildProjection(w http.ResponseWriter, r *http.Request) {
	name := extractProjectionName(r.URL.Path, "/rebuild")

	mode := h.rebuildMode
	if raw := r.URL.Query().Get("mode"); raw != "" {
		if err := mode.UnmarshalText([]byte(raw)); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	h.logger.Info().
		Str("projection", name).
		Str("mode", mode.String()).
		Str("operator", middleware.Subject(r.Context())).
		Msg("rebuild requested")

	report, err := h.engine.Rebuild(r.Context(), name, mode)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"projection":    report.Projection,
		"mode":          report.Mode.String(),
		"processed":     report.Processed,
		"total":         report.Total,
		"last_position": report.LastPosition,
		"cancelled":     report.Cancelled,
		"duration_ms":   report.Duration.Milliseconds(),
	})
}

func (h *Handlers) RestartProjection(w http.ResponseWriter, r *http.Request) {
	name := extractProjectionName(r.URL.Path, "/restart")
	if err := h.engine.Restart(name); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	h.logger.Info().
		Str("projection", name).
		Str("operator", middleware.Subject(r.Context())).
		Msg("projection restarted")

	state, err := h.projectionState(r, name)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (h *Handlers) projectionState(r *http.Request, name string) (ProjectionState, error) {
	status, err := h.engine.Status(name)
	if err != nil {
		return ProjectionState{}, err
	}
	position, err := h.engine.Checkpoint(r.Context(), name)
	if err != nil {
		return ProjectionState{}, err
	}
	state := ProjectionState{Name: name, Status: status.String(), Checkpoint: position}
	if lastErr := h.engine.LastError(name); lastErr != nil {
		state.LastError = lastErr.Error()
	}
	return state, nil
}

// respondDomainError maps service and engine errors to HTTP statuses.
func (h *Handlers) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, projection.ErrUnknownProjection):
		status = http.StatusNotFound
	case errors.Is(err, order.ErrEmptyOrder):
		status = http.StatusBadRequest
	case errors.Is(err, order.ErrInvalidStatus),
		errors.Is(err, order.ErrOrderAlreadyPaid),
		errors.Is(err, order.ErrOrderNotPaid),
		errors.Is(err, order.ErrOrderShipped),
		errors.Is(err, order.ErrOrderCancelled),
		errors.Is(err, eventlog.ErrConcurrencyConflict),
		errors.Is(err, concurrency.ErrConcurrencyExhausted):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	respondError(w, status, err.Error())
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func extractPathParam(path, prefix string) string {
	return strings.TrimPrefix(path, prefix)
}

// extractOrderID returns the id of /orders/{id}/{action} paths.
func extractOrderID(path, action string) string {
	return strings.TrimSuffix(extractPathParam(path, "/orders/"), action)
}

func extractProjectionName(path, action string) string {
	return strings.TrimSuffix(extractPathParam(path, "/projections/"), action)
}
