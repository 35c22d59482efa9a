package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/whizbang/internal/auth"
	"github.com/example/whizbang/internal/config"
	"github.com/example/whizbang/internal/domain/order"
	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/projection"
	"github.com/example/whizbang/internal/readmodel"
)

type testServer struct {
	handler http.Handler
	engine  *projection.Engine
	tokens  *auth.Tokens
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := eventlog.NewMemoryLog()
	store := readmodel.NewMemoryStore()
	engine := projection.NewEngine(log)
	require.NoError(t, engine.Register(order.Summaries(store)))

	tokens := auth.NewTokens("api-test-secret", time.Hour)
	handlers := NewHandlers(order.NewService(log, nil), engine, store, config.AtomicSwap, zerolog.Nop())
	return &testServer{
		handler: NewRouter(handlers, tokens, zerolog.Nop()),
		engine:  engine,
		tokens:  tokens,
	}
}

func (s *testServer) do(t *testing.T, method, path, body, role string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if role != "" {
		token, _, err := s.tokens.Issue("tester", role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (s *testServer) placeOrder(t *testing.T) order.Order {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/orders",
		`{"user_id":"user-1","items":[{"product_id":"p-1","quantity":2,"price":500}]}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[order.Order](t, rec)
}

func TestOrders_Lifecycle(t *testing.T) {
	s := newTestServer(t)

	placed := s.placeOrder(t)
	assert.Equal(t, order.StatusCreated, placed.Status)
	assert.Equal(t, 1000, placed.Total)

	rec := s.do(t, http.MethodPost, "/orders/"+placed.ID+"/pay", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.StatusPaid, decode[order.Order](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/orders/"+placed.ID+"/ship", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/orders/"+placed.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[order.Order](t, rec)
	assert.Equal(t, order.StatusShipped, got.Status)
	assert.Equal(t, int64(3), got.Version)
}

func TestOrders_Errors(t *testing.T) {
	s := newTestServer(t)
	placed := s.placeOrder(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown order", http.MethodGet, "/orders/missing", "", http.StatusNotFound},
		{"ship before pay", http.MethodPost, "/orders/" + placed.ID + "/ship", "", http.StatusConflict},
		{"empty order", http.MethodPost, "/orders", `{"user_id":"u","items":[]}`, http.StatusBadRequest},
		{"missing user", http.MethodPost, "/orders", `{"items":[{"product_id":"p","quantity":1,"price":1}]}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/orders", `{`, http.StatusBadRequest},
		{"method", http.MethodDelete, "/orders", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestOrders_CancelWithReason(t *testing.T) {
	s := newTestServer(t)
	placed := s.placeOrder(t)

	rec := s.do(t, http.MethodPost, "/orders/"+placed.ID+"/cancel", `{"reason":"changed mind"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[order.Order](t, rec)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Equal(t, "changed mind", cancelled.Reason)

	rec = s.do(t, http.MethodPost, "/orders/"+placed.ID+"/pay", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSummaries(t *testing.T) {
	s := newTestServer(t)
	placed := s.placeOrder(t)
	s.do(t, http.MethodPost, "/orders/"+placed.ID+"/pay", "", "")

	rec := s.do(t, http.MethodGet, "/summaries/"+placed.ID, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "summary must not exist before catch-up")

	n, err := s.engine.CatchUp(context.Background(), order.SummaryProjection)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec = s.do(t, http.MethodGet, "/summaries/"+placed.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[order.Summary](t, rec)
	assert.Equal(t, order.StatusPaid, summary.Status)
	assert.Equal(t, 1000, summary.Total)
	assert.Equal(t, 2, summary.ItemCount)
	assert.Equal(t, int64(2), summary.Events)

	rec = s.do(t, http.MethodGet, "/summaries?user_id=user-1&status=Paid", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]order.Summary](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/summaries?status=Shipped", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]order.Summary](t, rec))
}

func TestProjections_RequireToken(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/projections", "", "").Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/projections", "", "guest").Code)
	assert.Equal(t, http.StatusForbidden,
		s.do(t, http.MethodPost, "/projections/"+order.SummaryProjection+"/rebuild", "", auth.RoleViewer).Code)
}

func TestProjections_StatusAndRebuild(t *testing.T) {
	s := newTestServer(t)
	placed := s.placeOrder(t)
	s.do(t, http.MethodPost, "/orders/"+placed.ID+"/pay", "", "")
	_, err := s.engine.CatchUp(context.Background(), order.SummaryProjection)
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/projections", "", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	states := decode[[]ProjectionState](t, rec)
	require.Len(t, states, 1)
	assert.Equal(t, order.SummaryProjection, states[0].Name)
	assert.Equal(t, int64(2), states[0].Checkpoint)
	assert.Equal(t, projection.Stopped.String(), states[0].Status)

	rec = s.do(t, http.MethodPost, "/projections/"+order.SummaryProjection+"/rebuild?mode=in_place", "", auth.RoleOperator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[map[string]any](t, rec)
	assert.Equal(t, "InPlace", report["mode"])
	assert.Equal(t, float64(2), report["processed"])

	rec = s.do(t, http.MethodGet, "/summaries/"+placed.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.StatusPaid, decode[order.Summary](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/projections/"+order.SummaryProjection+"/restart", "", auth.RoleOperator)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProjections_Unknown(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/projections/nope", "", auth.RoleViewer).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/projections/nope/rebuild", "", auth.RoleOperator).Code)
	assert.Equal(t, http.StatusBadRequest,
		s.do(t, http.MethodPost, "/projections/"+order.SummaryProjection+"/rebuild?mode=sideways", "", auth.RoleOperator).Code)
}
