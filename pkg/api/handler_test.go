package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/corporate-actions/pkg/processor"
	"github.com/zoff-tech/corporate-actions/pkg/service"
	"github.com/zoff-tech/corporate-actions/pkg/settlement"
	"github.com/zoff-tech/corporate-actions/pkg/store"
	"github.com/zoff-tech/corporate-actions/schema"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const stockSplitBody = `{"event_type": "STOCK_SPLIT", "symbol": "AAPL",
	"split_ratio_from": 1, "split_ratio_to": 3, "effective_date": "2024-06-10"}`

type fixture struct {
	handler http.Handler
	store   *store.MemoryStore
	engine  *processor.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	engine := processor.New(s, settlement.SettlerFunc(func(context.Context, settlement.Request) error { return nil }),
		processor.Config{MaxRetries: 3}, processor.WithLogger(quietLogger))
	svc := service.New(s, engine, service.WithLogger(quietLogger))
	return &fixture{
		handler: NewHandler(svc, quietLogger, []string{"http://localhost:3000"}),
		store:   s,
		engine:  engine,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (f *fixture) create(t *testing.T, body string) map[string]any {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/events", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[map[string]any](t, w)
}

func TestCreateEvent_StockSplit(t *testing.T) {
	f := newFixture(t)

	event := f.create(t, stockSplitBody)
	assert.NotEmpty(t, event["id"])
	assert.Equal(t, "STOCK_SPLIT", event["event_type"])
	assert.Equal(t, "AAPL", event["symbol"])
	assert.Equal(t, "PENDING", event["status"])
	assert.Nil(t, event["error_message"])
	assert.Equal(t, float64(0), event["retry_count"])
	assert.NotEmpty(t, event["created_at"])
	assert.NotEmpty(t, event["updated_at"])
	assert.Equal(t, map[string]any{
		"split_ratio_from": float64(1),
		"split_ratio_to":   float64(3),
		"effective_date":   "2024-06-10",
	}, event["payload"])
}

func TestCreateEvent_Merger(t *testing.T) {
	f := newFixture(t)

	event := f.create(t, `{"event_type": "MERGER", "symbol": "atvi", "target_symbol": "msft",
		"exchange_ratio": 1.5, "effective_date": "2023-01-18"}`)
	assert.Equal(t, "ATVI", event["symbol"])

	payload := event["payload"].(map[string]any)
	assert.Equal(t, "MSFT", payload["target_symbol"])
	assert.Equal(t, float64(0), payload["cash_component"])
	assert.Equal(t, 1.5, payload["exchange_ratio"])
	assert.Equal(t, "2023-01-18", payload["effective_date"])
}

func TestCreateEvent_ValidationFailure(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/events", `{"event_type": "DIVIDEND", "symbol": "AAPL",
		"amount": -1, "ex_date": "2024-03-01", "record_date": "2024-03-04"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	resp := decode[errorResponse](t, w)
	assert.Equal(t, "Validation failed", resp.Detail)
	assert.Contains(t, resp.Errors, "amount")
	assert.Equal(t, "field required", resp.Errors["payment_date"])

	events, err := f.store.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCreateEvent_BadBody(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/events", `{"event_type": "DIVIDEND"`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[errorResponse](t, w).Detail, "malformed request body")

	w = f.do(t, http.MethodPost, "/api/v1/events", `{"symbol": "`+strings.Repeat("A", maxBodyBytes)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestCreateEvent_DuplicateIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	body := `{"event_type": "STOCK_SPLIT", "symbol": "AAPL", "idempotency_key": "aapl-split",
		"split_ratio_from": 1, "split_ratio_to": 3, "effective_date": "2024-06-10"}`

	f.create(t, body)
	w := f.do(t, http.MethodPost, "/api/v1/events", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict: duplicate idempotency key", decode[errorResponse](t, w).Detail)
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, stockSplitBody)
	f.create(t, `{"event_type": "MERGER", "symbol": "ATVI", "target_symbol": "MSFT",
		"exchange_ratio": 1.5, "effective_date": "2023-01-18"}`)

	w := f.do(t, http.MethodGet, "/api/v1/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Events   []map[string]any `json:"events"`
		Total    int              `json:"total"`
		Page     int              `json:"page"`
		PageSize int              `json:"page_size"`
	}](t, w)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Events, 2)

	w = f.do(t, http.MethodGet, "/api/v1/events?event_type=stock_split&symbol=aapl", "")
	require.Equal(t, http.StatusOK, w.Code)
	filtered := decode[service.Page](t, w)
	require.Len(t, filtered.Events, 1)
	assert.Equal(t, first["id"], filtered.Events[0].ID)

	w = f.do(t, http.MethodGet, "/api/v1/events?status=COMPLETED", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"events": [], "total": 0, "page": 1, "page_size": 0}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/v1/events?skip=1&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	paged := decode[service.Page](t, w)
	assert.Equal(t, 2, paged.Total)
	assert.Equal(t, 2, paged.Page)
	assert.Equal(t, 1, paged.PageSize)
	require.Len(t, paged.Events, 1)
	assert.Equal(t, page.Events[1]["id"], paged.Events[0].ID)
}

func TestListEvents_InvalidQuery(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/events?status=DONE&limit=500&skip=-1", "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decode[errorResponse](t, w)
	assert.Len(t, resp.Errors, 3)
	assert.Contains(t, resp.Errors, "status")
	assert.Contains(t, resp.Errors, "limit")
	assert.Contains(t, resp.Errors, "skip")
}

func TestGetEvent(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, stockSplitBody)

	w := f.do(t, http.MethodGet, "/api/v1/events/"+created["id"].(string), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created["id"], decode[map[string]any](t, w)["id"])

	w = f.do(t, http.MethodGet, "/api/v1/events/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Event missing not found", decode[errorResponse](t, w).Detail)
}

func TestCancelEvent(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, stockSplitBody)["id"].(string)

	w := f.do(t, http.MethodPost, "/api/v1/events/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", decode[map[string]any](t, w)["status"])

	w = f.do(t, http.MethodPost, "/api/v1/events/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/events/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelEvent_Completed(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, stockSplitBody)["id"].(string)
	outcome, err := f.engine.ProcessOnce(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, processor.OutcomeCompleted, outcome)

	w := f.do(t, http.MethodPost, "/api/v1/events/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	event, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, event.Status)
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(stockSplitBody))
	req.Header.Set(ActorHeader, "ops@example.com")
	req.Header.Set(RequestIDHeader, "rid-create")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]any](t, w)
	assert.Equal(t, "ops@example.com", created["created_by"])
	id := created["id"].(string)

	w = f.do(t, http.MethodPost, "/api/v1/events/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/events/"+id+"/audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	trail := decode[[]schema.AuditEntry](t, w)
	require.Len(t, trail, 2)

	assert.Equal(t, schema.AuditCreate, trail[0].Action)
	assert.Equal(t, "ops@example.com", trail[0].Actor)
	require.NotNil(t, trail[0].CorrelationID)
	assert.Equal(t, "rid-create", *trail[0].CorrelationID)

	assert.Equal(t, schema.AuditCancel, trail[1].Action)
	assert.Equal(t, schema.SystemActor, trail[1].Actor)
	require.NotNil(t, trail[1].OldStatus)
	assert.Equal(t, schema.StatusPending, *trail[1].OldStatus)
	assert.Equal(t, schema.StatusCancelled, trail[1].NewStatus)

	w = f.do(t, http.MethodGet, "/api/v1/events/missing/audit", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditTrail_ActorTooLong(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(stockSplitBody))
	req.Header.Set(ActorHeader, strings.Repeat("a", 101))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	events, err := f.store.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"total_events": 0,
		"events_by_type": {"DIVIDEND": 0, "STOCK_SPLIT": 0, "MERGER": 0},
		"events_by_status": {"PENDING": 0, "PROCESSING": 0, "COMPLETED": 0, "FAILED": 0, "CANCELLED": 0},
		"recent_events_1h": 0,
		"recent_events_24h": 0,
		"average_processing_time_seconds": null,
		"error_rate": 0
	}`, w.Body.String())

	f.create(t, stockSplitBody)
	w = f.do(t, http.MethodGet, "/api/v1/metrics", "")
	snap := decode[map[string]any](t, w)
	assert.Equal(t, float64(1), snap["total_events"])
	assert.Equal(t, float64(1), snap["recent_events_1h"])
}

type unhealthyStore struct {
	store.EventStore
}

func (unhealthyStore) Ping(context.Context) error { return errors.New("connection refused") }

func (unhealthyStore) List(context.Context, store.Filter) ([]*schema.CorporateActionEvent, error) {
	return nil, &store.UnavailableError{Op: "list", Err: errors.New("connection refused")}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[service.Health](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Database)

	s := unhealthyStore{}
	svc := service.New(s, processor.New(s, nil, processor.Config{}), service.WithLogger(quietLogger))
	h := NewHandler(svc, quietLogger, nil)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode[service.Health](t, w).Database)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Store unavailable", decode[errorResponse](t, w).Detail)
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(RequestIDHeader, "rid-123")
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, "rid-123", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v2/events", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/api/v1/events", "").Code)
}
