// Package api exposes the event service over HTTP under /api/v1.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/zoff-tech/corporate-actions/pkg/metrics"
	"github.com/zoff-tech/corporate-actions/pkg/service"
	"github.com/zoff-tech/corporate-actions/pkg/store"
	"github.com/zoff-tech/corporate-actions/pkg/validation"
	"github.com/zoff-tech/corporate-actions/schema"
)

const (
	prefix   = "/api/v1"
	maxLimit = 100
)

// EventService is the use case layer behind the handlers.
type EventService interface {
	Create(ctx context.Context, body []byte) (*schema.CorporateActionEvent, error)
	List(ctx context.Context, params service.ListParams) (service.Page, error)
	Get(ctx context.Context, id string) (*schema.CorporateActionEvent, error)
	Cancel(ctx context.Context, id string) (*schema.CorporateActionEvent, error)
	AuditTrail(ctx context.Context, id string) ([]*schema.AuditEntry, error)
	Metrics(ctx context.Context) (metrics.Snapshot, error)
	Health(ctx context.Context) (service.Health, error)
}

type handler struct {
	svc    EventService
	logger *slog.Logger
}

// NewHandler returns the API routes wrapped in request id, access log, CORS
// and actor middleware.
func NewHandler(svc EventService, logger *slog.Logger, corsOrigins []string) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+prefix+"/events", h.createEvent)
	mux.HandleFunc("GET "+prefix+"/events", h.listEvents)
	mux.HandleFunc("GET "+prefix+"/events/{id}", h.getEvent)
	mux.HandleFunc("POST "+prefix+"/events/{id}/cancel", h.cancelEvent)
	mux.HandleFunc("GET "+prefix+"/events/{id}/audit", h.auditTrail)
	mux.HandleFunc("GET "+prefix+"/metrics", h.metrics)
	mux.HandleFunc("GET "+prefix+"/health", h.health)

	return WithRequestID(Logging(logger)(CORS(corsOrigins)(WithActor(mux))))
}

func (h *handler) createEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err.Error())
		return
	}

	event, err := h.svc.Create(r.Context(), body)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to create event")
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to list events")
		return
	}

	page, err := h.svc.List(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	event, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to get event")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *handler) cancelEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	event, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to cancel event")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := h.svc.AuditTrail(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to get audit trail")
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Metrics(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to calculate metrics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	health, err := h.svc.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// parseListParams reads the filter and pagination query parameters.
// Unknown enum values and out of range numbers are validation failures.
func parseListParams(r *http.Request) (service.ListParams, error) {
	q := r.URL.Query()
	verr := &validation.Error{Fields: map[string]string{}}
	var params service.ListParams

	if v := q.Get("status"); v != "" {
		st, err := schema.ParseStatus(strings.ToUpper(v))
		if err != nil {
			verr.Fields["status"] = "must be one of PENDING, PROCESSING, COMPLETED, FAILED, CANCELLED"
		}
		params.Filter.Status = st
	}
	if v := q.Get("event_type"); v != "" {
		et, err := schema.ParseEventType(strings.ToUpper(v))
		if err != nil {
			verr.Fields["event_type"] = "must be one of DIVIDEND, STOCK_SPLIT, MERGER"
		}
		params.Filter.EventType = et
	}
	params.Filter.Symbol = strings.ToUpper(strings.TrimSpace(q.Get("symbol")))

	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			verr.Fields["skip"] = "must be a non-negative integer"
		}
		params.Skip = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			verr.Fields["limit"] = fmt.Sprintf("must be an integer between 1 and %d", maxLimit)
		}
		params.Limit = n
	}

	if len(verr.Fields) > 0 {
		return service.ListParams{}, verr
	}
	return params, nil
}

// writeServiceError maps the error taxonomy onto status codes. Unexpected
// errors are logged and hidden behind fallback.
func (h *handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: "Validation failed", Errors: verr.Fields})
	case errors.Is(err, service.ErrMalformedRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Event %s not found", r.PathValue("id")))
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		h.logger.Error(fallback, slog.String("rid", RequestIDFromContext(r.Context())), slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "Store unavailable")
	default:
		h.logger.Error(fallback, slog.String("rid", RequestIDFromContext(r.Context())), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
