// Package httpapi exposes job submission and inspection over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/cronq/internal/dispatcher"
	"github.com/SirClappington/cronq/internal/domain"
	"github.com/SirClappington/cronq/internal/jobs"
	"github.com/SirClappington/cronq/internal/metrics"
	"github.com/SirClappington/cronq/internal/storage"
)

// Engine is the part of the engine the API uses.
type Engine interface {
	Send(ctx context.Context, queue string, payload any, opts ...dispatcher.SendOption) (string, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	Ping(ctx context.Context) error
}

const maxBody = 1 << 20

type api struct {
	e   Engine
	log *zap.Logger
}

// NewRouter builds the HTTP handler. m may be nil, in which case
// /metrics is not served.
func NewRouter(e Engine, m *metrics.Metrics, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	a := &api{e: e, log: log.Named("http")}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)
	rtr.Use(a.logRequests)

	rtr.Get("/health", a.health)
	rtr.Post("/api/jobs/readme", a.sendReadme)
	rtr.Post("/api/jobs/send-email", a.sendEmail)
	rtr.Post("/api/jobs/history", a.sendHistory)
	rtr.Post("/v1/queues/{queue}/jobs", a.enqueue)
	rtr.Get("/v1/jobs/{id}", a.getJob)
	if m != nil {
		rtr.Handle("/metrics", m.Handler())
	}
	return rtr
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if err := a.e.Ping(r.Context()); err != nil {
		a.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId,omitempty"`
	Queue   string `json:"queue,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (a *api) send(w http.ResponseWriter, r *http.Request, queue string, payload any, opts ...dispatcher.SendOption) {
	id, err := a.e.Send(r.Context(), queue, payload, opts...)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Success: true, JobID: id, Queue: queue})
}

func (a *api) sendReadme(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readJSON(w, r)
	if !ok {
		return
	}
	a.send(w, r, jobs.ReadmeQueue, body)
}

func (a *api) sendHistory(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readJSON(w, r)
	if !ok {
		return
	}
	a.send(w, r, jobs.HistoryQueue, body)
}

func (a *api) sendEmail(w http.ResponseWriter, r *http.Request) {
	var e jobs.Email
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&e); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "invalid JSON body"})
		return
	}
	if missing := e.Missing(); len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "missing required fields: email, subject, text"})
		return
	}
	a.send(w, r, jobs.SendEmailQueue, e)
}

type enqueueRequest struct {
	Payload     json.RawMessage `json:"payload"`
	StartAfter  *time.Time      `json:"start_after,omitempty"`
	DelayMS     int64           `json:"delay_ms,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

func (a *api) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "invalid JSON body"})
		return
	}
	var opts []dispatcher.SendOption
	switch {
	case req.StartAfter != nil:
		opts = append(opts, dispatcher.StartAfter(*req.StartAfter))
	case req.DelayMS > 0:
		opts = append(opts, dispatcher.StartIn(time.Duration(req.DelayMS)*time.Millisecond))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, dispatcher.MaxAttempts(req.MaxAttempts))
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	a.send(w, r, chi.URLParam(r, "queue"), payload, opts...)
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.e.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *api) readJSON(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	var body json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "invalid JSON body"})
		return nil, false
	}
	return body, true
}

func (a *api) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, sendResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrQueueNotFound), errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, domain.ErrInvalidQueueName):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStopped), storage.Unavailable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
