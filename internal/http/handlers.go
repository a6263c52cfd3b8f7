package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/operator-dispatch/internal/core"
	"github.com/Cypherspark/operator-dispatch/internal/dispatch"
	"github.com/Cypherspark/operator-dispatch/internal/worker"
)

type JobRunner interface {
	RunOnce(ctx context.Context, name string) (dispatch.Summary, error)
}

type RecordLister interface {
	QueryRecords(ctx context.Context, f core.RecordFilter) ([]core.DispatchRecord, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves health, metrics and, when Jobs and Records are set, the admin endpoints.
type Server struct {
	Jobs    JobRunner
	Records RecordLister
	DB      Pinger

	log zerolog.Logger
}

func NewServer(jobs JobRunner, records RecordLister, db Pinger, log zerolog.Logger) *Server {
	return &Server{Jobs: jobs, Records: records, DB: db, log: log.With().Str("component", "http").Logger()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLog, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	if s.Jobs != nil {
		r.Post("/admin/jobs/{name}/run", s.runJob)
	}
	if s.Records != nil {
		r.Get("/dispatches", s.listDispatches)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sum, err := s.Jobs.RunOnce(r.Context(), name)
	switch {
	case errors.Is(err, worker.ErrUnknownJob):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_job"})
	case errors.Is(err, worker.ErrLocked):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "locked"})
	case err != nil:
		s.log.Error().Err(err).Str("job", name).Msg("manual run failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error(), "summary": sum})
	default:
		s.log.Info().Str("job", name).Interface("summary", sum).Msg("manual run finished")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "summary": sum})
	}
}

func (s *Server) listDispatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f core.RecordFilter

	if v := q.Get("recipient_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_recipient_id"})
			return
		}
		f.RecipientID = &id
	}
	if v := q.Get("campaign"); v != "" {
		c := core.CampaignType(v)
		if !c.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_campaign"})
			return
		}
		f.Campaign = &c
	}
	if v := q.Get("status"); v != "" {
		st := core.Status(v)
		if !st.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_status"})
			return
		}
		f.Status = &st
	}
	f.Limit = 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	items, err := s.Records.QueryRecords(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if items == nil {
		items = []core.DispatchRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": f.Limit, "offset": f.Offset})
}
