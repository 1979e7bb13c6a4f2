package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"reply-correlator/internal/config"
	"reply-correlator/internal/correlate"
	"reply-correlator/internal/media"
	"reply-correlator/internal/models"
	"reply-correlator/internal/ratelimit"
	"reply-correlator/internal/reservation"
	"reply-correlator/internal/store"
	"reply-correlator/internal/telemetry"
)

// JobStore is the persistence the API reads and writes.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	PendingJobs(ctx context.Context) (int64, error)
	ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error)
}

// Reservations resolves which job holds a message, from whichever backend
// the gate claims against.
type Reservations interface {
	LookupReservation(ctx context.Context, messageID string) (correlate.Reservation, error)
	LookupJobReservation(ctx context.Context, jobID string) (correlate.Reservation, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, content, jobID string, createdAt time.Time) (*correlate.Job, error)
}

type Tracker interface {
	Track(job *correlate.Job, done func(correlate.Outcome))
}

type Limiter interface {
	Take(ctx context.Context, tenant string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for submitting and inspecting correlation jobs.
type Server struct {
	cfg        config.Config
	store      JobStore
	dispatcher Dispatcher
	tracker    Tracker
	fetcher    media.Fetcher
	limiter    Limiter
	res        Reservations
	logger     *slog.Logger
}

// New constructs the API server. limiter and res may be nil.
func New(cfg config.Config, st JobStore, d Dispatcher, tr Tracker, fetcher media.Fetcher, limiter Limiter, res Reservations) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		tracker:    tr,
		fetcher:    fetcher,
		limiter:    limiter,
		res:        res,
		logger:     slog.Default(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleDispatch)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/artifact", s.handleArtifact)
	r.Get("/jobs/{id}/audit", s.handleAudit)
	r.Get("/jobs/{id}/reservation", s.handleJobReservation)
	r.Get("/reservations/{messageID}", s.handleReservation)
	r.Get("/stats", s.handleStats)
	return r
}

type dispatchRequest struct {
	Content   string     `json:"content"`
	JobID     string     `json:"job_id"`
	CreatedAt *time.Time `json:"created_at"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	var createdAt time.Time
	if req.CreatedAt != nil {
		createdAt = *req.CreatedAt
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		d, err := s.limiter.Take(r.Context(), tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.dispatcher.Dispatch(r.Context(), req.Content, req.JobID, createdAt)
	switch {
	case err == nil:
	case errors.Is(err, correlate.ErrInvalidJobID):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, correlate.ErrJobAlreadyPending):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, correlate.ErrChannelUnavailable):
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	rec, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ID:       job.ID,
		Tenant:   tenant,
		Content:  req.Content,
		SentAt:   job.SentAt,
		Deadline: job.Deadline,
	})
	if err != nil {
		// The job is live in the poller; only its record is missing.
		s.logger.Error("record dispatched job", "job_id", job.ID, "error", err)
		rec = models.Job{ID: job.ID, Tenant: tenant, Content: req.Content, Status: models.StatusPending, SentAt: job.SentAt, Deadline: job.Deadline}
	}
	s.tracker.Track(job, nil)

	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job.Status != models.StatusMatched || job.MessageID == nil {
		http.Error(w, "job has no matched artifact", http.StatusConflict)
		return
	}
	if s.fetcher == nil {
		http.Error(w, "media fetcher not configured", http.StatusNotImplemented)
		return
	}

	d, err := s.fetcher.Fetch(r.Context(), *job.MessageID)
	if err != nil {
		s.logger.Warn("fetch artifact", "job_id", id, "message_id", *job.MessageID, "error", err)
		http.Error(w, "artifact unavailable", http.StatusBadGateway)
		return
	}
	defer d.Body.Close()

	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Transfer-Mode", d.Mode)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, d.Body)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	logs, err := s.store.ListAudit(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleJobReservation(w http.ResponseWriter, r *http.Request) {
	if s.res == nil {
		http.Error(w, "reservation lookup not configured", http.StatusNotImplemented)
		return
	}
	res, err := s.res.LookupJobReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReservation(w http.ResponseWriter, r *http.Request) {
	if s.res == nil {
		http.Error(w, "reservation lookup not configured", http.StatusNotImplemented)
		return
	}
	res, err := s.res.LookupReservation(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.PendingJobs(r.Context())
	if err != nil {
		http.Error(w, "failed to count jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pending": n})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, reservation.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func retryAfterSeconds(d time.Duration) int {
	if secs := int(math.Ceil(d.Seconds())); secs > 1 {
		return secs
	}
	return 1
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
