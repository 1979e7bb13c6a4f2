package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"reply-correlator/internal/correlate"
	"reply-correlator/internal/models"
)

var _ correlate.ReservationStore = (*Store)(nil)

// ErrNotFound is returned when a job or reservation row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// TryReserve inserts a reservation row; the primary key on message_id makes
// the first insert win. A repeat claim by the owning job reports true.
func (s *Store) TryReserve(ctx context.Context, messageID, jobID string, method correlate.Method) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO reservations (message_id, job_id, method, reserved_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (message_id) DO NOTHING
	`, messageID, jobID, string(method))
	if err != nil {
		return false, fmt.Errorf("insert reservation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	r, err := s.LookupReservation(ctx, messageID)
	if err != nil {
		return false, err
	}
	return r.JobID == jobID, nil
}

// ListReserved returns every reserved message id.
func (s *Store) ListReserved(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT message_id FROM reservations`)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan reservations: %w", err)
	}
	return ids, nil
}

// LookupReservation returns the reservation on a message id.
func (s *Store) LookupReservation(ctx context.Context, messageID string) (correlate.Reservation, error) {
	var r correlate.Reservation
	var method string
	err := s.pool.QueryRow(ctx, `
		SELECT message_id, job_id, method, reserved_at FROM reservations WHERE message_id = $1
	`, messageID).Scan(&r.MessageID, &r.JobID, &method, &r.ReservedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return correlate.Reservation{}, ErrNotFound
	}
	if err != nil {
		return correlate.Reservation{}, fmt.Errorf("query reservation: %w", err)
	}
	r.Method = correlate.Method(method)
	return r, nil
}

// LookupJobReservation returns the reservation a job won.
func (s *Store) LookupJobReservation(ctx context.Context, jobID string) (correlate.Reservation, error) {
	var r correlate.Reservation
	var method string
	err := s.pool.QueryRow(ctx, `
		SELECT message_id, job_id, method, reserved_at FROM reservations WHERE job_id = $1
		ORDER BY reserved_at LIMIT 1
	`, jobID).Scan(&r.MessageID, &r.JobID, &method, &r.ReservedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return correlate.Reservation{}, ErrNotFound
	}
	if err != nil {
		return correlate.Reservation{}, fmt.Errorf("query job reservation: %w", err)
	}
	r.Method = correlate.Method(method)
	return r, nil
}

// CreateJobParams collects inputs required to record a dispatched job.
type CreateJobParams struct {
	ID       string
	Tenant   string
	Content  string
	SentAt   time.Time
	Deadline time.Time
}

// CreateJob inserts a pending job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Tenant == "" {
		p.Tenant = "public"
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO correlation_jobs (id, tenant, content, status, poll_count, sent_at, deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
	`, p.ID, p.Tenant, p.Content, models.StatusPending, p.SentAt, p.Deadline, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:        p.ID,
		Tenant:    p.Tenant,
		Content:   p.Content,
		Status:    models.StatusPending,
		SentAt:    p.SentAt,
		Deadline:  p.Deadline,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, content, status, message_id, method, poll_count, last_error, archive_location,
		       sent_at, deadline, created_at, updated_at
		FROM correlation_jobs WHERE id = $1
	`, id)

	var job models.Job
	var messageID, method, lastErr, archive pgtype.Text
	if err := row.Scan(&job.ID, &job.Tenant, &job.Content, &job.Status, &messageID, &method, &job.PollCount,
		&lastErr, &archive, &job.SentAt, &job.Deadline, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.MessageID = textPtr(messageID)
	job.Method = textPtr(method)
	job.LastError = textPtr(lastErr)
	job.Archive = textPtr(archive)
	return job, nil
}

// MarkMatched records the bound message and method.
func (s *Store) MarkMatched(ctx context.Context, id string, o correlate.Outcome) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE correlation_jobs
		SET status = $2, message_id = $3, method = $4, poll_count = $5, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusMatched, o.MessageID, string(o.Method), o.PollCount)
	return err
}

// MarkTimedOut flags a job that reached its deadline.
func (s *Store) MarkTimedOut(ctx context.Context, id string, pollCount int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE correlation_jobs SET status = $2, poll_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusTimedOut, pollCount, correlate.ErrTimeout.Error())
	return err
}

// MarkFailed flags a job that could not be dispatched or tracked.
func (s *Store) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE correlation_jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, lastError)
	return err
}

// SetArchiveLocation stores where the matched artifact was copied.
func (s *Store) SetArchiveLocation(ctx context.Context, id, location string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE correlation_jobs SET archive_location = $2, updated_at = NOW() WHERE id = $1
	`, id, location)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// ListAudit returns a job's audit rows, oldest first.
func (s *Store) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var a models.AuditLog
		err := row.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit: %w", err)
	}
	return logs, nil
}

// PendingJobs counts rows still awaiting a reply.
func (s *Store) PendingJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM correlation_jobs WHERE status = $1
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
