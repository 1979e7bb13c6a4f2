// Package tracker follows dispatched jobs to settlement and persists what
// happened to them.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"reply-correlator/internal/correlate"
	"reply-correlator/internal/telemetry"
)

// Recorder persists job outcomes.
type Recorder interface {
	MarkMatched(ctx context.Context, id string, o correlate.Outcome) error
	MarkTimedOut(ctx context.Context, id string, pollCount int) error
	MarkFailed(ctx context.Context, id string, lastError string) error
	SetArchiveLocation(ctx context.Context, id, location string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Archiver copies a matched artifact somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, jobID, messageID string) (string, error)
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithArchiver enables artifact archiving after a match.
func WithArchiver(a Archiver) Option {
	return func(t *Tracker) { t.archiver = a }
}

// WithWriteTimeout bounds each persistence call made after settlement.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.writeTimeout = d }
}

// WithArchiveTimeout bounds one artifact fetch and upload.
func WithArchiveTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.archiveTimeout = d }
}

// Tracker runs one goroutine per tracked job until it settles or the
// tracker closes.
type Tracker struct {
	recorder       Recorder
	archiver       Archiver
	logger         *slog.Logger
	writeTimeout   time.Duration
	archiveTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(rec Recorder, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		recorder:       rec,
		logger:         slog.Default(),
		writeTimeout:   10 * time.Second,
		archiveTimeout: 5 * time.Minute,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Track follows job in the background. done, if non-nil, receives the
// outcome after it has been persisted.
func (t *Tracker) Track(job *correlate.Job, done func(correlate.Outcome)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-job.Done():
		case <-t.ctx.Done():
			return
		}
		o, _ := job.Outcome()
		t.record(job.ID, o)
		if done != nil {
			done(o)
		}
	}()
}

func (t *Tracker) record(jobID string, o correlate.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()

	switch {
	case o.Matched():
		if err := t.recorder.MarkMatched(ctx, jobID, o); err != nil {
			t.logger.Error("record match", "job_id", jobID, "error", err)
		}
		t.audit(ctx, jobID, "matched", fmt.Sprintf("message=%s method=%s polls=%d", o.MessageID, o.Method, o.PollCount))
		t.archive(jobID, o.MessageID)
	case errors.Is(o.Err, correlate.ErrTimeout):
		if err := t.recorder.MarkTimedOut(ctx, jobID, o.PollCount); err != nil {
			t.logger.Error("record timeout", "job_id", jobID, "error", err)
		}
		t.audit(ctx, jobID, "timed_out", fmt.Sprintf("polls=%d", o.PollCount))
	default:
		msg := "settled without match"
		if o.Err != nil {
			msg = o.Err.Error()
		}
		if err := t.recorder.MarkFailed(ctx, jobID, msg); err != nil {
			t.logger.Error("record failure", "job_id", jobID, "error", err)
		}
		t.audit(ctx, jobID, "failed", msg)
	}
}

func (t *Tracker) archive(jobID, messageID string) {
	if t.archiver == nil {
		return
	}
	// Close does not cancel an upload already under way.
	actx, acancel := context.WithTimeout(context.Background(), t.archiveTimeout)
	defer acancel()
	loc, err := t.archiver.Archive(actx, jobID, messageID)
	if err != nil {
		telemetry.ArchiveFailures.Inc()
		t.logger.Warn("archive artifact", "job_id", jobID, "message_id", messageID, "error", err)
		return
	}
	telemetry.ArtifactsArchived.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()
	if err := t.recorder.SetArchiveLocation(ctx, jobID, loc); err != nil {
		t.logger.Error("record archive location", "job_id", jobID, "error", err)
	}
	t.audit(ctx, jobID, "archived", loc)
}

func (t *Tracker) audit(ctx context.Context, jobID, event, detail string) {
	if err := t.recorder.AppendAudit(ctx, jobID, event, detail); err != nil {
		t.logger.Error("append audit", "job_id", jobID, "event", event, "error", err)
	}
}

// Close stops waiting on unsettled jobs and blocks until every tracker
// goroutine has returned or ctx is done.
func (t *Tracker) Close(ctx context.Context) error {
	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
