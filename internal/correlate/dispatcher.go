package correlate

import (
	"context"
	"fmt"
	"time"

	"reply-correlator/internal/telemetry"
)

// Dispatcher sends generation requests and hands the resulting jobs to a
// poller. Only the embedded marker round-trips; the id the channel assigns to
// the outbound message is not used for correlation.
type Dispatcher struct {
	out    OutboundChannel
	poller *Poller
}

func NewDispatcher(out OutboundChannel, poller *Poller) *Dispatcher {
	return &Dispatcher{out: out, poller: poller}
}

// Dispatch sends content tagged with jobID and registers the job. A zero
// createdAt defaults to the send time. The returned job settles once the
// poller binds a reply or the job times out.
func (d *Dispatcher) Dispatch(ctx context.Context, content, jobID string, createdAt time.Time) (*Job, error) {
	if err := d.poller.registry.hold(jobID); err != nil {
		return nil, err
	}

	scheme := d.poller.matcher.Scheme
	if scheme == nil {
		scheme = BracketMarker{}
	}
	if _, err := d.out.Send(ctx, scheme.Embed(content, jobID)); err != nil {
		d.poller.registry.release(jobID)
		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}

	now := d.poller.now()
	if createdAt.IsZero() {
		createdAt = now
	}
	job := NewJob(jobID, now, createdAt, d.poller.cfg.JobTimeout)
	if err := d.poller.registry.registerHeld(job); err != nil {
		return nil, err
	}
	telemetry.JobsDispatched.Inc()

	if err := d.poller.Start(); err != nil {
		d.poller.registry.Settle(jobID, Outcome{Err: err, SettledAt: now})
		return nil, err
	}
	d.poller.logger.Debug("job dispatched", "job_id", jobID, "deadline", job.Deadline)
	return job, nil
}
