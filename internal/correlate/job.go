package correlate

import (
	"context"
	"sync"
	"time"
)

// Method records how a reply was bound to a job.
type Method string

const (
	MethodMarker    Method = "marker"
	MethodTimestamp Method = "timestamp"
)

// Outcome is the settled result of a job. Err is nil for a match and
// ErrTimeout when the deadline passed.
type Outcome struct {
	JobID     string    `json:"job_id"`
	MessageID string    `json:"message_id,omitempty"`
	Method    Method    `json:"method,omitempty"`
	PollCount int       `json:"poll_count"`
	SettledAt time.Time `json:"settled_at"`
	Err       error     `json:"-"`
}

// Matched reports whether the outcome carries a bound message.
func (o Outcome) Matched() bool { return o.Err == nil && o.MessageID != "" }

// Job is one outstanding correlation request. The exported fields are fixed
// at dispatch; poll counting and settlement belong to the poller.
type Job struct {
	ID        string
	Marker    string
	SentAt    time.Time
	CreatedAt time.Time
	Deadline  time.Time

	pollCount int
	seq       uint64

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

// NewJob builds an unsettled job. Dispatch is the usual constructor; this is
// exposed for callers that send through their own path.
func NewJob(id string, sentAt, createdAt time.Time, timeout time.Duration) *Job {
	return &Job{
		ID:        id,
		Marker:    id,
		SentAt:    sentAt,
		CreatedAt: createdAt,
		Deadline:  sentAt.Add(timeout),
		done:      make(chan struct{}),
	}
}

// ReferenceTime is the instant fallback candidates are measured against.
func (j *Job) ReferenceTime() time.Time {
	if j.CreatedAt.After(j.SentAt) {
		return j.CreatedAt
	}
	return j.SentAt
}

// Done is closed once the job settles.
func (j *Job) Done() <-chan struct{} { return j.done }

// Outcome returns the settled outcome and true, or false while unsettled.
func (j *Job) Outcome() (Outcome, bool) {
	select {
	case <-j.done:
		return j.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the job settles or ctx is done. A timed-out job returns
// its outcome together with ErrTimeout.
func (j *Job) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-j.done:
		return j.outcome, j.outcome.Err
	}
}

func (j *Job) settle(o Outcome) bool {
	settled := false
	j.once.Do(func() {
		o.JobID = j.ID
		o.PollCount = j.pollCount
		j.outcome = o
		close(j.done)
		settled = true
	})
	return settled
}
