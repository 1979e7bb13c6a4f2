package correlate

import (
	"sort"
	"sync"
)

// Registry holds the outstanding jobs of one poller.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
	// held ids are being dispatched and are not yet jobs.
	held map[string]struct{}
	seq  uint64
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job), held: make(map[string]struct{})}
}

// Register adds a job. It returns ErrJobAlreadyPending if the id is taken
// by a pending job or an in-flight dispatch.
func (r *Registry) Register(job *Job) error {
	if job == nil || job.ID == "" {
		return ErrInvalidJobID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.takenLocked(job.ID) {
		return ErrJobAlreadyPending
	}
	r.insertLocked(job)
	return nil
}

// hold reserves id for a dispatch that has not sent yet.
func (r *Registry) hold(id string) error {
	if id == "" {
		return ErrInvalidJobID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.takenLocked(id) {
		return ErrJobAlreadyPending
	}
	r.held[id] = struct{}{}
	return nil
}

func (r *Registry) release(id string) {
	r.mu.Lock()
	delete(r.held, id)
	r.mu.Unlock()
}

// registerHeld turns a held id into a pending job.
func (r *Registry) registerHeld(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[job.ID]; !ok {
		return ErrInvalidJobID
	}
	delete(r.held, job.ID)
	r.insertLocked(job)
	return nil
}

func (r *Registry) takenLocked(id string) bool {
	if _, ok := r.jobs[id]; ok {
		return true
	}
	_, ok := r.held[id]
	return ok
}

func (r *Registry) insertLocked(job *Job) {
	r.seq++
	job.seq = r.seq
	r.jobs[job.ID] = job
}

func (r *Registry) Lookup(jobID string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	return job, ok
}

// Settle removes the job and completes its future. Settling an absent or
// already settled job is a no-op and returns false.
func (r *Registry) Settle(jobID string, o Outcome) bool {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if ok {
		delete(r.jobs, jobID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return job.settle(o)
}

// Pending returns a snapshot of outstanding jobs in registration order.
func (r *Registry) Pending() []*Job {
	r.mu.Lock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].seq < out[b].seq })
	return out
}

// ForEachPending calls fn for every outstanding job in registration order.
// fn runs outside the registry lock and may call Settle.
func (r *Registry) ForEachPending(fn func(*Job)) {
	for _, j := range r.Pending() {
		fn(j)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *Registry) IsEmpty() bool { return r.Len() == 0 }
