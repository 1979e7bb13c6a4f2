package correlate

import (
	"strings"
	"time"
)

// Candidate is an inbound message reduced to the fields matching needs.
type Candidate struct {
	ID         string
	Text       string
	Marker     string
	Timestamp  time.Time
	IsArtifact bool
}

// Binding is a proposed (job, candidate) pair awaiting a reservation.
type Binding struct {
	Job       *Job
	Candidate Candidate
	Method    Method
}

// Matcher decides bindings for one poll cycle. It never mutates jobs.
//
// The fallback phase binds by time proximity alone: the closest unmarked
// artifact inside the window wins, with no further confidence scoring. A
// wrong pairing is possible when two replies land close together; that risk
// is accepted in exchange for jobs whose marker the bot dropped.
type Matcher struct {
	Scheme            MarkerScheme
	ArtifactKind      MediaKind
	FallbackThreshold int
	FallbackWindow    time.Duration
}

// Candidates derives this cycle's candidates from a raw batch, preserving
// batch order.
func (m Matcher) Candidates(batch []InboundMessage) []Candidate {
	scheme := m.Scheme
	if scheme == nil {
		scheme = BracketMarker{}
	}
	kind := m.ArtifactKind
	if kind == "" {
		kind = MediaVideo
	}
	out := make([]Candidate, 0, len(batch))
	for _, msg := range batch {
		if msg.ID == "" {
			continue
		}
		text := strings.TrimSpace(strings.Join([]string{msg.Text, msg.Caption}, "\n"))
		marker, _ := scheme.Extract(text)
		out = append(out, Candidate{
			ID:         msg.ID,
			Text:       text,
			Marker:     marker,
			Timestamp:  msg.Timestamp,
			IsArtifact: msg.Media != nil && msg.Media.Kind == kind,
		})
	}
	return out
}

// MatchMarkers is phase A: bind artifact candidates whose marker names a
// pending job. Each job and each candidate is used at most once.
func (m Matcher) MatchMarkers(cands []Candidate, pending []*Job, reserved func(string) bool) []Binding {
	byID := make(map[string]*Job, len(pending))
	for _, j := range pending {
		byID[j.Marker] = j
	}
	bound := make(map[string]bool)
	var out []Binding
	for _, c := range cands {
		if !c.IsArtifact || c.Marker == "" || isReserved(reserved, c.ID) {
			continue
		}
		job, ok := byID[c.Marker]
		if !ok || bound[job.ID] {
			continue
		}
		bound[job.ID] = true
		out = append(out, Binding{Job: job, Candidate: c, Method: MethodMarker})
	}
	return out
}

// Eligible reports whether a job has waited enough cycles for fallback.
func (m Matcher) Eligible(j *Job) bool {
	return j.pollCount >= m.FallbackThreshold
}

// MatchFallback is phase B: for each eligible job in order, pick the unmarked
// artifact candidate closest to the job's reference time within the window.
// A picked candidate leaves the pool; exact ties go to the earlier candidate.
func (m Matcher) MatchFallback(cands []Candidate, pending []*Job, reserved func(string) bool) []Binding {
	pool := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.IsArtifact && c.Marker == "" && !isReserved(reserved, c.ID) {
			pool = append(pool, c)
		}
	}
	var out []Binding
	for _, job := range pending {
		if len(pool) == 0 {
			break
		}
		if !m.Eligible(job) {
			continue
		}
		ref := job.ReferenceTime()
		best := -1
		var bestDiff time.Duration
		for i, c := range pool {
			diff := absDuration(c.Timestamp.Sub(ref))
			if diff > m.FallbackWindow {
				continue
			}
			if best < 0 || diff < bestDiff {
				best, bestDiff = i, diff
			}
		}
		if best < 0 {
			continue
		}
		out = append(out, Binding{Job: job, Candidate: pool[best], Method: MethodTimestamp})
		pool = append(pool[:best], pool[best+1:]...)
	}
	return out
}

func isReserved(reserved func(string) bool, id string) bool {
	return reserved != nil && reserved(id)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
