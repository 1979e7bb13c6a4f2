package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reply-correlator/internal/config"
	"reply-correlator/internal/telemetry"
)

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithClock replaces time.Now for deadlines, dispatch stamps and sweeps.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithMarkerScheme swaps the marker convention used by both the poller and
// any dispatcher built on it.
func WithMarkerScheme(s MarkerScheme) Option {
	return func(p *Poller) { p.matcher.Scheme = s }
}

// WithTracer sets the tracer used for cycle and claim spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Poller) { p.tracer = t }
}

// CycleStats summarises one poll cycle.
type CycleStats struct {
	Fetched         int
	Candidates      int
	MarkerMatches   int
	FallbackMatches int
	Conflicts       int
	ClaimErrors     int
	TimedOut        int
	Err             error
}

// Poller is the single loop that scans the inbound channel and settles
// pending jobs. It idles while no job is pending; Start wakes it.
type Poller struct {
	cfg      config.Config
	reader   InboundReader
	gate     *Gate
	registry *Registry
	matcher  Matcher
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	cycleMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller builds an idle poller with its own registry.
func NewPoller(cfg config.Config, reader InboundReader, gate *Gate, opts ...Option) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 7 * time.Second
	}
	if cfg.InboundBatchSize <= 0 {
		cfg.InboundBatchSize = 100
	}
	if cfg.FallbackPollThreshold <= 0 {
		cfg.FallbackPollThreshold = 3
	}
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = 2 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		cfg:      cfg,
		reader:   reader,
		gate:     gate,
		registry: NewRegistry(),
		matcher: Matcher{
			Scheme:            BracketMarker{},
			ArtifactKind:      MediaKind(cfg.ArtifactKind),
			FallbackThreshold: cfg.FallbackPollThreshold,
			FallbackWindow:    cfg.FallbackWindow,
		},
		logger: slog.Default(),
		tracer: otel.Tracer("reply-correlator/correlate"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Poller) Registry() *Registry { return p.registry }

// Running reports whether a loop instance is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start launches the loop unless one is already running. It fails only after
// Stop.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPollerStopped
	}
	if p.running {
		return nil
	}
	p.running = true
	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop cancels the loop and waits for it to exit. Pending jobs stay
// unsettled.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) loop() {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll loop crashed", "panic", fmt.Sprint(r))
			p.setIdle()
		}
	}()

	// Unlike the fetch-then-wait step order, every cycle including the first
	// waits one interval before fetching: a reply cannot exist before the
	// request was sent.
	for {
		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			p.setIdle()
			return
		case <-timer.C:
		}
		p.RunCycle(p.ctx)
		if p.idleIfDone() {
			return
		}
	}
}

// idleIfDone flips to idle when nothing is pending. The check runs under
// p.mu so a Start racing with it either sees running or starts a new loop.
func (p *Poller) idleIfDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registry.IsEmpty() || p.ctx.Err() != nil {
		p.running = false
		return true
	}
	return false
}

func (p *Poller) setIdle() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// RunCycle performs one fetch, match, claim and sweep pass. Cycles never
// overlap. Transport errors are logged and reported in the stats only.
func (p *Poller) RunCycle(ctx context.Context) CycleStats {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "correlate.cycle")
	defer span.End()

	var stats CycleStats
	defer func() {
		telemetry.PollCycles.Inc()
		telemetry.CycleDuration.Observe(time.Since(started).Seconds())
		telemetry.PendingJobs.Set(float64(p.registry.Len()))
		span.SetAttributes(
			attribute.Int("batch.size", stats.Fetched),
			attribute.Int("matches.marker", stats.MarkerMatches),
			attribute.Int("matches.timestamp", stats.FallbackMatches),
			attribute.Int("jobs.timed_out", stats.TimedOut),
		)
	}()

	// Jobs registered after this snapshot wait for the next cycle: the batch
	// cannot hold their replies and their poll count must not move.
	snapshot := p.registry.Pending()
	if len(snapshot) == 0 {
		return stats
	}
	startedAt := p.now()

	batch, err := p.reader.FetchRecent(ctx, p.cfg.InboundBatchSize)
	if err != nil {
		stats.Err = fmt.Errorf("%w: %w", ErrFetchFailure, err)
		telemetry.FetchFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		p.logger.Warn("inbound fetch failed", "error", err)
	} else {
		stats.Fetched = len(batch)
		cands := p.matcher.Candidates(batch)
		stats.Candidates = len(cands)

		for _, b := range p.matcher.MatchMarkers(cands, p.live(snapshot, startedAt), p.gate.IsReserved) {
			p.claim(ctx, b, &stats)
		}

		pending := p.live(snapshot, startedAt)
		for _, j := range pending {
			j.pollCount++
		}
		for _, b := range p.matcher.MatchFallback(cands, pending, p.gate.IsReserved) {
			p.claim(ctx, b, &stats)
		}
	}

	p.sweep(&stats)
	return stats
}

func (p *Poller) claim(ctx context.Context, b Binding, stats *CycleStats) {
	ctx, span := p.tracer.Start(ctx, "correlate.claim", trace.WithAttributes(
		attribute.String("job.id", b.Job.ID),
		attribute.String("message.id", b.Candidate.ID),
		attribute.String("method", string(b.Method)),
	))
	defer span.End()

	ok, err := p.gate.TryClaim(ctx, b.Candidate.ID, b.Job.ID, b.Method)
	if err != nil {
		stats.ClaimErrors++
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		p.logger.Warn("reservation claim failed", "job_id", b.Job.ID, "message_id", b.Candidate.ID, "error", err)
		return
	}
	if !ok {
		stats.Conflicts++
		p.logger.Debug("reservation lost", "job_id", b.Job.ID, "message_id", b.Candidate.ID, "method", b.Method)
		return
	}

	settled := p.registry.Settle(b.Job.ID, Outcome{
		MessageID: b.Candidate.ID,
		Method:    b.Method,
		SettledAt: p.now(),
	})
	if !settled {
		return
	}
	switch b.Method {
	case MethodMarker:
		stats.MarkerMatches++
	case MethodTimestamp:
		stats.FallbackMatches++
	}
	telemetry.JobsMatched.WithLabelValues(string(b.Method)).Inc()
	p.logger.Info("job matched",
		"job_id", b.Job.ID,
		"message_id", b.Candidate.ID,
		"method", b.Method,
		"poll_count", b.Job.pollCount,
	)
}

// live filters a cycle snapshot down to jobs that are still registered and
// were not already past their deadline when the cycle began. Expired jobs
// are left for the sweep.
func (p *Poller) live(snapshot []*Job, at time.Time) []*Job {
	out := make([]*Job, 0, len(snapshot))
	for _, j := range snapshot {
		if !at.Before(j.Deadline) {
			continue
		}
		if cur, ok := p.registry.Lookup(j.ID); ok && cur == j {
			out = append(out, j)
		}
	}
	return out
}

// sweep fails every pending job whose deadline has been reached.
func (p *Poller) sweep(stats *CycleStats) {
	now := p.now()
	p.registry.ForEachPending(func(j *Job) {
		if now.Before(j.Deadline) {
			return
		}
		if p.registry.Settle(j.ID, Outcome{Err: ErrTimeout, SettledAt: now}) {
			stats.TimedOut++
			telemetry.JobsTimedOut.Inc()
			p.logger.Warn("job timed out", "job_id", j.ID, "poll_count", j.pollCount, "deadline", j.Deadline)
		}
	})
}
