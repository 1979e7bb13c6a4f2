package correlate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reply-correlator/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeReader struct {
	mu    sync.Mutex
	msgs  []InboundMessage
	err   error
	calls int
	limit int
}

func (r *fakeReader) FetchRecent(_ context.Context, limit int) ([]InboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.limit = limit
	if r.err != nil {
		return nil, r.err
	}
	out := make([]InboundMessage, len(r.msgs))
	copy(out, r.msgs)
	return out, nil
}

func (r *fakeReader) add(m InboundMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *fakeReader) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// memReservations is a process-shared first-writer-wins store.
type memReservations struct {
	mu     sync.Mutex
	owners map[string]string
	err    error
	claims int
}

func newMemReservations() *memReservations {
	return &memReservations{owners: map[string]string{}}
}

func (s *memReservations) TryReserve(_ context.Context, messageID, jobID string, _ Method) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.err != nil {
		return false, s.err
	}
	if owner, ok := s.owners[messageID]; ok {
		return owner == jobID, nil
	}
	s.owners[messageID] = jobID
	return true, nil
}

func (s *memReservations) ListReserved(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.owners))
	for id := range s.owners {
		ids = append(ids, id)
	}
	return ids, nil
}

func testConfig() config.Config {
	return config.Config{
		PollInterval:          7 * time.Second,
		FallbackPollThreshold: 3,
		FallbackWindow:        120 * time.Second,
		JobTimeout:            30 * time.Minute,
		InboundBatchSize:      100,
		ArtifactKind:          "video",
	}
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestPoller(t *testing.T, reader InboundReader, store ReservationStore, clock *fakeClock) *Poller {
	t.Helper()
	p := NewPoller(testConfig(), reader, NewGate(store), WithClock(clock.Now), WithLogger(quietLogger))
	t.Cleanup(p.Stop)
	return p
}

// register adds a job at the current clock without starting the loop, so
// tests drive cycles by hand.
func register(t *testing.T, p *Poller, id string) *Job {
	t.Helper()
	now := p.now()
	job := NewJob(id, now, now, p.cfg.JobTimeout)
	if err := p.registry.Register(job); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return job
}

func video(id string, at time.Time, text string) InboundMessage {
	return InboundMessage{ID: id, Text: text, Timestamp: at, Media: &MediaDescriptor{Kind: MediaVideo, MimeType: "video/mp4"}}
}

func mustOutcome(t *testing.T, j *Job) Outcome {
	t.Helper()
	o, ok := j.Outcome()
	if !ok {
		t.Fatalf("job %s not settled", j.ID)
	}
	return o
}

func TestMarkerMatchLeavesOtherJobPending(t *testing.T) {
	clock := &fakeClock{now: t0}
	reader := &fakeReader{}
	p := newTestPoller(t, reader, newMemReservations(), clock)

	a := register(t, p, "a1")
	clock.Advance(time.Second)
	b := register(t, p, "b1")
	clock.Advance(20 * time.Second)
	reader.add(video("500", clock.Now(), "here it is [JOB_ID: a1]"))

	stats := p.RunCycle(context.Background())
	if stats.MarkerMatches != 1 || stats.FallbackMatches != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	o := mustOutcome(t, a)
	if o.Method != MethodMarker || o.MessageID != "500" {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if _, ok := b.Outcome(); ok {
		t.Fatalf("b1 must remain pending")
	}
	if _, ok := p.Registry().Lookup("b1"); !ok {
		t.Fatalf("b1 must still be registered")
	}
	if reader.limit != 100 {
		t.Fatalf("expected batch limit 100 got %d", reader.limit)
	}
}

func TestFallbackAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: t0}
	reader := &fakeReader{}
	p := newTestPoller(t, reader, newMemReservations(), clock)

	c := register(t, p, "c1")
	reader.add(video("900", t0.Add(90*time.Second), "your video"))

	for cycle := 1; cycle <= 2; cycle++ {
		clock.Advance(7 * time.Second)
		p.RunCycle(context.Background())
		if _, ok := c.Outcome(); ok {
			t.Fatalf("c1 settled early on cycle %d", cycle)
		}
		if c.pollCount != cycle {
			t.Fatalf("expected pollCount %d got %d", cycle, c.pollCount)
		}
	}

	clock.Advance(7 * time.Second)
	stats := p.RunCycle(context.Background())
	if stats.FallbackMatches != 1 {
		t.Fatalf("expected fallback match on third cycle got %+v", stats)
	}
	o := mustOutcome(t, c)
	if o.Method != MethodTimestamp || o.MessageID != "900" || o.PollCount != 3 {
		t.Fatalf("unexpected outcome %+v", o)
	}
}

func TestMarkerWinsBeforeThreshold(t *testing.T) {
	clock := &fakeClock{now: t0}
	reader := &fakeReader{}
	p := newTestPoller(t, reader, newMemReservations(), clock)

	j := register(t, p, "j1")
	reader.add(video("10", t0.Add(5*time.Second), "unmarked"))
	clock.Advance(7 * time.Second)
	p.RunCycle(context.Background())
	clock.Advance(7 * time.Second)
	p.RunCycle(context.Background())

	reader.add(video("11", t0.Add(15*time.Second), "[JOB_ID: j1]"))
	clock.Advance(7 * time.Second)
	p.RunCycle(context.Background())

	o := mustOutcome(t, j)
	if o.Method != MethodMarker || o.MessageID != "11" {
		t.Fatalf("marker must take priority over fallback, got %+v", o)
	}
}

func TestTimeoutSweep(t *testing.T) {
	clock := &fakeClock{now: t0}
	reader := &fakeReader{}
	p := newTestPoller(t, reader, newMemReservations(), clock)

	d := register(t, p, "d1")
	clock.Advance(30*time.Minute - time.Millisecond)
	p.RunCycle(context.Background())
	if _, ok := d.Outcome(); ok {
		t.Fatalf("d1 settled before its deadline")
	}

	clock.Advance(time.Millisecond)
	stats := p.RunCycle(context.Background())
	if stats.TimedOut != 1 {
		t.Fatalf("expected one timeout got %+v", stats)
	}
	o, err := d.Wait(context.Background())
	if !errors.Is(err, ErrTimeout) || o.Matched() {
		t.Fatalf("expected timeout outcome got %+v err=%v", o, err)
	}
	if !p.Registry().IsEmpty() {
		t.Fatalf("timed out job must leave the registry")
	}
}

func TestExpiredJobTimesOutDespiteMarkedReply(t *testing.T) {
	clock := &fakeClock{now: t0}
	reader := &fakeReader{}
	store := newMemReservations()
	p := newTestPoller(t, reader, store, clock)

	d := register(t, p, "d1")
	clock.Advance(31 * time.Minute)
	reader.add(video("late", clock.Now(), "[JOB_ID: d1]"))
	stats := p.RunCycle(context.Background())

	if o := mustOutcome(t, d); !errors.Is(o.Err, ErrTimeout) || o.Matched() {
		t.Fatalf("expected timeout got %+v", o)
	}
	if stats.MarkerMatches != 0 || stats.TimedOut != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if store.claims != 0 {
		t.Fatalf("an expired job must not claim messages, got %d claims", store.claims)
	}
}

func TestExpiredJobSkipsFallback(t *testing.T) {
	clock := &fakeClock{now: t0}
	reader := &fakeReader{}
	p := newTestPoller(t, reader, newMemReservations(), clock)

	d := register(t, p, "d1")
	d.pollCount = 10
	clock.Advance(30 * time.Minute)
	reader.add(video("near", t0.Add(time.Second), ""))
	p.RunCycle(context.Background())
	if o := mustOutcome(t, d); !errors.Is(o.Err, ErrTimeout) {
		t.Fatalf("expected timeout got %+v", o)
	}
}

// registeringReader registers a job while its fetch is in flight.
type registeringReader struct {
	fakeReader
	onFetch func()
}

func (r *registeringReader) FetchRecent(ctx context.Context, limit int) ([]InboundMessage, error) {
	if r.onFetch != nil {
		r.onFetch()
		r.onFetch = nil
	}
	return r.fakeReader.FetchRecent(ctx, limit)
}

func TestJobRegisteredDuringFetchWaitsForNextCycle(t *testing.T) {
	clock := &fakeClock{now: t0}
	reader := &registeringReader{}
	p := newTestPoller(t, reader, newMemReservations(), clock)

	early := register(t, p, "early")
	var late *Job
	reader.onFetch = func() { late = register(t, p, "late") }
	reader.add(video("m1", t0, "[JOB_ID: late]"))

	p.RunCycle(context.Background())
	if early.pollCount != 1 {
		t.Fatalf("expected early pollCount 1 got %d", early.pollCount)
	}
	if late.pollCount != 0 {
		t.Fatalf("job registered mid-fetch must not be counted, got %d", late.pollCount)
	}
	if _, ok := late.Outcome(); ok {
		t.Fatalf("job registered mid-fetch must not match the in-flight batch")
	}

	p.RunCycle(context.Background())
	if o := mustOutcome(t, late); o.MessageID != "m1" || o.PollCount != 0 {
		t.Fatalf("expected marker match on the next cycle got %+v", o)
	}
}

func TestFetchFailureChangesNothingButDeadlines(t *testing.T) {
	clock := &fakeClock{now: t0}
	reader := &fakeReader{}
	p := newTestPoller(t, reader, newMemReservations(), clock)

	live := register(t, p, "live")
	reader.setErr(errors.New("connection reset"))
	clock.Advance(7 * time.Second)
	stats := p.RunCycle(context.Background())
	if !errors.Is(stats.Err, ErrFetchFailure) {
		t.Fatalf("expected ErrFetchFailure got %v", stats.Err)
	}
	if live.pollCount != 0 {
		t.Fatalf("failed fetch must not count as a poll, got %d", live.pollCount)
	}
	if _, ok := live.Outcome(); ok {
		t.Fatalf("job must stay pending")
	}

	clock.Advance(time.Hour)
	p.RunCycle(context.Background())
	if o := mustOutcome(t, live); !errors.Is(o.Err, ErrTimeout) {
		t.Fatalf("deadline must still apply while fetches fail, got %+v", o)
	}
}

func TestClaimErrorLeavesJobPendingAndUncached(t *testing.T) {
	clock := &fakeClock{now: t0}
	reader := &fakeReader{}
	store := newMemReservations()
	store.err = errors.New("redis down")
	p := newTestPoller(t, reader, store, clock)

	j := register(t, p, "j1")
	reader.add(video("7", t0, "[JOB_ID: j1]"))
	stats := p.RunCycle(context.Background())
	if stats.ClaimErrors != 1 {
		t.Fatalf("expected claim error got %+v", stats)
	}
	if _, ok := j.Outcome(); ok {
		t.Fatalf("job must stay pending after a store error")
	}
	if p.gate.IsReserved("7") {
		t.Fatalf("store errors must not populate the cache")
	}

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	p.RunCycle(context.Background())
	if o := mustOutcome(t, j); o.MessageID != "7" {
		t.Fatalf("expected match on retry got %+v", o)
	}
}

func TestLostRaceCachesAndRetriesWithSmallerPool(t *testing.T) {
	clock := &fakeClock{now: t0}
	reader := &fakeReader{}
	store := newMemReservations()
	p := newTestPoller(t, reader, store, clock)

	j := register(t, p, "j1")
	j.pollCount = 3
	reader.add(video("taken", t0.Add(time.Second), ""))
	reader.add(video("free", t0.Add(30*time.Second), ""))
	// Another process reserved "taken" after this gate was warmed.
	store.owners["taken"] = "elsewhere"

	stats := p.RunCycle(context.Background())
	if stats.Conflicts != 1 {
		t.Fatalf("expected a lost claim got %+v", stats)
	}
	if !p.gate.IsReserved("taken") {
		t.Fatalf("lost claims must be cached")
	}
	if _, ok := j.Outcome(); ok {
		t.Fatalf("job must stay pending after losing")
	}

	before := store.claims
	p.RunCycle(context.Background())
	if o := mustOutcome(t, j); o.MessageID != "free" {
		t.Fatalf("expected next-closest candidate got %+v", o)
	}
	if store.claims != before+1 {
		t.Fatalf("cached id must not be claimed again")
	}
}

func TestNoDoubleClaimAcrossProcesses(t *testing.T) {
	clock := &fakeClock{now: t0}
	shared := newMemReservations()
	reader := &fakeReader{}
	reader.add(video("contested", t0.Add(10*time.Second), ""))

	p1 := newTestPoller(t, reader, shared, clock)
	p2 := newTestPoller(t, reader, shared, clock)
	j1 := register(t, p1, "x1")
	j2 := register(t, p2, "x2")
	j1.pollCount, j2.pollCount = 3, 3

	p1.RunCycle(context.Background())
	p2.RunCycle(context.Background())
	p1.RunCycle(context.Background())
	p2.RunCycle(context.Background())

	_, ok1 := j1.Outcome()
	_, ok2 := j2.Outcome()
	if !ok1 || ok2 {
		t.Fatalf("exactly the first claimer must settle: x1=%v x2=%v", ok1, ok2)
	}
	if shared.owners["contested"] != "x1" {
		t.Fatalf("unexpected owner %q", shared.owners["contested"])
	}
}

func TestWarmedCacheSkipsProposals(t *testing.T) {
	clock := &fakeClock{now: t0}
	store := newMemReservations()
	store.owners["old"] = "previous-run"
	reader := &fakeReader{}
	reader.add(video("old", t0, "[JOB_ID: j1]"))
	p := newTestPoller(t, reader, store, clock)
	if n, err := p.gate.Warm(context.Background()); err != nil || n != 1 {
		t.Fatalf("warm: n=%d err=%v", n, err)
	}

	register(t, p, "j1")
	for i := 0; i < 3; i++ {
		p.RunCycle(context.Background())
	}
	if store.claims != 0 {
		t.Fatalf("reserved ids must never be proposed, got %d claims", store.claims)
	}
}

// panicOnceReader panics on its first fetch.
type panicOnceReader struct {
	fakeReader
	fired atomic.Bool
}

func (r *panicOnceReader) FetchRecent(ctx context.Context, limit int) ([]InboundMessage, error) {
	if r.fired.CompareAndSwap(false, true) {
		panic("decoder bug")
	}
	return r.fakeReader.FetchRecent(ctx, limit)
}

type sinkChannel struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (c *sinkChannel) Send(_ context.Context, content string) (SentMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return SentMessage{}, c.err
	}
	c.sent = append(c.sent, content)
	return SentMessage{ID: "out", Timestamp: time.Now()}, nil
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastPoller(t *testing.T, reader InboundReader) *Poller {
	t.Helper()
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	p := NewPoller(cfg, reader, NewGate(newMemReservations()), WithLogger(quietLogger))
	t.Cleanup(p.Stop)
	return p
}

func TestLoopLifecycle(t *testing.T) {
	reader := &fakeReader{}
	p := fastPoller(t, reader)
	d := NewDispatcher(&sinkChannel{}, p)

	if p.Running() {
		t.Fatalf("poller must start idle")
	}
	job, err := d.Dispatch(context.Background(), "a cat", "l1", time.Time{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("second start must be a no-op: %v", err)
	}
	reader.add(video("1", time.Now(), "[JOB_ID: l1]"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if o, err := job.Wait(ctx); err != nil || o.Method != MethodMarker {
		t.Fatalf("wait: %+v err=%v", o, err)
	}
	eventually(t, func() bool { return !p.Running() }, "loop to go idle")

	job2, err := d.Dispatch(context.Background(), "a dog", "l2", time.Time{})
	if err != nil {
		t.Fatalf("dispatch after idle: %v", err)
	}
	if !p.Running() {
		t.Fatalf("registration must restart the loop")
	}
	reader.add(video("2", time.Now(), "[JOB_ID: l2]"))
	if _, err := job2.Wait(ctx); err != nil {
		t.Fatalf("wait after restart: %v", err)
	}

	p.Stop()
	if err := p.Start(); !errors.Is(err, ErrPollerStopped) {
		t.Fatalf("expected ErrPollerStopped got %v", err)
	}
}

func TestLoopRecoversFromPanic(t *testing.T) {
	reader := &panicOnceReader{}
	p := fastPoller(t, reader)
	d := NewDispatcher(&sinkChannel{}, p)

	first, err := d.Dispatch(context.Background(), "x", "p1", time.Time{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	eventually(t, func() bool { return reader.fired.Load() && !p.Running() }, "crashed loop to exit")
	if _, ok := first.Outcome(); ok {
		t.Fatalf("crash must not settle jobs")
	}

	reader.add(video("1", time.Now(), "[JOB_ID: p1]"))
	reader.add(video("2", time.Now(), "[JOB_ID: p2]"))
	second, err := d.Dispatch(context.Background(), "y", "p2", time.Time{})
	if err != nil {
		t.Fatalf("dispatch after crash: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := first.Wait(ctx); err != nil {
		t.Fatalf("first job after restart: %v", err)
	}
	if _, err := second.Wait(ctx); err != nil {
		t.Fatalf("second job after restart: %v", err)
	}
}

func TestLoopWaitsBeforeFirstFetch(t *testing.T) {
	reader := &fakeReader{}
	cfg := testConfig()
	cfg.PollInterval = 200 * time.Millisecond
	p := NewPoller(cfg, reader, NewGate(newMemReservations()), WithLogger(quietLogger))
	t.Cleanup(p.Stop)
	d := NewDispatcher(&sinkChannel{}, p)

	if _, err := d.Dispatch(context.Background(), "x", "w1", time.Time{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	reader.mu.Lock()
	calls := reader.calls
	reader.mu.Unlock()
	if calls != 0 {
		t.Fatalf("loop must wait one interval before its first fetch, got %d fetches", calls)
	}
	eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return reader.calls > 0
	}, "first fetch")
}
