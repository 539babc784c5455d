package pacing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/broadcast-engine/internal/compliance"
	"github.com/unclebandit/broadcast-engine/internal/delivery"
	"github.com/unclebandit/broadcast-engine/internal/logging"
	"github.com/unclebandit/broadcast-engine/internal/media"
	"github.com/unclebandit/broadcast-engine/internal/model"
	"github.com/unclebandit/broadcast-engine/internal/provider"
	"github.com/unclebandit/broadcast-engine/internal/repository"
)

// storeControl drives the store directly, standing in for the campaign service.
type storeControl struct {
	store *repository.MemoryStore
}

func (s storeControl) Snapshot(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.store.GetByID(ctx, id)
}

func (s storeControl) NextPendingJob(ctx context.Context, id int64) (*model.RecipientJob, error) {
	return s.store.NextPendingJob(ctx, id)
}

func (s storeControl) ClaimJob(ctx context.Context, id int64, index int) (bool, error) {
	return s.store.ClaimJob(ctx, id, index)
}

func (s storeControl) CompleteIfDone(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.store.CompleteIfDone(ctx, id, time.Now())
}

func (s storeControl) FailCampaign(ctx context.Context, id int64, reason string) error {
	_, _, _, err := s.store.Terminate(ctx, id, []model.CampaignStatus{model.StatusRunning},
		model.StatusFailed, reason, "campaign failed: "+reason, time.Now())
	return err
}

func (s storeControl) ListRunning(ctx context.Context) ([]*model.Campaign, error) {
	return s.store.ListByStatus(ctx, model.StatusRunning)
}

func (s storeControl) RecordOutcome(ctx context.Context, e *model.DeliveryLogEntry) (*model.Campaign, error) {
	return s.store.CompleteJob(ctx, e)
}

const interrupted = "interrupted before the outcome was recorded"

func (s storeControl) RecoverInterrupted(ctx context.Context, id int64) (int, error) {
	return s.store.FailInFlight(ctx, id, interrupted, time.Now())
}

func (s storeControl) ListInterrupted(ctx context.Context) ([]int64, error) {
	return s.store.ListInFlight(ctx)
}

type harness struct {
	store     *repository.MemoryStore
	contacts  *repository.MemoryContacts
	templates *repository.MemoryTemplates
	prov      *provider.MockProvider
	clock     Clock
	limiter   Limiter
	sched     *Scheduler
}

func newHarness(t *testing.T, pt provider.Type, clock Clock, limiter Limiter) *harness {
	t.Helper()
	h := &harness{
		store:     repository.NewMemoryStore(),
		contacts:  repository.NewMemoryContacts(),
		templates: repository.NewMemoryTemplates(),
		prov:      provider.NewMockProvider(logging.Discard(), pt, "inst", 0),
		clock:     clock,
		limiter:   limiter,
	}
	if h.limiter == nil {
		h.limiter = NewInstanceLimiter(4, 0, 0, clock)
	}
	h.sched = h.scheduler(t)
	return h
}

// scheduler builds another scheduler over the harness store, as a second
// worker process would.
func (h *harness) scheduler(t *testing.T, opts ...func(*Deps)) *Scheduler {
	t.Helper()
	ctl := storeControl{store: h.store}
	deps := Deps{
		Control:   ctl,
		Providers: provider.NewRegistry(h.prov),
		Gate:      compliance.NewGate(logging.Discard(), h.contacts, h.templates, 0, nil),
		Executor:  delivery.NewExecutor(logging.Discard(), ctl, media.NewMemoryStore(), time.Second),
		Limiter:   h.limiter,
		Clock:     h.clock,
		DelayUnit: time.Millisecond,
		Rand:      func() float64 { return 0.5 },
	}
	for _, opt := range opts {
		opt(&deps)
	}
	sched := NewScheduler(logging.Discard(), deps)
	t.Cleanup(func() {
		for id := int64(1); id <= 10; id++ {
			sched.Stop(id)
		}
		sched.Wait()
	})
	return sched
}

func withLeases(l Leaser) func(*Deps) {
	return func(d *Deps) { d.Leases = l }
}

func (h *harness) running(t *testing.T, delayMin, delayMax int, phones ...string) int64 {
	t.Helper()
	ctx := context.Background()
	c := &model.Campaign{
		BusinessID: "biz", Name: "promo", ContentType: model.ContentText, Text: "Hola {{1}}",
		DelayMin: delayMin, DelayMax: delayMax, Status: model.StatusDraft,
	}
	jobs := make([]model.RecipientJob, len(phones))
	for i, p := range phones {
		jobs[i] = model.RecipientJob{Phone: p, Variables: []string{p}}
	}
	require.NoError(t, h.store.Create(ctx, c, jobs))
	_, ok, err := h.store.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusDraft, model.StatusPaused}, model.StatusRunning, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	return c.ID
}

func (h *harness) get(t *testing.T, id int64) *model.Campaign {
	c, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func sentTo(p *provider.MockProvider) []string {
	var out []string
	for _, m := range p.Sent() {
		out = append(out, m.To)
	}
	return out
}

func TestScheduler_DeliversInOrderAndCompletes(t *testing.T) {
	h := newHarness(t, provider.TypeSession, RealClock{}, nil)
	id := h.running(t, 1, 3, "111", "222", "333")

	h.sched.Launch(context.Background(), id)
	h.sched.Wait()

	c := h.get(t, id)
	assert.Equal(t, model.StatusCompleted, c.Status)
	assert.Equal(t, 3, c.SentCount)
	assert.Zero(t, c.Pending())
	assert.Equal(t, []string{"111", "222", "333"}, sentTo(h.prov))
	assert.Equal(t, "Hola 111", h.prov.Sent()[0].Text)
	assert.Zero(t, h.sched.Active())
}

func TestScheduler_PauseAndResume(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	h := newHarness(t, provider.TypeSession, clock, nil)
	id := h.running(t, 10, 10, "111", "222", "333")
	ctx := context.Background()

	h.sched.Launch(ctx, id)
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)
	assert.Len(t, h.prov.Sent(), 1, "a fresh start sends immediately")

	_, ok, _ := h.store.Transition(ctx, id, []model.CampaignStatus{model.StatusRunning}, model.StatusPaused, time.Now())
	require.True(t, ok)
	h.sched.Stop(id)
	h.sched.Wait()

	c := h.get(t, id)
	assert.Equal(t, model.StatusPaused, c.Status)
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, 2, c.Pending())
	// fire the abandoned timer of the stopped loop
	clock.Advance(10 * time.Millisecond)
	require.Zero(t, clock.Waiters())

	_, ok, _ = h.store.Transition(ctx, id, []model.CampaignStatus{model.StatusPaused}, model.StatusRunning, time.Now())
	require.True(t, ok)
	h.sched.Launch(ctx, id)

	// A resumed loop waits a fresh delay before its first send.
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)
	assert.Len(t, h.prov.Sent(), 1)

	for i := 0; i < 3 && h.sched.Active() > 0; i++ {
		clock.Advance(10 * time.Millisecond)
		require.Eventually(t, func() bool { return clock.Waiters() == 1 || h.sched.Active() == 0 }, time.Second, time.Millisecond)
	}
	h.sched.Wait()

	c = h.get(t, id)
	assert.Equal(t, model.StatusCompleted, c.Status)
	assert.Equal(t, []string{"111", "222", "333"}, sentTo(h.prov))
}

func TestScheduler_CancelDuringDelay(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	h := newHarness(t, provider.TypeSession, clock, nil)
	id := h.running(t, 10, 20, "111", "222", "333")
	ctx := context.Background()

	h.sched.Launch(ctx, id)
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)

	_, skipped, ok, err := h.store.Terminate(ctx, id,
		[]model.CampaignStatus{model.StatusRunning, model.StatusPaused}, model.StatusCancelled, "", "campaign cancelled", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	h.sched.Stop(id)
	h.sched.Wait()

	c := h.get(t, id)
	assert.Equal(t, 2, skipped)
	assert.Equal(t, model.StatusCancelled, c.Status)
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, 2, c.SkippedCount)
	assert.Len(t, h.prov.Sent(), 1)
}

func TestScheduler_UnavailableFailsCampaign(t *testing.T) {
	h := newHarness(t, provider.TypeSession, RealClock{}, nil)
	h.prov.Fail("111", provider.ErrUnavailable, "instance logged out")
	id := h.running(t, 0, 0, "111", "222", "333")

	h.sched.Launch(context.Background(), id)
	h.sched.Wait()

	c := h.get(t, id)
	assert.Equal(t, model.StatusFailed, c.Status)
	assert.Equal(t, 1, c.FailedCount)
	assert.Equal(t, 2, c.SkippedCount)
	assert.Contains(t, c.FailureReason, "instance logged out")
}

func TestScheduler_TransientFailureContinues(t *testing.T) {
	h := newHarness(t, provider.TypeSession, RealClock{}, nil)
	h.prov.Fail("222", provider.ErrTransient, "timeout")
	id := h.running(t, 0, 1, "111", "222", "333")

	h.sched.Launch(context.Background(), id)
	h.sched.Wait()

	c := h.get(t, id)
	assert.Equal(t, model.StatusCompleted, c.Status)
	assert.Equal(t, 2, c.SentCount)
	assert.Equal(t, 1, c.FailedCount)
}

func TestScheduler_SkippedJobsTakeNoDelay(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	h := newHarness(t, provider.TypeCloud, clock, nil)
	id := h.running(t, 60, 60, "111", "222", "333")

	h.sched.Launch(context.Background(), id)
	h.sched.Wait()

	c := h.get(t, id)
	assert.Equal(t, model.StatusCompleted, c.Status)
	assert.Equal(t, 3, c.SkippedCount)
	assert.Empty(t, h.prov.Sent())

	logs, _, _ := h.store.ListLogs(context.Background(), id, 10, 0)
	require.Len(t, logs, 3)
	assert.Equal(t, compliance.ReasonOutsideWindow, *logs[0].Error)
}

func TestScheduler_LaunchIsIdempotent(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	h := newHarness(t, provider.TypeSession, clock, nil)
	id := h.running(t, 10, 10, "111", "222")

	h.sched.Launch(context.Background(), id)
	h.sched.Launch(context.Background(), id)
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, h.sched.Active())
	assert.Len(t, h.prov.Sent(), 1)
}

func TestScheduler_InstanceConcurrencyCap(t *testing.T) {
	limiter := NewInstanceLimiter(2, 0, 0, nil)
	h := newHarness(t, provider.TypeSession, RealClock{}, limiter)
	h.prov.SimulatedDelay = 15 * time.Millisecond

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, h.running(t, 0, 0, "111", "222", "333"))
	}
	for _, id := range ids {
		h.sched.Launch(context.Background(), id)
	}
	h.sched.Wait()

	assert.LessOrEqual(t, h.prov.MaxInFlight(), 2)
	assert.Len(t, h.prov.Sent(), 15)
	for _, id := range ids {
		assert.Equal(t, model.StatusCompleted, h.get(t, id).Status)
	}
}

func TestScheduler_ResumeRunning(t *testing.T) {
	h := newHarness(t, provider.TypeSession, RealClock{}, nil)
	a := h.running(t, 0, 0, "111")
	b := h.running(t, 0, 0, "222")

	n, err := h.sched.ResumeRunning(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.sched.Wait()

	assert.Equal(t, model.StatusCompleted, h.get(t, a).Status)
	assert.Equal(t, model.StatusCompleted, h.get(t, b).Status)
}

func TestScheduler_TwoSchedulersNeverShareACampaign(t *testing.T) {
	h := newHarness(t, provider.TypeSession, RealClock{}, nil)
	h.prov.SimulatedDelay = 5 * time.Millisecond
	leases := NewLocalLeaser()
	a := h.scheduler(t, withLeases(leases))
	b := h.scheduler(t, withLeases(leases))
	id := h.running(t, 0, 0, "111", "222", "333", "444", "555")
	ctx := context.Background()

	na, err := a.ResumeRunning(ctx)
	require.NoError(t, err)
	nb, err := b.ResumeRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, na+nb)

	a.Wait()
	b.Wait()

	c := h.get(t, id)
	assert.Equal(t, model.StatusCompleted, c.Status)
	assert.Equal(t, 5, c.SentCount)
	assert.Zero(t, c.FailedCount, "no live send was failed as interrupted")
	assert.Equal(t, []string{"111", "222", "333", "444", "555"}, sentTo(h.prov))
	assert.Equal(t, 1, h.prov.MaxInFlight())
	assert.False(t, leases.Held(id))
}

func TestScheduler_LeasedCampaignIsLeftToItsOwner(t *testing.T) {
	leases := NewLocalLeaser()
	h := newHarness(t, provider.TypeSession, RealClock{}, nil)
	sched := h.scheduler(t, withLeases(leases))
	id := h.running(t, 0, 0, "111", "222", "333")
	ctx := context.Background()

	// another worker holds the campaign and is mid-send on the first job
	lease, ok, err := leases.TryAcquire(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	claimed, err := h.store.ClaimJob(ctx, id, 0)
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := sched.ResumeRunning(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	sched.Launch(ctx, id)
	sched.Wait()

	assert.Empty(t, h.prov.Sent())
	inFlight, err := h.store.CountInFlight(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, inFlight, "the owner's send is left alone")
	assert.Equal(t, model.StatusRunning, h.get(t, id).Status)

	// the owner dies without recording its outcome
	require.NoError(t, lease.Release(ctx))
	n, err = sched.ResumeRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sched.Wait()

	c := h.get(t, id)
	assert.Equal(t, model.StatusCompleted, c.Status)
	assert.Equal(t, 1, c.FailedCount)
	assert.Equal(t, 2, c.SentCount)
	assert.Equal(t, []string{"222", "333"}, sentTo(h.prov))
	logs, _, _ := h.store.ListLogs(ctx, id, 10, 0)
	require.Len(t, logs, 3)
	assert.Equal(t, interrupted, *logs[0].Error)
}

func TestScheduler_RecoverOrphansSkipsLeasedCampaigns(t *testing.T) {
	leases := NewLocalLeaser()
	h := newHarness(t, provider.TypeSession, RealClock{}, nil)
	sched := h.scheduler(t, withLeases(leases))
	ctx := context.Background()

	orphan := h.running(t, 0, 0, "111", "222")
	owned := h.running(t, 0, 0, "333", "444")
	for _, id := range []int64{orphan, owned} {
		ok, err := h.store.ClaimJob(ctx, id, 0)
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = h.store.Transition(ctx, id, []model.CampaignStatus{model.StatusRunning}, model.StatusPaused, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, ok, err := leases.TryAcquire(ctx, owned)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := sched.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := h.store.ListInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{owned}, left)
	assert.Equal(t, 1, h.get(t, orphan).FailedCount)
	assert.False(t, leases.Held(orphan))
}

func TestScheduler_ConsecutiveTransientFailuresFailCampaign(t *testing.T) {
	h := newHarness(t, provider.TypeSession, RealClock{}, nil)
	sched := h.scheduler(t, func(d *Deps) { d.FatalAfter = 2 })
	for _, phone := range []string{"111", "222", "333", "444"} {
		h.prov.Fail(phone, provider.ErrTransient, "dial tcp 10.0.0.9:8080: i/o timeout")
	}
	id := h.running(t, 0, 0, "111", "222", "333", "444")

	sched.Launch(context.Background(), id)
	sched.Wait()

	c := h.get(t, id)
	assert.Equal(t, model.StatusFailed, c.Status)
	assert.Equal(t, 2, c.FailedCount)
	assert.Equal(t, 2, c.SkippedCount)
	assert.Contains(t, c.FailureReason, "2 consecutive send failures")
	assert.Contains(t, c.FailureReason, "i/o timeout")
}

func TestScheduler_SuccessResetsTransientFailureCount(t *testing.T) {
	h := newHarness(t, provider.TypeSession, RealClock{}, nil)
	sched := h.scheduler(t, func(d *Deps) { d.FatalAfter = 2 })
	h.prov.Fail("111", provider.ErrTransient, "timeout")
	h.prov.Fail("333", provider.ErrTransient, "timeout")
	id := h.running(t, 0, 0, "111", "222", "333", "444")

	sched.Launch(context.Background(), id)
	sched.Wait()

	c := h.get(t, id)
	assert.Equal(t, model.StatusCompleted, c.Status)
	assert.Equal(t, 2, c.FailedCount)
	assert.Equal(t, 2, c.SentCount)
}

// flakyRecorder fails the first failures writes.
type flakyRecorder struct {
	next     delivery.OutcomeRecorder
	mu       sync.Mutex
	failures int
}

func (f *flakyRecorder) RecordOutcome(ctx context.Context, e *model.DeliveryLogEntry) (*model.Campaign, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("driver: bad connection")
	}
	return f.next.RecordOutcome(ctx, e)
}

func TestScheduler_UnrecordedOutcomeIsRecoveredOnRelaunch(t *testing.T) {
	h := newHarness(t, provider.TypeSession, RealClock{}, nil)
	rec := &flakyRecorder{next: storeControl{store: h.store}, failures: 1}
	sched := h.scheduler(t, func(d *Deps) {
		ex := delivery.NewExecutor(logging.Discard(), rec, media.NewMemoryStore(), time.Second)
		ex.RecordAttempts = 1
		d.Executor = ex
	})
	id := h.running(t, 0, 0, "111", "222", "333")
	ctx := context.Background()

	sched.Launch(ctx, id)
	sched.Wait()

	inFlight, err := h.store.CountInFlight(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, inFlight)
	assert.Equal(t, model.StatusRunning, h.get(t, id).Status)

	n, err := sched.ResumeRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sched.Wait()

	c := h.get(t, id)
	assert.Equal(t, model.StatusCompleted, c.Status)
	assert.Equal(t, 1, c.FailedCount)
	assert.Equal(t, 2, c.SentCount)
	assert.Equal(t, []string{"111", "222", "333"}, sentTo(h.prov), "the unrecorded send is never repeated")
}

func TestRedisLeaser_ExcludesSecondOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	leases := NewRedisLeaser(client, 30*time.Second)
	other := NewRedisLeaser(client, 30*time.Second)

	lease, ok, err := leases.TryAcquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = other.TryAcquire(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 10*time.Second, leases.RenewEvery())

	mr.FastForward(20 * time.Second)
	require.NoError(t, lease.Renew(ctx))
	mr.FastForward(20 * time.Second)
	_, ok, err = other.TryAcquire(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok, "a renewed lease is still held")

	require.NoError(t, lease.Release(ctx))
	_, ok, err = other.TryAcquire(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLeaser_LapsedLeaseIsLost(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	leases := NewRedisLeaser(client, 30*time.Second)

	crashed, ok, err := leases.TryAcquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(31 * time.Second)

	successor, ok, err := leases.TryAcquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ErrorIs(t, crashed.Renew(ctx), ErrLeaseLost)

	// the stale holder cannot release its successor's lease
	require.NoError(t, crashed.Release(ctx))
	require.NoError(t, successor.Renew(ctx))
}
