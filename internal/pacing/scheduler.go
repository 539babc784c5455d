// Package pacing hosts one dispatch loop per running campaign. A loop sends
// one recipient at a time with a random human-like delay in between, and
// shares a per-instance send budget with every other loop.
package pacing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/broadcast-engine/internal/compliance"
	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/logging"
	"github.com/unclebandit/broadcast-engine/internal/model"
	"github.com/unclebandit/broadcast-engine/internal/provider"
)

// CampaignControl is the state machine surface a dispatch loop drives.
type CampaignControl interface {
	Snapshot(ctx context.Context, id int64) (*model.Campaign, error)
	NextPendingJob(ctx context.Context, id int64) (*model.RecipientJob, error)
	ClaimJob(ctx context.Context, id int64, index int) (bool, error)
	CompleteIfDone(ctx context.Context, id int64) (*model.Campaign, error)
	FailCampaign(ctx context.Context, id int64, reason string) error
	ListRunning(ctx context.Context) ([]*model.Campaign, error)
	// RecoverInterrupted fails the campaign's jobs left mid-send by a
	// previous owner. Callers hold the campaign's lease.
	RecoverInterrupted(ctx context.Context, id int64) (int, error)
	ListInterrupted(ctx context.Context) ([]int64, error)
}

type ProviderResolver interface {
	Resolve(businessID string) (provider.Provider, error)
}

type Decider interface {
	Decide(ctx context.Context, c *model.Campaign, job *model.RecipientJob, pt provider.Type) (compliance.Decision, error)
}

type Dispatcher interface {
	Execute(ctx context.Context, prov provider.Provider, c *model.Campaign, job *model.RecipientJob, d compliance.Decision) (*model.DeliveryLogEntry, provider.ErrorKind, error)
	Fail(ctx context.Context, prov provider.Provider, c *model.Campaign, job *model.RecipientJob, reason string) (*model.DeliveryLogEntry, error)
}

type Deps struct {
	Control   CampaignControl
	Providers ProviderResolver
	Gate      Decider
	Executor  Dispatcher
	Limiter   Limiter
	// Leases keeps a campaign on one loop across worker processes.
	// Defaults to a LocalLeaser.
	Leases Leaser
	Clock  Clock
	// FatalAfter fails the campaign after this many consecutive transient
	// send failures. Zero disables the check.
	FatalAfter int
	// DelayUnit scales a campaign's DelayMin/DelayMax. Defaults to a second.
	DelayUnit time.Duration
	// Rand returns a value in [0, 1).
	Rand func() float64
}

type Scheduler struct {
	deps Deps
	log  *logrus.Entry

	mu    sync.Mutex
	loops map[int64]*loop
	wg    sync.WaitGroup
}

type loop struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewScheduler(log *logrus.Entry, deps Deps) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.DelayUnit <= 0 {
		deps.DelayUnit = time.Second
	}
	if deps.Rand == nil {
		deps.Rand = rand.Float64
	}
	if deps.Leases == nil {
		deps.Leases = NewLocalLeaser()
	}
	return &Scheduler{
		deps:  deps,
		log:   log.WithField("component", "scheduler"),
		loops: map[int64]*loop{},
	}
}

// Launch starts the dispatch loop for a campaign. It is a no-op when a live
// loop already exists. A stopped loop that is still finishing its in-flight
// send is awaited before the new one begins. The loop exits at once when
// another owner holds the campaign's lease.
func (s *Scheduler) Launch(ctx context.Context, id int64) {
	s.launch(ctx, id, nil)
}

// launch reports whether a new loop was started. A lease passed in is owned
// by the loop, or released when none starts.
func (s *Scheduler) launch(ctx context.Context, id int64, lease Lease) bool {
	s.mu.Lock()
	prev, exists := s.loops[id]
	if exists && !prev.stopped {
		s.mu.Unlock()
		if lease != nil {
			s.release(id, lease)
		}
		return false
	}
	defer s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	s.loops[id] = l
	s.wg.Add(1)
	activeLoops.Inc()

	go func() {
		defer s.exit(id, l)
		if exists {
			select {
			case <-prev.done:
			case <-loopCtx.Done():
				if lease != nil {
					s.release(id, lease)
				}
				return
			}
		}
		s.own(loopCtx, id, lease)
	}()
	return true
}

func (s *Scheduler) release(id int64, lease Lease) {
	if err := lease.Release(context.Background()); err != nil {
		s.log.WithError(err).WithField("campaign_id", id).Warn("release campaign lease")
	}
}

// own runs the loop while holding the campaign's lease. Jobs a previous
// owner left mid-send are failed before the first send.
func (s *Scheduler) own(ctx context.Context, id int64, lease Lease) {
	log := s.log.WithField("campaign_id", id)
	if lease == nil {
		var ok bool
		var err error
		lease, ok, err = s.deps.Leases.TryAcquire(ctx, id)
		if err != nil {
			log.WithError(err).Error("acquire campaign lease")
			return
		}
		if !ok {
			log.Debug("campaign is owned by another loop")
			return
		}
	}
	defer s.release(id, lease)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if every := s.deps.Leases.RenewEvery(); every > 0 {
		go s.renew(ctx, log, lease, every, cancel)
	}

	if _, err := s.deps.Control.RecoverInterrupted(ctx, id); err != nil {
		log.WithError(err).Error("recover interrupted jobs")
		return
	}
	s.run(ctx, id)
}

// renew keeps the lease alive on a wall-clock ticker. Losing it stops the
// loop; a send already in flight still completes.
func (s *Scheduler) renew(ctx context.Context, log *logrus.Entry, lease Lease, every time.Duration, cancel context.CancelFunc) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := lease.Renew(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseLost):
			log.Warn("campaign lease lost, stopping loop")
			cancel()
			return
		case ctx.Err() == nil:
			log.WithError(err).Warn("renew campaign lease")
		}
	}
}

func (s *Scheduler) exit(id int64, l *loop) {
	l.cancel()
	s.mu.Lock()
	if s.loops[id] == l {
		delete(s.loops, id)
	}
	s.mu.Unlock()
	close(l.done)
	activeLoops.Dec()
	s.wg.Done()
}

// Stop abandons the campaign's current delay wait. A send already in flight
// still completes and is recorded.
func (s *Scheduler) Stop(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loops[id]; ok && !l.stopped {
		l.stopped = true
		l.cancel()
	}
}

// ResumeRunning launches a loop for every RUNNING campaign that lacks one.
// Campaigns leased by another owner are left to it.
func (s *Scheduler) ResumeRunning(ctx context.Context) (int, error) {
	running, err := s.deps.Control.ListRunning(ctx)
	if err != nil {
		return 0, err
	}
	launched := 0
	for _, c := range running {
		if s.isLive(c.ID) {
			continue
		}
		lease, ok, err := s.deps.Leases.TryAcquire(ctx, c.ID)
		if err != nil {
			return launched, err
		}
		if !ok {
			continue
		}
		if s.launch(ctx, c.ID, lease) {
			launched++
		}
	}
	return launched, nil
}

// RecoverOrphans fails jobs left mid-send in campaigns no loop owns, such as
// one paused or cancelled while its worker died.
func (s *Scheduler) RecoverOrphans(ctx context.Context) (int, error) {
	ids, err := s.deps.Control.ListInterrupted(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		lease, ok, err := s.deps.Leases.TryAcquire(ctx, id)
		if err != nil {
			return total, err
		}
		if !ok {
			continue
		}
		n, err := s.deps.Control.RecoverInterrupted(ctx, id)
		s.release(id, lease)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Scheduler) isLive(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[id]
	return ok && !l.stopped
}

// Active is the number of loops, including stopped ones still draining.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

// Wait blocks until every loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, id int64) {
	log := s.log.WithField("campaign_id", id)
	log.Info("dispatch loop started")
	defer log.Info("dispatch loop exited")

	first := true
	var failures int
	for ctx.Err() == nil {
		c, err := s.deps.Control.Snapshot(ctx, id)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("snapshot campaign")
			}
			return
		}
		if c.Status != model.StatusRunning {
			return
		}
		if first {
			first = false
			log = log.WithField("business_id", c.BusinessID)
			// A resumed campaign waits before its next send.
			if c.Processed() > 0 {
				if !s.sleep(ctx, c) {
					return
				}
				continue
			}
		}

		cont, delay := s.tick(ctx, log, c, &failures)
		if !cont {
			return
		}
		if !delay {
			continue
		}
		if next, err := s.deps.Control.Snapshot(ctx, id); err == nil && (next.Status != model.StatusRunning || next.Pending() == 0) {
			continue
		}
		if !s.sleep(ctx, c) {
			return
		}
	}
}

// tick processes at most one job. cont is false when the loop must exit;
// delay is true when a send was attempted. failures counts consecutive
// transient send failures.
func (s *Scheduler) tick(ctx context.Context, log *logrus.Entry, c *model.Campaign, failures *int) (cont, delay bool) {
	job, err := s.deps.Control.NextPendingJob(ctx, c.ID)
	if err != nil {
		log.WithError(err).Error("select next job")
		return false, false
	}
	if job == nil {
		if _, err := s.deps.Control.CompleteIfDone(ctx, c.ID); err != nil {
			log.WithError(err).Error("complete campaign")
		}
		return false, false
	}

	prov, err := s.deps.Providers.Resolve(c.BusinessID)
	if err != nil {
		s.fail(ctx, log, c.ID, err)
		return false, false
	}

	decision, decideErr := s.deps.Gate.Decide(ctx, c, job, prov.Type())
	sends := decideErr == nil && decision.Mode != compliance.ModeSkip

	// The token is taken before the claim so a stop while waiting never
	// leaves a claimed job behind.
	release := func() {}
	if sends {
		release, err = s.deps.Limiter.Acquire(ctx, prov.InstanceID())
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("acquire send token")
			}
			return false, false
		}
	}
	defer release()

	claimed, err := s.deps.Control.ClaimJob(ctx, c.ID, job.Index)
	if err != nil {
		log.WithError(err).Error("claim job")
		return false, false
	}
	if !claimed {
		return true, false
	}

	jobLog := log.WithField("recipient_index", job.Index)
	if decideErr != nil {
		jobLog.WithError(decideErr).Warn("compliance check failed")
		if _, err := s.deps.Executor.Fail(ctx, prov, c, job, "compliance check failed: "+decideErr.Error()); err != nil {
			logging.ReportError(jobLog, "record_outcome", err, logrus.Fields{"campaign_id": c.ID})
			return false, false
		}
		return true, false
	}

	entry, kind, err := s.deps.Executor.Execute(ctx, prov, c, job, decision)
	if err != nil {
		if errors.Is(err, appErrors.ErrProviderUnavailable) {
			s.fail(ctx, log, c.ID, err)
		} else {
			logging.ReportError(jobLog, "record_outcome", err, logrus.Fields{"campaign_id": c.ID})
		}
		return false, false
	}
	jobLog.WithFields(logrus.Fields{"status": entry.Status, "used_template": entry.UsedTemplate}).Debug("job finished")

	if !sends {
		return true, false
	}
	if kind != provider.ErrTransient {
		*failures = 0
		return true, true
	}
	*failures++
	if s.deps.FatalAfter > 0 && *failures >= s.deps.FatalAfter {
		s.fail(ctx, log, c.ID, fmt.Errorf("%w: %d consecutive send failures, last: %s",
			appErrors.ErrProviderUnavailable, *failures, derefOr(entry.Error)))
		return false, false
	}
	return true, true
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *Scheduler) fail(ctx context.Context, log *logrus.Entry, id int64, cause error) {
	if err := s.deps.Control.FailCampaign(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		log.WithError(err).Error("fail campaign")
	}
}

func (s *Scheduler) sleep(ctx context.Context, c *model.Campaign) bool {
	select {
	case <-s.deps.Clock.After(s.drawDelay(c)):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) drawDelay(c *model.Campaign) time.Duration {
	lo, hi := float64(c.DelayMin), float64(c.DelayMax)
	if hi < lo {
		lo, hi = hi, lo
	}
	return time.Duration((lo + s.deps.Rand()*(hi-lo)) * float64(s.deps.DelayUnit))
}
