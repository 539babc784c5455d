// Package engine assembles the dispatch side of the service: the scheduler,
// its collaborators and the background tasks that keep loops alive.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/broadcast-engine/internal/compliance"
	"github.com/unclebandit/broadcast-engine/internal/config"
	"github.com/unclebandit/broadcast-engine/internal/delivery"
	"github.com/unclebandit/broadcast-engine/internal/media"
	"github.com/unclebandit/broadcast-engine/internal/pacing"
	"github.com/unclebandit/broadcast-engine/internal/provider"
	"github.com/unclebandit/broadcast-engine/internal/queue"
	"github.com/unclebandit/broadcast-engine/internal/service"
)

type Engine struct {
	Scheduler    *pacing.Scheduler
	service      *service.CampaignService
	queue        queue.Queue
	pollInterval time.Duration
	log          *logrus.Entry
}

// Components are the pluggable parts of an Engine.
type Components struct {
	Providers pacing.ProviderResolver
	Media     delivery.MediaResolver
	Limiter   pacing.Limiter
	Leases    pacing.Leaser
	Clock     pacing.Clock
	DelayUnit time.Duration
}

// Build creates the providers and media store from configuration.
func Build(cfg *config.Config, log *logrus.Entry, coord *Coordination) (Components, error) {
	registry, err := provider.NewRegistryFromConfig(log, cfg)
	if err != nil {
		return Components{}, err
	}
	return Components{
		Providers: registry,
		Media:     media.NewHTTPStore(cfg.MediaBaseURL, cfg.MediaVerify, nil),
		Limiter:   coord.Limiter,
		Leases:    coord.Leases,
	}, nil
}

func New(cfg *config.Config, log *logrus.Entry, svc *service.CampaignService, q queue.Queue, parts Components) *Engine {
	log = log.WithField("component", "engine")
	gate := compliance.NewGate(log, svc.ContactRepo, svc.TemplateRepo, cfg.ServiceWindow, nil)
	executor := delivery.NewExecutor(log, svc, parts.Media, cfg.SendTimeout)

	scheduler := pacing.NewScheduler(log, pacing.Deps{
		Control:    svc,
		Providers:  parts.Providers,
		Gate:       gate,
		Executor:   executor,
		Limiter:    parts.Limiter,
		Leases:     parts.Leases,
		Clock:      parts.Clock,
		FatalAfter: cfg.ProviderFatalAfter,
		DelayUnit:  parts.DelayUnit,
	})
	return &Engine{
		Scheduler:    scheduler,
		service:      svc,
		queue:        q,
		pollInterval: cfg.EnginePollInterval,
		log:          log,
	}
}

// Run subscribes to control commands and polls until ctx is done. Loops are
// given time to finish their in-flight send.
func (e *Engine) Run(ctx context.Context) error {
	if err := queue.StartControlSubscriber(ctx, e.log, e.queue, e.Scheduler); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.Poll(groupCtx)
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Poll(groupCtx)
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
	})

	err := g.Wait()
	e.Scheduler.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Poll promotes due scheduled campaigns, relaunches RUNNING campaigns that no
// loop owns and fails jobs left mid-send by a worker that died.
func (e *Engine) Poll(ctx context.Context) {
	if _, err := e.service.PromoteDueScheduled(ctx, e.service.Now()); err != nil && ctx.Err() == nil {
		e.log.WithError(err).Error("promote scheduled campaigns")
	}
	n, err := e.Scheduler.ResumeRunning(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.log.WithError(err).Error("resume running campaigns")
		}
		return
	}
	if n > 0 {
		e.log.WithField("launched", n).Info("dispatch loops launched by poller")
	}
	if _, err := e.Scheduler.RecoverOrphans(ctx); err != nil && ctx.Err() == nil {
		e.log.WithError(err).Error("recover interrupted jobs")
	}
}
