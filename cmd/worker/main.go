// cmd/worker/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/broadcast-engine/internal/config"
	"github.com/unclebandit/broadcast-engine/internal/engine"
	"github.com/unclebandit/broadcast-engine/internal/logging"
	"github.com/unclebandit/broadcast-engine/internal/pacing"
	"github.com/unclebandit/broadcast-engine/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logger.WithField("service", "broadcast-worker")
	log.WithFields(cfg.LogFields()).Info("starting")

	flush, err := logging.InitSentry(cfg.SentryDSN, cfg.Environment)
	if err != nil {
		log.WithError(err).Warn("sentry disabled")
	}
	defer flush()

	if cfg.QueueBackend == "memory" {
		log.Warn("worker with an in-memory queue only receives commands from itself, relying on the poller")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("worker stopped with error")
		flush()
		os.Exit(1)
	}
	log.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	stores, err := engine.OpenStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	q, err := engine.OpenQueue(cfg, log)
	if err != nil {
		return err
	}
	defer q.Close()

	coord, err := engine.NewCoordination(ctx, cfg, log, pacing.RealClock{})
	if err != nil {
		return err
	}
	defer coord.Close()

	parts, err := engine.Build(cfg, log, coord)
	if err != nil {
		return err
	}

	svc := service.NewCampaignService(log, stores.Campaigns, stores.Contacts, stores.Templates, q)
	log.Info("worker running, waiting for campaigns")
	return engine.New(cfg, log, svc, q, parts).Run(ctx)
}
