// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/broadcast-engine/internal/config"
	"github.com/unclebandit/broadcast-engine/internal/engine"
	"github.com/unclebandit/broadcast-engine/internal/logging"
	"github.com/unclebandit/broadcast-engine/internal/pacing"
	"github.com/unclebandit/broadcast-engine/internal/router"
	"github.com/unclebandit/broadcast-engine/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load config (.env + environment)
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logger.WithField("service", "broadcast-server")
	log.WithFields(cfg.LogFields()).Info("starting")

	flush, err := logging.InitSentry(cfg.SentryDSN, cfg.Environment)
	if err != nil {
		log.WithError(err).Warn("sentry disabled")
	}
	defer flush()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("server stopped with error")
		flush()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Init stores
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

	campaignService := service.NewCampaignService(log, stores.Campaigns, stores.Contacts, stores.Templates, q)

	engineDone := make(chan error, 1)
	if cfg.EngineEmbedded {
		coord, err := engine.NewCoordination(ctx, cfg, log, pacing.RealClock{})
		if err != nil {
			return err
		}
		defer coord.Close()

		parts, err := engine.Build(cfg, log, coord)
		if err != nil {
			return err
		}
		eng := engine.New(cfg, log, campaignService, q, parts)
		go func() { engineDone <- eng.Run(ctx) }()
		log.Info("dispatch engine embedded in server")
	} else {
		close(engineDone)
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: router.New(log, campaignService, router.Options{
			InternalSecret: cfg.InternalSecret,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case listenErr = <-serveErr:
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}

	stop()
	if err, ok := <-engineDone; ok && err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if listenErr != nil {
		return fmt.Errorf("listen: %w", listenErr)
	}
	log.Info("server stopped")
	return nil
}
