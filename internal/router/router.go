// Package router wires the HTTP API.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/broadcast-engine/internal/controller"
	"github.com/unclebandit/broadcast-engine/internal/handler"
	"github.com/unclebandit/broadcast-engine/internal/respond"
	"github.com/unclebandit/broadcast-engine/internal/service"
)

type Options struct {
	InternalSecret string
	RequestTimeout time.Duration
}

func New(log *logrus.Entry, svc *service.CampaignService, opts Options) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	log = log.WithField("component", "http")

	campaignController := &controller.CampaignController{CampaignService: svc, Log: log}
	campaignHandler := &handler.CampaignHandler{Service: svc, Log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(InternalSecret(opts.InternalSecret))

		// Campaign routes
		r.Post("/campaigns", campaignController.CreateCampaign)
		r.Get("/campaigns", campaignHandler.ListCampaigns)
		r.Get("/campaigns/{id}", campaignHandler.GetCampaign)
		r.Delete("/campaigns/{id}", campaignController.DeleteCampaign)
		r.Post("/campaigns/{id}/start", campaignController.StartCampaign)
		r.Post("/campaigns/{id}/pause", campaignController.PauseCampaign)
		r.Post("/campaigns/{id}/cancel", campaignController.CancelCampaign)
		r.Get("/campaigns/{id}/logs", campaignHandler.ListLogs)

		// Pickers
		r.Get("/businesses/{businessID}/contacts", campaignHandler.ListContacts)
		r.Get("/businesses/{businessID}/templates", campaignHandler.ListApprovedTemplates)
	})
	return r
}
