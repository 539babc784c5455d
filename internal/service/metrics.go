package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unclebandit/broadcast-engine/internal/model"
)

var campaignTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "broadcast_campaign_transitions_total",
	Help: "Campaign status transitions by target status.",
}, []string{"to"})

func countTransition(to model.CampaignStatus) {
	campaignTransitions.WithLabelValues(string(to)).Inc()
}
