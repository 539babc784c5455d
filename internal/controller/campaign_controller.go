// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/broadcast-engine/internal/model"
	"github.com/unclebandit/broadcast-engine/internal/respond"
	"github.com/unclebandit/broadcast-engine/internal/service"
)

// CampaignController serves the operator commands that change a campaign.
type CampaignController struct {
	CampaignService *service.CampaignService
	Log             *logrus.Entry
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.BadRequest(w, "invalid body")
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		respond.Error(w, r, c.Log, err)
		return
	}
	respond.JSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) StartCampaign(w http.ResponseWriter, r *http.Request) {
	c.transition(w, r, c.CampaignService.StartCampaign)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	c.transition(w, r, c.CampaignService.PauseCampaign)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	c.transition(w, r, c.CampaignService.CancelCampaign)
}

func (c *CampaignController) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id int64) (*model.Campaign, error)) {
	id, ok := respond.ID(r, "id")
	if !ok {
		respond.BadRequest(w, "invalid campaign id")
		return
	}
	campaign, err := apply(r.Context(), id)
	if err != nil {
		respond.Error(w, r, c.Log, err)
		return
	}
	snap, err := c.CampaignService.Describe(r.Context(), campaign)
	if err != nil {
		respond.Error(w, r, c.Log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"id":        snap.ID,
		"status":    snap.Status,
		"pending":   snap.Pending,
		"in_flight": snap.InFlight,
		"progress":  snap.Progress,
	})
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.ID(r, "id")
	if !ok {
		respond.BadRequest(w, "invalid campaign id")
		return
	}
	if err := c.CampaignService.DeleteCampaign(r.Context(), id); err != nil {
		respond.Error(w, r, c.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
