// internal/handler/campaign_handler.go
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/broadcast-engine/internal/respond"
	"github.com/unclebandit/broadcast-engine/internal/service"
)

// CampaignHandler holds the read-only campaign endpoints
type CampaignHandler struct {
	Service *service.CampaignService
	Log     *logrus.Entry
}

// ListCampaigns returns a paginated list of campaigns
func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page := respond.IntQuery(r, "page", 1)
	pageSize := respond.IntQuery(r, "page_size", 20)
	businessID := r.URL.Query().Get("business_id")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := h.Service.ListCampaigns(r.Context(), businessID, page, pageSize, status)
	if err != nil {
		respond.Error(w, r, h.Log, err)
		return
	}

	respond.JSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination,
	})
}

// GetCampaign returns the progress snapshot of a single campaign
func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.ID(r, "id")
	if !ok {
		respond.BadRequest(w, "invalid campaign id")
		return
	}

	snapshot, err := h.Service.GetCampaign(r.Context(), id)
	if err != nil {
		respond.Error(w, r, h.Log, err)
		return
	}
	respond.JSON(w, http.StatusOK, snapshot)
}

func (h *CampaignHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.ID(r, "id")
	if !ok {
		respond.BadRequest(w, "invalid campaign id")
		return
	}
	limit := respond.IntQuery(r, "limit", 0)
	offset := respond.IntQuery(r, "offset", 0)

	entries, total, err := h.Service.ListDeliveryLogs(r.Context(), id, limit, offset)
	if err != nil {
		respond.Error(w, r, h.Log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"total": total,
	})
}

func (h *CampaignHandler) ListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.Service.ListContacts(r.Context(), chi.URLParam(r, "businessID"))
	if err != nil {
		respond.Error(w, r, h.Log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"data": contacts})
}

func (h *CampaignHandler) ListApprovedTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.Service.ListApprovedTemplates(r.Context(), chi.URLParam(r, "businessID"))
	if err != nil {
		respond.Error(w, r, h.Log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"data": templates})
}
