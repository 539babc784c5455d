package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/broadcast-engine/internal/logging"
	"github.com/unclebandit/broadcast-engine/internal/model"
)

// The methods below are driven by the dispatch loops, not by operators.

func (s *CampaignService) Snapshot(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, id)
}

func (s *CampaignService) NextPendingJob(ctx context.Context, id int64) (*model.RecipientJob, error) {
	return s.CampaignRepo.NextPendingJob(ctx, id)
}

func (s *CampaignService) ClaimJob(ctx context.Context, id int64, index int) (bool, error) {
	return s.CampaignRepo.ClaimJob(ctx, id, index)
}

// RecordOutcome terminates a job. The campaign completes in the same unit
// when it was the last one outstanding.
func (s *CampaignService) RecordOutcome(ctx context.Context, entry *model.DeliveryLogEntry) (*model.Campaign, error) {
	c, err := s.CampaignRepo.CompleteJob(ctx, entry)
	if err != nil {
		return nil, err
	}
	if c.Status == model.StatusCompleted {
		s.completed(c)
	}
	return c, nil
}

// CompleteIfDone covers a campaign whose last job finished while it was paused.
func (s *CampaignService) CompleteIfDone(ctx context.Context, id int64) (*model.Campaign, error) {
	before, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := s.CampaignRepo.CompleteIfDone(ctx, id, s.Now())
	if err != nil {
		return nil, err
	}
	if before.Status == model.StatusRunning && c.Status == model.StatusCompleted {
		s.completed(c)
	}
	return c, nil
}

func (s *CampaignService) completed(c *model.Campaign) {
	countTransition(model.StatusCompleted)
	s.Log.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"sent":        c.SentCount,
		"failed":      c.FailedCount,
		"skipped":     c.SkippedCount,
	}).Info("campaign completed")
}

// FailCampaign is the only path to FAILED. Remaining jobs are skipped.
func (s *CampaignService) FailCampaign(ctx context.Context, id int64, reason string) error {
	_, skipped, ok, err := s.CampaignRepo.Terminate(ctx, id, []model.CampaignStatus{model.StatusRunning},
		model.StatusFailed, reason, "campaign failed: "+reason, s.Now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	countTransition(model.StatusFailed)
	logging.ReportError(s.Log, "campaign_failed", errors.New(reason), logrus.Fields{
		"campaign_id": id,
		"skipped":     skipped,
	})
	return nil
}

func (s *CampaignService) ListRunning(ctx context.Context) ([]*model.Campaign, error) {
	return s.CampaignRepo.ListByStatus(ctx, model.StatusRunning)
}

// PromoteDueScheduled starts every SCHEDULED campaign whose time has come and
// returns their ids.
func (s *CampaignService) PromoteDueScheduled(ctx context.Context, now time.Time) ([]int64, error) {
	due, err := s.CampaignRepo.ListDueScheduled(ctx, now)
	if err != nil {
		return nil, err
	}
	var started []int64
	for _, c := range due {
		if c.TotalContacts == 0 || !c.HasContent() {
			s.Log.WithField("campaign_id", c.ID).Warn("scheduled campaign has nothing to send, leaving it scheduled")
			continue
		}
		_, ok, err := s.CampaignRepo.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusScheduled}, model.StatusRunning, now)
		if err != nil {
			return started, err
		}
		if ok {
			countTransition(model.StatusRunning)
			s.Log.WithField("campaign_id", c.ID).Info("scheduled campaign started")
			started = append(started, c.ID)
		}
	}
	return started, nil
}

// RecoverInterrupted fails the jobs of one campaign that a previous owner
// left mid-send. Their delivery outcome is unknown, so they are never sent
// again. The caller must hold the campaign's lease.
func (s *CampaignService) RecoverInterrupted(ctx context.Context, id int64) (int, error) {
	n, err := s.CampaignRepo.FailInFlight(ctx, id, ErrorInterrupted, s.Now())
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	s.Log.WithFields(logrus.Fields{"campaign_id": id, "jobs": n}).Warn("failed jobs interrupted mid-send")
	if c, err := s.CampaignRepo.GetByID(ctx, id); err == nil && c.Status == model.StatusCompleted {
		s.completed(c)
	}
	return n, nil
}

// ListInterrupted returns the campaigns with jobs stuck mid-send.
func (s *CampaignService) ListInterrupted(ctx context.Context) ([]int64, error) {
	return s.CampaignRepo.ListInFlight(ctx)
}
