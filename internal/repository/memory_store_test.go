package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/model"
)

func seedCampaign(t *testing.T, s *MemoryStore, phones ...string) *model.Campaign {
	t.Helper()
	c := &model.Campaign{BusinessID: "biz", Name: "promo", ContentType: model.ContentText, Text: "hi", Status: model.StatusDraft}
	jobs := make([]model.RecipientJob, len(phones))
	for i, p := range phones {
		jobs[i] = model.RecipientJob{Phone: p}
	}
	require.NoError(t, s.Create(context.Background(), c, jobs))
	return c
}

func claimAndComplete(t *testing.T, s *MemoryStore, id int64, status model.JobStatus) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	j, err := s.NextPendingJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, j)
	ok, err := s.ClaimJob(ctx, id, j.Index)
	require.NoError(t, err)
	require.True(t, ok)
	c, err := s.CompleteJob(ctx, &model.DeliveryLogEntry{
		ID: "log", CampaignID: id, RecipientIndex: j.Index, ContactPhone: j.Phone, Status: status, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	return c
}

func TestMemoryStore_CreateAssignsIndexes(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "111", "222")

	got, err := s.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalContacts)

	j, err := s.NextPendingJob(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, j.Index)
	assert.Equal(t, "111", j.Phone)
}

func TestMemoryStore_TransitionGuardsStatus(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "111")
	now := time.Now()
	ctx := context.Background()

	got, ok, err := s.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusPaused}, model.StatusRunning, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.StatusDraft, got.Status)

	got, ok, err = s.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusDraft}, model.StatusRunning, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	_, _, err = s.Transition(ctx, 999, []model.CampaignStatus{model.StatusDraft}, model.StatusRunning, now)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestMemoryStore_ClaimRequiresRunning(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "111")
	ctx := context.Background()

	ok, err := s.ClaimJob(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.False(t, ok, "draft campaign jobs cannot be claimed")

	_, _, _ = s.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusDraft}, model.StatusRunning, time.Now())
	ok, _ = s.ClaimJob(ctx, c.ID, 0)
	assert.True(t, ok)
	ok, _ = s.ClaimJob(ctx, c.ID, 0)
	assert.False(t, ok, "a job is claimed at most once")
}

func TestMemoryStore_CompleteJobCountsAndCompletes(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "111", "222", "333")
	ctx := context.Background()
	_, _, _ = s.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusDraft}, model.StatusRunning, time.Now())

	claimAndComplete(t, s, c.ID, model.JobSent)
	claimAndComplete(t, s, c.ID, model.JobFailed)
	got := claimAndComplete(t, s, c.ID, model.JobSkipped)

	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 1, got.SkippedCount)
	assert.NotNil(t, got.CompletedAt)

	logs, total, err := s.ListLogs(ctx, c.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []int{0, 1, 2}, []int{logs[0].RecipientIndex, logs[1].RecipientIndex, logs[2].RecipientIndex})
}

func TestMemoryStore_CompleteJobRejectsUnclaimed(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "111")

	_, err := s.CompleteJob(context.Background(), &model.DeliveryLogEntry{CampaignID: c.ID, RecipientIndex: 0, Status: model.JobSent})
	assert.ErrorIs(t, err, appErrors.ErrJobNotInFlight)

	_, err = s.CompleteJob(context.Background(), &model.DeliveryLogEntry{CampaignID: c.ID, RecipientIndex: 0, Status: model.JobSending})
	assert.Error(t, err)
}

func TestMemoryStore_TerminateSkipsPending(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "111", "222", "333")
	ctx := context.Background()
	_, _, _ = s.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusDraft}, model.StatusRunning, time.Now())
	claimAndComplete(t, s, c.ID, model.JobSent)

	got, skipped, ok, err := s.Terminate(ctx, c.ID,
		[]model.CampaignStatus{model.StatusRunning, model.StatusPaused}, model.StatusCancelled, "", "campaign cancelled", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, skipped)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, 2, got.SkippedCount)
	assert.Equal(t, 0, got.Pending())

	logs, total, _ := s.ListLogs(ctx, c.ID, 10, 0)
	assert.Equal(t, 3, total)
	assert.Equal(t, "campaign cancelled", *logs[2].Error)

	_, skipped, ok, err = s.Terminate(ctx, c.ID,
		[]model.CampaignStatus{model.StatusRunning, model.StatusPaused}, model.StatusCancelled, "", "campaign cancelled", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, skipped)
}

func TestMemoryStore_CompleteIfDoneAfterPause(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "111")
	ctx := context.Background()
	now := time.Now()
	_, _, _ = s.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusDraft}, model.StatusRunning, now)
	ok, _ := s.ClaimJob(ctx, c.ID, 0)
	require.True(t, ok)
	_, _, _ = s.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusRunning}, model.StatusPaused, now)

	got, err := s.CompleteJob(ctx, &model.DeliveryLogEntry{CampaignID: c.ID, RecipientIndex: 0, Status: model.JobSent, CreatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, got.Status)

	_, _, _ = s.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusPaused}, model.StatusRunning, now)
	got, err = s.CompleteIfDone(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestMemoryStore_FailInFlight(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "111", "222")
	other := seedCampaign(t, s, "333")
	ctx := context.Background()
	for _, id := range []int64{c.ID, other.ID} {
		_, _, _ = s.Transition(ctx, id, []model.CampaignStatus{model.StatusDraft}, model.StatusRunning, time.Now())
		ok, _ := s.ClaimJob(ctx, id, 0)
		require.True(t, ok)
	}

	ids, err := s.ListInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{c.ID, other.ID}, ids)

	n, err := s.FailInFlight(ctx, c.ID, "interrupted", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.GetByID(ctx, c.ID)
	assert.Equal(t, 1, got.FailedCount)
	j, _ := s.NextPendingJob(ctx, c.ID)
	assert.Equal(t, 1, j.Index, "failed in-flight job is never re-sent")

	inFlight, _ := s.CountInFlight(ctx, other.ID)
	assert.Equal(t, 1, inFlight, "other campaigns are untouched")
}

func TestMemoryStore_FailInFlightCompletesLastJob(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "111")
	ctx := context.Background()
	_, _, _ = s.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusDraft}, model.StatusRunning, time.Now())
	ok, _ := s.ClaimJob(ctx, c.ID, 0)
	require.True(t, ok)

	_, err := s.FailInFlight(ctx, c.ID, "interrupted", time.Now())
	require.NoError(t, err)

	got, _ := s.GetByID(ctx, c.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	ids, _ := s.ListInFlight(ctx)
	assert.Empty(t, ids)
}

func TestMemoryStore_DeleteGuard(t *testing.T) {
	s := NewMemoryStore()
	c := seedCampaign(t, s, "111")
	ctx := context.Background()
	deletable := []model.CampaignStatus{model.StatusDraft, model.StatusCompleted}

	_, _, _ = s.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusDraft}, model.StatusRunning, time.Now())
	assert.ErrorIs(t, s.Delete(ctx, c.ID, deletable), appErrors.ErrCampaignNotDeletable)

	_, _, _ = s.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusRunning}, model.StatusCompleted, time.Now())
	require.NoError(t, s.Delete(ctx, c.ID, deletable))
	_, err := s.GetByID(ctx, c.ID)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestMemoryStore_ListCampaignsPaginates(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		seedCampaign(t, s, "111")
	}
	page, total, err := s.ListCampaigns(context.Background(), "biz", 2, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].ID)

	page, total, _ = s.ListCampaigns(context.Background(), "other", 0, 10, "")
	assert.Zero(t, total)
	assert.Empty(t, page)
}
