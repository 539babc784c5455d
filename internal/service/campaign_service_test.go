package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/logging"
	"github.com/unclebandit/broadcast-engine/internal/model"
	"github.com/unclebandit/broadcast-engine/internal/queue"
	"github.com/unclebandit/broadcast-engine/internal/repository"
	"github.com/unclebandit/broadcast-engine/internal/service"
)

// recordingQueue captures published commands.
type recordingQueue struct {
	mu   sync.Mutex
	cmds []queue.Command
	err  error
}

func (q *recordingQueue) Publish(ctx context.Context, topic string, cmd queue.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.cmds = append(q.cmds, cmd)
	return nil
}

func (q *recordingQueue) Subscribe(topic string, handler func(queue.Command) error) error { return nil }
func (q *recordingQueue) Close() error                                                   { return nil }

type fixture struct {
	svc       *service.CampaignService
	store     *repository.MemoryStore
	contacts  *repository.MemoryContacts
	templates *repository.MemoryTemplates
	q         *recordingQueue
}

func newFixture() *fixture {
	f := &fixture{
		store:     repository.NewMemoryStore(),
		contacts:  repository.NewMemoryContacts(),
		templates: repository.NewMemoryTemplates(),
		q:         &recordingQueue{},
	}
	f.svc = service.NewCampaignService(logging.Discard(), f.store, f.contacts, f.templates, f.q)
	return f
}

func textInput(phones ...string) service.CreateCampaignInput {
	return service.CreateCampaignInput{
		BusinessID:  "biz",
		Name:        "Promo",
		ContentType: model.ContentText,
		Text:        "Hola {{1}}",
		Phones:      phones,
		DelayMin:    2,
		DelayMax:    5,
	}
}

func (f *fixture) create(t *testing.T, phones ...string) *model.Campaign {
	t.Helper()
	c, err := f.svc.CreateCampaign(context.Background(), textInput(phones...))
	require.NoError(t, err)
	return c
}

func TestCreateCampaign_ResolvesRecipients(t *testing.T) {
	f := newFixture()
	f.contacts.Put(model.Contact{BusinessID: "biz", Phone: "51999888777", DisplayName: "Juan"})

	in := textInput("+51 999 888 777", "51999888777", "123")
	in.RecipientsCSV = "51911222333,Ana,VIP\n51999888777,Dup"
	c, err := f.svc.CreateCampaign(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, c.Status)
	assert.Equal(t, 2, c.TotalContacts)

	first, err := f.store.NextPendingJob(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "51999888777", first.Phone)
	assert.Equal(t, "Juan", first.ContactName)
	assert.Empty(t, first.Variables)
}

func TestCreateCampaign_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	cases := map[string]struct {
		mutate func(*service.CreateCampaignInput)
		field  string
		is     error
	}{
		"missing name":       {func(in *service.CreateCampaignInput) { in.Name = "" }, "name", nil},
		"bad content type":   {func(in *service.CreateCampaignInput) { in.ContentType = "sticker" }, "content_type", nil},
		"delay max below":    {func(in *service.CreateCampaignInput) { in.DelayMax = 1 }, "delay_max", nil},
		"no content":         {func(in *service.CreateCampaignInput) { in.Text = "" }, "content", appErrors.ErrMissingContent},
		"no valid phones":    {func(in *service.CreateCampaignInput) { in.Phones = []string{"12", "abc"} }, "recipients", appErrors.ErrNoRecipients},
		"unknown template":   {func(in *service.CreateCampaignInput) { id := "nope"; in.ContentType = model.ContentTemplate; in.TemplateID = &id }, "template_id", appErrors.ErrTemplateNotFound},
		"media without a ref": {func(in *service.CreateCampaignInput) { in.ContentType = model.ContentImage }, "content", appErrors.ErrMissingContent},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			in := textInput("51999888777")
			tc.mutate(&in)
			_, err := f.svc.CreateCampaign(ctx, in)

			var ve *appErrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Fields, tc.field)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
		})
	}

	_, total, _ := f.store.ListCampaigns(ctx, "", 0, 10, "")
	assert.Zero(t, total, "nothing persisted on validation failure")
}

func TestCreateCampaign_FutureScheduleIsScheduled(t *testing.T) {
	f := newFixture()
	in := textInput("51999888777")
	at := time.Now().Add(time.Hour)
	in.ScheduledAt = &at

	c, err := f.svc.CreateCampaign(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, c.Status)
}

func TestLifecycle_StartPauseResume(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.create(t, "51999888777")

	started, err := f.svc.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)
	firstStart := *started.StartedAt

	_, err = f.svc.StartCampaign(ctx, c.ID)
	var it *appErrors.ErrInvalidTransition
	require.ErrorAs(t, err, &it)
	assert.Equal(t, "RUNNING", it.From)

	paused, err := f.svc.PauseCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, paused.Status)

	_, err = f.svc.PauseCampaign(ctx, c.ID)
	require.ErrorAs(t, err, &it)

	resumed, err := f.svc.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, firstStart, *resumed.StartedAt, "started_at is set on the first start only")

	assert.Equal(t, []queue.Command{
		{Action: queue.ActionStart, CampaignID: c.ID},
		{Action: queue.ActionPause, CampaignID: c.ID},
		{Action: queue.ActionStart, CampaignID: c.ID},
	}, f.q.cmds)
}

func TestStartCampaign_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.q.err = errors.New("broker down")
	c := f.create(t, "51999888777")

	started, err := f.svc.StartCampaign(context.Background(), c.ID)

	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, started.Status)
}

func TestStartCampaign_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.StartCampaign(context.Background(), 404)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestCancelCampaign_SkipsPendingAndIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.create(t, "51999888777", "51911222333", "51922333444")
	_, err := f.svc.StartCampaign(ctx, c.ID)
	require.NoError(t, err)

	ok, _ := f.svc.ClaimJob(ctx, c.ID, 0)
	require.True(t, ok)
	_, err = f.svc.RecordOutcome(ctx, &model.DeliveryLogEntry{ID: "a", CampaignID: c.ID, RecipientIndex: 0, Status: model.JobSent, CreatedAt: time.Now()})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Equal(t, 1, cancelled.SentCount)
	assert.Equal(t, 2, cancelled.SkippedCount)
	assert.NotNil(t, cancelled.CompletedAt)

	again, err := f.svc.CancelCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.SkippedCount)

	logs, total, err := f.svc.ListDeliveryLogs(ctx, c.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, service.ErrorCancelled, *logs[2].Error)
	assert.Equal(t, queue.ActionCancel, f.q.cmds[len(f.q.cmds)-1].Action)
}

func TestDeleteCampaign_Guard(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.create(t, "51999888777")
	_, _ = f.svc.StartCampaign(ctx, c.ID)

	assert.ErrorIs(t, f.svc.DeleteCampaign(ctx, c.ID), appErrors.ErrCampaignNotDeletable)

	_, err := f.svc.CancelCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteCampaign(ctx, c.ID))

	_, err = f.svc.GetCampaign(ctx, c.ID)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestRecordOutcome_AutoCompletes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.create(t, "51999888777", "51911222333")
	_, _ = f.svc.StartCampaign(ctx, c.ID)

	for i, status := range []model.JobStatus{model.JobSent, model.JobFailed} {
		ok, err := f.svc.ClaimJob(ctx, c.ID, i)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = f.svc.RecordOutcome(ctx, &model.DeliveryLogEntry{ID: "x", CampaignID: c.ID, RecipientIndex: i, Status: status, CreatedAt: time.Now()})
		require.NoError(t, err)
	}

	snap, err := f.svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, snap.Status)
	assert.Zero(t, snap.Pending)
	assert.InDelta(t, 100.0, snap.Progress, 0.001)
}

func TestFailCampaign_OnlyFromRunning(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.create(t, "51999888777", "51911222333")

	require.NoError(t, f.svc.FailCampaign(ctx, c.ID, "instance logged out"))
	snap, _ := f.svc.GetCampaign(ctx, c.ID)
	assert.Equal(t, model.StatusDraft, snap.Status)

	_, _ = f.svc.StartCampaign(ctx, c.ID)
	require.NoError(t, f.svc.FailCampaign(ctx, c.ID, "instance logged out"))

	snap, _ = f.svc.GetCampaign(ctx, c.ID)
	assert.Equal(t, model.StatusFailed, snap.Status)
	assert.Equal(t, "instance logged out", snap.FailureReason)
	assert.Equal(t, 2, snap.SkippedCount)

	logs, _, _ := f.svc.ListDeliveryLogs(ctx, c.ID, 10, 0)
	assert.Equal(t, "campaign failed: instance logged out", *logs[0].Error)
}

func TestPromoteDueScheduled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now()
	f.svc.Now = func() time.Time { return now }

	in := textInput("51999888777")
	soon := now.Add(time.Minute)
	in.ScheduledAt = &soon
	due, err := f.svc.CreateCampaign(ctx, in)
	require.NoError(t, err)

	later := now.Add(time.Hour)
	in.ScheduledAt = &later
	notDue, err := f.svc.CreateCampaign(ctx, in)
	require.NoError(t, err)

	ids, err := f.svc.PromoteDueScheduled(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []int64{due.ID}, ids)

	snap, _ := f.svc.GetCampaign(ctx, notDue.ID)
	assert.Equal(t, model.StatusScheduled, snap.Status)
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.create(t, "51999888777", "51911222333")
	_, _ = f.svc.StartCampaign(ctx, c.ID)
	ok, _ := f.svc.ClaimJob(ctx, c.ID, 0)
	require.True(t, ok)

	ids, err := f.svc.ListInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{c.ID}, ids)

	n, err := f.svc.RecoverInterrupted(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err = f.svc.ListInterrupted(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	logs, _, _ := f.svc.ListDeliveryLogs(ctx, c.ID, 10, 0)
	require.Len(t, logs, 1)
	assert.Equal(t, model.JobFailed, logs[0].Status)
	assert.Equal(t, service.ErrorInterrupted, *logs[0].Error)
}

func TestGetCampaign_CancelledWithJobInFlight(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.create(t, "51999888777", "51911222333")
	_, _ = f.svc.StartCampaign(ctx, c.ID)
	ok, _ := f.svc.ClaimJob(ctx, c.ID, 0)
	require.True(t, ok)

	_, err := f.svc.CancelCampaign(ctx, c.ID)
	require.NoError(t, err)

	snap, err := f.svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, snap.Status)
	assert.Equal(t, 1, snap.SkippedCount)
	assert.Zero(t, snap.Pending)
	assert.Equal(t, 1, snap.InFlight)

	_, err = f.svc.RecordOutcome(ctx, &model.DeliveryLogEntry{ID: "late", CampaignID: c.ID, RecipientIndex: 0, Status: model.JobSent, CreatedAt: time.Now()})
	require.NoError(t, err)
	snap, err = f.svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, snap.InFlight)
	assert.Equal(t, 1, snap.SentCount)
}

func TestCompleteIfDone_AfterPausedLastJob(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.create(t, "51999888777")
	_, _ = f.svc.StartCampaign(ctx, c.ID)
	ok, _ := f.svc.ClaimJob(ctx, c.ID, 0)
	require.True(t, ok)
	_, _ = f.svc.PauseCampaign(ctx, c.ID)
	_, err := f.svc.RecordOutcome(ctx, &model.DeliveryLogEntry{ID: "x", CampaignID: c.ID, RecipientIndex: 0, Status: model.JobSent, CreatedAt: time.Now()})
	require.NoError(t, err)

	_, err = f.svc.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	done, err := f.svc.CompleteIfDone(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
}

func TestListDeliveryLogs_UnknownCampaign(t *testing.T) {
	f := newFixture()
	_, _, err := f.svc.ListDeliveryLogs(context.Background(), 77, 10, 0)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestPickers(t *testing.T) {
	f := newFixture()
	f.contacts.Put(model.Contact{BusinessID: "biz", Phone: "51999888777", DisplayName: "Juan"})
	f.templates.Put(model.Template{ID: "t1", BusinessID: "biz", Name: "promo", Status: model.TemplateApproved})
	f.templates.Put(model.Template{ID: "t2", BusinessID: "biz", Name: "draft", Status: model.TemplatePending})

	contacts, err := f.svc.ListContacts(context.Background(), "biz")
	require.NoError(t, err)
	assert.Len(t, contacts, 1)

	templates, err := f.svc.ListApprovedTemplates(context.Background(), "biz")
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "t1", templates[0].ID)
}
