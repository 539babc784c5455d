package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaigns
	Create(ctx context.Context, c *model.Campaign, jobs []model.RecipientJob) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, businessID string, offset, limit int, status string) ([]*model.Campaign, int, error)
	ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	// Transition moves the campaign to `to` when its status is one of `from`.
	// ok is false (with the current campaign) when the status did not match.
	Transition(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, now time.Time) (c *model.Campaign, ok bool, err error)
	// Terminate moves the campaign to a terminal status and, in the same unit,
	// skips every PENDING job with one log entry each.
	Terminate(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, reason, logError string, now time.Time) (c *model.Campaign, skipped int, ok bool, err error)
	CompleteIfDone(ctx context.Context, id int64, now time.Time) (*model.Campaign, error)
	Delete(ctx context.Context, id int64, deletable []model.CampaignStatus) error

	// Recipient jobs and delivery log
	NextPendingJob(ctx context.Context, campaignID int64) (*model.RecipientJob, error)
	ClaimJob(ctx context.Context, campaignID int64, index int) (bool, error)
	CompleteJob(ctx context.Context, entry *model.DeliveryLogEntry) (*model.Campaign, error)
	// FailInFlight terminates the campaign's SENDING jobs as FAILED.
	FailInFlight(ctx context.Context, campaignID int64, logError string, now time.Time) (int, error)
	ListInFlight(ctx context.Context) ([]int64, error)
	CountInFlight(ctx context.Context, campaignID int64) (int, error)
	ListLogs(ctx context.Context, campaignID int64, limit, offset int) ([]*model.DeliveryLogEntry, int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, business_id, name, content_type, text_body, media_ref, caption,
	template_id, fallback_template_id, delay_min, delay_max, status,
	total_contacts, sent_count, failed_count, skipped_count, failure_reason,
	scheduled_at, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID, &c.BusinessID, &c.Name, &c.ContentType, &c.Text, &c.MediaRef, &c.Caption,
		&c.TemplateID, &c.FallbackTemplateID, &c.DelayMin, &c.DelayMax, &c.Status,
		&c.TotalContacts, &c.SentCount, &c.FailedCount, &c.SkippedCount, &c.FailureReason,
		&c.ScheduledAt, &c.CreatedAt, &c.StartedAt, &c.CompletedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func statusStrings(in []model.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign, jobs []model.RecipientJob) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.TotalContacts = len(jobs)
	query := `
		INSERT INTO campaigns (business_id, name, content_type, text_body, media_ref, caption,
			template_id, fallback_template_id, delay_min, delay_max, status, total_contacts,
			scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, query,
		c.BusinessID, c.Name, c.ContentType, c.Text, c.MediaRef, c.Caption,
		c.TemplateID, c.FallbackTemplateID, c.DelayMin, c.DelayMax, c.Status, c.TotalContacts,
		c.ScheduledAt, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaign_recipients (campaign_id, recipient_index, phone, contact_name, variables, status)
		VALUES ($1, $2, $3, $4, $5, 'PENDING')
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := range jobs {
		jobs[i].CampaignID = c.ID
		jobs[i].Index = i
		jobs[i].Status = model.JobPending
		if _, err := stmt.ExecContext(ctx, c.ID, i, jobs[i].Phone, jobs[i].ContactName, pq.Array(jobs[i].Variables)); err != nil {
			return fmt.Errorf("insert recipient %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	return getCampaign(ctx, r.DB, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCampaign(ctx context.Context, q queryRower, id int64) (*model.Campaign, error) {
	c, err := scanCampaign(q.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, businessID string, offset, limit int, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1

	if businessID != "" {
		where += fmt.Sprintf(" AND business_id=$%d", argPos)
		args = append(args, businessID)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error) {
	return r.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status=$1 ORDER BY id`, status)
}

func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	return r.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns
		WHERE status='SCHEDULED' AND scheduled_at <= $1 ORDER BY scheduled_at, id`, now)
}

func (r *CampaignRepository) queryCampaigns(ctx context.Context, query string, args ...any) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ====================== State transitions ======================

func (r *CampaignRepository) Transition(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, now time.Time) (*model.Campaign, bool, error) {
	query := `
		UPDATE campaigns
		SET status=$2, updated_at=$3,
		    started_at = CASE WHEN $2 = 'RUNNING' THEN COALESCE(started_at, $3) ELSE started_at END
		WHERE id=$1 AND status = ANY($4)
		RETURNING ` + campaignColumns
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id, to, now, pq.Array(statusStrings(from))))
	if errors.Is(err, sql.ErrNoRows) {
		current, err := r.GetByID(ctx, id)
		return current, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (r *CampaignRepository) Terminate(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, reason, logError string, now time.Time) (*model.Campaign, int, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET status=$2, failure_reason=$3, completed_at=$4, updated_at=$4
		WHERE id=$1 AND status = ANY($5)
	`, id, to, reason, now, pq.Array(statusStrings(from)))
	if err != nil {
		return nil, 0, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := getCampaign(ctx, tx, id)
		return current, 0, false, err
	}

	res, err = tx.ExecContext(ctx, `
		WITH skipped AS (
			UPDATE campaign_recipients SET status='SKIPPED'
			WHERE campaign_id=$1 AND status='PENDING'
			RETURNING recipient_index, phone, contact_name
		)
		INSERT INTO delivery_logs (id, campaign_id, recipient_index, contact_phone, contact_name, status, used_template, error, created_at)
		SELECT gen_random_uuid(), $1, recipient_index, phone, contact_name, 'SKIPPED', false, $2, $3
		FROM skipped ORDER BY recipient_index
	`, id, logError, now)
	if err != nil {
		return nil, 0, false, fmt.Errorf("bulk skip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, 0, false, err
	}

	c, err := scanCampaign(tx.QueryRowContext(ctx, `
		UPDATE campaigns SET skipped_count = skipped_count + $2 WHERE id=$1
		RETURNING `+campaignColumns, id, n))
	if err != nil {
		return nil, 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, false, err
	}
	return c, int(n), true, nil
}

const completeIfDoneQuery = `
	UPDATE campaigns SET status='COMPLETED', completed_at=$2, updated_at=$2
	WHERE id=$1 AND status='RUNNING'
	  AND NOT EXISTS (
		SELECT 1 FROM campaign_recipients
		WHERE campaign_id=$1 AND status IN ('PENDING', 'SENDING')
	  )
`

func (r *CampaignRepository) CompleteIfDone(ctx context.Context, id int64, now time.Time) (*model.Campaign, error) {
	if _, err := r.DB.ExecContext(ctx, completeIfDoneQuery, id, now); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *CampaignRepository) Delete(ctx context.Context, id int64, deletable []model.CampaignStatus) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1 AND status = ANY($2)`, id, pq.Array(statusStrings(deletable)))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return appErrors.ErrCampaignNotDeletable
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
