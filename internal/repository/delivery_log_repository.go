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

// ====================== Recipient jobs ======================

func (r *CampaignRepository) NextPendingJob(ctx context.Context, campaignID int64) (*model.RecipientJob, error) {
	query := `
		SELECT campaign_id, recipient_index, phone, contact_name, variables, status
		FROM campaign_recipients
		WHERE campaign_id=$1 AND status='PENDING'
		ORDER BY recipient_index
		LIMIT 1
	`
	var j model.RecipientJob
	err := r.DB.QueryRowContext(ctx, query, campaignID).Scan(
		&j.CampaignID, &j.Index, &j.Phone, &j.ContactName, pq.Array(&j.Variables), &j.Status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

// ClaimJob moves a PENDING job to SENDING, but only while its campaign is RUNNING.
func (r *CampaignRepository) ClaimJob(ctx context.Context, campaignID int64, index int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaign_recipients cr SET status='SENDING'
		FROM campaigns c
		WHERE cr.campaign_id=$1 AND cr.recipient_index=$2 AND cr.status='PENDING'
		  AND c.id=cr.campaign_id AND c.status='RUNNING'
	`, campaignID, index)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func counterDeltas(status model.JobStatus) (sent, failed, skipped int) {
	switch status {
	case model.JobSent:
		return 1, 0, 0
	case model.JobFailed:
		return 0, 1, 0
	case model.JobSkipped:
		return 0, 0, 1
	}
	return 0, 0, 0
}

// CompleteJob terminates an in-flight job: the job row, its log entry, the
// campaign counter and the automatic COMPLETED transition commit together.
func (r *CampaignRepository) CompleteJob(ctx context.Context, e *model.DeliveryLogEntry) (*model.Campaign, error) {
	if !e.Status.IsTerminal() {
		return nil, fmt.Errorf("complete job with non-terminal status %s", e.Status)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaign_recipients SET status=$3
		WHERE campaign_id=$1 AND recipient_index=$2 AND status='SENDING'
	`, e.CampaignID, e.RecipientIndex, e.Status)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, appErrors.ErrJobNotInFlight
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_logs (id, campaign_id, recipient_index, contact_phone, contact_name,
			status, used_template, sent_at, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.CampaignID, e.RecipientIndex, e.ContactPhone, e.ContactName,
		e.Status, e.UsedTemplate, e.SentAt, e.Error, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert delivery log: %w", err)
	}

	sent, failed, skipped := counterDeltas(e.Status)
	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count = sent_count + $2, failed_count = failed_count + $3,
		    skipped_count = skipped_count + $4, updated_at=$5
		WHERE id=$1
	`, e.CampaignID, sent, failed, skipped, e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, completeIfDoneQuery, e.CampaignID, e.CreatedAt); err != nil {
		return nil, err
	}

	c, err := getCampaign(ctx, tx, e.CampaignID)
	if err != nil {
		return nil, err
	}
	return c, tx.Commit()
}

// FailInFlight terminates a campaign's jobs left in SENDING by a loop that
// died mid-send. Their outcome is unknown, so they are never re-sent. The
// caller must own the campaign's lease.
func (r *CampaignRepository) FailInFlight(ctx context.Context, campaignID int64, logError string, now time.Time) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx, `
		WITH failed AS (
			UPDATE campaign_recipients SET status='FAILED'
			WHERE campaign_id=$1 AND status='SENDING'
			RETURNING campaign_id, recipient_index, phone, contact_name
		), logged AS (
			INSERT INTO delivery_logs (id, campaign_id, recipient_index, contact_phone, contact_name, status, used_template, error, created_at)
			SELECT gen_random_uuid(), campaign_id, recipient_index, phone, contact_name, 'FAILED', false, $2, $3
			FROM failed
			RETURNING 1
		)
		SELECT COUNT(*) FROM logged
	`, campaignID, logError, now).Scan(&n)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET failed_count = failed_count + $2, updated_at=$3 WHERE id=$1`, campaignID, n, now); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, completeIfDoneQuery, campaignID, now); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// ListInFlight returns the campaigns that have a job in SENDING.
func (r *CampaignRepository) ListInFlight(ctx context.Context) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT DISTINCT campaign_id FROM campaign_recipients
		WHERE status='SENDING' ORDER BY campaign_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *CampaignRepository) CountInFlight(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 AND status='SENDING'
	`, campaignID).Scan(&n)
	return n, err
}

// ====================== Delivery log ======================

func (r *CampaignRepository) ListLogs(ctx context.Context, campaignID int64, limit, offset int) ([]*model.DeliveryLogEntry, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_logs WHERE campaign_id=$1`, campaignID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, campaign_id, recipient_index, contact_phone, contact_name, status,
		       used_template, sent_at, error, created_at
		FROM delivery_logs
		WHERE campaign_id=$1
		ORDER BY seq
		LIMIT $2 OFFSET $3
	`, campaignID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []*model.DeliveryLogEntry{}
	for rows.Next() {
		var e model.DeliveryLogEntry
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.RecipientIndex, &e.ContactPhone, &e.ContactName,
			&e.Status, &e.UsedTemplate, &e.SentAt, &e.Error, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}
