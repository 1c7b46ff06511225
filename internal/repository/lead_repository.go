package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/unclebandit/leadblast-dispatch/internal/model"
)

type LeadRepositoryInterface interface {
	BulkCreate(ctx context.Context, campaignID int, leads []model.LeadInput) (int, error)
	GetByID(ctx context.Context, id int) (*model.CampaignLead, error)
	GetByMessageID(ctx context.Context, messageID string) (*model.CampaignLead, error)
	ListByCampaign(ctx context.Context, campaignID, offset, limit int) ([]*model.CampaignLead, error)
	CountByCampaign(ctx context.Context, campaignID int) (int, error)
	CountByStatus(ctx context.Context, campaignID int) (map[model.LeadStatus]int, error)

	ResetForRun(ctx context.Context, campaignID int) (int64, error)
	ListPending(ctx context.Context, campaignID int) ([]*model.CampaignLead, error)
	MarkProcessing(ctx context.Context, id int) error
	MarkSent(ctx context.Context, id int, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id int, reason string, at time.Time) error
	AdvanceStatus(ctx context.Context, id int, messageID string, from, to model.LeadStatus, at time.Time) (bool, error)
}

type LeadRepository struct {
	DB *sql.DB
}

const leadColumns = `id, campaign_id, name, address, email, status, message_id, failure_reason,
    retry_count, sent_at, delivered_at, read_at, failed_at, created_at, updated_at`

func scanLead(row rowScanner) (*model.CampaignLead, error) {
	var l model.CampaignLead
	err := row.Scan(&l.ID, &l.CampaignID, &l.Name, &l.Address, &l.Email, &l.Status, &l.MessageID,
		&l.FailureReason, &l.RetryCount, &l.SentAt, &l.DeliveredAt, &l.ReadAt, &l.FailedAt,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanLeads(rows *sql.Rows) ([]*model.CampaignLead, error) {
	defer rows.Close()
	leads := []*model.CampaignLead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// BulkCreate inserts leads in one transaction. Addresses already present on
// the campaign are skipped; the returned count is rows actually inserted.
func (r *LeadRepository) BulkCreate(ctx context.Context, campaignID int, leads []model.LeadInput) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO campaign_leads (campaign_id, name, address, email, status)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (campaign_id, address) DO NOTHING
    `)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, in := range leads {
		address := strings.TrimSpace(in.Address)
		if address == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx, campaignID, model.NormalizeOptional(in.Name), address,
			model.NormalizeOptional(in.Email), model.LeadStatusPending)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *LeadRepository) GetByID(ctx context.Context, id int) (*model.CampaignLead, error) {
	l, err := scanLead(r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM campaign_leads WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// GetByMessageID returns nil, nil when no lead carries the gateway id.
func (r *LeadRepository) GetByMessageID(ctx context.Context, messageID string) (*model.CampaignLead, error) {
	l, err := scanLead(r.DB.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM campaign_leads WHERE message_id=$1 LIMIT 1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (r *LeadRepository) ListByCampaign(ctx context.Context, campaignID, offset, limit int) ([]*model.CampaignLead, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+leadColumns+`
        FROM campaign_leads
        WHERE campaign_id=$1
        ORDER BY created_at ASC, id ASC
        LIMIT $2 OFFSET $3`, campaignID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanLeads(rows)
}

func (r *LeadRepository) CountByCampaign(ctx context.Context, campaignID int) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_leads WHERE campaign_id=$1`, campaignID).Scan(&n)
	return n, err
}

// CountByStatus returns a breakdown with every status present, zero-filled.
func (r *LeadRepository) CountByStatus(ctx context.Context, campaignID int) (map[model.LeadStatus]int, error) {
	counts := make(map[model.LeadStatus]int, len(model.AllLeadStatuses))
	for _, s := range model.AllLeadStatuses {
		counts[s] = 0
	}

	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM campaign_leads WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status model.LeadStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ResetForRun puts every lead of the campaign back to PENDING so a fresh run
// (or a resume) re-evaluates them. Delivery history on the lead is cleared;
// the message log keeps it.
func (r *LeadRepository) ResetForRun(ctx context.Context, campaignID int) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaign_leads
        SET status=$1, message_id=NULL, failure_reason=NULL, sent_at=NULL,
            delivered_at=NULL, read_at=NULL, failed_at=NULL, updated_at=NOW()
        WHERE campaign_id=$2 AND status <> $1`, model.LeadStatusPending, campaignID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListPending returns PENDING leads with a non-empty address in upload order.
func (r *LeadRepository) ListPending(ctx context.Context, campaignID int) ([]*model.CampaignLead, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+leadColumns+`
        FROM campaign_leads
        WHERE campaign_id=$1 AND status=$2 AND address <> ''
        ORDER BY created_at ASC, id ASC`, campaignID, model.LeadStatusPending)
	if err != nil {
		return nil, err
	}
	return scanLeads(rows)
}

func (r *LeadRepository) MarkProcessing(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE campaign_leads SET status=$1, updated_at=NOW() WHERE id=$2`, model.LeadStatusProcessing, id)
	return err
}

func (r *LeadRepository) MarkSent(ctx context.Context, id int, messageID string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE campaign_leads
        SET status=$1, message_id=$2, sent_at=$3, failure_reason=NULL, updated_at=NOW()
        WHERE id=$4`, model.LeadStatusSent, messageID, at, id)
	return err
}

func (r *LeadRepository) MarkFailed(ctx context.Context, id int, reason string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE campaign_leads
        SET status=$1, failure_reason=$2, failed_at=$3, retry_count=retry_count+1, updated_at=NOW()
        WHERE id=$4`, model.LeadStatusFailed, reason, at, id)
	return err
}

// AdvanceStatus applies a delivery callback only if the lead is still in
// the expected status and still carries messageID. Concurrent callbacks
// cannot move it backwards, and a late callback for a message from an
// earlier run does not touch the re-sent lead.
func (r *LeadRepository) AdvanceStatus(ctx context.Context, id int, messageID string, from, to model.LeadStatus, at time.Time) (bool, error) {
	var column string
	switch to {
	case model.LeadStatusDelivered:
		column = "delivered_at"
	case model.LeadStatusRead:
		column = "read_at"
	default:
		return false, nil
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaign_leads SET status=$1, `+column+`=$2, updated_at=NOW()
        WHERE id=$3 AND status=$4 AND message_id=$5`, to, at, id, from, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ LeadRepositoryInterface = (*LeadRepository)(nil)
