package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign) error
	Update(ctx context.Context, c *model.Campaign, expected model.CampaignStatus) error
	Delete(ctx context.Context, id int) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)

	// Dispatch lifecycle
	ListDue(ctx context.Context, typ model.CampaignType, now time.Time) ([]*model.Campaign, error)
	ClaimForDispatch(ctx context.Context, id int, runID string, startedAt time.Time) (bool, error)
	TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error)
	UpdateStatus(ctx context.Context, id int, status model.CampaignStatus) error
	UpdateProgress(ctx context.Context, id int, runID string, progress, sent, failed int) error
	Finish(ctx context.Context, id int, runID string, status model.CampaignStatus, progress int, completedAt *time.Time) (bool, error)
	Reschedule(ctx context.Context, id int, next time.Time) error
	RefreshTotalLeads(ctx context.Context, id int) (int, error)
	IncrementDeliveryCounter(ctx context.Context, id int, status model.LeadStatus) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, organization_id, created_by, name, description, type, status,
    message_template, media, min_delay, max_delay, use_instance_rotation, instance_ids,
    instance_name, scheduled_at, timezone, recurrence, progress, total_leads, sent_leads,
    delivered_leads, read_leads, failed_leads, run_id, started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID, &c.OrganizationID, &c.CreatedBy, &c.Name, &c.Description, &c.Type, &c.Status,
		&c.MessageTemplate, &c.Media, &c.MinDelay, &c.MaxDelay, &c.UseInstanceRotation, &c.InstanceIDs,
		&c.InstanceName, &c.ScheduledAt, &c.Timezone, &c.Recurrence, &c.Progress, &c.TotalLeads, &c.SentLeads,
		&c.DeliveredLeads, &c.ReadLeads, &c.FailedLeads, &c.RunID, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CampaignStatusDraft
	}
	if c.Type == "" {
		c.Type = model.CampaignTypeImmediate
	}
	if c.InstanceIDs == nil {
		c.InstanceIDs = pq.StringArray{}
	}
	query := `
        INSERT INTO campaigns (organization_id, created_by, name, description, type, status,
            message_template, media, min_delay, max_delay, use_instance_rotation, instance_ids,
            instance_name, scheduled_at, timezone, recurrence, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		c.OrganizationID, c.CreatedBy, c.Name, c.Description, c.Type, c.Status,
		c.MessageTemplate, c.Media, c.MinDelay, c.MaxDelay, c.UseInstanceRotation, c.InstanceIDs,
		c.InstanceName, c.ScheduledAt, c.Timezone, c.Recurrence, c.CreatedAt,
	).Scan(&c.ID)
}

// Update persists the user-editable fields and the status derived from them.
// The write only lands while the stored status is still expected; a campaign
// claimed or paused in between yields ErrInvalidTransition. Counters are
// owned by the dispatch engine and are not touched here.
func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign, expected model.CampaignStatus) error {
	query := `
        UPDATE campaigns
        SET name=$1, description=$2, message_template=$3, media=$4, min_delay=$5, max_delay=$6,
            use_instance_rotation=$7, instance_ids=$8, instance_name=$9, scheduled_at=$10,
            timezone=$11, recurrence=$12, type=$13, status=$14, updated_at=NOW()
        WHERE id=$15 AND status=$16
    `
	res, err := r.DB.ExecContext(ctx, query,
		c.Name, c.Description, c.MessageTemplate, c.Media, c.MinDelay, c.MaxDelay,
		c.UseInstanceRotation, c.InstanceIDs, c.InstanceName, c.ScheduledAt,
		c.Timezone, c.Recurrence, c.Type, c.Status, c.ID, expected,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current model.CampaignStatus
	err = r.DB.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id=$1`, c.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	if err != nil {
		return err
	}
	return appErrors.NewInvalidTransition(c.ID, string(current), string(c.Status))
}

func (r *CampaignRepository) Delete(ctx context.Context, id int) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		filter := fmt.Sprintf(" AND status=$%d", argPos)
		query += filter
		countQuery += filter
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// ====================== Dispatch lifecycle ======================

// ListDue returns SCHEDULED campaigns of the given type whose time has come.
func (r *CampaignRepository) ListDue(ctx context.Context, typ model.CampaignType, now time.Time) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
        FROM campaigns
        WHERE status=$1 AND type=$2 AND scheduled_at <= $3
        ORDER BY scheduled_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, model.CampaignStatusScheduled, typ, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

// ClaimForDispatch atomically moves a campaign into RUNNING, stamps it with
// runID and resets its run counters. It returns false when the campaign was
// already RUNNING or is in a terminal state.
func (r *CampaignRepository) ClaimForDispatch(ctx context.Context, id int, runID string, startedAt time.Time) (bool, error) {
	query := `
        UPDATE campaigns
        SET status=$1, run_id=$2, started_at=$3, completed_at=NULL, progress=0,
            sent_leads=0, delivered_leads=0, read_leads=0, failed_leads=0, updated_at=NOW()
        WHERE id=$4 AND status NOT IN ($1, $5, $6)
    `
	res, err := r.DB.ExecContext(ctx, query,
		model.CampaignStatusRunning, runID, startedAt, id,
		model.CampaignStatusCompleted, model.CampaignStatusCancelled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	allowed := make(pq.StringArray, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status = ANY($3)`,
		to, id, allowed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id int, status model.CampaignStatus) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	return err
}

// UpdateProgress is a no-op once another run has claimed the campaign.
func (r *CampaignRepository) UpdateProgress(ctx context.Context, id int, runID string, progress, sent, failed int) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET progress=$1, sent_leads=$2, failed_leads=$3, updated_at=NOW() WHERE id=$4 AND run_id=$5`,
		progress, sent, failed, id, runID)
	return err
}

// Finish records the outcome of run runID. It reports false, writing
// nothing, when another run has claimed the campaign since or the stored
// status is not one status may replace (see CampaignStatus.FinishableFrom).
func (r *CampaignRepository) Finish(ctx context.Context, id int, runID string, status model.CampaignStatus, progress int, completedAt *time.Time) (bool, error) {
	from := status.FinishableFrom()
	allowed := make(pq.StringArray, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET status=$1, progress=$2, completed_at=$3, updated_at=NOW()
        WHERE id=$4 AND run_id=$5 AND status = ANY($6)`,
		status, progress, completedAt, id, runID, allowed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignRepository) Reschedule(ctx context.Context, id int, next time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET status=$1, scheduled_at=$2, updated_at=NOW() WHERE id=$3`,
		model.CampaignStatusScheduled, next, id)
	return err
}

func (r *CampaignRepository) RefreshTotalLeads(ctx context.Context, id int) (int, error) {
	var total int
	err := r.DB.QueryRowContext(ctx, `
        UPDATE campaigns
        SET total_leads = (SELECT COUNT(*) FROM campaign_leads WHERE campaign_id=$1), updated_at=NOW()
        WHERE id=$1
        RETURNING total_leads`, id).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, appErrors.NewCampaignNotFound(id)
	}
	return total, err
}

func (r *CampaignRepository) IncrementDeliveryCounter(ctx context.Context, id int, status model.LeadStatus) error {
	var column string
	switch status {
	case model.LeadStatusDelivered:
		column = "delivered_leads"
	case model.LeadStatusRead:
		column = "read_leads"
	default:
		return fmt.Errorf("no counter for lead status %s", status)
	}
	_, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET `+column+`=`+column+`+1, updated_at=NOW() WHERE id=$1`, id)
	return err
}

func requireRow(res sql.Result, id int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
