package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/leadblast-dispatch/internal/model"
)

type MessageLogRepositoryInterface interface {
	Create(ctx context.Context, log *model.MessageLog) error
	AppendStatus(ctx context.Context, gatewayMessageID string, event model.StatusEvent) (*model.MessageLog, error)
	ListByLead(ctx context.Context, leadID int) ([]*model.MessageLog, error)
}

type MessageLogRepository struct {
	DB *sql.DB
}

const messageLogColumns = `id, campaign_id, lead_id, instance_name, gateway_message_id, type, content,
    status_history, sent_at, created_at`

func scanMessageLog(row rowScanner) (*model.MessageLog, error) {
	var m model.MessageLog
	err := row.Scan(&m.ID, &m.CampaignID, &m.LeadID, &m.InstanceName, &m.GatewayMessageID, &m.Type,
		&m.Content, &m.StatusHistory, &m.SentAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessageLogRepository) Create(ctx context.Context, log *model.MessageLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO message_logs (id, campaign_id, lead_id, instance_name, gateway_message_id,
            type, content, status_history, sent_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		log.ID, log.CampaignID, log.LeadID, log.InstanceName, log.GatewayMessageID,
		log.Type, log.Content, log.StatusHistory, log.SentAt, log.CreatedAt)
	return err
}

// AppendStatus adds one entry to the status history of the log carrying the
// gateway message id. It returns nil, nil when no log matches.
func (r *MessageLogRepository) AppendStatus(ctx context.Context, gatewayMessageID string, event model.StatusEvent) (*model.MessageLog, error) {
	entry, err := json.Marshal([]model.StatusEvent{event})
	if err != nil {
		return nil, err
	}
	m, err := scanMessageLog(r.DB.QueryRowContext(ctx, `
        UPDATE message_logs
        SET status_history = status_history || $1::jsonb
        WHERE id = (
            SELECT id FROM message_logs WHERE gateway_message_id=$2 ORDER BY sent_at DESC LIMIT 1
        )
        RETURNING `+messageLogColumns, string(entry), gatewayMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (r *MessageLogRepository) ListByLead(ctx context.Context, leadID int) ([]*model.MessageLog, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+messageLogColumns+` FROM message_logs WHERE lead_id=$1 ORDER BY sent_at ASC`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*model.MessageLog{}
	for rows.Next() {
		m, err := scanMessageLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, m)
	}
	return logs, rows.Err()
}

var _ MessageLogRepositoryInterface = (*MessageLogRepository)(nil)
