// internal/model/message_log.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
)

type StatusEvent struct {
	Status LeadStatus `json:"status"`
	At     time.Time  `json:"at"`
}

type StatusHistory []StatusEvent

func (h StatusHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

func (h *StatusHistory) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return errors.New("status history: expected []byte")
	}
	return json.Unmarshal(b, h)
}

// MessageLog is the append-only audit record of one outbound send.
type MessageLog struct {
	ID               string        `db:"id" json:"id"`
	CampaignID       int           `db:"campaign_id" json:"campaignId"`
	LeadID           int           `db:"lead_id" json:"leadId"`
	InstanceName     string        `db:"instance_name" json:"instanceName"`
	GatewayMessageID string        `db:"gateway_message_id" json:"gatewayMessageId"`
	Type             MessageType   `db:"type" json:"type"`
	Content          string        `db:"content" json:"content"`
	StatusHistory    StatusHistory `db:"status_history" json:"statusHistory"`
	SentAt           time.Time     `db:"sent_at" json:"sentAt"`
	CreatedAt        time.Time     `db:"created_at" json:"createdAt"`
}
