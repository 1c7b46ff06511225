// internal/model/campaign_lead.go
package model

import "time"

type LeadStatus string

const (
	LeadStatusPending    LeadStatus = "PENDING"
	LeadStatusProcessing LeadStatus = "PROCESSING"
	LeadStatusSent       LeadStatus = "SENT"
	LeadStatusDelivered  LeadStatus = "DELIVERED"
	LeadStatusRead       LeadStatus = "READ"
	LeadStatusFailed     LeadStatus = "FAILED"
)

// AllLeadStatuses lists every lead status, used to build complete breakdowns.
var AllLeadStatuses = []LeadStatus{
	LeadStatusPending,
	LeadStatusProcessing,
	LeadStatusSent,
	LeadStatusDelivered,
	LeadStatusRead,
	LeadStatusFailed,
}

// rank orders the delivery progression so status callbacks never regress a lead.
func (s LeadStatus) rank() int {
	switch s {
	case LeadStatusSent:
		return 1
	case LeadStatusDelivered:
		return 2
	case LeadStatusRead:
		return 3
	}
	return 0
}

// Advances reports whether moving from s to next is forward progress.
func (s LeadStatus) Advances(next LeadStatus) bool {
	return s.rank() > 0 && next.rank() > s.rank()
}

type CampaignLead struct {
	ID            int        `db:"id" json:"id"`
	CampaignID    int        `db:"campaign_id" json:"campaignId"`
	Name          *string    `db:"name" json:"name,omitempty"`
	Address       string     `db:"address" json:"address"`
	Email         *string    `db:"email" json:"email,omitempty"`
	Status        LeadStatus `db:"status" json:"status"`
	MessageID     *string    `db:"message_id" json:"messageId,omitempty"`
	FailureReason *string    `db:"failure_reason" json:"failureReason,omitempty"`
	RetryCount    int        `db:"retry_count" json:"retryCount"`
	SentAt        *time.Time `db:"sent_at" json:"sentAt,omitempty"`
	DeliveredAt   *time.Time `db:"delivered_at" json:"deliveredAt,omitempty"`
	ReadAt        *time.Time `db:"read_at" json:"readAt,omitempty"`
	FailedAt      *time.Time `db:"failed_at" json:"failedAt,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}

// LeadInput is one row of an upload.
type LeadInput struct {
	Name    *string `json:"name,omitempty"`
	Address string  `json:"address"`
	Email   *string `json:"email,omitempty"`
}
