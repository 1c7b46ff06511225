// internal/model/campaign.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "DRAFT"
	CampaignStatusScheduled CampaignStatus = "SCHEDULED"
	CampaignStatusRunning   CampaignStatus = "RUNNING"
	CampaignStatusPaused    CampaignStatus = "PAUSED"
	CampaignStatusCompleted CampaignStatus = "COMPLETED"
	CampaignStatusCancelled CampaignStatus = "CANCELLED"
	CampaignStatusError     CampaignStatus = "ERROR"
)

// IsTerminal reports whether no further dispatch can happen from this status.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled
}

// FinishableFrom lists the stored statuses a run may overwrite when it ends
// in s. A run never completes over a pause or cancel it did not observe.
func (s CampaignStatus) FinishableFrom() []CampaignStatus {
	switch s {
	case CampaignStatusPaused:
		return []CampaignStatus{CampaignStatusRunning, CampaignStatusPaused}
	case CampaignStatusCancelled:
		return []CampaignStatus{CampaignStatusRunning, CampaignStatusPaused, CampaignStatusCancelled}
	}
	return []CampaignStatus{CampaignStatusRunning}
}

type CampaignType string

const (
	CampaignTypeImmediate CampaignType = "IMMEDIATE"
	CampaignTypeScheduled CampaignType = "SCHEDULED"
	CampaignTypeRecurring CampaignType = "RECURRING"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCron    Frequency = "cron"
)

// Recurrence describes how a RECURRING campaign repeats.
type Recurrence struct {
	Frequency Frequency  `json:"frequency"`
	Interval  int        `json:"interval"`
	CronExpr  string     `json:"cronExpr,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}

func (r Recurrence) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *Recurrence) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return errors.New("recurrence: expected []byte")
	}
	return json.Unmarshal(b, r)
}

type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

// MediaPayload is an attachment sent before the text body.
type MediaPayload struct {
	Type     MediaType `json:"type"`
	Base64   string    `json:"base64"`
	FileName string    `json:"fileName"`
	MimeType string    `json:"mimeType"`
	Caption  string    `json:"caption,omitempty"`
}

func (m MediaPayload) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *MediaPayload) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return errors.New("media: expected []byte")
	}
	return json.Unmarshal(b, m)
}

type Campaign struct {
	ID                  int            `db:"id" json:"id"`
	OrganizationID      string         `db:"organization_id" json:"organizationId"`
	CreatedBy           string         `db:"created_by" json:"createdBy"`
	Name                string         `db:"name" json:"name"`
	Description         *string        `db:"description" json:"description,omitempty"`
	Type                CampaignType   `db:"type" json:"type"`
	Status              CampaignStatus `db:"status" json:"status"`
	MessageTemplate     string         `db:"message_template" json:"messageTemplate"`
	Media               *MediaPayload  `db:"media" json:"media,omitempty"`
	MinDelay            int            `db:"min_delay" json:"minDelay"`
	MaxDelay            int            `db:"max_delay" json:"maxDelay"`
	UseInstanceRotation bool           `db:"use_instance_rotation" json:"useInstanceRotation"`
	InstanceIDs         pq.StringArray `db:"instance_ids" json:"instanceIds"`
	InstanceName        *string        `db:"instance_name" json:"instanceName,omitempty"`
	ScheduledAt         *time.Time     `db:"scheduled_at" json:"scheduledAt,omitempty"`
	Timezone            string         `db:"timezone" json:"timezone"`
	Recurrence          *Recurrence    `db:"recurrence" json:"recurrence,omitempty"`
	Progress            int            `db:"progress" json:"progress"`
	TotalLeads          int            `db:"total_leads" json:"totalLeads"`
	SentLeads           int            `db:"sent_leads" json:"sentLeads"`
	DeliveredLeads      int            `db:"delivered_leads" json:"deliveredLeads"`
	ReadLeads           int            `db:"read_leads" json:"readLeads"`
	FailedLeads         int            `db:"failed_leads" json:"failedLeads"`
	RunID               string         `db:"run_id" json:"runId,omitempty"`
	StartedAt           *time.Time     `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt         *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt           *time.Time     `db:"updated_at" json:"updatedAt,omitempty"`
}

// Location resolves the campaign timezone, falling back to UTC.
func (c *Campaign) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CampaignStats is the aggregate view returned by getStats.
type CampaignStats struct {
	CampaignID     int                `json:"campaignId"`
	Status         CampaignStatus     `json:"status"`
	Progress       int                `json:"progress"`
	TotalLeads     int                `json:"totalLeads"`
	SentLeads      int                `json:"sentLeads"`
	DeliveredLeads int                `json:"deliveredLeads"`
	ReadLeads      int                `json:"readLeads"`
	FailedLeads    int                `json:"failedLeads"`
	ByStatus       map[LeadStatus]int `json:"byStatus"`
}

// NormalizeOptional maps blank strings to nil so absent and empty are
// represented the same way at the model boundary.
func NormalizeOptional(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
