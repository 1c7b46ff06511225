// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
	"github.com/unclebandit/leadblast-dispatch/internal/queue"
	"github.com/unclebandit/leadblast-dispatch/internal/repository"
)

// DispatchControl signals runs living in this process.
type DispatchControl interface {
	StopDispatch(campaignID int) bool
	CancelDispatch(campaignID int) bool
}

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	LeadRepo     repository.LeadRepositoryInterface
	Queue        queue.Queue
	Dispatch     DispatchControl
	Clock        Clock
	Log          *logrus.Entry

	// Topic dispatch jobs are published on; empty means queue.DispatchTopic.
	Topic string

	// Applied to new campaigns that do not set their own delay bounds.
	DefaultMinDelay int
	DefaultMaxDelay int
}

// CampaignInput is the user-editable part of a campaign.
type CampaignInput struct {
	OrganizationID      string              `json:"organizationId"`
	CreatedBy           string              `json:"createdBy"`
	Name                string              `json:"name"`
	Description         *string             `json:"description,omitempty"`
	Type                model.CampaignType  `json:"type"`
	MessageTemplate     string              `json:"messageTemplate"`
	Media               *model.MediaPayload `json:"media,omitempty"`
	MinDelay            *int                `json:"minDelay,omitempty"`
	MaxDelay            *int                `json:"maxDelay,omitempty"`
	UseInstanceRotation bool                `json:"useInstanceRotation"`
	InstanceIDs         []string            `json:"instanceIds"`
	InstanceName        *string             `json:"instanceName,omitempty"`
	ScheduledAt         *time.Time          `json:"scheduledAt,omitempty"`
	Timezone            string              `json:"timezone"`
	Recurrence          *model.Recurrence   `json:"recurrence,omitempty"`
}

// StartRequest carries the optional per-run overrides of startDispatch.
type StartRequest struct {
	InstanceName string  `json:"instanceName,omitempty"`
	Message      *string `json:"message,omitempty"`
	MinDelay     *int    `json:"minDelay,omitempty"`
	MaxDelay     *int    `json:"maxDelay,omitempty"`
}

type UploadResult struct {
	CampaignID int `json:"campaignId"`
	Received   int `json:"received"`
	Inserted   int `json:"inserted"`
	Skipped    int `json:"skipped"`
	TotalLeads int `json:"totalLeads"`
}

func (s *CampaignService) now() time.Time {
	if s.Clock == nil {
		return RealClock.Now()
	}
	return s.Clock.Now()
}

func (s *CampaignService) log() *logrus.Entry {
	if s.Log == nil {
		return logrus.WithField("component", "campaign-service")
	}
	return s.Log
}

func (s *CampaignService) CreateCampaign(ctx context.Context, in CampaignInput) (*model.Campaign, error) {
	c := &model.Campaign{
		OrganizationID: in.OrganizationID,
		CreatedBy:      in.CreatedBy,
		Status:         model.CampaignStatusDraft,
		MinDelay:       s.DefaultMinDelay,
		MaxDelay:       s.DefaultMaxDelay,
	}
	if err := applyInput(c, in); err != nil {
		return nil, err
	}
	if c.ScheduledAt != nil && c.Type != model.CampaignTypeImmediate {
		c.Status = model.CampaignStatusScheduled
	}

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.log().WithFields(logrus.Fields{"campaign_id": c.ID, "status": c.Status}).Info("campaign created")
	return c, nil
}

func (s *CampaignService) UpdateCampaign(ctx context.Context, id int, in CampaignInput) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CampaignStatusRunning || c.Status.IsTerminal() {
		return nil, appErrors.NewInvalidTransition(id, string(c.Status), "edited")
	}
	prev := c.Status
	if err := applyInput(c, in); err != nil {
		return nil, err
	}
	switch {
	case c.ScheduledAt != nil && c.Type != model.CampaignTypeImmediate && c.Status == model.CampaignStatusDraft:
		c.Status = model.CampaignStatusScheduled
	case c.ScheduledAt == nil && c.Status == model.CampaignStatusScheduled:
		c.Status = model.CampaignStatusDraft
	}

	if err := s.CampaignRepo.Update(ctx, c, prev); err != nil {
		return nil, err
	}
	return c, nil
}

// applyInput validates in and copies it onto c.
func applyInput(c *model.Campaign, in CampaignInput) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return appErrors.NewValidation("name", "is required")
	}
	if strings.TrimSpace(in.MessageTemplate) == "" && in.Media == nil {
		return appErrors.NewValidation("messageTemplate", "a message or media is required")
	}

	typ := in.Type
	if typ == "" {
		typ = model.CampaignTypeImmediate
	}
	switch typ {
	case model.CampaignTypeImmediate, model.CampaignTypeScheduled, model.CampaignTypeRecurring:
	default:
		return appErrors.NewValidation("type", fmt.Sprintf("unknown type %q", typ))
	}
	if typ != model.CampaignTypeImmediate && in.ScheduledAt == nil {
		return appErrors.NewValidation("scheduledAt", "is required for scheduled and recurring campaigns")
	}

	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return appErrors.NewValidation("timezone", err.Error())
	}

	if typ == model.CampaignTypeRecurring {
		if in.Recurrence == nil {
			return appErrors.NewValidation("recurrence", "is required for recurring campaigns")
		}
		if _, err := NextOccurrence(*in.ScheduledAt, in.Recurrence, loc); err != nil {
			return appErrors.NewValidation("recurrence", err.Error())
		}
	}

	minDelay, maxDelay := c.MinDelay, c.MaxDelay
	if in.MinDelay != nil {
		minDelay = *in.MinDelay
	}
	if in.MaxDelay != nil {
		maxDelay = *in.MaxDelay
	}
	if minDelay < 0 || maxDelay < minDelay {
		return appErrors.NewValidation("delay", fmt.Sprintf("invalid bounds [%d, %d]", minDelay, maxDelay))
	}

	if in.UseInstanceRotation && len(in.InstanceIDs) == 0 {
		return appErrors.NewValidation("instanceIds", "rotation needs at least one instance")
	}

	c.Name = name
	c.Description = model.NormalizeOptional(in.Description)
	c.Type = typ
	c.MessageTemplate = in.MessageTemplate
	c.Media = in.Media
	c.MinDelay, c.MaxDelay = minDelay, maxDelay
	c.UseInstanceRotation = in.UseInstanceRotation
	c.InstanceIDs = pq.StringArray{}
	for _, name := range in.InstanceIDs {
		if name = strings.TrimSpace(name); name != "" {
			c.InstanceIDs = append(c.InstanceIDs, name)
		}
	}
	c.InstanceName = model.NormalizeOptional(in.InstanceName)
	c.ScheduledAt = in.ScheduledAt
	c.Timezone = tz
	c.Recurrence = in.Recurrence
	if typ != model.CampaignTypeRecurring {
		c.Recurrence = nil
	}
	return nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id int) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, id)
}

func (s *CampaignService) DeleteCampaign(ctx context.Context, id int) error {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == model.CampaignStatusRunning {
		return appErrors.NewInvalidTransition(id, string(c.Status), "deleted")
	}
	return s.CampaignRepo.Delete(ctx, id)
}

// Start validates the campaign and queues a dispatch job. The worker claims
// the campaign atomically, so a start racing the scheduler fails there.
func (s *CampaignService) Start(ctx context.Context, id int, req StartRequest) (*queue.DispatchJob, error) {
	return s.enqueue(ctx, id, req, "manual")
}

// Pause stops a running campaign after the lead in flight. A SCHEDULED
// campaign is held back from the scheduler.
func (s *CampaignService) Pause(ctx context.Context, id int) error {
	if err := s.transition(ctx, id, model.CampaignStatusPaused,
		model.CampaignStatusRunning, model.CampaignStatusScheduled); err != nil {
		return err
	}
	if s.Dispatch != nil {
		s.Dispatch.StopDispatch(id)
	}
	s.log().WithField("campaign_id", id).Info("⏸️ campaign paused")
	return nil
}

// Resume restarts a paused campaign from scratch through a new dispatch run.
func (s *CampaignService) Resume(ctx context.Context, id int, req StartRequest) (*queue.DispatchJob, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignStatusPaused {
		return nil, appErrors.NewInvalidTransition(id, string(c.Status), string(model.CampaignStatusRunning))
	}
	return s.enqueue(ctx, id, req, "resume")
}

func (s *CampaignService) Cancel(ctx context.Context, id int) error {
	if err := s.transition(ctx, id, model.CampaignStatusCancelled,
		model.CampaignStatusRunning, model.CampaignStatusScheduled, model.CampaignStatusPaused); err != nil {
		return err
	}
	if s.Dispatch != nil {
		s.Dispatch.CancelDispatch(id)
	}
	s.log().WithField("campaign_id", id).Info("campaign cancelled")
	return nil
}

func (s *CampaignService) transition(ctx context.Context, id int, to model.CampaignStatus, from ...model.CampaignStatus) error {
	ok, err := s.CampaignRepo.TransitionStatus(ctx, id, from, to)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return appErrors.NewInvalidTransition(id, string(c.Status), string(to))
}

func (s *CampaignService) enqueue(ctx context.Context, id int, req StartRequest, trigger string) (*queue.DispatchJob, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CampaignStatusRunning {
		return nil, appErrors.NewConcurrentRun(id)
	}
	if c.Status.IsTerminal() {
		return nil, appErrors.NewInvalidTransition(id, string(c.Status), string(model.CampaignStatusRunning))
	}
	count, err := s.LeadRepo.CountByCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, appErrors.NewEmptyCampaign(id)
	}

	job := &queue.DispatchJob{
		CampaignID:   id,
		InstanceName: strings.TrimSpace(req.InstanceName),
		Message:      req.Message,
		MinDelay:     req.MinDelay,
		MaxDelay:     req.MaxDelay,
		Trigger:      trigger,
		RequestedAt:  s.now(),
	}
	topic := s.Topic
	if topic == "" {
		topic = queue.DispatchTopic
	}
	if err := s.Queue.Publish(topic, *job); err != nil {
		return nil, fmt.Errorf("enqueue dispatch: %w", err)
	}
	s.log().WithFields(logrus.Fields{"campaign_id": id, "trigger": trigger}).Info("📤 dispatch queued")
	return job, nil
}

// UploadLeads adds leads in PENDING. Blank addresses and addresses already on
// the campaign are skipped.
func (s *CampaignService) UploadLeads(ctx context.Context, id int, leads []model.LeadInput) (*UploadResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CampaignStatusRunning {
		return nil, appErrors.NewInvalidTransition(id, string(c.Status), "receive leads")
	}
	if len(leads) == 0 {
		return nil, appErrors.NewValidation("leads", "at least one lead is required")
	}

	inserted, err := s.LeadRepo.BulkCreate(ctx, id, leads)
	if err != nil {
		return nil, err
	}
	total, err := s.CampaignRepo.RefreshTotalLeads(ctx, id)
	if err != nil {
		return nil, err
	}

	s.log().WithFields(logrus.Fields{"campaign_id": id, "inserted": inserted, "total": total}).Info("leads uploaded")
	return &UploadResult{
		CampaignID: id,
		Received:   len(leads),
		Inserted:   inserted,
		Skipped:    len(leads) - inserted,
		TotalLeads: total,
	}, nil
}

func (s *CampaignService) GetStats(ctx context.Context, id int) (*model.CampaignStats, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.LeadRepo.CountByStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.CampaignStats{
		CampaignID:     c.ID,
		Status:         c.Status,
		Progress:       c.Progress,
		TotalLeads:     c.TotalLeads,
		SentLeads:      c.SentLeads,
		DeliveredLeads: c.DeliveredLeads,
		ReadLeads:      c.ReadLeads,
		FailedLeads:    c.FailedLeads,
		ByStatus:       byStatus,
	}, nil
}

// RenderPreview renders the campaign message for one lead. Without a lead id
// the campaign's first lead is used; with no leads placeholders render empty.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID int, leadID *int, overrideTemplate *string) (string, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return "", err
	}

	template := campaign.MessageTemplate
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		template = *overrideTemplate
	}
	if strings.TrimSpace(template) == "" {
		return "", appErrors.NewValidation("template", "cannot be empty")
	}

	var lead *model.CampaignLead
	if leadID != nil {
		lead, err = s.LeadRepo.GetByID(ctx, *leadID)
		if err != nil {
			return "", err
		}
		if lead == nil || lead.CampaignID != campaignID {
			return "", appErrors.NewValidation("leadId", "lead not found in campaign")
		}
	} else {
		leads, err := s.LeadRepo.ListByCampaign(ctx, campaignID, 0, 1)
		if err != nil {
			return "", err
		}
		if len(leads) > 0 {
			lead = leads[0]
		}
	}

	return RenderTemplate(template, LeadTemplateData(lead)), nil
}
