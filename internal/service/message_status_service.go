package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
	"github.com/unclebandit/leadblast-dispatch/internal/repository"
)

// MessageStatusService applies asynchronous delivery callbacks from the
// gateway. Leads only ever move forward: SENT, DELIVERED, READ.
type MessageStatusService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	LeadRepo     repository.LeadRepositoryInterface
	LogRepo      repository.MessageLogRepositoryInterface
	Clock        Clock
	Log          *logrus.Entry
}

type StatusUpdate struct {
	MessageID string           `json:"messageId"`
	Status    model.LeadStatus `json:"status"`
	At        *time.Time       `json:"at,omitempty"`
}

type StatusUpdateResult struct {
	MessageID  string           `json:"messageId"`
	CampaignID int              `json:"campaignId"`
	LeadID     int              `json:"leadId"`
	LeadStatus model.LeadStatus `json:"leadStatus"`
	Applied    bool             `json:"applied"`
}

func (s *MessageStatusService) Apply(ctx context.Context, u StatusUpdate) (*StatusUpdateResult, error) {
	u.MessageID = strings.TrimSpace(u.MessageID)
	if u.MessageID == "" {
		return nil, appErrors.NewValidation("messageId", "is required")
	}
	u.Status = model.LeadStatus(strings.ToUpper(string(u.Status)))
	switch u.Status {
	case model.LeadStatusSent, model.LeadStatusDelivered, model.LeadStatusRead:
	default:
		return nil, appErrors.NewValidation("status", fmt.Sprintf("unsupported status %q", u.Status))
	}

	at := RealClock.Now()
	if s.Clock != nil {
		at = s.Clock.Now()
	}
	if u.At != nil {
		at = *u.At
	}

	msgLog, err := s.LogRepo.AppendStatus(ctx, u.MessageID, model.StatusEvent{Status: u.Status, At: at})
	if err != nil {
		return nil, err
	}
	if msgLog == nil {
		return nil, appErrors.NewMessageNotFound(u.MessageID)
	}

	lead, err := s.LeadRepo.GetByID(ctx, msgLog.LeadID)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, appErrors.NewMessageNotFound(u.MessageID)
	}

	result := &StatusUpdateResult{
		MessageID:  u.MessageID,
		CampaignID: lead.CampaignID,
		LeadID:     lead.ID,
		LeadStatus: lead.Status,
	}
	// The lead tracks the last message of its current run only. Callbacks for
	// earlier runs, or for the media part of a media+text send, stay in the
	// message log.
	if lead.MessageID == nil || *lead.MessageID != u.MessageID {
		return result, nil
	}
	if !lead.Status.Advances(u.Status) {
		return result, nil
	}

	ok, err := s.LeadRepo.AdvanceStatus(ctx, lead.ID, u.MessageID, lead.Status, u.Status, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another callback moved the lead first.
		return result, nil
	}

	// A READ straight from SENT also counts as delivered.
	if lead.Status == model.LeadStatusSent {
		if err := s.CampaignRepo.IncrementDeliveryCounter(ctx, lead.CampaignID, model.LeadStatusDelivered); err != nil {
			return nil, err
		}
	}
	if u.Status == model.LeadStatusRead {
		if err := s.CampaignRepo.IncrementDeliveryCounter(ctx, lead.CampaignID, model.LeadStatusRead); err != nil {
			return nil, err
		}
	}

	if s.Log != nil {
		s.Log.WithFields(logrus.Fields{
			"campaign_id": lead.CampaignID,
			"lead_id":     lead.ID,
			"from":        lead.Status,
			"to":          u.Status,
		}).Debug("lead status advanced")
	}
	result.LeadStatus = u.Status
	result.Applied = true
	return result, nil
}
