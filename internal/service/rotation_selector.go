package service

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
	"github.com/unclebandit/leadblast-dispatch/internal/usage"
)

type CampaignGetter interface {
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
}

// InstanceSelector picks the instance for the next send of a campaign.
type InstanceSelector interface {
	GetNextAvailableInstance(ctx context.Context, campaignID int) (*model.InstanceHealthInfo, error)
}

type InstanceRotationSelector struct {
	Campaigns CampaignGetter
	Health    HealthProvider
	Usage     usage.Counter
	Log       *logrus.Entry
}

func NewInstanceRotationSelector(campaigns CampaignGetter, health HealthProvider, counter usage.Counter, log *logrus.Entry) *InstanceRotationSelector {
	if log == nil {
		log = logrus.WithField("component", "rotation")
	}
	return &InstanceRotationSelector{Campaigns: campaigns, Health: health, Usage: counter, Log: log}
}

// GetNextAvailableInstance returns nil, nil when rotation does not apply to
// the campaign or when no eligible instance is currently recommended.
func (s *InstanceRotationSelector) GetNextAvailableInstance(ctx context.Context, campaignID int) (*model.InstanceHealthInfo, error) {
	campaign, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !campaign.UseInstanceRotation || len(campaign.InstanceIDs) == 0 {
		return nil, nil
	}

	best := s.Select(ctx, campaign.InstanceIDs)
	if best == nil {
		s.Log.WithField("campaign_id", campaignID).Warn("no recommended instance among eligible list")
		return nil, nil
	}

	if s.Usage != nil {
		s.Usage.Increment(best.InstanceName)
	}
	return best, nil
}

// Select scores the open, recommended instances among names and returns the
// best one, or nil.
func (s *InstanceRotationSelector) Select(ctx context.Context, names []string) *model.InstanceHealthInfo {
	seen := make(map[string]bool, len(names))
	var best *model.InstanceHealthInfo
	bestScore := math.Inf(-1)

	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		info := s.Health.GetInstanceHealth(ctx, name)
		if info.Status != model.ConnectionOpen || !info.IsRecommended {
			continue
		}

		score := Score(info)
		if best == nil || better(info, score, *best, bestScore) {
			candidate := info
			best = &candidate
			bestScore = score
		}
	}
	return best
}

// better orders candidates: higher score, then fewer sends in the last 24h,
// then the lexicographically smaller name.
func better(a model.InstanceHealthInfo, scoreA float64, b model.InstanceHealthInfo, scoreB float64) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	if a.MessagesSent24h != b.MessagesSent24h {
		return a.MessagesSent24h < b.MessagesSent24h
	}
	return a.InstanceName < b.InstanceName
}

// Score weighs health, warmup, delivery and response rates (each 0-100)
// and applies the risk and volume adjustments. The result is never negative.
func Score(info model.InstanceHealthInfo) float64 {
	score := 0.40*(info.HealthScore/100) +
		0.30*(info.WarmupProgress/100) +
		0.20*(info.DeliveryRate/100) +
		0.10*(info.ResponseRate/100)

	switch info.RiskLevel {
	case model.RiskHigh:
		score -= 20
	case model.RiskCritical:
		score -= 40
	}

	if info.MessagesSent24h > 100 {
		score -= 10
	}
	if info.MessagesSent24h > 200 {
		score -= 20
	}
	if info.MessagesSent24h < 50 {
		score += 5
	}

	return math.Max(0, score)
}

var _ InstanceSelector = (*InstanceRotationSelector)(nil)
