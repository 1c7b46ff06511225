package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/leadblast-dispatch/internal/gateway"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
)

// Thresholds an instance must meet to be recommended for sending.
const (
	MinWarmupProgress = 50.0
	MinHealthScore    = 70.0
	MaxSent24h        = 300
	MinResponseRate   = 0.6
)

type ConnectionSource interface {
	ConnectionState(ctx context.Context, instance string) (*gateway.ConnectionStatus, error)
}

type InstanceLister interface {
	ListInstances(ctx context.Context) ([]model.Instance, error)
}

type WarmupSource interface {
	WarmupProgress(ctx context.Context, instance string) (float64, error)
}

type HealthMetricsSource interface {
	HealthMetrics(ctx context.Context, instance string) (*model.HealthMetrics, error)
}

type TrafficSource interface {
	Traffic(ctx context.Context, instance string, since time.Time) (model.TrafficStats, error)
}

// HealthProvider is what the rotation selector needs from the registry.
type HealthProvider interface {
	GetInstanceHealth(ctx context.Context, instance string) model.InstanceHealthInfo
}

// InstanceHealthRegistry derives a fresh InstanceHealthInfo on every call.
// Nothing is cached between calls.
type InstanceHealthRegistry struct {
	Connections ConnectionSource
	Instances   InstanceLister
	Warmup      WarmupSource
	Health      HealthMetricsSource
	Traffic     TrafficSource
	Clock       Clock
	Log         *logrus.Entry
}

func NewInstanceHealthRegistry(gw gateway.Client, warmup WarmupSource, health HealthMetricsSource, traffic TrafficSource, clock Clock, log *logrus.Entry) *InstanceHealthRegistry {
	if clock == nil {
		clock = RealClock
	}
	if log == nil {
		log = logrus.WithField("component", "health-registry")
	}
	return &InstanceHealthRegistry{
		Connections: gw,
		Instances:   gw,
		Warmup:      warmup,
		Health:      health,
		Traffic:     traffic,
		Clock:       clock,
		Log:         log,
	}
}

// GetInstanceHealth never returns an error. If any source fails the instance
// is reported closed, CRITICAL and not recommended.
func (r *InstanceHealthRegistry) GetInstanceHealth(ctx context.Context, instance string) model.InstanceHealthInfo {
	now := r.Clock.Now()
	info, err := r.collect(ctx, instance, now)
	if err != nil {
		r.Log.WithError(err).WithField("instance", instance).Warn("health read failed, treating instance as critical")
		return failClosed(instance, now)
	}
	return info
}

func (r *InstanceHealthRegistry) collect(ctx context.Context, instance string, now time.Time) (model.InstanceHealthInfo, error) {
	conn, err := r.Connections.ConnectionState(ctx, instance)
	if err != nil {
		return model.InstanceHealthInfo{}, fmt.Errorf("connection state: %w", err)
	}
	warmup, err := r.Warmup.WarmupProgress(ctx, instance)
	if err != nil {
		return model.InstanceHealthInfo{}, fmt.Errorf("warmup: %w", err)
	}
	metrics, err := r.Health.HealthMetrics(ctx, instance)
	if err != nil {
		return model.InstanceHealthInfo{}, fmt.Errorf("health metrics: %w", err)
	}
	traffic, err := r.Traffic.Traffic(ctx, instance, now.Add(-24*time.Hour))
	if err != nil {
		return model.InstanceHealthInfo{}, fmt.Errorf("traffic: %w", err)
	}

	info := model.InstanceHealthInfo{
		InstanceName:        instance,
		Status:              conn.State,
		WarmupProgress:      warmup,
		HealthScore:         metrics.HealthScore,
		MessagesSent24h:     traffic.Sent24h,
		MessagesReceived24h: traffic.Received24h,
		ResponseRate:        metrics.ResponseRate,
		DeliveryRate:        metrics.DeliveryRate,
		RiskLevel:           metrics.RiskLevel,
		CheckedAt:           now,
	}
	if info.RiskLevel == "" {
		info.RiskLevel = model.RiskMedium
	}
	info.IsRecommended = IsRecommended(info)
	return info, nil
}

// IsRecommended applies the sending thresholds. Every condition must hold.
func IsRecommended(info model.InstanceHealthInfo) bool {
	return info.Status == model.ConnectionOpen &&
		info.WarmupProgress >= MinWarmupProgress &&
		info.HealthScore >= MinHealthScore &&
		info.RiskLevel != model.RiskCritical &&
		info.MessagesSent24h <= MaxSent24h &&
		info.ResponseRate >= MinResponseRate
}

func failClosed(instance string, now time.Time) model.InstanceHealthInfo {
	return model.InstanceHealthInfo{
		InstanceName:  instance,
		Status:        model.ConnectionClose,
		RiskLevel:     model.RiskCritical,
		IsRecommended: false,
		CheckedAt:     now,
	}
}

// ListInstanceHealth computes health for every instance the gateway knows.
func (r *InstanceHealthRegistry) ListInstanceHealth(ctx context.Context) ([]model.InstanceHealthInfo, error) {
	instances, err := r.Instances.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]model.InstanceHealthInfo, 0, len(instances))
	for _, inst := range instances {
		out = append(out, r.GetInstanceHealth(ctx, inst.Name))
	}
	return out, nil
}

var _ HealthProvider = (*InstanceHealthRegistry)(nil)
