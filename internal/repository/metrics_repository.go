package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/unclebandit/leadblast-dispatch/internal/model"
)

// MetricsRepository reads the instance metric tables. Those tables are owned
// by other services; nothing here writes to them.
type MetricsRepository struct {
	DB *sql.DB
}

// WarmupProgress returns 0 for an instance that has never been warmed up.
func (r *MetricsRepository) WarmupProgress(ctx context.Context, instance string) (float64, error) {
	var progress float64
	err := r.DB.QueryRowContext(ctx,
		`SELECT progress FROM warmup_stats WHERE instance_name=$1`, instance).Scan(&progress)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return progress, err
}

// HealthMetrics fails when the instance has no metrics row. Callers treat
// that like any other read failure.
func (r *MetricsRepository) HealthMetrics(ctx context.Context, instance string) (*model.HealthMetrics, error) {
	var m model.HealthMetrics
	err := r.DB.QueryRowContext(ctx, `
        SELECT instance_name, health_score, response_rate, delivery_rate, risk_level, updated_at
        FROM health_metrics WHERE instance_name=$1`, instance).
		Scan(&m.InstanceName, &m.HealthScore, &m.ResponseRate, &m.DeliveryRate, &m.RiskLevel, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no health metrics for instance %s", instance)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Traffic counts messages sent through the instance since the given time and
// inbound media events recorded for it over the same window.
func (r *MetricsRepository) Traffic(ctx context.Context, instance string, since time.Time) (model.TrafficStats, error) {
	stats := model.TrafficStats{InstanceName: instance}
	err := r.DB.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(*) FROM message_logs WHERE instance_name=$1 AND sent_at >= $2),
            (SELECT COUNT(*) FROM media_stats WHERE instance_name=$1 AND direction='inbound' AND occurred_at >= $2)`,
		instance, since).Scan(&stats.Sent24h, &stats.Received24h)
	return stats, err
}
