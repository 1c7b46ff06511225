// Package logging configures logrus and optional Sentry error reporting.
package logging

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/leadblast-dispatch/internal/config"
)

// Configure applies level and formatter to the standard logrus logger.
func Configure(cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

// InitSentry enables error reporting when a DSN is configured.
func InitSentry(cfg config.SentryConfig) error {
	if cfg.DSN == "" {
		logrus.Info("Sentry DSN not set, error reporting disabled")
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	logrus.Info("Sentry initialized")
	return nil
}

// Flush waits for buffered Sentry events on shutdown.
func Flush() {
	sentry.Flush(2 * time.Second)
}

// CaptureCampaignError reports an error tied to a campaign. It is a no-op
// when Sentry was never initialised.
func CaptureCampaignError(campaignID int, stage string, err error) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("campaign_id", fmt.Sprint(campaignID))
		scope.SetTag("stage", stage)
		sentry.CaptureException(err)
	})
}
