// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/leadblast-dispatch/internal/app"
	"github.com/unclebandit/leadblast-dispatch/internal/config"
	"github.com/unclebandit/leadblast-dispatch/internal/controller"
	"github.com/unclebandit/leadblast-dispatch/internal/handler"
	"github.com/unclebandit/leadblast-dispatch/internal/logging"
	"github.com/unclebandit/leadblast-dispatch/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logging.Configure(cfg.Log)
	if err := logging.InitSentry(cfg.Sentry); err != nil {
		logrus.WithError(err).Warn("⚠️ sentry disabled")
	}
	defer logging.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialise")
	}
	defer a.Close()

	// Without RabbitMQ, jobs never leave this process, so it has to run them.
	if cfg.RabbitMQ.URL == "" {
		if _, err := a.StartWorker(ctx); err != nil {
			logrus.WithError(err).Fatal("failed to start worker")
		}
	}

	var scheduler *service.CampaignScheduler
	if cfg.Scheduler.Enabled {
		scheduler = service.NewCampaignScheduler(a.CampaignRepo, a.Dispatcher, service.SchedulerConfig{
			TickInterval:      cfg.Scheduler.TickInterval,
			ScheduledInterval: cfg.Scheduler.ScheduledInterval,
			RecurringInterval: cfg.Scheduler.RecurringInterval,
		}, logging.Component("scheduler"))
		if err := scheduler.Start(ctx); err != nil {
			logrus.WithError(err).Fatal("failed to start scheduler")
		}
	}

	router := handler.NewRouter(handler.Deps{
		Campaigns: &controller.CampaignController{
			CampaignService: a.Campaigns,
			Importer:        a.Importer,
			Log:             logging.Component("campaign-controller"),
		},
		Instances: &controller.InstanceController{Registry: a.Registry},
		Webhooks:  &controller.WebhookController{Statuses: a.Statuses},
		DB:        a.DB,
		Log:       logging.Component("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithField("port", cfg.Server.Port).Info("🚀 Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("🛑 shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("http shutdown")
	}
	if scheduler != nil {
		scheduler.Stop()
	}
}
