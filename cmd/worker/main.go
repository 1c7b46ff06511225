// cmd/worker/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/leadblast-dispatch/internal/app"
	"github.com/unclebandit/leadblast-dispatch/internal/config"
	"github.com/unclebandit/leadblast-dispatch/internal/logging"
)

// The worker consumes dispatch jobs from RabbitMQ. Each process runs one
// campaign at a time (prefetch 1); scale by starting more workers.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	if cfg.RabbitMQ.URL == "" {
		logrus.Fatal("RABBITMQ_URL is required for the standalone worker")
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

	w, err := a.StartWorker(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("failed to start worker")
	}

	logrus.WithField("worker_id", w.ID).Info("👂 Waiting for dispatch jobs. To exit press CTRL+C")
	<-ctx.Done()
	logrus.Info("🛑 worker stopping")
}
