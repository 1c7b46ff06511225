// cmd/seeder/main.go
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/leadblast-dispatch/internal/config"
	"github.com/unclebandit/leadblast-dispatch/internal/db"
	"github.com/unclebandit/leadblast-dispatch/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logging.Configure(cfg.Log)

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect")
	}
	defer conn.Close()

	seedFiles := []string{
		"seed/schema.sql",
		"seed/instances.sql",
		"seed/campaigns.sql",
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			logrus.WithError(err).Fatalf("failed to read %s", file)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			logrus.WithError(err).Fatalf("failed to execute %s", file)
		}
		logrus.WithField("file", file).Info("seeded")
	}

	logrus.Info("✅ Database seeding completed")
}
