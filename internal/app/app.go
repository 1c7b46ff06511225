// Package app wires repositories, gateway and services from configuration.
// Both the API server and the standalone worker build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/leadblast-dispatch/internal/config"
	"github.com/unclebandit/leadblast-dispatch/internal/db"
	"github.com/unclebandit/leadblast-dispatch/internal/gateway"
	"github.com/unclebandit/leadblast-dispatch/internal/logging"
	"github.com/unclebandit/leadblast-dispatch/internal/queue"
	"github.com/unclebandit/leadblast-dispatch/internal/repository"
	"github.com/unclebandit/leadblast-dispatch/internal/sanitizer"
	"github.com/unclebandit/leadblast-dispatch/internal/service"
	"github.com/unclebandit/leadblast-dispatch/internal/usage"
)

type App struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client
	Queue  queue.Queue

	CampaignRepo *repository.CampaignRepository
	LeadRepo     *repository.LeadRepository
	LogRepo      *repository.MessageLogRepository

	Registry   *service.InstanceHealthRegistry
	Selector   *service.InstanceRotationSelector
	Dispatcher *service.Dispatcher
	Campaigns  *service.CampaignService
	Statuses   *service.MessageStatusService
	Importer   *service.LeadImportService

	closers []func() error
}

// New connects to every backing store and assembles the services. Redis and
// RabbitMQ are optional; without them usage counts and dispatch jobs stay in
// process.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn}
	a.closers = append(a.closers, conn.Close)

	var counter usage.Counter = usage.NewMemoryCounter()
	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		counter = usage.NewRedisCounter(a.Redis, logging.Component("usage"))
		a.closers = append(a.closers, a.Redis.Close)
	}

	if cfg.RabbitMQ.URL != "" {
		mq, err := queue.DialRabbitMQ(cfg.RabbitMQ.URL, 1, logging.Component("rabbitmq"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = mq
		a.closers = append(a.closers, mq.Close)
	} else {
		a.Queue = queue.NewInMemoryQueue(logging.Component("queue"))
	}

	a.CampaignRepo = &repository.CampaignRepository{DB: conn}
	a.LeadRepo = &repository.LeadRepository{DB: conn}
	a.LogRepo = &repository.MessageLogRepository{DB: conn}
	metrics := &repository.MetricsRepository{DB: conn}

	gw := gateway.NewHTTPClient(cfg.Gateway, logging.Component("gateway"))
	a.Registry = service.NewInstanceHealthRegistry(gw, metrics, metrics, metrics, service.RealClock, logging.Component("health-registry"))
	a.Selector = service.NewInstanceRotationSelector(a.CampaignRepo, a.Registry, counter, logging.Component("rotation"))

	a.Dispatcher = service.NewDispatcher(a.CampaignRepo, a.LeadRepo, a.LogRepo, a.Selector, gw,
		sanitizer.NewCommand(cfg.Sanitizer, logging.Component("sanitizer")), logging.Component("dispatcher"))
	a.Dispatcher.DefaultMinDelay = cfg.Dispatch.DefaultMinDelay
	a.Dispatcher.DefaultMaxDelay = cfg.Dispatch.DefaultMaxDelay

	a.Campaigns = &service.CampaignService{
		CampaignRepo:    a.CampaignRepo,
		LeadRepo:        a.LeadRepo,
		Queue:           a.Queue,
		Dispatch:        a.Dispatcher,
		Clock:           service.RealClock,
		Log:             logging.Component("campaign-service"),
		Topic:           cfg.RabbitMQ.DispatchQueue,
		DefaultMinDelay: cfg.Dispatch.DefaultMinDelay,
		DefaultMaxDelay: cfg.Dispatch.DefaultMaxDelay,
	}
	a.Statuses = &service.MessageStatusService{
		CampaignRepo: a.CampaignRepo,
		LeadRepo:     a.LeadRepo,
		LogRepo:      a.LogRepo,
		Clock:        service.RealClock,
		Log:          logging.Component("message-status"),
	}
	a.Importer = &service.LeadImportService{Uploader: a.Campaigns}
	return a, nil
}

// StartWorker subscribes a dispatch worker to the job topic.
func (a *App) StartWorker(ctx context.Context) (*service.DispatchWorker, error) {
	w := service.NewDispatchWorker(ctx, a.Dispatcher, logging.Component("worker"))
	topic := a.Config.RabbitMQ.DispatchQueue
	if topic == "" {
		topic = queue.DispatchTopic
	}
	if err := a.Queue.Subscribe(topic, w.Handle); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	logrus.WithFields(logrus.Fields{"worker_id": w.ID, "topic": topic}).Info("👷 dispatch worker subscribed")
	return w, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logrus.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
