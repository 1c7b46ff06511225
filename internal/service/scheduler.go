package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/logging"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
	"github.com/unclebandit/leadblast-dispatch/internal/repository"
)

type SchedulerConfig struct {
	TickInterval      time.Duration
	ScheduledInterval time.Duration
	RecurringInterval time.Duration
}

// CampaignScheduler promotes due SCHEDULED and RECURRING campaigns into
// dispatch. A single ticker drives both scan cadences.
type CampaignScheduler struct {
	Campaigns repository.CampaignRepositoryInterface
	Runner    DispatchRunner
	Clock     Clock
	Config    SchedulerConfig
	Log       *logrus.Entry

	lastScheduled time.Time
	lastRecurring time.Time

	promoted int64
	failures int64

	ctx     context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	runWG   sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewCampaignScheduler(campaigns repository.CampaignRepositoryInterface, runner DispatchRunner, cfg SchedulerConfig, log *logrus.Entry) *CampaignScheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.ScheduledInterval <= 0 {
		cfg.ScheduledInterval = 60 * time.Second
	}
	if cfg.RecurringInterval <= 0 {
		cfg.RecurringInterval = 3600 * time.Second
	}
	if log == nil {
		log = logrus.WithField("component", "scheduler")
	}
	return &CampaignScheduler{Campaigns: campaigns, Runner: runner, Clock: RealClock, Config: cfg, Log: log}
}

// Start begins the polling loop. The first tick runs immediately.
func (s *CampaignScheduler) Start(parent context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(parent)
	s.mu.Unlock()

	s.Log.WithFields(logrus.Fields{
		"tick":      s.Config.TickInterval,
		"scheduled": s.Config.ScheduledInterval,
		"recurring": s.Config.RecurringInterval,
	}).Info("⏰ scheduler started")

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		ticker := time.NewTicker(s.Config.TickInterval)
		defer ticker.Stop()

		s.Tick(s.ctx, s.Clock.Now())
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.Tick(s.ctx, s.Clock.Now())
			}
		}
	}()
	return nil
}

// Stop ends polling and waits for dispatches the scheduler started. Runs cut
// short by the stop go back to SCHEDULED.
func (s *CampaignScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.loopWG.Wait()
	s.runWG.Wait()
	s.Log.Info("scheduler stopped")
}

// Tick evaluates both cadences against now and launches due campaigns.
func (s *CampaignScheduler) Tick(ctx context.Context, now time.Time) {
	if s.lastScheduled.IsZero() || now.Sub(s.lastScheduled) >= s.Config.ScheduledInterval {
		s.lastScheduled = now
		s.scan(ctx, model.CampaignTypeScheduled, now)
	}
	if s.lastRecurring.IsZero() || now.Sub(s.lastRecurring) >= s.Config.RecurringInterval {
		s.lastRecurring = now
		s.scan(ctx, model.CampaignTypeRecurring, now)
	}
}

// Wait blocks until every dispatch launched so far has returned.
func (s *CampaignScheduler) Wait() {
	s.runWG.Wait()
}

func (s *CampaignScheduler) scan(ctx context.Context, typ model.CampaignType, now time.Time) {
	due, err := s.Campaigns.ListDue(ctx, typ, now)
	if err != nil {
		s.Log.WithError(err).WithField("type", typ).Error("failed to list due campaigns")
		return
	}
	for _, c := range due {
		s.runWG.Add(1)
		go func(c *model.Campaign) {
			defer s.runWG.Done()
			s.execute(ctx, c)
		}(c)
	}
}

func (s *CampaignScheduler) execute(ctx context.Context, c *model.Campaign) {
	log := s.Log.WithFields(logrus.Fields{"campaign_id": c.ID, "type": c.Type})
	atomic.AddInt64(&s.promoted, 1)

	result, err := s.Runner.Run(ctx, c.ID, RunOptions{Trigger: "scheduler"})
	if err != nil {
		var concurrent *appErrors.ErrConcurrentRun
		if errors.As(err, &concurrent) {
			log.Info("campaign already running, skipping")
			return
		}
		var aborted *appErrors.ErrDispatchAborted
		if errors.As(err, &aborted) {
			// The run already wrote ERROR under its own claim.
			s.record(c.ID, "execute", err)
			return
		}
		s.fail(c.ID, "execute", err)
		return
	}

	if result.Superseded {
		log.WithField("status", result.Status).Info("campaign taken over by another run, not rescheduling")
		return
	}
	if result.Interrupted {
		s.restore(c, log)
		return
	}
	if c.Type != model.CampaignTypeRecurring || result.Status != model.CampaignStatusCompleted {
		return
	}
	s.reschedule(c, log)
}

// restore puts a campaign whose run was cut short by shutdown back into
// SCHEDULED at its original time, so the next scheduler picks it up again.
func (s *CampaignScheduler) restore(c *model.Campaign, log *logrus.Entry) {
	ok, err := s.Campaigns.TransitionStatus(context.Background(), c.ID,
		[]model.CampaignStatus{model.CampaignStatusPaused}, model.CampaignStatusScheduled)
	if err != nil {
		log.WithError(err).Error("failed to restore interrupted campaign")
		return
	}
	if ok {
		log.Info("interrupted campaign restored to SCHEDULED")
	}
}

// reschedule moves a finished recurring campaign one interval past its
// previous scheduledAt. An occurrence that is already due runs on the next
// recurring scan.
func (s *CampaignScheduler) reschedule(c *model.Campaign, log *logrus.Entry) {
	if c.ScheduledAt == nil {
		s.fail(c.ID, "recurrence", appErrors.NewSchedulingComputation(c.ID, "no previous scheduledAt"))
		return
	}

	next, err := NextOccurrence(*c.ScheduledAt, c.Recurrence, c.Location())
	if err != nil {
		s.fail(c.ID, "recurrence", appErrors.NewSchedulingComputation(c.ID, err.Error()))
		return
	}

	if PastEnd(next, c.Recurrence) {
		log.WithField("end_date", c.Recurrence.EndDate).Info("recurrence ended, not rescheduling")
		return
	}

	// Recorded even when ctx is already cancelled.
	if err := s.Campaigns.Reschedule(context.Background(), c.ID, next); err != nil {
		s.fail(c.ID, "reschedule", err)
		return
	}
	log.WithField("next", next).Info("recurring campaign rescheduled")
}

func (s *CampaignScheduler) fail(id int, stage string, err error) {
	s.record(id, stage, err)
	if uerr := s.Campaigns.UpdateStatus(context.Background(), id, model.CampaignStatusError); uerr != nil {
		s.Log.WithError(uerr).WithField("campaign_id", id).Error("failed to mark campaign as errored")
	}
}

func (s *CampaignScheduler) record(id int, stage string, err error) {
	atomic.AddInt64(&s.failures, 1)
	s.Log.WithError(err).WithFields(logrus.Fields{"campaign_id": id, "stage": stage}).Error("scheduled campaign failed")
	logging.CaptureCampaignError(id, "scheduler."+stage, err)
}

// Stats returns how many campaigns were promoted and how many failed.
func (s *CampaignScheduler) Stats() (promoted, failures int64) {
	return atomic.LoadInt64(&s.promoted), atomic.LoadInt64(&s.failures)
}
