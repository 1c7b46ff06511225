package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/queue"
)

// DispatchWorker runs queued dispatch jobs.
type DispatchWorker struct {
	ID     string
	Runner DispatchRunner
	Log    *logrus.Entry

	ctx context.Context
}

func NewDispatchWorker(ctx context.Context, runner DispatchRunner, log *logrus.Entry) *DispatchWorker {
	id := "worker-" + uuid.NewString()[:8]
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DispatchWorker{ID: id, Runner: runner, Log: log.WithField("worker_id", id), ctx: ctx}
}

// Handle is a queue handler. Jobs that can never succeed are dropped by
// returning nil; anything else is returned so the queue retries it.
func (w *DispatchWorker) Handle(payload any) error {
	job, err := queue.DecodeDispatchJob(payload)
	if err != nil {
		w.Log.WithError(err).Warn("⚠️ invalid dispatch job, dropping")
		return nil
	}

	log := w.Log.WithFields(logrus.Fields{"campaign_id": job.CampaignID, "trigger": job.Trigger})
	log.Info("📩 dispatch job received")

	result, err := w.Runner.Run(w.ctx, job.CampaignID, RunOptions{
		Message:      job.Message,
		MinDelay:     job.MinDelay,
		MaxDelay:     job.MaxDelay,
		InstanceName: job.InstanceName,
		Trigger:      job.Trigger,
	})
	if err != nil {
		if permanent(err) {
			log.WithError(err).Warn("dispatch job rejected")
			return nil
		}
		return err
	}

	log.WithField("status", result.Status).Info("dispatch job done")
	return nil
}

// Start drains jobs until the channel closes.
func (w *DispatchWorker) Start(jobs <-chan queue.DispatchJob) {
	for job := range jobs {
		if err := w.Handle(job); err != nil {
			w.Log.WithError(err).WithField("campaign_id", job.CampaignID).Error("dispatch job failed")
		}
	}
}

func permanent(err error) bool {
	var (
		concurrent *appErrors.ErrConcurrentRun
		empty      *appErrors.ErrEmptyCampaign
		transition *appErrors.ErrInvalidTransition
		validation *appErrors.ErrValidation
		aborted    *appErrors.ErrDispatchAborted
	)
	return appErrors.IsNotFound(err) ||
		errors.As(err, &concurrent) ||
		errors.As(err, &empty) ||
		errors.As(err, &transition) ||
		errors.As(err, &validation) ||
		errors.As(err, &aborted)
}
