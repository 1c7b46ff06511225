package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/gateway"
	"github.com/unclebandit/leadblast-dispatch/internal/logging"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
	"github.com/unclebandit/leadblast-dispatch/internal/repository"
	"github.com/unclebandit/leadblast-dispatch/internal/sanitizer"
)

// Stop causes attached to a run's context.
var (
	ErrDispatchPaused    = errors.New("dispatch paused")
	ErrDispatchCancelled = errors.New("dispatch cancelled")
)

type MessageSender interface {
	SendText(ctx context.Context, instance, recipient, body string) (*gateway.SendResult, error)
	SendMedia(ctx context.Context, instance, recipient string, media model.MediaPayload) (*gateway.SendResult, error)
}

// RunOptions override the campaign's own settings for a single run.
type RunOptions struct {
	Message      *string
	MinDelay     *int
	MaxDelay     *int
	InstanceName string
	Trigger      string
}

type RunResult struct {
	CampaignID int                  `json:"campaignId"`
	RunID      string               `json:"runId"`
	Status     model.CampaignStatus `json:"status"`
	Total      int                  `json:"total"`
	Processed  int                  `json:"processed"`
	Sent       int                  `json:"sent"`
	Failed     int                  `json:"failed"`
	Progress   int                  `json:"progress"`

	// Interrupted is set when the caller's context ended the run rather than
	// a pause or cancel request.
	Interrupted bool `json:"interrupted,omitempty"`
	// Superseded is set when another run claimed the campaign meanwhile;
	// Status then reflects that run, not this one.
	Superseded bool `json:"superseded,omitempty"`
}

// DispatchRunner runs one dispatch to completion, pause or error.
type DispatchRunner interface {
	Run(ctx context.Context, campaignID int, opts RunOptions) (*RunResult, error)
}

// Dispatcher sends a campaign to its leads one at a time.
type Dispatcher struct {
	Campaigns repository.CampaignRepositoryInterface
	Leads     repository.LeadRepositoryInterface
	Logs      repository.MessageLogRepositoryInterface
	Selector  InstanceSelector
	Sender    MessageSender
	Sanitizer sanitizer.Sanitizer
	Clock     Clock
	Sleep     SleepFunc
	Rand      func() float64

	DefaultMinDelay int
	DefaultMaxDelay int

	Log *logrus.Entry

	mu   sync.Mutex
	runs map[int]*activeRun
}

// activeRun is the in-process registration of a run. done closes once the
// run has written its outcome and left the registry.
type activeRun struct {
	id     string
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func NewDispatcher(
	campaigns repository.CampaignRepositoryInterface,
	leads repository.LeadRepositoryInterface,
	logs repository.MessageLogRepositoryInterface,
	selector InstanceSelector,
	sender MessageSender,
	san sanitizer.Sanitizer,
	log *logrus.Entry,
) *Dispatcher {
	if log == nil {
		log = logrus.WithField("component", "dispatcher")
	}
	return &Dispatcher{
		Campaigns:       campaigns,
		Leads:           leads,
		Logs:            logs,
		Selector:        selector,
		Sender:          sender,
		Sanitizer:       san,
		Clock:           RealClock,
		Sleep:           SleepContext,
		Rand:            rand.Float64,
		DefaultMinDelay: 5,
		DefaultMaxDelay: 15,
		Log:             log,
	}
}

// run holds the per-run settings resolved at start.
type run struct {
	id       string
	campaign *model.Campaign
	message  string
	minDelay int
	maxDelay int
	pinned   string
	log      *logrus.Entry
}

// Run validates the campaign, claims it and processes every pending lead.
// Per-lead failures are recorded on the lead and never abort the run. Any
// other failure after the claim leaves the campaign in ERROR and is returned
// as ErrDispatchAborted; retrying such a run would message every lead again.
func (d *Dispatcher) Run(ctx context.Context, campaignID int, opts RunOptions) (*RunResult, error) {
	r, err := d.prepare(ctx, campaignID, opts)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	entry := &activeRun{id: r.id, cancel: cancel, done: make(chan struct{})}
	if err := d.register(ctx, campaignID, entry); err != nil {
		return nil, err
	}
	defer d.unregister(campaignID, entry)

	// Writes must land even after a stop request cancels the run context.
	store := context.WithoutCancel(ctx)

	claimed, err := d.Campaigns.ClaimForDispatch(store, campaignID, r.id, d.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("claim campaign %d: %w", campaignID, err)
	}
	if !claimed {
		return nil, appErrors.NewConcurrentRun(campaignID)
	}

	r.log.WithFields(logrus.Fields{
		"trigger":   opts.Trigger,
		"min_delay": r.minDelay,
		"max_delay": r.maxDelay,
		"pinned":    r.pinned,
	}).Info("🚀 dispatch started")

	result, err := d.loop(runCtx, store, r)
	if err != nil {
		r.log.WithError(err).Error("dispatch aborted")
		logging.CaptureCampaignError(campaignID, "dispatch", err)
		if _, ferr := d.Campaigns.Finish(store, campaignID, r.id, model.CampaignStatusError, 0, nil); ferr != nil {
			r.log.WithError(ferr).Error("failed to mark campaign as errored")
		}
		return nil, appErrors.NewDispatchAborted(campaignID, err)
	}

	r.log.WithFields(logrus.Fields{
		"status":      result.Status,
		"processed":   result.Processed,
		"sent":        result.Sent,
		"failed":      result.Failed,
		"interrupted": result.Interrupted,
		"superseded":  result.Superseded,
	}).Info("dispatch finished")
	return result, nil
}

func (d *Dispatcher) prepare(ctx context.Context, campaignID int, opts RunOptions) (*run, error) {
	campaign, err := d.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if campaign.Status == model.CampaignStatusRunning {
		return nil, appErrors.NewConcurrentRun(campaignID)
	}
	if campaign.Status.IsTerminal() {
		return nil, appErrors.NewInvalidTransition(campaignID, string(campaign.Status), string(model.CampaignStatusRunning))
	}

	message := campaign.MessageTemplate
	if opts.Message != nil {
		message = *opts.Message
	}
	if strings.TrimSpace(message) == "" && campaign.Media == nil {
		return nil, appErrors.NewValidation("message", "campaign has neither a message nor media")
	}

	minDelay, maxDelay := campaign.MinDelay, campaign.MaxDelay
	if minDelay == 0 && maxDelay == 0 {
		minDelay, maxDelay = d.DefaultMinDelay, d.DefaultMaxDelay
	}
	if opts.MinDelay != nil {
		minDelay = *opts.MinDelay
	}
	if opts.MaxDelay != nil {
		maxDelay = *opts.MaxDelay
	}
	if minDelay < 0 || maxDelay < minDelay {
		return nil, appErrors.NewValidation("delay", fmt.Sprintf("invalid bounds [%d, %d]", minDelay, maxDelay))
	}

	count, err := d.Leads.CountByCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count leads: %w", err)
	}
	if count == 0 {
		return nil, appErrors.NewEmptyCampaign(campaignID)
	}

	pinned := strings.TrimSpace(opts.InstanceName)
	if pinned == "" && !campaign.UseInstanceRotation && campaign.InstanceName != nil {
		pinned = *campaign.InstanceName
	}

	id := uuid.NewString()
	return &run{
		id:       id,
		campaign: campaign,
		message:  message,
		minDelay: minDelay,
		maxDelay: maxDelay,
		pinned:   pinned,
		log:      d.Log.WithFields(logrus.Fields{"campaign_id": campaignID, "run_id": id}),
	}, nil
}

func (d *Dispatcher) loop(runCtx, store context.Context, r *run) (*RunResult, error) {
	id := r.campaign.ID

	if _, err := d.Leads.ResetForRun(store, id); err != nil {
		return nil, fmt.Errorf("reset leads: %w", err)
	}
	leads, err := d.Leads.ListPending(store, id)
	if err != nil {
		return nil, fmt.Errorf("load pending leads: %w", err)
	}

	result := &RunResult{CampaignID: id, RunID: r.id, Total: len(leads)}

	for i, lead := range leads {
		st, err := d.checkStop(runCtx, store, r)
		if err != nil {
			return nil, err
		}
		if st != nil {
			return d.stopRun(store, r, result, st)
		}

		if err := d.processLead(store, r, lead); err != nil {
			result.Failed++
			r.log.WithError(err).WithField("lead_id", lead.ID).Warn("lead failed")
			if merr := d.Leads.MarkFailed(store, lead.ID, err.Error(), d.Clock.Now()); merr != nil {
				return nil, fmt.Errorf("mark lead %d failed: %w", lead.ID, merr)
			}
		} else {
			result.Sent++
		}

		result.Processed = i + 1
		result.Progress = result.Processed * 100 / len(leads)
		if err := d.Campaigns.UpdateProgress(store, id, r.id, result.Progress, result.Sent, result.Failed); err != nil {
			return nil, fmt.Errorf("update progress: %w", err)
		}

		if i < len(leads)-1 {
			delay := d.nextDelay(r.minDelay, r.maxDelay)
			r.log.WithField("delay", delay).Debug("waiting before next lead")
			// An interrupted sleep is picked up by the stop check.
			_ = d.Sleep(runCtx, delay)
		}
	}

	now := d.Clock.Now()
	result.Progress = 100
	if err := d.finish(store, r, result, model.CampaignStatusCompleted, &now); err != nil {
		return nil, err
	}
	return result, nil
}

// stopReason says why a run leaves its loop early.
type stopReason struct {
	status      model.CampaignStatus
	owned       bool // this run still holds the claim and records the outcome
	interrupted bool
}

// checkStop runs before every lead. It reloads the campaign so that a pause,
// cancel or new claim made by another process ends this run, then looks at
// the local run context.
func (d *Dispatcher) checkStop(runCtx, store context.Context, r *run) (*stopReason, error) {
	c, err := d.Campaigns.GetByID(store, r.campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("reload campaign: %w", err)
	}
	if c.RunID != r.id {
		return &stopReason{status: c.Status}, nil
	}

	if runCtx.Err() != nil {
		cause := context.Cause(runCtx)
		switch {
		case errors.Is(cause, ErrDispatchCancelled), c.Status == model.CampaignStatusCancelled:
			return &stopReason{status: model.CampaignStatusCancelled, owned: true}, nil
		case errors.Is(cause, ErrDispatchPaused), c.Status == model.CampaignStatusPaused:
			return &stopReason{status: model.CampaignStatusPaused, owned: true}, nil
		}
		return &stopReason{status: model.CampaignStatusPaused, owned: true, interrupted: true}, nil
	}

	switch c.Status {
	case model.CampaignStatusRunning:
		return nil, nil
	case model.CampaignStatusPaused, model.CampaignStatusCancelled:
		return &stopReason{status: c.Status, owned: true}, nil
	}
	// Moved out of RUNNING by something other than pause or cancel.
	return &stopReason{status: c.Status}, nil
}

func (d *Dispatcher) stopRun(store context.Context, r *run, result *RunResult, st *stopReason) (*RunResult, error) {
	result.Interrupted = st.interrupted
	if !st.owned {
		result.Status = st.status
		result.Superseded = true
		r.log.WithField("status", st.status).Warn("campaign left this run's control, stopping")
		return result, nil
	}
	if err := d.finish(store, r, result, st.status, nil); err != nil {
		return nil, err
	}
	return result, nil
}

// finish records status for this run. If the stored row has moved on (a
// pause or cancel landed after the last check, or another run claimed the
// campaign) the stored outcome stands and is reported instead.
func (d *Dispatcher) finish(store context.Context, r *run, result *RunResult, status model.CampaignStatus, completedAt *time.Time) error {
	id := r.campaign.ID
	ok, err := d.Campaigns.Finish(store, id, r.id, status, result.Progress, completedAt)
	if err != nil {
		return fmt.Errorf("finish campaign: %w", err)
	}
	if ok {
		result.Status = status
		return nil
	}

	c, err := d.Campaigns.GetByID(store, id)
	if err != nil {
		return fmt.Errorf("reload campaign: %w", err)
	}
	result.Status = c.Status
	if c.RunID != r.id {
		result.Superseded = true
		return nil
	}
	if c.Status == model.CampaignStatusPaused || c.Status == model.CampaignStatusCancelled {
		if _, err := d.Campaigns.Finish(store, id, r.id, c.Status, result.Progress, nil); err != nil {
			return fmt.Errorf("finish campaign: %w", err)
		}
	}
	return nil
}

// processLead performs one lead's sends. The returned error becomes the
// lead's failure reason.
func (d *Dispatcher) processLead(ctx context.Context, r *run, lead *model.CampaignLead) error {
	instance, err := d.resolveInstance(ctx, r)
	if err != nil {
		return err
	}
	log := r.log.WithFields(logrus.Fields{"lead_id": lead.ID, "instance": instance})

	if err := d.Leads.MarkProcessing(ctx, lead.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	data := LeadTemplateData(lead)
	var messageID string

	if r.campaign.Media != nil {
		media := *r.campaign.Media
		media.Caption = RenderTemplate(media.Caption, data)
		if d.Sanitizer != nil {
			cleaned, err := d.Sanitizer.Clean(ctx, media)
			if err != nil {
				return appErrors.NewSanitization(media.FileName, err)
			}
			media = cleaned
		}
		res, err := d.Sender.SendMedia(ctx, instance, lead.Address, media)
		if err != nil {
			return appErrors.NewGatewaySend(instance, err)
		}
		content := media.Caption
		if content == "" {
			content = media.FileName
		}
		if err := d.writeLog(ctx, r, lead, instance, res, model.MessageType(media.Type), content); err != nil {
			return err
		}
		messageID = res.MessageID
	}

	if body := RenderTemplate(r.message, data); strings.TrimSpace(body) != "" {
		res, err := d.Sender.SendText(ctx, instance, lead.Address, body)
		if err != nil {
			return appErrors.NewGatewaySend(instance, err)
		}
		if err := d.writeLog(ctx, r, lead, instance, res, model.MessageTypeText, body); err != nil {
			return err
		}
		messageID = res.MessageID
	}

	if messageID == "" {
		return errors.New("nothing to send")
	}
	if err := d.Leads.MarkSent(ctx, lead.ID, messageID, d.Clock.Now()); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	log.WithField("message_id", messageID).Info("✅ lead sent")
	return nil
}

func (d *Dispatcher) resolveInstance(ctx context.Context, r *run) (string, error) {
	if r.pinned != "" {
		return r.pinned, nil
	}
	if d.Selector == nil {
		return "", appErrors.NewNoInstanceAvailable(r.campaign.ID)
	}
	info, err := d.Selector.GetNextAvailableInstance(ctx, r.campaign.ID)
	if err != nil {
		return "", fmt.Errorf("select instance: %w", err)
	}
	if info == nil {
		return "", appErrors.NewNoInstanceAvailable(r.campaign.ID)
	}
	return info.InstanceName, nil
}

func (d *Dispatcher) writeLog(ctx context.Context, r *run, lead *model.CampaignLead, instance string, res *gateway.SendResult, typ model.MessageType, content string) error {
	sentAt := res.Timestamp
	if sentAt.IsZero() {
		sentAt = d.Clock.Now()
	}
	err := d.Logs.Create(ctx, &model.MessageLog{
		CampaignID:       r.campaign.ID,
		LeadID:           lead.ID,
		InstanceName:     instance,
		GatewayMessageID: res.MessageID,
		Type:             typ,
		Content:          content,
		StatusHistory:    model.StatusHistory{{Status: model.LeadStatusSent, At: sentAt}},
		SentAt:           sentAt,
	})
	if err != nil {
		return fmt.Errorf("write message log: %w", err)
	}
	return nil
}

// nextDelay is uniform over [min, max] seconds.
func (d *Dispatcher) nextDelay(minSec, maxSec int) time.Duration {
	lo := time.Duration(minSec) * time.Second
	span := time.Duration(maxSec-minSec) * time.Second
	return lo + time.Duration(d.Rand()*float64(span))
}

// StopDispatch asks the local run of the campaign to pause after the lead in
// flight. It reports whether such a run exists in this process.
func (d *Dispatcher) StopDispatch(campaignID int) bool {
	return d.signal(campaignID, ErrDispatchPaused)
}

// CancelDispatch is StopDispatch for cancellation.
func (d *Dispatcher) CancelDispatch(campaignID int) bool {
	return d.signal(campaignID, ErrDispatchCancelled)
}

// IsRunning reports whether this process currently runs the campaign.
func (d *Dispatcher) IsRunning(campaignID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.runs[campaignID]
	return ok
}

func (d *Dispatcher) signal(campaignID int, cause error) bool {
	d.mu.Lock()
	entry, ok := d.runs[campaignID]
	d.mu.Unlock()
	if ok {
		entry.cancel(cause)
	}
	return ok
}

// register records entry as the campaign's run in this process. An older
// run still registered is refused while the campaign is RUNNING. Otherwise
// it was paused or cancelled and is only finishing its lead in flight, so
// it is told to stop and awaited.
func (d *Dispatcher) register(ctx context.Context, campaignID int, entry *activeRun) error {
	for {
		d.mu.Lock()
		if d.runs == nil {
			d.runs = make(map[int]*activeRun)
		}
		cur, ok := d.runs[campaignID]
		if !ok {
			d.runs[campaignID] = entry
			d.mu.Unlock()
			return nil
		}
		d.mu.Unlock()

		c, err := d.Campaigns.GetByID(ctx, campaignID)
		if err != nil {
			return err
		}
		if c.Status == model.CampaignStatusRunning {
			return appErrors.NewConcurrentRun(campaignID)
		}
		cur.cancel(ErrDispatchPaused)
		select {
		case <-cur.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) unregister(campaignID int, entry *activeRun) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runs[campaignID] == entry {
		delete(d.runs, campaignID)
	}
	close(entry.done)
}

var _ DispatchRunner = (*Dispatcher)(nil)
