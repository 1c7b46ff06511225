package service_test

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
	"github.com/unclebandit/leadblast-dispatch/internal/service"
)

type dispatchFixture struct {
	d         *service.Dispatcher
	campaigns *fakeCampaignRepo
	leads     *fakeLeadRepo
	logs      *fakeLogRepo
	sender    *fakeSender

	mu     sync.Mutex
	delays []time.Duration
	onWait func(n int)
}

func newDispatchFixture(c *model.Campaign, addresses ...string) *dispatchFixture {
	f := &dispatchFixture{
		campaigns: newFakeCampaignRepo(c),
		leads:     newFakeLeadRepo(),
		logs:      &fakeLogRepo{},
		sender:    &fakeSender{},
	}
	for _, a := range addresses {
		f.leads.add(c.ID, a, model.LeadStatusPending)
	}

	info := healthyInstance("inst-a")
	f.d = service.NewDispatcher(f.campaigns, f.leads, f.logs, fakeSelector{info: &info}, f.sender, nil, testLog())
	f.d.Clock = fixedClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	f.d.Rand = func() float64 { return 0.5 }
	f.d.Sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.delays = append(f.delays, d)
		n := len(f.delays)
		hook := f.onWait
		f.mu.Unlock()
		if hook != nil {
			hook(n)
		}
		return ctx.Err()
	}
	return f
}

func rotationCampaign() *model.Campaign {
	return &model.Campaign{
		ID:                  1,
		Name:                "Launch",
		Type:                model.CampaignTypeImmediate,
		Status:              model.CampaignStatusDraft,
		MessageTemplate:     "Hi {name}",
		MinDelay:            5,
		MaxDelay:            5,
		UseInstanceRotation: true,
		InstanceIDs:         pq.StringArray{"inst-a"},
		Timezone:            "UTC",
	}
}

func assertLeadTotals(t *testing.T, f *dispatchFixture, campaignID int) {
	t.Helper()
	byStatus, err := f.leads.CountByStatus(context.Background(), campaignID)
	require.NoError(t, err)
	total, err := f.leads.CountByCampaign(context.Background(), campaignID)
	require.NoError(t, err)
	sum := 0
	for _, n := range byStatus {
		sum += n
	}
	assert.Equal(t, total, sum)
}

func TestDispatcher_Run_CompletesAllLeads(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200", "+300")

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{Trigger: "manual"})
	require.NoError(t, err)

	assert.Equal(t, model.CampaignStatusCompleted, result.Status)
	assert.Equal(t, 100, result.Progress)
	assert.Equal(t, 3, result.Sent)
	assert.Zero(t, result.Failed)

	c := f.campaigns.get(1)
	assert.Equal(t, model.CampaignStatusCompleted, c.Status)
	assert.Equal(t, 100, c.Progress)
	assert.NotNil(t, c.StartedAt)
	assert.NotNil(t, c.CompletedAt)
	assert.Equal(t, []int{33, 66, 100}, f.campaigns.progress)

	for id := 1; id <= 3; id++ {
		lead := f.leads.lead(id)
		assert.Equal(t, model.LeadStatusSent, lead.Status)
		require.NotNil(t, lead.MessageID)
	}

	msgs := f.sender.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "+100", msgs[0].Recipient)
	assert.Equal(t, "Hi Lead 1", msgs[0].Body)
	assert.Equal(t, "inst-a", msgs[0].Instance)
	assert.Equal(t, 3, f.logs.count())

	// No wait after the last lead.
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, f.delays)
	assert.False(t, f.d.IsRunning(1))
	assertLeadTotals(t, f, 1)
}

func TestDispatcher_Run_StopAfterFirstLeadPauses(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200", "+300")
	f.onWait = func(n int) {
		if n == 1 {
			assert.True(t, f.d.StopDispatch(1))
		}
	}

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.CampaignStatusPaused, result.Status)
	assert.Equal(t, 33, result.Progress)
	assert.Equal(t, 1, result.Processed)

	c := f.campaigns.get(1)
	assert.Equal(t, model.CampaignStatusPaused, c.Status)
	assert.Equal(t, 33, c.Progress)
	assert.Nil(t, c.CompletedAt)

	assert.Equal(t, model.LeadStatusSent, f.leads.lead(1).Status)
	assert.Equal(t, model.LeadStatusPending, f.leads.lead(2).Status)
	assert.Equal(t, model.LeadStatusPending, f.leads.lead(3).Status)
	assert.Len(t, f.sender.messages(), 1)
	assertLeadTotals(t, f, 1)
}

func TestDispatcher_Run_CancelDuringWait(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200")
	f.onWait = func(int) { f.d.CancelDispatch(1) }

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCancelled, result.Status)
	assert.Equal(t, model.CampaignStatusCancelled, f.campaigns.get(1).Status)
}

func TestDispatcher_Run_HonoursPersistedPause(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200", "+300")
	// Another process pauses the campaign while lead 2 is in flight.
	f.sender.onSend = func(n int) {
		if n == 2 {
			_ = f.campaigns.UpdateStatus(context.Background(), 1, model.CampaignStatusPaused)
		}
	}

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusPaused, result.Status)
	assert.Equal(t, 66, result.Progress)
	assert.Equal(t, model.LeadStatusSent, f.leads.lead(2).Status)
	assert.Equal(t, model.LeadStatusPending, f.leads.lead(3).Status)
}

func TestDispatcher_Run_RejectsRunningCampaign(t *testing.T) {
	c := rotationCampaign()
	c.Status = model.CampaignStatusRunning
	f := newDispatchFixture(c, "+100")

	_, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	var concurrent *appErrors.ErrConcurrentRun
	require.ErrorAs(t, err, &concurrent)
	assert.Empty(t, f.sender.messages())
}

func TestDispatcher_Run_SecondRunWhileInFlight(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200")
	var second error
	f.onWait = func(n int) {
		if n == 1 {
			_, second = f.d.Run(context.Background(), 1, service.RunOptions{})
		}
	}

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCompleted, result.Status)

	var concurrent *appErrors.ErrConcurrentRun
	assert.ErrorAs(t, second, &concurrent)
	assert.Len(t, f.sender.messages(), 2)
}

func TestDispatcher_Run_Preconditions(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		f := newDispatchFixture(rotationCampaign(), "+100")
		_, err := f.d.Run(context.Background(), 42, service.RunOptions{})
		assert.True(t, appErrors.IsNotFound(err))
	})

	t.Run("no leads", func(t *testing.T) {
		f := newDispatchFixture(rotationCampaign())
		_, err := f.d.Run(context.Background(), 1, service.RunOptions{})
		var empty *appErrors.ErrEmptyCampaign
		require.ErrorAs(t, err, &empty)
		assert.Equal(t, model.CampaignStatusDraft, f.campaigns.get(1).Status)
	})

	t.Run("terminal", func(t *testing.T) {
		c := rotationCampaign()
		c.Status = model.CampaignStatusCompleted
		f := newDispatchFixture(c, "+100")
		_, err := f.d.Run(context.Background(), 1, service.RunOptions{})
		var transition *appErrors.ErrInvalidTransition
		assert.ErrorAs(t, err, &transition)
	})

	t.Run("inverted delay override", func(t *testing.T) {
		f := newDispatchFixture(rotationCampaign(), "+100")
		_, err := f.d.Run(context.Background(), 1, service.RunOptions{MinDelay: intPtr(9), MaxDelay: intPtr(3)})
		var validation *appErrors.ErrValidation
		assert.ErrorAs(t, err, &validation)
	})

	t.Run("nothing to send", func(t *testing.T) {
		c := rotationCampaign()
		c.MessageTemplate = "  "
		f := newDispatchFixture(c, "+100")
		_, err := f.d.Run(context.Background(), 1, service.RunOptions{})
		var validation *appErrors.ErrValidation
		assert.ErrorAs(t, err, &validation)
	})
}

func TestDispatcher_Run_DelaysStayWithinBounds(t *testing.T) {
	c := rotationCampaign()
	addresses := make([]string, 25)
	for i := range addresses {
		addresses[i] = "+" + strings.Repeat("1", i+1)
	}
	f := newDispatchFixture(c, addresses...)
	f.d.Rand = rand.New(rand.NewSource(7)).Float64

	_, err := f.d.Run(context.Background(), 1, service.RunOptions{MinDelay: intPtr(2), MaxDelay: intPtr(7)})
	require.NoError(t, err)

	require.Len(t, f.delays, len(addresses)-1)
	for _, d := range f.delays {
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 7*time.Second)
	}
}

func TestDispatcher_Run_DefaultDelaysWhenUnset(t *testing.T) {
	c := rotationCampaign()
	c.MinDelay, c.MaxDelay = 0, 0
	f := newDispatchFixture(c, "+100", "+200")
	f.d.DefaultMinDelay, f.d.DefaultMaxDelay = 3, 3

	_, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second}, f.delays)
}

func TestDispatcher_Run_LeadFailuresDoNotAbort(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200", "+300")
	f.sender.fail = map[string]bool{"+200": true}

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.CampaignStatusCompleted, result.Status)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Failed)

	failed := f.leads.lead(2)
	assert.Equal(t, model.LeadStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Contains(t, *failed.FailureReason, "inst-a")
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, model.LeadStatusSent, f.leads.lead(3).Status)
	assertLeadTotals(t, f, 1)
}

func TestDispatcher_Run_NoInstanceFailsEachLead(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200")
	f.d.Selector = fakeSelector{}

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCompleted, result.Status)
	assert.Equal(t, 2, result.Failed)

	lead := f.leads.lead(1)
	assert.Equal(t, model.LeadStatusFailed, lead.Status)
	assert.Contains(t, *lead.FailureReason, "no healthy instance")
	assert.Empty(t, f.sender.messages())
}

func TestDispatcher_Run_PinnedInstance(t *testing.T) {
	c := rotationCampaign()
	c.UseInstanceRotation = false
	c.InstanceName = strPtr("inst-pinned")
	f := newDispatchFixture(c, "+100")
	f.d.Selector = nil

	_, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "inst-pinned", f.sender.messages()[0].Instance)

	// A per-run instance wins over the campaign's own.
	f2 := newDispatchFixture(rotationCampaign(), "+100")
	_, err = f2.d.Run(context.Background(), 1, service.RunOptions{InstanceName: "inst-override"})
	require.NoError(t, err)
	assert.Equal(t, "inst-override", f2.sender.messages()[0].Instance)
}

func TestDispatcher_Run_MediaThenText(t *testing.T) {
	c := rotationCampaign()
	c.Media = &model.MediaPayload{Type: model.MediaImage, Base64: "ZGlydHk=", FileName: "promo.jpg", MimeType: "image/jpeg", Caption: "For {name}"}
	f := newDispatchFixture(c, "+100")
	san := &fakeSanitizer{}
	f.d.Sanitizer = san

	_, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)

	msgs := f.sender.messages()
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[0].Media)
	assert.Equal(t, "Y2xlYW4=", msgs[0].Media.Base64)
	assert.Equal(t, "For Lead 1", msgs[0].Media.Caption)
	assert.Equal(t, "Hi Lead 1", msgs[1].Body)
	assert.Equal(t, 1, san.calls)
	assert.Equal(t, 2, f.logs.count())
	assert.Equal(t, "msg-2", *f.leads.lead(1).MessageID)
}

func TestDispatcher_Run_SanitizerFailureFailsLead(t *testing.T) {
	c := rotationCampaign()
	c.Media = &model.MediaPayload{Type: model.MediaDocument, Base64: "eA==", FileName: "doc.pdf"}
	f := newDispatchFixture(c, "+100")
	f.d.Sanitizer = &fakeSanitizer{err: errors.New("exiftool missing")}

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, *f.leads.lead(1).FailureReason, "doc.pdf")
	assert.Empty(t, f.sender.messages())
}

func TestDispatcher_Run_RestartResetsLeads(t *testing.T) {
	c := rotationCampaign()
	c.Status = model.CampaignStatusError
	f := newDispatchFixture(c)
	f.leads.add(1, "+100", model.LeadStatusSent)
	f.leads.add(1, "+200", model.LeadStatusFailed)
	f.leads.add(1, "", model.LeadStatusPending)

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{Message: strPtr("Again {name}")})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, model.CampaignStatusCompleted, result.Status)
	msgs := f.sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Again Lead 1", msgs[0].Body)
	assert.Equal(t, model.LeadStatusPending, f.leads.lead(3).Status)
	assertLeadTotals(t, f, 1)
}

func TestDispatcher_Run_LoopFailureMarksError(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100")
	f.campaigns.failFinish = errors.New("db gone")

	_, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	var aborted *appErrors.ErrDispatchAborted
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, 1, aborted.CampaignID)

	c := f.campaigns.get(1)
	assert.Equal(t, model.CampaignStatusError, c.Status)
	assert.Zero(t, c.Progress)
	assert.False(t, f.d.IsRunning(1))
}

// newPeerDispatcher returns a second dispatcher over f's stores, standing in
// for another worker process.
func newPeerDispatcher(f *dispatchFixture) *service.Dispatcher {
	info := healthyInstance("inst-a")
	d := service.NewDispatcher(f.campaigns, f.leads, f.logs, fakeSelector{info: &info}, f.sender, nil, testLog())
	d.Clock = f.d.Clock
	d.Rand = f.d.Rand
	d.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func TestDispatcher_Run_StopsWhenAnotherRunClaims(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200", "+300")
	peer := newPeerDispatcher(f)

	var resumed *service.RunResult
	f.onWait = func(n int) {
		if n != 1 {
			return
		}
		// Paused and resumed through another process while this run sleeps.
		require.NoError(t, f.campaigns.UpdateStatus(context.Background(), 1, model.CampaignStatusPaused))
		var err error
		resumed, err = peer.Run(context.Background(), 1, service.RunOptions{})
		require.NoError(t, err)
	}

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)

	assert.True(t, result.Superseded)
	assert.Equal(t, 1, result.Processed)
	require.NotNil(t, resumed)
	assert.Equal(t, model.CampaignStatusCompleted, resumed.Status)
	assert.NotEqual(t, result.RunID, resumed.RunID)

	c := f.campaigns.get(1)
	assert.Equal(t, model.CampaignStatusCompleted, c.Status)
	assert.Equal(t, resumed.RunID, c.RunID)
	assert.Equal(t, 3, c.SentLeads)
	assert.Len(t, f.sender.messages(), 4, "one send before the pause, three from the resumed run")
	assertLeadTotals(t, f, 1)
}

func TestDispatcher_Run_ResumeInSameProcessWaitsForPausedRun(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200", "+300")

	type outcome struct {
		result *service.RunResult
		err    error
	}
	resumed := make(chan outcome, 1)
	f.onWait = func(n int) {
		if n != 1 {
			return
		}
		// Paused through another API instance, so no local stop signal.
		ok, err := f.campaigns.TransitionStatus(context.Background(), 1,
			[]model.CampaignStatus{model.CampaignStatusRunning}, model.CampaignStatusPaused)
		require.NoError(t, err)
		require.True(t, ok)
		go func() {
			res, err := f.d.Run(context.Background(), 1, service.RunOptions{})
			resumed <- outcome{res, err}
		}()
	}

	first, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusPaused, first.Status)
	assert.False(t, first.Superseded)

	var second outcome
	select {
	case second = <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("resumed run never started")
	}
	require.NoError(t, second.err)
	assert.Equal(t, model.CampaignStatusCompleted, second.result.Status)
	assert.Equal(t, model.CampaignStatusCompleted, f.campaigns.get(1).Status)
	assert.Len(t, f.sender.messages(), 4)
	assert.False(t, f.d.IsRunning(1))
}

func TestDispatcher_Run_LateCancelIsNotOverwritten(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200")
	// Cancelled while the last lead is in flight, after the final stop check.
	f.sender.onSend = func(n int) {
		if n == 2 {
			_, _ = f.campaigns.TransitionStatus(context.Background(), 1,
				[]model.CampaignStatus{model.CampaignStatusRunning}, model.CampaignStatusCancelled)
		}
	}

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.CampaignStatusCancelled, result.Status)
	c := f.campaigns.get(1)
	assert.Equal(t, model.CampaignStatusCancelled, c.Status)
	assert.Nil(t, c.CompletedAt)
	assert.NotContains(t, f.campaigns.finished, model.CampaignStatusCompleted)
}

func TestDispatcher_Run_ParentContextInterrupts(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200", "+300")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.onWait = func(n int) {
		if n == 1 {
			cancel()
		}
	}

	result, err := f.d.Run(ctx, 1, service.RunOptions{})
	require.NoError(t, err)

	assert.True(t, result.Interrupted)
	assert.Equal(t, model.CampaignStatusPaused, result.Status)
	assert.Equal(t, model.CampaignStatusPaused, f.campaigns.get(1).Status)
	assert.Len(t, f.sender.messages(), 1)
}

func TestDispatcher_Run_ProgressIgnoredAfterTakeover(t *testing.T) {
	f := newDispatchFixture(rotationCampaign(), "+100", "+200")
	f.sender.onSend = func(n int) {
		if n == 1 {
			// Stolen mid-lead: the next progress write must not land.
			f.campaigns.mu.Lock()
			f.campaigns.campaigns[1].RunID = "other-run"
			f.campaigns.mu.Unlock()
		}
	}

	result, err := f.d.Run(context.Background(), 1, service.RunOptions{})
	require.NoError(t, err)

	assert.True(t, result.Superseded)
	assert.Empty(t, f.campaigns.progress)
	assert.Equal(t, model.CampaignStatusRunning, f.campaigns.get(1).Status)
	assert.Len(t, f.sender.messages(), 1)
}
