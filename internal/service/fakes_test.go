package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/gateway"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
	"github.com/unclebandit/leadblast-dispatch/internal/repository"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// fakeCampaignRepo is an in-memory CampaignRepositoryInterface.
type fakeCampaignRepo struct {
	mu         sync.Mutex
	campaigns  map[int]*model.Campaign
	nextID     int
	progress   []int
	finished   []model.CampaignStatus
	rescheds   []time.Time
	failFinish error
	onGet      func(c *model.Campaign)
}

var _ repository.CampaignRepositoryInterface = (*fakeCampaignRepo)(nil)

func newFakeCampaignRepo(cs ...*model.Campaign) *fakeCampaignRepo {
	r := &fakeCampaignRepo{campaigns: map[int]*model.Campaign{}, nextID: 1}
	for _, c := range cs {
		r.campaigns[c.ID] = c
		if c.ID >= r.nextID {
			r.nextID = c.ID + 1
		}
	}
	return r
}

func (r *fakeCampaignRepo) get(id int) *model.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *r.campaigns[id]
	return &c
}

func (r *fakeCampaignRepo) Create(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = r.nextID
	r.nextID++
	c.CreatedAt = time.Now()
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *fakeCampaignRepo) Update(_ context.Context, c *model.Campaign, expected model.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.campaigns[c.ID]
	if !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	if cur.Status != expected {
		return appErrors.NewInvalidTransition(c.ID, string(cur.Status), string(c.Status))
	}
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *fakeCampaignRepo) Delete(_ context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[id]; !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	delete(r.campaigns, id)
	return nil
}

func (r *fakeCampaignRepo) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	r.mu.Lock()
	c, ok := r.campaigns[id]
	hook := r.onGet
	r.mu.Unlock()
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if hook != nil {
		hook(c)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	return &cp, nil
}

func (r *fakeCampaignRepo) ListCampaigns(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*model.Campaign
	for _, c := range r.campaigns {
		if status == "" || string(c.Status) == status {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (r *fakeCampaignRepo) ListDue(_ context.Context, typ model.CampaignType, now time.Time) ([]*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*model.Campaign
	for _, c := range r.campaigns {
		if c.Status == model.CampaignStatusScheduled && c.Type == typ && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			cp := *c
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (r *fakeCampaignRepo) ClaimForDispatch(_ context.Context, id int, runID string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return false, nil
	}
	switch c.Status {
	case model.CampaignStatusRunning, model.CampaignStatusCompleted, model.CampaignStatusCancelled:
		return false, nil
	}
	c.Status = model.CampaignStatusRunning
	c.RunID = runID
	c.StartedAt = &startedAt
	c.CompletedAt = nil
	c.Progress, c.SentLeads, c.FailedLeads, c.DeliveredLeads, c.ReadLeads = 0, 0, 0, 0, 0
	return true, nil
}

func (r *fakeCampaignRepo) TransitionStatus(_ context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeCampaignRepo) UpdateStatus(_ context.Context, id int, status model.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Status = status
	return nil
}

func (r *fakeCampaignRepo) UpdateProgress(_ context.Context, id int, runID string, progress, sent, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.campaigns[id]
	if c.RunID != runID {
		return nil
	}
	c.Progress, c.SentLeads, c.FailedLeads = progress, sent, failed
	r.progress = append(r.progress, progress)
	return nil
}

func (r *fakeCampaignRepo) Finish(_ context.Context, id int, runID string, status model.CampaignStatus, progress int, completedAt *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFinish != nil && status != model.CampaignStatusError {
		return false, r.failFinish
	}
	c := r.campaigns[id]
	if c.RunID != runID || !slices.Contains(status.FinishableFrom(), c.Status) {
		return false, nil
	}
	c.Status, c.Progress, c.CompletedAt = status, progress, completedAt
	r.finished = append(r.finished, status)
	return true, nil
}

func (r *fakeCampaignRepo) Reschedule(_ context.Context, id int, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.campaigns[id]
	c.Status = model.CampaignStatusScheduled
	c.ScheduledAt = &next
	r.rescheds = append(r.rescheds, next)
	return nil
}

func (r *fakeCampaignRepo) RefreshTotalLeads(_ context.Context, id int) (int, error) {
	return 0, errors.New("fake: wrap with campaignRepoWithLeads")
}

func (r *fakeCampaignRepo) IncrementDeliveryCounter(_ context.Context, id int, status model.LeadStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.campaigns[id]
	switch status {
	case model.LeadStatusDelivered:
		c.DeliveredLeads++
	case model.LeadStatusRead:
		c.ReadLeads++
	default:
		return fmt.Errorf("unsupported counter %s", status)
	}
	return nil
}

// campaignRepoWithLeads lets RefreshTotalLeads see the lead store.
type campaignRepoWithLeads struct {
	*fakeCampaignRepo
	leads *fakeLeadRepo
}

func (r campaignRepoWithLeads) RefreshTotalLeads(ctx context.Context, id int) (int, error) {
	n, _ := r.leads.CountByCampaign(ctx, id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[id].TotalLeads = n
	return n, nil
}

// fakeLeadRepo is an in-memory LeadRepositoryInterface.
type fakeLeadRepo struct {
	mu     sync.Mutex
	leads  map[int]*model.CampaignLead
	nextID int
}

var _ repository.LeadRepositoryInterface = (*fakeLeadRepo)(nil)

func newFakeLeadRepo() *fakeLeadRepo {
	return &fakeLeadRepo{leads: map[int]*model.CampaignLead{}, nextID: 1}
}

func (r *fakeLeadRepo) add(campaignID int, address string, status model.LeadStatus) *model.CampaignLead {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := &model.CampaignLead{
		ID:         r.nextID,
		CampaignID: campaignID,
		Name:       strPtr(fmt.Sprintf("Lead %d", r.nextID)),
		Address:    address,
		Status:     status,
		CreatedAt:  time.Date(2024, 1, 1, 0, 0, r.nextID, 0, time.UTC),
	}
	r.leads[l.ID] = l
	r.nextID++
	return l
}

func (r *fakeLeadRepo) lead(id int) model.CampaignLead {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.leads[id]
}

func (r *fakeLeadRepo) ordered(campaignID int) []*model.CampaignLead {
	var out []*model.CampaignLead
	for _, l := range r.leads {
		if l.CampaignID == campaignID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *fakeLeadRepo) BulkCreate(_ context.Context, campaignID int, leads []model.LeadInput) (int, error) {
	r.mu.Lock()
	seen := map[string]bool{}
	for _, l := range r.ordered(campaignID) {
		seen[l.Address] = true
	}
	r.mu.Unlock()

	inserted := 0
	for _, in := range leads {
		if in.Address == "" || seen[in.Address] {
			continue
		}
		seen[in.Address] = true
		l := r.add(campaignID, in.Address, model.LeadStatusPending)
		l.Name, l.Email = in.Name, in.Email
		inserted++
	}
	return inserted, nil
}

func (r *fakeLeadRepo) GetByID(_ context.Context, id int) (*model.CampaignLead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (r *fakeLeadRepo) GetByMessageID(_ context.Context, messageID string) (*model.CampaignLead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leads {
		if l.MessageID != nil && *l.MessageID == messageID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeLeadRepo) ListByCampaign(_ context.Context, campaignID, offset, limit int) ([]*model.CampaignLead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.ordered(campaignID)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r *fakeLeadRepo) CountByCampaign(_ context.Context, campaignID int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ordered(campaignID)), nil
}

func (r *fakeLeadRepo) CountByStatus(_ context.Context, campaignID int) (map[model.LeadStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[model.LeadStatus]int{}
	for _, s := range model.AllLeadStatuses {
		out[s] = 0
	}
	for _, l := range r.ordered(campaignID) {
		out[l.Status]++
	}
	return out, nil
}

func (r *fakeLeadRepo) ResetForRun(_ context.Context, campaignID int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, l := range r.ordered(campaignID) {
		if l.Status == model.LeadStatusPending {
			continue
		}
		l.Status = model.LeadStatusPending
		l.MessageID, l.FailureReason = nil, nil
		l.SentAt, l.DeliveredAt, l.ReadAt, l.FailedAt = nil, nil, nil, nil
		n++
	}
	return n, nil
}

func (r *fakeLeadRepo) ListPending(_ context.Context, campaignID int) ([]*model.CampaignLead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.CampaignLead
	for _, l := range r.ordered(campaignID) {
		if l.Status == model.LeadStatusPending && l.Address != "" {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeLeadRepo) setStatus(id int, s model.LeadStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads[id].Status = s
}

func (r *fakeLeadRepo) MarkProcessing(_ context.Context, id int) error {
	r.setStatus(id, model.LeadStatusProcessing)
	return nil
}

func (r *fakeLeadRepo) MarkSent(_ context.Context, id int, messageID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.leads[id]
	l.Status, l.MessageID, l.SentAt = model.LeadStatusSent, &messageID, &at
	return nil
}

func (r *fakeLeadRepo) MarkFailed(_ context.Context, id int, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.leads[id]
	l.Status, l.FailureReason, l.FailedAt = model.LeadStatusFailed, &reason, &at
	l.RetryCount++
	return nil
}

func (r *fakeLeadRepo) AdvanceStatus(_ context.Context, id int, messageID string, from, to model.LeadStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok || l.Status != from || l.MessageID == nil || *l.MessageID != messageID {
		return false, nil
	}
	l.Status = to
	switch to {
	case model.LeadStatusDelivered:
		l.DeliveredAt = &at
	case model.LeadStatusRead:
		l.ReadAt = &at
	default:
		return false, nil
	}
	return true, nil
}

// fakeLogRepo is an in-memory MessageLogRepositoryInterface.
type fakeLogRepo struct {
	mu   sync.Mutex
	logs []*model.MessageLog
}

var _ repository.MessageLogRepositoryInterface = (*fakeLogRepo)(nil)

func (r *fakeLogRepo) Create(_ context.Context, log *model.MessageLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	cp := *log
	r.logs = append(r.logs, &cp)
	return nil
}

func (r *fakeLogRepo) AppendStatus(_ context.Context, gatewayMessageID string, event model.StatusEvent) (*model.MessageLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.logs) - 1; i >= 0; i-- {
		if r.logs[i].GatewayMessageID == gatewayMessageID {
			r.logs[i].StatusHistory = append(r.logs[i].StatusHistory, event)
			cp := *r.logs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeLogRepo) ListByLead(_ context.Context, leadID int) ([]*model.MessageLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.MessageLog
	for _, l := range r.logs {
		if l.LeadID == leadID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *fakeLogRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs)
}

type sentMessage struct {
	Instance  string
	Recipient string
	Body      string
	Media     *model.MediaPayload
}

// fakeSender records sends; addresses in fail are rejected.
type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	fail   map[string]bool
	onSend func(n int)
}

func (s *fakeSender) record(m sentMessage) (*gateway.SendResult, error) {
	s.mu.Lock()
	if s.fail[m.Recipient] {
		s.mu.Unlock()
		return nil, &gateway.StatusError{Code: 500, Body: "boom"}
	}
	s.sent = append(s.sent, m)
	n := len(s.sent)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return &gateway.SendResult{MessageID: fmt.Sprintf("msg-%d", n), Timestamp: time.Date(2024, 1, 1, 12, 0, n, 0, time.UTC)}, nil
}

func (s *fakeSender) SendText(_ context.Context, instance, recipient, body string) (*gateway.SendResult, error) {
	return s.record(sentMessage{Instance: instance, Recipient: recipient, Body: body})
}

func (s *fakeSender) SendMedia(_ context.Context, instance, recipient string, media model.MediaPayload) (*gateway.SendResult, error) {
	return s.record(sentMessage{Instance: instance, Recipient: recipient, Media: &media})
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type fakeSanitizer struct {
	err   error
	calls int
}

func (f *fakeSanitizer) Clean(_ context.Context, media model.MediaPayload) (model.MediaPayload, error) {
	f.calls++
	if f.err != nil {
		return model.MediaPayload{}, f.err
	}
	media.Base64 = "Y2xlYW4="
	return media, nil
}

// staticHealth serves fixed health records.
type staticHealth map[string]model.InstanceHealthInfo

func (h staticHealth) GetInstanceHealth(_ context.Context, name string) model.InstanceHealthInfo {
	if info, ok := h[name]; ok {
		return info
	}
	return model.InstanceHealthInfo{InstanceName: name, Status: model.ConnectionClose, RiskLevel: model.RiskCritical}
}

func healthyInstance(name string) model.InstanceHealthInfo {
	info := model.InstanceHealthInfo{
		InstanceName:    name,
		Status:          model.ConnectionOpen,
		WarmupProgress:  100,
		HealthScore:     100,
		MessagesSent24h: 10,
		ResponseRate:    90,
		DeliveryRate:    95,
		RiskLevel:       model.RiskLow,
	}
	info.IsRecommended = true
	return info
}

type fakeSelector struct {
	info *model.InstanceHealthInfo
	err  error
}

func (s fakeSelector) GetNextAvailableInstance(context.Context, int) (*model.InstanceHealthInfo, error) {
	return s.info, s.err
}

type published struct {
	Topic   string
	Payload any
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []published
	err  error
}

func (q *fakeQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, published{Topic: topic, Payload: payload})
	return nil
}

func (q *fakeQueue) Subscribe(string, func(any) error) error { return nil }

type fakeControl struct {
	stopped   []int
	cancelled []int
}

func (c *fakeControl) StopDispatch(id int) bool {
	c.stopped = append(c.stopped, id)
	return true
}

func (c *fakeControl) CancelDispatch(id int) bool {
	c.cancelled = append(c.cancelled, id)
	return true
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
