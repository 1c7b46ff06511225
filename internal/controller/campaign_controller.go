package controller

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
	"github.com/unclebandit/leadblast-dispatch/internal/queue"
	"github.com/unclebandit/leadblast-dispatch/internal/service"
)

// CampaignAPI is the campaign service as seen by HTTP.
type CampaignAPI interface {
	CreateCampaign(ctx context.Context, in service.CampaignInput) (*model.Campaign, error)
	UpdateCampaign(ctx context.Context, id int, in service.CampaignInput) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error)
	GetCampaign(ctx context.Context, id int) (*model.Campaign, error)
	DeleteCampaign(ctx context.Context, id int) error
	Start(ctx context.Context, id int, req service.StartRequest) (*queue.DispatchJob, error)
	Pause(ctx context.Context, id int) error
	Resume(ctx context.Context, id int, req service.StartRequest) (*queue.DispatchJob, error)
	Cancel(ctx context.Context, id int) error
	UploadLeads(ctx context.Context, id int, leads []model.LeadInput) (*service.UploadResult, error)
	GetStats(ctx context.Context, id int) (*model.CampaignStats, error)
	RenderPreview(ctx context.Context, campaignID int, leadID *int, overrideTemplate *string) (string, error)
}

type LeadImporter interface {
	ImportXLSX(ctx context.Context, campaignID int, r io.Reader) (*service.UploadResult, error)
}

// maxImportSize bounds multipart lead uploads.
const maxImportSize = 10 << 20

type CampaignController struct {
	CampaignService CampaignAPI
	Importer        LeadImporter
	Log             *logrus.Entry
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CampaignInput
	if err := decode(r, &body); err != nil {
		writeError(w, c.Log, err)
		return
	}
	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, status)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	campaign, err := c.CampaignService.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	var body service.CampaignInput
	if err := decode(r, &body); err != nil {
		writeError(w, c.Log, err)
		return
	}
	campaign, err := c.CampaignService.UpdateCampaign(r.Context(), id, body)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	if err := c.CampaignService.DeleteCampaign(r.Context(), id); err != nil {
		writeError(w, c.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startRequest reads optional overrides; an empty body is allowed.
func startRequest(r *http.Request) (service.StartRequest, error) {
	var req service.StartRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	err := decode(r, &req)
	return req, err
}

func (c *CampaignController) Start(w http.ResponseWriter, r *http.Request) {
	c.enqueue(w, r, c.CampaignService.Start)
}

func (c *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	c.enqueue(w, r, c.CampaignService.Resume)
}

func (c *CampaignController) enqueue(w http.ResponseWriter, r *http.Request, fn func(context.Context, int, service.StartRequest) (*queue.DispatchJob, error)) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	req, err := startRequest(r)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	job, err := fn(r.Context(), id, req)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"campaign_id":  job.CampaignID,
		"trigger":      job.Trigger,
		"requested_at": job.RequestedAt,
		"status":       "queued",
	})
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	c.signal(w, r, c.CampaignService.Pause, model.CampaignStatusPaused)
}

func (c *CampaignController) Cancel(w http.ResponseWriter, r *http.Request) {
	c.signal(w, r, c.CampaignService.Cancel, model.CampaignStatusCancelled)
}

func (c *CampaignController) signal(w http.ResponseWriter, r *http.Request, fn func(context.Context, int) error, status model.CampaignStatus) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "status": status})
}

func (c *CampaignController) UploadLeads(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	var body struct {
		Leads []model.LeadInput `json:"leads"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, c.Log, err)
		return
	}
	res, err := c.CampaignService.UploadLeads(r.Context(), id, body.Leads)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ImportLeads accepts a multipart form with an .xlsx under "file".
func (c *CampaignController) ImportLeads(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, c.Log, appErrors.NewValidation("file", err.Error()))
		return
	}
	defer file.Close()

	res, err := c.Importer.ImportXLSX(r.Context(), id, file)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) GetStats(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	stats, err := c.CampaignService.GetStats(r.Context(), id)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *CampaignController) Preview(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	var body struct {
		LeadID           *int    `json:"lead_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			writeError(w, c.Log, err)
			return
		}
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), id, body.LeadID, body.OverrideTemplate)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rendered_message": rendered,
		"used_template":    body.OverrideTemplate,
		"lead_id":          body.LeadID,
	})
}
