package controller

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
	"github.com/unclebandit/leadblast-dispatch/internal/service"
)

type HealthRegistry interface {
	GetInstanceHealth(ctx context.Context, instance string) model.InstanceHealthInfo
	ListInstanceHealth(ctx context.Context) ([]model.InstanceHealthInfo, error)
}

type StatusApplier interface {
	Apply(ctx context.Context, u service.StatusUpdate) (*service.StatusUpdateResult, error)
}

type InstanceController struct {
	Registry HealthRegistry
	Log      *logrus.Entry
}

func (c *InstanceController) ListHealth(w http.ResponseWriter, r *http.Request) {
	list, err := c.Registry.ListInstanceHealth(r.Context())
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

func (c *InstanceController) GetHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		writeError(w, c.Log, appErrors.NewValidation("name", "is required"))
		return
	}
	writeJSON(w, http.StatusOK, c.Registry.GetInstanceHealth(r.Context(), name))
}

// WebhookController receives delivery callbacks from the gateway.
type WebhookController struct {
	Statuses StatusApplier
	Log      *logrus.Entry
}

func (c *WebhookController) MessageStatus(w http.ResponseWriter, r *http.Request) {
	var body service.StatusUpdate
	if err := decode(r, &body); err != nil {
		writeError(w, c.Log, err)
		return
	}
	res, err := c.Statuses.Apply(r.Context(), body)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
