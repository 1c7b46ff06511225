package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("failed to encode response")
	}
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without its message.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	var (
		concurrent *appErrors.ErrConcurrentRun
		transition *appErrors.ErrInvalidTransition
		validation *appErrors.ErrValidation
		empty      *appErrors.ErrEmptyCampaign
	)
	status := http.StatusInternalServerError
	switch {
	case appErrors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &concurrent), errors.As(err, &transition):
		status = http.StatusConflict
	case errors.As(err, &validation), errors.As(err, &empty):
		status = http.StatusBadRequest
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		if log != nil {
			log.WithError(err).Error("request failed")
		}
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return appErrors.NewValidation("body", "invalid JSON: "+err.Error())
	}
	return nil
}

func campaignID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		return 0, appErrors.NewValidation("id", "invalid campaign id")
	}
	return id, nil
}
