// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when a campaign id does not resolve.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrEmptyCampaign aborts a start when there is nobody to send to.
type ErrEmptyCampaign struct {
	CampaignID int
}

func (e *ErrEmptyCampaign) Error() string {
	return fmt.Sprintf("campaign %d has no leads to process", e.CampaignID)
}

func NewEmptyCampaign(id int) error {
	return &ErrEmptyCampaign{CampaignID: id}
}

// ErrConcurrentRun is returned when a campaign is already RUNNING.
type ErrConcurrentRun struct {
	CampaignID int
}

func (e *ErrConcurrentRun) Error() string {
	return fmt.Sprintf("campaign %d is already running", e.CampaignID)
}

func NewConcurrentRun(id int) error {
	return &ErrConcurrentRun{CampaignID: id}
}

// ErrNoInstanceAvailable fails a single lead when rotation finds no instance.
type ErrNoInstanceAvailable struct {
	CampaignID int
}

func (e *ErrNoInstanceAvailable) Error() string {
	return fmt.Sprintf("no healthy instance available for campaign %d", e.CampaignID)
}

func NewNoInstanceAvailable(id int) error {
	return &ErrNoInstanceAvailable{CampaignID: id}
}

// ErrGatewaySend wraps a failed gateway call.
type ErrGatewaySend struct {
	Instance string
	Err      error
}

func (e *ErrGatewaySend) Error() string {
	return fmt.Sprintf("gateway send via %s failed: %v", e.Instance, e.Err)
}

func (e *ErrGatewaySend) Unwrap() error { return e.Err }

func NewGatewaySend(instance string, err error) error {
	return &ErrGatewaySend{Instance: instance, Err: err}
}

// ErrSanitization wraps a metadata-sanitizer failure.
type ErrSanitization struct {
	FileName string
	Err      error
}

func (e *ErrSanitization) Error() string {
	return fmt.Sprintf("sanitizing %s failed: %v", e.FileName, e.Err)
}

func (e *ErrSanitization) Unwrap() error { return e.Err }

func NewSanitization(fileName string, err error) error {
	return &ErrSanitization{FileName: fileName, Err: err}
}

// ErrSchedulingComputation stops a campaign's recurrence.
type ErrSchedulingComputation struct {
	CampaignID int
	Reason     string
}

func (e *ErrSchedulingComputation) Error() string {
	return fmt.Sprintf("cannot compute next occurrence for campaign %d: %s", e.CampaignID, e.Reason)
}

func NewSchedulingComputation(id int, reason string) error {
	return &ErrSchedulingComputation{CampaignID: id, Reason: reason}
}

// ErrInvalidTransition is returned for a status change the state machine forbids.
type ErrInvalidTransition struct {
	CampaignID int
	From       string
	To         string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("campaign %d cannot move from %s to %s", e.CampaignID, e.From, e.To)
}

func NewInvalidTransition(id int, from, to string) error {
	return &ErrInvalidTransition{CampaignID: id, From: from, To: to}
}

// ErrDispatchAborted wraps a failure that ended a run after its claim. The
// campaign is left in ERROR and the run must not be retried automatically.
type ErrDispatchAborted struct {
	CampaignID int
	Err        error
}

func (e *ErrDispatchAborted) Error() string {
	return fmt.Sprintf("dispatch of campaign %d aborted: %v", e.CampaignID, e.Err)
}

func (e *ErrDispatchAborted) Unwrap() error { return e.Err }

func NewDispatchAborted(id int, err error) error {
	return &ErrDispatchAborted{CampaignID: id, Err: err}
}

// ErrValidation carries a client input problem.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidation(field, message string) error {
	return &ErrValidation{Field: field, Message: message}
}

// ErrMessageNotFound is returned for a status callback on an unknown message.
type ErrMessageNotFound struct {
	MessageID string
}

func (e *ErrMessageNotFound) Error() string {
	return fmt.Sprintf("message %s not found", e.MessageID)
}

func NewMessageNotFound(id string) error {
	return &ErrMessageNotFound{MessageID: id}
}

// IsNotFound reports whether err is, or wraps, a not-found error.
func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	var mnf *ErrMessageNotFound
	return errors.As(err, &nf) || errors.As(err, &mnf)
}
