// Package gateway talks to the messaging gateway that owns the instances.
// The gateway is treated as an opaque RPC service; only the calls the
// dispatch engine needs are exposed.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/unclebandit/leadblast-dispatch/internal/config"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
)

type Client interface {
	SendText(ctx context.Context, instance, recipient, body string) (*SendResult, error)
	SendMedia(ctx context.Context, instance, recipient string, media model.MediaPayload) (*SendResult, error)
	ConnectionState(ctx context.Context, instance string) (*ConnectionStatus, error)
	ListInstances(ctx context.Context) ([]model.Instance, error)
}

type SendResult struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnectionStatus struct {
	State   model.ConnectionState  `json:"state"`
	Profile *model.InstanceProfile `json:"profile,omitempty"`
}

// HTTPClient is the production Client. Every request passes through a shared
// token-bucket limiter before hitting the retrying transport.
type HTTPClient struct {
	baseURL string
	apiKey  string
	doer    Doer
	limiter *rate.Limiter
	log     *logrus.Entry
}

func NewHTTPClient(cfg config.GatewayConfig, log *logrus.Entry) *HTTPClient {
	if log == nil {
		log = logrus.WithField("component", "gateway")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		doer:    NewRetryDoer(&http.Client{Timeout: timeout}, cfg.MaxRetries, log),
		limiter: newLimiter(cfg.RatePerSec),
		log:     log,
	}
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype"`
	Media     string `json:"media"`
	FileName  string `json:"fileName"`
	Caption   string `json:"caption,omitempty"`
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	MessageTimestamp int64 `json:"messageTimestamp"`
}

func (r sendResponse) result() (*SendResult, error) {
	if r.Key.ID == "" {
		return nil, fmt.Errorf("gateway response carried no message id")
	}
	ts := time.Now().UTC()
	if r.MessageTimestamp > 0 {
		ts = time.Unix(r.MessageTimestamp, 0).UTC()
	}
	return &SendResult{MessageID: r.Key.ID, Timestamp: ts}, nil
}

func (c *HTTPClient) SendText(ctx context.Context, instance, recipient, body string) (*SendResult, error) {
	var resp sendResponse
	err := c.call(ctx, http.MethodPost, "/message/sendText/"+url.PathEscape(instance),
		sendTextRequest{Number: recipient, Text: body}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.result()
}

func (c *HTTPClient) SendMedia(ctx context.Context, instance, recipient string, media model.MediaPayload) (*SendResult, error) {
	var resp sendResponse
	err := c.call(ctx, http.MethodPost, "/message/sendMedia/"+url.PathEscape(instance), sendMediaRequest{
		Number:    recipient,
		MediaType: string(media.Type),
		MimeType:  media.MimeType,
		Media:     media.Base64,
		FileName:  media.FileName,
		Caption:   media.Caption,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.result()
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

func (c *HTTPClient) ConnectionState(ctx context.Context, instance string) (*ConnectionStatus, error) {
	var resp connectionStateResponse
	if err := c.call(ctx, http.MethodGet, "/instance/connectionState/"+url.PathEscape(instance), nil, &resp); err != nil {
		return nil, err
	}
	return &ConnectionStatus{State: parseState(resp.Instance.State)}, nil
}

type fetchedInstance struct {
	Name             string `json:"name"`
	ConnectionStatus string `json:"connectionStatus"`
	ProfileName      string `json:"profileName"`
	ProfilePicURL    string `json:"profilePicUrl"`
	OwnerJid         string `json:"ownerJid"`
	UpdatedAt        string `json:"updatedAt"`
}

func (c *HTTPClient) ListInstances(ctx context.Context) ([]model.Instance, error) {
	var fetched []fetchedInstance
	if err := c.call(ctx, http.MethodGet, "/instance/fetchInstances", nil, &fetched); err != nil {
		return nil, err
	}

	instances := make([]model.Instance, 0, len(fetched))
	for _, f := range fetched {
		inst := model.Instance{Name: f.Name, State: parseState(f.ConnectionStatus)}
		if f.ProfileName != "" || f.ProfilePicURL != "" || f.OwnerJid != "" {
			inst.Profile = &model.InstanceProfile{Name: f.ProfileName, PictureURL: f.ProfilePicURL, Owner: f.OwnerJid}
		}
		if t, err := time.Parse(time.RFC3339, f.UpdatedAt); err == nil {
			inst.LastSync = &model.SyncInfo{SyncedAt: t, Source: "fetchInstances"}
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// parseState maps anything unrecognised to close so callers never treat an
// unknown state as usable.
func parseState(s string) model.ConnectionState {
	switch model.ConnectionState(strings.ToLower(s)) {
	case model.ConnectionOpen:
		return model.ConnectionOpen
	case model.ConnectionConnecting:
		return model.ConnectionConnecting
	}
	return model.ConnectionClose
}

// StatusError is returned for any non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.Code, e.Body)
}

func (c *HTTPClient) call(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
