package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/leadblast-dispatch/internal/config"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc, retries int) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewHTTPClient(config.GatewayConfig{BaseURL: srv.URL, APIKey: "k", MaxRetries: retries, Timeout: 5 * time.Second}, nil)
	c.doer.(*RetryDoer).baseDelay = time.Millisecond
	return c
}

func TestSendText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message/sendText/wa-1", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("apikey"))
		var body sendTextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "+254700000001", body.Number)
		assert.Equal(t, "hello", body.Text)
		w.Write([]byte(`{"key":{"id":"MSG-1"},"messageTimestamp":1700000000}`))
	}, 0)

	res, err := c.SendText(context.Background(), "wa-1", "+254700000001", "hello")
	require.NoError(t, err)
	assert.Equal(t, "MSG-1", res.MessageID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), res.Timestamp)
}

func TestSendMedia_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body sendMediaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "image", body.MediaType)
		assert.Equal(t, "aGVsbG8=", body.Media)
		w.Write([]byte(`{"key":{"id":"MSG-2"}}`))
	}, 3)

	res, err := c.SendMedia(context.Background(), "wa-1", "+1", model.MediaPayload{
		Type: model.MediaImage, Base64: "aGVsbG8=", FileName: "a.png", MimeType: "image/png",
	})
	require.NoError(t, err)
	assert.Equal(t, "MSG-2", res.MessageID)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestSendText_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad number", http.StatusBadRequest)
	}, 3)

	_, err := c.SendText(context.Background(), "wa-1", "nope", "hi")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSendText_MissingMessageID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}, 0)

	_, err := c.SendText(context.Background(), "wa-1", "+1", "hi")
	assert.Error(t, err)
}

func TestConnectionState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instance/connectionState/wa-2", r.URL.Path)
		w.Write([]byte(`{"instance":{"instanceName":"wa-2","state":"OPEN"}}`))
	}, 0)

	st, err := c.ConnectionState(context.Background(), "wa-2")
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionOpen, st.State)
}

func TestListInstances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"name":"wa-1","connectionStatus":"open","profileName":"Sales","updatedAt":"2024-01-01T00:00:00Z"},
			{"name":"wa-2","connectionStatus":"weird"}
		]`))
	}, 0)

	list, err := c.ListInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.ConnectionOpen, list[0].State)
	require.NotNil(t, list[0].Profile)
	assert.Equal(t, "Sales", list[0].Profile.Name)
	require.NotNil(t, list[0].LastSync)
	assert.Equal(t, model.ConnectionClose, list[1].State, "unknown states are treated as closed")
	assert.Nil(t, list[1].Profile)
}

func TestCall_RespectsCancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent")
	}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SendText(ctx, "wa-1", "+1", "hi")
	assert.Error(t, err)
}
