package gateway

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Doer executes HTTP requests. *http.Client and *RetryDoer both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryDoer retries transient gateway failures with capped exponential
// backoff and full jitter. Client errors and cancelled contexts are not retried.
type RetryDoer struct {
	next       Doer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	log        *logrus.Entry
}

func NewRetryDoer(next Doer, maxRetries int, log *logrus.Entry) *RetryDoer {
	if next == nil {
		next = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RetryDoer{
		next:       next,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   10 * time.Second,
		log:        log,
	}
}

func (d *RetryDoer) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("reset request body: %w", err)
				}
				req.Body = body
			}

			delay := d.backoff(attempt)
			d.log.WithFields(logrus.Fields{
				"attempt": attempt,
				"path":    req.URL.Path,
				"wait":    delay,
			}).Warn("retrying gateway request")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := d.next.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !retryableStatus(resp.StatusCode) || attempt == d.maxRetries {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("gateway returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

func (d *RetryDoer) backoff(attempt int) time.Duration {
	exp := float64(d.baseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(d.maxDelay) {
		exp = float64(d.maxDelay)
	}
	jittered := time.Duration(rand.Float64() * exp)
	if jittered < 50*time.Millisecond {
		jittered = 50 * time.Millisecond
	}
	return jittered
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
