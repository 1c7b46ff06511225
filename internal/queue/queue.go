package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DispatchTopic is the topic dispatch jobs are published on.
const DispatchTopic = "campaign_dispatch"

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// DispatchJob asks a worker to run one dispatch for a campaign.
type DispatchJob struct {
	CampaignID   int       `json:"campaign_id"`
	InstanceName string    `json:"instance_name,omitempty"`
	Message      *string   `json:"message,omitempty"`
	MinDelay     *int      `json:"min_delay,omitempty"`
	MaxDelay     *int      `json:"max_delay,omitempty"`
	Trigger      string    `json:"trigger"`
	RequestedAt  time.Time `json:"requested_at"`
}

// DecodeDispatchJob accepts a job as published in process or as raw JSON
// from a broker.
func DecodeDispatchJob(payload any) (DispatchJob, error) {
	switch p := payload.(type) {
	case DispatchJob:
		return p, nil
	case *DispatchJob:
		if p == nil {
			return DispatchJob{}, fmt.Errorf("nil dispatch job")
		}
		return *p, nil
	case []byte:
		var job DispatchJob
		err := json.Unmarshal(p, &job)
		return job, err
	case json.RawMessage:
		var job DispatchJob
		err := json.Unmarshal(p, &job)
		return job, err
	}
	return DispatchJob{}, fmt.Errorf("unexpected dispatch payload %T", payload)
}

// InMemoryQueue is an in-process queue with retry
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(payload any) error
	maxRetries int
	backoff    time.Duration
	wg         sync.WaitGroup
	log        *logrus.Entry
}

func NewInMemoryQueue(log *logrus.Entry) *InMemoryQueue {
	if log == nil {
		log = logrus.WithField("component", "queue")
	}
	return &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		log:        log,
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish hands the payload to every subscriber of the topic
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go q.processJob(topic, handler, JobPayload{Payload: payload, MaxRetries: q.maxRetries})
	}
	return nil
}

func (q *InMemoryQueue) processJob(topic string, handler func(payload any) error, job JobPayload) {
	defer q.wg.Done()
	entry := q.log.WithField("topic", topic)

	for job.RetryCount <= job.MaxRetries {
		err := handler(job.Payload)
		if err == nil {
			return
		}

		job.RetryCount++
		entry.WithError(err).Warnf("job failed (attempt %d/%d)", job.RetryCount, job.MaxRetries+1)

		if job.RetryCount > job.MaxRetries {
			entry.Errorf("job permanently failed after %d attempts", job.RetryCount)
			return
		}

		time.Sleep(time.Duration(job.RetryCount) * q.backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished, retries included.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

var _ Queue = (*InMemoryQueue)(nil)
