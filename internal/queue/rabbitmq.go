package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// RabbitMQQueue publishes JSON payloads to durable queues named after the
// topic. Handlers receive the raw body as json.RawMessage.
type RabbitMQQueue struct {
	conn       *amqp.Connection
	pubMu      sync.Mutex
	pub        *amqp.Channel
	prefetch   int
	maxRetries int
	log        *logrus.Entry
	wg         sync.WaitGroup
}

func DialRabbitMQ(url string, prefetch int, log *logrus.Entry) (*RabbitMQQueue, error) {
	if log == nil {
		log = logrus.WithField("component", "rabbitmq")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &RabbitMQQueue{conn: conn, pub: ch, prefetch: prefetch, maxRetries: 3, log: log}, nil
}

func declare(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
}

func (q *RabbitMQQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return q.publish(topic, body, 0)
}

func (q *RabbitMQQueue) publish(topic string, body []byte, retries int32) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	if _, err := declare(q.pub, topic); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	return q.pub.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: retries},
		Body:         body,
	})
}

// Subscribe consumes the topic on its own channel. Up to prefetch deliveries
// are handled concurrently. A failed delivery is republished with an
// incremented retry header until maxRetries, then dropped.
func (q *RabbitMQQueue) Subscribe(topic string, handler func(payload any) error) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	if _, err := declare(ch, topic); err != nil {
		ch.Close()
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}

	msgs, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer: %w", err)
	}

	entry := q.log.WithField("topic", topic)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer ch.Close()
		var inflight sync.WaitGroup
		for d := range msgs {
			inflight.Add(1)
			go func(d amqp.Delivery) {
				defer inflight.Done()
				q.handle(entry, topic, d, handler)
			}(d)
		}
		inflight.Wait()
		entry.Info("consumer stopped")
	}()
	return nil
}

func (q *RabbitMQQueue) handle(entry *logrus.Entry, topic string, d amqp.Delivery, handler func(payload any) error) {
	err := handler(json.RawMessage(d.Body))
	if err == nil {
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	entry.WithError(err).Warnf("job failed (attempt %d/%d)", retries+1, q.maxRetries+1)
	if int(retries) < q.maxRetries {
		if perr := q.publish(topic, d.Body, retries+1); perr != nil {
			entry.WithError(perr).Error("failed to requeue job")
			d.Nack(false, true)
			return
		}
	} else {
		entry.Error("job permanently failed, dropping")
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	}
	return 0
}

// Close stops consumers and waits for in-flight handlers.
func (q *RabbitMQQueue) Close() error {
	err := q.conn.Close()
	q.wg.Wait()
	return err
}

var _ Queue = (*RabbitMQQueue)(nil)
