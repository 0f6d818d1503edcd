package queue

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topics
const (
	TopicCommunicationFanout = "communication_fanout"
)

// DefaultBackoff holds the delays between fan-out delivery attempts; entry
// n is the wait after attempt n fails, so the attempt count is
// len(DefaultBackoff)+1. Two delays mean three attempts total.
var DefaultBackoff = []time.Duration{60 * time.Second, 300 * time.Second}

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	PublishWithDelay(topic string, payload any, delay time.Duration) error
	Subscribe(topic string, handler func(payload any) error) error
}

// InMemoryQueue is an in-process queue with retry and a terminal-failure
// hook. The API server uses it when no broker is configured; tests use it
// everywhere.
type InMemoryQueue struct {
	mu          sync.Mutex
	handlers    map[string][]func(payload any) error
	backoff     []time.Duration
	onExhausted func(topic string, payload any, err error)
	logger      *zap.Logger
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(logger *zap.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers: make(map[string][]func(payload any) error),
		backoff:  DefaultBackoff,
		logger:   logger,
	}
}

// SetBackoff replaces the delay schedule. Entry n delays the retry after
// attempt n fails; the attempt count is len(schedule)+1.
func (q *InMemoryQueue) SetBackoff(schedule []time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backoff = schedule
}

// OnExhausted registers the hook invoked when a job fails its final
// attempt. This is the permanent-failure path, distinct from a single
// recipient failing inside an attempt.
func (q *InMemoryQueue) OnExhausted(fn func(topic string, payload any, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onExhausted = fn
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	backoff := q.backoff
	exhausted := q.onExhausted
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		go q.processJob(topic, handler, payload, backoff, exhausted)
	}
	return nil
}

// PublishWithDelay publishes after the given delay elapses. The delay is
// in-process only; scheduled work also has to survive restarts, which the
// periodic due-scan covers.
func (q *InMemoryQueue) PublishWithDelay(topic string, payload any, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(topic, payload)
	}
	time.AfterFunc(delay, func() {
		if err := q.Publish(topic, payload); err != nil {
			q.logger.Error("delayed publish failed", zap.String("topic", topic), zap.Error(err))
		}
	})
	return nil
}

// processJob runs the handler with the retry schedule and calls the
// exhaustion hook after the final failed attempt.
func (q *InMemoryQueue) processJob(topic string, handler func(payload any) error, payload any, backoff []time.Duration, exhausted func(string, any, error)) {
	attempts := len(backoff) + 1
	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		err = handler(payload)
		if err == nil {
			return
		}

		q.logger.Warn("job attempt failed",
			zap.String("topic", topic),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))

		if attempt < attempts {
			time.Sleep(backoff[attempt-1])
		}
	}

	q.logger.Error("job permanently failed",
		zap.String("topic", topic),
		zap.Error(err))
	if exhausted != nil {
		exhausted(topic, payload, err)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
