package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())

	done := make(chan any, 1)
	q.Subscribe(TopicCommunicationFanout, func(payload any) error {
		done <- payload
		return nil
	})

	if err := q.Publish(TopicCommunicationFanout, 42); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	select {
	case payload := <-done:
		if payload != 42 {
			t.Errorf("payload = %v, want 42", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestPublishWithoutSubscribersFails(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())
	if err := q.Publish("nobody_listens", 1); err == nil {
		t.Fatal("publishing to a topic without subscribers should fail")
	}
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())
	q.SetBackoff([]time.Duration{time.Millisecond, time.Millisecond})

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{}, 1)

	q.Subscribe(TopicCommunicationFanout, func(payload any) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return errors.New("transient")
		}
		done <- struct{}{}
		return nil
	})

	exhausted := false
	q.OnExhausted(func(topic string, payload any, err error) { exhausted = true })

	q.Publish(TopicCommunicationFanout, 1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never succeeded")
	}
	if exhausted {
		t.Error("exhaustion hook fired for a job that eventually succeeded")
	}
}

func TestExhaustionHookAfterFinalAttempt(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())
	q.SetBackoff([]time.Duration{time.Millisecond, time.Millisecond})

	var mu sync.Mutex
	attempts := 0
	q.Subscribe(TopicCommunicationFanout, func(payload any) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("permanent")
	})

	type exhaustion struct {
		topic   string
		payload any
		err     error
	}
	got := make(chan exhaustion, 1)
	q.OnExhausted(func(topic string, payload any, err error) {
		got <- exhaustion{topic, payload, err}
	})

	q.Publish(TopicCommunicationFanout, 7)

	select {
	case e := <-got:
		if e.topic != TopicCommunicationFanout || e.payload != 7 {
			t.Errorf("exhaustion = %+v", e)
		}
		if e.err == nil || e.err.Error() != "permanent" {
			t.Errorf("exhaustion error = %v", e.err)
		}
	case <-time.After(time.Second):
		t.Fatal("exhaustion hook never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	// Two delays mean three attempts.
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestPublishWithDelayZeroIsImmediate(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())

	done := make(chan struct{}, 1)
	q.Subscribe(TopicCommunicationFanout, func(payload any) error {
		done <- struct{}{}
		return nil
	})

	if err := q.PublishWithDelay(TopicCommunicationFanout, 1, 0); err != nil {
		t.Fatalf("PublishWithDelay returned error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("zero-delay publish never delivered")
	}
}

func TestPublishWithDelayDelivers(t *testing.T) {
	q := NewInMemoryQueue(zap.NewNop())

	done := make(chan time.Time, 1)
	q.Subscribe(TopicCommunicationFanout, func(payload any) error {
		done <- time.Now()
		return nil
	})

	start := time.Now()
	if err := q.PublishWithDelay(TopicCommunicationFanout, 1, 20*time.Millisecond); err != nil {
		t.Fatalf("PublishWithDelay returned error: %v", err)
	}

	select {
	case at := <-done:
		if at.Sub(start) < 15*time.Millisecond {
			t.Errorf("delivered after %v, want at least the delay", at.Sub(start))
		}
	case <-time.After(time.Second):
		t.Fatal("delayed publish never delivered")
	}
}
