// internal/service/trigger.go
package service

import (
	"time"

	"go.uber.org/zap"

	"github.com/rebirthhq/comms-service/internal/model"
	"github.com/rebirthhq/comms-service/internal/queue"
)

// Publisher is the queue surface the trigger needs.
type Publisher interface {
	Publish(topic string, payload any) error
	PublishWithDelay(topic string, payload any, delay time.Duration) error
}

// LifecycleTrigger reacts to communication creation and status transitions
// and decides whether to fan out now, later, or not at all. It is called
// explicitly by the component that saves the entity, not from persistence
// hooks.
type LifecycleTrigger struct {
	Queue  Publisher
	Logger *zap.Logger
}

func NewLifecycleTrigger(q Publisher, logger *zap.Logger) *LifecycleTrigger {
	return &LifecycleTrigger{Queue: q, Logger: logger}
}

// CommunicationCreated is invoked right after a communication is saved.
func (t *LifecycleTrigger) CommunicationCreated(c *model.Communication) {
	logger := t.Logger.With(zap.Int("communication_id", c.ID))

	if c.AwaitingApproval() {
		logger.Info("communication awaits approval, not enqueuing fan-out")
		return
	}
	if c.IsScheduledForFuture(time.Now()) {
		// The periodic due-scan picks it up once the send time arrives and
		// survives process restarts, unlike a single-shot delay.
		logger.Info("scheduled communication, leaving for due-scan",
			zap.Timep("scheduled_for", c.ScheduledFor))
		return
	}
	if c.DeliveryType == model.DeliveryTypeRecurring {
		logger.Info("recurring communication, leaving for due-scan")
		return
	}

	t.enqueue(c, 0)
}

// CommunicationApproved is invoked when a communication transitions into
// APPROVED.
func (t *LifecycleTrigger) CommunicationApproved(c *model.Communication) {
	logger := t.Logger.With(zap.Int("communication_id", c.ID))

	if c.LastProcessedAt != nil {
		logger.Info("communication already processed, not enqueuing fan-out")
		return
	}
	if c.DeliveryType == model.DeliveryTypeRecurring {
		logger.Info("recurring communication, leaving for due-scan")
		return
	}

	now := time.Now()
	if c.IsScheduledForFuture(now) {
		t.enqueue(c, c.ScheduledFor.Sub(now))
		return
	}

	// IMMEDIATE or overdue-SCHEDULED.
	t.enqueue(c, 0)
}

func (t *LifecycleTrigger) enqueue(c *model.Communication, delay time.Duration) {
	var err error
	if delay > 0 {
		err = t.Queue.PublishWithDelay(queue.TopicCommunicationFanout, c.ID, delay)
	} else {
		err = t.Queue.Publish(queue.TopicCommunicationFanout, c.ID)
	}
	if err != nil {
		t.Logger.Error("failed to enqueue fan-out",
			zap.Int("communication_id", c.ID),
			zap.Duration("delay", delay),
			zap.Error(err))
		return
	}
	t.Logger.Info("fan-out enqueued",
		zap.Int("communication_id", c.ID),
		zap.Duration("delay", delay))
}
