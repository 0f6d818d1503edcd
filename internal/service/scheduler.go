// internal/service/scheduler.go
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rebirthhq/comms-service/internal/queue"
	"github.com/rebirthhq/comms-service/internal/repository"
)

// DueScanner periodically looks for communications whose send time has
// arrived: overdue SCHEDULED ones and RECURRING ones due for a new
// occurrence. Scanning instead of single-shot delay timers keeps scheduled
// and recurring delivery working across process restarts.
type DueScanner struct {
	Comms    repository.CommunicationRepositoryInterface
	Queue    Publisher
	Logger   *zap.Logger
	Interval time.Duration
}

func NewDueScanner(comms repository.CommunicationRepositoryInterface, q Publisher, logger *zap.Logger, interval time.Duration) *DueScanner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DueScanner{Comms: comms, Queue: q, Logger: logger, Interval: interval}
}

// Run scans on the configured interval until the context is cancelled.
func (s *DueScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx, time.Now()); err != nil {
				s.Logger.Error("due scan failed", zap.Error(err))
			}
		}
	}
}

// ScanOnce enqueues one fan-out per due communication and returns how many
// it enqueued.
func (s *DueScanner) ScanOnce(ctx context.Context, now time.Time) (int, error) {
	enqueued := 0

	scheduled, err := s.Comms.ListDueScheduled(now)
	if err != nil {
		return enqueued, err
	}
	for _, c := range scheduled {
		if s.enqueue(c.ID) {
			enqueued++
		}
	}

	recurring, err := s.Comms.ListRecurring()
	if err != nil {
		return enqueued, err
	}
	for _, c := range recurring {
		if c.Recurrence == nil {
			s.Logger.Warn("recurring communication without recurrence rule",
				zap.Int("communication_id", c.ID))
			continue
		}
		if !c.Recurrence.DueAt(now, c.LastProcessedAt, c.RecurrenceRuns) {
			continue
		}
		if s.enqueue(c.ID) {
			enqueued++
		}
	}

	return enqueued, nil
}

func (s *DueScanner) enqueue(communicationID int) bool {
	if err := s.Queue.Publish(queue.TopicCommunicationFanout, communicationID); err != nil {
		s.Logger.Error("failed to enqueue due communication",
			zap.Int("communication_id", communicationID),
			zap.Error(err))
		return false
	}
	s.Logger.Info("due communication enqueued", zap.Int("communication_id", communicationID))
	return true
}
