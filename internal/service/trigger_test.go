package service_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rebirthhq/comms-service/internal/model"
	"github.com/rebirthhq/comms-service/internal/queue"
	"github.com/rebirthhq/comms-service/internal/service"
)

func TestCreatedImmediateApprovedEnqueues(t *testing.T) {
	pub := &MockPublisher{}
	trigger := service.NewLifecycleTrigger(pub, zap.NewNop())

	comm := approvedCommunication(1)
	trigger.CommunicationCreated(comm)

	if pub.Count() != 1 {
		t.Fatalf("published = %d, want 1", pub.Count())
	}
	job := pub.Published[0]
	if job.Topic != queue.TopicCommunicationFanout || job.Payload != 1 || job.Delay != 0 {
		t.Errorf("unexpected job: %+v", job)
	}
}

func TestCreatedAwaitingApprovalDoesNotEnqueue(t *testing.T) {
	pub := &MockPublisher{}
	trigger := service.NewLifecycleTrigger(pub, zap.NewNop())

	comm := approvedCommunication(1)
	comm.Status = model.CommStatusPendingApproval
	trigger.CommunicationCreated(comm)

	if pub.Count() != 0 {
		t.Error("unapproved communication must not enqueue")
	}
}

func TestCreatedFutureScheduledLeftForScan(t *testing.T) {
	pub := &MockPublisher{}
	trigger := service.NewLifecycleTrigger(pub, zap.NewNop())

	comm := approvedCommunication(1)
	comm.DeliveryType = model.DeliveryTypeScheduled
	future := time.Now().Add(2 * time.Hour)
	comm.ScheduledFor = &future
	trigger.CommunicationCreated(comm)

	if pub.Count() != 0 {
		t.Error("future-scheduled creation is handled by the due-scan, not an immediate enqueue")
	}
}

func TestCreatedRecurringLeftForScan(t *testing.T) {
	pub := &MockPublisher{}
	trigger := service.NewLifecycleTrigger(pub, zap.NewNop())

	comm := approvedCommunication(1)
	comm.DeliveryType = model.DeliveryTypeRecurring
	comm.Recurrence = &model.Recurrence{Frequency: model.FrequencyDaily}
	trigger.CommunicationCreated(comm)

	if pub.Count() != 0 {
		t.Error("recurring communications are driven by the due-scan")
	}
}

func TestApprovedImmediateEnqueues(t *testing.T) {
	pub := &MockPublisher{}
	trigger := service.NewLifecycleTrigger(pub, zap.NewNop())

	trigger.CommunicationApproved(approvedCommunication(7))

	if pub.Count() != 1 {
		t.Fatalf("published = %d, want 1", pub.Count())
	}
	if pub.Published[0].Payload != 7 {
		t.Errorf("payload = %v, want 7", pub.Published[0].Payload)
	}
}

func TestApprovedFutureScheduledEnqueuesWithDelay(t *testing.T) {
	pub := &MockPublisher{}
	trigger := service.NewLifecycleTrigger(pub, zap.NewNop())

	comm := approvedCommunication(1)
	comm.DeliveryType = model.DeliveryTypeScheduled
	future := time.Now().Add(time.Hour)
	comm.ScheduledFor = &future
	trigger.CommunicationApproved(comm)

	if pub.Count() != 1 {
		t.Fatalf("published = %d, want 1", pub.Count())
	}
	delay := pub.Published[0].Delay
	if delay <= 50*time.Minute || delay > time.Hour {
		t.Errorf("delay = %v, want roughly one hour", delay)
	}
}

func TestApprovedOverdueScheduledEnqueuesNow(t *testing.T) {
	pub := &MockPublisher{}
	trigger := service.NewLifecycleTrigger(pub, zap.NewNop())

	comm := approvedCommunication(1)
	comm.DeliveryType = model.DeliveryTypeScheduled
	past := time.Now().Add(-time.Hour)
	comm.ScheduledFor = &past
	trigger.CommunicationApproved(comm)

	if pub.Count() != 1 {
		t.Fatalf("published = %d, want 1", pub.Count())
	}
	if pub.Published[0].Delay != 0 {
		t.Errorf("overdue approval should enqueue immediately, got delay %v", pub.Published[0].Delay)
	}
}

func TestApprovedAlreadyProcessedDoesNotEnqueue(t *testing.T) {
	pub := &MockPublisher{}
	trigger := service.NewLifecycleTrigger(pub, zap.NewNop())

	comm := approvedCommunication(1)
	processed := time.Now().Add(-time.Hour)
	comm.LastProcessedAt = &processed
	trigger.CommunicationApproved(comm)

	if pub.Count() != 0 {
		t.Error("re-approving a processed communication must not re-enqueue")
	}
}

func TestApprovedRecurringLeftForScan(t *testing.T) {
	pub := &MockPublisher{}
	trigger := service.NewLifecycleTrigger(pub, zap.NewNop())

	comm := approvedCommunication(1)
	comm.DeliveryType = model.DeliveryTypeRecurring
	comm.Recurrence = &model.Recurrence{Frequency: model.FrequencyWeekly, Days: []int{1}}
	trigger.CommunicationApproved(comm)

	if pub.Count() != 0 {
		t.Error("recurring communications are driven by the due-scan")
	}
}
