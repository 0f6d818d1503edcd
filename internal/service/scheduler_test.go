package service_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rebirthhq/comms-service/internal/model"
	"github.com/rebirthhq/comms-service/internal/service"
)

func TestScanOnceEnqueuesOverdueScheduled(t *testing.T) {
	now := time.Now()
	past := now.Add(-10 * time.Minute)
	future := now.Add(10 * time.Minute)

	due := approvedCommunication(1)
	due.DeliveryType = model.DeliveryTypeScheduled
	due.ScheduledFor = &past

	notYet := approvedCommunication(2)
	notYet.DeliveryType = model.DeliveryTypeScheduled
	notYet.ScheduledFor = &future

	comms := NewMockCommRepo(due, notYet)
	pub := &MockPublisher{}
	scanner := service.NewDueScanner(comms, pub, zap.NewNop(), time.Minute)

	enqueued, err := scanner.ScanOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("ScanOnce returned error: %v", err)
	}
	if enqueued != 1 {
		t.Fatalf("enqueued = %d, want 1", enqueued)
	}
	if pub.Published[0].Payload != 1 {
		t.Errorf("payload = %v, want communication 1", pub.Published[0].Payload)
	}
}

func TestScanOnceSkipsProcessedScheduled(t *testing.T) {
	now := time.Now()
	past := now.Add(-10 * time.Minute)

	comm := approvedCommunication(1)
	comm.DeliveryType = model.DeliveryTypeScheduled
	comm.ScheduledFor = &past
	comm.LastProcessedAt = &past

	comms := NewMockCommRepo(comm)
	pub := &MockPublisher{}
	scanner := service.NewDueScanner(comms, pub, zap.NewNop(), time.Minute)

	enqueued, err := scanner.ScanOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("ScanOnce returned error: %v", err)
	}
	if enqueued != 0 {
		t.Error("already-processed scheduled communication must not re-enqueue")
	}
}

func TestScanOnceEnqueuesDueRecurring(t *testing.T) {
	now := time.Now()
	yesterday := now.Add(-25 * time.Hour)

	comm := approvedCommunication(1)
	comm.DeliveryType = model.DeliveryTypeRecurring
	comm.Recurrence = &model.Recurrence{Frequency: model.FrequencyDaily}
	comm.LastProcessedAt = &yesterday
	comm.RecurrenceRuns = 1

	comms := NewMockCommRepo(comm)
	pub := &MockPublisher{}
	scanner := service.NewDueScanner(comms, pub, zap.NewNop(), time.Minute)

	enqueued, err := scanner.ScanOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("ScanOnce returned error: %v", err)
	}
	if enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", enqueued)
	}
}

func TestScanOnceSkipsRecurringNotDue(t *testing.T) {
	now := time.Now()
	recently := now.Add(-time.Hour)

	comm := approvedCommunication(1)
	comm.DeliveryType = model.DeliveryTypeRecurring
	comm.Recurrence = &model.Recurrence{Frequency: model.FrequencyDaily}
	comm.LastProcessedAt = &recently
	comm.RecurrenceRuns = 1

	comms := NewMockCommRepo(comm)
	pub := &MockPublisher{}
	scanner := service.NewDueScanner(comms, pub, zap.NewNop(), time.Minute)

	enqueued, _ := scanner.ScanOnce(context.Background(), now)
	if enqueued != 0 {
		t.Error("recurring communication inside its period must not enqueue")
	}
}

func TestScanOnceSkipsRecurringWithoutRule(t *testing.T) {
	comm := approvedCommunication(1)
	comm.DeliveryType = model.DeliveryTypeRecurring

	comms := NewMockCommRepo(comm)
	pub := &MockPublisher{}
	scanner := service.NewDueScanner(comms, pub, zap.NewNop(), time.Minute)

	enqueued, err := scanner.ScanOnce(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ScanOnce returned error: %v", err)
	}
	if enqueued != 0 {
		t.Error("recurring communication without a rule must be skipped, not enqueued")
	}
}

func TestScanOnceSkipsEndedRecurring(t *testing.T) {
	now := time.Now()
	longAgo := now.Add(-48 * time.Hour)

	comm := approvedCommunication(1)
	comm.DeliveryType = model.DeliveryTypeRecurring
	comm.Recurrence = &model.Recurrence{
		Frequency: model.FrequencyDaily,
		EndType:   model.EndTypeAfterOccurrences,
		EndValue:  "2",
	}
	comm.LastProcessedAt = &longAgo
	comm.RecurrenceRuns = 2

	comms := NewMockCommRepo(comm)
	pub := &MockPublisher{}
	scanner := service.NewDueScanner(comms, pub, zap.NewNop(), time.Minute)

	enqueued, _ := scanner.ScanOnce(context.Background(), now)
	if enqueued != 0 {
		t.Error("recurrence past its end condition must not enqueue")
	}
}
