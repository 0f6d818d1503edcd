package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appErrors "github.com/rebirthhq/comms-service/internal/errors"
	"github.com/rebirthhq/comms-service/internal/gateway"
	"github.com/rebirthhq/comms-service/internal/model"
)

// Mock communication repository backed by a map.
type MockCommRepo struct {
	mu    sync.Mutex
	Comms map[int]*model.Communication

	ClaimBlocked  bool
	ClaimCalls    int
	ClaimReleases int
	Finalized     map[int]string
	FailReasons   map[int]string
}

func NewMockCommRepo(comms ...*model.Communication) *MockCommRepo {
	m := &MockCommRepo{
		Comms:       map[int]*model.Communication{},
		Finalized:   map[int]string{},
		FailReasons: map[int]string{},
	}
	for _, c := range comms {
		m.Comms[c.ID] = c
	}
	return m
}

func (m *MockCommRepo) Create(c *model.Communication) error { m.Comms[c.ID] = c; return nil }

func (m *MockCommRepo) GetByID(id int) (*model.Communication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Comms[id]
	if !ok {
		return nil, appErrors.NewCommunicationNotFound(id)
	}
	return c, nil
}

func (m *MockCommRepo) GetStatus(id int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Comms[id]
	if !ok {
		return "", fmt.Errorf("communication %d not found", id)
	}
	return c.Status, nil
}

func (m *MockCommRepo) List(offset, limit int, status, deliveryType string) ([]*model.Communication, int, error) {
	return nil, 0, nil
}

func (m *MockCommRepo) UpdateStatus(id int, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Comms[id]; ok {
		c.Status = status
	}
	return nil
}

func (m *MockCommRepo) Approve(id int, approvedBy *int) error {
	return m.UpdateStatus(id, model.CommStatusApproved)
}

func (m *MockCommRepo) MarkProcessing(id int, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClaimCalls++
	if m.ClaimBlocked {
		return false, nil
	}
	if c, ok := m.Comms[id]; ok {
		c.Status = model.CommStatusProcessing
		now := time.Now()
		c.LastProcessedAt = &now
	}
	return true, nil
}

func (m *MockCommRepo) ReleaseClaim(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClaimReleases++
	if c, ok := m.Comms[id]; ok && c.Status == model.CommStatusProcessing {
		c.Status = model.CommStatusApproved
		c.LastProcessedAt = nil
	}
	return nil
}

func (m *MockCommRepo) SetTotalRecipients(id, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Comms[id]; ok {
		c.TotalRecipients = total
	}
	return nil
}

func (m *MockCommRepo) IncrementDeliveryCounters(id int, successful bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Comms[id]
	if !ok {
		return fmt.Errorf("communication %d not found", id)
	}
	if successful {
		c.SuccessfulDeliveries++
	} else {
		c.FailedDeliveries++
	}
	return nil
}

func (m *MockCommRepo) FinalizeDelivery(id int, status string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Finalized[id] = status
	if c, ok := m.Comms[id]; ok {
		c.Status = status
		c.CompletedAt = &completedAt
	}
	return nil
}

func (m *MockCommRepo) MarkFailed(id int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailReasons[id] = reason
	if c, ok := m.Comms[id]; ok {
		c.Status = model.CommStatusFailed
	}
	return nil
}

func (m *MockCommRepo) IncrementRecurrenceRuns(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Comms[id]; ok {
		c.RecurrenceRuns++
	}
	return nil
}

func (m *MockCommRepo) ListDueScheduled(now time.Time) ([]*model.Communication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := []*model.Communication{}
	for _, c := range m.Comms {
		if c.Status == model.CommStatusApproved &&
			c.DeliveryType == model.DeliveryTypeScheduled &&
			c.ScheduledFor != nil && !c.ScheduledFor.After(now) &&
			c.LastProcessedAt == nil {
			due = append(due, c)
		}
	}
	return due, nil
}

func (m *MockCommRepo) ListRecurring() ([]*model.Communication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recurring := []*model.Communication{}
	for _, c := range m.Comms {
		if c.Status == model.CommStatusApproved && c.DeliveryType == model.DeliveryTypeRecurring {
			recurring = append(recurring, c)
		}
	}
	return recurring, nil
}

// Mock receipt repository keyed on (communication_id, recipient_id,
// recurrence_run).
type MockReceiptRepo struct {
	mu       sync.Mutex
	Receipts map[[3]int]*model.Receipt
	nextID   int

	UpdateErr error
}

func NewMockReceiptRepo() *MockReceiptRepo {
	return &MockReceiptRepo{Receipts: map[[3]int]*model.Receipt{}}
}

func (m *MockReceiptRepo) CreateIfAbsent(rc *model.Receipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [3]int{rc.CommunicationID, rc.RecipientID, rc.RecurrenceRun}
	if existing, ok := m.Receipts[key]; ok {
		*rc = *existing
		return false, nil
	}
	m.nextID++
	rc.ID = m.nextID
	rc.CreatedAt = time.Now()
	stored := *rc
	m.Receipts[key] = &stored
	return true, nil
}

func (m *MockReceiptRepo) Update(rc *model.Receipt) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *rc
	m.Receipts[[3]int{rc.CommunicationID, rc.RecipientID, rc.RecurrenceRun}] = &stored
	return nil
}

func (m *MockReceiptRepo) GetByID(id int) (*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rc := range m.Receipts {
		if rc.ID == id {
			return rc, nil
		}
	}
	return nil, fmt.Errorf("receipt %d not found", id)
}

func (m *MockReceiptRepo) GetByCommunicationAndRecipient(communicationID, recipientID, recurrenceRun int) (*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rc, ok := m.Receipts[[3]int{communicationID, recipientID, recurrenceRun}]; ok {
		return rc, nil
	}
	return nil, nil
}

func (m *MockReceiptRepo) ListByCommunication(communicationID, offset, limit int) ([]*model.Receipt, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Receipt{}
	for _, rc := range m.Receipts {
		if rc.CommunicationID == communicationID {
			out = append(out, rc)
		}
	}
	return out, len(out), nil
}

func (m *MockReceiptRepo) CountByStatus(communicationID int) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, rc := range m.Receipts {
		if rc.CommunicationID == communicationID {
			counts[rc.Status]++
		}
	}
	return counts, nil
}

func (m *MockReceiptRepo) ListReconcilable(cutoff time.Time) ([]*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Receipt{}
	for _, rc := range m.Receipts {
		switch rc.Status {
		case model.ReceiptStatusPending, model.ReceiptStatusProcessing, model.ReceiptStatusSent:
		default:
			continue
		}
		if rc.ProviderMessageID == nil || rc.CreatedAt.Before(cutoff) {
			continue
		}
		copied := *rc
		out = append(out, &copied)
	}
	return out, nil
}

func (m *MockReceiptRepo) IncrementRetryCount(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rc := range m.Receipts {
		if rc.ID == id {
			rc.RetryCount++
			return nil
		}
	}
	return fmt.Errorf("receipt %d not found", id)
}

func (m *MockReceiptRepo) Get(communicationID, recipientID int) *model.Receipt {
	return m.GetRun(communicationID, recipientID, 0)
}

func (m *MockReceiptRepo) GetRun(communicationID, recipientID, recurrenceRun int) *model.Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Receipts[[3]int{communicationID, recipientID, recurrenceRun}]
}

func (m *MockReceiptRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Receipts)
}

// Mock recipient directory. Err makes every lookup fail; Failures makes
// only the next N lookups fail, modelling a transient outage.
type MockDirectory struct {
	Recipients []model.Recipient
	Err        error
	Failures   int
}

func (m *MockDirectory) ResolveRecipients(ctx context.Context, c *model.Communication) ([]model.Recipient, error) {
	if m.Failures > 0 {
		m.Failures--
		return nil, errors.New("directory unavailable")
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Recipients, nil
}

// Mock SMS gateway; SendFn decides the per-call outcome.
type MockGateway struct {
	mu        sync.Mutex
	SendFn    func(recipients []string, content string) gateway.DeliveryResult
	QueryFn   func(messageID string) gateway.DeliveryResult
	SendCalls [][]string
}

func (m *MockGateway) Send(ctx context.Context, recipients []string, content, senderID string, opts *gateway.SendOptions) gateway.DeliveryResult {
	m.mu.Lock()
	m.SendCalls = append(m.SendCalls, recipients)
	m.mu.Unlock()
	if m.SendFn != nil {
		return m.SendFn(recipients, content)
	}
	return AcceptedResult("ATXid_mock", recipients)
}

func (m *MockGateway) QueryStatus(ctx context.Context, messageID string) gateway.DeliveryResult {
	if m.QueryFn != nil {
		return m.QueryFn(messageID)
	}
	return gateway.DeliveryResult{Success: false, Error: "no query stub"}
}

func (m *MockGateway) NormalizePhoneNumber(raw string) string {
	if raw == "" {
		return ""
	}
	if raw[0] == '+' {
		return raw
	}
	return "+" + raw
}

func (m *MockGateway) MapStatusCode(code int) gateway.DeliveryState {
	switch {
	case code >= 100 && code <= 102:
		return gateway.StateSent
	case code == 103:
		return gateway.StateDelivered
	case (code >= 401 && code <= 415) || (code >= 500 && code <= 502):
		return gateway.StateFailed
	default:
		return gateway.StatePending
	}
}

func (m *MockGateway) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SendCalls)
}

// AcceptedResult builds a provider-accepted outcome for every recipient.
func AcceptedResult(messageID string, recipients []string) gateway.DeliveryResult {
	results := make([]gateway.RecipientResult, 0, len(recipients))
	for _, r := range recipients {
		results = append(results, gateway.RecipientResult{
			MessageID:  messageID,
			StatusCode: 101,
			State:      gateway.StateSent,
			StatusText: "Success",
			Number:     r,
			Cost:       0.8,
			Currency:   "KES",
		})
	}
	return gateway.DeliveryResult{Success: true, Recipients: results}
}

// RejectedResult builds a provider rejection for every recipient.
func RejectedResult(statusText string, recipients []string) gateway.DeliveryResult {
	results := make([]gateway.RecipientResult, 0, len(recipients))
	for _, r := range recipients {
		results = append(results, gateway.RecipientResult{
			StatusCode: 403,
			State:      gateway.StateFailed,
			StatusText: statusText,
			Number:     r,
		})
	}
	return gateway.DeliveryResult{Success: true, Recipients: results}
}

// Mock queue publisher recording what was enqueued.
type MockPublisher struct {
	mu        sync.Mutex
	Published []PublishedJob
	Err       error
}

type PublishedJob struct {
	Topic   string
	Payload any
	Delay   time.Duration
}

func (m *MockPublisher) Publish(topic string, payload any) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, PublishedJob{Topic: topic, Payload: payload})
	return nil
}

func (m *MockPublisher) PublishWithDelay(topic string, payload any, delay time.Duration) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, PublishedJob{Topic: topic, Payload: payload, Delay: delay})
	return nil
}

func (m *MockPublisher) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Published)
}
