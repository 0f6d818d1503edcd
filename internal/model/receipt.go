// internal/model/receipt.go
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Receipt statuses. DELIVERED, FAILED, UNDELIVERED and CANCELLED are
// terminal.
const (
	ReceiptStatusPending       = "PENDING"
	ReceiptStatusProcessing    = "PROCESSING"
	ReceiptStatusSent          = "SENT"
	ReceiptStatusDelivered     = "DELIVERED"
	ReceiptStatusFailed        = "FAILED"
	ReceiptStatusUndelivered   = "UNDELIVERED"
	ReceiptStatusPartiallySent = "PARTIALLY_SENT"
	ReceiptStatusCancelled     = "CANCELLED"
)

// Providers
const (
	ProviderAfricasTalking = "africastalking"
	ProviderTwilio         = "twilio"
	ProviderNexmo          = "nexmo"
	ProviderWhatsApp       = "whatsapp"
	ProviderEmail          = "email"
	ProviderSystem         = "system"
)

// Receipt is the per-recipient record of one delivery attempt. Recipient
// and message fields are snapshots taken at send time so the receipt stays
// accurate if the recipient record later changes.
type Receipt struct {
	ID   int    `db:"id" json:"id"`
	UUID string `db:"uuid" json:"uuid"`

	CommunicationID         int  `db:"communication_id" json:"communication_id"`
	CampaignID              *int `db:"campaign_id" json:"campaign_id,omitempty"`
	CommunicationCategoryID *int `db:"communication_category_id" json:"communication_category_id,omitempty"`
	ContactGroupID          int  `db:"contact_group_id" json:"contact_group_id"`
	TeamID                  *int `db:"team_id" json:"team_id,omitempty"`

	RecipientID    int    `db:"recipient_id" json:"recipient_id"`
	RecipientPhone string `db:"recipient_phone" json:"recipient_phone"`
	RecipientName  string `db:"recipient_name" json:"recipient_name"`

	// RecurrenceRun pins the receipt to one occurrence of a recurring
	// communication; 0 for one-shot deliveries. Part of the dedup key, so
	// each occurrence gets a fresh receipt per recipient.
	RecurrenceRun int `db:"recurrence_run" json:"recurrence_run"`

	Content            string             `db:"content" json:"content"`
	TemplateIdentifier string             `db:"template_identifier" json:"template_identifier,omitempty"`
	TemplateVariables  []TemplateVariable `db:"template_variables" json:"template_variables,omitempty"`
	SenderID           string             `db:"sender_id" json:"sender_id,omitempty"`

	Provider          string          `db:"provider" json:"provider"`
	ProviderMessageID *string         `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ProviderResponse  json.RawMessage `db:"provider_response" json:"provider_response,omitempty"`
	Cost              float64         `db:"cost" json:"cost"`
	Currency          string          `db:"currency" json:"currency"`

	Status         string   `db:"status" json:"status"`
	RetryCount     int      `db:"retry_count" json:"retry_count"`
	ErrorMessage   string   `db:"error_message" json:"error_message,omitempty"`
	DeliveryErrors []string `db:"delivery_errors" json:"delivery_errors,omitempty"`

	ProcessingStartedAt   *time.Time `db:"processing_started_at" json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `db:"processing_completed_at" json:"processing_completed_at,omitempty"`
	SentAt                *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt           *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	FailedAt              *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// NewReceipt builds a PENDING receipt for one recipient of a communication,
// snapshotting the message content and recipient identity.
func NewReceipt(c *Communication, r Recipient) *Receipt {
	return &Receipt{
		UUID:                    uuid.NewString(),
		CommunicationID:         c.ID,
		CampaignID:              c.CampaignID,
		CommunicationCategoryID: c.CommunicationCategoryID,
		ContactGroupID:          c.ContactGroupID,
		TeamID:                  c.TeamID,
		RecipientID:             r.ID,
		RecipientPhone:          r.Phone,
		RecipientName:           r.Name,
		RecurrenceRun:           c.RecurrenceRuns,
		Content:                 c.Content,
		TemplateIdentifier:      c.TemplateIdentifier,
		TemplateVariables:       c.Variables,
		SenderID:                c.SenderID,
		Provider:                ProviderAfricasTalking,
		Status:                  ReceiptStatusPending,
	}
}

// IsTerminal reports whether the receipt reached a state with no further
// automatic transition.
func (r *Receipt) IsTerminal() bool {
	switch r.Status {
	case ReceiptStatusDelivered, ReceiptStatusFailed, ReceiptStatusUndelivered, ReceiptStatusCancelled:
		return true
	}
	return false
}

// MarkProcessing moves the receipt to PROCESSING immediately before the
// provider call. processing_started_at is set once.
func (r *Receipt) MarkProcessing(now time.Time) {
	r.Status = ReceiptStatusProcessing
	if r.ProcessingStartedAt == nil {
		r.ProcessingStartedAt = &now
	}
}

// MarkSent records the provider accepting the message. sent_at and
// processing_completed_at are set once.
func (r *Receipt) MarkSent(messageID string, response json.RawMessage, cost float64, currency string, now time.Time) {
	r.Status = ReceiptStatusSent
	if messageID != "" {
		r.ProviderMessageID = &messageID
	}
	if response != nil {
		r.ProviderResponse = response
	}
	r.Cost = cost
	if currency != "" {
		r.Currency = currency
	}
	if r.SentAt == nil {
		r.SentAt = &now
	}
	if r.ProcessingCompletedAt == nil {
		r.ProcessingCompletedAt = &now
	}
}

// MarkFailed records a provider rejection or transport error. failed_at and
// processing_completed_at are set once.
func (r *Receipt) MarkFailed(errMsg string, deliveryErrors []string, now time.Time) {
	r.Status = ReceiptStatusFailed
	r.ErrorMessage = errMsg
	if len(deliveryErrors) > 0 {
		r.DeliveryErrors = append(r.DeliveryErrors, deliveryErrors...)
	}
	if r.FailedAt == nil {
		r.FailedAt = &now
	}
	if r.ProcessingCompletedAt == nil {
		r.ProcessingCompletedAt = &now
	}
}

// ApplyStatus applies a status observed during reconciliation. It returns
// true when the receipt changed. Terminal timestamps are set at most once
// and already-applied statuses are a no-op, so re-running a sweep is safe.
func (r *Receipt) ApplyStatus(newStatus, failureReason string, now time.Time) bool {
	if newStatus == r.Status {
		return false
	}

	switch newStatus {
	case ReceiptStatusDelivered:
		if r.Status != ReceiptStatusSent {
			return false
		}
		r.Status = ReceiptStatusDelivered
		if r.DeliveredAt == nil {
			r.DeliveredAt = &now
		}
	case ReceiptStatusFailed, ReceiptStatusUndelivered:
		if r.IsTerminal() {
			return false
		}
		r.Status = newStatus
		if failureReason != "" {
			r.ErrorMessage = failureReason
		} else if r.ErrorMessage == "" {
			r.ErrorMessage = "delivery failed"
		}
		if r.FailedAt == nil {
			r.FailedAt = &now
		}
	case ReceiptStatusSent:
		if r.Status != ReceiptStatusPending && r.Status != ReceiptStatusProcessing {
			return false
		}
		r.Status = ReceiptStatusSent
		if r.SentAt == nil {
			r.SentAt = &now
		}
	default:
		// An unknown or PENDING provider state never moves a receipt.
		return false
	}
	return true
}
