// internal/model/communication.go
package model

import "time"

// Delivery types
const (
	DeliveryTypeImmediate = "IMMEDIATE"
	DeliveryTypeScheduled = "SCHEDULED"
	DeliveryTypeRecurring = "RECURRING"
)

// Communication statuses. SENT, FAILED and CANCELLED are terminal.
const (
	CommStatusDraft           = "DRAFT"
	CommStatusPendingApproval = "PENDING_APPROVAL"
	CommStatusApproved        = "APPROVED"
	CommStatusProcessing      = "PROCESSING"
	CommStatusSent            = "SENT"
	CommStatusPartiallySent   = "PARTIALLY_SENT"
	CommStatusFailed          = "FAILED"
	CommStatusCancelled       = "CANCELLED"
)

// TemplateVariable is one entry of the ordered variable bag used to render
// the communication content.
type TemplateVariable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Communication struct {
	ID   int    `db:"id" json:"id"`
	UUID string `db:"uuid" json:"uuid"`
	Slug string `db:"slug" json:"slug"`

	CommunicationCategoryID *int `db:"communication_category_id" json:"communication_category_id,omitempty"`
	CampaignID              *int `db:"campaign_id" json:"campaign_id,omitempty"`
	ContactGroupID          int  `db:"contact_group_id" json:"contact_group_id"`
	TeamID                  *int `db:"team_id" json:"team_id,omitempty"`
	CreatedBy               *int `db:"created_by" json:"created_by,omitempty"`

	Content            string             `db:"content" json:"content"`
	TemplateIdentifier string             `db:"template_identifier" json:"template_identifier,omitempty"`
	Variables          []TemplateVariable `db:"variables" json:"variables,omitempty"`
	Attachments        []string           `db:"attachments" json:"attachments,omitempty"`
	SenderID           string             `db:"sender_id" json:"sender_id,omitempty"`

	DeliveryType string      `db:"delivery_type" json:"delivery_type"`
	ScheduledFor *time.Time  `db:"scheduled_for" json:"scheduled_for,omitempty"`
	Recurrence   *Recurrence `db:"recurrence" json:"recurrence,omitempty"`

	Status string `db:"status" json:"status"`

	TotalRecipients      int      `db:"total_recipients" json:"total_recipients"`
	SuccessfulDeliveries int      `db:"successful_deliveries" json:"successful_deliveries"`
	FailedDeliveries     int      `db:"failed_deliveries" json:"failed_deliveries"`
	DeliveryErrors       []string `db:"delivery_errors" json:"delivery_errors,omitempty"`
	RecurrenceRuns       int      `db:"recurrence_runs" json:"recurrence_runs"`

	ApprovedBy      *int       `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	LastProcessedAt *time.Time `db:"last_processed_at" json:"last_processed_at,omitempty"`
	SentAt          *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// commTransitions lists the allowed status transitions. CANCELLED is
// reachable from every non-terminal status.
var commTransitions = map[string][]string{
	CommStatusDraft:           {CommStatusPendingApproval, CommStatusApproved, CommStatusCancelled},
	CommStatusPendingApproval: {CommStatusApproved, CommStatusCancelled},
	CommStatusApproved:        {CommStatusProcessing, CommStatusCancelled},
	CommStatusProcessing:      {CommStatusSent, CommStatusPartiallySent, CommStatusFailed, CommStatusApproved, CommStatusCancelled},
	CommStatusPartiallySent:   {CommStatusProcessing, CommStatusCancelled},
}

// IsFinal reports whether no further automatic transition can occur.
func (c *Communication) IsFinal() bool {
	return c.Status == CommStatusSent || c.Status == CommStatusFailed || c.Status == CommStatusCancelled
}

// CanTransitionTo reports whether moving to the given status is allowed
// from the communication's current status.
func (c *Communication) CanTransitionTo(status string) bool {
	for _, next := range commTransitions[c.Status] {
		if next == status {
			return true
		}
	}
	return false
}

// IsScheduledForFuture reports whether the communication is a SCHEDULED
// one whose send time has not yet arrived.
func (c *Communication) IsScheduledForFuture(now time.Time) bool {
	return c.DeliveryType == DeliveryTypeScheduled &&
		c.ScheduledFor != nil &&
		c.ScheduledFor.After(now)
}

// AwaitingApproval reports whether the communication has not yet been
// cleared for delivery by the approval flow.
func (c *Communication) AwaitingApproval() bool {
	return c.Status == CommStatusDraft || c.Status == CommStatusPendingApproval
}

// ValidDeliveryType reports whether t is one of the supported delivery types.
func ValidDeliveryType(t string) bool {
	return t == DeliveryTypeImmediate || t == DeliveryTypeScheduled || t == DeliveryTypeRecurring
}

// FinalDeliveryStatus derives the communication status from the aggregate
// delivery counters after a fan-out pass completes.
func FinalDeliveryStatus(successful, failed int) string {
	switch {
	case failed == 0:
		return CommStatusSent
	case successful == 0:
		return CommStatusFailed
	default:
		return CommStatusPartiallySent
	}
}
