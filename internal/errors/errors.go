// internal/errors/errors.go
package appErrors

import "fmt"

// ErrCommunicationNotFound is a sentinel error
type ErrCommunicationNotFound struct {
	CommunicationID int
}

func (e *ErrCommunicationNotFound) Error() string {
	return fmt.Sprintf("communication with ID %d not found", e.CommunicationID)
}

// Helper constructor
func NewCommunicationNotFound(id int) error {
	return &ErrCommunicationNotFound{CommunicationID: id}
}

// ErrInvalidRecurrence rejects a bad recurrence payload at save time.
type ErrInvalidRecurrence struct {
	Reason string
}

func (e *ErrInvalidRecurrence) Error() string {
	return fmt.Sprintf("invalid recurrence: %s", e.Reason)
}

func NewInvalidRecurrence(reason string) error {
	return &ErrInvalidRecurrence{Reason: reason}
}

// ErrMissingDeliveryAddress marks a recipient that resolved without a phone
// number.
type ErrMissingDeliveryAddress struct {
	RecipientID int
}

func (e *ErrMissingDeliveryAddress) Error() string {
	return fmt.Sprintf("recipient %d has no delivery address", e.RecipientID)
}

func NewMissingDeliveryAddress(recipientID int) error {
	return &ErrMissingDeliveryAddress{RecipientID: recipientID}
}

// ErrNotEligible reports why a communication was skipped by the fan-out job.
type ErrNotEligible struct {
	CommunicationID int
	Reason          string
}

func (e *ErrNotEligible) Error() string {
	return fmt.Sprintf("communication %d not eligible for fan-out: %s", e.CommunicationID, e.Reason)
}

func NewNotEligible(id int, reason string) error {
	return &ErrNotEligible{CommunicationID: id, Reason: reason}
}
