// internal/model/recipient.go
package model

// HasDeliveryAddress is implemented by anything the recipient directory
// returns. The fan-out job resolves the delivery address exactly once
// through this interface instead of probing fields at runtime.
type HasDeliveryAddress interface {
	Address() string
}

// Recipient is one entry of the ordered list the directory collaborator
// resolves for a communication.
type Recipient struct {
	ID    int    `db:"id" json:"id"`
	Phone string `db:"phone" json:"phone"`
	Name  string `db:"name" json:"name"`
}

// Address returns the recipient's phone number.
func (r Recipient) Address() string { return r.Phone }

var _ HasDeliveryAddress = Recipient{}
