// internal/gateway/gateway.go
package gateway

import (
	"context"
	"encoding/json"
)

// DeliveryState is the internal taxonomy provider status codes map into.
// Unknown codes always map to StatePending, never to a terminal state.
type DeliveryState string

const (
	StateSent      DeliveryState = "SENT"
	StateDelivered DeliveryState = "DELIVERED"
	StateFailed    DeliveryState = "FAILED"
	StatePending   DeliveryState = "PENDING"
)

// RecipientResult is the per-recipient outcome of a send or status query.
type RecipientResult struct {
	MessageID  string        `json:"message_id"`
	StatusCode int           `json:"status_code"`
	State      DeliveryState `json:"state"`
	StatusText string        `json:"status_text"`
	Number     string        `json:"number"`
	Cost       float64       `json:"cost"`
	Currency   string        `json:"currency"`
}

// DeliveryResult is what callers see from the gateway boundary. Transport
// failures surface as Success=false with Error set; the adapter never
// panics or leaks provider exceptions past this boundary.
type DeliveryResult struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message,omitempty"`
	Error      string            `json:"error,omitempty"`
	Recipients []RecipientResult `json:"recipients,omitempty"`
	Raw        json.RawMessage   `json:"raw,omitempty"`
}

// SendOptions carries the optional provider parameters of a send call.
type SendOptions struct {
	BulkSMSMode          int
	Enqueue              int
	Keyword              string
	LinkID               string
	RetryDurationInHours int
}

// SMSGateway is the adapter contract for the external SMS provider.
type SMSGateway interface {
	Send(ctx context.Context, recipients []string, content, senderID string, opts *SendOptions) DeliveryResult
	QueryStatus(ctx context.Context, messageID string) DeliveryResult
	NormalizePhoneNumber(raw string) string
	MapStatusCode(code int) DeliveryState
}
