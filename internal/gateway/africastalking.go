// internal/gateway/africastalking.go
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	productionURL = "https://api.africastalking.com/version1/messaging"
	sandboxURL    = "https://api.sandbox.africastalking.com/version1/messaging"

	defaultCountryCode = "254"
	defaultCurrency    = "KES"
)

// Config is the explicit gateway configuration injected at construction.
// Credentials come from the settings store once, in main; business logic
// never does ambient lookups.
type Config struct {
	Username    string
	APIKey      string
	SenderID    string
	CountryCode string
	// Production routes calls to the live endpoint; anything else uses the
	// sandbox.
	Production bool
	// RequestsPerMinute caps outbound calls across all jobs sharing this
	// adapter. Zero disables the ceiling.
	RequestsPerMinute int
	Timeout           time.Duration
}

// AfricasTalking is the SMS gateway adapter for the Africa's Talking bulk
// messaging API (form-encoded request, JSON response).
type AfricasTalking struct {
	cfg     Config
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewAfricasTalking(cfg Config, logger *zap.Logger) *AfricasTalking {
	if cfg.CountryCode == "" {
		cfg.CountryCode = defaultCountryCode
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	baseURL := sandboxURL
	if cfg.Production {
		baseURL = productionURL
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute)
	}

	return &AfricasTalking{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

// configured reports whether real credentials are present. Without them the
// adapter runs in the synthetic no-op mode.
func (a *AfricasTalking) configured() bool {
	return a.cfg.Username != "" && a.cfg.APIKey != ""
}

// Send submits content to the given recipients. It always returns a result
// value; transport and auth failures come back as Success=false.
func (a *AfricasTalking) Send(ctx context.Context, recipients []string, content, senderID string, opts *SendOptions) DeliveryResult {
	if len(recipients) == 0 {
		return DeliveryResult{Success: false, Error: "no recipients"}
	}

	if !a.configured() {
		return a.syntheticSend(recipients)
	}

	if senderID == "" {
		senderID = a.cfg.SenderID
	}

	normalized := make([]string, len(recipients))
	for i, r := range recipients {
		normalized[i] = a.NormalizePhoneNumber(r)
	}

	form := url.Values{}
	form.Set("username", a.cfg.Username)
	form.Set("to", strings.Join(normalized, ","))
	form.Set("message", content)
	if senderID != "" {
		form.Set("from", senderID)
	}
	form.Set("bulkSMSMode", "1")
	form.Set("enqueue", "1")
	if opts != nil {
		if opts.BulkSMSMode > 0 {
			form.Set("bulkSMSMode", strconv.Itoa(opts.BulkSMSMode))
		}
		if opts.Keyword != "" {
			form.Set("keyword", opts.Keyword)
		}
		if opts.LinkID != "" {
			form.Set("linkId", opts.LinkID)
		}
		if opts.RetryDurationInHours > 0 {
			form.Set("retryDurationInHours", strconv.Itoa(opts.RetryDurationInHours))
		}
	}

	body, err := a.do(ctx, http.MethodPost, a.baseURL, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		a.logger.Error("sms send failed",
			zap.Strings("to", normalized),
			zap.Error(err))
		return DeliveryResult{Success: false, Error: err.Error()}
	}

	return a.parseResponse(body)
}

// QueryStatus fetches the latest provider status for one message id; used
// by the reconciliation sweep.
func (a *AfricasTalking) QueryStatus(ctx context.Context, messageID string) DeliveryResult {
	if !a.configured() {
		return DeliveryResult{Success: false, Error: "gateway credentials not configured"}
	}

	query := url.Values{}
	query.Set("username", a.cfg.Username)
	query.Set("messageId", messageID)

	body, err := a.do(ctx, http.MethodGet, a.baseURL+"?"+query.Encode(), nil, "")
	if err != nil {
		a.logger.Error("sms status query failed",
			zap.String("message_id", messageID),
			zap.Error(err))
		return DeliveryResult{Success: false, Error: err.Error()}
	}

	return a.parseResponse(body)
}

// NormalizePhoneNumber strips non-digits, prefixes the country code onto
// bare 9-digit local numbers and always returns a +-prefixed value. The
// function is idempotent.
func (a *AfricasTalking) NormalizePhoneNumber(raw string) string {
	var digits strings.Builder
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}

	number := digits.String()
	if len(number) == 9 {
		number = a.cfg.CountryCode + number
	}
	return "+" + number
}

// MapStatusCode translates a provider numeric status code into the internal
// delivery taxonomy. Unrecognized codes map to StatePending so an unknown
// status is never mistaken for a resolved one.
func (a *AfricasTalking) MapStatusCode(code int) DeliveryState {
	switch {
	case code >= 100 && code <= 102:
		// Processed, Sent, Queued
		return StateSent
	case code == 103:
		return StateDelivered
	case code >= 401 && code <= 415:
		return StateFailed
	case code >= 500 && code <= 502:
		return StateFailed
	default:
		return StatePending
	}
}

func (a *AfricasTalking) do(ctx context.Context, method, rawURL string, body io.Reader, contentType string) ([]byte, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", a.cfg.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

type atResponse struct {
	SMSMessageData struct {
		Message    string `json:"Message"`
		Recipients []struct {
			StatusCode int    `json:"statusCode"`
			Number     string `json:"number"`
			Status     string `json:"status"`
			Cost       string `json:"cost"`
			MessageID  string `json:"messageId"`
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

func (a *AfricasTalking) parseResponse(body []byte) DeliveryResult {
	var parsed atResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return DeliveryResult{Success: false, Error: "malformed gateway response: " + err.Error()}
	}
	if len(parsed.SMSMessageData.Recipients) == 0 {
		msg := parsed.SMSMessageData.Message
		if msg == "" {
			msg = "gateway returned no recipients"
		}
		return DeliveryResult{Success: false, Error: msg, Raw: body}
	}

	results := make([]RecipientResult, 0, len(parsed.SMSMessageData.Recipients))
	for _, rcpt := range parsed.SMSMessageData.Recipients {
		amount, currency := parseCost(rcpt.Cost)
		results = append(results, RecipientResult{
			MessageID:  rcpt.MessageID,
			StatusCode: rcpt.StatusCode,
			State:      a.MapStatusCode(rcpt.StatusCode),
			StatusText: rcpt.Status,
			Number:     rcpt.Number,
			Cost:       amount,
			Currency:   currency,
		})
	}

	return DeliveryResult{
		Success:    true,
		Message:    parsed.SMSMessageData.Message,
		Recipients: results,
		Raw:        body,
	}
}

// syntheticSend keeps upstream code paths exercised when credentials are
// unset (initial setup). The result carries a clearly marked synthetic
// message id and zero cost.
func (a *AfricasTalking) syntheticSend(recipients []string) DeliveryResult {
	results := make([]RecipientResult, 0, len(recipients))
	for _, rcpt := range recipients {
		results = append(results, RecipientResult{
			MessageID:  "ATXID_synthetic_" + uuid.NewString(),
			StatusCode: 101,
			State:      StateSent,
			StatusText: "Success",
			Number:     a.NormalizePhoneNumber(rcpt),
			Cost:       0,
			Currency:   defaultCurrency,
		})
	}
	return DeliveryResult{
		Success:    true,
		Message:    "skipped: gateway credentials not configured",
		Recipients: results,
	}
}

// parseCost splits provider cost strings like "KES 0.8000" into amount and
// currency.
func parseCost(raw string) (float64, string) {
	fields := strings.Fields(strings.TrimSpace(raw))
	switch len(fields) {
	case 0:
		return 0, ""
	case 1:
		amount, _ := strconv.ParseFloat(fields[0], 64)
		return amount, ""
	default:
		amount, _ := strconv.ParseFloat(fields[1], 64)
		return amount, fields[0]
	}
}

var _ SMSGateway = (*AfricasTalking)(nil)
