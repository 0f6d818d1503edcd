// internal/service/reconcile.go
package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/rebirthhq/comms-service/internal/gateway"
	"github.com/rebirthhq/comms-service/internal/metrics"
	"github.com/rebirthhq/comms-service/internal/model"
	"github.com/rebirthhq/comms-service/internal/repository"
)

// DefaultLookback bounds how far back the sweep looks for unresolved
// receipts.
const DefaultLookback = 24 * time.Hour

// Summary is what one reconciliation pass reports.
type Summary struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
}

// ReconcileService re-queries the gateway for receipts stuck in a
// non-terminal state and applies the latest status. The sweep is
// idempotent: timestamps are set once and unchanged statuses are left
// alone.
type ReconcileService struct {
	Receipts repository.ReceiptRepositoryInterface
	Gateway  gateway.SMSGateway
	Logger   *zap.Logger
}

func NewReconcileService(receipts repository.ReceiptRepositoryInterface, gw gateway.SMSGateway, logger *zap.Logger) *ReconcileService {
	return &ReconcileService{Receipts: receipts, Gateway: gw, Logger: logger}
}

// Run sweeps receipts created within the lookback window. Per-receipt
// errors are logged and never abort the sweep.
func (s *ReconcileService) Run(ctx context.Context, lookback time.Duration) (Summary, error) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	cutoff := time.Now().Add(-lookback)

	receipts, err := s.Receipts.ListReconcilable(cutoff)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{}
	for _, rc := range receipts {
		summary.Checked++
		metrics.ReceiptsReconciledTotal.WithLabelValues("checked").Inc()

		if s.reconcileOne(ctx, rc) {
			summary.Updated++
			metrics.ReceiptsReconciledTotal.WithLabelValues("updated").Inc()
		}
	}

	s.Logger.Info("reconciliation sweep completed",
		zap.Int("checked", summary.Checked),
		zap.Int("updated", summary.Updated))
	return summary, nil
}

func (s *ReconcileService) reconcileOne(ctx context.Context, rc *model.Receipt) bool {
	logger := s.Logger.With(zap.Int("receipt_id", rc.ID))

	result := s.Gateway.QueryStatus(ctx, *rc.ProviderMessageID)
	if !result.Success || len(result.Recipients) == 0 {
		metrics.ReceiptsReconciledTotal.WithLabelValues("error").Inc()
		logger.Warn("status query failed", zap.String("error", result.Error))
		return false
	}

	outcome := result.Recipients[0]
	newStatus := s.receiptStatusFor(rc, outcome.State)
	if newStatus == "" {
		return false
	}

	if !rc.ApplyStatus(newStatus, outcome.StatusText, time.Now()) {
		return false
	}
	if result.Raw != nil {
		rc.ProviderResponse = appendStatusCheck(rc.ProviderResponse, result.Raw)
	}

	if err := s.Receipts.Update(rc); err != nil {
		metrics.ReceiptsReconciledTotal.WithLabelValues("error").Inc()
		logger.Error("failed to persist reconciled receipt", zap.Error(err))
		return false
	}
	return true
}

// receiptStatusFor translates a provider delivery state into the receipt
// status to apply, given where the receipt currently is. A failure observed
// after the provider accepted the message is UNDELIVERED; one observed
// before acceptance is FAILED. Pending states never move a receipt.
func (s *ReconcileService) receiptStatusFor(rc *model.Receipt, state gateway.DeliveryState) string {
	switch state {
	case gateway.StateDelivered:
		return model.ReceiptStatusDelivered
	case gateway.StateFailed:
		if rc.Status == model.ReceiptStatusSent {
			return model.ReceiptStatusUndelivered
		}
		return model.ReceiptStatusFailed
	case gateway.StateSent:
		return model.ReceiptStatusSent
	default:
		return ""
	}
}

// appendStatusCheck records the latest status-query payload on the stored
// provider response without discarding the original send response.
func appendStatusCheck(existing, check json.RawMessage) json.RawMessage {
	merged := map[string]json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &merged); err != nil {
			merged = map[string]json.RawMessage{"send_response": existing}
		}
	}
	merged["status_check"] = check

	out, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return out
}
