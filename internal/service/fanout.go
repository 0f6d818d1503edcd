// internal/service/fanout.go
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rebirthhq/comms-service/internal/directory"
	appErrors "github.com/rebirthhq/comms-service/internal/errors"
	"github.com/rebirthhq/comms-service/internal/gateway"
	"github.com/rebirthhq/comms-service/internal/metrics"
	"github.com/rebirthhq/comms-service/internal/model"
	"github.com/rebirthhq/comms-service/internal/repository"
)

// DefaultCooldown is the reprocessing window that keeps overlapping
// triggers from fanning out the same communication twice.
const DefaultCooldown = 5 * time.Minute

type deliveryOutcome int

const (
	outcomeSent deliveryOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// FanOutService expands one communication into per-recipient receipts and
// drives each through the gateway. Recipients are processed sequentially so
// counter updates stay deterministic and the gateway rate limit is
// respected; horizontal scale comes from running many communications'
// jobs concurrently.
type FanOutService struct {
	Comms     repository.CommunicationRepositoryInterface
	Receipts  repository.ReceiptRepositoryInterface
	Directory directory.Directory
	Gateway   gateway.SMSGateway
	Logger    *zap.Logger
	Cooldown  time.Duration
}

func NewFanOutService(
	comms repository.CommunicationRepositoryInterface,
	receipts repository.ReceiptRepositoryInterface,
	dir directory.Directory,
	gw gateway.SMSGateway,
	logger *zap.Logger,
) *FanOutService {
	return &FanOutService{
		Comms:     comms,
		Receipts:  receipts,
		Directory: dir,
		Gateway:   gw,
		Logger:    logger,
		Cooldown:  DefaultCooldown,
	}
}

// Process runs one fan-out pass for the communication. A returned error is
// a job-level failure (directory unreachable, claim failure) that the queue
// retries; per-recipient failures are recorded on receipts and never abort
// the batch.
func (s *FanOutService) Process(ctx context.Context, communicationID int) error {
	logger := s.Logger.With(zap.Int("communication_id", communicationID))

	comm, err := s.Comms.GetByID(communicationID)
	if err != nil {
		var notFound *appErrors.ErrCommunicationNotFound
		if errors.As(err, &notFound) {
			logger.Warn("communication vanished before fan-out")
			return nil // retrying will not bring it back
		}
		return err
	}

	now := time.Now()
	switch {
	case comm.AwaitingApproval():
		logger.Info("skipping fan-out, communication awaits approval", zap.String("status", comm.Status))
		return nil
	case comm.IsFinal():
		logger.Info("skipping fan-out, communication already final", zap.String("status", comm.Status))
		return nil
	case comm.IsScheduledForFuture(now):
		logger.Info("skipping fan-out, scheduled in the future", zap.Timep("scheduled_for", comm.ScheduledFor))
		return nil
	}

	claimed, err := s.Comms.MarkProcessing(communicationID, s.Cooldown)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Info("skipping fan-out, processed within cooldown window")
		return nil
	}

	recipients, err := s.Directory.ResolveRecipients(ctx, comm)
	if err != nil {
		// Job-level failure. Release the claim so a queue retry can drive
		// the fan-out again; FAILED is only applied once retries are
		// exhausted, through HandlePermanentFailure.
		logger.Warn("recipient resolution failed", zap.Error(err))
		s.releaseClaim(communicationID)
		return err
	}

	if err := s.Comms.SetTotalRecipients(communicationID, len(recipients)); err != nil {
		logger.Warn("failed to record recipient total", zap.Error(err))
		s.releaseClaim(communicationID)
		return err
	}

	// Counters are cumulative across runs; a re-run that only skips
	// already-handled receipts must not change the derived status.
	successes, failures := comm.SuccessfulDeliveries, comm.FailedDeliveries
	cancelled := false

	for _, rcpt := range recipients {
		// Cheap cancellation check so a long batch can be aborted early.
		status, err := s.Comms.GetStatus(communicationID)
		if err != nil {
			logger.Warn("cancellation check failed", zap.Error(err))
		} else if status == model.CommStatusCancelled {
			cancelled = true
			break
		}

		switch s.deliverOne(ctx, comm, rcpt) {
		case outcomeSent:
			successes++
		case outcomeFailed:
			failures++
		case outcomeSkipped:
			// Receipt from an earlier run already past PENDING; its
			// outcome was counted when it happened.
		}
	}

	if cancelled {
		logger.Info("fan-out aborted, communication cancelled",
			zap.Int("sent", successes),
			zap.Int("failed", failures))
		return nil
	}

	now = time.Now()
	final := model.FinalDeliveryStatus(successes, failures)
	if comm.DeliveryType == model.DeliveryTypeRecurring && comm.Recurrence != nil &&
		!comm.Recurrence.Ended(now, comm.RecurrenceRuns+1) {
		// More occurrences remain, so the communication goes back to
		// APPROVED for the next due-scan instead of a terminal status.
		final = model.CommStatusApproved
	}
	if err := s.Comms.FinalizeDelivery(communicationID, final, now); err != nil {
		return err
	}
	if comm.DeliveryType == model.DeliveryTypeRecurring {
		if err := s.Comms.IncrementRecurrenceRuns(communicationID); err != nil {
			logger.Warn("failed to bump recurrence run counter", zap.Error(err))
		}
	}

	metrics.CommunicationsProcessedTotal.WithLabelValues(final).Inc()
	logger.Info("fan-out completed",
		zap.String("final_status", final),
		zap.Int("recipients", len(recipients)),
		zap.Int("sent", successes),
		zap.Int("failed", failures))
	return nil
}

// deliverOne isolates a single recipient's send: every failure is recorded
// on the receipt and the loop continues.
func (s *FanOutService) deliverOne(ctx context.Context, comm *model.Communication, rcpt model.Recipient) deliveryOutcome {
	logger := s.Logger.With(
		zap.Int("communication_id", comm.ID),
		zap.Int("recipient_id", rcpt.ID))
	now := time.Now()

	receipt := model.NewReceipt(comm, rcpt)
	created, err := s.Receipts.CreateIfAbsent(receipt)
	if err != nil {
		logger.Error("failed to create receipt", zap.Error(err))
		s.countDelivery(comm.ID, false)
		return outcomeFailed
	}

	if !created {
		if receipt.Status != model.ReceiptStatusPending {
			// Dedup hit from an earlier run; never send twice.
			return outcomeSkipped
		}
		// Explicit re-processing of a receipt that never got dispatched.
		if err := s.Receipts.IncrementRetryCount(receipt.ID); err != nil {
			logger.Warn("failed to bump retry count", zap.Error(err))
		} else {
			receipt.RetryCount++
		}
	}

	address := rcpt.Address()
	if address == "" {
		receipt.MarkFailed(appErrors.NewMissingDeliveryAddress(rcpt.ID).Error(), nil, now)
		s.persistReceipt(receipt, logger)
		s.countDelivery(comm.ID, false)
		return outcomeFailed
	}

	receipt.MarkProcessing(now)
	s.persistReceipt(receipt, logger)

	result := s.Gateway.Send(ctx, []string{s.Gateway.NormalizePhoneNumber(address)}, comm.Content, comm.SenderID, nil)

	now = time.Now()
	if !result.Success || len(result.Recipients) == 0 {
		reason := result.Error
		if reason == "" {
			reason = "gateway returned no outcome"
		}
		receipt.MarkFailed(reason, nil, now)
		s.persistReceipt(receipt, logger)
		s.countDelivery(comm.ID, false)
		return outcomeFailed
	}

	outcome := result.Recipients[0]
	if outcome.State == gateway.StateFailed {
		receipt.MarkFailed(outcome.StatusText, []string{outcome.StatusText}, now)
		receipt.ProviderResponse = result.Raw
		s.persistReceipt(receipt, logger)
		s.countDelivery(comm.ID, false)
		return outcomeFailed
	}

	// Provider accepted the message; an unknown status code stays in the
	// non-terminal band and is resolved by the reconciliation sweep.
	receipt.MarkSent(outcome.MessageID, result.Raw, outcome.Cost, outcome.Currency, now)
	s.persistReceipt(receipt, logger)
	s.countDelivery(comm.ID, true)
	return outcomeSent
}

// HandlePermanentFailure marks the communication FAILED once the job's
// retry budget is exhausted. This is the terminal failure hook for the
// whole job, distinct from individual recipient failures.
func (s *FanOutService) HandlePermanentFailure(communicationID int, cause error) {
	reason := "fan-out permanently failed"
	if cause != nil {
		reason += ": " + cause.Error()
	}
	s.failCommunication(communicationID, reason)
}

func (s *FanOutService) releaseClaim(communicationID int) {
	if err := s.Comms.ReleaseClaim(communicationID); err != nil {
		s.Logger.Error("failed to release processing claim",
			zap.Int("communication_id", communicationID),
			zap.Error(err))
	}
}

func (s *FanOutService) failCommunication(communicationID int, reason string) {
	if err := s.Comms.MarkFailed(communicationID, reason); err != nil {
		s.Logger.Error("failed to mark communication as failed",
			zap.Int("communication_id", communicationID),
			zap.Error(err))
	}
	metrics.CommunicationsProcessedTotal.WithLabelValues(model.CommStatusFailed).Inc()
}

func (s *FanOutService) countDelivery(communicationID int, successful bool) {
	outcome := "failed"
	if successful {
		outcome = "sent"
	}
	if err := s.Comms.IncrementDeliveryCounters(communicationID, successful); err != nil {
		s.Logger.Error("failed to update delivery counters",
			zap.Int("communication_id", communicationID),
			zap.Error(err))
	}
	metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()
}

func (s *FanOutService) persistReceipt(rc *model.Receipt, logger *zap.Logger) {
	if err := s.Receipts.Update(rc); err != nil {
		logger.Error("failed to persist receipt", zap.Int("receipt_id", rc.ID), zap.Error(err))
	}
}
