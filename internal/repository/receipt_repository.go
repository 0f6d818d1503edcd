package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rebirthhq/comms-service/internal/model"
)

type ReceiptRepositoryInterface interface {
	// CreateIfAbsent inserts the receipt unless one already exists for the
	// same (communication, recipient, recurrence run) triple. When a receipt
	// exists, rc is replaced with the stored one and created is false.
	CreateIfAbsent(rc *model.Receipt) (created bool, err error)
	Update(rc *model.Receipt) error
	GetByID(id int) (*model.Receipt, error)
	GetByCommunicationAndRecipient(communicationID, recipientID, recurrenceRun int) (*model.Receipt, error)
	ListByCommunication(communicationID, offset, limit int) ([]*model.Receipt, int, error)
	CountByStatus(communicationID int) (map[string]int, error)
	ListReconcilable(cutoff time.Time) ([]*model.Receipt, error)
	IncrementRetryCount(id int) error
}

type ReceiptRepository struct {
	DB *sql.DB
}

const receiptColumns = `
	id, uuid, communication_id, campaign_id, communication_category_id,
	contact_group_id, team_id, recipient_id, recipient_phone, recipient_name,
	recurrence_run, content, template_identifier, template_variables, sender_id, provider,
	provider_message_id, provider_response, cost, currency, status,
	retry_count, error_message, delivery_errors, processing_started_at,
	processing_completed_at, sent_at, delivered_at, failed_at, created_at,
	updated_at`

// ====================== Receipts ======================

// Idempotent insert keyed on (communication_id, recipient_id,
// recurrence_run); a unique index on that triple backstops concurrent
// fan-out runs. Each occurrence of a recurring communication carries its
// own run number, so every occurrence gets fresh receipts.
func (r *ReceiptRepository) CreateIfAbsent(rc *model.Receipt) (bool, error) {
	existing, err := r.GetByCommunicationAndRecipient(rc.CommunicationID, rc.RecipientID, rc.RecurrenceRun)
	if err != nil {
		return false, err
	}
	if existing != nil {
		*rc = *existing
		return false, nil
	}

	now := time.Now()
	rc.CreatedAt = now
	rc.UpdatedAt = now
	if rc.Status == "" {
		rc.Status = model.ReceiptStatusPending
	}

	variables, err := json.Marshal(rc.TemplateVariables)
	if err != nil {
		return false, err
	}
	deliveryErrors, err := json.Marshal(rc.DeliveryErrors)
	if err != nil {
		return false, err
	}

	query := `
        INSERT INTO communication_receipts
        (uuid, communication_id, campaign_id, communication_category_id,
         contact_group_id, team_id, recipient_id, recipient_phone,
         recipient_name, recurrence_run, content, template_identifier,
         template_variables, sender_id, provider, status, retry_count,
         delivery_errors, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
        RETURNING id
    `
	err = r.DB.QueryRow(query,
		rc.UUID, rc.CommunicationID, rc.CampaignID, rc.CommunicationCategoryID,
		rc.ContactGroupID, rc.TeamID, rc.RecipientID, rc.RecipientPhone,
		rc.RecipientName, rc.RecurrenceRun, rc.Content, rc.TemplateIdentifier,
		variables, rc.SenderID, rc.Provider, rc.Status, rc.RetryCount,
		deliveryErrors, rc.CreatedAt, rc.UpdatedAt,
	).Scan(&rc.ID)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Update persists the mutable delivery-tracking fields of a receipt.
func (r *ReceiptRepository) Update(rc *model.Receipt) error {
	rc.UpdatedAt = time.Now()

	deliveryErrors, err := json.Marshal(rc.DeliveryErrors)
	if err != nil {
		return err
	}

	query := `
        UPDATE communication_receipts
        SET status=$1, provider=$2, provider_message_id=$3,
            provider_response=$4, cost=$5, currency=$6, retry_count=$7,
            error_message=$8, delivery_errors=$9, processing_started_at=$10,
            processing_completed_at=$11, sent_at=$12, delivered_at=$13,
            failed_at=$14, updated_at=$15
        WHERE id=$16
    `
	_, err = r.DB.Exec(query,
		rc.Status, rc.Provider, rc.ProviderMessageID,
		nullableJSON(rc.ProviderResponse), rc.Cost, rc.Currency, rc.RetryCount,
		rc.ErrorMessage, deliveryErrors, rc.ProcessingStartedAt,
		rc.ProcessingCompletedAt, rc.SentAt, rc.DeliveredAt,
		rc.FailedAt, rc.UpdatedAt, rc.ID,
	)
	return err
}

func (r *ReceiptRepository) GetByID(id int) (*model.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM communication_receipts WHERE id=$1`

	rc, err := scanReceipt(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return rc, nil
}

func (r *ReceiptRepository) GetByCommunicationAndRecipient(communicationID, recipientID, recurrenceRun int) (*model.Receipt, error) {
	query := `SELECT ` + receiptColumns + `
        FROM communication_receipts
        WHERE communication_id=$1 AND recipient_id=$2 AND recurrence_run=$3`

	rc, err := scanReceipt(r.DB.QueryRow(query, communicationID, recipientID, recurrenceRun))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return rc, nil
}

func (r *ReceiptRepository) ListByCommunication(communicationID, offset, limit int) ([]*model.Receipt, int, error) {
	query := `SELECT ` + receiptColumns + `
        FROM communication_receipts
        WHERE communication_id=$1
        ORDER BY id ASC LIMIT $2 OFFSET $3`

	rows, err := r.DB.Query(query, communicationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	receipts := []*model.Receipt{}
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, 0, err
		}
		receipts = append(receipts, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRow(
		`SELECT COUNT(*) FROM communication_receipts WHERE communication_id=$1`,
		communicationID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	return receipts, total, nil
}

func (r *ReceiptRepository) CountByStatus(communicationID int) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM communication_receipts WHERE communication_id=$1 GROUP BY status`
	rows, err := r.DB.Query(query, communicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// ListReconcilable returns receipts still waiting on a terminal outcome:
// non-terminal status, created after the cutoff, with a provider message id
// to query by.
func (r *ReceiptRepository) ListReconcilable(cutoff time.Time) ([]*model.Receipt, error) {
	query := `SELECT ` + receiptColumns + `
        FROM communication_receipts
        WHERE status IN ($1, $2, $3)
          AND created_at >= $4
          AND provider_message_id IS NOT NULL
        ORDER BY id ASC`

	rows, err := r.DB.Query(query,
		model.ReceiptStatusPending, model.ReceiptStatusProcessing,
		model.ReceiptStatusSent, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := []*model.Receipt{}
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, rc)
	}
	return receipts, rows.Err()
}

func (r *ReceiptRepository) IncrementRetryCount(id int) error {
	query := `UPDATE communication_receipts SET retry_count=retry_count+1, updated_at=NOW() WHERE id=$1`
	_, err := r.DB.Exec(query, id)
	return err
}

func scanReceipt(row rowScanner) (*model.Receipt, error) {
	var (
		rc             model.Receipt
		variables      []byte
		response       []byte
		deliveryErrors []byte
		errorMessage   sql.NullString
	)

	err := row.Scan(
		&rc.ID, &rc.UUID, &rc.CommunicationID, &rc.CampaignID,
		&rc.CommunicationCategoryID, &rc.ContactGroupID, &rc.TeamID,
		&rc.RecipientID, &rc.RecipientPhone, &rc.RecipientName,
		&rc.RecurrenceRun, &rc.Content,
		&rc.TemplateIdentifier, &variables, &rc.SenderID, &rc.Provider,
		&rc.ProviderMessageID, &response, &rc.Cost, &rc.Currency, &rc.Status,
		&rc.RetryCount, &errorMessage, &deliveryErrors,
		&rc.ProcessingStartedAt, &rc.ProcessingCompletedAt, &rc.SentAt,
		&rc.DeliveredAt, &rc.FailedAt, &rc.CreatedAt, &rc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rc.ErrorMessage = errorMessage.String
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &rc.TemplateVariables); err != nil {
			return nil, err
		}
	}
	if len(response) > 0 {
		rc.ProviderResponse = json.RawMessage(response)
	}
	if len(deliveryErrors) > 0 {
		if err := json.Unmarshal(deliveryErrors, &rc.DeliveryErrors); err != nil {
			return nil, err
		}
	}
	return &rc, nil
}

var _ ReceiptRepositoryInterface = (*ReceiptRepository)(nil)
