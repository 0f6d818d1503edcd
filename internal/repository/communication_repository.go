package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	appErrors "github.com/rebirthhq/comms-service/internal/errors"
	"github.com/rebirthhq/comms-service/internal/model"
)

type CommunicationRepositoryInterface interface {
	// Communication CRUD
	Create(c *model.Communication) error
	GetByID(id int) (*model.Communication, error)
	GetStatus(id int) (string, error)
	List(offset, limit int, status, deliveryType string) ([]*model.Communication, int, error)
	UpdateStatus(id int, status string) error
	Approve(id int, approvedBy *int) error

	// Fan-out bookkeeping
	MarkProcessing(id int, cooldown time.Duration) (bool, error)
	ReleaseClaim(id int) error
	SetTotalRecipients(id, total int) error
	IncrementDeliveryCounters(id int, successful bool) error
	FinalizeDelivery(id int, status string, completedAt time.Time) error
	MarkFailed(id int, reason string) error
	IncrementRecurrenceRuns(id int) error

	// Due scans
	ListDueScheduled(now time.Time) ([]*model.Communication, error)
	ListRecurring() ([]*model.Communication, error)
}

type CommunicationRepository struct {
	DB *sql.DB
}

const communicationColumns = `
	id, uuid, slug, communication_category_id, campaign_id, contact_group_id,
	team_id, created_by, content, template_identifier, variables, attachments,
	sender_id, delivery_type, scheduled_for, recurrence, status,
	total_recipients, successful_deliveries, failed_deliveries,
	delivery_errors, recurrence_runs, approved_by, approved_at,
	last_processed_at, sent_at, completed_at, created_at, updated_at`

// ====================== Communication CRUD ======================

func (r *CommunicationRepository) Create(c *model.Communication) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CommStatusDraft
	}

	variables, err := json.Marshal(c.Variables)
	if err != nil {
		return err
	}
	attachments, err := json.Marshal(c.Attachments)
	if err != nil {
		return err
	}
	var recurrence []byte
	if c.Recurrence != nil {
		if recurrence, err = json.Marshal(c.Recurrence); err != nil {
			return err
		}
	}

	query := `
        INSERT INTO communications
        (uuid, slug, communication_category_id, campaign_id, contact_group_id,
         team_id, created_by, content, template_identifier, variables,
         attachments, sender_id, delivery_type, scheduled_for, recurrence,
         status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
        RETURNING id
    `
	return r.DB.QueryRow(query,
		c.UUID, c.Slug, c.CommunicationCategoryID, c.CampaignID, c.ContactGroupID,
		c.TeamID, c.CreatedBy, c.Content, c.TemplateIdentifier, variables,
		attachments, c.SenderID, c.DeliveryType, c.ScheduledFor, nullableJSON(recurrence),
		c.Status, c.CreatedAt,
	).Scan(&c.ID)
}

func (r *CommunicationRepository) GetByID(id int) (*model.Communication, error) {
	query := `SELECT ` + communicationColumns + ` FROM communications WHERE id=$1`

	c, err := scanCommunication(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCommunicationNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CommunicationRepository) GetStatus(id int) (string, error) {
	var status string
	err := r.DB.QueryRow(`SELECT status FROM communications WHERE id=$1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", appErrors.NewCommunicationNotFound(id)
	}
	return status, err
}

func (r *CommunicationRepository) List(offset, limit int, status, deliveryType string) ([]*model.Communication, int, error) {
	communications := []*model.Communication{}
	query := `SELECT ` + communicationColumns + ` FROM communications WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}
	if deliveryType != "" {
		query += fmt.Sprintf(" AND delivery_type=$%d", argPos)
		args = append(args, deliveryType)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCommunication(rows)
		if err != nil {
			return nil, 0, err
		}
		communications = append(communications, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery := `SELECT COUNT(*) FROM communications WHERE 1=1`
	argsCount := []interface{}{}
	argPosCount := 1
	if status != "" {
		countQuery += fmt.Sprintf(" AND status=$%d", argPosCount)
		argsCount = append(argsCount, status)
		argPosCount++
	}
	if deliveryType != "" {
		countQuery += fmt.Sprintf(" AND delivery_type=$%d", argPosCount)
		argsCount = append(argsCount, deliveryType)
	}

	var total int
	if err := r.DB.QueryRow(countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return communications, total, nil
}

func (r *CommunicationRepository) UpdateStatus(id int, status string) error {
	query := `UPDATE communications SET status=$1, updated_at=NOW() WHERE id=$2`
	_, err := r.DB.Exec(query, status, id)
	return err
}

func (r *CommunicationRepository) Approve(id int, approvedBy *int) error {
	query := `
        UPDATE communications
        SET status=$1, approved_by=$2, approved_at=NOW(), updated_at=NOW()
        WHERE id=$3 AND status IN ($4, $5)
    `
	res, err := r.DB.Exec(query, model.CommStatusApproved, approvedBy, id,
		model.CommStatusDraft, model.CommStatusPendingApproval)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErrors.NewNotEligible(id, "not awaiting approval")
	}
	return nil
}

// ====================== Fan-out bookkeeping ======================

// MarkProcessing atomically claims the communication for a fan-out pass.
// It refuses terminal communications and ones processed inside the cooldown
// window, which is what keeps overlapping triggers from double fan-out.
func (r *CommunicationRepository) MarkProcessing(id int, cooldown time.Duration) (bool, error) {
	query := `
        UPDATE communications
        SET status=$1, last_processed_at=NOW(), updated_at=NOW()
        WHERE id=$2
          AND status NOT IN ($3, $4, $5)
          AND (last_processed_at IS NULL OR last_processed_at < NOW() - ($6 * interval '1 second'))
    `
	res, err := r.DB.Exec(query, model.CommStatusProcessing, id,
		model.CommStatusSent, model.CommStatusFailed, model.CommStatusCancelled,
		int(cooldown.Seconds()))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseClaim undoes MarkProcessing after a job-level failure: the
// communication goes back to APPROVED with the cooldown cleared so the
// queue's retry can claim it again immediately.
func (r *CommunicationRepository) ReleaseClaim(id int) error {
	query := `
        UPDATE communications
        SET status=$1, last_processed_at=NULL, updated_at=NOW()
        WHERE id=$2 AND status=$3
    `
	_, err := r.DB.Exec(query, model.CommStatusApproved, id, model.CommStatusProcessing)
	return err
}

func (r *CommunicationRepository) SetTotalRecipients(id, total int) error {
	query := `UPDATE communications SET total_recipients=$1, updated_at=NOW() WHERE id=$2`
	_, err := r.DB.Exec(query, total, id)
	return err
}

// IncrementDeliveryCounters bumps exactly one aggregate counter. Counters
// are never decremented.
func (r *CommunicationRepository) IncrementDeliveryCounters(id int, successful bool) error {
	column := "failed_deliveries"
	if successful {
		column = "successful_deliveries"
	}
	query := fmt.Sprintf(`UPDATE communications SET %s=%s+1, updated_at=NOW() WHERE id=$1`, column, column)
	_, err := r.DB.Exec(query, id)
	return err
}

func (r *CommunicationRepository) FinalizeDelivery(id int, status string, completedAt time.Time) error {
	query := `
        UPDATE communications
        SET status=$1,
            completed_at=$2,
            sent_at=COALESCE(sent_at, $2),
            updated_at=NOW()
        WHERE id=$3
    `
	_, err := r.DB.Exec(query, status, completedAt, id)
	return err
}

func (r *CommunicationRepository) MarkFailed(id int, reason string) error {
	query := `
        UPDATE communications
        SET status=$1,
            delivery_errors=COALESCE(delivery_errors, '[]'::jsonb) || to_jsonb($2::text),
            completed_at=COALESCE(completed_at, NOW()),
            updated_at=NOW()
        WHERE id=$3
    `
	_, err := r.DB.Exec(query, model.CommStatusFailed, reason, id)
	return err
}

func (r *CommunicationRepository) IncrementRecurrenceRuns(id int) error {
	query := `UPDATE communications SET recurrence_runs=recurrence_runs+1, updated_at=NOW() WHERE id=$1`
	_, err := r.DB.Exec(query, id)
	return err
}

// ====================== Due scans ======================

// ListDueScheduled returns APPROVED scheduled communications whose send
// time has passed and which have never been processed.
func (r *CommunicationRepository) ListDueScheduled(now time.Time) ([]*model.Communication, error) {
	query := `SELECT ` + communicationColumns + `
        FROM communications
        WHERE status=$1
          AND delivery_type=$2
          AND scheduled_for <= $3
          AND last_processed_at IS NULL
        ORDER BY scheduled_for ASC`

	return r.queryCommunications(query, model.CommStatusApproved, model.DeliveryTypeScheduled, now)
}

// ListRecurring returns recurring communications that are candidates for a
// new occurrence; the caller applies the recurrence rule itself.
func (r *CommunicationRepository) ListRecurring() ([]*model.Communication, error) {
	query := `SELECT ` + communicationColumns + `
        FROM communications
        WHERE delivery_type=$1
          AND status=$2
        ORDER BY id ASC`

	return r.queryCommunications(query, model.DeliveryTypeRecurring, model.CommStatusApproved)
}

func (r *CommunicationRepository) queryCommunications(query string, args ...interface{}) ([]*model.Communication, error) {
	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	communications := []*model.Communication{}
	for rows.Next() {
		c, err := scanCommunication(rows)
		if err != nil {
			return nil, err
		}
		communications = append(communications, c)
	}
	return communications, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommunication(row rowScanner) (*model.Communication, error) {
	var (
		c              model.Communication
		variables      []byte
		attachments    []byte
		recurrence     []byte
		deliveryErrors []byte
	)

	err := row.Scan(
		&c.ID, &c.UUID, &c.Slug, &c.CommunicationCategoryID, &c.CampaignID,
		&c.ContactGroupID, &c.TeamID, &c.CreatedBy, &c.Content,
		&c.TemplateIdentifier, &variables, &attachments, &c.SenderID,
		&c.DeliveryType, &c.ScheduledFor, &recurrence, &c.Status,
		&c.TotalRecipients, &c.SuccessfulDeliveries, &c.FailedDeliveries,
		&deliveryErrors, &c.RecurrenceRuns, &c.ApprovedBy, &c.ApprovedAt,
		&c.LastProcessedAt, &c.SentAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &c.Variables); err != nil {
			return nil, err
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &c.Attachments); err != nil {
			return nil, err
		}
	}
	if len(recurrence) > 0 {
		c.Recurrence = &model.Recurrence{}
		if err := json.Unmarshal(recurrence, c.Recurrence); err != nil {
			return nil, err
		}
	}
	if len(deliveryErrors) > 0 {
		if err := json.Unmarshal(deliveryErrors, &c.DeliveryErrors); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ CommunicationRepositoryInterface = (*CommunicationRepository)(nil)
