// internal/controller/communication_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/rebirthhq/comms-service/internal/errors"
	"github.com/rebirthhq/comms-service/internal/model"
	"github.com/rebirthhq/comms-service/internal/repository"
	"github.com/rebirthhq/comms-service/internal/service"
)

type CommunicationController struct {
	Comms    repository.CommunicationRepositoryInterface
	Receipts repository.ReceiptRepositoryInterface
	Trigger  *service.LifecycleTrigger
	Logger   *zap.Logger
}

type communicationDetails struct {
	*model.Communication
	Stats map[string]int `json:"stats"`
}

func (c *CommunicationController) CreateCommunication(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content                 string                   `json:"content"`
		TemplateIdentifier      string                   `json:"template_identifier"`
		Variables               []model.TemplateVariable `json:"variables"`
		Attachments             []string                 `json:"attachments"`
		SenderID                string                   `json:"sender_id"`
		DeliveryType            string                   `json:"delivery_type"`
		ScheduledFor            *time.Time               `json:"scheduled_for"`
		Recurrence              *model.Recurrence        `json:"recurrence"`
		ContactGroupID          int                      `json:"contact_group_id"`
		CampaignID              *int                     `json:"campaign_id"`
		CommunicationCategoryID *int                     `json:"communication_category_id"`
		TeamID                  *int                     `json:"team_id"`
		CreatedBy               *int                     `json:"created_by"`
		Status                  string                   `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !model.ValidDeliveryType(body.DeliveryType) {
		http.Error(w, "invalid delivery_type", http.StatusUnprocessableEntity)
		return
	}
	if body.ContactGroupID <= 0 {
		http.Error(w, "contact_group_id is required", http.StatusUnprocessableEntity)
		return
	}
	if body.DeliveryType == model.DeliveryTypeScheduled {
		if body.ScheduledFor == nil || !body.ScheduledFor.After(time.Now()) {
			http.Error(w, "scheduled delivery requires a future scheduled_for", http.StatusUnprocessableEntity)
			return
		}
	}
	if body.DeliveryType == model.DeliveryTypeRecurring {
		// Validation-then-construct: a bad recurrence never reaches the
		// database.
		if err := body.Recurrence.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}

	status := model.CommStatusDraft
	if body.Status == model.CommStatusPendingApproval {
		status = model.CommStatusPendingApproval
	}

	id := uuid.NewString()
	comm := &model.Communication{
		UUID:                    id,
		Slug:                    id[:8] + "-" + strconv.FormatInt(time.Now().Unix(), 36),
		CommunicationCategoryID: body.CommunicationCategoryID,
		CampaignID:              body.CampaignID,
		ContactGroupID:          body.ContactGroupID,
		TeamID:                  body.TeamID,
		CreatedBy:               body.CreatedBy,
		Content:                 service.RenderTemplate(body.Content, body.Variables),
		TemplateIdentifier:      body.TemplateIdentifier,
		Variables:               body.Variables,
		Attachments:             body.Attachments,
		SenderID:                body.SenderID,
		DeliveryType:            body.DeliveryType,
		ScheduledFor:            body.ScheduledFor,
		Recurrence:              body.Recurrence,
		Status:                  status,
	}

	if err := c.Comms.Create(comm); err != nil {
		c.Logger.Error("failed to create communication", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	c.Trigger.CommunicationCreated(comm)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(comm)
}

func (c *CommunicationController) ApproveCommunication(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))

	var body struct {
		ApprovedBy *int `json:"approved_by"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	if err := c.Comms.Approve(id, body.ApprovedBy); err != nil {
		var notEligible *appErrors.ErrNotEligible
		if errors.As(err, &notEligible) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	comm, err := c.Comms.GetByID(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	c.Trigger.CommunicationApproved(comm)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(comm)
}

func (c *CommunicationController) CancelCommunication(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))

	comm, err := c.Comms.GetByID(id)
	if err != nil {
		var notFound *appErrors.ErrCommunicationNotFound
		if errors.As(err, &notFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if comm.IsFinal() {
		http.Error(w, "communication already in a terminal status: "+comm.Status, http.StatusConflict)
		return
	}

	if err := c.Comms.UpdateStatus(id, model.CommStatusCancelled); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	comm.Status = model.CommStatusCancelled
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(comm)
}

func (c *CommunicationController) GetCommunication(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))

	comm, err := c.Comms.GetByID(id)
	if err != nil {
		var notFound *appErrors.ErrCommunicationNotFound
		if errors.As(err, &notFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats, err := c.Receipts.CountByStatus(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(communicationDetails{Communication: comm, Stats: stats})
}

func (c *CommunicationController) ListCommunications(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")
	deliveryType := r.URL.Query().Get("delivery_type")

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	communications, total, err := c.Comms.List((page-1)*pageSize, pageSize, status, deliveryType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data": communications,
		"pagination": map[string]int{
			"page":        page,
			"page_size":   pageSize,
			"total_count": total,
			"total_pages": (total + pageSize - 1) / pageSize,
		},
	})
}

func (c *CommunicationController) ListReceipts(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	receipts, total, err := c.Receipts.ListByCommunication(id, (page-1)*pageSize, pageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data": receipts,
		"pagination": map[string]int{
			"page":        page,
			"page_size":   pageSize,
			"total_count": total,
		},
	})
}
