package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
	"github.com/kursadbilgin/esp-dispatch/internal/queue"
	"github.com/kursadbilgin/esp-dispatch/internal/service"
)

const maxSyncBatchSize = 1000

// Dispatcher sends messages synchronously. *service.Orchestrator implements it.
type Dispatcher interface {
	Send(ctx context.Context, recipient domain.Recipient, message domain.Message) (*service.SendOutcome, error)
	SendBatch(ctx context.Context, batchID string, recipients []domain.Recipient, message domain.Message) (*service.BatchResult, error)
}

type BatchReader interface {
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
}

type MessageHandler struct {
	dispatcher Dispatcher
	batches    BatchReader
	publisher  queue.Publisher
}

func NewMessageHandler(dispatcher Dispatcher, batches BatchReader, publisher queue.Publisher) (*MessageHandler, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if batches == nil {
		return nil, fmt.Errorf("batch reader is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("queue publisher is required")
	}
	return &MessageHandler{dispatcher: dispatcher, batches: batches, publisher: publisher}, nil
}

func RegisterMessageRoutes(router fiber.Router, dispatcher Dispatcher, batches BatchReader, publisher queue.Publisher) error {
	h, err := NewMessageHandler(dispatcher, batches, publisher)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/messages", h.SendMessage)
	v1.Post("/batches", h.SendBatch)
	v1.Get("/batches/:batchId", h.GetBatch)

	return nil
}

type recipientRequest struct {
	Email           string  `json:"email"`
	EngagementScore float64 `json:"engagementScore"`
	SubscriberID    string  `json:"subscriberId"`
}

type messageRequest struct {
	From           string            `json:"from"`
	FromName       string            `json:"fromName"`
	Subject        string            `json:"subject"`
	HTMLBody       string            `json:"htmlBody"`
	TextBody       string            `json:"textBody"`
	CampaignID     string            `json:"campaignId"`
	UnsubscribeURL string            `json:"unsubscribeUrl"`
	Headers        map[string]string `json:"headers"`
}

type sendMessageRequest struct {
	Recipient recipientRequest `json:"recipient"`
	Message   messageRequest   `json:"message"`
}

type sendBatchRequest struct {
	BatchID    string             `json:"batchId"`
	Async      bool               `json:"async"`
	Recipients []recipientRequest `json:"recipients"`
	Message    messageRequest     `json:"message"`
}

type sendMessageResponse struct {
	ProviderID string `json:"providerId"`
	MessageID  string `json:"messageId,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Attempts   int    `json:"attempts"`
}

type batchResponse struct {
	BatchID           string    `json:"batchId"`
	Status            string    `json:"status"`
	TotalCount        int       `json:"totalCount"`
	SentCount         int       `json:"sentCount"`
	FailedCount       int       `json:"failedCount"`
	NotAttemptedCount int       `json:"notAttemptedCount"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type acceptedBatchResponse struct {
	BatchID    string `json:"batchId"`
	TotalCount int    `json:"totalCount"`
	Status     string `json:"status"`
}

func (h *MessageHandler) SendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	outcome, err := h.dispatcher.Send(c.Context(), req.Recipient.toDomain(), req.Message.toDomain())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(sendMessageResponse{
		ProviderID: outcome.ProviderID,
		MessageID:  outcome.MessageID,
		StatusCode: outcome.StatusCode,
		Attempts:   outcome.Attempts,
	})
}

// SendBatch sends inline, or enqueues the batch for the batch worker when async is set.
func (h *MessageHandler) SendBatch(c *fiber.Ctx) error {
	var req sendBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.Recipients) == 0 {
		return toHTTPError(fmt.Errorf("%w: recipients is required", domain.ErrValidation))
	}

	message := req.Message.toDomain()
	recipients := make([]domain.Recipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, r.toDomain())
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		batchID = uuid.NewString()
	} else if err := domain.ValidateBatchID(batchID); err != nil {
		return toHTTPError(err)
	}

	if req.Async {
		if err := message.Validate(); err != nil {
			return toHTTPError(err)
		}
		err := h.publisher.Publish(c.Context(), queue.BatchQueue, queue.BatchMessage{
			BatchID:       batchID,
			CorrelationID: requestCorrelationID(c),
			Message:       queue.MessageFromDomain(message),
			Recipients:    queue.RecipientsFromDomain(recipients),
		})
		if err != nil {
			return toHTTPError(err)
		}

		return c.Status(fiber.StatusAccepted).JSON(acceptedBatchResponse{
			BatchID:    batchID,
			TotalCount: len(recipients),
			Status:     domain.BatchStatusProcessing.String(),
		})
	}

	if len(recipients) > maxSyncBatchSize {
		return toHTTPError(fmt.Errorf("%w: synchronous batches are limited to %d recipients", domain.ErrValidation, maxSyncBatchSize))
	}

	result, err := h.dispatcher.SendBatch(c.Context(), batchID, recipients, message)
	if err != nil && result == nil {
		return toHTTPError(err)
	}

	status := fiber.StatusOK
	if err != nil {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(result)
}

func (h *MessageHandler) GetBatch(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	if domain.ValidateBatchID(batchID) != nil {
		return toHTTPError(fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID))
	}

	batch, err := h.batches.GetByID(c.Context(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(batchResponse{
		BatchID:           batch.ID,
		Status:            batch.Status.String(),
		TotalCount:        batch.TotalCount,
		SentCount:         batch.SentCount,
		FailedCount:       batch.FailedCount,
		NotAttemptedCount: batch.NotAttemptedCount,
		CreatedAt:         batch.CreatedAt,
		UpdatedAt:         batch.UpdatedAt,
	})
}

func (r recipientRequest) toDomain() domain.Recipient {
	return domain.Recipient{
		Email:           strings.TrimSpace(r.Email),
		EngagementScore: r.EngagementScore,
		SubscriberID:    strings.TrimSpace(r.SubscriberID),
	}
}

func (m messageRequest) toDomain() domain.Message {
	return domain.Message{
		From:           strings.TrimSpace(m.From),
		FromName:       strings.TrimSpace(m.FromName),
		Subject:        m.Subject,
		HTMLBody:       m.HTMLBody,
		TextBody:       m.TextBody,
		CampaignID:     strings.TrimSpace(m.CampaignID),
		UnsubscribeURL: strings.TrimSpace(m.UnsubscribeURL),
		Headers:        m.Headers,
	}
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
