package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// BatchMessage is the broker payload of one batch send job.
type BatchMessage struct {
	BatchID       string             `json:"batchId"`
	ParentBatchID string             `json:"parentBatchId,omitempty"`
	CorrelationID string             `json:"correlationId,omitempty"`
	Deferrals     int                `json:"deferrals,omitempty"`
	Message       MessagePayload     `json:"message"`
	Recipients    []RecipientPayload `json:"recipients"`
}

type MessagePayload struct {
	From           string            `json:"from"`
	FromName       string            `json:"fromName,omitempty"`
	Subject        string            `json:"subject"`
	HTMLBody       string            `json:"htmlBody,omitempty"`
	TextBody       string            `json:"textBody,omitempty"`
	CampaignID     string            `json:"campaignId,omitempty"`
	UnsubscribeURL string            `json:"unsubscribeUrl,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

type RecipientPayload struct {
	Email           string  `json:"email"`
	EngagementScore float64 `json:"engagementScore"`
	SubscriberID    string  `json:"subscriberId,omitempty"`
}

func (m BatchMessage) Validate() error {
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if err := domain.ValidateBatchID(m.BatchID); err != nil {
		return err
	}
	if m.ParentBatchID != "" {
		if err := domain.ValidateBatchID(m.ParentBatchID); err != nil {
			return fmt.Errorf("parentBatchId: %w", err)
		}
	}
	if len(m.Recipients) == 0 {
		return fmt.Errorf("recipients are required")
	}
	if err := m.Message.ToDomain().Validate(); err != nil {
		return err
	}
	return nil
}

func (p MessagePayload) ToDomain() domain.Message {
	return domain.Message{
		From:           p.From,
		FromName:       p.FromName,
		Subject:        p.Subject,
		HTMLBody:       p.HTMLBody,
		TextBody:       p.TextBody,
		CampaignID:     p.CampaignID,
		UnsubscribeURL: p.UnsubscribeURL,
		Headers:        p.Headers,
	}
}

func MessageFromDomain(m domain.Message) MessagePayload {
	return MessagePayload{
		From:           m.From,
		FromName:       m.FromName,
		Subject:        m.Subject,
		HTMLBody:       m.HTMLBody,
		TextBody:       m.TextBody,
		CampaignID:     m.CampaignID,
		UnsubscribeURL: m.UnsubscribeURL,
		Headers:        m.Headers,
	}
}

func (m BatchMessage) DomainRecipients() []domain.Recipient {
	out := make([]domain.Recipient, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		out = append(out, domain.Recipient{
			Email:           r.Email,
			EngagementScore: r.EngagementScore,
			SubscriberID:    r.SubscriberID,
		})
	}
	return out
}

func RecipientsFromDomain(recipients []domain.Recipient) []RecipientPayload {
	out := make([]RecipientPayload, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, RecipientPayload{
			Email:           r.Email,
			EngagementScore: r.EngagementScore,
			SubscriberID:    r.SubscriberID,
		})
	}
	return out
}

const contentTypeJSON = "application/json"

// EncodeBatchMessage validates msg and returns its wire form.
func EncodeBatchMessage(msg BatchMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch message: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch message: %w", err)
	}
	return payload, nil
}

// DecodeBatchMessage parses and validates a batch job body.
func DecodeBatchMessage(body []byte) (BatchMessage, error) {
	var msg BatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return BatchMessage{}, fmt.Errorf("malformed batch message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return msg, fmt.Errorf("invalid batch message: %w", err)
	}
	return msg, nil
}
