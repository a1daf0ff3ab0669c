package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/currency"
	"github.com/noah-isme/backend-contest/internal/events"
	"github.com/noah-isme/backend-contest/internal/store"
)

// SchoolDirectory resolves notification recipients.
type SchoolDirectory interface {
	GetSchoolByID(ctx context.Context, id pgtype.UUID) (store.School, error)
}

// EmailNotifier sends transactional emails for selected topics.
type EmailNotifier struct {
	Mail         common.EmailSender
	Schools      SchoolDirectory
	Enabled      bool
	TopicToggles map[string]bool
}

// Notify implements the event bus notifier hook.
func (n EmailNotifier) Notify(ctx context.Context, event store.DomainEvent) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[event.Topic]; ok && !enabled {
			return nil
		}
	}
	payload := map[string]any{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := n.recipient(ctx, payload)
	if to == "" {
		return nil
	}
	subject := subjectFor(event.Topic)
	body := bodyFor(event.Topic, payload, event.OccurredAt)
	return n.Mail.Send(to, subject, body)
}

func (n EmailNotifier) recipient(ctx context.Context, payload map[string]any) string {
	if email, ok := payload["email"].(string); ok && email != "" {
		return email
	}
	if n.Schools == nil {
		return ""
	}
	schoolID, ok := payload["schoolId"].(string)
	if !ok || schoolID == "" {
		return ""
	}
	id, err := store.ToUUID(schoolID)
	if err != nil {
		return ""
	}
	school, err := n.Schools.GetSchoolByID(ctx, id)
	if err != nil {
		return ""
	}
	return school.Email
}

func subjectFor(topic string) string {
	switch topic {
	case events.TopicBatchCreated:
		return "Registration received"
	case events.TopicPaymentPaid:
		return "Payment confirmed"
	case events.TopicPaymentFailed:
		return "Payment failed"
	case events.TopicPaymentExpired:
		return "Payment expired"
	case events.TopicInvoiceIssued:
		return "Invoice issued"
	case events.TopicCertificateIssued:
		return "Certificates ready"
	default:
		return fmt.Sprintf("Notification: %s", topic)
	}
}

func bodyFor(topic string, payload map[string]any, occurred time.Time) string {
	summary := fmt.Sprintf("Event %s occurred at %s.", topic, occurred.Format(time.RFC3339))
	if ref, ok := payload["reference"].(string); ok && ref != "" {
		summary += fmt.Sprintf("\nBatch reference: %s", ref)
	}
	if ref, ok := payload["batchReference"].(string); ok && ref != "" {
		summary += fmt.Sprintf("\nBatch reference: %s", ref)
	}
	if number, ok := payload["invoiceNumber"].(string); ok && number != "" {
		summary += fmt.Sprintf("\nInvoice number: %s", number)
	}
	if amount, ok := payload["amount"].(float64); ok {
		code, _ := payload["currency"].(string)
		if display, err := currency.FormatMinor(int64(amount), code); err == nil {
			summary += fmt.Sprintf("\nAmount: %s", display)
		}
	}
	return summary
}
