// Package notify turns checkout domain events into customer emails.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/obs"
)

// Mailer delivers a rendered HTML email.
type Mailer interface {
	Send(to, subject, html string) error
}

// EmailNotifier sends transactional emails for selected topics. It satisfies
// events.Notifier so it can run in-process on the bus or behind the worker.
type EmailNotifier struct {
	Mail         Mailer
	Enabled      bool
	From         string
	TopicToggles map[string]bool
}

type eventPayload struct {
	OrderID     string `json:"orderId"`
	Email       string `json:"email"`
	Total       int64  `json:"total"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	PaymentRef  string `json:"paymentRef"`
	OrderStatus string `json:"orderStatus"`
	Status      string `json:"status"`
}

// Notify implements events.Notifier. Events without a recipient are skipped.
func (n EmailNotifier) Notify(_ context.Context, event events.Event) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[event.Topic]; ok && !enabled {
			return nil
		}
	}
	subject, ok := subjectFor(event.Topic)
	if !ok {
		return nil
	}
	var p eventPayload
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			obs.CountInc(obs.NotificationTotal, event.Topic, "error")
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := strings.TrimSpace(p.Email)
	if to == "" {
		obs.CountInc(obs.NotificationTotal, event.Topic, "skipped")
		return nil
	}
	if err := n.Mail.Send(to, subject, bodyFor(event, p)); err != nil {
		obs.CountInc(obs.NotificationTotal, event.Topic, "error")
		return fmt.Errorf("email notify %s: %w", event.Topic, err)
	}
	obs.CountInc(obs.NotificationTotal, event.Topic, "sent")
	return nil
}

func subjectFor(topic string) (string, bool) {
	switch topic {
	case events.TopicOrderCreated:
		return "We received your order", true
	case events.TopicOrderPaid:
		return "Payment confirmed", true
	case events.TopicPaymentFailed:
		return "Your payment did not go through", true
	case events.TopicOrderCanceled:
		return "Your order was cancelled", true
	case events.TopicPaymentRefunded:
		return "Your payment was refunded", true
	default:
		return "", false
	}
}

func bodyFor(event events.Event, p eventPayload) string {
	orderID := p.OrderID
	if orderID == "" {
		orderID = event.AggregateID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Order <strong>%s</strong></p>", orderID)
	switch event.Topic {
	case events.TopicOrderCreated:
		fmt.Fprintf(&b, "<p>Total: %d %s</p>", p.Total, p.Currency)
	case events.TopicOrderPaid:
		fmt.Fprintf(&b, "<p>We received %d for payment %s. Your order is now being prepared.</p>", p.Amount, p.PaymentRef)
		if p.OrderStatus == "cancelled" {
			b.WriteString("<p>This order had already been cancelled, so a refund will follow.</p>")
		}
	case events.TopicPaymentFailed:
		b.WriteString("<p>You can retry the payment from your orders page.</p>")
	}
	fmt.Fprintf(&b, "<p>%s</p>", event.OccurredAt.Format("2 Jan 2006 15:04 MST"))
	return b.String()
}

// LogSender writes emails to the log instead of an SMTP relay.
type LogSender struct {
	Logger zerolog.Logger
	From   string
}

// Send implements Mailer.
func (s LogSender) Send(to, subject, html string) error {
	s.Logger.Info().Str("from", s.From).Str("to", to).Str("subject", subject).Int("bytes", len(html)).Msg("email_sent")
	return nil
}

// Outbox is a Mailer that keeps sent emails in memory.
type Outbox struct {
	mu   sync.Mutex
	Sent []SentEmail
}

// SentEmail is one message captured by Outbox.
type SentEmail struct {
	To      string
	Subject string
	HTML    string
}

// Send implements Mailer.
func (o *Outbox) Send(to, subject, html string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Sent = append(o.Sent, SentEmail{To: to, Subject: subject, HTML: html})
	return nil
}
