package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/notify"
)

func event(topic, payload string) events.Event {
	return events.Event{
		ID:          "evt-1",
		Topic:       topic,
		AggregateID: "o-1",
		Payload:     json.RawMessage(payload),
		OccurredAt:  time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNotifySendsPaidEmail(t *testing.T) {
	mail := &notify.Outbox{}
	n := notify.EmailNotifier{Mail: mail, Enabled: true}

	err := n.Notify(context.Background(), event(events.TopicOrderPaid, `{"orderId":"o-1","email":"ana@example.com","amount":600,"paymentRef":"PS-1"}`))
	require.NoError(t, err)
	require.Len(t, mail.Sent, 1)
	require.Equal(t, "ana@example.com", mail.Sent[0].To)
	require.Equal(t, "Payment confirmed", mail.Sent[0].Subject)
	require.Contains(t, mail.Sent[0].HTML, "PS-1")
}

func TestNotifySkips(t *testing.T) {
	mail := &notify.Outbox{}
	cases := map[string]struct {
		n  notify.EmailNotifier
		ev events.Event
	}{
		"disabled":       {notify.EmailNotifier{Mail: mail}, event(events.TopicOrderPaid, `{"email":"a@b.c"}`)},
		"no recipient":   {notify.EmailNotifier{Mail: mail, Enabled: true}, event(events.TopicOrderPaid, `{}`)},
		"topic disabled": {notify.EmailNotifier{Mail: mail, Enabled: true, TopicToggles: map[string]bool{events.TopicOrderCreated: false}}, event(events.TopicOrderCreated, `{"email":"a@b.c"}`)},
		"status change":  {notify.EmailNotifier{Mail: mail, Enabled: true}, event(events.TopicOrderStatus, `{"email":"a@b.c"}`)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, tc.n.Notify(context.Background(), tc.ev))
		})
	}
	require.Empty(t, mail.Sent)
}

type failingSender struct{}

func (failingSender) Send(string, string, string) error { return errors.New("smtp down") }

func TestTaskHandler(t *testing.T) {
	mail := &notify.Outbox{}
	h := notify.TaskHandler{Notifier: notify.EmailNotifier{Mail: mail, Enabled: true}, Logger: zerolog.Nop()}

	task, err := events.NewTask(event(events.TopicPaymentFailed, `{"email":"ana@example.com"}`))
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(context.Background(), task))
	require.Len(t, mail.Sent, 1)

	err = h.ProcessTask(context.Background(), asynq.NewTask(events.TaskType(events.TopicOrderPaid), []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	failing := notify.TaskHandler{Notifier: notify.EmailNotifier{Mail: failingSender{}, Enabled: true}, Logger: zerolog.Nop()}
	require.ErrorContains(t, failing.ProcessTask(context.Background(), task), "smtp down")
}
