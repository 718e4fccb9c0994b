package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/events"
)

type capturePublisher struct {
	events []events.Event
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return c.err
}

type captureNotifier struct {
	events []events.Event
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestEmitFansOut(t *testing.T) {
	publisher := &capturePublisher{}
	notifier := &captureNotifier{}
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	bus := events.Bus{
		Publisher: publisher,
		Notifiers: []events.Notifier{notifier},
		Now:       func() time.Time { return fixed },
	}

	event, err := bus.Emit(context.Background(), events.TopicOrderCreated, "order-1", map[string]any{"orderId": "order-1"})
	require.NoError(t, err)
	require.NotEmpty(t, event.ID)
	require.Equal(t, fixed, event.OccurredAt)
	require.JSONEq(t, `{"orderId":"order-1"}`, string(event.Payload))
	require.Len(t, publisher.events, 1)
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, publisher.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "order-1", decoded["orderId"])
}

func TestEmitJoinsPublisherFailure(t *testing.T) {
	publisher := &capturePublisher{err: errors.New("broker down")}
	notifier := &captureNotifier{}
	bus := events.Bus{Publisher: publisher, Notifiers: []events.Notifier{notifier}}

	event, err := bus.Emit(context.Background(), events.TopicOrderPaid, "order-2", nil)
	require.ErrorContains(t, err, "broker down")
	require.Equal(t, events.TopicOrderPaid, event.Topic)
	require.Len(t, notifier.events, 1, "notifiers still run when the publisher fails")
}

func TestEmitValidatesInput(t *testing.T) {
	bus := events.Bus{}
	_, err := bus.Emit(context.Background(), " ", "order-3", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderPaid, "", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderPaid, "order-3", "not json")
	require.Error(t, err)

	var nilBus *events.Bus
	_, err = nilBus.Emit(context.Background(), events.TopicOrderPaid, "order-3", nil)
	require.Error(t, err)
}

func TestTaskRoundTrip(t *testing.T) {
	in := events.Event{ID: "evt-1", Topic: events.TopicPaymentFailed, AggregateID: "order-9", Payload: json.RawMessage(`{"ref":"PS-1"}`)}
	task, err := events.NewTask(in)
	require.NoError(t, err)
	require.Equal(t, "event:payment.failed", task.Type())

	out, err := events.DecodeTask(task)
	require.NoError(t, err)
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.AggregateID, out.AggregateID)
	require.JSONEq(t, string(in.Payload), string(out.Payload))
}

func TestNATSSubject(t *testing.T) {
	require.Equal(t, "toko.order.paid", events.NATSPublisher{SubjectPrefix: "toko."}.Subject(events.TopicOrderPaid))
	require.Equal(t, "order.paid", events.NATSPublisher{}.Subject(events.TopicOrderPaid))
}
