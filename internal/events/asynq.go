package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/toko-checkout/internal/obs"
)

const taskPrefix = "event:"

// AsynqPublisher enqueues each event as an asynq task keyed by the event id.
type AsynqPublisher struct {
	Client   *asynq.Client
	Queue    string
	MaxRetry int
}

// Publish implements Publisher.
func (p AsynqPublisher) Publish(ctx context.Context, event Event) error {
	if p.Client == nil {
		return errors.New("events: asynq client not configured")
	}
	task, err := NewTask(event)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.TaskID(event.ID)}
	if q := strings.TrimSpace(p.Queue); q != "" {
		opts = append(opts, asynq.Queue(q))
	}
	if p.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(p.MaxRetry))
	}
	if _, err := p.Client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			obs.CountInc(obs.EventPublishTotal, "asynq", "duplicate")
			return nil
		}
		obs.CountInc(obs.EventPublishTotal, "asynq", "error")
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	obs.CountInc(obs.EventPublishTotal, "asynq", "ok")
	return nil
}

// TaskType returns the asynq task type used for a topic.
func TaskType(topic string) string {
	return taskPrefix + topic
}

// NewTask encodes an event as an asynq task.
func NewTask(event Event) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("events: encode task: %w", err)
	}
	return asynq.NewTask(TaskType(event.Topic), data), nil
}

// DecodeTask restores the event carried by an asynq task.
func DecodeTask(task *asynq.Task) (Event, error) {
	if task == nil {
		return Event{}, errors.New("events: nil task")
	}
	var ev Event
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return Event{}, fmt.Errorf("events: decode task: %w", err)
	}
	if ev.Topic == "" {
		ev.Topic = strings.TrimPrefix(task.Type(), taskPrefix)
	}
	return ev, nil
}
