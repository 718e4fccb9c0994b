package notify

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/events"
)

// TaskHandler feeds asynq event tasks to a notifier.
type TaskHandler struct {
	Notifier events.Notifier
	Logger   zerolog.Logger
}

// ProcessTask implements asynq.Handler. Undecodable payloads are not retried.
func (h TaskHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ev, err := events.DecodeTask(task)
	if err != nil {
		h.Logger.Error().Err(err).Str("task_type", task.Type()).Msg("drop_undecodable_task")
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if h.Notifier == nil {
		return nil
	}
	if err := h.Notifier.Notify(ctx, ev); err != nil {
		h.Logger.Warn().Err(err).Str("event_id", ev.ID).Str("topic", ev.Topic).Msg("notify_failed")
		return err
	}
	return nil
}

// Register mounts the handler for every notifiable topic on mux.
func (h TaskHandler) Register(mux *asynq.ServeMux) {
	for _, topic := range events.DefaultTopics() {
		mux.Handle(events.TaskType(topic), h)
	}
}
