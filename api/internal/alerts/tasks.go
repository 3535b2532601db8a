package alerts

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"urban-density-analytics/api/internal/models"
)

// TaskWebhookDeliver queues a webhook post onto the background worker
// instead of delivering inline.
const TaskWebhookDeliver = "webhook.deliver"

type webhookTaskPayload struct {
	URL   string            `json:"url"`
	Event models.AlertEvent `json:"event"`
}

// NewWebhookTask builds a one-shot delivery task. MaxRetry is zero so
// queued deliveries stay best effort like inline ones.
func NewWebhookTask(url string, event models.AlertEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(webhookTaskPayload{URL: url, Event: event})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWebhookDeliver, payload, asynq.MaxRetry(0)), nil
}

// AsynqSink enqueues webhook deliveries for the background worker.
type AsynqSink struct {
	client *asynq.Client
	queue  string
}

func NewAsynqSink(client *asynq.Client, queue string) *AsynqSink {
	if queue == "" {
		queue = "default"
	}
	return &AsynqSink{client: client, queue: queue}
}

func (s *AsynqSink) Deliver(ctx context.Context, url string, event models.AlertEvent) error {
	task, err := NewWebhookTask(url, event)
	if err != nil {
		return &WebhookDeliveryError{URL: url, Err: err}
	}
	if _, err := s.client.EnqueueContext(ctx, task, asynq.Queue(s.queue)); err != nil {
		return &WebhookDeliveryError{URL: url, Err: err}
	}
	return nil
}

// WebhookTaskHandler executes queued deliveries through an HTTP sink.
func WebhookTaskHandler(sink WebhookSink) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload webhookTaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return err
		}
		return sink.Deliver(ctx, payload.URL, payload.Event)
	}
}
