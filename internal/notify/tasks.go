package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskWebhookDeliver is the queue task type for outbound webhook deliveries.
const TaskWebhookDeliver = "webhook:deliver"

type deliverPayload struct {
	DeliveryID string `json:"deliveryId"`
}

// NewDeliveryTask builds the queue task for one scheduled delivery.
func NewDeliveryTask(deliveryID string) (*asynq.Task, error) {
	payload, err := json.Marshal(deliverPayload{DeliveryID: deliveryID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWebhookDeliver, payload), nil
}

// AsynqEnqueuer publishes delivery tasks to the asynq backend.
type AsynqEnqueuer struct {
	Client      *asynq.Client
	MaxAttempts int
}

// EnqueueDelivery implements the Enqueuer hook used by the dispatcher. Retries
// are driven by the delivery row, so the queue task itself runs at most once.
func (e AsynqEnqueuer) EnqueueDelivery(ctx context.Context, deliveryID string, delay time.Duration) error {
	if e.Client == nil {
		return nil
	}
	task, err := NewDeliveryTask(deliveryID)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.MaxRetry(1),
		asynq.TaskID(fmt.Sprintf("%s:%s:%d", TaskWebhookDeliver, deliveryID, time.Now().UnixNano())),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err = e.Client.EnqueueContext(ctx, task, opts...)
	return err
}
