package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/backend-contest/internal/lock"
)

// DeliveryWorker executes webhook deliveries under a distributed lock so that
// overlapping workers never double-send one delivery.
type DeliveryWorker struct {
	Dispatcher *Dispatcher
	Locker     lock.Locker
	LockTTL    time.Duration
}

// Handle processes one asynq delivery task.
func (w DeliveryWorker) Handle(ctx context.Context, task *asynq.Task) error {
	if w.Dispatcher == nil {
		return errors.New("webhook worker: dispatcher not configured")
	}
	var payload deliverPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode delivery task: %w", err)
	}
	if payload.DeliveryID == "" {
		return nil
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key := fmt.Sprintf("lock:delivery:%s", payload.DeliveryID)
	return w.Locker.WithLock(ctx, key, ttl, func(ctx context.Context) error {
		return w.Dispatcher.DeliverByID(ctx, payload.DeliveryID)
	})
}
