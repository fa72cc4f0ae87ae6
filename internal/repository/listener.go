package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SubscribeEvents returns a channel that receives a notification whenever an
// event is written by any server sharing the database. Notifications are
// dropped when the consumer falls behind. The channel is closed when ctx is
// done.
func (r *PostgresRepository) SubscribeEvents(ctx context.Context) (<-chan EventNotification, error) {
	notifications := make(chan EventNotification, 16)

	go r.runEventListener(ctx, notifications)

	return notifications, nil
}

func (r *PostgresRepository) runEventListener(ctx context.Context, notifications chan<- EventNotification) {
	defer close(notifications)

	for {
		err := r.listenForEvents(ctx, notifications)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForEvents(ctx context.Context, notifications chan<- EventNotification) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for event notification: %w", err)
		}

		notification, ok := parseNotifyPayload(n.Payload)
		if !ok {
			continue
		}

		select {
		case notifications <- notification:
		default:
		}
	}
}

func parseNotifyPayload(payload string) (EventNotification, bool) {
	var n EventNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil || n.ID == 0 {
		return EventNotification{}, false
	}
	return n, true
}
