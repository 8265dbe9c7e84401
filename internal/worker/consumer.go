package worker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/m-martinez/occams/internal/worker/domain"
)

// setupConsumer applies the prefetch limit and starts consuming the export
// queue under the worker id as consumer tag.
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// At most prefetchCount unacknowledged exports per consumer
	if err := channel.Qos(w.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := w.rabbitClient.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Export consumer started",
		slog.String("worker_id", w.workerID),
		slog.String("queue", w.rabbitMQQueueName),
		slog.Int("prefetch_count", w.prefetchCount),
	)
	return deliveries, nil
}

// startMessageDispatcher hands every well formed export job to the pool.
// Bodies that do not name an export are dropped without requeue, jobs still
// in hand at shutdown go back to the queue.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started", slog.String("worker_id", w.workerID))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			msg, err := domain.ParseJobMessage(delivery.Body)
			if err != nil {
				w.logger.Error("Dropping export job",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				w.nack(delivery, false)
				continue
			}
			msg.DeliveryTag = delivery.DeliveryTag
			msg.Redelivered = delivery.Redelivered

			select {
			case w.jobsChan <- msg:
				w.logger.Debug("Export job dispatched",
					slog.String("export_id", msg.JobID),
					slog.Uint64("delivery_tag", msg.DeliveryTag),
					slog.Bool("redelivered", msg.Redelivered),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped, returning export job to queue",
					slog.String("export_id", msg.JobID),
				)
				w.nack(delivery, true)
				return
			}
		}
	}
}

func (w *Worker) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		w.logger.Error("Failed to NACK delivery",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Any("error", err),
		)
	}
}
