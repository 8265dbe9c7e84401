package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/m-martinez/occams/internal/export"
	"github.com/m-martinez/occams/internal/worker/domain"
)

// settlement is what happens to a delivery once its export has run.
type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDrop
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleRequeue:
		return "requeue"
	default:
		return "drop"
	}
}

// settle maps the outcome of processJob to an acknowledgement. Only a store
// outage before the claim goes back to the queue: a claimed export has
// already been marked failed and broadcast, a rejected one has nothing left
// to do.
func settle(err error) settlement {
	var retryable *domain.RetryableError
	switch {
	case err == nil:
		return settleAck
	case errors.Is(err, export.ErrJobFailed):
		return settleDrop
	case errors.Is(err, domain.ErrJobRejected), export.Rejected(err):
		return settleDrop
	case errors.Is(err, domain.ErrMaxRetriesExceeded), errors.Is(err, domain.ErrInvalidPayload):
		return settleDrop
	case errors.As(err, &retryable):
		return settleRequeue
	default:
		return settleDrop
	}
}

// spawnWorkerPool starts the export goroutines.
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
	w.logger.Info("Worker pool spawned",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
	)
}

// workerLoop runs exports one at a time until the pool is stopped.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))

	for {
		select {
		case <-w.stopChan:
			logger.Info("Worker goroutine stopping")
			return

		case <-ctx.Done():
			logger.Info("Worker goroutine stopping, context canceled")
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}
			w.runExport(ctx, logger, msg)
		}
	}
}

// runExport processes one export job and settles its delivery.
func (w *Worker) runExport(ctx context.Context, logger *slog.Logger, msg *domain.JobMessage) {
	logger = logger.With(
		slog.String("export_id", msg.JobID),
		slog.Uint64("delivery_tag", msg.DeliveryTag),
	)

	err := w.processJob(ctx, msg)
	outcome := settle(err)

	ack := w.ackChannel()
	if ack == nil {
		// The broker redelivers once the channel is back
		logger.Error("No RabbitMQ channel to settle export job", slog.String("settlement", outcome.String()))
		return
	}

	var settleErr error
	if outcome == settleAck {
		settleErr = ack.Ack(msg.DeliveryTag, false)
	} else {
		settleErr = ack.Nack(msg.DeliveryTag, false, outcome == settleRequeue)
	}
	if settleErr != nil {
		logger.Error("Failed to settle export job",
			slog.String("settlement", outcome.String()),
			slog.Any("error", settleErr),
		)
		return
	}

	logger.Info("Export job settled", slog.String("settlement", outcome.String()))
}
