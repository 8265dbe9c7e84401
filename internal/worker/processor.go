package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/m-martinez/occams/internal/datastore"
	"github.com/m-martinez/occams/internal/export"
	"github.com/m-martinez/occams/internal/worker/domain"
)

// processJob runs one export and classifies the outcome for the ACK/NACK
// decision. The job context outlives worker shutdown and is bounded only by
// the job timeout.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	logger := w.logger.With(
		slog.String("export_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)
	logger.Info("Processing job", slog.Bool("redelivered", msg.Redelivered))

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	err := w.runner.Run(jobCtx, msg.JobID)
	switch {
	case err == nil:
		logger.Info("Job completed successfully")
		return nil

	case errors.Is(err, export.ErrJobFailed):
		// Checked first: the cause of a failure after the claim may itself
		// look like a rejection. The runner already recorded and broadcast it.
		logger.Error("Job execution failed", slog.Any("error", err))
		return err

	case export.Rejected(err):
		// Missing, empty, finished or claimed elsewhere: nothing to undo
		logger.Warn("Job rejected", slog.Any("error", err))
		return fmt.Errorf("%w: %w", domain.ErrJobRejected, err)

	case datastore.IsStoreError(err):
		// Store unavailable before the claim, the job is untouched
		if msg.Redelivered {
			logger.Warn("Job exceeded max retries", slog.Any("error", err))
			return fmt.Errorf("%w: %w", domain.ErrMaxRetriesExceeded, err)
		}
		logger.Info("Job will be retried", slog.Any("error", err))
		return domain.NewRetryableError(fmt.Errorf("job execution failed: %w", err))

	default:
		logger.Error("Job execution failed", slog.Any("error", err))
		return err
	}
}
