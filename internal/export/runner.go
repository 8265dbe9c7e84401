package export

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/m-martinez/occams/internal/progress"
	"github.com/m-martinez/occams/internal/reporting"
)

// JobRepository loads and transitions exports.
type JobRepository interface {
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, fileSize int64) error
	Fail(ctx context.Context, id string) error
}

// ReportBuilder produces the two files written for every schema.
type ReportBuilder interface {
	BuildReport(ctx context.Context, name string, ids []int64, opts reporting.Options) (*reporting.Report, error)
	BuildCodebook(ctx context.Context, name string, ids []int64) ([]reporting.Field, error)
}

// EventPublisher broadcasts progress snapshots.
type EventPublisher interface {
	Publish(ctx context.Context, rec progress.Record) error
}

// RunnerDeps holds the collaborators of a Runner.
type RunnerDeps struct {
	Jobs      JobRepository
	Builder   ReportBuilder
	Progress  progress.Store
	Publisher EventPublisher
	OutputDir string
	Logger    *slog.Logger
}

// Runner executes export jobs.
type Runner struct {
	jobs      JobRepository
	builder   ReportBuilder
	progress  progress.Store
	publisher EventPublisher
	outputDir string
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(deps RunnerDeps) *Runner {
	return &Runner{
		jobs:      deps.Jobs,
		builder:   deps.Builder,
		progress:  deps.Progress,
		publisher: deps.Publisher,
		outputDir: deps.OutputDir,
		logger:    deps.Logger,
	}
}

// ArchivePath is where the archive of job is written.
func (r *Runner) ArchivePath(job *Job) string {
	return filepath.Join(r.outputDir, job.Name)
}

// Run executes export id. An export that is missing, empty, finished or
// held by another runner is rejected before anything is written. Once
// claimed, every failure marks the export failed, removes the partial
// archive, publishes a final snapshot and is returned wrapped in
// ErrJobFailed.
func (r *Runner) Run(ctx context.Context, id string) error {
	job, err := r.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if len(job.Schemata) == 0 {
		return ErrNoSchemata
	}
	if job.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if err := r.jobs.Claim(ctx, id); err != nil {
		return err
	}

	logger := r.logger.With(
		slog.String("export_id", id),
		slog.String("owner_user", job.OwnerUser),
	)

	groups := job.Groups()
	rec := progress.Record{
		ExportID:  id,
		OwnerUser: job.OwnerUser,
		Total:     len(groups),
		Status:    progress.StatusRunning,
	}
	if err := r.progress.Init(ctx, rec); err != nil {
		return r.fail(ctx, logger, rec, nil, err)
	}

	logger.Info("Export started", slog.Int("total", rec.Total))

	archive, err := CreateArchive(r.ArchivePath(job))
	if err != nil {
		return r.fail(ctx, logger, rec, nil, err)
	}

	workDir, err := os.MkdirTemp("", "occams-export-*")
	if err != nil {
		return r.fail(ctx, logger, rec, archive, &ArchiveError{Op: "mkdir", Path: os.TempDir(), Err: err})
	}
	defer os.RemoveAll(workDir)

	for i, group := range groups {
		if err := r.writeGroup(ctx, logger, job, i, group, archive, workDir); err != nil {
			return r.fail(ctx, logger, rec, archive, err)
		}

		next, err := r.progress.Incr(ctx, id)
		if err != nil {
			return r.fail(ctx, logger, rec, archive, err)
		}
		rec = next
		r.publish(ctx, logger, rec)
	}

	size, err := archive.Close()
	if err != nil {
		return r.fail(ctx, logger, rec, archive, err)
	}

	// Finalization must land even if the job context ends now.
	final := context.WithoutCancel(ctx)
	if err := r.jobs.Complete(final, id, size); err != nil {
		return r.fail(ctx, logger, rec, archive, err)
	}

	done, err := r.progress.SetStatus(final, id, progress.StatusComplete, humanize.Bytes(uint64(size)))
	if err != nil {
		logger.Warn("Failed to record completed progress", slog.Any("error", err))
		done = rec
		done.Status = progress.StatusComplete
		done.FileSize = humanize.Bytes(uint64(size))
	}
	r.publish(final, logger, done)

	logger.Info("Export complete",
		slog.String("path", archive.Path()),
		slog.Int64("file_size", size),
		slog.Int("entries", archive.Entries()),
	)
	return nil
}

// tempNames returns the scratch file names of the report and codebook of
// the index-th group. Schema names only ever name zip entries.
func tempNames(index int) (report, codebook string) {
	return fmt.Sprintf("%03d.csv", index), fmt.Sprintf("%03d-codebook.csv", index)
}

func (r *Runner) writeGroup(ctx context.Context, logger *slog.Logger, job *Job, index int, group Group, archive *Archive, dir string) error {
	report, err := r.builder.BuildReport(ctx, group.Name, group.IDs, reporting.Options{
		ExpandCollections: job.ExpandCollections,
		UseChoiceLabels:   job.UseChoiceLabels,
	})
	if err != nil {
		return fmt.Errorf("build report %s: %w", group.Name, err)
	}

	reportTemp, codebookTemp := tempNames(index)
	reportTemp, codebookTemp = filepath.Join(dir, reportTemp), filepath.Join(dir, codebookTemp)

	rows := 0
	err = writeTemp(reportTemp, func(w io.Writer) (werr error) {
		rows, werr = reporting.WriteReport(ctx, w, report)
		return werr
	})
	if err != nil {
		return fmt.Errorf("write report %s: %w", group.Name, err)
	}
	if err := archive.AddFile(group.Name+".csv", reportTemp); err != nil {
		return err
	}

	fields, err := r.builder.BuildCodebook(ctx, group.Name, group.IDs)
	if err != nil {
		return fmt.Errorf("build codebook %s: %w", group.Name, err)
	}
	fields = report.DescribeColumns(fields)

	err = writeTemp(codebookTemp, func(w io.Writer) error {
		return reporting.WriteCodebook(w, fields)
	})
	if err != nil {
		return fmt.Errorf("write codebook %s: %w", group.Name, err)
	}
	if err := archive.AddFile(group.Name+"-codebook.csv", codebookTemp); err != nil {
		return err
	}

	logger.Debug("Schema exported",
		slog.String("schema", group.Name),
		slog.Any("versions", group.IDs),
		slog.Int("rows", rows),
		slog.Int("fields", len(fields)),
	)
	return nil
}

func writeTemp(path string, fn func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return &ArchiveError{Op: "create", Path: path, Err: err}
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return &ArchiveError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &ArchiveError{Op: "close", Path: path, Err: err}
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, last progress.Record, archive *Archive, cause error) error {
	logger.Error("Export failed", slog.Any("error", cause))

	final := context.WithoutCancel(ctx)

	if archive != nil {
		if err := archive.Discard(); err != nil {
			logger.Error("Failed to remove partial archive", slog.Any("error", err))
		}
	}

	if err := r.jobs.Fail(final, last.ExportID); err != nil {
		logger.Error("Failed to mark export failed", slog.Any("error", err))
	}

	rec, err := r.progress.SetStatus(final, last.ExportID, progress.StatusFailed, "")
	if err != nil {
		logger.Warn("Failed to record failed progress", slog.Any("error", err))
		rec = last
		rec.Status = progress.StatusFailed
	}
	r.publish(final, logger, rec)

	return fmt.Errorf("%w: %w", ErrJobFailed, cause)
}

// publish logs and drops publish errors.
func (r *Runner) publish(ctx context.Context, logger *slog.Logger, rec progress.Record) {
	if err := r.publisher.Publish(ctx, rec); err != nil {
		logger.Warn("Failed to publish progress",
			slog.Int("count", rec.Count),
			slog.String("status", rec.Status),
			slog.Any("error", err),
		)
	}
}
