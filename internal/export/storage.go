package export

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m-martinez/occams/internal/datastore"
)

// JobStore is the runner's view of the export tables.
type JobStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewJobStore creates a JobStore.
func NewJobStore(db *sqlx.DB, logger *slog.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

func storeErr(op string, err error) error {
	return &datastore.StoreError{Op: op, Err: err}
}

// Get loads an export with its requested schema versions.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	query := s.db.Rebind(`
		SELECT id, name, owner_user, status, expand_collections, use_choice_labels,
		       file_size, create_date, modify_date
		FROM export
		WHERE id = ?
	`)
	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeErr("get export", err)
	}

	schemata, err := LoadSchemata(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	job.Schemata = schemata
	return &job, nil
}

// LoadSchemata returns the schema versions requested by export id.
func LoadSchemata(ctx context.Context, db *sqlx.DB, id string) ([]SchemaRef, error) {
	var refs []SchemaRef
	query := db.Rebind(`
		SELECT s.id, s.name, s.title, s.publish_date
		FROM export_schema es
		JOIN form_schema s ON s.id = es.schema_id
		WHERE es.export_id = ?
		ORDER BY s.name, s.id
	`)
	if err := db.SelectContext(ctx, &refs, query, id); err != nil {
		return nil, storeErr("list export schemata", err)
	}
	return refs, nil
}

// Claim moves a pending export to running. ErrAlreadyClaimed is returned
// when the export is not pending anymore.
func (s *JobStore) Claim(ctx context.Context, id string) error {
	return s.transition(ctx, "claim export", id, StatusRunning, nil, StatusPending)
}

// Complete marks a running export complete with its archive size, in one
// transaction.
func (s *JobStore) Complete(ctx context.Context, id string, fileSize int64) error {
	return s.transition(ctx, "complete export", id, StatusComplete, &fileSize, StatusRunning)
}

// Fail marks a pending or running export failed.
func (s *JobStore) Fail(ctx context.Context, id string) error {
	return s.transition(ctx, "fail export", id, StatusFailed, nil, StatusPending, StatusRunning)
}

func (s *JobStore) transition(ctx context.Context, op, id string, to Status, fileSize *int64, from ...Status) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(`
		UPDATE export
		SET status = ?, file_size = COALESCE(?, file_size), modify_date = ?
		WHERE id = ? AND status IN (?)
	`, to, fileSize, time.Now().UTC(), id, from)
	if err != nil {
		return storeErr(op, err)
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return storeErr(op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if rows == 0 {
		s.logger.Warn("Export transition rejected",
			slog.String("export_id", id),
			slog.String("to", string(to)),
		)
		return ErrAlreadyClaimed
	}

	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}

	s.logger.Info("Export status updated",
		slog.String("export_id", id),
		slog.String("status", string(to)),
	)
	return nil
}
