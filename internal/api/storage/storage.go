package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m-martinez/occams/internal/api/domain"
	"github.com/m-martinez/occams/internal/api/model"
	"github.com/m-martinez/occams/internal/export"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{
		db: db,
	}
}

const exportColumns = `
	id, name, owner_user, status, expand_collections, use_choice_labels,
	file_size, create_date, modify_date`

// CreateExport inserts a pending export and the schema versions it covers
// in one transaction.
func (s *Storage) CreateExport(ctx context.Context, exp *model.Export, schemaIDs []int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO export (` + exportColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = tx.ExecContext(
		ctx,
		query,
		exp.ID,
		exp.Name,
		exp.OwnerUser,
		exp.Status,
		exp.ExpandCollections,
		exp.UseChoiceLabels,
		exp.FileSize,
		exp.CreateDate,
		exp.ModifyDate,
	)
	if err != nil {
		return fmt.Errorf("failed to create export: %w", err)
	}

	link := tx.Rebind(`INSERT INTO export_schema (export_id, schema_id) VALUES (?, ?)`)
	for _, id := range schemaIDs {
		if _, err := tx.ExecContext(ctx, link, exp.ID, id); err != nil {
			return fmt.Errorf("failed to link schema %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit export: %w", err)
	}
	return nil
}

func (s *Storage) GetExport(ctx context.Context, exportID string) (*model.Export, error) {
	var exp model.Export
	query := s.db.Rebind(`SELECT ` + exportColumns + ` FROM export WHERE id = ?`)

	err := s.db.GetContext(ctx, &exp, query, exportID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrExportNotFound
		}
		return nil, fmt.Errorf("failed to get export: %w", err)
	}

	return &exp, nil
}

// GetSchemata returns the schema versions an export covers.
func (s *Storage) GetSchemata(ctx context.Context, exportID string) ([]export.SchemaRef, error) {
	return export.LoadSchemata(ctx, s.db, exportID)
}

type ExportFilter struct {
	OwnerUser string
	Status    string
	PageSize  int
	Cursor    *ExportCursor
}

type ExportCursor struct {
	CreatedAt time.Time
	ExportID  string
}

func (s *Storage) ListExports(ctx context.Context, filter ExportFilter) ([]model.Export, error) {
	query := `SELECT ` + exportColumns + ` FROM export WHERE owner_user = ?`
	args := []any{filter.OwnerUser}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.Cursor != nil {
		query += " AND (create_date < ? OR (create_date = ? AND id < ?))"
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ExportID)
	}

	// Newest first, id breaks ties so pages never overlap
	query += " ORDER BY create_date DESC, id DESC"

	// Fetch one extra to determine if there are more results
	query += " LIMIT ?"
	args = append(args, filter.PageSize+1)

	var exports []model.Export
	err := s.db.SelectContext(ctx, &exports, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}

	return exports, nil
}

// DeleteExport removes a finished export with its progress record.
// ErrExportNotTerminal is returned while the export is pending or running.
func (s *Storage) DeleteExport(ctx context.Context, exportID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(`DELETE FROM export WHERE id = ? AND status IN (?)`,
		exportID, []export.Status{export.StatusComplete, export.StatusFailed})
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to delete export: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete export: %w", err)
	}
	if rows == 0 {
		return domain.ErrExportNotTerminal
	}

	// SQLite does not enforce the cascade unless foreign keys are enabled
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM export_schema WHERE export_id = ?`), exportID); err != nil {
		return fmt.Errorf("failed to delete export schemata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM export_progress WHERE export_id = ?`), exportID); err != nil {
		return fmt.Errorf("failed to delete export progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// FailExport marks a pending export failed, used when it never reached the
// queue.
func (s *Storage) FailExport(ctx context.Context, exportID string) error {
	query := s.db.Rebind(`UPDATE export SET status = ?, modify_date = ? WHERE id = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, query, export.StatusFailed, time.Now().UTC(), exportID, export.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to fail export: %w", err)
	}
	return nil
}
