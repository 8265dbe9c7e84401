package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Store persists progress records keyed by export id. The runner executing
// an export is the only writer of its record.
type Store interface {
	Init(ctx context.Context, rec Record) error
	Incr(ctx context.Context, exportID string) (Record, error)
	SetStatus(ctx context.Context, exportID, status, fileSize string) (Record, error)
	Get(ctx context.Context, exportID string) (Record, error)
}

// SQLStore keeps records in the export_progress table.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates a SQLStore.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates or resets the record of rec.ExportID.
func (s *SQLStore) Init(ctx context.Context, rec Record) error {
	query := s.db.Rebind(`
		INSERT INTO export_progress (export_id, owner_user, done_count, total_count, status, file_size)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (export_id) DO UPDATE SET
			owner_user = excluded.owner_user,
			done_count = excluded.done_count,
			total_count = excluded.total_count,
			status = excluded.status,
			file_size = excluded.file_size
	`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ExportID, rec.OwnerUser, rec.Count, rec.Total, rec.Status, rec.FileSize)
	if err != nil {
		return fmt.Errorf("init progress %s: %w", rec.ExportID, err)
	}
	return nil
}

// Incr bumps the done count by one and returns the updated record.
func (s *SQLStore) Incr(ctx context.Context, exportID string) (Record, error) {
	query := s.db.Rebind(`UPDATE export_progress SET done_count = done_count + 1 WHERE export_id = ?`)
	if err := s.update(ctx, exportID, query, exportID); err != nil {
		return Record{}, err
	}
	return s.Get(ctx, exportID)
}

// SetStatus replaces the status and file size and returns the updated record.
func (s *SQLStore) SetStatus(ctx context.Context, exportID, status, fileSize string) (Record, error) {
	query := s.db.Rebind(`UPDATE export_progress SET status = ?, file_size = ? WHERE export_id = ?`)
	if err := s.update(ctx, exportID, query, status, fileSize, exportID); err != nil {
		return Record{}, err
	}
	return s.Get(ctx, exportID)
}

func (s *SQLStore) update(ctx context.Context, exportID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", exportID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update progress %s: %w", exportID, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the current record of exportID.
func (s *SQLStore) Get(ctx context.Context, exportID string) (Record, error) {
	var rec Record
	query := s.db.Rebind(`
		SELECT export_id, owner_user, done_count, total_count, status, file_size
		FROM export_progress
		WHERE export_id = ?
	`)
	if err := s.db.GetContext(ctx, &rec, query, exportID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get progress %s: %w", exportID, err)
	}
	return rec, nil
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Init(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ExportID] = rec
	return nil
}

func (m *MemoryStore) Incr(_ context.Context, exportID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[exportID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Count++
	m.records[exportID] = rec
	return rec, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, exportID, status, fileSize string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[exportID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Status = status
	rec.FileSize = fileSize
	m.records[exportID] = rec
	return rec, nil
}

func (m *MemoryStore) Get(_ context.Context, exportID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[exportID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}
