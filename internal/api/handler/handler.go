package handler

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/m-martinez/occams/internal/api/storage"
	"github.com/m-martinez/occams/internal/datastore"
	"github.com/m-martinez/occams/internal/progress"
	"github.com/m-martinez/occams/internal/reporting"
)

// UserKey is the gin context key holding the authenticated user.
const UserKey = "user"

// JobPublisher puts export jobs on the queue.
type JobPublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// SchemaCatalog resolves the live versions of a schema.
type SchemaCatalog interface {
	ListVersions(ctx context.Context, name string, ids []int64) ([]datastore.SchemaDefinition, error)
}

// CodebookBuilder describes the fields of a schema.
type CodebookBuilder interface {
	BuildCodebook(ctx context.Context, name string, ids []int64) ([]reporting.Field, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	DB           *sqlx.DB
	JobPublisher JobPublisher
	Schemas      SchemaCatalog
	Codebooks    CodebookBuilder
	Progress     progress.Store
	WS           *progress.WSHandler
	OutputDir    string
}

// ExportHandler handles export-related HTTP requests
type ExportHandler struct {
	logger    *slog.Logger
	storage   *storage.Storage
	publisher JobPublisher
	schemas   SchemaCatalog
	progress  progress.Store
	ws        *progress.WSHandler
	outputDir string
}

// NewExportHandler creates a new ExportHandler instance
func NewExportHandler(deps *Dependencies) *ExportHandler {
	return &ExportHandler{
		logger:    deps.Logger,
		storage:   storage.NewStorage(deps.DB),
		publisher: deps.JobPublisher,
		schemas:   deps.Schemas,
		progress:  deps.Progress,
		ws:        deps.WS,
		outputDir: deps.OutputDir,
	}
}

// CodebookHandler serves codebooks outside of an export
type CodebookHandler struct {
	logger    *slog.Logger
	codebooks CodebookBuilder
}

// NewCodebookHandler creates a new CodebookHandler instance
func NewCodebookHandler(deps *Dependencies) *CodebookHandler {
	return &CodebookHandler{
		logger:    deps.Logger,
		codebooks: deps.Codebooks,
	}
}
