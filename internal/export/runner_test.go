package export_test

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-martinez/occams/internal/datastore"
	"github.com/m-martinez/occams/internal/datastore/datastoretest"
	"github.com/m-martinez/occams/internal/export"
	"github.com/m-martinez/occams/internal/progress"
	"github.com/m-martinez/occams/internal/reporting"
)

type harness struct {
	db        *sqlx.DB
	runner    *export.Runner
	jobs      *export.JobStore
	progress  progress.Store
	events    progress.Subscription
	outputDir string
}

func newHarness(t *testing.T, builder export.ReportBuilder) *harness {
	t.Helper()

	db := datastoretest.Open(t)
	datastoretest.SeedClinic(t, db)
	logger := datastoretest.Discard()

	if builder == nil {
		builder = reporting.NewBuilder(datastore.NewStore(db, logger), 2, logger)
	}

	broker := progress.NewMemoryBroker(0)
	events, err := broker.Subscribe(context.Background(), progress.Topic)
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	h := &harness{
		db:        db,
		jobs:      export.NewJobStore(db, logger),
		progress:  progress.NewSQLStore(db),
		events:    events,
		outputDir: filepath.Join(t.TempDir(), "exports"),
	}
	h.runner = export.NewRunner(export.RunnerDeps{
		Jobs:      h.jobs,
		Builder:   builder,
		Progress:  h.progress,
		Publisher: progress.NewPublisher(broker, ""),
		OutputDir: h.outputDir,
		Logger:    logger,
	})
	return h
}

func (h *harness) insert(t *testing.T, id string, status export.Status, schemaIDs ...int64) {
	t.Helper()
	now := time.Now().UTC()
	datastoretest.Exec(t, h.db, `INSERT INTO export (id, name, owner_user, status, expand_collections, use_choice_labels, create_date, modify_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, export.ArchiveName(id), "jane", string(status), false, true, now, now)
	for _, sid := range schemaIDs {
		datastoretest.Exec(t, h.db, `INSERT INTO export_schema (export_id, schema_id) VALUES (?, ?)`, id, sid)
	}
}

// drain returns every event published so far.
func (h *harness) drain() []progress.Record {
	var recs []progress.Record
	for {
		select {
		case payload := <-h.events.Messages():
			rec, err := progress.Decode(payload)
			if err == nil {
				recs = append(recs, rec)
			}
		default:
			return recs
		}
	}
}

func zipEntries(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestRunner_Run(t *testing.T) {
	h := newHarness(t, nil)
	h.insert(t, "exp-1", export.StatusPending, datastoretest.Demographics, datastoretest.LabsV2, datastoretest.LabsV3)

	require.NoError(t, h.runner.Run(context.Background(), "exp-1"))

	events := h.drain()
	require.Len(t, events, 3)
	assert.Equal(t, 1, events[0].Count)
	assert.Equal(t, progress.StatusRunning, events[0].Status)
	assert.Equal(t, 2, events[1].Count)
	assert.Equal(t, progress.StatusRunning, events[1].Status)
	assert.Equal(t, 2, events[2].Count)
	assert.Equal(t, progress.StatusComplete, events[2].Status)
	assert.NotEmpty(t, events[2].FileSize)
	for _, e := range events {
		assert.Equal(t, "exp-1", e.ExportID)
		assert.Equal(t, "jane", e.OwnerUser)
		assert.Equal(t, 2, e.Total)
		assert.LessOrEqual(t, e.Count, e.Total)
	}

	path := filepath.Join(h.outputDir, "exp-1.zip")
	assert.Equal(t, []string{
		"demographics-codebook.csv",
		"demographics.csv",
		"labs-codebook.csv",
		"labs.csv",
	}, zipEntries(t, path))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	job, err := h.jobs.Get(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, export.StatusComplete, job.Status)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NotNil(t, job.FileSize)
	assert.Equal(t, info.Size(), *job.FileSize)

	rec, err := h.progress.Get(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, events[2], rec)
}

// zipContents returns every entry of the archive at path keyed by name.
func zipContents(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	contents := map[string]string{}
	for _, f := range zr.File {
		assert.Equal(t, zip.Deflate, f.Method)
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		contents[f.Name] = string(b)
	}
	return contents
}

func TestRunner_ArchiveContents(t *testing.T) {
	h := newHarness(t, nil)
	h.insert(t, "exp-2", export.StatusPending, datastoretest.LabsV2)

	require.NoError(t, h.runner.Run(context.Background(), "exp-2"))

	contents := zipContents(t, filepath.Join(h.outputDir, "exp-2.zip"))
	assert.Contains(t, contents["labs.csv"], "oid,site,pid,enrollment,cycles,form_name")
	assert.Contains(t, contents["labs.csv"], ",Yes,", "choice labels are used")
	assert.Contains(t, contents["labs-codebook.csv"], "form_name,form_title,form_publish_date,field_name")
}

func TestRunner_CodebookMatchesHeader(t *testing.T) {
	tests := []struct {
		name   string
		expand bool
	}{
		{"collections joined", false},
		{"collections expanded", true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			id := fmt.Sprintf("exp-cb-%d", i)
			h.insert(t, id, export.StatusPending, datastoretest.LabsV3)
			datastoretest.Exec(t, h.db, `UPDATE export SET expand_collections = ? WHERE id = ?`, tt.expand, id)

			require.NoError(t, h.runner.Run(context.Background(), id))
			contents := zipContents(t, filepath.Join(h.outputDir, id+".zip"))

			report, err := csv.NewReader(strings.NewReader(contents["labs.csv"])).ReadAll()
			require.NoError(t, err)
			codebook, err := csv.NewReader(strings.NewReader(contents["labs-codebook.csv"])).ReadAll()
			require.NoError(t, err)

			described := map[string]bool{}
			for _, rec := range codebook[1:] {
				described[rec[3]] = true
			}
			for _, column := range report[0] {
				assert.True(t, described[column], "codebook describes %s", column)
			}
			assert.Equal(t, tt.expand, described["medications_1"])
			assert.Equal(t, !tt.expand, described["medications"])
		})
	}
}

func TestRunner_SchemaNameWithSeparator(t *testing.T) {
	h := newHarness(t, nil)
	datastoretest.Exec(t, h.db, `INSERT INTO form_schema (id, name, title, publish_date) VALUES (?, ?, ?, ?)`,
		99, "lab/panel", "Lab Panel", datastoretest.Day(2021, 6, 1))
	h.insert(t, "exp-slash", export.StatusPending, 99)

	require.NoError(t, h.runner.Run(context.Background(), "exp-slash"))

	assert.Equal(t, []string{"lab/panel-codebook.csv", "lab/panel.csv"},
		zipEntries(t, filepath.Join(h.outputDir, "exp-slash.zip")))
	contents := zipContents(t, filepath.Join(h.outputDir, "exp-slash.zip"))
	assert.Contains(t, contents["lab/panel.csv"], "oid,site,pid")
}

func TestRunner_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, h *harness)
		id      string
		wantErr error
	}{
		{
			name:    "unknown export",
			id:      "missing",
			wantErr: export.ErrNotFound,
		},
		{
			name:    "no schemata",
			setup:   func(t *testing.T, h *harness) { h.insert(t, "empty", export.StatusPending) },
			id:      "empty",
			wantErr: export.ErrNoSchemata,
		},
		{
			name:    "already complete",
			setup:   func(t *testing.T, h *harness) { h.insert(t, "done", export.StatusComplete, datastoretest.LabsV3) },
			id:      "done",
			wantErr: export.ErrAlreadyTerminal,
		},
		{
			name:    "already failed",
			setup:   func(t *testing.T, h *harness) { h.insert(t, "broken", export.StatusFailed, datastoretest.LabsV3) },
			id:      "broken",
			wantErr: export.ErrAlreadyTerminal,
		},
		{
			name:    "held by another runner",
			setup:   func(t *testing.T, h *harness) { h.insert(t, "busy", export.StatusRunning, datastoretest.LabsV3) },
			id:      "busy",
			wantErr: export.ErrAlreadyClaimed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			if tt.setup != nil {
				tt.setup(t, h)
			}

			err := h.runner.Run(context.Background(), tt.id)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, export.Rejected(err))
			assert.False(t, errors.Is(err, export.ErrJobFailed))

			assert.Empty(t, h.drain(), "no events")
			_, err = h.progress.Get(context.Background(), tt.id)
			assert.ErrorIs(t, err, progress.ErrNotFound, "no progress record")
			_, err = os.Stat(filepath.Join(h.outputDir, export.ArchiveName(tt.id)))
			assert.True(t, os.IsNotExist(err), "no archive")
		})
	}
}

func TestRunner_RerunComplete(t *testing.T) {
	h := newHarness(t, nil)
	h.insert(t, "exp-3", export.StatusPending, datastoretest.Demographics)

	require.NoError(t, h.runner.Run(context.Background(), "exp-3"))
	require.Len(t, h.drain(), 2)

	path := filepath.Join(h.outputDir, "exp-3.zip")
	before, err := os.Stat(path)
	require.NoError(t, err)

	err = h.runner.Run(context.Background(), "exp-3")
	assert.ErrorIs(t, err, export.ErrAlreadyTerminal)
	assert.Empty(t, h.drain())

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

// failingBuilder fails the report of one schema name.
type failingBuilder struct {
	export.ReportBuilder
	name string
}

func (b failingBuilder) BuildReport(ctx context.Context, name string, ids []int64, opts reporting.Options) (*reporting.Report, error) {
	if name == b.name {
		return nil, &datastore.StoreError{Op: "list entities", Err: errors.New("connection reset")}
	}
	return b.ReportBuilder.BuildReport(ctx, name, ids, opts)
}

func TestRunner_FailureMidway(t *testing.T) {
	db := datastoretest.Open(t)
	datastoretest.SeedClinic(t, db)
	base := reporting.NewBuilder(datastore.NewStore(db, datastoretest.Discard()), 0, datastoretest.Discard())

	h := newHarness(t, failingBuilder{ReportBuilder: base, name: "labs"})
	h.insert(t, "exp-4", export.StatusPending, datastoretest.Demographics, datastoretest.LabsV3)

	err := h.runner.Run(context.Background(), "exp-4")
	require.ErrorIs(t, err, export.ErrJobFailed)
	assert.True(t, datastore.IsStoreError(err))
	assert.False(t, export.Rejected(err))

	events := h.drain()
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Count)
	assert.Equal(t, progress.StatusRunning, events[0].Status)
	assert.Equal(t, 1, events[1].Count)
	assert.Equal(t, progress.StatusFailed, events[1].Status)
	assert.Empty(t, events[1].FileSize)

	job, err := h.jobs.Get(context.Background(), "exp-4")
	require.NoError(t, err)
	assert.Equal(t, export.StatusFailed, job.Status)
	assert.Nil(t, job.FileSize)

	entries, err := os.ReadDir(h.outputDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial archive removed")
}

func TestRunner_UnwritableOutput(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.outputDir), 0o755))
	require.NoError(t, os.WriteFile(h.outputDir, []byte("not a dir"), 0o644))
	h.insert(t, "exp-5", export.StatusPending, datastoretest.Demographics)

	err := h.runner.Run(context.Background(), "exp-5")
	require.ErrorIs(t, err, export.ErrJobFailed)
	var archiveErr *export.ArchiveError
	assert.ErrorAs(t, err, &archiveErr)

	events := h.drain()
	require.Len(t, events, 1)
	assert.Equal(t, progress.StatusFailed, events[0].Status)
	assert.Equal(t, 0, events[0].Count)
}

func TestRunner_CanceledContext(t *testing.T) {
	h := newHarness(t, nil)
	h.insert(t, "exp-6", export.StatusPending, datastoretest.Demographics)

	// the claim succeeds, report paging then observes the cancellation
	ctx, cancel := context.WithCancel(context.Background())
	h.runner = export.NewRunner(export.RunnerDeps{
		Jobs:      h.jobs,
		Builder:   cancelingBuilder{cancel: cancel, ReportBuilder: reporting.NewBuilder(datastore.NewStore(h.db, datastoretest.Discard()), 0, datastoretest.Discard())},
		Progress:  h.progress,
		Publisher: progress.NewPublisher(progress.NewMemoryBroker(0), ""),
		OutputDir: h.outputDir,
		Logger:    datastoretest.Discard(),
	})

	err := h.runner.Run(ctx, "exp-6")
	require.ErrorIs(t, err, export.ErrJobFailed)
	assert.ErrorIs(t, err, context.Canceled)

	job, err := h.jobs.Get(context.Background(), "exp-6")
	require.NoError(t, err)
	assert.Equal(t, export.StatusFailed, job.Status, "finalization ignores the canceled context")

	rec, err := h.progress.Get(context.Background(), "exp-6")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, rec.Status)
}

type cancelingBuilder struct {
	export.ReportBuilder
	cancel context.CancelFunc
}

func (b cancelingBuilder) BuildReport(ctx context.Context, name string, ids []int64, opts reporting.Options) (*reporting.Report, error) {
	report, err := b.ReportBuilder.BuildReport(ctx, name, ids, opts)
	b.cancel()
	return report, err
}
