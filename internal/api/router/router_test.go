package router_test

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-martinez/occams/internal/api/dto"
	"github.com/m-martinez/occams/internal/api/handler"
	"github.com/m-martinez/occams/internal/api/router"
	"github.com/m-martinez/occams/internal/datastore"
	"github.com/m-martinez/occams/internal/datastore/datastoretest"
	"github.com/m-martinez/occams/internal/export"
	"github.com/m-martinez/occams/internal/progress"
	"github.com/m-martinez/occams/internal/reporting"
)

const (
	secret = "test-secret"
	issuer = "occams-test"
)

type fakePublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

type apiHarness struct {
	db        *sqlx.DB
	engine    *gin.Engine
	publisher *fakePublisher
	progress  *progress.MemoryStore
	outputDir string
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := datastoretest.Open(t)
	datastoretest.SeedClinic(t, db)

	logger := datastoretest.Discard()
	store := datastore.NewStore(db, logger)
	h := &apiHarness{
		db:        db,
		publisher: &fakePublisher{},
		progress:  progress.NewMemoryStore(),
		outputDir: t.TempDir(),
	}
	h.engine = router.SetupRouter(&handler.Dependencies{
		Logger:       logger,
		DB:           db,
		JobPublisher: h.publisher,
		Schemas:      store,
		Codebooks:    reporting.NewBuilder(store, 10, logger),
		Progress:     h.progress,
		WS:           progress.NewWSHandler(progress.NewMemoryBroker(progress.DefaultBuffer), progress.Topic, logger),
		OutputDir:    h.outputDir,
	}, router.AuthConfig{Secret: secret, Issuer: issuer})
	return h
}

func token(t *testing.T, user, iss, key string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user,
		Issuer:    iss,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func (h *apiHarness) do(t *testing.T, method, target, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user, issuer, secret))
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) insert(t *testing.T, id, owner string, status export.Status, created time.Time, schemaIDs ...int64) {
	t.Helper()
	datastoretest.Exec(t, h.db, `INSERT INTO export (id, name, owner_user, status, expand_collections, use_choice_labels, create_date, modify_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, export.ArchiveName(id), owner, status, false, false, created, created)
	for _, sid := range schemaIDs {
		datastoretest.Exec(t, h.db, `INSERT INTO export_schema (export_id, schema_id) VALUES (?, ?)`, id, sid)
	}
}

func (h *apiHarness) status(t *testing.T, id string) string {
	t.Helper()
	var status string
	require.NoError(t, h.db.Get(&status, h.db.Rebind(`SELECT status FROM export WHERE id = ?`), id))
	return status
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

const (
	exportA = "0b6e7d9a-4a63-4f1f-9a9e-2f0b7f7d1c11"
	exportB = "1c7f8eab-5b74-4a2a-8baf-3a1c8a8e2d22"
	exportC = "2d8a9fbc-6c85-4b3b-9cba-4b2d9b9f3e33"
)

func TestHealth(t *testing.T) {
	h := newAPI(t)
	w := h.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestAuthMiddleware(t *testing.T) {
	h := newAPI(t)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad signature", header: "Bearer " + token(t, "jane", issuer, "other"), want: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Bearer " + token(t, "jane", "elsewhere", secret), want: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + token(t, "", issuer, secret), want: http.StatusUnauthorized},
		{name: "header", header: "Bearer " + token(t, "jane", issuer, secret), want: http.StatusOK},
		{name: "query parameter", query: "?access_token=" + token(t, "jane", issuer, secret), want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/exports"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.engine.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestCreateExport(t *testing.T) {
	h := newAPI(t)

	w := h.do(t, http.MethodPost, "/api/v1/exports", "jane",
		`{"schemata":[{"name":"demographics"},{"name":"labs","versions":[2,3]}],"use_choice_labels":true}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	got := decode[dto.ExportDTO](t, w)
	assert.Equal(t, "jane", got.OwnerUser)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, got.ExportID+".zip", got.Name)
	assert.True(t, got.UseChoiceLabels)
	assert.False(t, got.ExpandCollections)

	var ids []int64
	for _, s := range got.Schemata {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []int64{datastoretest.Demographics, datastoretest.LabsV2, datastoretest.LabsV3}, ids)

	require.Len(t, h.publisher.bodies, 1)
	assert.JSONEq(t, `{"job_id":"`+got.ExportID+`"}`, string(h.publisher.bodies[0]))
	assert.Equal(t, "pending", h.status(t, got.ExportID))
}

func TestCreateExport_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"schemata":`, http.StatusBadRequest},
		{"empty schemata", `{"schemata":[]}`, http.StatusBadRequest},
		{"missing name", `{"schemata":[{"versions":[2]}]}`, http.StatusBadRequest},
		{"unknown schema", `{"schemata":[{"name":"vitals"}]}`, http.StatusNotFound},
		{"draft only", `{"schemata":[{"name":"labs","versions":[4]}]}`, http.StatusNotFound},
		{"draft among live", `{"schemata":[{"name":"labs","versions":[2,4]}]}`, http.StatusNotFound},
		{"retracted", `{"schemata":[{"name":"retired"}]}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAPI(t)
			w := h.do(t, http.MethodPost, "/api/v1/exports", "jane", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Empty(t, h.publisher.bodies)

			var n int
			require.NoError(t, h.db.Get(&n, `SELECT COUNT(*) FROM export`))
			assert.Zero(t, n)
		})
	}
}

func TestCreateExport_QueueDown(t *testing.T) {
	h := newAPI(t)
	h.publisher.err = errors.New("channel closed")

	w := h.do(t, http.MethodPost, "/api/v1/exports", "jane", `{"schemata":[{"name":"labs"}]}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var status string
	require.NoError(t, h.db.Get(&status, `SELECT status FROM export`))
	assert.Equal(t, "failed", status, "an export that never reached the queue is not left pending")
}

func TestListExports(t *testing.T) {
	h := newAPI(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.insert(t, exportA, "jane", export.StatusComplete, base)
	h.insert(t, exportB, "jane", export.StatusFailed, base.Add(time.Hour))
	h.insert(t, exportC, "jane", export.StatusComplete, base.Add(2*time.Hour))
	h.insert(t, "3e9bab0d-7d96-4c4c-8dcb-5c3eacab4f44", "bob", export.StatusComplete, base)

	w := h.do(t, http.MethodGet, "/api/v1/exports?page_size=2", "jane", "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[dto.ListExportsResponse](t, w)
	require.Len(t, page.Exports, 2)
	assert.Equal(t, exportC, page.Exports[0].ExportID)
	assert.Equal(t, exportB, page.Exports[1].ExportID)
	require.NotEmpty(t, page.NextCursor)

	w = h.do(t, http.MethodGet, "/api/v1/exports?page_size=2&cursor="+page.NextCursor, "jane", "")
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[dto.ListExportsResponse](t, w)
	require.Len(t, page.Exports, 1)
	assert.Equal(t, exportA, page.Exports[0].ExportID)
	assert.Empty(t, page.NextCursor)

	w = h.do(t, http.MethodGet, "/api/v1/exports?status=complete", "jane", "")
	page = decode[dto.ListExportsResponse](t, w)
	assert.Len(t, page.Exports, 2)

	w = h.do(t, http.MethodGet, "/api/v1/exports", "carol", "")
	page = decode[dto.ListExportsResponse](t, w)
	assert.Empty(t, page.Exports)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/exports?status=archived", "jane", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/exports?cursor=!!!", "jane", "").Code)
}

func TestGetExport(t *testing.T) {
	h := newAPI(t)
	h.insert(t, exportA, "jane", export.StatusPending, time.Now().UTC(), datastoretest.LabsV2, datastoretest.LabsV3)

	w := h.do(t, http.MethodGet, "/api/v1/exports/"+exportA, "jane", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[dto.ExportDTO](t, w)
	require.Len(t, got.Schemata, 2)
	assert.Equal(t, "labs", got.Schemata[0].Name)
	assert.Equal(t, "2021-01-01", got.Schemata[0].PublishDate)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/exports/"+exportA, "bob", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/exports/"+exportB, "jane", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/exports/not-a-uuid", "jane", "").Code)
}

func TestGetProgress(t *testing.T) {
	h := newAPI(t)
	h.insert(t, exportA, "jane", export.StatusPending, time.Now().UTC(),
		datastoretest.Demographics, datastoretest.LabsV2, datastoretest.LabsV3)

	w := h.do(t, http.MethodGet, "/api/v1/exports/"+exportA+"/progress", "jane", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, progress.Record{ExportID: exportA, OwnerUser: "jane", Total: 2, Status: "pending"},
		decode[progress.Record](t, w))

	require.NoError(t, h.progress.Init(context.Background(), progress.Record{
		ExportID: exportA, OwnerUser: "jane", Total: 2, Status: progress.StatusRunning,
	}))
	_, err := h.progress.Incr(context.Background(), exportA)
	require.NoError(t, err)

	w = h.do(t, http.MethodGet, "/api/v1/exports/"+exportA+"/progress", "jane", "")
	got := decode[progress.Record](t, w)
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, progress.StatusRunning, got.Status)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/exports/"+exportA+"/progress", "bob", "").Code)
}

func TestDownloadExport(t *testing.T) {
	h := newAPI(t)
	now := time.Now().UTC()
	h.insert(t, exportA, "jane", export.StatusRunning, now)
	h.insert(t, exportB, "jane", export.StatusComplete, now)
	h.insert(t, exportC, "jane", export.StatusComplete, now)
	require.NoError(t, os.WriteFile(filepath.Join(h.outputDir, export.ArchiveName(exportB)), []byte("PK zip"), 0o644))

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodGet, "/api/v1/exports/"+exportA+"/download", "jane", "").Code)

	w := h.do(t, http.MethodGet, "/api/v1/exports/"+exportB+"/download", "jane", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PK zip", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), export.ArchiveName(exportB))

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/exports/"+exportC+"/download", "jane", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/exports/"+exportB+"/download", "bob", "").Code)
}

func TestDeleteExport(t *testing.T) {
	h := newAPI(t)
	now := time.Now().UTC()
	h.insert(t, exportA, "jane", export.StatusRunning, now, datastoretest.LabsV3)
	h.insert(t, exportB, "jane", export.StatusComplete, now, datastoretest.LabsV3)
	archive := filepath.Join(h.outputDir, export.ArchiveName(exportB))
	require.NoError(t, os.WriteFile(archive, []byte("PK"), 0o644))
	require.NoError(t, h.progress.Init(context.Background(), progress.Record{ExportID: exportB, OwnerUser: "jane", Total: 1}))

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodDelete, "/api/v1/exports/"+exportA, "jane", "").Code)
	assert.Equal(t, "running", h.status(t, exportA))

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/v1/exports/"+exportB, "bob", "").Code)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v1/exports/"+exportB, "jane", "").Code)
	_, err := os.Stat(archive)
	assert.True(t, os.IsNotExist(err))

	var n int
	require.NoError(t, h.db.Get(&n, h.db.Rebind(`SELECT COUNT(*) FROM export_schema WHERE export_id = ?`), exportB))
	assert.Zero(t, n)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/exports/"+exportB, "jane", "").Code)
}

func TestGetCodebook(t *testing.T) {
	h := newAPI(t)

	w := h.do(t, http.MethodGet, "/api/v1/codebooks/labs?versions=2", "jane", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "labs-codebook.csv")

	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, reporting.CodebookHeader, records[0])

	var fasting []string
	for _, r := range records {
		if r[3] == "fasting" {
			fasting = r
		}
	}
	require.NotNil(t, fasting)
	assert.Equal(t, "1 - No\n2 - Yes", fasting[9])

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/codebooks/labs?versions=two", "jane", "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/codebooks/labs", "", "").Code)
}

func TestWatchExports_RequiresUpgrade(t *testing.T) {
	h := newAPI(t)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/ws/export", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/ws/export", "jane", "").Code)
}
