package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/m-martinez/occams/internal/api/domain"
	"github.com/m-martinez/occams/internal/api/dto"
	"github.com/m-martinez/occams/internal/api/model"
	"github.com/m-martinez/occams/internal/api/storage"
	"github.com/m-martinez/occams/internal/datastore"
	"github.com/m-martinez/occams/internal/export"
	"github.com/m-martinez/occams/internal/progress"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateExport handles POST /api/v1/exports
//
//	@Summary		Request an export
//	@Description	Persists a pending export of the selected schema versions and queues it
//	@Tags			exports
//	@Accept			json
//	@Produce		json
//	@Param			request	body		dto.CreateExportRequest	true	"Schemata to export"
//	@Success		202		{object}	dto.ExportDTO
//	@Failure		400		{object}	dto.ErrorResponse
//	@Failure		404		{object}	dto.ErrorResponse
//	@Failure		500		{object}	dto.ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/v1/exports [post]
func (h *ExportHandler) CreateExport(c *gin.Context) {
	h.logger.Info("CreateExport called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.CreateExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	var schemaIDs []int64
	for _, sel := range req.Schemata {
		versions, err := h.schemas.ListVersions(ctx, sel.Name, sel.Versions)
		if err != nil {
			if errors.Is(err, datastore.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"error": "schema " + sel.Name + " has no published versions",
				})
				return
			}
			h.logger.Error("Failed to resolve schema", slog.String("schema", sel.Name), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to resolve schema",
			})
			return
		}

		live := make([]int64, 0, len(versions))
		for _, v := range versions {
			live = append(live, v.ID)
		}
		for _, id := range sel.Versions {
			if !slices.Contains(live, id) {
				c.JSON(http.StatusNotFound, gin.H{
					"error": domain.ErrVersionNotLive.Error(),
				})
				return
			}
		}
		for _, id := range live {
			if !slices.Contains(schemaIDs, id) {
				schemaIDs = append(schemaIDs, id)
			}
		}
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	exp := model.Export{
		ID:                id,
		Name:              export.ArchiveName(id),
		OwnerUser:         c.GetString(UserKey),
		Status:            string(export.StatusPending),
		ExpandCollections: req.ExpandCollections,
		UseChoiceLabels:   req.UseChoiceLabels,
		CreateDate:        now,
		ModifyDate:        now,
	}

	if err := h.storage.CreateExport(ctx, &exp, schemaIDs); err != nil {
		h.logger.Error("Failed to create export", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create export",
		})
		return
	}

	body, err := json.Marshal(map[string]string{"job_id": exp.ID})
	if err == nil {
		err = h.publisher.PublishWithRetry(ctx, body, "application/json")
	}
	if err != nil {
		h.logger.Error("Failed to queue export",
			slog.String("export_id", exp.ID),
			slog.String("error", err.Error()),
		)
		if ferr := h.storage.FailExport(ctx, exp.ID); ferr != nil {
			h.logger.Error("Failed to mark export failed", slog.String("export_id", exp.ID), slog.String("error", ferr.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to queue export",
		})
		return
	}

	schemata, err := h.storage.GetSchemata(ctx, exp.ID)
	if err != nil {
		h.logger.Warn("Failed to load export schemata", slog.String("export_id", exp.ID), slog.String("error", err.Error()))
	}

	h.logger.Info("Export queued",
		slog.String("export_id", exp.ID),
		slog.String("owner_user", exp.OwnerUser),
		slog.Int("schemata", len(schemaIDs)),
	)
	c.JSON(http.StatusAccepted, toExportDTO(&exp, schemata))
}

// ListExports handles GET /api/v1/exports
//
//	@Summary		List exports
//	@Description	Lists the caller's exports, newest first
//	@Tags			exports
//	@Produce		json
//	@Param			status		query		string	false	"Filter by status"
//	@Param			page_size	query		int		false	"Page size (max 100)"
//	@Param			cursor		query		string	false	"Cursor from a previous page"
//	@Success		200			{object}	dto.ListExportsResponse
//	@Failure		400			{object}	dto.ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/v1/exports [get]
func (h *ExportHandler) ListExports(c *gin.Context) {
	h.logger.Info("ListExports called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.ListExportsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !export.Status(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "status must be one of pending, running, complete, failed",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeExportCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("cursor", req.Cursor), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	exports, err := h.storage.ListExports(c.Request.Context(), storage.ExportFilter{
		OwnerUser: c.GetString(UserKey),
		Status:    req.Status,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list exports", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list exports",
		})
		return
	}

	resp := dto.ListExportsResponse{Exports: make([]dto.ExportDTO, 0, len(exports))}
	if len(exports) > req.PageSize {
		exports = exports[:req.PageSize]
		last := exports[len(exports)-1]
		resp.NextCursor = EncodeExportCursor(&storage.ExportCursor{
			CreatedAt: last.CreateDate,
			ExportID:  last.ID,
		})
	}
	for i := range exports {
		resp.Exports = append(resp.Exports, toExportDTO(&exports[i], nil))
	}

	c.JSON(http.StatusOK, resp)
}

// GetExport handles GET /api/v1/exports/:export_id
//
//	@Summary		Get an export
//	@Tags			exports
//	@Produce		json
//	@Param			export_id	path		string	true	"Export ID"
//	@Success		200			{object}	dto.ExportDTO
//	@Failure		400			{object}	dto.ErrorResponse
//	@Failure		404			{object}	dto.ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/v1/exports/{export_id} [get]
func (h *ExportHandler) GetExport(c *gin.Context) {
	exp, ok := h.ownedExport(c, "GetExport")
	if !ok {
		return
	}

	schemata, err := h.storage.GetSchemata(c.Request.Context(), exp.ID)
	if err != nil {
		h.logger.Error("Failed to load export schemata", slog.String("export_id", exp.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get export",
		})
		return
	}

	c.JSON(http.StatusOK, toExportDTO(exp, schemata))
}

// GetProgress handles GET /api/v1/exports/:export_id/progress
//
//	@Summary		Poll export progress
//	@Tags			exports
//	@Produce		json
//	@Param			export_id	path		string	true	"Export ID"
//	@Success		200			{object}	progress.Record
//	@Failure		404			{object}	dto.ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/v1/exports/{export_id}/progress [get]
func (h *ExportHandler) GetProgress(c *gin.Context) {
	exp, ok := h.ownedExport(c, "GetProgress")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	rec, err := h.progress.Get(ctx, exp.ID)
	if err == nil {
		c.JSON(http.StatusOK, rec)
		return
	}
	if !errors.Is(err, progress.ErrNotFound) {
		h.logger.Error("Failed to get progress", slog.String("export_id", exp.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get progress",
		})
		return
	}

	// Not picked up by a worker yet, or rejected before it started
	schemata, err := h.storage.GetSchemata(ctx, exp.ID)
	if err != nil {
		h.logger.Error("Failed to load export schemata", slog.String("export_id", exp.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get progress",
		})
		return
	}
	job := export.Job{Schemata: schemata}
	c.JSON(http.StatusOK, progress.Record{
		ExportID:  exp.ID,
		OwnerUser: exp.OwnerUser,
		Total:     len(job.Groups()),
		Status:    exp.Status,
	})
}

// DownloadExport handles GET /api/v1/exports/:export_id/download
//
//	@Summary		Download an export archive
//	@Tags			exports
//	@Produce		application/zip
//	@Param			export_id	path		string	true	"Export ID"
//	@Success		200			{file}		file
//	@Failure		404			{object}	dto.ErrorResponse
//	@Failure		409			{object}	dto.ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/v1/exports/{export_id}/download [get]
func (h *ExportHandler) DownloadExport(c *gin.Context) {
	exp, ok := h.ownedExport(c, "DownloadExport")
	if !ok {
		return
	}

	if exp.Status != string(export.StatusComplete) {
		c.JSON(http.StatusConflict, gin.H{
			"error": domain.ErrExportNotComplete.Error(),
		})
		return
	}

	path := filepath.Join(h.outputDir, exp.Name)
	if _, err := os.Stat(path); err != nil {
		h.logger.Error("Archive missing", slog.String("export_id", exp.ID), slog.String("path", path), slog.String("error", err.Error()))
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Archive not found",
		})
		return
	}

	c.FileAttachment(path, exp.Name)
}

// DeleteExport handles DELETE /api/v1/exports/:export_id
//
//	@Summary		Delete an export
//	@Description	Removes a complete or failed export and its archive
//	@Tags			exports
//	@Param			export_id	path	string	true	"Export ID"
//	@Success		204
//	@Failure		404	{object}	dto.ErrorResponse
//	@Failure		409	{object}	dto.ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/v1/exports/{export_id} [delete]
func (h *ExportHandler) DeleteExport(c *gin.Context) {
	exp, ok := h.ownedExport(c, "DeleteExport")
	if !ok {
		return
	}

	err := h.storage.DeleteExport(c.Request.Context(), exp.ID)
	if errors.Is(err, domain.ErrExportNotTerminal) {
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to delete export", slog.String("export_id", exp.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete export",
		})
		return
	}

	path := filepath.Join(h.outputDir, exp.Name)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.logger.Warn("Failed to remove archive", slog.String("path", path), slog.String("error", err.Error()))
	}

	h.logger.Info("Export deleted", slog.String("export_id", exp.ID))
	c.Status(http.StatusNoContent)
}

// WatchExports handles GET /ws/export
//
//	@Summary		Stream progress events
//	@Description	Upgrades to a WebSocket carrying the caller's progress records
//	@Tags			exports
//	@Param			access_token	query	string	false	"Bearer token for clients that cannot set headers"
//	@Success		101
//	@Security		BearerAuth
//	@Router			/ws/export [get]
func (h *ExportHandler) WatchExports(c *gin.Context) {
	user := c.GetString(UserKey)
	if err := h.ws.Serve(c.Writer, c.Request, user); err != nil {
		h.logger.Warn("Progress socket closed", slog.String("user", user), slog.String("error", err.Error()))
	}
}

// ownedExport loads the export named in the path. Exports owned by someone
// else are reported as missing.
func (h *ExportHandler) ownedExport(c *gin.Context, op string) (*model.Export, bool) {
	exportID := c.Param("export_id")

	h.logger.Info(op+" called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("export_id", exportID),
	)

	if _, err := uuid.Parse(exportID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "export_id must be a valid UUID",
		})
		return nil, false
	}

	exp, err := h.storage.GetExport(c.Request.Context(), exportID)
	if err != nil && !errors.Is(err, domain.ErrExportNotFound) {
		h.logger.Error("Failed to get export", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get export",
		})
		return nil, false
	}
	if err != nil || exp.OwnerUser != c.GetString(UserKey) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": domain.ErrExportNotFound.Error(),
		})
		return nil, false
	}

	return exp, true
}

func toExportDTO(exp *model.Export, schemata []export.SchemaRef) dto.ExportDTO {
	out := dto.ExportDTO{
		ExportID:          exp.ID,
		Name:              exp.Name,
		OwnerUser:         exp.OwnerUser,
		Status:            exp.Status,
		ExpandCollections: exp.ExpandCollections,
		UseChoiceLabels:   exp.UseChoiceLabels,
		FileSize:          exp.FileSize,
		CreatedAt:         exp.CreateDate.UTC().Format(time.RFC3339),
		UpdatedAt:         exp.ModifyDate.UTC().Format(time.RFC3339),
	}
	for _, s := range schemata {
		sd := dto.SchemaDTO{ID: s.ID, Name: s.Name, Title: s.Title}
		if s.PublishDate != nil {
			sd.PublishDate = s.PublishDate.Format(time.DateOnly)
		}
		out.Schemata = append(out.Schemata, sd)
	}
	return out
}
