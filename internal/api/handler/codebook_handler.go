package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/m-martinez/occams/internal/reporting"
)

// GetCodebook handles GET /api/v1/codebooks/:schema
//
//	@Summary		Download a codebook
//	@Description	Describes every column of a schema's report as CSV
//	@Tags			codebooks
//	@Produce		text/csv
//	@Param			schema		path	string	true	"Schema name"
//	@Param			versions	query	string	false	"Comma separated version ids, all published versions when empty"
//	@Success		200			{file}	file
//	@Failure		400			{object}	dto.ErrorResponse
//	@Security		BearerAuth
//	@Router			/api/v1/codebooks/{schema} [get]
func (h *CodebookHandler) GetCodebook(c *gin.Context) {
	name := c.Param("schema")

	h.logger.Info("GetCodebook called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("schema", name),
	)

	ids, err := parseVersions(c.Query("versions"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	fields, err := h.codebooks.BuildCodebook(c.Request.Context(), name, ids)
	if err != nil {
		h.logger.Error("Failed to build codebook", slog.String("schema", name), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to build codebook",
		})
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-codebook.csv"`, name))
	c.Status(http.StatusOK)
	if err := reporting.WriteCodebook(c.Writer, fields); err != nil {
		h.logger.Error("Failed to write codebook", slog.String("schema", name), slog.String("error", err.Error()))
	}
}

func parseVersions(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid version %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
