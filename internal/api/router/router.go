package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/m-martinez/occams/docs"
	"github.com/m-martinez/occams/internal/api/handler"
)

// AuthConfig holds the token settings checked on every protected route
type AuthConfig struct {
	Secret string
	Issuer string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, auth AuthConfig) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "export-api-service",
		})
	})

	r.GET("/swagger/*any", gin.WrapH(httpSwagger.WrapHandler))

	exportHandler := handler.NewExportHandler(deps)
	codebookHandler := handler.NewCodebookHandler(deps)

	authed := r.Group("", AuthMiddleware(auth.Secret, auth.Issuer, deps.Logger))

	// GET /ws/export - Live progress for the caller's exports
	authed.GET("/ws/export", exportHandler.WatchExports)

	// API v1 routes
	v1 := authed.Group("/api/v1")
	{
		exports := v1.Group("/exports")
		{
			// POST /api/v1/exports - Request a new export
			exports.POST("", exportHandler.CreateExport)

			// GET /api/v1/exports - List the caller's exports
			exports.GET("", exportHandler.ListExports)

			// GET /api/v1/exports/:export_id - Get export details
			exports.GET("/:export_id", exportHandler.GetExport)

			// GET /api/v1/exports/:export_id/progress - Poll progress
			exports.GET("/:export_id/progress", exportHandler.GetProgress)

			// GET /api/v1/exports/:export_id/download - Download the archive
			exports.GET("/:export_id/download", exportHandler.DownloadExport)

			// DELETE /api/v1/exports/:export_id - Delete a finished export
			exports.DELETE("/:export_id", exportHandler.DeleteExport)
		}

		// GET /api/v1/codebooks/:schema - Codebook CSV for a schema
		v1.GET("/codebooks/:schema", codebookHandler.GetCodebook)
	}

	return r
}
