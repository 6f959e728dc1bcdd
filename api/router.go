package api

import (
	"net/http"

	"github.com/anthony-walsh/docvault/api/handlers"
	"github.com/anthony-walsh/docvault/db/colddb"
	"github.com/anthony-walsh/docvault/db/hotdb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/memory"
	"github.com/anthony-walsh/docvault/services/ingest"
	"github.com/anthony-walsh/docvault/services/migration"
	"github.com/anthony-walsh/docvault/validation"
	"github.com/gin-gonic/gin"
)

func setupRoutes(router *gin.Engine, logger logger.Logger, engine *hotdb.Engine, archive *colddb.Archive, orchestrator *migration.Orchestrator, ingestService *ingest.Service, mem *memory.Controller, validator *validation.Validator) {
	router.GET("/health", health())

	handlers.SetupDocuments(router, logger, engine, validator)
	handlers.SetupSearch(router, logger, engine, validator)
	handlers.SetupArchive(router, logger, archive, validator)
	handlers.SetupSystem(router, logger, engine, archive, orchestrator, mem, validator)
	handlers.SetupIngest(router, logger, ingestService, validator)
}

func health() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	}
}

func newRouter() *gin.Engine {
	router := gin.Default()
	router.UseRawPath = true
	router.Use(_CORSMiddleware())
	router.Use(gin.Recovery())

	return router
}
