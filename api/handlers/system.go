package handlers

import (
	"errors"
	"net/http"

	"github.com/anthony-walsh/docvault/db/colddb"
	"github.com/anthony-walsh/docvault/db/hotdb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/memory"
	"github.com/anthony-walsh/docvault/services/migration"
	"github.com/anthony-walsh/docvault/validation"
	"github.com/gin-gonic/gin"
)

type StatsResponse struct {
	Hot            hotdb.Stats     `json:"hot"`
	ArchiveBatches int             `json:"archive_batches"`
	MigrationState migration.State `json:"migration_state"`
}

// CandidatesRequest overrides the configured migration policy for one
// preview; an omitted or zero parameter keeps the configured value.
type CandidatesRequest struct {
	MaxCount       int   `form:"max_count" json:"max_count" validate:"min=0,max=1000"`
	AgeDays        int   `form:"age_days" json:"age_days" validate:"min=0"`
	MaxAccessCount int64 `form:"max_access_count" json:"max_access_count" validate:"min=0"`
}

type CandidatesResponse struct {
	Candidates []hotdb.Candidate `json:"candidates"`
}

func SetupSystem(router *gin.Engine, logger logger.Logger, engine *hotdb.Engine, archive *colddb.Archive, orchestrator *migration.Orchestrator, mem *memory.Controller, validator *validation.Validator) {
	router.GET("/stats", handleStats(engine, archive, orchestrator, logger))
	router.GET("/memory/stats", handleMemoryStats(mem))
	router.GET("/migration/candidates", handleMigrationCandidates(orchestrator, logger, validator))
	router.POST("/migration/run", handleMigrationRun(orchestrator, logger))
}

func handleStats(engine *hotdb.Engine, archive *colddb.Archive, orchestrator *migration.Orchestrator, logger logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		hotStats, err := engine.Stats(c.Request.Context())
		if err != nil {
			logger.Error("could not read hot tier stats", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
			return
		}

		batches, err := archive.BatchCount()
		if err != nil {
			logger.Error("could not count archive batches", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
			return
		}

		writeResponse(c, StatsResponse{
			Hot:            hotStats,
			ArchiveBatches: batches,
			MigrationState: orchestrator.State(),
		}, http.StatusOK, nil)
	}
}

func handleMemoryStats(mem *memory.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		writeResponse(c, mem.GetStats(), http.StatusOK, nil)
	}
}

func handleMigrationCandidates(orchestrator *migration.Orchestrator, logger logger.Logger, validator *validation.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		request := CandidatesRequest{}
		if err := c.ShouldBindQuery(&request); err != nil {
			logger.Warn("could not extract expected params from candidates request", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusUnprocessableEntity, []string{"failed to extract request query parameters"})
			return
		}

		if err := validator.Validate(request); err != nil {
			logger.Warn("could not validate candidates request", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusNotAcceptable, []string{err.Error()})
			return
		}

		candidates, err := orchestrator.CandidatesWithPolicy(c.Request.Context(),
			request.MaxCount, request.AgeDays, request.MaxAccessCount)
		if err != nil {
			logger.Error("could not select migration candidates", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
			return
		}

		writeResponse(c, CandidatesResponse{Candidates: candidates}, http.StatusOK, nil)
	}
}

func handleMigrationRun(orchestrator *migration.Orchestrator, logger logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := orchestrator.RunOnce(c.Request.Context())
		if err != nil {
			c.Abort()
			switch {
			case errors.Is(err, migration.ErrMigrationInProgress):
				writeResponse(c, nil, http.StatusConflict, []string{err.Error()})
			case errors.Is(err, colddb.ErrNotAuthenticated):
				writeResponse(c, nil, http.StatusUnauthorized, []string{err.Error()})
			default:
				logger.Error("migration pass failed", "err", err.Error())
				writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
			}
			return
		}

		writeResponse(c, report, http.StatusOK, nil)
	}
}
