package handlers

import (
	"errors"
	"net/http"

	"github.com/anthony-walsh/docvault/db/hotdb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/services/ingest"
	"github.com/anthony-walsh/docvault/validation"
	"github.com/gin-gonic/gin"
)

type IngestDocument struct {
	Filename string         `json:"filename" validate:"required,min=1,max=500"`
	Content  string         `json:"content" validate:"required"`
	Metadata map[string]any `json:"metadata"`
}

type IngestRequest struct {
	Documents []IngestDocument `json:"documents" validate:"required,min=1,dive"`
}

type IngestResponse struct {
	JobID string `json:"job_id"`
}

func SetupIngest(router *gin.Engine, logger logger.Logger, service *ingest.Service, validator *validation.Validator) {
	router.POST("/ingest", handleIngest(service, logger, validator))
	router.GET("/ingest/:id/status", handleIngestStatus(service, logger))
	router.POST("/ingest/pause", handleIngestPause(service))
	router.POST("/ingest/resume", handleIngestResume(service))
}

func handleIngest(service *ingest.Service, logger logger.Logger, validator *validation.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		request := IngestRequest{}
		if err := c.ShouldBindJSON(&request); err != nil {
			logger.Warn("could not extract expected params from ingest request", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusUnprocessableEntity, []string{"failed to extract request body parameters"})
			return
		}

		if err := validator.Validate(request); err != nil {
			c.Abort()
			writeResponse(c, nil, http.StatusNotAcceptable, []string{err.Error()})
			return
		}

		items := make([]ingest.Item, 0, len(request.Documents))
		for _, document := range request.Documents {
			items = append(items, ingest.Item{
				Document: hotdb.Document{
					Filename: document.Filename,
					Size:     int64(len(document.Content)),
					Metadata: document.Metadata,
				},
				Content: document.Content,
			})
		}

		jobID, err := service.Submit(c.Request.Context(), items)
		if err != nil {
			logger.Error("could not submit ingest job", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
			return
		}

		writeResponse(c, IngestResponse{JobID: jobID}, http.StatusAccepted, nil)
	}
}

func handleIngestStatus(service *ingest.Service, logger logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		progress, err := service.Progress(c.Param("id"))
		if err != nil {
			c.Abort()
			if errors.Is(err, ingest.ErrJobNotFound) {
				writeResponse(c, nil, http.StatusNotFound, []string{err.Error()})
				return
			}
			logger.Error("could not read ingest progress", "err", err.Error())
			writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
			return
		}

		writeResponse(c, progress, http.StatusOK, nil)
	}
}

func handleIngestPause(service *ingest.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		service.Pause()
		writeResponse(c, nil, http.StatusNoContent, nil)
	}
}

func handleIngestResume(service *ingest.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		service.Resume()
		writeResponse(c, nil, http.StatusNoContent, nil)
	}
}
