package handlers

import (
	"net/http"

	"github.com/anthony-walsh/docvault/db/hotdb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/validation"
	"github.com/gin-gonic/gin"
)

type StoreDocumentRequest struct {
	Filename string         `json:"filename" validate:"required,min=1,max=500"`
	Content  string         `json:"content" validate:"required"`
	Metadata map[string]any `json:"metadata"`
}

type StoreDocumentResponse struct {
	ID string `json:"id"`
}

type DocumentIDRequest struct {
	ID string `uri:"id" json:"id" validate:"required,valid_doc_id"`
}

func SetupDocuments(router *gin.Engine, logger logger.Logger, engine *hotdb.Engine, validator *validation.Validator) {
	router.POST("/documents", handleStoreDocument(engine, logger, validator))
	router.GET("/documents/:id", handleGetDocument(engine, logger, validator))
	router.DELETE("/documents/:id", handleDeleteDocument(engine, logger, validator))
}

func handleStoreDocument(engine *hotdb.Engine, logger logger.Logger, validator *validation.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		request := StoreDocumentRequest{}
		if err := c.ShouldBindJSON(&request); err != nil {
			logger.Warn("could not extract expected params from store document request", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusUnprocessableEntity, []string{"failed to extract request body parameters"})
			return
		}

		if err := validator.Validate(request); err != nil {
			logger.Warn("could not validate store document request", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusNotAcceptable, []string{err.Error()})
			return
		}

		id, err := engine.Store(c.Request.Context(), hotdb.Document{
			Filename: request.Filename,
			Size:     int64(len(request.Content)),
			Metadata: request.Metadata,
		}, hotdb.SearchContent{
			Content:  request.Content,
			Metadata: request.Metadata,
		})
		if err != nil {
			logger.Error("could not store document", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
			return
		}

		writeResponse(c, StoreDocumentResponse{ID: id}, http.StatusCreated, nil)
	}
}

func handleGetDocument(engine *hotdb.Engine, logger logger.Logger, validator *validation.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		request := DocumentIDRequest{ID: c.Param("id")}
		if err := validator.Validate(request); err != nil {
			c.Abort()
			writeResponse(c, nil, http.StatusNotAcceptable, []string{err.Error()})
			return
		}

		stored, err := engine.Get(c.Request.Context(), request.ID)
		if err != nil {
			logger.Error("could not get document", "id", request.ID, "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
			return
		}
		if stored == nil {
			c.Abort()
			writeResponse(c, nil, http.StatusNotFound, []string{"document not found"})
			return
		}

		writeResponse(c, stored, http.StatusOK, nil)
	}
}

func handleDeleteDocument(engine *hotdb.Engine, logger logger.Logger, validator *validation.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		request := DocumentIDRequest{ID: c.Param("id")}
		if err := validator.Validate(request); err != nil {
			c.Abort()
			writeResponse(c, nil, http.StatusNotAcceptable, []string{err.Error()})
			return
		}

		deleted, err := engine.Delete(c.Request.Context(), request.ID)
		if err != nil {
			logger.Error("could not delete document", "id", request.ID, "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
			return
		}
		if !deleted {
			c.Abort()
			writeResponse(c, nil, http.StatusNotFound, []string{"document not found"})
			return
		}

		writeResponse(c, nil, http.StatusNoContent, nil)
	}
}
