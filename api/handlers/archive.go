package handlers

import (
	"errors"
	"net/http"

	"github.com/anthony-walsh/docvault/crypto"
	"github.com/anthony-walsh/docvault/db/colddb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/validation"
	"github.com/gin-gonic/gin"
)

type UnlockRequest struct {
	Password string `json:"password" validate:"required,min=1"`
}

type ArchiveSearchRequest struct {
	Query   string `form:"query" json:"query" validate:"required,valid_query,min=1,max=1000"`
	PerPage int    `form:"per_page" json:"per_page" validate:"min=0,max=100"`
}

type ArchiveSearchResponse struct {
	Results []colddb.ArchivedDocument `json:"results"`
}

func SetupArchive(router *gin.Engine, logger logger.Logger, archive *colddb.Archive, validator *validation.Validator) {
	router.POST("/archive/unlock", handleUnlock(archive, logger, validator))
	router.POST("/archive/lock", handleLock(archive))
	router.GET("/archive/search", handleArchiveSearch(archive, logger, validator))
	router.GET("/archive/documents/:id", handleArchiveGet(archive, logger, validator))
}

func handleUnlock(archive *colddb.Archive, logger logger.Logger, validator *validation.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		request := UnlockRequest{}
		if err := c.ShouldBindJSON(&request); err != nil {
			logger.Warn("could not extract expected params from unlock request", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusUnprocessableEntity, []string{"failed to extract request body parameters"})
			return
		}

		if err := validator.Validate(request); err != nil {
			c.Abort()
			writeResponse(c, nil, http.StatusNotAcceptable, []string{err.Error()})
			return
		}

		if err := archive.Unlock([]byte(request.Password)); err != nil {
			logger.Error("could not unlock archive", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
			return
		}

		writeResponse(c, nil, http.StatusNoContent, nil)
	}
}

func handleLock(archive *colddb.Archive) gin.HandlerFunc {
	return func(c *gin.Context) {
		archive.Lock()
		writeResponse(c, nil, http.StatusNoContent, nil)
	}
}

func handleArchiveSearch(archive *colddb.Archive, logger logger.Logger, validator *validation.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		request := ArchiveSearchRequest{}
		if err := c.ShouldBindQuery(&request); err != nil {
			logger.Warn("could not extract expected params from archive search request", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusUnprocessableEntity, []string{"failed to extract request query parameters"})
			return
		}
		if request.PerPage == 0 {
			request.PerPage = defaultResultsPerPage
		}

		if err := validator.Validate(request); err != nil {
			c.Abort()
			writeResponse(c, nil, http.StatusNotAcceptable, []string{err.Error()})
			return
		}

		results, err := archive.Search(request.Query, request.PerPage)
		if err != nil {
			writeArchiveError(c, logger, err)
			return
		}

		writeResponse(c, ArchiveSearchResponse{Results: results}, http.StatusOK, nil)
	}
}

func handleArchiveGet(archive *colddb.Archive, logger logger.Logger, validator *validation.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		request := DocumentIDRequest{ID: c.Param("id")}
		if err := validator.Validate(request); err != nil {
			c.Abort()
			writeResponse(c, nil, http.StatusNotAcceptable, []string{err.Error()})
			return
		}

		document, err := archive.GetDocument(request.ID)
		if err != nil {
			writeArchiveError(c, logger, err)
			return
		}
		if document == nil {
			c.Abort()
			writeResponse(c, nil, http.StatusNotFound, []string{"document not found"})
			return
		}

		writeResponse(c, document, http.StatusOK, nil)
	}
}

// writeArchiveError maps archive failures onto status codes: a missing
// session and a failed decryption are both authentication problems, a
// corrupted batch is a server-side fault.
func writeArchiveError(c *gin.Context, logger logger.Logger, err error) {
	c.Abort()

	switch {
	case errors.Is(err, colddb.ErrNotAuthenticated), errors.Is(err, crypto.ErrAuthentication):
		writeResponse(c, nil, http.StatusUnauthorized, []string{err.Error()})
	default:
		logger.Error("archive operation failed", "err", err.Error())
		writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
	}
}
