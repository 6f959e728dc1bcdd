package handlers

import (
	"net/http"

	"github.com/anthony-walsh/docvault/db/hotdb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/validation"
	"github.com/gin-gonic/gin"
)

const defaultResultsPerPage = 20

type SearchRequest struct {
	Query   string `form:"query" json:"query" validate:"required,valid_query,min=1,max=1000"`
	PerPage int    `form:"per_page" json:"per_page" validate:"min=0,max=100"`
	Page    int    `form:"page" json:"page" validate:"min=0"`
}

func (r *SearchRequest) setDefaults() {
	if r.PerPage == 0 {
		r.PerPage = defaultResultsPerPage
	}

	if r.Page == 0 {
		r.Page = 1
	}
}

type SearchResponse struct {
	Results     []hotdb.Result `json:"results"`
	Source      string         `json:"source"`
	ElapsedMs   int64          `json:"elapsed_ms"`
	PageDetails Pagination     `json:"page_details"`
}

func SetupSearch(router *gin.Engine, logger logger.Logger, engine *hotdb.Engine, validator *validation.Validator) {
	router.GET("/search", handleSearch(engine, logger, validator))
}

func handleSearch(engine *hotdb.Engine, logger logger.Logger, validator *validation.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		request := SearchRequest{}
		if err := c.ShouldBindQuery(&request); err != nil {
			logger.Warn("could not extract expected params from search request", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusUnprocessableEntity, []string{"failed to extract request query parameters"})
			return
		}
		request.setDefaults()

		if err := validator.Validate(request); err != nil {
			logger.Warn("could not validate search request", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusNotAcceptable, []string{err.Error()})
			return
		}

		offset := (request.Page - 1) * request.PerPage
		response, err := engine.Search(c.Request.Context(), request.Query, offset+request.PerPage)
		if err != nil {
			logger.Error("search failed", "err", err.Error())
			c.Abort()
			writeResponse(c, nil, http.StatusInternalServerError, []string{err.Error()})
			return
		}

		page := response.Results
		if offset >= len(page) {
			page = nil
		} else {
			page = page[offset:]
		}

		searchResponse := SearchResponse{
			Results:   page,
			Source:    response.Source,
			ElapsedMs: response.ElapsedMs,
			PageDetails: calculatePagination(
				int(response.Total),
				request.PerPage,
				offset),
		}

		writeResponse(c, searchResponse, http.StatusOK, nil)
	}
}
