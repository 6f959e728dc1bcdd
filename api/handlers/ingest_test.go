package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandleIngest(t *testing.T) {
	assert := require.New(t)
	router := setupTestServer(t, assert)

	requestBody := map[string]any{
		"documents": []map[string]any{
			{"filename": "one.pdf", "content": "Appeal Allowed"},
			{"filename": "two.pdf", "content": "Appeal Dismissed"},
		},
	}
	w := makeTestHTTPRequest(router, assert, http.MethodPost, "/ingest", defaultTestRequestHeaders, requestBody, nil)
	assert.Equal(http.StatusAccepted, w.Code)

	data := decodeData(assert, w)
	jobID := data["job_id"].(string)
	assert.NotEmpty(jobID)

	assert.Eventually(func() bool {
		w := makeTestHTTPRequest(router, assert, http.MethodGet, "/ingest/"+jobID+"/status", nil, nil, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var responseMap map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &responseMap); err != nil {
			return false
		}
		progress := responseMap["data"].(map[string]any)
		return progress["status"] == "completed" && progress["stored"] == float64(2)
	}, 5*time.Second, 20*time.Millisecond, "ingest job should complete")

	w = makeTestHTTPRequest(router, assert, http.MethodGet, "/search", nil, nil, map[string]string{"query": "dismissed"})
	assert.Equal(http.StatusOK, w.Code)
	searchData := decodeData(assert, w)
	assert.Len(searchData["results"], 1)
}

func TestHandleIngestRejectsEmptyJob(t *testing.T) {
	assert := require.New(t)
	router := setupTestServer(t, assert)

	w := makeTestHTTPRequest(router, assert, http.MethodPost, "/ingest", defaultTestRequestHeaders, map[string]any{"documents": []map[string]any{}}, nil)
	assert.Equal(http.StatusNotAcceptable, w.Code)
}

func TestHandleIngestStatusUnknownJob(t *testing.T) {
	assert := require.New(t)
	router := setupTestServer(t, assert)

	w := makeTestHTTPRequest(router, assert, http.MethodGet, "/ingest/nope/status", nil, nil, nil)
	assert.Equal(http.StatusNotFound, w.Code)
}

func TestHandleIngestPauseAndResume(t *testing.T) {
	assert := require.New(t)
	router := setupTestServer(t, assert)

	w := makeTestHTTPRequest(router, assert, http.MethodPost, "/ingest/pause", nil, nil, nil)
	assert.Equal(http.StatusNoContent, w.Code)

	w = makeTestHTTPRequest(router, assert, http.MethodPost, "/ingest/resume", nil, nil, nil)
	assert.Equal(http.StatusNoContent, w.Code)
}
