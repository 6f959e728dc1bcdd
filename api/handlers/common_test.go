// Common test helpers
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/anthony-walsh/docvault/config"
	"github.com/anthony-walsh/docvault/crypto"
	"github.com/anthony-walsh/docvault/db/colddb"
	"github.com/anthony-walsh/docvault/db/hotdb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/memory"
	"github.com/anthony-walsh/docvault/services/ingest"
	"github.com/anthony-walsh/docvault/services/migration"
	"github.com/anthony-walsh/docvault/validation"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

var defaultTestRequestHeaders = map[string]string{"Content-Type": "application/json"}

var testDocuments = map[string]string{
	"allowed.pdf":     "Appeal Allowed with conditions for the proposed development",
	"dismissed.pdf":   "Appeal Dismissed on green belt grounds",
	"enforcement.pdf": "Enforcement notice upheld against unauthorized works",
}

type testCase struct {
	name           string
	requestHeaders map[string]string
	requestBody    map[string]any
	queryParams    map[string]string
	expectedStatus int
}

func newTestLogger() logger.Logger {

	opts := &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}
	handler := slog.NewJSONHandler(os.Stderr, opts)
	return slog.New(handler)
}

func setupTestServer(t *testing.T, assert *require.Assertions) *gin.Engine {

	t.Setenv("ENV", "test")
	t.Setenv("STORAGE_PATH", t.TempDir())

	cfg, err := config.Load()
	assert.NoError(err, "could not load config")

	testLogger := newTestLogger()

	mem, err := memory.New(testLogger, memory.Thresholds{
		Target:   cfg.GetMemoryTargetBytes(),
		Warning:  cfg.GetMemoryWarningBytes(),
		Critical: cfg.GetMemoryCriticalBytes(),
	})
	assert.NoError(err, "could not create memory controller")

	pipeline, err := crypto.NewPipeline(testLogger, crypto.Config{Iterations: cfg.GetKeyIterations()})
	assert.NoError(err, "could not create pipeline")

	db, err := hotdb.NewDB(testLogger, cfg, mem)
	assert.NoError(err, "could not create hot db")

	ctx, cancel := context.WithCancel(context.Background())
	engine := hotdb.NewEngine(ctx, testLogger, db)
	t.Cleanup(func() {
		assert.NoError(engine.Close(), "could not close engine")
	})
	t.Cleanup(cancel)

	archive, err := colddb.New(testLogger, cfg, pipeline, mem)
	assert.NoError(err, "could not create archive")
	t.Cleanup(func() {
		assert.NoError(archive.Close(), "could not close archive")
	})

	journal, err := migration.NewJournal(testLogger, cfg)
	assert.NoError(err, "could not create journal")
	t.Cleanup(func() {
		assert.NoError(journal.Close(), "could not close journal")
	})

	orchestrator := migration.New(testLogger, cfg, engine, archive, mem, journal)
	ingestService := ingest.New(ctx, testLogger, engine, mem)

	validator, err := validation.New(testLogger)
	assert.NoError(err, "could not create validator")

	gin.SetMode(gin.TestMode)
	router := gin.New()

	SetupDocuments(router, testLogger, engine, validator)
	SetupSearch(router, testLogger, engine, validator)
	SetupArchive(router, testLogger, archive, validator)
	SetupSystem(router, testLogger, engine, archive, orchestrator, mem, validator)
	SetupIngest(router, testLogger, ingestService, validator)

	return router
}

func makeTestHTTPRequest(router *gin.Engine, assert *require.Assertions, method string, endpoint string, headers map[string]string, requestBodyMap map[string]interface{}, queryParams map[string]string) *httptest.ResponseRecorder {

	var err error
	w := httptest.NewRecorder()

	if len(queryParams) > 0 {
		values := url.Values{}
		for key, value := range queryParams {
			values.Set(key, value)
		}
		endpoint = endpoint + "?" + values.Encode()
	}
	var jsonBody []byte
	var req *http.Request
	if requestBodyMap != nil {
		jsonBody, err = json.Marshal(requestBodyMap)
		assert.NoError(err)
	}

	slog.Info("Making test request", "method", method, "endpoint", endpoint, "headers", headers, "body", string(jsonBody))

	if len(jsonBody) > 0 {
		req, err = http.NewRequest(method, endpoint, bytes.NewBuffer(jsonBody))
	} else {
		req, err = http.NewRequest(method, endpoint, nil)
	}
	assert.NoError(err)

	for key, value := range headers {
		req.Header.Set(key, value)
	}
	router.ServeHTTP(w, req)

	return w
}

// storeTestDocuments loads the fixture set through the store endpoint
// and returns filename to id.
func storeTestDocuments(router *gin.Engine, assert *require.Assertions) map[string]string {
	ids := make(map[string]string, len(testDocuments))
	for filename, content := range testDocuments {
		w := makeTestHTTPRequest(router, assert, http.MethodPost, "/documents", defaultTestRequestHeaders, map[string]any{
			"filename": filename,
			"content":  content,
		}, nil)
		assert.Equal(http.StatusCreated, w.Code, "storing fixture documents should succeed")

		var responseMap map[string]any
		assert.NoError(json.Unmarshal(w.Body.Bytes(), &responseMap))
		ids[filename] = responseMap["data"].(map[string]any)["id"].(string)
	}
	return ids
}

func decodeData(assert *require.Assertions, w *httptest.ResponseRecorder) map[string]any {
	var responseMap map[string]any
	assert.NoError(json.Unmarshal(w.Body.Bytes(), &responseMap))
	data, ok := responseMap["data"].(map[string]any)
	assert.True(ok, "expected data object in response")
	return data
}
