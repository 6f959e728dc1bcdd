package ingest

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/anthony-walsh/docvault/config"
	"github.com/anthony-walsh/docvault/db/hotdb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/memory"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logger.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}
	handler := slog.NewJSONHandler(os.Stderr, opts)
	return slog.New(handler)
}

func newTestService(t *testing.T) (*Service, *hotdb.Engine) {
	t.Helper()
	t.Setenv("ENV", "test")
	t.Setenv("STORAGE_PATH", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err, "could not load config")

	testLogger := newTestLogger()

	mem, err := memory.New(testLogger, memory.Thresholds{
		Target:   cfg.GetMemoryTargetBytes(),
		Warning:  cfg.GetMemoryWarningBytes(),
		Critical: cfg.GetMemoryCriticalBytes(),
	})
	require.NoError(t, err, "could not create memory controller")

	db, err := hotdb.NewDB(testLogger, cfg, mem)
	require.NoError(t, err, "could not create hot db")

	ctx, cancel := context.WithCancel(context.Background())
	engine := hotdb.NewEngine(ctx, testLogger, db)
	t.Cleanup(func() {
		require.NoError(t, engine.Close(), "could not close engine")
	})
	t.Cleanup(cancel)

	return New(ctx, testLogger, engine, mem), engine
}

func ingestItem(filename, content string) Item {
	return Item{
		Document: hotdb.Document{
			Filename: filename,
			Size:     int64(len(content)),
		},
		Content: content,
	}
}

func TestSubmitAndComplete(t *testing.T) {
	assert := require.New(t)
	service, engine := newTestService(t)
	ctx := context.Background()

	id, err := service.Submit(ctx, []Item{
		ingestItem("allowed.pdf", "Appeal Allowed with conditions"),
		ingestItem("dismissed.pdf", "Appeal Dismissed on green belt grounds"),
		ingestItem("notice.pdf", "Enforcement notice upheld"),
	})
	assert.NoError(err)
	assert.NotEmpty(id)

	assert.Eventually(func() bool {
		progress, err := service.Progress(id)
		return err == nil && progress.Status == StatusCompleted
	}, 5*time.Second, 20*time.Millisecond, "job should complete")

	progress, err := service.Progress(id)
	assert.NoError(err)
	assert.Equal(3, progress.Total)
	assert.Equal(3, progress.Stored)
	assert.Zero(progress.Failed)
	assert.False(progress.FinishedAt.IsZero())

	response, err := engine.Search(ctx, "dismissed", 10)
	assert.NoError(err)
	assert.Len(response.Results, 1)
}

func TestPauseHaltsBetweenDocuments(t *testing.T) {
	assert := require.New(t)
	service, _ := newTestService(t)
	ctx := context.Background()

	service.Pause()
	assert.True(service.Paused())

	id, err := service.Submit(ctx, []Item{
		ingestItem("one.pdf", "first"),
		ingestItem("two.pdf", "second"),
	})
	assert.NoError(err)

	// The worker parks at the first document boundary.
	assert.Never(func() bool {
		progress, err := service.Progress(id)
		return err == nil && progress.Stored > 0
	}, 300*time.Millisecond, 20*time.Millisecond, "paused job should store nothing")

	service.Resume()
	assert.False(service.Paused())

	assert.Eventually(func() bool {
		progress, err := service.Progress(id)
		return err == nil && progress.Status == StatusCompleted && progress.Stored == 2
	}, 5*time.Second, 20*time.Millisecond, "resumed job should complete")
}

func TestPauseAndResumeAreIdempotent(t *testing.T) {
	assert := require.New(t)
	service, _ := newTestService(t)

	service.Pause()
	service.Pause()
	assert.True(service.Paused())

	service.Resume()
	service.Resume()
	assert.False(service.Paused())
}

func TestFailedDocumentsAreCountedAndSkipped(t *testing.T) {
	assert := require.New(t)
	service, _ := newTestService(t)
	ctx := context.Background()

	unmarshalable := ingestItem("broken.pdf", "cannot serialize this one")
	unmarshalable.Document.Metadata = map[string]any{"bad": make(chan int)}

	id, err := service.Submit(ctx, []Item{
		ingestItem("good.pdf", "stored fine"),
		unmarshalable,
	})
	assert.NoError(err)

	assert.Eventually(func() bool {
		progress, err := service.Progress(id)
		return err == nil && progress.Status == StatusCompleted
	}, 5*time.Second, 20*time.Millisecond, "job should complete despite the bad document")

	progress, err := service.Progress(id)
	assert.NoError(err)
	assert.Equal(1, progress.Stored)
	assert.Equal(1, progress.Failed)
	assert.NotEmpty(progress.LastError)
}

func TestProgressUnknownJob(t *testing.T) {
	assert := require.New(t)
	service, _ := newTestService(t)

	_, err := service.Progress("nope")
	assert.ErrorIs(err, ErrJobNotFound)
}

func TestSubmitEmptyJobRejected(t *testing.T) {
	assert := require.New(t)
	service, _ := newTestService(t)

	_, err := service.Submit(context.Background(), nil)
	assert.Error(err)
}
