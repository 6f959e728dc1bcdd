package memory

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/anthony-walsh/docvault/logger"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logger.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}
	handler := slog.NewJSONHandler(os.Stderr, opts)
	return slog.New(handler)
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	controller, err := New(newTestLogger(), Thresholds{Target: 100, Warning: 200, Critical: 300})
	require.NoError(t, err)
	return controller
}

var invalidThresholdTestCases = []struct {
	name       string
	thresholds Thresholds
}{
	{name: "ZeroTarget", thresholds: Thresholds{Target: 0, Warning: 200, Critical: 300}},
	{name: "TargetAboveWarning", thresholds: Thresholds{Target: 250, Warning: 200, Critical: 300}},
	{name: "WarningAboveCritical", thresholds: Thresholds{Target: 100, Warning: 400, Critical: 300}},
	{name: "EqualWarningCritical", thresholds: Thresholds{Target: 100, Warning: 300, Critical: 300}},
}

func TestNewRejectsInvalidThresholds(t *testing.T) {
	assert := require.New(t)
	for _, testCase := range invalidThresholdTestCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := New(newTestLogger(), testCase.thresholds)
			assert.Error(err)
		})
	}
}

func TestTrackAndUntrack(t *testing.T) {
	assert := require.New(t)
	controller := newTestController(t)

	controller.TrackResource("hot-index", 50)
	controller.TrackDecryptedBatch("batch-1", 30)
	assert.Equal(int64(80), controller.CurrentUsage())

	stats := controller.GetStats()
	assert.Equal(1, stats.Resources.Tracked)
	assert.Equal(1, stats.Resources.DecryptedBatches)
	assert.Equal(int64(80), stats.Peak)

	assert.True(controller.UntrackDecryptedBatch("batch-1"))
	assert.False(controller.UntrackDecryptedBatch("batch-1"))
	assert.True(controller.UntrackResource("hot-index"))
	assert.False(controller.UntrackResource("unknown"))
	assert.Equal(int64(0), controller.CurrentUsage())

	// Peak survives untracking.
	assert.Equal(int64(80), controller.GetStats().Peak)
}

func TestTrackSameIDReplacesSize(t *testing.T) {
	assert := require.New(t)
	controller := newTestController(t)

	controller.TrackResource("hot-index", 50)
	controller.TrackResource("hot-index", 70)
	assert.Equal(int64(70), controller.CurrentUsage())
	assert.Equal(1, controller.GetStats().Resources.Tracked)
}

func TestAccessNotFound(t *testing.T) {
	assert := require.New(t)
	controller := newTestController(t)

	_, err := controller.AccessResource("missing")
	assert.ErrorIs(err, ErrNotFound)

	_, err = controller.AccessDecryptedBatch("missing")
	assert.ErrorIs(err, ErrNotFound)
}

func TestAccessUpdatesLastAccessed(t *testing.T) {
	assert := require.New(t)
	controller := newTestController(t)

	controller.TrackDecryptedBatch("batch-1", 10)
	before, err := controller.AccessDecryptedBatch("batch-1")
	assert.NoError(err)

	time.Sleep(time.Millisecond)
	after, err := controller.AccessDecryptedBatch("batch-1")
	assert.NoError(err)
	assert.True(after.LastAccessedAt.After(before.LastAccessedAt))
}

func TestForceCleanupEvictsLeastRecentlyAccessedFirst(t *testing.T) {
	assert := require.New(t)
	controller := newTestController(t)

	controller.TrackDecryptedBatch("old", 60)
	controller.TrackDecryptedBatch("newer", 60)
	controller.TrackDecryptedBatch("newest", 60)

	// Pin distinct access times so the eviction order is unambiguous.
	base := time.Now().UTC()
	controller.mu.Lock()
	controller.batches["old"].LastAccessedAt = base.Add(-2 * time.Minute)
	controller.batches["newer"].LastAccessedAt = base.Add(-time.Minute)
	controller.batches["newest"].LastAccessedAt = base
	controller.mu.Unlock()

	report, err := controller.ForceCleanup()
	assert.NoError(err)
	assert.Equal(2, report.EntriesEvicted)
	assert.Equal(int64(120), report.BytesFreed)
	assert.Equal([]string{"old", "newer"}, report.BatchIDs)
	assert.Equal(int64(60), controller.CurrentUsage())
}

func TestForceCleanupBreaksTiesByLargestSize(t *testing.T) {
	assert := require.New(t)
	controller := newTestController(t)

	controller.TrackDecryptedBatch("small", 40)
	controller.TrackDecryptedBatch("large", 90)

	// Pin both entries to the same access time to force the tie.
	tied := time.Now().UTC()
	controller.mu.Lock()
	controller.batches["small"].LastAccessedAt = tied
	controller.batches["large"].LastAccessedAt = tied
	controller.mu.Unlock()

	report, err := controller.ForceCleanup()
	assert.NoError(err)
	assert.Equal([]string{"large"}, report.BatchIDs)
	assert.Equal(int64(40), controller.CurrentUsage())
}

func TestForceCleanupSkipsLongLivedResources(t *testing.T) {
	assert := require.New(t)
	controller := newTestController(t)

	controller.TrackResource("hot-index", 150)

	report, err := controller.ForceCleanup()
	assert.ErrorIs(err, ErrResourceExhaustion)
	assert.Equal(0, report.EntriesEvicted)
	assert.Equal(int64(150), controller.CurrentUsage())
}

func TestWarningFiresOncePerCrossing(t *testing.T) {
	assert := require.New(t)
	controller := newTestController(t)

	warnings := 0
	unsubscribe := controller.OnMemoryWarning(func(stats Stats) {
		warnings++
	})
	defer unsubscribe()

	controller.TrackDecryptedBatch("batch-1", 210)
	assert.Equal(1, warnings)

	// Still above the threshold: no repeat notification.
	controller.TrackDecryptedBatch("batch-2", 20)
	assert.Equal(1, warnings)

	// Drop below and cross again.
	assert.True(controller.UntrackDecryptedBatch("batch-1"))
	controller.TrackDecryptedBatch("batch-3", 220)
	assert.Equal(2, warnings)
}

func TestCriticalCrossingTriggersAutonomousCleanup(t *testing.T) {
	assert := require.New(t)
	controller := newTestController(t)

	cleanups := 0
	var lastReport CleanupReport
	unsubscribe := controller.OnCleanup(func(report CleanupReport) {
		cleanups++
		lastReport = report
	})
	defer unsubscribe()

	controller.TrackDecryptedBatch("batch-1", 180)
	assert.Equal(0, cleanups)

	// Crossing critical forces eviction down to the target threshold.
	controller.TrackDecryptedBatch("batch-2", 180)
	assert.Equal(1, cleanups)
	assert.LessOrEqual(controller.CurrentUsage(), int64(100))
	assert.NotZero(lastReport.BytesFreed)
}

func TestCleanupListenerFiresExactlyOncePerInvocation(t *testing.T) {
	assert := require.New(t)
	controller := newTestController(t)

	cleanups := 0
	unsubscribe := controller.OnCleanup(func(report CleanupReport) {
		cleanups++
	})

	controller.TrackDecryptedBatch("batch-1", 150)
	_, err := controller.ForceCleanup()
	assert.NoError(err)
	assert.Equal(1, cleanups)

	// A cleanup with nothing to do still completes and notifies once.
	_, err = controller.ForceCleanup()
	assert.NoError(err)
	assert.Equal(2, cleanups)

	unsubscribe()
	_, err = controller.ForceCleanup()
	assert.NoError(err)
	assert.Equal(2, cleanups)
}

func TestActiveOperationsStat(t *testing.T) {
	assert := require.New(t)
	controller := newTestController(t)

	controller.BeginOperation()
	controller.BeginOperation()
	assert.Equal(2, controller.GetStats().Resources.ActiveOperations)

	controller.EndOperation()
	controller.EndOperation()
	controller.EndOperation()
	assert.Equal(0, controller.GetStats().Resources.ActiveOperations)
}
