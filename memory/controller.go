// Package memory tracks the estimated footprint of named resources and
// decrypted-batch caches against configured thresholds, and reclaims
// memory by evicting batch caches when the footprint grows too large.
//
// The controller is an explicit handle constructed once at startup and
// passed to every component that reports usage; there is no package
// global.
package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/anthony-walsh/docvault/logger"
	"github.com/google/uuid"
)

// Thresholds are monotonically increasing byte values. Crossing
// Warning notifies listeners; crossing Critical triggers a cleanup;
// cleanup evicts until usage is at or below Target.
type Thresholds struct {
	Target   int64 `json:"target"`
	Warning  int64 `json:"warning"`
	Critical int64 `json:"critical"`
}

type Resource struct {
	ID                 string    `json:"id"`
	EstimatedSizeBytes int64     `json:"estimated_size_bytes"`
	LastAccessedAt     time.Time `json:"last_accessed_at"`
}

type ResourceStats struct {
	Tracked          int `json:"tracked"`
	DecryptedBatches int `json:"decrypted_batches"`
	ActiveOperations int `json:"active_operations"`
}

type Stats struct {
	Current    int64         `json:"current"`
	Peak       int64         `json:"peak"`
	Thresholds Thresholds    `json:"thresholds"`
	Resources  ResourceStats `json:"resources"`
}

// CleanupReport summarizes one completed cleanup pass. BatchIDs lists
// the evicted decrypted-batch caches so their owners can drop the
// plaintext.
type CleanupReport struct {
	BytesFreed     int64    `json:"bytes_freed"`
	EntriesEvicted int      `json:"entries_evicted"`
	BatchIDs       []string `json:"batch_ids"`
}

type WarningListener func(Stats)
type CleanupListener func(CleanupReport)

type Controller struct {
	logger     logger.Logger
	thresholds Thresholds

	mu           sync.Mutex
	resources    map[string]*Resource
	batches      map[string]*Resource
	current      int64
	peak         int64
	activeOps    int
	aboveWarning bool
	warningSubs  map[string]WarningListener
	cleanupSubs  map[string]CleanupListener
}

func New(logger logger.Logger, thresholds Thresholds) (*Controller, error) {
	if thresholds.Target <= 0 || thresholds.Target >= thresholds.Warning || thresholds.Warning >= thresholds.Critical {
		return nil, fmt.Errorf("thresholds must satisfy 0 < target < warning < critical, got %+v", thresholds)
	}

	return &Controller{
		logger:      logger,
		thresholds:  thresholds,
		resources:   make(map[string]*Resource),
		batches:     make(map[string]*Resource),
		warningSubs: make(map[string]WarningListener),
		cleanupSubs: make(map[string]CleanupListener),
	}, nil
}

// TrackResource registers or resizes a long-lived resource. Long-lived
// resources are never evicted; they only count against the thresholds.
func (c *Controller) TrackResource(id string, estimatedSizeBytes int64) {
	c.track(c.resources, id, estimatedSizeBytes)
}

func (c *Controller) UntrackResource(id string) bool {
	return c.untrack(c.resources, id)
}

// TrackDecryptedBatch registers a plaintext cache reconstructed from an
// encrypted batch. These are the primary eviction target since they can
// be rebuilt from the archive at any time.
func (c *Controller) TrackDecryptedBatch(batchID string, sizeBytes int64) {
	c.track(c.batches, batchID, sizeBytes)
}

func (c *Controller) UntrackDecryptedBatch(batchID string) bool {
	return c.untrack(c.batches, batchID)
}

func (c *Controller) AccessResource(id string) (Resource, error) {
	return c.access(c.resources, id)
}

func (c *Controller) AccessDecryptedBatch(batchID string) (Resource, error) {
	return c.access(c.batches, batchID)
}

func (c *Controller) CurrentUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

// BeginOperation and EndOperation bracket a long-running operation so
// that it shows up in the stats while in flight.
func (c *Controller) BeginOperation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeOps++
}

func (c *Controller) EndOperation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeOps > 0 {
		c.activeOps--
	}
}

// OnMemoryWarning subscribes to warning-threshold crossings. The
// listener fires once per upward crossing, not repeatedly while usage
// stays above the threshold. The returned function unsubscribes.
func (c *Controller) OnMemoryWarning(listener WarningListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	c.warningSubs[id] = listener

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.warningSubs, id)
	}
}

// OnCleanup subscribes to completed cleanup passes. The listener fires
// exactly once per ForceCleanup invocation, before ForceCleanup
// returns. The returned function unsubscribes.
func (c *Controller) OnCleanup(listener CleanupListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	c.cleanupSubs[id] = listener

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.cleanupSubs, id)
	}
}

// ForceCleanup evicts decrypted-batch caches, least recently accessed
// first with ties broken by largest estimated size, until usage falls
// to or below the target threshold or nothing evictable remains. All
// evictions are applied and all cleanup listeners notified before it
// returns. If usage is still above target the report is returned
// alongside a ResourceExhaustionError.
func (c *Controller) ForceCleanup() (CleanupReport, error) {
	c.mu.Lock()

	report := CleanupReport{}
	for c.current > c.thresholds.Target {
		victim := c.pickVictimLocked()
		if victim == nil {
			break
		}
		delete(c.batches, victim.ID)
		c.current -= victim.EstimatedSizeBytes
		report.BytesFreed += victim.EstimatedSizeBytes
		report.EntriesEvicted++
		report.BatchIDs = append(report.BatchIDs, victim.ID)
	}

	if c.current < c.thresholds.Warning {
		c.aboveWarning = false
	}

	current := c.current
	target := c.thresholds.Target
	listeners := make([]CleanupListener, 0, len(c.cleanupSubs))
	for _, listener := range c.cleanupSubs {
		listeners = append(listeners, listener)
	}
	c.mu.Unlock()

	c.logger.Info("memory cleanup completed",
		"bytes_freed", report.BytesFreed,
		"entries_evicted", report.EntriesEvicted,
		"current", current)

	for _, listener := range listeners {
		listener(report)
	}

	if current > target {
		c.logger.Warn("cleanup could not reach target threshold", "current", current, "target", target)
		return report, &ResourceExhaustionError{Current: current, Target: target}
	}

	return report, nil
}

func (c *Controller) pickVictimLocked() *Resource {
	var victim *Resource
	for _, candidate := range c.batches {
		if victim == nil {
			victim = candidate
			continue
		}
		if candidate.LastAccessedAt.Before(victim.LastAccessedAt) {
			victim = candidate
			continue
		}
		if candidate.LastAccessedAt.Equal(victim.LastAccessedAt) &&
			candidate.EstimatedSizeBytes > victim.EstimatedSizeBytes {
			victim = candidate
		}
	}
	return victim
}

func (c *Controller) track(table map[string]*Resource, id string, sizeBytes int64) {
	c.mu.Lock()

	if existing, ok := table[id]; ok {
		c.current -= existing.EstimatedSizeBytes
	}
	table[id] = &Resource{
		ID:                 id,
		EstimatedSizeBytes: sizeBytes,
		LastAccessedAt:     time.Now().UTC(),
	}
	c.current += sizeBytes
	if c.current > c.peak {
		c.peak = c.current
	}

	warningListeners, stats := c.checkWarningLocked()
	critical := c.current > c.thresholds.Critical
	c.mu.Unlock()

	for _, listener := range warningListeners {
		listener(stats)
	}

	if critical {
		c.logger.Warn("critical memory threshold crossed, forcing cleanup", "current", stats.Current)
		// Errors here mean nothing was left to evict; the next large
		// allocation will fail fast on its own ForceCleanup call.
		if _, err := c.ForceCleanup(); err != nil {
			c.logger.Error("autonomous cleanup could not reach target", "err", err.Error())
		}
	}
}

func (c *Controller) untrack(table map[string]*Resource, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := table[id]
	if !ok {
		return false
	}
	delete(table, id)
	c.current -= existing.EstimatedSizeBytes
	if c.current < c.thresholds.Warning {
		c.aboveWarning = false
	}

	return true
}

func (c *Controller) access(table map[string]*Resource, id string) (Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := table[id]
	if !ok {
		return Resource{}, &NotFoundError{ID: id}
	}
	existing.LastAccessedAt = time.Now().UTC()

	return *existing, nil
}

func (c *Controller) checkWarningLocked() ([]WarningListener, Stats) {
	stats := c.statsLocked()

	if c.current <= c.thresholds.Warning {
		c.aboveWarning = false
		return nil, stats
	}

	if c.aboveWarning {
		return nil, stats
	}
	c.aboveWarning = true

	listeners := make([]WarningListener, 0, len(c.warningSubs))
	for _, listener := range c.warningSubs {
		listeners = append(listeners, listener)
	}

	return listeners, stats
}

func (c *Controller) statsLocked() Stats {
	return Stats{
		Current:    c.current,
		Peak:       c.peak,
		Thresholds: c.thresholds,
		Resources: ResourceStats{
			Tracked:          len(c.resources),
			DecryptedBatches: len(c.batches),
			ActiveOperations: c.activeOps,
		},
	}
}
