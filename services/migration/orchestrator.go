// Package migration moves cold documents from the hot index into the
// encrypted archive. Each pass is a small state machine whose critical
// ordering is journal, then archive, then purge: the purge set is
// journaled before the batch is written, the batch must be durably
// committed before any hot-tier row is deleted, and Recover purges a
// journaled set only when its batch actually exists in the archive.
// A crash at any point can therefore neither lose a document nor
// archive it twice.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthony-walsh/docvault/config"
	"github.com/anthony-walsh/docvault/db/colddb"
	"github.com/anthony-walsh/docvault/db/hotdb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/memory"
)

// ErrMigrationInProgress is returned when a pass is requested while
// another pass is still running.
var ErrMigrationInProgress = errors.New("migration already in progress")

type State string

const (
	StateIdle       State = "idle"
	StateSelecting  State = "selecting"
	StateEncrypting State = "encrypting"
	StateArchiving  State = "archiving"
	StatePurging    State = "purging"
)

// Report summarizes one completed migration pass.
type Report struct {
	BatchID           string    `json:"batch_id,omitempty"`
	DocumentsMigrated int       `json:"documents_migrated"`
	DocumentsPurged   int       `json:"documents_purged"`
	BytesArchived     int64     `json:"bytes_archived"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

type Orchestrator struct {
	logger  logger.Logger
	cfg     *config.Config
	engine  *hotdb.Engine
	archive *colddb.Archive
	mem     *memory.Controller
	journal *Journal

	mu         sync.Mutex
	state      State
	lastReport *Report

	triggerC chan struct{}
}

func New(logger logger.Logger, cfg *config.Config, engine *hotdb.Engine, archive *colddb.Archive, mem *memory.Controller, journal *Journal) *Orchestrator {
	o := &Orchestrator{
		logger:   logger,
		cfg:      cfg,
		engine:   engine,
		archive:  archive,
		mem:      mem,
		journal:  journal,
		state:    StateIdle,
		triggerC: make(chan struct{}, 1),
	}

	// Memory pressure is a migration trigger: after the controller has
	// had to evict, move cold documents out of the hot tier.
	mem.OnCleanup(func(memory.CleanupReport) {
		o.Trigger()
	})

	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) LastReport() *Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastReport == nil {
		return nil
	}
	report := *o.lastReport
	return &report
}

// Trigger requests a migration pass from the background worker. A pass
// already queued or running absorbs the request.
func (o *Orchestrator) Trigger() {
	select {
	case o.triggerC <- struct{}{}:
	default:
	}
}

// Run is the background worker loop. It serves explicit triggers and
// periodically checks whether the hot tier has outgrown its capacity.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := o.cfg.GetMigrationInterval()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.triggerC:
			o.runAndLog(ctx)
		case <-ticker.C:
			exceeded, err := o.capacityExceeded(ctx)
			if err != nil {
				o.logger.Warn("could not check hot tier capacity", "err", err.Error())
				continue
			}
			if exceeded {
				o.runAndLog(ctx)
			}
		case <-ctx.Done():
			o.logger.Info("migration worker stopped", "reason", ctx.Err())
			return
		}
	}
}

func (o *Orchestrator) runAndLog(ctx context.Context) {
	report, err := o.RunOnce(ctx)
	if err != nil {
		o.logger.Error("migration pass failed", "err", err.Error())
		return
	}
	o.logger.Info("migration pass completed",
		"batch_id", report.BatchID,
		"migrated", report.DocumentsMigrated,
		"purged", report.DocumentsPurged)
}

func (o *Orchestrator) capacityExceeded(ctx context.Context) (bool, error) {
	capacity := o.cfg.GetHotCapacity()
	if capacity == 0 {
		return false, nil
	}
	stats, err := o.engine.Stats(ctx)
	if err != nil {
		return false, err
	}
	return stats.DocumentCount > capacity, nil
}

// Candidates returns the documents the configured policy would migrate
// on the next pass, without migrating anything.
func (o *Orchestrator) Candidates(ctx context.Context) ([]hotdb.Candidate, error) {
	return o.CandidatesWithPolicy(ctx, 0, 0, 0)
}

// CandidatesWithPolicy is Candidates with per-call overrides; any
// non-positive argument falls back to the configured policy.
func (o *Orchestrator) CandidatesWithPolicy(ctx context.Context, maxCount, ageDays int, maxAccessCount int64) ([]hotdb.Candidate, error) {
	if maxCount <= 0 {
		maxCount = o.cfg.GetMigrationBatchSize()
	}
	if ageDays <= 0 {
		ageDays = o.cfg.GetMigrationAgeDays()
	}
	if maxAccessCount <= 0 {
		maxAccessCount = o.cfg.GetMigrationMaxAccessCount()
	}

	return o.engine.MigrationCandidates(ctx, maxCount, ageDays, maxAccessCount)
}

// RunOnce performs a single migration pass: select candidates, read
// their content, journal the purge set, archive the documents as one
// encrypted batch, then purge the hot tier. The archive write
// committing is the point of no return; everything after it is
// replayable, and Recover discards journal entries whose batch never
// committed.
func (o *Orchestrator) RunOnce(ctx context.Context) (*Report, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, ErrMigrationInProgress
	}
	o.state = StateSelecting
	o.mu.Unlock()

	o.mem.BeginOperation()
	defer o.mem.EndOperation()

	report := &Report{StartedAt: time.Now().UTC()}
	defer func() {
		report.FinishedAt = time.Now().UTC()
		o.mu.Lock()
		o.state = StateIdle
		o.lastReport = report
		o.mu.Unlock()
	}()

	candidates, err := o.Candidates(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to select candidates: %w", err)
	}
	if len(candidates) == 0 {
		return report, nil
	}

	o.setState(StateEncrypting)

	documents := make([]colddb.ArchivedDocument, 0, len(candidates))
	purgeIDs := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		stored, err := o.engine.Get(ctx, candidate.Document.ID)
		if err != nil {
			return report, fmt.Errorf("failed to read candidate %s: %w", candidate.Document.ID, err)
		}
		if stored == nil {
			// Deleted since selection; nothing to migrate.
			continue
		}
		documents = append(documents, colddb.ArchivedDocument{
			Document: stored.Document,
			Content:  stored.Content.Content,
		})
		purgeIDs = append(purgeIDs, stored.Document.ID)
	}
	if len(documents) == 0 {
		return report, nil
	}

	batchNumber, err := o.journal.NextBatchNumber()
	if err != nil {
		return report, err
	}
	batchID := colddb.BatchKey(batchNumber)

	// Journal before archiving. If the process dies between the archive
	// commit and the purge, Recover finds the entry and finishes the
	// purge; if it dies before the commit, Recover sees no batch under
	// this id and discards the entry with the hot rows intact.
	if err := o.journal.RecordPending(batchID, purgeIDs); err != nil {
		return report, err
	}

	o.setState(StateArchiving)

	batch, err := o.archive.SaveBatch(documents, batchNumber)
	if err != nil {
		if clearErr := o.journal.ClearPending(batchID); clearErr != nil {
			o.logger.Error("could not clear journal entry for failed batch", "batch_id", batchID, "err", clearErr.Error())
		}
		return report, fmt.Errorf("failed to archive batch: %w", err)
	}
	report.BatchID = batch.Metadata.BatchID
	report.DocumentsMigrated = len(documents)
	report.BytesArchived = batch.Metadata.EncryptedSize

	o.setState(StatePurging)

	purged, err := o.purge(ctx, purgeIDs)
	report.DocumentsPurged = purged
	if err != nil {
		return report, err
	}

	if err := o.journal.ClearPending(batchID); err != nil {
		return report, err
	}

	return report, nil
}

// Recover replays purges that were journaled but possibly interrupted.
// An entry whose batch never made it into the archive means the crash
// happened before the commit, so the hot rows must stay; the entry is
// discarded. Purging is idempotent, so replaying a completed purge is
// a no-op.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	entries, err := o.journal.PendingEntries()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range entries {
		exists, err := o.archive.HasBatch(entry.BatchID)
		if err != nil {
			return replayed, fmt.Errorf("failed to check archive for %s: %w", entry.BatchID, err)
		}
		if !exists {
			o.logger.Warn("discarding journal entry for uncommitted batch", "batch_id", entry.BatchID)
			if err := o.journal.ClearPending(entry.BatchID); err != nil {
				return replayed, err
			}
			continue
		}

		o.logger.Info("replaying interrupted purge", "batch_id", entry.BatchID, "documents", len(entry.DocumentIDs))

		if _, err := o.purge(ctx, entry.DocumentIDs); err != nil {
			return replayed, fmt.Errorf("failed to replay purge for %s: %w", entry.BatchID, err)
		}
		if err := o.journal.ClearPending(entry.BatchID); err != nil {
			return replayed, err
		}
		replayed++
	}

	return replayed, nil
}

func (o *Orchestrator) purge(ctx context.Context, ids []string) (int, error) {
	purged := 0
	for _, id := range ids {
		deleted, err := o.engine.Delete(ctx, id)
		if err != nil {
			return purged, fmt.Errorf("failed to purge document %s: %w", id, err)
		}
		if deleted {
			purged++
		}
	}
	return purged, nil
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}
