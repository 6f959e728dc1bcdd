package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anthony-walsh/docvault/config"
	"github.com/anthony-walsh/docvault/logger"
	bolt "go.etcd.io/bbolt"
)

const (
	pendingBucket = "pending_purges"
)

// PendingPurge records the hot-tier rows an in-flight batch will purge
// once its archive write commits. Entries survive a crash; Recover
// replays the purge when the batch exists in the archive and discards
// the entry when it does not.
type PendingPurge struct {
	BatchID     string    `json:"batch_id"`
	DocumentIDs []string  `json:"document_ids"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Journal is the orchestrator's write-ahead record of purges. A purge
// id set is written before the archive write, and replay is gated on
// the batch actually existing in the archive, so replay can never lose
// content; it can only re-delete rows, which the hot store treats as a
// no-op.
type Journal struct {
	logger logger.Logger
	store  *bolt.DB
}

func NewJournal(logger logger.Logger, cfg *config.Config) (*Journal, error) {
	journalPath := cfg.GetJournalPath()
	if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
		logger.Error("failed to create journal directory", "err", err.Error(), "path", journalPath)
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	store, err := bolt.Open(journalPath, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		logger.Error("failed to open journal database", "err", err.Error(), "path", journalPath)
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	err = store.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(pendingBucket))
		return err
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	return &Journal{logger: logger, store: store}, nil
}

// NextBatchNumber returns a monotonically increasing batch number that
// survives restarts, so archive batch keys never collide.
func (j *Journal) NextBatchNumber() (int, error) {
	var number uint64
	err := j.store.Update(func(tx *bolt.Tx) error {
		var err error
		number, err = tx.Bucket([]byte(pendingBucket)).NextSequence()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate batch number: %w", err)
	}

	return int(number), nil
}

func (j *Journal) RecordPending(batchID string, documentIDs []string) error {
	entry := PendingPurge{
		BatchID:     batchID,
		DocumentIDs: documentIDs,
		RecordedAt:  time.Now().UTC(),
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal pending purge: %w", err)
	}

	err = j.store.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).Put([]byte(batchID), value)
	})
	if err != nil {
		j.logger.Error("failed to record pending purge", "batch_id", batchID, "err", err.Error())
		return fmt.Errorf("failed to record pending purge for %s: %w", batchID, err)
	}

	return nil
}

func (j *Journal) ClearPending(batchID string) error {
	err := j.store.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).Delete([]byte(batchID))
	})
	if err != nil {
		return fmt.Errorf("failed to clear pending purge for %s: %w", batchID, err)
	}

	return nil
}

func (j *Journal) PendingEntries() ([]PendingPurge, error) {
	var entries []PendingPurge
	err := j.store.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).ForEach(func(_, v []byte) error {
			var entry PendingPurge
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal pending purge: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (j *Journal) Close() error {
	return j.store.Close()
}
