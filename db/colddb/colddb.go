// Package colddb implements the cold tier: an encrypted, batch
// oriented archive for documents migrated out of the hot index. All
// content is stored as sealed batches; reads decrypt the relevant
// batches into short-lived plaintext caches that are tracked by the
// memory controller and evicted under pressure. No unencrypted index
// of cold content is ever persisted.
package colddb

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anthony-walsh/docvault/config"
	"github.com/anthony-walsh/docvault/crypto"
	"github.com/anthony-walsh/docvault/db/hotdb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/memory"
	bolt "go.etcd.io/bbolt"
)

// ErrNotAuthenticated gates every archive operation until a key has
// been established for the session.
var ErrNotAuthenticated = errors.New("archive is locked")

const (
	metaBucket    = "meta"
	batchesBucket = "batches"

	saltKey  = "key_salt"
	saltSize = 32
)

// ArchivedDocument pairs a document with its full content for cold
// storage; the pair is what a migration batch serializes.
type ArchivedDocument struct {
	Document hotdb.Document `json:"document"`
	Content  string         `json:"content"`
}

type Archive struct {
	logger   logger.Logger
	store    *bolt.DB
	pipeline *crypto.Pipeline
	mem      *memory.Controller

	mu     sync.Mutex
	key    *crypto.Key
	caches map[string][]ArchivedDocument

	unsubscribeCleanup func()
}

func New(logger logger.Logger, cfg *config.Config, pipeline *crypto.Pipeline, mem *memory.Controller) (*Archive, error) {
	archivePath := cfg.GetArchivePath()
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		logger.Error("failed to create archive directory", "err", err.Error(), "path", archivePath)
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	store, err := bolt.Open(archivePath, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		logger.Error("failed to open archive database", "err", err.Error(), "path", archivePath)
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	archive := &Archive{
		logger:   logger,
		store:    store,
		pipeline: pipeline,
		mem:      mem,
		caches:   make(map[string][]ArchivedDocument),
	}

	if err := archive.initBuckets(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	// Pressure-driven eviction: when the controller evicts a
	// decrypted-batch entry, drop the plaintext it referred to.
	archive.unsubscribeCleanup = mem.OnCleanup(func(report memory.CleanupReport) {
		archive.dropCaches(report.BatchIDs)
	})

	return archive, nil
}

func (a *Archive) initBuckets() error {
	return a.store.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{metaBucket, batchesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				a.logger.Error("failed to create bucket", "bucket", name, "err", err.Error())
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Unlock establishes the session key from a password. The archive's
// key-derivation salt is created on first unlock and persisted; the
// password bytes are zeroed by the derivation.
func (a *Archive) Unlock(password []byte) error {
	salt, err := a.loadOrCreateSalt()
	if err != nil {
		return err
	}

	key, err := a.pipeline.DeriveKey(password, salt)
	if err != nil {
		return err
	}

	a.setKey(key)
	return nil
}

// UnlockWithKey establishes the session from raw key material instead
// of a password.
func (a *Archive) UnlockWithKey(material []byte) error {
	key, err := crypto.KeyFromBytes(material)
	if err != nil {
		return err
	}

	a.setKey(key)
	return nil
}

// setKey starts a fresh session: plaintext cached under the previous
// session is dropped along with its key.
func (a *Archive) setKey(key *crypto.Key) {
	a.Lock()

	a.mu.Lock()
	a.key = key
	a.mu.Unlock()
}

// Lock ends the session: the key is zeroed and all plaintext caches
// are dropped.
func (a *Archive) Lock() {
	a.mu.Lock()
	if a.key != nil {
		a.key.Zero()
		a.key = nil
	}
	dropped := make([]string, 0, len(a.caches))
	for batchID := range a.caches {
		dropped = append(dropped, batchID)
	}
	a.caches = make(map[string][]ArchivedDocument)
	a.mu.Unlock()

	for _, batchID := range dropped {
		a.mem.UntrackDecryptedBatch(batchID)
	}
}

func (a *Archive) sessionKey() (*crypto.Key, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.key == nil {
		return nil, ErrNotAuthenticated
	}
	return a.key, nil
}

func (a *Archive) loadOrCreateSalt() ([]byte, error) {
	var salt []byte
	err := a.store.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if existing := meta.Get([]byte(saltKey)); existing != nil {
			salt = make([]byte, len(existing))
			copy(salt, existing)
			return nil
		}

		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		return meta.Put([]byte(saltKey), salt)
	})
	if err != nil {
		a.logger.Error("could not load archive salt", "err", err.Error())
		return nil, err
	}

	return salt, nil
}

// BatchKey is the storage key for a batch number. Callers that need
// the id before the batch is written (to journal it, for instance)
// derive it from the same number they will pass to SaveBatch.
func BatchKey(batchNumber int) string {
	return fmt.Sprintf("batch-%06d", batchNumber)
}

// SaveBatch seals the given documents into one encrypted batch and
// persists it. The write transaction committing is the durable
// acknowledgment migration waits for.
func (a *Archive) SaveBatch(documents []ArchivedDocument, batchNumber int) (*crypto.Batch, error) {
	key, err := a.sessionKey()
	if err != nil {
		return nil, err
	}
	if len(documents) == 0 {
		return nil, fmt.Errorf("cannot save an empty batch")
	}

	plaintext, err := json.Marshal(documents)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch documents: %w", err)
	}

	batch, err := a.pipeline.CompressAndEncrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	batch.Metadata.BatchID = BatchKey(batchNumber)
	batch.Metadata.DocumentCount = len(documents)

	envelope, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch envelope: %w", err)
	}

	err = a.store.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(batchesBucket)).Put([]byte(batch.Metadata.BatchID), envelope)
	})
	if err != nil {
		a.logger.Error("failed to persist batch", "batch_id", batch.Metadata.BatchID, "err", err.Error())
		return nil, fmt.Errorf("failed to persist batch %s: %w", batch.Metadata.BatchID, err)
	}

	a.logger.Info("archived batch",
		"batch_id", batch.Metadata.BatchID,
		"documents", batch.Metadata.DocumentCount,
		"original_size", batch.Metadata.OriginalSize,
		"encrypted_size", batch.Metadata.EncryptedSize)

	return batch, nil
}

// Search decrypts the archived batches and scans them in memory for a
// literal, case-insensitive match.
func (a *Archive) Search(query string, limit int) ([]ArchivedDocument, error) {
	if _, err := a.sessionKey(); err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(query))

	var results []ArchivedDocument
	err := a.forEachBatch(func(documents []ArchivedDocument) bool {
		for _, document := range documents {
			if strings.Contains(strings.ToLower(document.Content), needle) ||
				strings.Contains(strings.ToLower(document.Document.Filename), needle) {
				results = append(results, document)
				if limit > 0 && len(results) >= limit {
					return false
				}
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

func (a *Archive) GetAllDocuments() ([]ArchivedDocument, error) {
	if _, err := a.sessionKey(); err != nil {
		return nil, err
	}

	var all []ArchivedDocument
	err := a.forEachBatch(func(documents []ArchivedDocument) bool {
		all = append(all, documents...)
		return true
	})
	if err != nil {
		return nil, err
	}

	return all, nil
}

// GetDocument returns the archived document with the given id, or nil
// if no batch contains it.
func (a *Archive) GetDocument(id string) (*ArchivedDocument, error) {
	if _, err := a.sessionKey(); err != nil {
		return nil, err
	}

	var found *ArchivedDocument
	err := a.forEachBatch(func(documents []ArchivedDocument) bool {
		for _, document := range documents {
			if document.Document.ID == id {
				copied := document
				found = &copied
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	return found, nil
}

// DeleteDocument removes one document from the archive by rewriting
// the batch that contains it. Returns false for an unknown id.
func (a *Archive) DeleteDocument(id string) (bool, error) {
	key, err := a.sessionKey()
	if err != nil {
		return false, err
	}

	batchIDs, envelopes, err := a.listBatches()
	if err != nil {
		return false, err
	}

	for i, batchID := range batchIDs {
		documents, err := a.loadBatch(batchID, envelopes[i])
		if err != nil {
			return false, err
		}

		index := -1
		for j, document := range documents {
			if document.Document.ID == id {
				index = j
				break
			}
		}
		if index < 0 {
			continue
		}

		remaining := make([]ArchivedDocument, 0, len(documents)-1)
		remaining = append(remaining, documents[:index]...)
		remaining = append(remaining, documents[index+1:]...)

		if err := a.rewriteBatch(batchID, remaining, key); err != nil {
			return false, err
		}

		return true, nil
	}

	return false, nil
}

// ClearAll removes every batch and drops all plaintext caches.
func (a *Archive) ClearAll() error {
	if _, err := a.sessionKey(); err != nil {
		return err
	}

	var batchIDs []string
	err := a.store.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket([]byte(batchesBucket))
		if err := batches.ForEach(func(k, _ []byte) error {
			batchIDs = append(batchIDs, string(k))
			return nil
		}); err != nil {
			return err
		}
		for _, batchID := range batchIDs {
			if err := batches.Delete([]byte(batchID)); err != nil {
				return fmt.Errorf("failed to delete batch %s: %w", batchID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.dropCaches(batchIDs)
	for _, batchID := range batchIDs {
		a.mem.UntrackDecryptedBatch(batchID)
	}

	return nil
}

// HasBatch reports whether a batch envelope was durably committed.
// It reads only the key, so it needs no session.
func (a *Archive) HasBatch(batchID string) (bool, error) {
	exists := false
	err := a.store.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(batchesBucket)).Get([]byte(batchID)) != nil
		return nil
	})
	return exists, err
}

func (a *Archive) BatchCount() (int, error) {
	count := 0
	err := a.store.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(batchesBucket)).ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

func (a *Archive) Close() error {
	if a.unsubscribeCleanup != nil {
		a.unsubscribeCleanup()
	}
	a.Lock()
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *Archive) listBatches() ([]string, [][]byte, error) {
	var batchIDs []string
	var envelopes [][]byte
	err := a.store.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(batchesBucket)).ForEach(func(k, v []byte) error {
			batchIDs = append(batchIDs, string(k))
			envelope := make([]byte, len(v))
			copy(envelope, v)
			envelopes = append(envelopes, envelope)
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list batches: %w", err)
	}

	return batchIDs, envelopes, nil
}

func (a *Archive) forEachBatch(visit func(documents []ArchivedDocument) bool) error {
	batchIDs, envelopes, err := a.listBatches()
	if err != nil {
		return err
	}

	for i, batchID := range batchIDs {
		documents, err := a.loadBatch(batchID, envelopes[i])
		if err != nil {
			return err
		}
		if !visit(documents) {
			return nil
		}
	}

	return nil
}

// loadBatch returns the plaintext documents for a batch, decrypting
// and caching them if needed. The cache entry is registered with the
// memory controller so it participates in pressure-driven eviction.
func (a *Archive) loadBatch(batchID string, envelope []byte) ([]ArchivedDocument, error) {
	a.mu.Lock()
	if cached, ok := a.caches[batchID]; ok {
		a.mu.Unlock()
		// Refresh recency so hot batches survive cleanup longest.
		if _, err := a.mem.AccessDecryptedBatch(batchID); err != nil {
			a.logger.Warn("decrypted batch cache untracked", "batch_id", batchID, "err", err.Error())
		}
		return cached, nil
	}
	key := a.key
	a.mu.Unlock()

	if key == nil {
		return nil, ErrNotAuthenticated
	}

	var batch crypto.Batch
	if err := json.Unmarshal(envelope, &batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch envelope %s: %w", batchID, err)
	}

	plaintext, err := a.pipeline.DecryptAndDecompress(&batch, key)
	if err != nil {
		return nil, err
	}

	var documents []ArchivedDocument
	if err := json.Unmarshal(plaintext, &documents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch %s: %w", batchID, err)
	}

	a.mu.Lock()
	a.caches[batchID] = documents
	a.mu.Unlock()

	// Tracked outside the archive lock: tracking can trigger an
	// autonomous cleanup whose listener takes the same lock.
	a.mem.TrackDecryptedBatch(batchID, int64(len(plaintext)))

	return documents, nil
}

func (a *Archive) rewriteBatch(batchID string, remaining []ArchivedDocument, key *crypto.Key) error {
	if len(remaining) == 0 {
		err := a.store.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(batchesBucket)).Delete([]byte(batchID))
		})
		if err != nil {
			return fmt.Errorf("failed to delete emptied batch %s: %w", batchID, err)
		}
	} else {
		plaintext, err := json.Marshal(remaining)
		if err != nil {
			return fmt.Errorf("failed to marshal batch documents: %w", err)
		}

		batch, err := a.pipeline.CompressAndEncrypt(plaintext, key)
		if err != nil {
			return err
		}
		batch.Metadata.BatchID = batchID
		batch.Metadata.DocumentCount = len(remaining)

		envelope, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("failed to marshal batch envelope: %w", err)
		}

		err = a.store.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(batchesBucket)).Put([]byte(batchID), envelope)
		})
		if err != nil {
			return fmt.Errorf("failed to rewrite batch %s: %w", batchID, err)
		}
	}

	a.dropCaches([]string{batchID})
	a.mem.UntrackDecryptedBatch(batchID)

	return nil
}

func (a *Archive) dropCaches(batchIDs []string) {
	if len(batchIDs) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, batchID := range batchIDs {
		delete(a.caches, batchID)
	}
}
