// Package hotdb implements the hot tier: a bounded working set of
// documents held in a bbolt store with a synchronized bleve full-text
// index. All operations go through the Engine, which serializes them
// against the underlying store.
package hotdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/anthony-walsh/docvault/config"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/memory"
	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	documentsBucket = "documents"
	contentsBucket  = "contents"

	// Resource id under which the aggregate content footprint is
	// reported to the memory controller.
	contentResourceID = "hot-index-content"
)

type DB struct {
	logger logger.Logger
	store  *bolt.DB
	index  bleve.Index
	mem    *memory.Controller

	// Serialized behind the engine's single worker; no lock needed.
	contentBytes int64

	// Runs as the last step of the store transaction. Tests use it to
	// force a rollback after the index write.
	beforeCommit func() error
}

func NewDB(logger logger.Logger, cfg *config.Config, mem *memory.Controller) (*DB, error) {
	hotDBPath := cfg.GetHotDBPath()
	if err := os.MkdirAll(filepath.Dir(hotDBPath), 0755); err != nil {
		logger.Error("failed to create hot database directory", "err", err.Error(), "path", hotDBPath)
		return nil, fmt.Errorf("failed to create hot database directory: %w", err)
	}

	store, err := bolt.Open(hotDBPath, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		logger.Error("failed to open hot database", "err", err.Error(), "path", hotDBPath)
		return nil, fmt.Errorf("failed to open hot database: %w", err)
	}

	indexPath := cfg.GetIndexPath()
	index, err := bleve.New(indexPath, createIndexMapping())
	if err != nil {
		index, err = bleve.Open(indexPath)
		if err != nil {
			store.Close()
			logger.Error("could not open index", "err", err.Error())
			return nil, err
		}
	}

	db := &DB{
		logger: logger,
		store:  store,
		index:  index,
		mem:    mem,
	}

	if err := db.initBuckets(); err != nil {
		store.Close()
		index.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	if err := db.loadContentFootprint(); err != nil {
		store.Close()
		index.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) initBuckets() error {
	return d.store.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{documentsBucket, contentsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				d.logger.Error("failed to create bucket", "bucket", name, "err", err.Error())
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (d *DB) loadContentFootprint() error {
	var total int64
	err := d.store.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(contentsBucket)).ForEach(func(_, v []byte) error {
			total += int64(len(v))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to compute content footprint: %w", err)
	}

	d.contentBytes = total
	d.mem.TrackResource(contentResourceID, d.contentBytes)

	return nil
}

func (d *DB) reportFootprint(delta int64) {
	d.contentBytes += delta
	if d.contentBytes < 0 {
		d.contentBytes = 0
	}
	d.mem.TrackResource(contentResourceID, d.contentBytes)
}

// Store writes the document row and its content row in one
// transaction and indexes the content. On any failure the transaction
// rolls back and no partial write is observable. Returns the document
// id, assigning one if the producer left it empty.
func (d *DB) Store(document Document, content SearchContent) (string, error) {
	if document.ID == "" {
		document.ID = uuid.New().String()
	}
	if content.DocID == "" {
		content.DocID = document.ID
	}
	if content.DocID != document.ID {
		return "", &TransactionError{Op: "store", DocID: document.ID,
			Cause: fmt.Errorf("content doc id %s does not match document id", content.DocID)}
	}
	if document.UploadDate.IsZero() {
		document.UploadDate = time.Now().UTC()
	}
	if document.LastAccessed.IsZero() {
		document.LastAccessed = document.UploadDate
	}
	if document.ProcessingStatus == "" {
		document.ProcessingStatus = StatusProcessed
	}

	var delta int64
	indexed := false
	var prevDocument *Document
	var prevContent SearchContent
	err := d.store.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket([]byte(documentsBucket))
		contents := tx.Bucket([]byte(contentsBucket))

		// Capture the previous version so a rollback can restore its
		// index entry instead of deleting the document from search.
		if prevDocValue := docs.Get([]byte(document.ID)); prevDocValue != nil {
			var previous Document
			if err := json.Unmarshal(prevDocValue, &previous); err != nil {
				return fmt.Errorf("failed to unmarshal previous document: %w", err)
			}
			if prevContentValue := contents.Get([]byte(document.ID)); prevContentValue != nil {
				if err := json.Unmarshal(prevContentValue, &prevContent); err != nil {
					return fmt.Errorf("failed to unmarshal previous content: %w", err)
				}
			}
			prevDocument = &previous
		}

		docValue, err := json.Marshal(document)
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}
		if err := docs.Put([]byte(document.ID), docValue); err != nil {
			return fmt.Errorf("failed to write document row: %w", err)
		}

		contentValue, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("failed to marshal content: %w", err)
		}
		previous := contents.Get([]byte(document.ID))
		delta = int64(len(contentValue)) - int64(len(previous))
		if err := contents.Put([]byte(document.ID), contentValue); err != nil {
			return fmt.Errorf("failed to write content row: %w", err)
		}

		if err := d.indexDocument(document, content); err != nil {
			return fmt.Errorf("failed to index document: %w", err)
		}
		indexed = true

		if d.beforeCommit != nil {
			return d.beforeCommit()
		}

		return nil
	})
	if err != nil {
		if indexed {
			// The rows rolled back after the index write went through.
			// An update keeps the previous row, so its index entry must
			// come back; a fresh insert leaves an orphan to remove.
			if prevDocument != nil {
				if indexErr := d.indexDocument(*prevDocument, prevContent); indexErr != nil {
					d.logger.Error("could not restore previous index entry", "id", document.ID, "err", indexErr.Error())
				}
			} else if deleteErr := d.index.Delete(document.ID); deleteErr != nil {
				d.logger.Error("could not remove orphaned index entry", "id", document.ID, "err", deleteErr.Error())
			}
		}
		d.logger.Error("store transaction rolled back", "id", document.ID, "err", err.Error())
		return "", &TransactionError{Op: "store", DocID: document.ID, Cause: err}
	}

	d.reportFootprint(delta)

	return document.ID, nil
}

// Get returns the document with its content, updating access
// tracking. An unknown id returns (nil, nil), not an error.
func (d *DB) Get(id string) (*StoredDocument, error) {
	stored, err := d.read(id)
	if err != nil || stored == nil {
		return stored, err
	}

	// Access tracking is best effort: its failure never fails the read.
	if err := d.touchDocuments(id); err != nil {
		d.logger.Warn("could not update access tracking", "id", id, "err", err.Error())
		return stored, nil
	}
	stored.Document.AccessCount++
	stored.Document.LastAccessed = time.Now().UTC()

	return stored, nil
}

func (d *DB) read(id string) (*StoredDocument, error) {
	var stored *StoredDocument
	err := d.store.View(func(tx *bolt.Tx) error {
		docValue := tx.Bucket([]byte(documentsBucket)).Get([]byte(id))
		if docValue == nil {
			return nil
		}

		var document Document
		if err := json.Unmarshal(docValue, &document); err != nil {
			return fmt.Errorf("failed to unmarshal document %s: %w", id, err)
		}

		var content SearchContent
		if contentValue := tx.Bucket([]byte(contentsBucket)).Get([]byte(id)); contentValue != nil {
			if err := json.Unmarshal(contentValue, &content); err != nil {
				return fmt.Errorf("failed to unmarshal content %s: %w", id, err)
			}
		}

		stored = &StoredDocument{Document: document, Content: content}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stored, nil
}

// Delete removes the document and content rows atomically and cascades
// to the index. Deleting a nonexistent id is a no-op.
func (d *DB) Delete(id string) (bool, error) {
	existed := false
	var removed int64
	err := d.store.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket([]byte(documentsBucket))
		contents := tx.Bucket([]byte(contentsBucket))

		if docs.Get([]byte(id)) == nil {
			return nil
		}
		existed = true
		removed = int64(len(contents.Get([]byte(id))))

		if err := docs.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete document row: %w", err)
		}
		if err := contents.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete content row: %w", err)
		}

		return nil
	})
	if err != nil {
		d.logger.Error("delete transaction rolled back", "id", id, "err", err.Error())
		return false, &TransactionError{Op: "delete", DocID: id, Cause: err}
	}

	if !existed {
		return false, nil
	}

	if err := d.index.Delete(id); err != nil {
		// A ghost index entry is harmless: search hits without a
		// backing row are skipped.
		d.logger.Error("could not delete index entry", "id", id, "err", err.Error())
	}
	d.reportFootprint(-removed)

	return true, nil
}

// touchDocuments bumps access counters and last-accessed timestamps
// for the given ids in one transaction.
func (d *DB) touchDocuments(ids ...string) error {
	now := time.Now().UTC()
	return d.store.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket([]byte(documentsBucket))
		for _, id := range ids {
			docValue := docs.Get([]byte(id))
			if docValue == nil {
				continue
			}

			var document Document
			if err := json.Unmarshal(docValue, &document); err != nil {
				return fmt.Errorf("failed to unmarshal document %s: %w", id, err)
			}
			document.AccessCount++
			document.LastAccessed = now

			updated, err := json.Marshal(document)
			if err != nil {
				return fmt.Errorf("failed to marshal document %s: %w", id, err)
			}
			if err := docs.Put([]byte(id), updated); err != nil {
				return fmt.Errorf("failed to update document %s: %w", id, err)
			}
		}
		return nil
	})
}

// MigrationCandidates returns documents older than ageDaysThreshold
// with an access count below maxAccessCount, ordered last-accessed
// ascending then access-count ascending: the eviction order to the
// cold tier.
func (d *DB) MigrationCandidates(maxCount int, ageDaysThreshold int, maxAccessCount int64) ([]Candidate, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -ageDaysThreshold)

	var candidates []Candidate
	err := d.store.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(documentsBucket)).ForEach(func(_, v []byte) error {
			var document Document
			if err := json.Unmarshal(v, &document); err != nil {
				return fmt.Errorf("failed to unmarshal document: %w", err)
			}

			if !document.UploadDate.Before(cutoff) {
				return nil
			}
			if document.AccessCount >= maxAccessCount {
				return nil
			}

			candidates = append(candidates, Candidate{
				Document:     document,
				LastAccessed: document.LastAccessed,
				AccessCount:  document.AccessCount,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastAccessed.Equal(candidates[j].LastAccessed) {
			return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
		}
		return candidates[i].AccessCount < candidates[j].AccessCount
	})

	if maxCount > 0 && len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}

	return candidates, nil
}

func (d *DB) Stats() (Stats, error) {
	stats := Stats{}

	err := d.store.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(documentsBucket)).ForEach(func(_, v []byte) error {
			var document Document
			if err := json.Unmarshal(v, &document); err != nil {
				return fmt.Errorf("failed to unmarshal document: %w", err)
			}
			stats.DocumentCount++
			stats.TotalSizeBytes += document.Size
			return nil
		})
	})
	if err != nil {
		return Stats{}, err
	}

	indexed, err := d.index.DocCount()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get index doc count: %w", err)
	}
	stats.IndexedCount = indexed

	return stats, nil
}

func (d *DB) Close() error {
	d.mem.UntrackResource(contentResourceID)

	if d.index != nil {
		if err := d.index.Close(); err != nil {
			d.logger.Error("could not close search index", "err", err.Error())
			return err
		}
	}
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}
