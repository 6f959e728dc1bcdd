package hotdb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
	bolt "go.etcd.io/bbolt"
)

const snippetContext = 100

const (
	indexFieldContent  = "content"
	indexFieldFilename = "filename"
)

type indexEntry struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func createIndexMapping() mapping.IndexMapping {

	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	// Filename field - analyzed for partial matching
	filenameFieldMapping := bleve.NewTextFieldMapping()
	filenameFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt(indexFieldFilename, filenameFieldMapping)

	// Content field - analyzed for full-text search
	contentFieldMapping := bleve.NewTextFieldMapping()
	contentFieldMapping.Analyzer = standard.Name
	contentFieldMapping.Store = false // Don't store full content in index
	contentFieldMapping.Index = true  // But do index it for searching
	docMapping.AddFieldMappingsAt(indexFieldContent, contentFieldMapping)

	indexMapping.AddDocumentMapping("_default", docMapping)

	return indexMapping
}

func (d *DB) indexDocument(document Document, content SearchContent) error {
	return d.index.Index(document.ID, indexEntry{
		Filename: document.Filename,
		Content:  content.Content,
	})
}

// Search runs a ranked query against the index. Results are ordered by
// rank ascending (lower is more relevant). If the indexed path fails,
// the engine degrades to a literal substring scan over the stored
// content rows instead of surfacing a hard error.
func (d *DB) Search(queryString string, limit int) (*Response, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 10
	}

	searchQuery := buildSearchQuery(queryString)

	searchRequest := bleve.NewSearchRequestOptions(searchQuery, limit, 0, false)
	searchRequest.IncludeLocations = true
	searchRequest.Highlight = bleve.NewHighlight()
	searchRequest.Highlight.AddField(indexFieldContent)

	searchResult, err := d.index.Search(searchRequest)
	if err != nil {
		d.logger.Error("indexed search failed, degrading to scan", "query", queryString, "err", err.Error())
		return d.scanSearch(queryString, limit, start)
	}

	results := make([]Result, 0, len(searchResult.Hits))
	ids := make([]string, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		stored, err := d.read(hit.ID)
		if err != nil {
			d.logger.Error("could not load document for search hit", "id", hit.ID, "err", err.Error())
			continue
		}
		if stored == nil {
			// Index entry without a backing row, e.g. after a failed
			// cascading delete.
			continue
		}

		results = append(results, Result{
			Document: stored.Document,
			Rank:     -hit.Score,
			Snippet:  extractSnippet(stored.Content.Content, hit.Locations),
		})
		ids = append(ids, hit.ID)
	}

	// Access tracking for the returned documents runs in one follow-up
	// transaction; its failure never retracts results already computed.
	if len(ids) > 0 {
		if err := d.touchDocuments(ids...); err != nil {
			d.logger.Warn("could not update access tracking for search results", "err", err.Error())
		}
	}

	return &Response{
		Results:   results,
		Query:     queryString,
		Total:     searchResult.Total,
		ElapsedMs: time.Since(start).Milliseconds(),
		Source:    SourceHot,
	}, nil
}

func (d *DB) scanSearch(queryString string, limit int, start time.Time) (*Response, error) {
	needle := strings.ToLower(strings.Trim(strings.TrimSpace(queryString), `"`))

	var results []Result
	var ids []string
	var total uint64
	err := d.store.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket([]byte(documentsBucket))
		return tx.Bucket([]byte(contentsBucket)).ForEach(func(k, v []byte) error {
			var content SearchContent
			if err := json.Unmarshal(v, &content); err != nil {
				return fmt.Errorf("failed to unmarshal content: %w", err)
			}

			matchStart := strings.Index(strings.ToLower(content.Content), needle)
			if matchStart < 0 {
				return nil
			}
			total++

			docValue := docs.Get(k)
			if docValue == nil {
				return nil
			}
			var document Document
			if err := json.Unmarshal(docValue, &document); err != nil {
				return fmt.Errorf("failed to unmarshal document: %w", err)
			}

			results = append(results, Result{
				Document: document,
				Snippet:  sliceSnippet(content.Content, matchStart, matchStart+len(needle)),
			})
			ids = append(ids, document.ID)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan search failed: %w", err)
	}

	// The scan has no relevance signal; newest documents first keeps
	// the ordering deterministic.
	sort.Slice(results, func(i, j int) bool {
		return results[i].Document.UploadDate.After(results[j].Document.UploadDate)
	})
	if len(results) > limit {
		results = results[:limit]
		ids = ids[:limit]
	}

	if len(ids) > 0 {
		if err := d.touchDocuments(ids...); err != nil {
			d.logger.Warn("could not update access tracking for search results", "err", err.Error())
		}
	}

	return &Response{
		Results:   results,
		Query:     queryString,
		Total:     total,
		ElapsedMs: time.Since(start).Milliseconds(),
		Source:    SourceFallback,
	}, nil
}

func extractSnippet(content string, locations search.FieldTermLocationMap) string {
	contentLocations, hasContentMatch := locations[indexFieldContent]
	if !hasContentMatch || len(contentLocations) == 0 || content == "" {
		return ""
	}

	// Use the earliest match so the snippet is deterministic.
	matchStart := uint64(0)
	matchEnd := uint64(0)
	found := false
	for _, termLocations := range contentLocations {
		for _, location := range termLocations {
			if location == nil {
				continue
			}
			if !found || location.Start < matchStart {
				matchStart = location.Start
				matchEnd = location.End
				found = true
			}
		}
	}
	if !found {
		return ""
	}

	contentSize := uint64(len(content))
	if matchStart >= contentSize {
		return ""
	}
	if matchEnd > contentSize {
		matchEnd = contentSize
	}

	return sliceSnippet(content, int(matchStart), int(matchEnd))
}

func sliceSnippet(content string, matchStart, matchEnd int) string {
	snippetStart := max(0, matchStart-snippetContext)
	snippetEnd := min(len(content), matchEnd+snippetContext)

	snippet := strings.TrimSpace(content[snippetStart:snippetEnd])
	if snippetStart > 0 {
		snippet = "..." + snippet
	}
	if snippetEnd < len(content) {
		snippet = snippet + "..."
	}

	return snippet
}
