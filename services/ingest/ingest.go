// Package ingest feeds bulk document loads through the hot index one
// document at a time. Jobs run on a single worker goroutine; pause and
// resume are cooperative, checked between documents so no document is
// ever half-stored.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthony-walsh/docvault/db/hotdb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/memory"
	"github.com/google/uuid"
)

var ErrJobNotFound = errors.New("ingest job not found")

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Item is one document to ingest: metadata plus the full text to index.
type Item struct {
	Document hotdb.Document `json:"document"`
	Content  string         `json:"content"`
}

// Progress is a point-in-time snapshot of a job. Stored counts only
// documents whose transaction committed.
type Progress struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Total      int       `json:"total"`
	Stored     int       `json:"stored"`
	Failed     int       `json:"failed"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

type job struct {
	id    string
	items []Item
}

type Service struct {
	logger logger.Logger
	engine *hotdb.Engine
	mem    *memory.Controller

	jobs chan job

	mu       sync.Mutex
	progress map[string]*Progress
	paused   bool
	resumeC  chan struct{}
}

func New(ctx context.Context, logger logger.Logger, engine *hotdb.Engine, mem *memory.Controller) *Service {
	resumeC := make(chan struct{})
	close(resumeC)

	service := &Service{
		logger:   logger,
		engine:   engine,
		mem:      mem,
		jobs:     make(chan job, 16),
		progress: make(map[string]*Progress),
		resumeC:  resumeC,
	}

	go service.run(ctx)
	return service
}

// Submit queues a bulk load and returns its job id immediately.
func (s *Service) Submit(ctx context.Context, items []Item) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("cannot submit an empty ingest job")
	}

	id := uuid.New().String()

	s.mu.Lock()
	s.progress[id] = &Progress{
		ID:     id,
		Status: StatusQueued,
		Total:  len(items),
	}
	s.mu.Unlock()

	select {
	case s.jobs <- job{id: id, items: items}:
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.progress, id)
		s.mu.Unlock()
		return "", ctx.Err()
	}

	return id, nil
}

// Progress returns a snapshot of the given job.
func (s *Service) Progress(id string) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.progress[id]
	if !ok {
		return Progress{}, ErrJobNotFound
	}
	return *entry, nil
}

// Pause stops the worker at the next document boundary. The document
// currently being stored always completes.
func (s *Service) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.resumeC = make(chan struct{})
	s.logger.Info("ingest paused")
}

func (s *Service) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resumeC)
	s.logger.Info("ingest resumed")
}

func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Service) run(ctx context.Context) {
	for {
		select {
		case j := <-s.jobs:
			s.process(ctx, j)
		case <-ctx.Done():
			s.logger.Info("ingest worker stopped", "reason", ctx.Err())
			return
		}
	}
}

func (s *Service) process(ctx context.Context, j job) {
	s.mem.BeginOperation()
	defer s.mem.EndOperation()

	s.update(j.id, func(p *Progress) {
		p.Status = StatusRunning
		p.StartedAt = time.Now().UTC()
	})

	for _, item := range j.items {
		if err := s.waitIfPaused(ctx); err != nil {
			s.finish(j.id, StatusFailed, err)
			return
		}

		_, err := s.engine.Store(ctx, item.Document, hotdb.SearchContent{
			Content:  item.Content,
			Metadata: item.Document.Metadata,
		})
		if err != nil {
			s.logger.Warn("ingest could not store document", "job_id", j.id, "filename", item.Document.Filename, "err", err.Error())
			s.update(j.id, func(p *Progress) {
				p.Failed++
				p.LastError = err.Error()
			})
			continue
		}

		s.update(j.id, func(p *Progress) {
			p.Stored++
		})
	}

	s.finish(j.id, StatusCompleted, nil)
}

// waitIfPaused blocks between documents while the service is paused.
func (s *Service) waitIfPaused(ctx context.Context) error {
	s.mu.Lock()
	resumeC := s.resumeC
	s.mu.Unlock()

	select {
	case <-resumeC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) update(id string, apply func(*Progress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.progress[id]; ok {
		apply(entry)
	}
}

func (s *Service) finish(id string, status Status, err error) {
	s.update(id, func(p *Progress) {
		p.Status = status
		p.FinishedAt = time.Now().UTC()
		if err != nil {
			p.LastError = err.Error()
		}
	})
}
