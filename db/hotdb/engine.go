package hotdb

import (
	"context"
	"fmt"

	"github.com/anthony-walsh/docvault/logger"
	"github.com/google/uuid"
)

// Commands form a closed set; the engine worker matches them
// exhaustively. Each variant carries its own typed payload.
type command interface {
	isCommand()
}

type storeCommand struct {
	document Document
	content  SearchContent
}

type getCommand struct {
	id string
}

type searchCommand struct {
	query string
	limit int
}

type deleteCommand struct {
	id string
}

type statsCommand struct{}

type candidatesCommand struct {
	maxCount       int
	ageDays        int
	maxAccessCount int64
}

func (storeCommand) isCommand()      {}
func (getCommand) isCommand()        {}
func (searchCommand) isCommand()     {}
func (deleteCommand) isCommand()     {}
func (statsCommand) isCommand()      {}
func (candidatesCommand) isCommand() {}

type reply struct {
	requestID string
	value     any
	err       error
}

type request struct {
	requestID string
	command   command
	replyC    chan reply
}

// Engine serializes all hot-index operations through a single worker
// goroutine: mutations and searches run to completion one at a time
// against the store, preserving transaction integrity. Requests from
// one caller keep their submission order; across callers the queue is
// first-submitted-first-served.
type Engine struct {
	logger   logger.Logger
	db       *DB
	requests chan request
}

func NewEngine(ctx context.Context, logger logger.Logger, db *DB) *Engine {
	engine := &Engine{
		logger:   logger,
		db:       db,
		requests: make(chan request),
	}

	go engine.run(ctx)
	return engine
}

func (e *Engine) run(ctx context.Context) {
	for {
		select {
		case req := <-e.requests:
			value, err := e.execute(req.command)
			if err != nil {
				e.logger.Warn("hot index operation failed", "request_id", req.requestID, "err", err.Error())
			}
			req.replyC <- reply{requestID: req.requestID, value: value, err: err}
		case <-ctx.Done():
			e.logger.Info("hot index engine stopped", "reason", ctx.Err())
			return
		}
	}
}

func (e *Engine) execute(cmd command) (any, error) {
	switch cmd := cmd.(type) {
	case storeCommand:
		return e.db.Store(cmd.document, cmd.content)
	case getCommand:
		return e.db.Get(cmd.id)
	case searchCommand:
		return e.db.Search(cmd.query, cmd.limit)
	case deleteCommand:
		return e.db.Delete(cmd.id)
	case statsCommand:
		return e.db.Stats()
	case candidatesCommand:
		return e.db.MigrationCandidates(cmd.maxCount, cmd.ageDays, cmd.maxAccessCount)
	}

	return nil, fmt.Errorf("unknown command type %T", cmd)
}

// submit queues a command and waits for its correlated reply. A caller
// that stops waiting must treat any late response as void: the
// operation still runs to completion on the worker, and the buffered
// reply channel lets the worker move on without blocking.
func (e *Engine) submit(ctx context.Context, cmd command) (any, error) {
	req := request{
		requestID: uuid.New().String(),
		command:   cmd,
		replyC:    make(chan reply, 1),
	}

	select {
	case e.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rep := <-req.replyC:
		return rep.value, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) Store(ctx context.Context, document Document, content SearchContent) (string, error) {
	value, err := e.submit(ctx, storeCommand{document: document, content: content})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (e *Engine) Get(ctx context.Context, id string) (*StoredDocument, error) {
	value, err := e.submit(ctx, getCommand{id: id})
	if err != nil {
		return nil, err
	}
	return value.(*StoredDocument), nil
}

func (e *Engine) Search(ctx context.Context, query string, limit int) (*Response, error) {
	value, err := e.submit(ctx, searchCommand{query: query, limit: limit})
	if err != nil {
		return nil, err
	}
	return value.(*Response), nil
}

func (e *Engine) Delete(ctx context.Context, id string) (bool, error) {
	value, err := e.submit(ctx, deleteCommand{id: id})
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	value, err := e.submit(ctx, statsCommand{})
	if err != nil {
		return Stats{}, err
	}
	return value.(Stats), nil
}

func (e *Engine) MigrationCandidates(ctx context.Context, maxCount int, ageDays int, maxAccessCount int64) ([]Candidate, error) {
	value, err := e.submit(ctx, candidatesCommand{maxCount: maxCount, ageDays: ageDays, maxAccessCount: maxAccessCount})
	if err != nil {
		return nil, err
	}
	return value.([]Candidate), nil
}

// Close releases the underlying store and index. The engine context
// must be cancelled first so no requests are in flight.
func (e *Engine) Close() error {
	return e.db.Close()
}
