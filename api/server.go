package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/anthony-walsh/docvault/config"
	"github.com/anthony-walsh/docvault/crypto"
	"github.com/anthony-walsh/docvault/db/colddb"
	"github.com/anthony-walsh/docvault/db/hotdb"
	"github.com/anthony-walsh/docvault/logger"
	"github.com/anthony-walsh/docvault/memory"
	"github.com/anthony-walsh/docvault/services/ingest"
	"github.com/anthony-walsh/docvault/services/migration"
	"github.com/anthony-walsh/docvault/validation"
	"github.com/gin-gonic/gin"
)

type server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	logger     logger.Logger

	mem          *memory.Controller
	engine       *hotdb.Engine
	archive      *colddb.Archive
	journal      *migration.Journal
	orchestrator *migration.Orchestrator
	ingest       *ingest.Service
	validator    *validation.Validator
}

func Run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)

	defer cancel()

	s := &server{
		logger: logger.New(),
		cfg:    cfg,
	}
	if err := s.setupDependencies(ctx); err != nil {
		return err
	}

	// Purges interrupted by a crash are replayed before any request is
	// served, so the hot tier never holds rows that were already
	// archived and journaled for removal.
	replayed, err := s.orchestrator.Recover(ctx)
	if err != nil {
		s.logger.Error("could not replay interrupted migrations", "err", err.Error())
		return err
	}
	if replayed > 0 {
		s.logger.Info("replayed interrupted migrations", "count", replayed)
	}

	go s.orchestrator.Run(ctx)

	s.setupRouter()
	s.setupHTTPServer()
	s.setupGracefulShutdown(ctx)

	return nil
}

func (s *server) setupDependencies(ctx context.Context) error {
	var err error
	s.mem, err = memory.New(s.logger, memory.Thresholds{
		Target:   s.cfg.GetMemoryTargetBytes(),
		Warning:  s.cfg.GetMemoryWarningBytes(),
		Critical: s.cfg.GetMemoryCriticalBytes(),
	})
	if err != nil {
		s.logger.Error("error creating memory controller", "err", err.Error())
		return err
	}
	s.mem.OnMemoryWarning(func(stats memory.Stats) {
		s.logger.Warn("memory warning threshold crossed", "current", stats.Current, "warning", stats.Thresholds.Warning)
	})

	pipeline, err := crypto.NewPipeline(s.logger, crypto.Config{Iterations: s.cfg.GetKeyIterations()})
	if err != nil {
		s.logger.Error("error creating encryption pipeline", "err", err.Error())
		return err
	}

	db, err := hotdb.NewDB(s.logger, s.cfg, s.mem)
	if err != nil {
		s.logger.Error("error creating hot db", "err", err.Error())
		return err
	}
	s.engine = hotdb.NewEngine(ctx, s.logger, db)

	s.archive, err = colddb.New(s.logger, s.cfg, pipeline, s.mem)
	if err != nil {
		s.logger.Error("error creating archive", "err", err.Error())
		return err
	}

	s.journal, err = migration.NewJournal(s.logger, s.cfg)
	if err != nil {
		s.logger.Error("error creating migration journal", "err", err.Error())
		return err
	}
	s.orchestrator = migration.New(s.logger, s.cfg, s.engine, s.archive, s.mem, s.journal)

	s.ingest = ingest.New(ctx, s.logger, s.engine, s.mem)

	s.validator, err = validation.New(s.logger)
	if err != nil {
		s.logger.Error("error creating validator", "err", err.Error())
		return err
	}

	return nil

}

func (s *server) setupRouter() {
	router := newRouter()

	router.Use(loggingMiddleware(s.logger))

	setupRoutes(router, s.logger, s.engine, s.archive, s.orchestrator, s.ingest, s.mem, s.validator)

	s.router = router
}

func (s *server) setupHTTPServer() {

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", s.cfg.GetPort()),
		Handler: s.router.Handler(),
	}
	s.httpServer = httpServer
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()
}

func (s *server) setupGracefulShutdown(ctx context.Context) {

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		s.logger.Info("starting to shut down http server")
		shutdownCtx := context.Background()
		shutdownCtx, cancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer cancel()
		if err := s.engine.Close(); err != nil {
			s.logger.Error("error closing hot index", "err", err.Error())
		}
		if err := s.archive.Close(); err != nil {
			s.logger.Error("error closing archive", "err", err.Error())
		}
		if err := s.journal.Close(); err != nil {
			s.logger.Error("error closing migration journal", "err", err.Error())
		}
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down http server", "err", err)
			return
		}
		s.logger.Info("shut down http server successfully")
	}()

	wg.Wait()
}
