// Package orchestrator schedules visits across a bounded pool of workers,
// each owning one long-lived browser process, and supervises those
// processes.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cookiescope/consent-crawler/internal/consent"
	"github.com/cookiescope/consent-crawler/internal/logging"
	"github.com/cookiescope/consent-crawler/internal/metrics"
	"github.com/cookiescope/consent-crawler/internal/visit"
)

// BrowserSession is one worker's browser: the visit surface plus process
// lifecycle.
type BrowserSession interface {
	visit.Browser
	PID() int
	Close()
}

// SessionFactory launches a fresh browser session.
type SessionFactory func(ctx context.Context, logger *zap.Logger) (BrowserSession, error)

// VisitRunner executes one visit.
type VisitRunner interface {
	Run(ctx context.Context, v consent.Visit) consent.VisitResult
}

// RunnerFactory builds the runner driving a session, carrying the per-visit
// logger.
type RunnerFactory func(session BrowserSession, logger *zap.Logger) VisitRunner

// WorkerProcessHandle tracks one in-flight visit's browser process for
// lifecycle supervision.
type WorkerProcessHandle struct {
	PID       int
	VisitID   string
	StartTime time.Time
}

// Config controls pool behavior.
type Config struct {
	Workers      int
	VisitTimeout time.Duration
}

// Validate reports startup configuration errors, the only fatal class.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.VisitTimeout <= 0 {
		return fmt.Errorf("visit timeout must be > 0, got %s", c.VisitTimeout)
	}
	return nil
}

// Orchestrator runs the pool. Exactly one VisitResult reaches the sink per
// visit, including timeouts, panics, and session failures.
type Orchestrator struct {
	cfg      Config
	sessions SessionFactory
	runners  RunnerFactory
	sink     ResultSink
	killer   processKiller
	logger   *zap.Logger

	total     atomic.Int64
	completed atomic.Int64

	retryMu sync.Mutex
	retry   []string

	handleMu sync.Mutex
	handles  map[string]WorkerProcessHandle
}

// New builds an orchestrator.
func New(cfg Config, sessions SessionFactory, runners RunnerFactory, sink ResultSink, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		runners:  runners,
		sink:     sink,
		killer:   gopsutilSupervisor{},
		logger:   logger,
		handles:  make(map[string]WorkerProcessHandle),
	}
}

// Run crawls all visits and blocks until every result has been recorded.
func (o *Orchestrator) Run(ctx context.Context, visits []consent.Visit) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}
	o.total.Store(int64(len(visits)))

	work := make(chan consent.Visit)
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			o.worker(ctx, workerID, work)
		}(i)
	}

	for _, v := range visits {
		work <- v
	}
	close(work)
	wg.Wait()
	return nil
}

// Progress reports completed and total visit counts.
func (o *Orchestrator) Progress() (completed, total int64) {
	return o.completed.Load(), o.total.Load()
}

// RetryList returns the targets that failed with a transport-class state
// and are worth a second run.
func (o *Orchestrator) RetryList() []string {
	o.retryMu.Lock()
	defer o.retryMu.Unlock()
	out := make([]string, len(o.retry))
	copy(out, o.retry)
	return out
}

// Handles returns the in-flight process handles.
func (o *Orchestrator) Handles() []WorkerProcessHandle {
	o.handleMu.Lock()
	defer o.handleMu.Unlock()
	out := make([]WorkerProcessHandle, 0, len(o.handles))
	for _, h := range o.handles {
		out = append(out, h)
	}
	return out
}

// worker processes visits sequentially on one browser session, replacing
// the session after a timeout kill.
func (o *Orchestrator) worker(ctx context.Context, workerID int, work <-chan consent.Visit) {
	logger := logging.ForWorker(o.logger, workerID)
	var session BrowserSession
	defer func() {
		if session != nil {
			session.Close()
		}
	}()

	for v := range work {
		visitLogger := logger.With(zap.String("visit_id", v.ID), zap.String("url", v.TargetURL))

		if ctx.Err() != nil {
			o.record(ctx, v, synthesized(v, "crawl canceled"), visitLogger)
			continue
		}

		if session == nil {
			var err error
			session, err = o.sessions(ctx, logger)
			if err != nil {
				logger.Error("browser session unavailable", zap.Error(err))
				o.record(ctx, v, synthesized(v, fmt.Sprintf("browser session unavailable: %v", err)), visitLogger)
				continue
			}
		}

		result, timedOut := o.runVisit(ctx, session, v, visitLogger)
		if timedOut {
			o.killSession(ctx, session, visitLogger)
			session = nil
		}
		o.record(ctx, v, result, visitLogger)
	}
}

// runVisit executes one visit under the wall-clock timeout. The runner
// goroutine writes into a buffered channel so a late result after a timeout
// is discarded rather than leaked or double-recorded.
func (o *Orchestrator) runVisit(ctx context.Context, session BrowserSession, v consent.Visit, logger *zap.Logger) (consent.VisitResult, bool) {
	o.track(v, session.PID())
	defer o.untrack(v.ID)

	done := make(chan consent.VisitResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("visit panicked", zap.Any("panic", r))
				done <- synthesized(v, fmt.Sprintf("panic during visit: %v", r))
			}
		}()
		done <- o.runners(session, logger).Run(ctx, v)
	}()

	timer := time.NewTimer(o.cfg.VisitTimeout)
	defer timer.Stop()
	select {
	case result := <-done:
		return result, false
	case <-timer.C:
		logger.Warn("visit exceeded timeout", zap.Duration("timeout", o.cfg.VisitTimeout))
		metrics.ObserveVisitTimeout()
		return synthesized(v, fmt.Sprintf("visit exceeded %s timeout", o.cfg.VisitTimeout)), true
	}
}

func (o *Orchestrator) killSession(ctx context.Context, session BrowserSession, logger *zap.Logger) {
	pid := session.PID()
	if pid > 0 {
		if err := o.killer.KillTree(ctx, int32(pid)); err != nil {
			logger.Error("failed to kill browser process tree", zap.Int("pid", pid), zap.Error(err))
		}
	}
	session.Close()
}

func (o *Orchestrator) record(ctx context.Context, v consent.Visit, result consent.VisitResult, logger *zap.Logger) {
	if result.CrawlState.Retryable() {
		o.retryMu.Lock()
		o.retry = append(o.retry, v.TargetURL)
		o.retryMu.Unlock()
	}
	metrics.ObserveVisit(string(result.CMPType), string(result.CrawlState), len(result.ConsentRecords))
	if err := o.sink.Append(ctx, result); err != nil {
		logger.Error("failed to record visit result", zap.Error(err))
	}
	o.completed.Add(1)
	logger.Info("visit recorded",
		zap.String("cmp", string(result.CMPType)),
		zap.String("state", string(result.CrawlState)))
}

func (o *Orchestrator) track(v consent.Visit, pid int) {
	o.handleMu.Lock()
	defer o.handleMu.Unlock()
	o.handles[v.ID] = WorkerProcessHandle{PID: pid, VisitID: v.ID, StartTime: time.Now()}
}

func (o *Orchestrator) untrack(visitID string) {
	o.handleMu.Lock()
	defer o.handleMu.Unlock()
	delete(o.handles, visitID)
}

func synthesized(v consent.Visit, report string) consent.VisitResult {
	return consent.VisitResult{
		VisitID:    v.ID,
		TargetURL:  v.TargetURL,
		CMPType:    consent.CMPFailed,
		CrawlState: consent.StateUnknown,
		Report:     report,
	}
}
