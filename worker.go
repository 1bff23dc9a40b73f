package filequeue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// Outcome is what a RecordProcessor reports for a record it handled without error.
type Outcome int

const (
	// OutcomeComplete marks the record complete.
	OutcomeComplete Outcome = iota
	// OutcomeSkipped marks the record skipped.
	OutcomeSkipped
	// OutcomeDelayed parks the record so another file runs first.
	OutcomeDelayed
)

// RecordProcessor handles one record. A non-nil error marks the record failed.
type RecordProcessor func(ctx context.Context, rec *Record) (Outcome, error)

// WorkItemProcessor handles one work item and returns its serialized output.
// A non-nil error marks the item failed.
type WorkItemProcessor func(ctx context.Context, item *WorkItem) (string, error)

// WorkerPool runs a fixed number of goroutines that take work from a TaskQueue and,
// when one is attached, preferentially from a WorkItemQueue.
type WorkerPool struct {
	queue         *TaskQueue
	items         *WorkItemQueue
	processRecord RecordProcessor
	processItem   WorkItemProcessor
	workers       int
	refresh       time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	started bool
	doneCh  chan struct{}
	stopCh  chan struct{}
	err     error
}

// NewWorkerPool creates a pool of cfg.Workers goroutines.
// items and processItem may be nil when the action is not parallelizable.
func NewWorkerPool(queue *TaskQueue, items *WorkItemQueue, processRecord RecordProcessor, processItem WorkItemProcessor, cfg *Config, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = discardLogger()
	}
	cfg = cfg.normalized()
	if items != nil {
		queue.AttachWorkItems(items)
	}
	return &WorkerPool{
		queue:         queue,
		items:         items,
		processRecord: processRecord,
		processItem:   processItem,
		workers:       cfg.Workers,
		refresh:       cfg.SettingsRefresh,
		logger:        logger,
		doneCh:        make(chan struct{}),
		stopCh:        make(chan struct{}),
	}
}

// Start applies backing store settings and starts the worker goroutines.
// It returns immediately; use Wait to block until all workers exit.
func (p *WorkerPool) Start(ctx context.Context) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}

	if err := p.queue.ApplySettings(ctx); err != nil {
		return errors.Wrap(err, "failed to apply store settings")
	}
	p.started = true

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.processLoop(gctx, worker)
		})
	}

	go p.settingsLoop(gctx)

	go func() {
		err := g.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.stopCh)
		close(p.doneCh)
	}()

	p.logger.Debug("WorkerPool: started", "workers", p.workers)
	return nil
}

// CloseInput tells workers that no more work will be added; they exit once the
// queue drains.
func (p *WorkerPool) CloseInput() {
	p.queue.CloseInput()
}

// Stop lets every worker finish its in-flight record, then waits for them to exit.
func (p *WorkerPool) Stop() error {
	p.queue.Stop()
	return p.Wait()
}

// Discard aborts the queue and its work items, then waits for the workers.
// Records already checked out still finish.
func (p *WorkerPool) Discard(ctx context.Context) error {
	p.queue.Discard(ctx)
	return p.Wait()
}

// Wait blocks until every worker has exited and returns the first fatal error.
func (p *WorkerPool) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	<-p.doneCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *WorkerPool) halted() bool {
	select {
	case <-p.queue.StopSignal():
		return true
	case <-p.queue.DiscardedSignal():
		return true
	default:
		return false
	}
}

// processLoop takes work until the queue is stopped, discarded or exhausted.
// Only an invalid state transition ends it with an error.
func (p *WorkerPool) processLoop(ctx context.Context, worker int) error {
	log := p.logger.With("worker", worker)
	for {
		if p.halted() || ctx.Err() != nil {
			return nil
		}

		if p.items != nil && p.processItem != nil {
			item, err := p.items.TryGetWorkItem(ctx)
			if err != nil {
				if IsInvalidStateTransition(err) {
					return err
				}
				log.Error("processLoop: failed to get work item", "error", err)
			} else if item != nil {
				p.processWorkItem(ctx, log, item)
				continue
			}
		}

		rec, err := p.queue.Pop(ctx, true)
		if err != nil {
			if IsInvalidStateTransition(err) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Error("processLoop: failed to pop record", "error", err)
			sleepOrSignal(ctx, p.queue.backoff.Next(), p.queue.StopSignal(), p.queue.DiscardedSignal())
			continue
		}
		if rec == nil {
			if p.queue.Exhausted() {
				if p.items == nil || p.items.InFlight() == 0 {
					return nil
				}
				sleepOrSignal(ctx, p.queue.backoff.Current(), p.queue.StopSignal(), p.queue.DiscardedSignal())
			}
			continue
		}

		if err := p.processRecordOnce(ctx, log, rec); err != nil {
			return err
		}
	}
}

func (p *WorkerPool) processRecordOnce(ctx context.Context, log *slog.Logger, rec *Record) error {
	outcome, perr := p.processRecord(ctx, rec)

	var err error
	switch {
	case perr != nil:
		log.Debug("processRecord: failed", "id", rec.ID, "error", perr)
		err = p.queue.Fail(ctx, rec.ID, perr)
	case outcome == OutcomeSkipped:
		err = p.queue.Skip(ctx, rec.ID)
	case outcome == OutcomeDelayed:
		err = p.queue.Delay(ctx, rec.ID)
	default:
		err = p.queue.Complete(ctx, rec.ID)
	}
	if err == nil {
		return nil
	}
	if IsInvalidStateTransition(err) {
		log.Error("processRecord: invalid state transition", "id", rec.ID, "error", err)
		return err
	}

	// The record is still current; park it so it is retried later.
	log.Error("processRecord: failed to report outcome, delaying", "id", rec.ID, "error", err)
	if derr := p.queue.Delay(context.WithoutCancel(ctx), rec.ID); derr != nil {
		if IsInvalidStateTransition(derr) {
			return derr
		}
		log.Error("processRecord: failed to delay record", "id", rec.ID, "error", derr)
	}
	return nil
}

func (p *WorkerPool) processWorkItem(ctx context.Context, log *slog.Logger, item *WorkItem) {
	output, perr := p.processItem(ctx, item)
	status := WorkItemComplete
	if perr != nil {
		status = WorkItemFailed
	}
	if err := p.items.ReportWorkItemResult(context.WithoutCancel(ctx), item.ID, status, output, perr); err != nil {
		log.Error("processWorkItem: failed to report result", "id", item.ID, "status", status, "error", err)
	}
}

// settingsLoop periodically re-reads backing store settings.
func (p *WorkerPool) settingsLoop(ctx context.Context) {
	if p.refresh <= 0 {
		return
	}
	ticker := time.NewTicker(p.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ApplySettings(ctx); err != nil {
				p.logger.Warn("settingsLoop: failed to refresh settings", "error", err)
			}
		}
	}
}
