package filequeue

import (
	"context"
)

// batchFilter builds the backing store filter from the queue configuration.
func (q *TaskQueue) batchFilter() BatchFilter {
	return BatchFilter{
		Action:         q.cfg.Action,
		IncludeSkipped: q.cfg.IncludeSkipped,
		MinPriority:    q.cfg.MinPriority,
		UserScope:      q.cfg.UserScope,
		RandomOrder:    q.cfg.RandomOrder,
	}
}

// loadIfEmpty fetches a batch from the backing store when nothing is pending.
// Only one goroutine loads at a time; the others find pending non-empty afterwards.
//
// The request shrinks by the number of delayed ids, except that a single delayed
// id still lets one row through so a different file runs before it resurfaces.
// An empty result promotes the delayed ids back to pending.
func (q *TaskQueue) loadIfEmpty(ctx context.Context) error {
	q.loadMu.Lock()
	defer q.loadMu.Unlock()

	q.queueMu.Lock()
	if len(q.pending) > 0 || q.discarded.isSet() {
		q.queueMu.Unlock()
		return nil
	}
	delayed := len(q.delayed)
	n := q.cfg.BatchSize - delayed
	if delayed == 1 && n < 1 {
		n = 1
	}
	closed := q.closed.isSet()
	q.queueMu.Unlock()

	var batch []*Record
	if n > 0 && !closed {
		var err error
		batch, err = q.store.FetchNextBatch(ctx, q.batchFilter(), n)
		if err != nil {
			q.logger.Error("loadBatch: fetch failed", "requested", n, "error", err)
			return storeUnavailable(err, "load batch of %d", n)
		}
		q.logger.Debug("loadBatch: fetched", "requested", n, "received", len(batch), "delayed", delayed)
	}

	q.queueMu.Lock()
	if len(batch) == 0 {
		promoted := q.requeueDelayedLocked()
		q.queueMu.Unlock()
		if promoted > 0 {
			q.logger.Debug("loadBatch: empty batch, promoted delayed ids", "count", promoted)
		}
		return nil
	}

	q.backoff.Reset()
	hadDelayed := len(q.delayed) > 0
	var rejected []*Record
	queued := make([]Record, 0, len(batch))
	for _, rec := range batch {
		if rec.Action == "" {
			rec.Action = q.cfg.Action
		}
		snap, ok := q.pushLocked(rec)
		if !ok {
			rejected = append(rejected, rec)
			continue
		}
		queued = append(queued, snap)
	}
	if hadDelayed && len(queued) > 0 {
		q.requeueAfterNext = true
	}
	q.queueMu.Unlock()

	for i := range queued {
		q.notify.publish(&queued[i], StatusNone)
	}

	// Rows the queue refused are handed back to the store instead of being lost.
	for _, rec := range rejected {
		if _, err := q.store.SetStatus(ctx, rec.ID, rec.Action, rec.WorkflowID, StatusPending, true); err != nil {
			q.logger.Warn("loadBatch: failed to return rejected row", "id", rec.ID, "error", err)
		}
	}
	return nil
}

// ApplySettings reads sleep bounds and the restartable-processing flag from the
// backing store and applies them to the poll backoff and the attached work-item queue.
func (q *TaskQueue) ApplySettings(ctx context.Context) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	cfg := *q.cfg
	if err := ApplyStoreSettings(ctx, q.store, &cfg, q.logger); err != nil {
		return err
	}
	q.backoff.Reconfigure(q.logger, cfg.MinSleep, cfg.MaxSleep, cfg.SleepSteps)
	if w := q.attachedWorkItems(); w != nil {
		w.SetRestartable(cfg.AllowRestartableProcessing)
		w.backoff.Reconfigure(q.logger, cfg.MinSleep, cfg.MaxSleep, cfg.SleepSteps)
	}
	return nil
}
