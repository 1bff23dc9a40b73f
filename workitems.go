package filequeue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// WorkItemQueue is a FIFO of decomposed sub-tasks (page ranges) for a parallelizable
// action. Items are claimed from the backing store in batches under this queue's
// run id, handed out pending→processing, and evicted once their result is saved.
type WorkItemQueue struct {
	store       BackingStore
	action      string
	batchSize   int
	minPriority Priority
	logger      *slog.Logger
	backoff     *SleepIterator
	runID       string

	restartMu   sync.RWMutex
	restartable bool

	loadMu sync.Mutex

	queueMu sync.Mutex
	queue   []int64

	mapMu     sync.RWMutex
	items     map[int64]*WorkItem
	reporting map[int64]struct{} // ids whose result is being saved

	discarded *signal
}

// NewWorkItemQueue creates a WorkItemQueue for cfg.Action with a fresh run id.
func NewWorkItemQueue(store BackingStore, cfg *Config, logger *slog.Logger) *WorkItemQueue {
	if logger == nil {
		logger = discardLogger()
	}
	cfg = cfg.normalized()
	return &WorkItemQueue{
		store:       store,
		action:      cfg.Action,
		batchSize:   cfg.WorkItemBatchSize,
		minPriority: cfg.MinPriority,
		logger:      logger,
		backoff:     NewSleepIterator(logger, cfg.MinSleep, cfg.MaxSleep, cfg.SleepSteps),
		runID:       uuid.NewString(),
		restartable: cfg.AllowRestartableProcessing,
		items:       make(map[int64]*WorkItem),
		reporting:   make(map[int64]struct{}),
		discarded:   newSignal(),
	}
}

// RunID identifies this processing run in the backing store.
func (w *WorkItemQueue) RunID() string {
	return w.runID
}

// SetRestartable changes whether Discard resets in-flight items to pending.
func (w *WorkItemQueue) SetRestartable(restartable bool) {
	w.restartMu.Lock()
	w.restartable = restartable
	w.restartMu.Unlock()
}

func (w *WorkItemQueue) isRestartable() bool {
	w.restartMu.RLock()
	defer w.restartMu.RUnlock()
	return w.restartable
}

// HasWorkToProcess reports whether a loaded work item of at least priority is waiting.
// It never touches the backing store.
func (w *WorkItemQueue) HasWorkToProcess(priority Priority) bool {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	if len(w.queue) == 0 {
		return false
	}
	w.mapMu.RLock()
	defer w.mapMu.RUnlock()
	for _, id := range w.queue {
		if item, ok := w.items[id]; ok && item.Priority >= priority {
			return true
		}
	}
	return false
}

// Pending returns the number of loaded items waiting to be handed out.
func (w *WorkItemQueue) Pending() int {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	return len(w.queue)
}

// InFlight returns the number of items handed out and not yet reported.
func (w *WorkItemQueue) InFlight() int {
	w.mapMu.RLock()
	defer w.mapMu.RUnlock()
	n := 0
	for _, item := range w.items {
		if item.Status == WorkItemProcessing {
			n++
		}
	}
	return n
}

// GetWorkItemToProcess returns the earliest work item, transitioned to processing.
// It polls the backing store with its own backoff until an item arrives, stop is
// closed, ctx is done or the queue is discarded; the last three return nil.
func (w *WorkItemQueue) GetWorkItemToProcess(ctx context.Context, stop <-chan struct{}) (*WorkItem, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	for {
		item, err := w.TryGetWorkItem(ctx)
		if err != nil || item != nil {
			return item, err
		}
		if w.discarded.isSet() {
			return nil, nil
		}
		select {
		case <-stop:
			return nil, nil
		default:
		}
		d := w.backoff.Next()
		w.logger.Debug("GetWorkItemToProcess: nothing queued, sleeping", "sleep", d)
		if !sleepOrSignal(ctx, d, stop, w.discarded.done()) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
}

// TryGetWorkItem is GetWorkItemToProcess without waiting. It loads one batch when
// nothing is queued and returns nil if that is empty.
func (w *WorkItemQueue) TryGetWorkItem(ctx context.Context) (*WorkItem, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if w.discarded.isSet() {
		return nil, nil
	}
	if err := w.loadIfEmpty(ctx); err != nil {
		return nil, err
	}

	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	if len(w.queue) == 0 || w.discarded.isSet() {
		return nil, nil
	}
	id := w.queue[0]
	w.queue = w.queue[1:]

	w.mapMu.Lock()
	defer w.mapMu.Unlock()
	item, ok := w.items[id]
	if !ok {
		return nil, nil
	}
	if item.Status != WorkItemPending {
		return nil, errors.Wrapf(ErrInvalidStateTransition, "work item %d: %s -> %s", id, item.Status, WorkItemProcessing)
	}
	item.Status = WorkItemProcessing
	w.logger.Debug("TryGetWorkItem: handed out", "id", id, "fileID", item.FileID, "pages", item.Input.StartPage, "to", item.Input.EndPage)
	return cloneWorkItem(item), nil
}

func (w *WorkItemQueue) loadIfEmpty(ctx context.Context) error {
	w.loadMu.Lock()
	defer w.loadMu.Unlock()

	w.queueMu.Lock()
	empty := len(w.queue) == 0
	w.queueMu.Unlock()
	if !empty || w.discarded.isSet() {
		return nil
	}

	batch, err := w.store.FetchWorkItemBatch(ctx, w.action, w.batchSize, w.minPriority, w.runID)
	if err != nil {
		w.logger.Error("loadWorkItems: fetch failed", "error", err)
		return storeUnavailable(err, "load work items")
	}
	if len(batch) == 0 {
		return nil
	}
	w.backoff.Reset()

	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	if w.discarded.isSet() {
		for _, item := range batch {
			if err := w.store.SetWorkItemToPending(ctx, item.ID); err != nil {
				w.logger.Warn("loadWorkItems: failed to return item", "id", item.ID, "error", err)
			}
		}
		return nil
	}
	w.mapMu.Lock()
	defer w.mapMu.Unlock()
	for _, item := range batch {
		cp := cloneWorkItem(item)
		cp.Status = WorkItemPending
		cp.RunID = w.runID
		if cp.Progress == nil {
			cp.Progress = &ProgressStatus{}
		}
		w.items[cp.ID] = cp
		w.queue = append(w.queue, cp.ID)
	}
	w.logger.Debug("loadWorkItems: fetched", "count", len(batch))
	return nil
}

// ReportWorkItemResult records the terminal result of a processing item. The result
// is saved to the backing store first; on success the item leaves memory, on failure
// it stays processing and a backing-store-unavailable error is returned.
func (w *WorkItemQueue) ReportWorkItemResult(ctx context.Context, id int64, status WorkItemStatus, output string, cause error) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	w.mapMu.Lock()
	item, ok := w.items[id]
	if !ok {
		w.mapMu.Unlock()
		return notFoundf("work item %d", id)
	}
	current := item.Status
	if current != WorkItemProcessing || (status != WorkItemComplete && status != WorkItemFailed) {
		w.mapMu.Unlock()
		return errors.Wrapf(ErrInvalidStateTransition, "work item %d: %s -> %s", id, current, status)
	}
	if _, busy := w.reporting[id]; busy {
		w.mapMu.Unlock()
		return errors.Wrapf(ErrInvalidStateTransition, "work item %d: result already being reported", id)
	}
	w.reporting[id] = struct{}{}
	w.mapMu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if status == WorkItemComplete {
		reason = ""
	} else {
		output = ""
	}
	err = w.store.SaveWorkItemResult(ctx, id, status, output, reason)
	w.mapMu.Lock()
	delete(w.reporting, id)
	if err == nil {
		delete(w.items, id)
	}
	w.mapMu.Unlock()
	if err != nil {
		w.logger.Error("ReportWorkItemResult: save failed", "id", id, "status", status, "error", err)
		return storeUnavailable(err, "save work item %d", id)
	}
	w.logger.Debug("ReportWorkItemResult: saved", "id", id, "status", status)
	return nil
}

// Discard unwinds the queue. Loaded items not yet handed out go back to pending in
// the backing store. Items in flight are reset too when restartable processing is
// allowed; otherwise they stay in memory so their workers can still report them.
// Only the first call has any effect.
func (w *WorkItemQueue) Discard(ctx context.Context) {
	if !w.discarded.set() {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	w.loadMu.Lock()
	defer w.loadMu.Unlock()

	restartable := w.isRestartable()
	w.queueMu.Lock()
	queued := w.queue
	w.queue = nil
	w.mapMu.Lock()
	var reset []int64
	for _, id := range queued {
		if _, ok := w.items[id]; ok {
			reset = append(reset, id)
			delete(w.items, id)
		}
	}
	if restartable {
		for id, item := range w.items {
			if _, busy := w.reporting[id]; busy {
				continue
			}
			if item.Status == WorkItemProcessing && item.RunID == w.runID {
				reset = append(reset, id)
				delete(w.items, id)
			}
		}
	}
	w.mapMu.Unlock()
	w.queueMu.Unlock()

	for _, id := range reset {
		if err := w.store.SetWorkItemToPending(ctx, id); err != nil {
			w.logger.Warn("Discard: failed to reset work item", "id", id, "error", err)
		}
	}
	w.logger.Debug("Discard: work items discarded", "reset", len(reset), "restartable", restartable)
}
