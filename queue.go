package filequeue

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"
)

// TaskQueue schedules records for one action. It keeps pending, delayed and finished
// id queues over an id→record map and synchronizes terminal transitions with the
// backing store before updating memory.
//
// Lock order is loadMu, then queueMu, then mapMu. The work-item queue's locks may be
// taken while queueMu is held, never the other way round.
type TaskQueue struct {
	store   BackingStore
	cfg     *Config
	logger  *slog.Logger
	notify  *notifier
	slots   *semaphore.Weighted
	backoff *SleepIterator

	workMu    sync.RWMutex
	workItems *WorkItemQueue

	// loadMu serializes backing store fetches.
	loadMu sync.Mutex

	// queueMu guards the id queues and the current/removed sets.
	queueMu  sync.Mutex
	pending  []int64
	delayed  []delayedID
	finished []int64
	current  map[int64]struct{}
	removed  map[int64]struct{}
	// requeueAfterNext puts delayed ids back in front of pending once the next
	// pending id is taken. Set when a batch is loaded while ids are delayed.
	requeueAfterNext bool

	// mapMu guards records.
	mapMu   sync.RWMutex
	records map[int64]*Record

	closed    *signal
	stopped   *signal
	discarded *signal
}

// delayedID is a delayed id and the number of pending ids queued ahead of it.
// Marks never decrease along the delayed queue.
type delayedID struct {
	id    int64
	ahead int
}

// NewTaskQueue creates a TaskQueue over store. sink may be nil.
func NewTaskQueue(store BackingStore, cfg *Config, sink NotificationSink, logger *slog.Logger) *TaskQueue {
	if logger == nil {
		logger = discardLogger()
	}
	cfg = cfg.normalized()
	return &TaskQueue{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		notify:    newNotifier(sink, cfg.NotificationBuffer, logger),
		slots:     semaphore.NewWeighted(int64(cfg.MaxCurrent)),
		backoff:   NewSleepIterator(logger, cfg.MinSleep, cfg.MaxSleep, cfg.SleepSteps),
		current:   make(map[int64]struct{}),
		removed:   make(map[int64]struct{}),
		records:   make(map[int64]*Record),
		closed:    newSignal(),
		stopped:   newSignal(),
		discarded: newSignal(),
	}
}

// AttachWorkItems lets Pop yield to parallel work items of equal or higher priority
// and makes Discard unwind them as well.
func (q *TaskQueue) AttachWorkItems(w *WorkItemQueue) {
	q.workMu.Lock()
	q.workItems = w
	q.workMu.Unlock()
}

func (q *TaskQueue) attachedWorkItems() *WorkItemQueue {
	q.workMu.RLock()
	defer q.workMu.RUnlock()
	return q.workItems
}

// Action returns the action the queue tracks.
func (q *TaskQueue) Action() string {
	return q.cfg.Action
}

// Push appends rec to the pending queue with status pending.
// It returns false after Discard, or when the id is already pending or current.
// Pushing an id that finished earlier replaces the finished record.
func (q *TaskQueue) Push(rec *Record) bool {
	if rec == nil {
		return false
	}
	q.queueMu.Lock()
	snap, ok := q.pushLocked(rec)
	q.queueMu.Unlock()
	if ok {
		q.notify.publish(&snap, StatusNone)
	}
	return ok
}

func (q *TaskQueue) pushLocked(rec *Record) (Record, bool) {
	if q.discarded.isSet() {
		q.logger.Debug("Push: queue discarded, rejecting", "id", rec.ID)
		return Record{}, false
	}

	q.mapMu.Lock()
	defer q.mapMu.Unlock()

	if existing, ok := q.records[rec.ID]; ok {
		if existing.Status == StatusPending || existing.Status == StatusCurrent {
			q.logger.Debug("Push: id already scheduled", "id", rec.ID, "status", existing.Status)
			return Record{}, false
		}
		q.finished = removeID(q.finished, rec.ID)
	}

	cp := cloneRecord(rec)
	cp.Status = StatusPending
	if cp.FallbackStatus == "" {
		cp.FallbackStatus = StatusNone
	}
	if cp.Action == "" {
		cp.Action = q.cfg.Action
	}
	if cp.Progress == nil {
		cp.Progress = &ProgressStatus{}
	}
	q.records[cp.ID] = cp
	q.pending = append(q.pending, cp.ID)
	delete(q.removed, cp.ID)

	q.logger.Debug("Push: queued", "id", cp.ID, "name", cp.Name, "pending", len(q.pending))
	return *cp, true
}

// Pop returns the next record, transitioned to current with a concurrency slot held.
//
// When nothing is pending it loads a batch from the backing store. If that is empty
// too it returns nil when wait is false, when the queue is stopped, or when input is
// closed and nothing is outstanding; otherwise it sleeps for the backoff interval
// and retries. Pop also returns nil without consuming anything when the attached
// work-item queue holds parallel work of equal or higher priority than the next
// record; the caller should take that work item instead.
func (q *TaskQueue) Pop(ctx context.Context, wait bool) (*Record, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	for {
		if q.discarded.isSet() {
			return nil, nil
		}
		if err := q.loadIfEmpty(ctx); err != nil {
			return nil, err
		}

		q.queueMu.Lock()
		q.promoteDueLocked()
		if len(q.pending) == 0 {
			exhausted := q.closed.isSet() && q.idleLocked()
			q.queueMu.Unlock()
			if exhausted || q.stopped.isSet() || !wait {
				return nil, nil
			}
			// Wake on CloseInput only while it has not fired yet.
			closedCh := q.closed.done()
			if q.closed.isSet() {
				closedCh = nil
			}
			d := q.backoff.Next()
			q.logger.Debug("Pop: nothing pending, sleeping", "sleep", d)
			if !sleepOrSignal(ctx, d, q.stopped.done(), q.discarded.done(), closedCh) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			continue
		}

		id := q.pending[0]
		q.mapMu.RLock()
		priority := q.records[id].Priority
		q.mapMu.RUnlock()
		if w := q.attachedWorkItems(); w != nil && w.HasWorkToProcess(priority) {
			q.queueMu.Unlock()
			q.logger.Debug("Pop: yielding to parallel work items", "id", id, "priority", priority)
			return nil, nil
		}

		q.takePendingLocked(0)
		q.queueMu.Unlock()

		if err := q.acquireSlot(ctx); err != nil {
			q.queueMu.Lock()
			if !q.discarded.isSet() {
				q.prependPendingLocked(id)
				q.queueMu.Unlock()
				return nil, err
			}
			q.queueMu.Unlock()
			q.abandon(ctx, id)
			return nil, nil
		}

		rec, err := q.commitCheckout(ctx, id)
		if err != nil || rec != nil {
			return rec, err
		}
	}
}

// commitCheckout finishes a Pop after the slot is held. A nil record with a nil
// error means the id went away meanwhile and the caller should try again.
func (q *TaskQueue) commitCheckout(ctx context.Context, id int64) (*Record, error) {
	q.queueMu.Lock()
	if q.discarded.isSet() {
		q.queueMu.Unlock()
		q.slots.Release(1)
		q.abandon(ctx, id)
		return nil, nil
	}

	if _, gone := q.removed[id]; gone {
		delete(q.removed, id)
		q.mapMu.Lock()
		rec := q.records[id]
		var snap Record
		if rec != nil {
			rec.Status = StatusNone
			snap = *rec
			delete(q.records, id)
		}
		q.mapMu.Unlock()
		q.queueMu.Unlock()
		q.slots.Release(1)
		if rec != nil {
			q.resetInStore(ctx, &snap)
			q.notify.publish(&snap, StatusPending)
		}
		q.logger.Debug("Pop: id removed while waiting for slot", "id", id)
		return nil, nil
	}

	q.mapMu.Lock()
	rec, ok := q.records[id]
	if !ok {
		q.mapMu.Unlock()
		q.queueMu.Unlock()
		q.slots.Release(1)
		return nil, nil
	}
	if rec.Status != StatusPending {
		err := newInvalidStateTransition(rec, StatusCurrent)
		q.mapMu.Unlock()
		q.queueMu.Unlock()
		q.slots.Release(1)
		return nil, err
	}
	rec.Status = StatusCurrent
	snap := *rec
	q.mapMu.Unlock()

	q.current[id] = struct{}{}
	q.queueMu.Unlock()

	q.notify.publish(&snap, StatusPending)
	q.logger.Debug("Pop: checked out", "id", id, "name", snap.Name)
	return &snap, nil
}

// acquireSlot blocks on the concurrency semaphore until a slot is free, ctx is done
// or the queue is discarded.
func (q *TaskQueue) acquireSlot(ctx context.Context) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.discarded.done():
			cancel()
		case <-actx.Done():
		}
	}()
	return q.slots.Acquire(actx, 1)
}

// PeekNext returns the id that follows afterID in scheduling order. An afterID of
// zero, or the id of a record that is current, yields the head of the queue.
// Delayed ids appear behind the ids that were pending before the delay and ahead
// of everything queued after it. No guarantee is made about rows a concurrent load
// has not yet queued.
func (q *TaskQueue) PeekNext(afterID int64) (int64, bool) {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()

	view := q.viewLocked()
	if len(view) == 0 {
		return 0, false
	}
	if _, cur := q.current[afterID]; afterID == 0 || cur {
		return view[0], true
	}
	for i, id := range view {
		if id == afterID {
			if i+1 < len(view) {
				return view[i+1], true
			}
			return 0, false
		}
	}
	return 0, false
}

// viewLocked merges pending and delayed ids into scheduling order. Each delayed id
// follows the pending ids that were ahead of it when it was delayed. While a loaded
// batch is owed its one turn, delayed ids also wait behind the head of pending.
func (q *TaskQueue) viewLocked() []int64 {
	if len(q.delayed) == 0 {
		return append([]int64(nil), q.pending...)
	}
	minAhead := 0
	if q.requeueAfterNext && len(q.pending) > 0 {
		minAhead = 1
	}
	view := make([]int64, 0, len(q.pending)+len(q.delayed))
	d := 0
	for i, id := range q.pending {
		for d < len(q.delayed) && max(q.delayed[d].ahead, minAhead) <= i {
			view = append(view, q.delayed[d].id)
			d++
		}
		view = append(view, id)
	}
	for ; d < len(q.delayed); d++ {
		view = append(view, q.delayed[d].id)
	}
	return view
}

// promoteDueLocked moves delayed ids with nothing left ahead of them to the front
// of pending, so the head of pending is always the next id in scheduling order.
func (q *TaskQueue) promoteDueLocked() {
	if q.requeueAfterNext {
		return
	}
	n := 0
	for n < len(q.delayed) && q.delayed[n].ahead == 0 {
		n++
	}
	if n == 0 {
		return
	}
	due := make([]int64, 0, n+len(q.pending))
	for _, d := range q.delayed[:n] {
		due = append(due, d.id)
	}
	q.pending = append(due, q.pending...)
	q.delayed = append([]delayedID(nil), q.delayed[n:]...)
	for i := range q.delayed {
		q.delayed[i].ahead += n
	}
}

// takePendingLocked removes pending[idx]. Taking an id ends the turn a loaded batch
// was owed, so delayed ids then move to the front.
func (q *TaskQueue) takePendingLocked(idx int) {
	q.dropPendingLocked(idx)
	if q.requeueAfterNext {
		q.requeueAfterNext = false
		n := q.requeueDelayedLocked()
		q.logger.Debug("takePending: delayed ids skip ahead of loaded batch", "count", n)
	}
}

// dropPendingLocked removes pending[idx], keeping delayed marks in step.
func (q *TaskQueue) dropPendingLocked(idx int) {
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	for i := range q.delayed {
		if q.delayed[i].ahead > idx {
			q.delayed[i].ahead--
		}
	}
}

// prependPendingLocked puts id at the front of pending, ahead of every delayed id.
func (q *TaskQueue) prependPendingLocked(id int64) {
	q.pending = append([]int64{id}, q.pending...)
	for i := range q.delayed {
		q.delayed[i].ahead++
	}
}

// dropDelayedLocked removes id from the delayed queue and reports whether it was there.
func (q *TaskQueue) dropDelayedLocked(id int64) bool {
	for i, d := range q.delayed {
		if d.id == id {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			if len(q.delayed) == 0 {
				q.requeueAfterNext = false
			}
			return true
		}
	}
	return false
}

func (q *TaskQueue) isDelayedLocked(id int64) bool {
	for _, d := range q.delayed {
		if d.id == id {
			return true
		}
	}
	return false
}

// MoveToFront relocates a pending or delayed id to the front of the pending queue.
func (q *TaskQueue) MoveToFront(id int64) bool {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()
	if q.discarded.isSet() {
		return false
	}

	if idx := indexOf(q.pending, id); idx >= 0 {
		q.dropPendingLocked(idx)
		q.prependPendingLocked(id)
		return true
	}
	if q.dropDelayedLocked(id) {
		q.prependPendingLocked(id)
		return true
	}
	return false
}

// Delay parks a current record in the delayed queue with status pending and
// releases its concurrency slot. A record flagged by Remove is dropped instead, and
// after Discard the record's backing store status is reset to its fallback.
func (q *TaskQueue) Delay(ctx context.Context, id int64) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	q.queueMu.Lock()
	q.mapMu.Lock()
	rec, ok := q.records[id]
	if !ok {
		q.mapMu.Unlock()
		q.queueMu.Unlock()
		return notFoundf("delay %d", id)
	}
	if _, cur := q.current[id]; !cur || rec.Status != StatusCurrent {
		if rec.Status == StatusPending {
			// Already delayed or requeued by a concurrent caller.
			q.mapMu.Unlock()
			q.queueMu.Unlock()
			return nil
		}
		err := newInvalidStateTransition(rec, StatusPending)
		q.mapMu.Unlock()
		q.queueMu.Unlock()
		return err
	}
	delete(q.current, id)

	_, flagged := q.removed[id]
	if q.discarded.isSet() || flagged {
		delete(q.removed, id)
		rec.Status = StatusNone
		snap := *rec
		delete(q.records, id)
		q.mapMu.Unlock()
		q.queueMu.Unlock()
		q.slots.Release(1)
		q.resetInStore(ctx, &snap)
		q.notify.publish(&snap, StatusCurrent)
		q.logger.Debug("Delay: dropped record", "id", id, "removed", flagged)
		return nil
	}

	// Status changes here without going through SetStatus.
	rec.Status = StatusPending
	snap := *rec
	q.mapMu.Unlock()

	q.delayed = append(q.delayed, delayedID{id: id, ahead: len(q.pending)})
	parked := len(q.delayed)
	q.queueMu.Unlock()
	q.slots.Release(1)

	q.notify.publish(&snap, StatusCurrent)
	q.logger.Debug("Delay: parked", "id", id, "delayed", parked)
	return nil
}

// RequeueDelayed moves every delayed id back into the pending queue behind the ids
// that were pending before the delay. It returns how many ids moved.
func (q *TaskQueue) RequeueDelayed() int {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()
	return q.requeueDelayedLocked()
}

func (q *TaskQueue) requeueDelayedLocked() int {
	n := len(q.delayed)
	if n > 0 {
		q.pending = q.viewLocked()
		q.delayed = nil
	}
	q.requeueAfterNext = false
	return n
}

// Remove unschedules id. A pending or delayed id is dropped with status none and its
// backing store status reset to the fallback. A current id is flagged so that it is
// dropped when its worker delays it. Remove returns false when the id is unknown.
func (q *TaskQueue) Remove(id int64) bool {
	q.queueMu.Lock()
	if q.discarded.isSet() {
		q.queueMu.Unlock()
		return false
	}

	queued := true
	if idx := indexOf(q.pending, id); idx >= 0 {
		q.dropPendingLocked(idx)
	} else if !q.dropDelayedLocked(id) {
		queued = false
	}

	q.mapMu.Lock()
	rec, ok := q.records[id]
	if !ok {
		q.mapMu.Unlock()
		q.queueMu.Unlock()
		return false
	}

	if !queued {
		if rec.Status != StatusCurrent && rec.Status != StatusPending {
			q.mapMu.Unlock()
			q.queueMu.Unlock()
			return false
		}
		// In flight, either current or between the queue and a slot.
		q.removed[id] = struct{}{}
		q.mapMu.Unlock()
		q.queueMu.Unlock()
		q.logger.Debug("Remove: flagged in-flight record", "id", id)
		return true
	}

	rec.Status = StatusNone
	snap := *rec
	delete(q.records, id)
	q.mapMu.Unlock()
	q.queueMu.Unlock()

	q.resetInStore(context.Background(), &snap)
	q.notify.publish(&snap, StatusPending)
	q.logger.Debug("Remove: dropped pending record", "id", id)
	return true
}

// RemoveByName removes the first scheduled record whose name matches. Queued records
// are searched in scheduling order, then records in flight, lowest id first.
func (q *TaskQueue) RemoveByName(name string) bool {
	q.queueMu.Lock()
	q.mapMu.RLock()
	order := q.viewLocked()
	queued := make(map[int64]struct{}, len(order))
	for _, id := range order {
		queued[id] = struct{}{}
	}
	var inFlight []int64
	for id, rec := range q.records {
		if _, ok := queued[id]; !ok && (rec.Status == StatusPending || rec.Status == StatusCurrent) {
			inFlight = append(inFlight, id)
		}
	}
	slices.Sort(inFlight)

	var id int64
	found := false
	for _, candidate := range append(order, inFlight...) {
		if rec, ok := q.records[candidate]; ok && rec.Name == name {
			id, found = candidate, true
			break
		}
	}
	q.mapMu.RUnlock()
	q.queueMu.Unlock()
	if !found {
		return false
	}
	return q.Remove(id)
}

// Complete marks a current record complete.
func (q *TaskQueue) Complete(ctx context.Context, id int64) error {
	return q.SetStatus(ctx, id, StatusComplete, nil)
}

// Fail marks a current record failed with cause.
func (q *TaskQueue) Fail(ctx context.Context, id int64, cause error) error {
	return q.SetStatus(ctx, id, StatusFailed, cause)
}

// Skip marks a current record skipped.
func (q *TaskQueue) Skip(ctx context.Context, id int64) error {
	return q.SetStatus(ctx, id, StatusSkipped, nil)
}

// SetStatus applies a status transition to id.
//
// Terminal statuses and none are accepted only for a current record; the backing
// store is notified first and memory is updated only if that succeeds, otherwise a
// backing-store-unavailable error is returned and the record stays current with its
// slot held. Pending→none is the same as Remove. Setting pending on a record that is
// already pending is a no-op. Anything else is an invalid state transition.
func (q *TaskQueue) SetStatus(ctx context.Context, id int64, status Status, cause error) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	rec, ok := q.Lookup(id)
	if !ok {
		return notFoundf("set status %s on %d", status, id)
	}

	switch {
	case status.IsTerminal() || (status == StatusNone && rec.Status == StatusCurrent):
		if rec.Status != StatusCurrent {
			return newInvalidStateTransition(&rec, status)
		}
		return q.finish(ctx, &rec, status, cause)
	case status == StatusNone && rec.Status == StatusPending:
		if !q.Remove(id) {
			return notFoundf("remove %d", id)
		}
		return nil
	case status == StatusPending && rec.Status == StatusPending:
		return nil
	case status == StatusCurrent && rec.Status == StatusPending:
		_, _, err := q.Checkout(ctx, id, rec.AllowOverride)
		return err
	}
	return newInvalidStateTransition(&rec, status)
}

func (q *TaskQueue) finish(ctx context.Context, rec *Record, status Status, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	var err error
	switch status {
	case StatusComplete:
		err = q.store.NotifyComplete(ctx, rec.ID, rec.Action, rec.WorkflowID, rec.AllowOverride)
	case StatusFailed:
		err = q.store.NotifyFailed(ctx, rec.ID, rec.Action, rec.WorkflowID, rec.AllowOverride, reason)
	case StatusSkipped:
		err = q.store.NotifySkipped(ctx, rec.ID, rec.Action, rec.WorkflowID, rec.AllowOverride)
	case StatusNone:
		_, err = q.store.SetStatus(ctx, rec.ID, rec.Action, rec.WorkflowID, rec.FallbackStatus, true)
	}
	if err != nil {
		q.logger.Error("SetStatus: backing store rejected transition", "id", rec.ID, "status", status, "error", err)
		return storeUnavailable(err, "set %d to %s", rec.ID, status)
	}

	q.queueMu.Lock()
	q.mapMu.Lock()
	live, ok := q.records[rec.ID]
	if !ok || live.Status != StatusCurrent {
		var err error
		if ok {
			err = newInvalidStateTransition(live, status)
		} else {
			err = notFoundf("set status %s on %d", status, rec.ID)
		}
		q.mapMu.Unlock()
		q.queueMu.Unlock()
		return err
	}
	live.Status = status
	if cause != nil {
		live.LastError = reason
	}
	snap := *live
	if status == StatusNone {
		delete(q.records, rec.ID)
	}
	q.mapMu.Unlock()

	delete(q.current, rec.ID)
	delete(q.removed, rec.ID)
	if status != StatusNone {
		q.finished = append(removeID(q.finished, rec.ID), rec.ID)
		q.trimFinishedLocked()
	}
	q.queueMu.Unlock()
	q.slots.Release(1)

	q.notify.publish(&snap, StatusCurrent)
	q.logger.Debug("SetStatus: transitioned", "id", rec.ID, "status", status)
	return nil
}

// trimFinishedLocked evicts the oldest finished ids beyond MaxStoredRecords.
func (q *TaskQueue) trimFinishedLocked() {
	max := q.cfg.MaxStoredRecords
	if max <= 0 {
		return
	}
	for len(q.finished) > max {
		old := q.finished[0]
		q.finished = q.finished[1:]
		if q.referencedLocked(old) {
			q.logger.Debug("trimFinished: id still referenced, deferring eviction", "id", old)
			continue
		}
		q.mapMu.Lock()
		if rec, ok := q.records[old]; ok && rec.Status != StatusPending && rec.Status != StatusCurrent {
			delete(q.records, old)
		}
		q.mapMu.Unlock()
	}
}

func (q *TaskQueue) referencedLocked(id int64) bool {
	if _, ok := q.current[id]; ok {
		return true
	}
	return indexOf(q.pending, id) >= 0 || q.isDelayedLocked(id) || indexOf(q.finished, id) >= 0
}

// Checkout claims id for exclusive processing and returns it as current along with
// the status the backing store held before the claim.
//
// A queued id is taken out of the queue. Any other id is fetched from the backing
// store and claimed there with allowOverride. Unknown ids return ErrNotFound.
func (q *TaskQueue) Checkout(ctx context.Context, id int64, allowOverride bool) (*Record, Status, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, "", err
	}
	if q.discarded.isSet() {
		return nil, "", nil
	}

	q.queueMu.Lock()
	q.mapMu.RLock()
	existing := cloneRecord(q.records[id])
	q.mapMu.RUnlock()
	if existing != nil && existing.Status == StatusCurrent {
		q.queueMu.Unlock()
		return nil, "", newInvalidStateTransition(existing, StatusCurrent)
	}
	queued := false
	if idx := indexOf(q.pending, id); idx >= 0 {
		q.takePendingLocked(idx)
		queued = true
	} else if q.dropDelayedLocked(id) {
		queued = true
	} else if existing != nil && existing.Status == StatusPending {
		// Being checked out by a concurrent Pop.
		q.queueMu.Unlock()
		rec := *existing
		rec.Status = StatusCurrent
		return nil, "", newInvalidStateTransition(&rec, StatusCurrent)
	}
	q.queueMu.Unlock()

	var fresh *Record
	if !queued {
		fresh, err = q.store.FetchByID(ctx, q.cfg.Action, id)
		if err != nil {
			return nil, "", storeUnavailable(err, "fetch %d", id)
		}
		if fresh == nil {
			return nil, "", notFoundf("checkout %d", id)
		}
	}

	if err := q.acquireSlot(ctx); err != nil {
		if queued {
			q.queueMu.Lock()
			if !q.discarded.isSet() {
				q.prependPendingLocked(id)
				q.queueMu.Unlock()
				return nil, "", err
			}
			q.queueMu.Unlock()
			q.abandon(ctx, id)
		}
		if q.discarded.isSet() {
			return nil, "", nil
		}
		return nil, "", err
	}

	if fresh != nil {
		prev, err := q.store.SetStatus(ctx, id, q.cfg.Action, fresh.WorkflowID, StatusCurrent, allowOverride)
		if err != nil {
			q.slots.Release(1)
			return nil, "", storeUnavailable(err, "claim %d", id)
		}
		fresh.FallbackStatus = prev
		fresh.AllowOverride = allowOverride
		fresh.Action = q.cfg.Action
		if fresh.Progress == nil {
			fresh.Progress = &ProgressStatus{}
		}
	}

	q.queueMu.Lock()
	if q.discarded.isSet() {
		q.queueMu.Unlock()
		q.slots.Release(1)
		if fresh != nil {
			q.resetInStore(ctx, fresh)
		} else {
			q.abandon(ctx, id)
		}
		return nil, "", nil
	}

	q.mapMu.Lock()
	if fresh != nil {
		fresh.Status = StatusCurrent
		q.records[id] = fresh
		q.finished = removeID(q.finished, id)
	}
	rec := q.records[id]
	if rec == nil {
		q.mapMu.Unlock()
		q.queueMu.Unlock()
		q.slots.Release(1)
		return nil, "", notFoundf("checkout %d", id)
	}
	rec.Status = StatusCurrent
	rec.AllowOverride = rec.AllowOverride || allowOverride
	snap := *rec
	q.mapMu.Unlock()
	q.current[id] = struct{}{}
	delete(q.removed, id)
	q.queueMu.Unlock()

	if fresh != nil {
		pendingSnap := snap
		pendingSnap.Status = StatusPending
		q.notify.publish(&pendingSnap, StatusNone)
	}
	q.notify.publish(&snap, StatusPending)
	q.logger.Debug("Checkout: claimed", "id", id, "previous", snap.FallbackStatus, "override", allowOverride)
	return &snap, snap.FallbackStatus, nil
}

// CheckoutNext is Checkout for whatever is next in the queue, without waiting.
func (q *TaskQueue) CheckoutNext(ctx context.Context) (*Record, Status, error) {
	rec, err := q.Pop(ctx, false)
	if err != nil || rec == nil {
		return nil, "", err
	}
	return rec, rec.FallbackStatus, nil
}

// Discard aborts the queue. Delayed ids rejoin pending, every pending record's
// backing store status is reset to its fallback, all queues are cleared and the
// discarded signal is set. Records that are current stay with their workers.
// Only the first call has any effect.
func (q *TaskQueue) Discard(ctx context.Context) {
	if !q.discarded.set() {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	q.loadMu.Lock()
	defer q.loadMu.Unlock()

	q.queueMu.Lock()
	q.requeueDelayedLocked()
	ids := q.pending
	q.pending = nil
	q.finished = nil
	q.removed = make(map[int64]struct{})

	q.mapMu.Lock()
	dropped := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, ok := q.records[id]
		if !ok {
			continue
		}
		rec.Status = StatusNone
		dropped = append(dropped, *rec)
		delete(q.records, id)
	}
	for id, rec := range q.records {
		if _, cur := q.current[id]; !cur && rec.Status != StatusPending {
			delete(q.records, id)
		}
	}
	q.mapMu.Unlock()
	q.queueMu.Unlock()

	for i := range dropped {
		q.resetInStore(ctx, &dropped[i])
		q.notify.publish(&dropped[i], StatusPending)
	}
	q.logger.Debug("Discard: queue discarded", "reset", len(dropped))

	if w := q.attachedWorkItems(); w != nil {
		w.Discard(ctx)
	}
}

// abandon drops an id that was taken off the queue when Discard happened.
func (q *TaskQueue) abandon(ctx context.Context, id int64) {
	q.queueMu.Lock()
	q.mapMu.Lock()
	rec, ok := q.records[id]
	var snap Record
	if ok {
		rec.Status = StatusNone
		snap = *rec
		delete(q.records, id)
	}
	q.mapMu.Unlock()
	q.queueMu.Unlock()
	if ok {
		q.resetInStore(ctx, &snap)
	}
}

// resetInStore restores a record's backing store status to its fallback.
// Failures are logged, not returned.
func (q *TaskQueue) resetInStore(ctx context.Context, rec *Record) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	fallback := rec.FallbackStatus
	if fallback == "" {
		fallback = StatusNone
	}
	if _, err := q.store.SetStatus(ctx, rec.ID, rec.Action, rec.WorkflowID, fallback, true); err != nil {
		q.logger.Warn("resetInStore: failed to restore fallback status", "id", rec.ID, "fallback", fallback, "error", err)
	}
}

// CloseInput signals that no more work will be added; Pop drains what remains.
func (q *TaskQueue) CloseInput() {
	if q.closed.set() {
		q.logger.Debug("CloseInput: input closed")
	}
}

// Stop signals workers to finish their in-flight record and exit.
func (q *TaskQueue) Stop() {
	if q.stopped.set() {
		q.logger.Debug("Stop: queue stopped")
	}
}

// StopSignal is closed by Stop.
func (q *TaskQueue) StopSignal() <-chan struct{} {
	return q.stopped.done()
}

// ClosedSignal is closed by CloseInput.
func (q *TaskQueue) ClosedSignal() <-chan struct{} {
	return q.closed.done()
}

// DiscardedSignal is closed by Discard.
func (q *TaskQueue) DiscardedSignal() <-chan struct{} {
	return q.discarded.done()
}

// Exhausted reports whether input is closed and nothing is pending, delayed or in flight.
func (q *TaskQueue) Exhausted() bool {
	if !q.closed.isSet() {
		return false
	}
	q.queueMu.Lock()
	defer q.queueMu.Unlock()
	return len(q.pending) == 0 && q.idleLocked()
}

// idleLocked reports whether nothing is delayed and no record is in flight.
func (q *TaskQueue) idleLocked() bool {
	if len(q.delayed) > 0 || len(q.current) > 0 {
		return false
	}
	q.mapMu.RLock()
	defer q.mapMu.RUnlock()
	for _, rec := range q.records {
		if rec.Status == StatusPending || rec.Status == StatusCurrent {
			return false
		}
	}
	return true
}

// Lookup returns a snapshot of the record for id.
func (q *TaskQueue) Lookup(id int64) (Record, bool) {
	q.mapMu.RLock()
	defer q.mapMu.RUnlock()
	rec, ok := q.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Stats returns a snapshot of the queue bookkeeping.
func (q *TaskQueue) Stats() QueueStats {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()
	q.mapMu.RLock()
	defer q.mapMu.RUnlock()
	return QueueStats{
		Pending:  len(q.pending),
		Delayed:  len(q.delayed),
		Current:  len(q.current),
		Finished: len(q.finished),
		Records:  len(q.records),
	}
}

// FinishedIDs returns the retained finished ids, oldest first.
func (q *TaskQueue) FinishedIDs() []int64 {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()
	return append([]int64(nil), q.finished...)
}

// PendingIDs returns the pending ids in queue order.
func (q *TaskQueue) PendingIDs() []int64 {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()
	return append([]int64(nil), q.pending...)
}

// Close stops the notification dispatcher after delivering queued transitions.
// It does not discard the queue.
func (q *TaskQueue) Close() error {
	q.notify.close()
	return nil
}

func indexOf(ids []int64, id int64) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func removeID(ids []int64, id int64) []int64 {
	if idx := indexOf(ids, id); idx >= 0 {
		return append(ids[:idx], ids[idx+1:]...)
	}
	return ids
}
