// Package filequeue coordinates which file, and for parallelizable actions which
// sub-unit of a file, a worker processes next. It keeps the in-memory schedule
// consistent with an authoritative backing store under concurrent access.
//
// The library supports:
//   - A task queue with pending, delayed, and finished queues over an id→record map
//   - Batch loading from a backing store with adaptive poll backoff
//   - A concurrency semaphore bounding how many records are current at once
//   - A work-item queue for decomposed sub-tasks (page ranges) that workers prefer
//   - A worker pool driven by closed, stopped, and discarded signals
//   - Backing stores over BadgerDB, SQLite, PostgreSQL, and memory
//
// Example usage:
//
//	store := filequeue.NewInMemoryStore()
//	queue := filequeue.NewTaskQueue(store, filequeue.DefaultConfig(), nil, logger)
//	defer queue.Close()
//
//	rec, err := queue.Pop(ctx, true)
//	if err == nil && rec != nil {
//	    // process rec.Name
//	    err = queue.Complete(ctx, rec.ID)
//	}
package filequeue

import (
	"sync"
)

// Status represents the status of a record for one action, both in memory and in
// the backing store.
type Status string

const (
	// StatusNone indicates the record is not scheduled (unattempted in the store).
	StatusNone Status = "none"
	// StatusPending indicates the record is waiting to be processed.
	StatusPending Status = "pending"
	// StatusCurrent indicates a worker is processing the record.
	StatusCurrent Status = "current"
	// StatusComplete indicates processing finished successfully.
	StatusComplete Status = "complete"
	// StatusFailed indicates processing finished with an error.
	StatusFailed Status = "failed"
	// StatusSkipped indicates processing was skipped by the task.
	StatusSkipped Status = "skipped"
)

// IsTerminal reports whether the status ends a processing attempt.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusSkipped
}

// ParseStatus converts a stored string into a known Status.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusNone, StatusPending, StatusCurrent, StatusComplete, StatusFailed, StatusSkipped:
		return Status(value), true
	case "":
		return StatusNone, true
	}
	return "", false
}

// Priority orders records and work items. Higher values are processed first.
type Priority int

const (
	PriorityLow     Priority = 1
	PriorityBelow   Priority = 2
	PriorityNormal  Priority = 3
	PriorityAbove   Priority = 4
	PriorityHigh    Priority = 5
	PriorityDefault          = PriorityNormal
)

// ProgressStatus tracks task-reported progress for a record or work item.
// It is safe for concurrent use; the zero value is ready.
type ProgressStatus struct {
	mu      sync.Mutex
	current int
	total   int
	message string
}

// Update sets the completed and total counts along with a short message.
func (p *ProgressStatus) Update(current, total int, message string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.current = current
	p.total = total
	p.message = message
	p.mu.Unlock()
}

// Snapshot returns the current counts and message.
func (p *ProgressStatus) Snapshot() (current, total int, message string) {
	if p == nil {
		return 0, 0, ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.total, p.message
}

// Percentage calculates progress as a percentage (0-100).
func (p *ProgressStatus) Percentage() float64 {
	current, total, _ := p.Snapshot()
	if total == 0 {
		return 0
	}
	return float64(current) / float64(total) * 100
}

// Record is a file's unit of work for one action.
type Record struct {
	ID             int64           // File identifier in the backing store
	Name           string          // Display name (usually the file path)
	Action         string          // Action whose status is tracked
	WorkflowID     int64           // Workflow the action belongs to (0 when none)
	Priority       Priority        // Scheduling priority
	Status         Status          // In-memory status
	LastError      string          // Message of the last failure, if any
	FallbackStatus Status          // Status to restore in the store on abort
	AllowOverride  bool            // Whether status writes may override a concurrent owner
	Progress       *ProgressStatus // Progress handle shared with task code
}

func cloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}

// WorkItemStatus represents the lifecycle of a decomposed sub-task.
type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemProcessing WorkItemStatus = "processing"
	WorkItemComplete   WorkItemStatus = "complete"
	WorkItemFailed     WorkItemStatus = "failed"
)

// WorkItemInput describes the part of a source file a work item covers.
type WorkItemInput struct {
	SourceFile string // Path of the source file
	StartPage  int    // First page (1-based, inclusive)
	EndPage    int    // Last page (inclusive)
}

// WorkItem is a decomposed sub-unit of a record enabling parallel execution.
type WorkItem struct {
	ID       int64
	FileID   int64 // Owning record
	Action   string
	Priority Priority
	Status   WorkItemStatus
	Input    WorkItemInput
	RunID    string // Processing run that claimed the item
	Output   string // Serialized result (set when complete)
	Error    string // Failure reason (set when failed)
	Progress *ProgressStatus
}

func cloneWorkItem(item *WorkItem) *WorkItem {
	if item == nil {
		return nil
	}
	cp := *item
	return &cp
}

// QueueStats is a snapshot of task queue bookkeeping.
type QueueStats struct {
	Pending  int // Ids waiting in the pending queue
	Delayed  int // Ids parked by Delay
	Current  int // Records checked out by workers
	Finished int // Recently terminal ids retained
	Records  int // Entries in the id→record map
}
