package filequeue

import (
	"context"

	"github.com/cockroachdb/errors"
)

// BatchFilter narrows which rows FetchNextBatch claims.
type BatchFilter struct {
	// Action is the named processing stage whose status is tracked.
	Action string

	// IncludeSkipped also claims rows whose status is skipped.
	IncludeSkipped bool

	// MinPriority is the priority floor. Zero means no floor.
	MinPriority Priority

	// UserScope limits rows to one user or session. Empty means all rows.
	UserScope string

	// RandomOrder shuffles the claimed rows instead of ordering by priority then id.
	RandomOrder bool
}

// BackingStore is the authoritative database of file/action status.
// Implementations must be safe for concurrent use.
type BackingStore interface {
	// FetchNextBatch claims up to maxCount unattempted or pending rows for the action.
	// Claimed rows are marked current in the store; each returned record carries the
	// row's prior status in FallbackStatus and StatusNone in Status.
	FetchNextBatch(ctx context.Context, filter BatchFilter, maxCount int) ([]*Record, error)

	// FetchByID returns the record for id without claiming it, or nil when absent.
	// Status and FallbackStatus both hold the stored status.
	FetchByID(ctx context.Context, action string, id int64) (*Record, error)

	// NotifyComplete marks the row complete
	NotifyComplete(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool) error

	// NotifyFailed marks the row failed and records reason
	NotifyFailed(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool, reason string) error

	// NotifySkipped marks the row skipped
	NotifySkipped(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool) error

	// SetStatus writes status and returns the status it replaced.
	// Without allowOverride a row that is already current is not overwritten and
	// ErrStatusConflict is returned.
	SetStatus(ctx context.Context, id int64, action string, workflowID int64, status Status, allowOverride bool) (Status, error)

	// ConfigSetting returns a stored setting, or "" when unset.
	ConfigSetting(ctx context.Context, key string) (string, error)

	// FetchWorkItemBatch claims up to maxCount pending work items for the action with
	// priority >= minPriority, stamping them with runID.
	FetchWorkItemBatch(ctx context.Context, action string, maxCount int, minPriority Priority, runID string) ([]*WorkItem, error)

	// SetWorkItemToPending returns a claimed work item to pending.
	SetWorkItemToPending(ctx context.Context, id int64) error

	// SaveWorkItemResult persists the terminal status of a work item.
	SaveWorkItemResult(ctx context.Context, id int64, status WorkItemStatus, output, reason string) error

	// FetchWorkItem returns a work item without claiming it, or nil when absent.
	FetchWorkItem(ctx context.Context, id int64) (*WorkItem, error)

	// Close closes the backing store connection
	Close() error
}

// Config setting keys read through BackingStore.ConfigSetting.
const (
	SettingMinSleepMillis          = "min_sleep_between_checks_ms"
	SettingMaxSleepMillis          = "max_sleep_between_checks_ms"
	SettingAllowRestartableProcess = "allow_restartable_processing"
)

// File is a row of the files table, used to seed stores.
type File struct {
	ID         int64
	Name       string
	WorkflowID int64
	Priority   Priority
	Owner      string // user or session owning the file, matched by BatchFilter.UserScope
}

// checkOverride applies the override rule shared by every store: without
// allowOverride a write never replaces a terminal status, and a claim never
// replaces another claim.
func checkOverride(id int64, prev, next Status, allowOverride bool) error {
	if allowOverride || prev == next && next != StatusCurrent {
		return nil
	}
	if prev.IsTerminal() || (prev == StatusCurrent && next == StatusCurrent) {
		return errors.Wrapf(ErrStatusConflict, "file %d is %s, refusing %s", id, prev, next)
	}
	return nil
}

// claimable reports whether a row with status may be claimed by FetchNextBatch.
func claimable(status Status, includeSkipped bool) bool {
	switch status {
	case StatusNone, StatusPending:
		return true
	case StatusSkipped:
		return includeSkipped
	}
	return false
}
