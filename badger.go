package filequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements the BackingStore interface using BadgerDB.
// It provides an embedded key-value store suitable for single-process deployments
// that need status to survive restarts.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore creates a new BadgerDB store.
// The database directory will be created if it doesn't exist.
// dbPath is the path to the BadgerDB database directory.
// logger is the logger instance for logging store operations.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerStore(dbPath string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = discardLogger()
	}
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open BadgerDB")
	}

	return &BadgerStore{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// This provides deterministic retry behavior suitable for tests (fixed delay, no jitter).
func (b *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			b.logger.Debug("retryUpdate: transaction conflict", "attempt", attempt+1)
			continue
		}
		return err
	}
	return errors.Wrapf(lastErr, "transaction conflict after %d retries", maxRetries)
}

// key prefixes
const (
	keyPrefixFile     = "file:"
	keyPrefixStatus   = "status:"
	keyPrefixWorkItem = "witem:"
	keyPrefixSetting  = "setting:"
)

// fileKey returns the key for a file row. Ids are zero-padded so keys sort numerically.
func fileKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefixFile, id))
}

// statusKeyBytes returns the key for a file's status under one action
func statusKeyBytes(action string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", keyPrefixStatus, action, id))
}

func workItemKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefixWorkItem, id))
}

func settingKey(key string) []byte {
	return []byte(keyPrefixSetting + key)
}

// storedWorkItem is the persisted form of a WorkItem.
type storedWorkItem struct {
	ID         int64          `json:"id"`
	FileID     int64          `json:"file_id"`
	Action     string         `json:"action"`
	Priority   Priority       `json:"priority"`
	Status     WorkItemStatus `json:"status"`
	SourceFile string         `json:"source_file"`
	StartPage  int            `json:"start_page"`
	EndPage    int            `json:"end_page"`
	RunID      string         `json:"run_id,omitempty"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func toStoredWorkItem(item *WorkItem) storedWorkItem {
	return storedWorkItem{
		ID:         item.ID,
		FileID:     item.FileID,
		Action:     item.Action,
		Priority:   item.Priority,
		Status:     item.Status,
		SourceFile: item.Input.SourceFile,
		StartPage:  item.Input.StartPage,
		EndPage:    item.Input.EndPage,
		RunID:      item.RunID,
		Output:     item.Output,
		Error:      item.Error,
	}
}

func (s storedWorkItem) workItem() *WorkItem {
	return &WorkItem{
		ID:       s.ID,
		FileID:   s.FileID,
		Action:   s.Action,
		Priority: s.Priority,
		Status:   s.Status,
		Input:    WorkItemInput{SourceFile: s.SourceFile, StartPage: s.StartPage, EndPage: s.EndPage},
		RunID:    s.RunID,
		Output:   s.Output,
		Error:    s.Error,
	}
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func readStatus(txn *badger.Txn, action string, id int64) (statusRow, error) {
	var row statusRow
	if _, err := getJSON(txn, statusKeyBytes(action, id), &row); err != nil {
		return row, err
	}
	if row.Status == "" {
		row.Status = StatusNone
	}
	return row, nil
}

// AddFile inserts or replaces a file row.
func (b *BadgerStore) AddFile(ctx context.Context, f File) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if f.Priority == 0 {
		f.Priority = PriorityDefault
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, fileKey(f.ID), f)
	})
}

// AddWorkItem inserts or replaces a work item with status pending.
func (b *BadgerStore) AddWorkItem(ctx context.Context, item *WorkItem) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if item == nil {
		return errors.New("work item is nil")
	}
	stored := toStoredWorkItem(item)
	stored.Status = WorkItemPending
	if stored.Priority == 0 {
		stored.Priority = PriorityDefault
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, workItemKey(stored.ID), stored)
	})
}

// SetConfigSetting stores a setting value.
func (b *BadgerStore) SetConfigSetting(ctx context.Context, key, value string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Set(settingKey(key), []byte(value))
	})
}

// FetchNextBatch claims up to maxCount rows matching filter.
func (b *BadgerStore) FetchNextBatch(ctx context.Context, filter BatchFilter, maxCount int) ([]*Record, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		return []*Record{}, nil
	}

	var batch []*Record
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		candidates := make([]*Record, 0)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixFile)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				it.Close()
				return err
			}
			var f File
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &f)
			}); err != nil {
				it.Close()
				return errors.Wrap(err, "failed to decode file row")
			}
			if f.Priority < filter.MinPriority || (filter.UserScope != "" && f.Owner != filter.UserScope) {
				continue
			}
			row, err := readStatus(txn, filter.Action, f.ID)
			if err != nil {
				it.Close()
				return err
			}
			if !claimable(row.Status, filter.IncludeSkipped) {
				continue
			}
			candidates = append(candidates, recordFromFile(f, filter.Action, row.Status))
		}
		it.Close()

		batch = orderBatch(candidates, filter.RandomOrder, maxCount)
		for _, rec := range batch {
			row := statusRow{Status: StatusCurrent, WorkflowID: rec.WorkflowID}
			if err := setJSON(txn, statusKeyBytes(filter.Action, rec.ID), row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Debug("FetchNextBatch: claimed", "action", filter.Action, "count", len(batch))
	return batch, nil
}

// FetchByID returns the record for id, or nil when the file does not exist.
func (b *BadgerStore) FetchByID(ctx context.Context, action string, id int64) (*Record, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	var rec *Record
	err = b.db.View(func(txn *badger.Txn) error {
		var f File
		found, err := getJSON(txn, fileKey(id), &f)
		if err != nil || !found {
			return err
		}
		row, err := readStatus(txn, action, id)
		if err != nil {
			return err
		}
		rec = recordFromFile(f, action, row.Status)
		rec.Status = row.Status
		rec.LastError = row.Reason
		return nil
	})
	return rec, err
}

// NotifyComplete marks the row complete.
func (b *BadgerStore) NotifyComplete(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool) error {
	_, err := b.write(ctx, id, action, workflowID, StatusComplete, allowOverride, "")
	return err
}

// NotifyFailed marks the row failed with reason.
func (b *BadgerStore) NotifyFailed(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool, reason string) error {
	_, err := b.write(ctx, id, action, workflowID, StatusFailed, allowOverride, reason)
	return err
}

// NotifySkipped marks the row skipped.
func (b *BadgerStore) NotifySkipped(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool) error {
	_, err := b.write(ctx, id, action, workflowID, StatusSkipped, allowOverride, "")
	return err
}

// SetStatus writes status and returns the previous one.
func (b *BadgerStore) SetStatus(ctx context.Context, id int64, action string, workflowID int64, status Status, allowOverride bool) (Status, error) {
	return b.write(ctx, id, action, workflowID, status, allowOverride, "")
}

func (b *BadgerStore) write(ctx context.Context, id int64, action string, workflowID int64, status Status, allowOverride bool, reason string) (Status, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	var prev Status
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(fileKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrapf(ErrNotFound, "file %d", id)
		} else if err != nil {
			return err
		}
		row, err := readStatus(txn, action, id)
		if err != nil {
			return err
		}
		prev = row.Status
		if err := checkOverride(id, prev, status, allowOverride); err != nil {
			return err
		}
		return setJSON(txn, statusKeyBytes(action, id), statusRow{Status: status, WorkflowID: workflowID, Reason: reason})
	})
	if err != nil {
		return prev, err
	}
	b.logger.Debug("SetStatus: written", "id", id, "action", action, "from", prev, "to", status)
	return prev, nil
}

// ConfigSetting returns a setting, or "" when unset.
func (b *BadgerStore) ConfigSetting(ctx context.Context, key string) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	var value string
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(settingKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(raw)
		return nil
	})
	return value, err
}

// FetchWorkItemBatch claims pending work items for action, highest priority first.
func (b *BadgerStore) FetchWorkItemBatch(ctx context.Context, action string, maxCount int, minPriority Priority, runID string) ([]*WorkItem, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		return []*WorkItem{}, nil
	}

	var batch []*WorkItem
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		candidates := make([]*WorkItem, 0)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixWorkItem)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			var stored storedWorkItem
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				it.Close()
				return errors.Wrap(err, "failed to decode work item")
			}
			if stored.Action == action && stored.Status == WorkItemPending && stored.Priority >= minPriority {
				candidates = append(candidates, stored.workItem())
			}
		}
		it.Close()

		sortWorkItems(candidates)
		if len(candidates) > maxCount {
			candidates = candidates[:maxCount]
		}
		for _, item := range candidates {
			item.Status = WorkItemProcessing
			item.RunID = runID
			if err := setJSON(txn, workItemKey(item.ID), toStoredWorkItem(item)); err != nil {
				return err
			}
		}
		batch = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (b *BadgerStore) updateWorkItem(ctx context.Context, id int64, fn func(*storedWorkItem)) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		var stored storedWorkItem
		found, err := getJSON(txn, workItemKey(id), &stored)
		if err != nil {
			return err
		}
		if !found {
			return errors.Wrapf(ErrNotFound, "work item %d", id)
		}
		fn(&stored)
		return setJSON(txn, workItemKey(id), stored)
	})
}

// SetWorkItemToPending returns a claimed work item to pending.
func (b *BadgerStore) SetWorkItemToPending(ctx context.Context, id int64) error {
	return b.updateWorkItem(ctx, id, func(s *storedWorkItem) {
		s.Status = WorkItemPending
		s.RunID = ""
	})
}

// SaveWorkItemResult persists a work item's terminal status.
func (b *BadgerStore) SaveWorkItemResult(ctx context.Context, id int64, status WorkItemStatus, output, reason string) error {
	return b.updateWorkItem(ctx, id, func(s *storedWorkItem) {
		s.Status = status
		s.Output = output
		s.Error = reason
	})
}

// FetchWorkItem returns a work item, or nil when absent.
func (b *BadgerStore) FetchWorkItem(ctx context.Context, id int64) (*WorkItem, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	var item *WorkItem
	err = b.db.View(func(txn *badger.Txn) error {
		var stored storedWorkItem
		found, err := getJSON(txn, workItemKey(id), &stored)
		if err != nil || !found {
			return err
		}
		item = stored.workItem()
		return nil
	})
	return item, err
}
