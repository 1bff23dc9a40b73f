package filequeue

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

type statusKey struct {
	action string
	id     int64
}

type statusRow struct {
	Status     Status `json:"status"`
	WorkflowID int64  `json:"workflow_id"`
	Reason     string `json:"reason,omitempty"`
}

// InMemoryStore implements the BackingStore interface using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing.
type InMemoryStore struct {
	mu       sync.RWMutex
	files    map[int64]File
	statuses map[statusKey]statusRow
	items    map[int64]*WorkItem
	settings map[string]string
	closed   bool
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		files:    make(map[int64]File),
		statuses: make(map[statusKey]statusRow),
		items:    make(map[int64]*WorkItem),
		settings: make(map[string]string),
	}
}

// Close closes the store and prevents further operations.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) ensureOpenLocked() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// AddFile inserts or replaces a file row.
func (s *InMemoryStore) AddFile(ctx context.Context, f File) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if f.Priority == 0 {
		f.Priority = PriorityDefault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	s.files[f.ID] = f
	return nil
}

// AddWorkItem inserts or replaces a work item with status pending.
func (s *InMemoryStore) AddWorkItem(ctx context.Context, item *WorkItem) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if item == nil {
		return errors.New("work item is nil")
	}
	cp := cloneWorkItem(item)
	cp.Status = WorkItemPending
	cp.Progress = nil
	if cp.Priority == 0 {
		cp.Priority = PriorityDefault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	s.items[cp.ID] = cp
	return nil
}

// SetConfigSetting stores a setting value.
func (s *InMemoryStore) SetConfigSetting(ctx context.Context, key, value string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	s.settings[key] = value
	return nil
}

// FetchNextBatch claims up to maxCount rows matching filter.
func (s *InMemoryStore) FetchNextBatch(ctx context.Context, filter BatchFilter, maxCount int) ([]*Record, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		return []*Record{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	candidates := make([]*Record, 0)
	for _, f := range s.files {
		row := s.statuses[statusKey{filter.Action, f.ID}]
		status := row.Status
		if status == "" {
			status = StatusNone
		}
		if !claimable(status, filter.IncludeSkipped) || f.Priority < filter.MinPriority {
			continue
		}
		if filter.UserScope != "" && f.Owner != filter.UserScope {
			continue
		}
		candidates = append(candidates, recordFromFile(f, filter.Action, status))
	}
	batch := orderBatch(candidates, filter.RandomOrder, maxCount)

	for _, rec := range batch {
		key := statusKey{filter.Action, rec.ID}
		row := s.statuses[key]
		row.Status = StatusCurrent
		row.WorkflowID = rec.WorkflowID
		s.statuses[key] = row
	}
	return batch, nil
}

// FetchByID returns the record for id, or nil when the file does not exist.
func (s *InMemoryStore) FetchByID(ctx context.Context, action string, id int64) (*Record, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	f, ok := s.files[id]
	if !ok {
		return nil, nil
	}
	row := s.statuses[statusKey{action, id}]
	status := row.Status
	if status == "" {
		status = StatusNone
	}
	rec := recordFromFile(f, action, status)
	rec.Status = status
	rec.LastError = row.Reason
	return rec, nil
}

// NotifyComplete marks the row complete.
func (s *InMemoryStore) NotifyComplete(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool) error {
	_, err := s.write(ctx, id, action, workflowID, StatusComplete, allowOverride, "")
	return err
}

// NotifyFailed marks the row failed with reason.
func (s *InMemoryStore) NotifyFailed(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool, reason string) error {
	_, err := s.write(ctx, id, action, workflowID, StatusFailed, allowOverride, reason)
	return err
}

// NotifySkipped marks the row skipped.
func (s *InMemoryStore) NotifySkipped(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool) error {
	_, err := s.write(ctx, id, action, workflowID, StatusSkipped, allowOverride, "")
	return err
}

// SetStatus writes status and returns the previous one.
func (s *InMemoryStore) SetStatus(ctx context.Context, id int64, action string, workflowID int64, status Status, allowOverride bool) (Status, error) {
	return s.write(ctx, id, action, workflowID, status, allowOverride, "")
}

func (s *InMemoryStore) write(ctx context.Context, id int64, action string, workflowID int64, status Status, allowOverride bool, reason string) (Status, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return "", err
	}
	if _, ok := s.files[id]; !ok {
		return "", errors.Wrapf(ErrNotFound, "file %d", id)
	}
	key := statusKey{action, id}
	row := s.statuses[key]
	prev := row.Status
	if prev == "" {
		prev = StatusNone
	}
	if err := checkOverride(id, prev, status, allowOverride); err != nil {
		return prev, err
	}
	s.statuses[key] = statusRow{Status: status, WorkflowID: workflowID, Reason: reason}
	return prev, nil
}

// ConfigSetting returns a setting, or "" when unset.
func (s *InMemoryStore) ConfigSetting(ctx context.Context, key string) (string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return "", err
	}
	return s.settings[key], nil
}

// FetchWorkItemBatch claims pending work items for action, highest priority first.
func (s *InMemoryStore) FetchWorkItemBatch(ctx context.Context, action string, maxCount int, minPriority Priority, runID string) ([]*WorkItem, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		return []*WorkItem{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	candidates := make([]*WorkItem, 0)
	for _, item := range s.items {
		if item.Action == action && item.Status == WorkItemPending && item.Priority >= minPriority {
			candidates = append(candidates, item)
		}
	}
	sortWorkItems(candidates)
	if len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}

	batch := make([]*WorkItem, 0, len(candidates))
	for _, item := range candidates {
		item.Status = WorkItemProcessing
		item.RunID = runID
		batch = append(batch, cloneWorkItem(item))
	}
	return batch, nil
}

// SetWorkItemToPending returns a claimed work item to pending.
func (s *InMemoryStore) SetWorkItemToPending(ctx context.Context, id int64) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	item, ok := s.items[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "work item %d", id)
	}
	item.Status = WorkItemPending
	item.RunID = ""
	return nil
}

// SaveWorkItemResult persists a work item's terminal status.
func (s *InMemoryStore) SaveWorkItemResult(ctx context.Context, id int64, status WorkItemStatus, output, reason string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	item, ok := s.items[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "work item %d", id)
	}
	item.Status = status
	item.Output = output
	item.Error = reason
	return nil
}

// FetchWorkItem returns a copy of a work item, or nil when absent.
func (s *InMemoryStore) FetchWorkItem(ctx context.Context, id int64) (*WorkItem, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	return cloneWorkItem(s.items[id]), nil
}

func recordFromFile(f File, action string, prior Status) *Record {
	return &Record{
		ID:             f.ID,
		Name:           f.Name,
		Action:         action,
		WorkflowID:     f.WorkflowID,
		Priority:       f.Priority,
		Status:         StatusNone,
		FallbackStatus: prior,
	}
}

// orderBatch sorts candidates by priority descending then id ascending, or shuffles
// them, and truncates to maxCount.
func orderBatch(candidates []*Record, random bool, maxCount int) []*Record {
	if random {
		rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			return candidates[i].ID < candidates[j].ID
		})
	}
	if len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}
	return candidates
}

func sortWorkItems(items []*WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].ID < items[j].ID
	})
}
