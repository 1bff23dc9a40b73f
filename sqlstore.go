package filequeue

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// sqlDialect captures the differences between the SQL engines the store runs on.
type sqlDialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// row locking clauses appended to claim and status queries; empty where the
	// engine serializes writers itself
	claimFiles string
	claimItems string
	lockFile   string
}

// SQLStore implements the BackingStore interface over database/sql.
// NewSQLiteStore and NewPostgresStore configure it for their engine.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
	logger  *slog.Logger
}

func newSQLStore(db *sql.DB, dialect sqlDialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = discardLogger()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger}
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sqlSchema = `
	CREATE TABLE IF NOT EXISTS files (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		workflow_id BIGINT NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 3,
		owner TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS file_status (
		file_id BIGINT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		workflow_id BIGINT NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (file_id, action)
	);

	CREATE TABLE IF NOT EXISTS work_items (
		id BIGINT PRIMARY KEY,
		file_id BIGINT NOT NULL,
		action TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 3,
		status TEXT NOT NULL,
		source_file TEXT NOT NULL DEFAULT '',
		start_page INTEGER NOT NULL DEFAULT 0,
		end_page INTEGER NOT NULL DEFAULT 0,
		run_id TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_file_status_action ON file_status(action, status);
	CREATE INDEX IF NOT EXISTS idx_work_items_action ON work_items(action, status, priority);
	`

// initSchema initializes the database schema
func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to initialize schema")
		}
	}
	return nil
}

// AddFile inserts or replaces a file row.
func (s *SQLStore) AddFile(ctx context.Context, f File) error {
	if f.Priority == 0 {
		f.Priority = PriorityDefault
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO files (id, name, workflow_id, priority, owner)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, workflow_id = excluded.workflow_id,
			priority = excluded.priority, owner = excluded.owner
	`), f.ID, f.Name, f.WorkflowID, int(f.Priority), f.Owner)
	if err != nil {
		return errors.Wrap(err, "failed to insert file")
	}
	return nil
}

// AddWorkItem inserts or replaces a work item with status pending.
func (s *SQLStore) AddWorkItem(ctx context.Context, item *WorkItem) error {
	if item == nil {
		return errors.New("work item is nil")
	}
	priority := item.Priority
	if priority == 0 {
		priority = PriorityDefault
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO work_items (id, file_id, action, priority, status, source_file, start_page, end_page, run_id, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', '')
		ON CONFLICT (id) DO UPDATE SET file_id = excluded.file_id, action = excluded.action,
			priority = excluded.priority, status = excluded.status, source_file = excluded.source_file,
			start_page = excluded.start_page, end_page = excluded.end_page, run_id = '', output = '', error = ''
	`), item.ID, item.FileID, item.Action, int(priority), string(WorkItemPending),
		item.Input.SourceFile, item.Input.StartPage, item.Input.EndPage)
	if err != nil {
		return errors.Wrap(err, "failed to insert work item")
	}
	return nil
}

// SetConfigSetting stores a setting value.
func (s *SQLStore) SetConfigSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value
	`), key, value)
	if err != nil {
		return errors.Wrap(err, "failed to store setting")
	}
	return nil
}

// FetchNextBatch claims up to maxCount rows matching filter in one transaction.
func (s *SQLStore) FetchNextBatch(ctx context.Context, filter BatchFilter, maxCount int) ([]*Record, error) {
	if maxCount <= 0 {
		return []*Record{}, nil
	}

	statuses := []interface{}{string(StatusNone), string(StatusPending)}
	if filter.IncludeSkipped {
		statuses = append(statuses, string(StatusSkipped))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")

	order := "f.priority DESC, f.id ASC"
	if filter.RandomOrder {
		order = "RANDOM()"
	}

	query := `
		SELECT f.id, f.name, f.workflow_id, f.priority, COALESCE(s.status, 'none')
		FROM files f
		LEFT JOIN file_status s ON s.file_id = f.id AND s.action = ?
		WHERE COALESCE(s.status, 'none') IN (` + placeholders + `)
			AND f.priority >= ?
			AND (CAST(? AS TEXT) = '' OR f.owner = ?)
		ORDER BY ` + order + `
		LIMIT ?` + s.dialect.claimFiles

	args := []interface{}{filter.Action}
	args = append(args, statuses...)
	args = append(args, int(filter.MinPriority), filter.UserScope, filter.UserScope, maxCount)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query next batch")
	}
	batch := make([]*Record, 0, maxCount)
	for rows.Next() {
		var (
			f      File
			prio   int
			status string
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.WorkflowID, &prio, &status); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan file row")
		}
		f.Priority = Priority(prio)
		prior, ok := ParseStatus(status)
		if !ok {
			prior = StatusNone
		}
		batch = append(batch, recordFromFile(f, filter.Action, prior))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "failed to iterate file rows")
	}
	rows.Close()

	for _, rec := range batch {
		if err := s.upsertStatus(ctx, tx, rec.ID, filter.Action, rec.WorkflowID, StatusCurrent, ""); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit batch claim")
	}
	s.logger.Debug("FetchNextBatch: claimed", "engine", s.dialect.name, "action", filter.Action, "count", len(batch))
	return batch, nil
}

func (s *SQLStore) upsertStatus(ctx context.Context, tx *sql.Tx, id int64, action string, workflowID int64, status Status, reason string) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO file_status (file_id, action, status, workflow_id, reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (file_id, action) DO UPDATE SET status = excluded.status,
			workflow_id = excluded.workflow_id, reason = excluded.reason
	`), id, action, string(status), workflowID, reason)
	if err != nil {
		return errors.Wrapf(err, "failed to write status for file %d", id)
	}
	return nil
}

// FetchByID returns the record for id, or nil when the file does not exist.
func (s *SQLStore) FetchByID(ctx context.Context, action string, id int64) (*Record, error) {
	var (
		f      File
		prio   int
		status string
		reason string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT f.id, f.name, f.workflow_id, f.priority, COALESCE(s.status, 'none'), COALESCE(s.reason, '')
		FROM files f
		LEFT JOIN file_status s ON s.file_id = f.id AND s.action = ?
		WHERE f.id = ?
	`), action, id).Scan(&f.ID, &f.Name, &f.WorkflowID, &prio, &status, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch file")
	}
	f.Priority = Priority(prio)
	current, ok := ParseStatus(status)
	if !ok {
		current = StatusNone
	}
	rec := recordFromFile(f, action, current)
	rec.Status = current
	rec.LastError = reason
	return rec, nil
}

// NotifyComplete marks the row complete.
func (s *SQLStore) NotifyComplete(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool) error {
	_, err := s.write(ctx, id, action, workflowID, StatusComplete, allowOverride, "")
	return err
}

// NotifyFailed marks the row failed with reason.
func (s *SQLStore) NotifyFailed(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool, reason string) error {
	_, err := s.write(ctx, id, action, workflowID, StatusFailed, allowOverride, reason)
	return err
}

// NotifySkipped marks the row skipped.
func (s *SQLStore) NotifySkipped(ctx context.Context, id int64, action string, workflowID int64, allowOverride bool) error {
	_, err := s.write(ctx, id, action, workflowID, StatusSkipped, allowOverride, "")
	return err
}

// SetStatus writes status and returns the previous one.
func (s *SQLStore) SetStatus(ctx context.Context, id int64, action string, workflowID int64, status Status, allowOverride bool) (Status, error) {
	return s.write(ctx, id, action, workflowID, status, allowOverride, "")
}

func (s *SQLStore) write(ctx context.Context, id int64, action string, workflowID int64, status Status, allowOverride bool, reason string) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var prevRaw string
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(s.status, 'none')
		FROM files f
		LEFT JOIN file_status s ON s.file_id = f.id AND s.action = ?
		WHERE f.id = ?`+s.dialect.lockFile), action, id).Scan(&prevRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(ErrNotFound, "file %d", id)
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read status")
	}
	prev, ok := ParseStatus(prevRaw)
	if !ok {
		prev = StatusNone
	}
	if err := checkOverride(id, prev, status, allowOverride); err != nil {
		return prev, err
	}
	if err := s.upsertStatus(ctx, tx, id, action, workflowID, status, reason); err != nil {
		return prev, err
	}
	if err := tx.Commit(); err != nil {
		return prev, errors.Wrap(err, "failed to commit status")
	}
	return prev, nil
}

// ConfigSetting returns a setting, or "" when unset.
func (s *SQLStore) ConfigSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM settings WHERE name = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read setting")
	}
	return value, nil
}

const workItemColumns = `id, file_id, action, priority, status, source_file, start_page, end_page, run_id, output, error`

func scanWorkItem(scan func(dest ...interface{}) error) (*WorkItem, error) {
	var (
		item   WorkItem
		prio   int
		status string
	)
	if err := scan(&item.ID, &item.FileID, &item.Action, &prio, &status,
		&item.Input.SourceFile, &item.Input.StartPage, &item.Input.EndPage,
		&item.RunID, &item.Output, &item.Error); err != nil {
		return nil, err
	}
	item.Priority = Priority(prio)
	item.Status = WorkItemStatus(status)
	return &item, nil
}

// FetchWorkItemBatch claims pending work items for action, highest priority first.
func (s *SQLStore) FetchWorkItemBatch(ctx context.Context, action string, maxCount int, minPriority Priority, runID string) ([]*WorkItem, error) {
	if maxCount <= 0 {
		return []*WorkItem{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT `+workItemColumns+`
		FROM work_items
		WHERE action = ? AND status = ? AND priority >= ?
		ORDER BY priority DESC, id ASC
		LIMIT ?`+s.dialect.claimItems), action, string(WorkItemPending), int(minPriority), maxCount)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query work items")
	}
	batch := make([]*WorkItem, 0, maxCount)
	for rows.Next() {
		item, err := scanWorkItem(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan work item")
		}
		batch = append(batch, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "failed to iterate work items")
	}
	rows.Close()

	for _, item := range batch {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE work_items SET status = ?, run_id = ? WHERE id = ?`),
			string(WorkItemProcessing), runID, item.ID); err != nil {
			return nil, errors.Wrapf(err, "failed to claim work item %d", item.ID)
		}
		item.Status = WorkItemProcessing
		item.RunID = runID
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit work item claim")
	}
	return batch, nil
}

func (s *SQLStore) execWorkItem(ctx context.Context, id int64, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update work item %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "work item %d", id)
	}
	return nil
}

// SetWorkItemToPending returns a claimed work item to pending.
func (s *SQLStore) SetWorkItemToPending(ctx context.Context, id int64) error {
	return s.execWorkItem(ctx, id, `UPDATE work_items SET status = ?, run_id = '' WHERE id = ?`,
		string(WorkItemPending), id)
}

// SaveWorkItemResult persists a work item's terminal status.
func (s *SQLStore) SaveWorkItemResult(ctx context.Context, id int64, status WorkItemStatus, output, reason string) error {
	return s.execWorkItem(ctx, id, `UPDATE work_items SET status = ?, output = ?, error = ? WHERE id = ?`,
		string(status), output, reason, id)
}

// FetchWorkItem returns a work item, or nil when absent.
func (s *SQLStore) FetchWorkItem(ctx context.Context, id int64) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`), id)
	item, err := scanWorkItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch work item")
	}
	return item, nil
}
