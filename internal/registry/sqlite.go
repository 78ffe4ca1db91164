// Package registry persists task definitions, the dispatch audit log
// and the media library in SQLite.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/murphys7017/music-server/internal/domain"
)

// ErrNotFound reports a lookup or mutation that matched no row. It is
// a signal, not a fault; callers translate it to a 404 or a no-op.
var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  work_type TEXT NOT NULL,
  params BLOB NOT NULL,
  schedule_kind TEXT NOT NULL CHECK(schedule_kind IN ('once','interval','cron')),
  interval_seconds INTEGER NOT NULL DEFAULT 0,
  cron_expr TEXT NOT NULL DEFAULT '',
  execute_at DATETIME,
  max_runs INTEGER NOT NULL DEFAULT 0,
  run_count INTEGER NOT NULL DEFAULT 0,
  last_run_at DATETIME,
  next_run_at DATETIME,
  enabled INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  description TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(enabled, next_run_at);
CREATE TABLE IF NOT EXISTS dispatches (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL DEFAULT '',
  task_name TEXT NOT NULL DEFAULT '',
  work_type TEXT NOT NULL,
  params BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed')) DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  error_message TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  started_at DATETIME,
  completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_dispatches_created ON dispatches(created_at);
CREATE INDEX IF NOT EXISTS idx_dispatches_status ON dispatches(status);
CREATE TABLE IF NOT EXISTS media (
  uuid TEXT PRIMARY KEY,
  md5 TEXT NOT NULL UNIQUE,
  path TEXT NOT NULL,
  name TEXT NOT NULL,
  artist TEXT NOT NULL DEFAULT '',
  album TEXT,
  source TEXT NOT NULL DEFAULT 'local',
  duration_secs INTEGER NOT NULL DEFAULT 0,
  size_bytes INTEGER NOT NULL DEFAULT 0,
  bitrate_kbps INTEGER NOT NULL DEFAULT 0,
  play_count INTEGER NOT NULL DEFAULT 0,
  added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_media_path ON media(path);
`
	_, err := db.Exec(schema)
	return err
}

// TaskUpdate is the per-task outcome of one scheduler tick, applied
// atomically by CommitTick. A nil NextRunAt clears the column.
type TaskUpdate struct {
	ID        string
	RunCount  int
	LastRunAt time.Time
	NextRunAt *time.Time
	Enabled   bool
}

// DispatchRecord is one row of the dispatch audit log.
type DispatchRecord struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id,omitempty"`
	TaskName     string          `json:"task_name,omitempty"`
	WorkType     string          `json:"work_type"`
	Params       json.RawMessage `json:"parameters,omitempty"`
	Status       domain.WorkStatus `json:"status"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

type Store interface {
	// Task definitions
	CreateTask(ctx context.Context, t domain.TaskDefinition) error
	GetTask(ctx context.Context, id string) (domain.TaskDefinition, error)
	GetTaskByName(ctx context.Context, name string) (domain.TaskDefinition, error)
	ListTasks(ctx context.Context, onlyEnabled bool) ([]domain.TaskDefinition, error)
	SetTaskEnabled(ctx context.Context, id string, enabled bool) error
	DeleteTask(ctx context.Context, id string) error
	DueTasks(ctx context.Context, now time.Time) ([]domain.TaskDefinition, error)
	CommitTick(ctx context.Context, updates []TaskUpdate, dispatched []domain.WorkItem) error
	PruneSpentTasks(ctx context.Context, prefix string, before time.Time) (int, error)

	// Dispatch audit log
	MarkDispatchProcessing(ctx context.Context, id string, at time.Time) error
	MarkDispatchCompleted(ctx context.Context, id string, at time.Time) error
	MarkDispatchFailed(ctx context.Context, id string, at time.Time, msg string) error
	MarkDispatchRetry(ctx context.Context, id string, retryCount int) error
	ListRecentDispatches(ctx context.Context, limit int) ([]DispatchRecord, error)
	CountDispatchesByStatus(ctx context.Context) (map[domain.WorkStatus]int, error)
	PruneDispatches(ctx context.Context, before time.Time) (int, error)
	RecoverOrphanDispatches(ctx context.Context, at time.Time) (int, error)

	// Media library
	UpsertMedia(ctx context.Context, m domain.MediaFile) (bool, error)
	ListMedia(ctx context.Context) ([]domain.MediaFile, error)
	DeleteMedia(ctx context.Context, uuid string) error
	SetMediaProbe(ctx context.Context, uuid string, durationSecs, bitrateKbps int) error
	CountMedia(ctx context.Context) (int, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

const taskColumns = `id,name,work_type,params,schedule_kind,interval_seconds,cron_expr,execute_at,max_runs,run_count,last_run_at,next_run_at,enabled,created_at,updated_at,description`

func (s *sqliteStore) CreateTask(ctx context.Context, t domain.TaskDefinition) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.Name, t.WorkType, []byte(t.Params), string(t.Kind), t.IntervalSeconds, t.CronExpr,
		nullTime(t.ExecuteAt), t.MaxRuns, t.RunCount, nullTime(t.LastRunAt), nullTime(t.NextRunAt),
		t.Enabled, t.CreatedAt, t.UpdatedAt, t.Description)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (domain.TaskDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskDefinition{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) GetTaskByName(ctx context.Context, name string) (domain.TaskDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name=? LIMIT 1`, name)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskDefinition{}, fmt.Errorf("task %q: %w", name, ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, onlyEnabled bool) ([]domain.TaskDefinition, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if onlyEnabled {
		q += ` WHERE enabled=1`
	}
	q += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *sqliteStore) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET enabled=?, updated_at=? WHERE id=?`, enabled, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) DueTasks(ctx context.Context, now time.Time) ([]domain.TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE enabled=1 AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *sqliteStore) CommitTick(ctx context.Context, updates []TaskUpdate, dispatched []domain.WorkItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, u := range updates {
		_, err = tx.ExecContext(ctx, `
UPDATE tasks SET run_count=?, last_run_at=?, next_run_at=?, enabled=?, updated_at=? WHERE id=?`,
			u.RunCount, u.LastRunAt.UTC(), nullTime(u.NextRunAt), u.Enabled, time.Now().UTC(), u.ID)
		if err != nil {
			return err
		}
	}
	for _, item := range dispatched {
		_, err = tx.ExecContext(ctx, `
INSERT INTO dispatches (id,task_id,task_name,work_type,params,status,retry_count,max_retries,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
			item.ID, item.SourceTaskID, item.SourceTaskName, item.WorkType, []byte(item.Params),
			string(item.Status), item.RetryCount, item.MaxRetries, item.CreatedAt.UTC())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) MarkDispatchProcessing(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE dispatches SET status='processing', started_at=? WHERE id=?`, at.UTC(), id)
	return err
}

func (s *sqliteStore) MarkDispatchCompleted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE dispatches SET status='completed', completed_at=? WHERE id=?`, at.UTC(), id)
	return err
}

func (s *sqliteStore) MarkDispatchFailed(ctx context.Context, id string, at time.Time, msg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE dispatches SET status='failed', completed_at=?, error_message=? WHERE id=?`, at.UTC(), msg, id)
	return err
}

func (s *sqliteStore) MarkDispatchRetry(ctx context.Context, id string, retryCount int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE dispatches SET status='pending', retry_count=? WHERE id=?`, retryCount, id)
	return err
}

const dispatchColumns = `id,task_id,task_name,work_type,params,status,retry_count,max_retries,error_message,created_at,started_at,completed_at`

func (s *sqliteStore) ListRecentDispatches(ctx context.Context, limit int) ([]DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+dispatchColumns+` FROM dispatches ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []DispatchRecord
	for rows.Next() {
		var d DispatchRecord
		var status string
		var started, completed sql.NullTime
		if err := rows.Scan(&d.ID, &d.TaskID, &d.TaskName, &d.WorkType, (*[]byte)(&d.Params),
			&status, &d.RetryCount, &d.MaxRetries, &d.ErrorMessage, &d.CreatedAt, &started, &completed); err != nil {
			return nil, err
		}
		d.Status = domain.WorkStatus(status)
		if started.Valid {
			t := started.Time
			d.StartedAt = &t
		}
		if completed.Valid {
			t := completed.Time
			d.CompletedAt = &t
		}
		records = append(records, d)
	}
	return records, rows.Err()
}

func (s *sqliteStore) CountDispatchesByStatus(ctx context.Context) (map[domain.WorkStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dispatches GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.WorkStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.WorkStatus(status)] = n
	}
	return counts, rows.Err()
}

// PruneSpentTasks deletes tasks whose name starts with prefix, that are
// disabled with no next run, and whose last change is older than the
// cutoff. Paused tasks keep their next run time and are never touched.
func (s *sqliteStore) PruneSpentTasks(ctx context.Context, prefix string, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM tasks
WHERE name LIKE ? || '%' AND enabled = 0 AND next_run_at IS NULL AND updated_at < ?`,
		prefix, before.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneDispatches removes terminal audit rows older than the cutoff.
// Pending and processing rows are never pruned.
func (s *sqliteStore) PruneDispatches(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM dispatches WHERE created_at < ? AND status IN ('completed','failed')`, before.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverOrphanDispatches fails rows a previous process left pending
// or processing. The queue lives in memory, so after a restart those
// items can never run; the next tick reschedules their tasks.
func (s *sqliteStore) RecoverOrphanDispatches(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE dispatches SET status='failed', error_message='interrupted by restart', completed_at=?
WHERE status IN ('pending','processing')`, at.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpsertMedia inserts m unless a row with the same MD5 already exists.
// It reports whether a new row was created.
func (s *sqliteStore) UpsertMedia(ctx context.Context, m domain.MediaFile) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO media (uuid,md5,path,name,artist,album,source,duration_secs,size_bytes,bitrate_kbps,play_count,added_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(md5) DO NOTHING`,
		m.UUID, m.MD5, m.Path, m.Name, m.Artist, nullString(m.Album), m.Source,
		m.DurationSecs, m.SizeBytes, m.BitrateKbps, m.PlayCount, m.AddedAt.UTC())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ListMedia(ctx context.Context) ([]domain.MediaFile, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT uuid,md5,path,name,artist,album,source,duration_secs,size_bytes,bitrate_kbps,play_count,added_at
FROM media ORDER BY added_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []domain.MediaFile
	for rows.Next() {
		var m domain.MediaFile
		var album sql.NullString
		if err := rows.Scan(&m.UUID, &m.MD5, &m.Path, &m.Name, &m.Artist, &album, &m.Source,
			&m.DurationSecs, &m.SizeBytes, &m.BitrateKbps, &m.PlayCount, &m.AddedAt); err != nil {
			return nil, err
		}
		m.Album = album.String
		files = append(files, m)
	}
	return files, rows.Err()
}

func (s *sqliteStore) DeleteMedia(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE uuid=?`, uuid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("media %s: %w", uuid, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) SetMediaProbe(ctx context.Context, uuid string, durationSecs, bitrateKbps int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE media SET duration_secs=?, bitrate_kbps=? WHERE uuid=?`, durationSecs, bitrateKbps, uuid)
	return err
}

func (s *sqliteStore) CountMedia(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.TaskDefinition, error) {
	var t domain.TaskDefinition
	var kind string
	var executeAt, lastRunAt, nextRunAt sql.NullTime
	err := row.Scan(&t.ID, &t.Name, &t.WorkType, (*[]byte)(&t.Params), &kind, &t.IntervalSeconds,
		&t.CronExpr, &executeAt, &t.MaxRuns, &t.RunCount, &lastRunAt, &nextRunAt,
		&t.Enabled, &t.CreatedAt, &t.UpdatedAt, &t.Description)
	if err != nil {
		return domain.TaskDefinition{}, err
	}
	t.Kind = domain.ScheduleKind(kind)
	if executeAt.Valid {
		v := executeAt.Time
		t.ExecuteAt = &v
	}
	if lastRunAt.Valid {
		v := lastRunAt.Time
		t.LastRunAt = &v
	}
	if nextRunAt.Valid {
		v := nextRunAt.Time
		t.NextRunAt = &v
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.TaskDefinition, error) {
	var tasks []domain.TaskDefinition
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
