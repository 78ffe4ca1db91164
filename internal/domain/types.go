package domain

import (
	"encoding/json"
	"time"
)

// ScheduleKind selects how a task's next run time is derived.
type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

func (k ScheduleKind) Valid() bool {
	switch k {
	case ScheduleOnce, ScheduleInterval, ScheduleCron:
		return true
	}
	return false
}

// WorkStatus is the audit-record lifecycle of a dispatched item. The
// scheduler only ever writes StatusPending; every later transition is
// owned by the worker pool.
type WorkStatus string

const (
	StatusPending    WorkStatus = "pending"
	StatusProcessing WorkStatus = "processing"
	StatusCompleted  WorkStatus = "completed"
	StatusFailed     WorkStatus = "failed"
)

// TaskDefinition is a durable description of recurring or deferred work.
// All fields are established at construction; nil pointer fields mean
// "no value" (NextRunAt == nil exactly when the task cannot fire again).
type TaskDefinition struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	WorkType string          `json:"work_type"`
	Params   json.RawMessage `json:"parameters,omitempty"`

	Kind            ScheduleKind `json:"schedule_kind"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	CronExpr        string       `json:"cron_expression,omitempty"`
	ExecuteAt       *time.Time   `json:"explicit_execute_at,omitempty"`

	MaxRuns   int        `json:"max_runs"`
	RunCount  int        `json:"run_count"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	Enabled   bool       `json:"enabled"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Description string    `json:"description,omitempty"`
}

// WorkItem is one dispatchable instance of work generated from a task
// definition at a due time. Ownership transfers to the consumer on pop.
type WorkItem struct {
	ID             string          `json:"id"`
	WorkType       string          `json:"work_type"`
	Params         json.RawMessage `json:"parameters,omitempty"`
	SourceTaskID   string          `json:"source_task_id,omitempty"`
	SourceTaskName string          `json:"source_task_name,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Status         WorkStatus      `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
}

// MediaFile is one imported library entry. The scan and probe work
// types maintain these rows.
type MediaFile struct {
	UUID         string    `json:"uuid"`
	MD5          string    `json:"md5"`
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	Artist       string    `json:"artist"`
	Album        string    `json:"album,omitempty"`
	Source       string    `json:"source"`
	DurationSecs int       `json:"duration_secs"`
	SizeBytes    int64     `json:"size_bytes"`
	BitrateKbps  int       `json:"bitrate_kbps"`
	PlayCount    int       `json:"play_count"`
	AddedAt      time.Time `json:"added_at"`
}
