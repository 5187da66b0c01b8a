package model

import (
	"encoding/json"
	"time"
)

const (
	TaskStatusPending = "PENDING"
	TaskStatusStarted = "STARTED"
	TaskStatusSuccess = "SUCCESS"
	TaskStatusFailure = "FAILURE"
	// TaskStatusUnknown is reported for ids neither the store nor the queue knows about.
	TaskStatusUnknown = "UNKNOWN"
)

// TaskMeta is the auxiliary data recorded with every state transition.
type TaskMeta struct {
	Filename  string `json:"filename"`
	ExcType   string `json:"exc_type,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

type Task struct {
	ID        string               `gorm:"primaryKey;column:id;type:VARCHAR(36);"`
	Status    string               `gorm:"column:status;type:VARCHAR(16);not null;index"`
	Meta      *JSONField[TaskMeta] `gorm:"column:meta;type:TEXT"`
	DateDone  *time.Time           `gorm:"column:date_done;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Task) TableName() string {
	return "task_meta"
}

type TaskList []Task

func (t Task) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

func (t Task) Metadata() TaskMeta {
	if t.Meta == nil {
		return TaskMeta{}
	}
	return t.Meta.Data
}

func (t Task) String() string {
	val, _ := json.Marshal(t)
	return string(val)
}

var lifecycle = []string{TaskStatusPending, TaskStatusStarted, TaskStatusSuccess, TaskStatusFailure}

func IsTerminalStatus(status string) bool {
	return status == TaskStatusSuccess || status == TaskStatusFailure
}

// ValidTransition reports whether a task in status from may move to status to.
// Re-recording the current status is always allowed.
func ValidTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case "", TaskStatusPending:
		return to == TaskStatusStarted || IsTerminalStatus(to)
	case TaskStatusStarted:
		return IsTerminalStatus(to)
	default:
		return false
	}
}

// UpdatableFrom lists the non-terminal statuses a stored task may hold for a
// move to status to be applied.
func UpdatableFrom(to string) []string {
	var from []string
	for _, s := range lifecycle {
		if !IsTerminalStatus(s) && ValidTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}
