package events

import (
	"github.com/lisa-sandbox/lisa-api/internal/store/model"
)

type TaskEvent struct {
	TaskID string         `json:"task_id"`
	Status string         `json:"status"`
	Meta   model.TaskMeta `json:"meta"`
}

// KindForStatus maps a task status to its lifecycle event kind.
func KindForStatus(status string) (string, bool) {
	switch status {
	case model.TaskStatusStarted:
		return TaskStartedKind, true
	case model.TaskStatusSuccess:
		return TaskSucceededKind, true
	case model.TaskStatusFailure:
		return TaskFailedKind, true
	default:
		return "", false
	}
}
