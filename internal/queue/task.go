package queue

import (
	"maps"
	"time"
)

// Task types produced by the webhook layer.
const (
	TypeTextProcessing  = "text_processing"
	TypeImageProcessing = "image_processing"
	TypeFileProcessing  = "file_processing"
	TypeCommand         = "command_processing"
	TypeFollow          = "follow_event"
)

// Priorities. Lower is more urgent. The dequeue loop is FIFO and does not read them.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 10
)

// InheritRetries as Task.MaxRetries makes Enqueue apply the queue's retry limit.
const InheritRetries = -1

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusRetrying   TaskStatus = "retrying"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusRetrying, StatusFailed},
	StatusRetrying:   {StatusPending, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task represents a unit of asynchronous work.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"task_type"`
	Payload     map[string]any `json:"payload"`
	UserID      string         `json:"user_id"`
	ReplyToken  string         `json:"reply_token,omitempty"`
	Priority    int            `json:"priority"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Status      TaskStatus     `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      any            `json:"result,omitempty"`
}

// NewTask creates a pending task that inherits the queue's retry limit. The
// queue assigns the ID on Enqueue.
func NewTask(taskType, userID string, payload map[string]any) *Task {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Task{
		Type:       taskType,
		UserID:     userID,
		Payload:    payload,
		Priority:   PriorityNormal,
		MaxRetries: InheritRetries,
		Status:     StatusPending,
	}
}

// String returns a payload value as a string, or "" if missing or not a string.
func (t *Task) String(key string) string {
	v, _ := t.Payload[key].(string)
	return v
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() Task {
	c := *t
	c.Payload = maps.Clone(t.Payload)
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return c
}
