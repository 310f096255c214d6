package model

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type TaskKind string

const (
	KindSearch   TaskKind = "search"
	KindHomefeed TaskKind = "homefeed"
	KindNote     TaskKind = "note"
	KindUser     TaskKind = "user"
)

func (k TaskKind) Valid() bool {
	switch k {
	case KindSearch, KindHomefeed, KindNote, KindUser:
		return true
	}
	return false
}

type Progress struct {
	Total   int `json:"total" bson:"total"`
	Crawled int `json:"crawled" bson:"crawled"`
	Success int `json:"success" bson:"success"`
	Failed  int `json:"failed" bson:"failed"`
}

type Task struct {
	TaskID         string     `json:"task_id" bson:"_id"`
	Platform       Platform   `json:"platform" bson:"platform"`
	Type           TaskKind   `json:"type" bson:"type"`
	Keywords       []string   `json:"keywords" bson:"keywords"`
	MaxCount       int        `json:"max_count" bson:"max_count"`
	EnableComment  bool       `json:"enable_comment" bson:"enable_comment"`
	EnableDownload bool       `json:"enable_download" bson:"enable_download"`
	Status         TaskStatus `json:"status" bson:"status"`
	Progress       Progress   `json:"progress" bson:"progress"`
	Error          string     `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" bson:"updated_at"`
	StartedAt      *time.Time `json:"started_at" bson:"started_at"`
	CompletedAt    *time.Time `json:"completed_at" bson:"completed_at"`
}

type TaskInput struct {
	Platform       string   `json:"platform"`
	Type           string   `json:"type"`
	Keywords       []string `json:"keywords"`
	MaxCount       int      `json:"max_count"`
	EnableComment  bool     `json:"enable_comment"`
	EnableDownload bool     `json:"enable_download"`
}

// TaskFilter narrows a task listing. Page is 1-based.
type TaskFilter struct {
	Status   TaskStatus
	Platform Platform
	Page     int
	PageSize int
}

// Validate checks the input and fills defaults. It returns a descriptive error
// that callers wrap with errs.ErrValidation.
func (in *TaskInput) Validate(defaultMaxCount int) error {
	in.Platform = strings.TrimSpace(in.Platform)
	if in.Platform == "" {
		return fmt.Errorf("platform is required")
	}
	in.Type = strings.ToLower(strings.TrimSpace(in.Type))
	if in.Type == "" {
		in.Type = string(KindSearch)
	}
	if !TaskKind(in.Type).Valid() {
		return fmt.Errorf("unknown task type %q", in.Type)
	}
	if in.MaxCount < 0 {
		return fmt.Errorf("max_count must not be negative")
	}
	if in.MaxCount == 0 {
		in.MaxCount = defaultMaxCount
	}

	keywords := make([]string, 0, len(in.Keywords))
	for _, k := range in.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	in.Keywords = keywords
	if (TaskKind(in.Type) == KindSearch || TaskKind(in.Type) == KindNote) && len(in.Keywords) == 0 {
		return fmt.Errorf("%s task needs at least one keyword", in.Type)
	}
	return nil
}

// ExpectedTotal is the progress total shown before a task runs.
func ExpectedTotal(kind TaskKind, maxCount, keywords int) int {
	switch kind {
	case KindSearch:
		return maxCount * keywords
	case KindNote:
		return keywords
	default:
		return maxCount
	}
}
