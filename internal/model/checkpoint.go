package model

import "time"

type CheckpointStatus string

const (
	CheckpointActive  CheckpointStatus = "active"
	CheckpointDeleted CheckpointStatus = "deleted"
)

// CheckpointData is the resume position of a task. The named fields cover the
// built-in task kinds; Extra carries anything else a kind wants to keep.
type CheckpointData struct {
	CurrentPage    int            `json:"current_page,omitempty" bson:"current_page,omitempty"`
	CurrentCursor  string         `json:"current_cursor,omitempty" bson:"current_cursor,omitempty"`
	CurrentKeyword string         `json:"current_keyword,omitempty" bson:"current_keyword,omitempty"`
	KeywordIndex   int            `json:"keyword_index,omitempty" bson:"keyword_index,omitempty"`
	CrawledCount   int            `json:"crawled_count" bson:"crawled_count"`
	KeywordCount   int            `json:"keyword_count,omitempty" bson:"keyword_count,omitempty"`
	LastItemID     string         `json:"last_item_id,omitempty" bson:"last_item_id,omitempty"`
	Source         string         `json:"source,omitempty" bson:"source,omitempty"`
	Extra          map[string]any `json:"extra,omitempty" bson:"extra,omitempty"`
}

type Checkpoint struct {
	TaskID         string           `json:"task_id" bson:"_id"`
	Data           CheckpointData   `json:"checkpoint_data" bson:"checkpoint_data"`
	CheckpointTime time.Time        `json:"checkpoint_time" bson:"checkpoint_time"`
	Status         CheckpointStatus `json:"status" bson:"status"`
	DeletedAt      *time.Time       `json:"deleted_at,omitempty" bson:"deleted_at,omitempty"`
}
