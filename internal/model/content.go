package model

import "time"

type Note struct {
	NoteID         string    `json:"note_id" bson:"_id"`
	Platform       Platform  `json:"platform" bson:"platform"`
	Title          string    `json:"title" bson:"title"`
	Desc           string    `json:"desc" bson:"desc"`
	Type           string    `json:"type" bson:"type"`
	UserID         string    `json:"user_id" bson:"user_id"`
	Nickname       string    `json:"nickname" bson:"nickname"`
	Avatar         string    `json:"avatar" bson:"avatar"`
	LikedCount     string    `json:"liked_count" bson:"liked_count"`
	CollectedCount string    `json:"collected_count" bson:"collected_count"`
	CommentCount   string    `json:"comment_count" bson:"comment_count"`
	ShareCount     string    `json:"share_count" bson:"share_count"`
	IPLocation     string    `json:"ip_location,omitempty" bson:"ip_location,omitempty"`
	NoteURL        string    `json:"note_url" bson:"note_url"`
	XsecToken      string    `json:"xsec_token,omitempty" bson:"xsec_token,omitempty"`
	XsecSource     string    `json:"xsec_source,omitempty" bson:"xsec_source,omitempty"`
	ImageList      []string  `json:"image_list,omitempty" bson:"image_list,omitempty"`
	VideoID        string    `json:"video_id,omitempty" bson:"video_id,omitempty"`
	VideoURL       string    `json:"video_url,omitempty" bson:"video_url,omitempty"`
	Tags           []string  `json:"tags,omitempty" bson:"tags,omitempty"`
	Time           int64     `json:"time,omitempty" bson:"time,omitempty"`
	LastUpdateTime int64     `json:"last_update_time,omitempty" bson:"last_update_time,omitempty"`
	TaskID         string    `json:"task_id" bson:"task_id"`
	SourceKeyword  string    `json:"source_keyword,omitempty" bson:"source_keyword,omitempty"`
	Source         string    `json:"source,omitempty" bson:"source,omitempty"`
	MediaKeys      []string  `json:"media_keys,omitempty" bson:"media_keys,omitempty"`
	CrawledAt      time.Time `json:"crawled_at" bson:"crawled_at"`
}

type Comment struct {
	CommentID       string    `json:"comment_id" bson:"_id"`
	NoteID          string    `json:"note_id" bson:"note_id"`
	Platform        Platform  `json:"platform" bson:"platform"`
	Content         string    `json:"content" bson:"content"`
	UserID          string    `json:"user_id" bson:"user_id"`
	Nickname        string    `json:"nickname" bson:"nickname"`
	Avatar          string    `json:"avatar,omitempty" bson:"avatar,omitempty"`
	LikeCount       string    `json:"like_count" bson:"like_count"`
	SubCommentCount int       `json:"sub_comment_count" bson:"sub_comment_count"`
	CreateTime      int64     `json:"create_time" bson:"create_time"`
	IPLocation      string    `json:"ip_location,omitempty" bson:"ip_location,omitempty"`
	TaskID          string    `json:"task_id" bson:"task_id"`
	CrawledAt       time.Time `json:"crawled_at" bson:"crawled_at"`
}

type SearchPage struct {
	Notes   []*Note
	HasMore bool
}

type FeedPage struct {
	Notes  []*Note
	Cursor string
}

type CommentPage struct {
	Comments []*Comment
	Cursor   string
	HasMore  bool
}

type ContentKind string

const (
	ContentNote    ContentKind = "note"
	ContentComment ContentKind = "comment"
)

// ContentEvent announces a persisted item to downstream consumers.
type ContentEvent struct {
	Kind          ContentKind `json:"kind"`
	Platform      Platform    `json:"platform"`
	TaskID        string      `json:"task_id"`
	NoteID        string      `json:"note_id"`
	CommentID     string      `json:"comment_id,omitempty"`
	SourceKeyword string      `json:"source_keyword,omitempty"`
	CrawledAt     time.Time   `json:"crawled_at"`
}
