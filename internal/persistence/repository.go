package persistence

import (
	"context"
	"time"

	"github.com/IliaW/note-crawler/internal/model"
)

type CredentialRepository interface {
	Insert(ctx context.Context, c *model.Credential) error
	Get(ctx context.Context, id string) (*model.Credential, error)
	// List returns credentials newest first. Empty filters match everything.
	List(ctx context.Context, platform model.Platform, status model.CredentialStatus) ([]*model.Credential, error)
	// ListActive returns active credentials of a platform oldest first.
	ListActive(ctx context.Context, platform model.Platform) ([]*model.Credential, error)
	MarkUsed(ctx context.Context, id string, at time.Time) error
	RecordOutcome(ctx context.Context, id string, status model.CredentialStatus, success bool) error
	MarkChecked(ctx context.Context, id string, at time.Time) error
	// ReplaceCookie swaps the session cookies and reactivates the credential.
	// Usage stats are kept.
	ReplaceCookie(ctx context.Context, id, cookie string, cookies map[string]string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

type ProxyRepository interface {
	Insert(ctx context.Context, p *model.Proxy) error
	Get(ctx context.Context, id string) (*model.Proxy, error)
	// List returns proxies by success rate descending, then newest first.
	List(ctx context.Context, status model.ProxyStatus) ([]*model.Proxy, error)
	MarkUsed(ctx context.Context, id string, at time.Time) error
	// RecordOutcome applies one attempt to the proxy with the given URL and returns
	// the updated record and whether it was retired. Unknown URLs yield ErrNotFound.
	RecordOutcome(ctx context.Context, proxyURL string, success bool, minSamples int,
		belowRate float64) (*model.Proxy, bool, error)
	UpdateCheck(ctx context.Context, id string, status model.ProxyStatus, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// TaskUpdate holds the optional fields written together with a status transition.
type TaskUpdate struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	Progress    *model.Progress
}

type TaskRepository interface {
	Insert(ctx context.Context, t *model.Task) error
	Get(ctx context.Context, id string) (*model.Task, error)
	// List returns a page of tasks newest first and the total number of matches.
	List(ctx context.Context, filter model.TaskFilter) ([]*model.Task, int64, error)
	ListByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error)
	// Transition moves a task to status `to` only if its current status is one of
	// `from`. It fails with ErrInvalidTransition otherwise.
	Transition(ctx context.Context, id string, from []model.TaskStatus, to model.TaskStatus, upd TaskUpdate) error
	UpdateProgress(ctx context.Context, id string, p model.Progress) error
	Delete(ctx context.Context, id string) error
}

type CheckpointRepository interface {
	Upsert(ctx context.Context, taskID string, data model.CheckpointData, at time.Time) error
	// GetActive returns nil without error when no active checkpoint exists.
	GetActive(ctx context.Context, taskID string) (*model.Checkpoint, error)
	SoftDelete(ctx context.Context, taskID string, at time.Time) error
	List(ctx context.Context, status model.CheckpointStatus, limit int) ([]*model.Checkpoint, error)
}

// ContentRepository is the persistence sink for crawled items. Upserts are keyed by
// the platform-native id and stamp crawled_at.
type ContentRepository interface {
	UpsertNote(ctx context.Context, n *model.Note) error
	UpsertComment(ctx context.Context, c *model.Comment) error
	GetNote(ctx context.Context, noteID string) (*model.Note, error)
	SetNoteToken(ctx context.Context, noteID, token, source string) error
	SetNoteMedia(ctx context.Context, noteID string, keys []string) error
	CountNotes(ctx context.Context, taskID string) (int64, error)
	CountComments(ctx context.Context, noteID string) (int64, error)
}

func containsStatus(list []model.TaskStatus, s model.TaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
