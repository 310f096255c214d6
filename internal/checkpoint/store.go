package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/persistence"
)

type Store struct {
	repo persistence.CheckpointRepository
	cfg  *config.CheckpointConfig
	now  func() time.Time
}

func NewStore(cfg *config.CheckpointConfig, repo persistence.CheckpointRepository) *Store {
	return &Store{
		repo: repo,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Save upserts the checkpoint of a task. It reports false without touching the
// repository when checkpointing is disabled.
func (s *Store) Save(ctx context.Context, taskID string, data model.CheckpointData) (bool, error) {
	if !s.cfg.Enabled {
		return false, nil
	}
	if err := s.repo.Upsert(ctx, taskID, data, s.now()); err != nil {
		return false, fmt.Errorf("save checkpoint for task %s: %w", taskID, err)
	}
	slog.Debug("checkpoint saved.", slog.String("task_id", taskID), slog.Int("page", data.CurrentPage),
		slog.Int("crawled", data.CrawledCount))
	return true, nil
}

// Get returns the active checkpoint or nil when the task should start fresh.
func (s *Store) Get(ctx context.Context, taskID string) (*model.Checkpoint, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	return s.repo.GetActive(ctx, taskID)
}

func (s *Store) Resume(ctx context.Context, taskID string) (*model.CheckpointData, error) {
	cp, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		slog.Info("no checkpoint, starting fresh.", slog.String("task_id", taskID))
		return nil, nil
	}
	slog.Info("resuming from checkpoint.", slog.String("task_id", taskID),
		slog.Int("page", cp.Data.CurrentPage),
		slog.Int("keyword_index", cp.Data.KeywordIndex),
		slog.Int("crawled", cp.Data.CrawledCount),
		slog.Time("saved_at", cp.CheckpointTime))
	data := cp.Data
	return &data, nil
}

func (s *Store) ShouldSave(crawled int) bool {
	return crawled > 0 && crawled%s.cfg.SaveInterval == 0
}

// Delete tombstones the checkpoint. Deleting a missing checkpoint is not an error.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	if err := s.repo.SoftDelete(ctx, taskID, s.now()); err != nil {
		return fmt.Errorf("delete checkpoint for task %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, status model.CheckpointStatus, limit int) ([]*model.Checkpoint, error) {
	if status == "" {
		status = model.CheckpointActive
	}
	if limit <= 0 {
		limit = s.cfg.ListLimit
	}
	return s.repo.List(ctx, status, limit)
}
