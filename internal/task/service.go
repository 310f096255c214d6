package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/checkpoint"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/persistence"
	"github.com/google/uuid"
)

// Runner starts and interrupts task runs. worker.Executor implements it.
type Runner interface {
	Launch(ctx context.Context, taskID string) error
	Cancel(taskID string, cause error) <-chan struct{}
}

// Service is the task lifecycle used by the HTTP API and the kafka consumer.
type Service struct {
	cfg         *config.ExecutorConfig
	tasks       persistence.TaskRepository
	checkpoints *checkpoint.Store
	runner      Runner
	now         func() time.Time
}

func NewService(cfg *config.ExecutorConfig, tasks persistence.TaskRepository, checkpoints *checkpoint.Store,
	runner Runner) *Service {
	return &Service{
		cfg:         cfg,
		tasks:       tasks,
		checkpoints: checkpoints,
		runner:      runner,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, in model.TaskInput) (*model.Task, error) {
	if err := in.Validate(s.cfg.DefaultMaxCount); err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrValidation, err)
	}
	now := s.now()
	kind := model.TaskKind(in.Type)
	t := &model.Task{
		TaskID:         uuid.NewString(),
		Platform:       model.ParsePlatform(in.Platform),
		Type:           kind,
		Keywords:       in.Keywords,
		MaxCount:       in.MaxCount,
		EnableComment:  in.EnableComment,
		EnableDownload: in.EnableDownload,
		Status:         model.TaskPending,
		Progress:       model.Progress{Total: model.ExpectedTotal(kind, in.MaxCount, len(in.Keywords))},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.tasks.Insert(ctx, t); err != nil {
		return nil, err
	}
	slog.Info("task created.", slog.String("task_id", t.TaskID), slog.String("type", string(t.Type)))
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.Task, error) {
	return s.tasks.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter model.TaskFilter) ([]*model.Task, int64, error) {
	return s.tasks.List(ctx, filter)
}

// Start launches a pending task. Any other status yields errs.ErrNotStartable.
func (s *Service) Start(ctx context.Context, id string) (*model.Task, error) {
	if err := s.runner.Launch(ctx, id); err != nil {
		return nil, err
	}
	return s.tasks.Get(ctx, id)
}

// Cancel stops a pending or running task and waits for its run to wind down.
func (s *Service) Cancel(ctx context.Context, id string) (*model.Task, error) {
	completedAt := s.now()
	err := s.tasks.Transition(ctx, id, []model.TaskStatus{model.TaskPending}, model.TaskCancelled,
		persistence.TaskUpdate{CompletedAt: &completedAt})
	if err == nil {
		return s.tasks.Get(ctx, id)
	}
	if !errors.Is(err, errs.ErrInvalidTransition) {
		return nil, err
	}

	if done := s.runner.Cancel(id, errs.ErrTaskCancelled); done != nil {
		if err = wait(ctx, done); err != nil {
			return nil, err
		}
		return s.tasks.Get(ctx, id)
	}

	// running without a live run here: left over from another process
	err = s.tasks.Transition(ctx, id, []model.TaskStatus{model.TaskRunning}, model.TaskCancelled,
		persistence.TaskUpdate{CompletedAt: &completedAt})
	if err != nil {
		return nil, err
	}
	return s.tasks.Get(ctx, id)
}

// Delete stops the task if it runs here, tombstones its checkpoint and removes it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.tasks.Get(ctx, id); err != nil {
		return err
	}
	if done := s.runner.Cancel(id, errs.ErrTaskDeleted); done != nil {
		if err := wait(ctx, done); err != nil {
			return err
		}
	}
	if err := s.checkpoints.Delete(ctx, id); err != nil {
		slog.Warn("failed to delete checkpoint.", slog.String("task_id", id), slog.String("err", err.Error()))
	}
	if err := s.tasks.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("task deleted.", slog.String("task_id", id))
	return nil
}

// ConsumeRequests creates and starts a task for every request body until requests
// is closed. Bodies use the same JSON as the HTTP create call.
func (s *Service) ConsumeRequests(requests <-chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	for body := range requests {
		var in model.TaskInput
		if err := json.Unmarshal(body, &in); err != nil {
			slog.Error("failed to unmarshal task request.", slog.String("err", err.Error()))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		t, err := s.Create(ctx, in)
		if err == nil {
			_, err = s.Start(ctx, t.TaskID)
		}
		cancel()
		if err != nil {
			slog.Error("failed to start requested task.", slog.String("err", err.Error()))
			continue
		}
		slog.Debug("task started from kafka request.", slog.String("task_id", t.TaskID))
	}
	slog.Info("task request channel closed.")
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
