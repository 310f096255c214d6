package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/account"
	"github.com/IliaW/note-crawler/internal/cache"
	"github.com/IliaW/note-crawler/internal/checkpoint"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/persistence"
	"github.com/IliaW/note-crawler/internal/platform"
	"github.com/IliaW/note-crawler/internal/proxy"
	"github.com/IliaW/note-crawler/internal/telemetry"
)

const finishTimeout = 10 * time.Second

// Publisher announces persisted content to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev *model.ContentEvent)
}

// MediaDownloader stores the media files of a note and returns their storage keys.
type MediaDownloader interface {
	Download(ctx context.Context, note *model.Note) ([]string, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *model.ContentEvent) {}

// Deps are the collaborators shared by every task run. Publisher and Media are optional.
type Deps struct {
	Tasks       persistence.TaskRepository
	Content     persistence.ContentRepository
	Accounts    *account.Pool
	Proxies     *proxy.Pool
	Checkpoints *checkpoint.Store
	Factory     platform.Factory
	Tokens      *cache.TokenCache
	Publisher   Publisher
	Media       MediaDownloader
	Metrics     *telemetry.CrawlMetrics
}

type handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Executor runs crawl tasks, one goroutine per running task.
type Executor struct {
	cfg  *config.ExecutorConfig
	deps Deps
	mu   sync.Mutex
	runs map[string]*handle
	wg   sync.WaitGroup
	now  func() time.Time
}

func NewExecutor(cfg *config.ExecutorConfig, deps Deps) *Executor {
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics().CrawlMetrics
	}
	return &Executor{
		cfg:  cfg,
		deps: deps,
		runs: make(map[string]*handle),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Launch moves a pending task to running and starts it in the background.
func (e *Executor) Launch(ctx context.Context, taskID string) error {
	startedAt := e.now()
	err := e.deps.Tasks.Transition(ctx, taskID, []model.TaskStatus{model.TaskPending}, model.TaskRunning,
		persistence.TaskUpdate{StartedAt: &startedAt})
	if err != nil {
		if errors.Is(err, errs.ErrInvalidTransition) {
			return fmt.Errorf("task %s: %w", taskID, errs.ErrNotStartable)
		}
		return err
	}
	task, err := e.deps.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	e.spawn(task)
	return nil
}

// Cancel interrupts a running task with the given cause and returns a channel closed
// once the run has finished. It returns nil when the task is not running here.
func (e *Executor) Cancel(taskID string, cause error) <-chan struct{} {
	e.mu.Lock()
	h, ok := e.runs[taskID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	h.cancel(cause)
	return h.done
}

// Running reports whether the task has a live run in this process.
func (e *Executor) Running(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[taskID]
	return ok
}

// Recover relaunches tasks left running by a previous process. They continue from
// their checkpoint.
func (e *Executor) Recover(ctx context.Context) int {
	if !e.cfg.ResumeOnStartup {
		return 0
	}
	tasks, err := e.deps.Tasks.ListByStatus(ctx, model.TaskRunning)
	if err != nil {
		slog.Error("failed to list running tasks.", slog.String("err", err.Error()))
		return 0
	}
	n := 0
	for _, t := range tasks {
		if e.Running(t.TaskID) {
			continue
		}
		slog.Info("resuming task.", slog.String("task_id", t.TaskID))
		e.spawn(t)
		n++
	}
	return n
}

// Shutdown cancels every run and waits for them. Interrupted tasks stay running
// so the next process picks them up.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, h := range e.runs {
		h.cancel(errs.ErrShutdown)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all task runs stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) spawn(task *model.Task) {
	ctx, cancel := context.WithCancelCause(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.runs[task.TaskID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	e.deps.Metrics.TasksStarted(1)
	go func() {
		defer e.wg.Done()
		defer close(h.done)
		defer func() {
			e.mu.Lock()
			delete(e.runs, task.TaskID)
			e.mu.Unlock()
			cancel(nil)
		}()

		r := newRun(e, task)
		err := r.execute(ctx)
		e.finish(ctx, r, err)
	}()
}

func (e *Executor) finish(ctx context.Context, r *run, runErr error) {
	task := r.task
	log := slog.With(slog.String("task_id", task.TaskID))
	cause := context.Cause(ctx)

	switch {
	case errors.Is(cause, errs.ErrTaskDeleted):
		log.Info("task run stopped for deletion.")
		return
	case errors.Is(cause, errs.ErrShutdown):
		e.saveProgress(task.TaskID, r.progress)
		log.Info("task run interrupted by shutdown.", slog.Int("crawled", r.progress.Crawled))
		return
	}

	fctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	completedAt := e.now()
	progress := r.progress
	upd := persistence.TaskUpdate{CompletedAt: &completedAt, Progress: &progress}

	to := model.TaskCompleted
	switch {
	case errors.Is(cause, errs.ErrTaskCancelled):
		to = model.TaskCancelled
	case runErr != nil:
		to = model.TaskFailed
		upd.Error = runErr.Error()
	}

	err := e.deps.Tasks.Transition(fctx, task.TaskID, []model.TaskStatus{model.TaskRunning}, to, upd)
	if err != nil {
		log.Error("failed to store task result.", slog.String("status", string(to)),
			slog.String("err", err.Error()))
		return
	}
	switch to {
	case model.TaskCompleted:
		e.deps.Metrics.TasksCompleted(1)
		log.Info("task completed.", slog.Int("crawled", progress.Crawled), slog.Int("success", progress.Success))
	case model.TaskFailed:
		e.deps.Metrics.TasksFailed(1)
		log.Error("task failed.", slog.String("err", upd.Error))
	default:
		log.Info("task cancelled.", slog.Int("crawled", progress.Crawled))
	}
}

func (e *Executor) saveProgress(taskID string, p model.Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := e.deps.Tasks.UpdateProgress(ctx, taskID, p); err != nil {
		slog.Error("failed to store task progress.", slog.String("task_id", taskID),
			slog.String("err", err.Error()))
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
