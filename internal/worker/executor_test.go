package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/account"
	"github.com/IliaW/note-crawler/internal/cache"
	"github.com/IliaW/note-crawler/internal/checkpoint"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/persistence"
	"github.com/IliaW/note-crawler/internal/platform"
	mock_platform "github.com/IliaW/note-crawler/internal/platform/mocks"
	"github.com/IliaW/note-crawler/internal/proxy"
	"github.com/IliaW/note-crawler/internal/telemetry"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type recordingPublisher struct {
	mu     sync.Mutex
	events []*model.ContentEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev *model.ContentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Events() []*model.ContentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.ContentEvent(nil), p.events...)
}

// hookContent records upserted note ids and runs an optional hook after each one.
type hookContent struct {
	persistence.ContentRepository
	after func(n *model.Note)
	mu    sync.Mutex
	ids   []string
}

func (h *hookContent) UpsertNote(ctx context.Context, n *model.Note) error {
	err := h.ContentRepository.UpsertNote(ctx, n)
	h.mu.Lock()
	h.ids = append(h.ids, n.NoteID)
	h.mu.Unlock()
	if h.after != nil {
		h.after(n)
	}
	return err
}

func (h *hookContent) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ids...)
}

type fixture struct {
	t         *testing.T
	cfg       *config.ExecutorConfig
	deps      Deps
	exec      *Executor
	tasks     *persistence.MemoryTaskRepository
	content   *persistence.MemoryContentRepository
	creds     []*model.Credential
	accounts  *account.Pool
	cpRepo    *persistence.MemoryCheckpointRepository
	factory   *mock_platform.MockFactory
	client    *mock_platform.MockClient
	published *recordingPublisher
}

func newFixture(t *testing.T, credentials int) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	metrics := telemetry.NopMetrics()
	f := &fixture{
		t: t,
		cfg: &config.ExecutorConfig{
			PageSize:        20,
			Sort:            "general",
			RetryDelay:      time.Millisecond,
			MaxSignFailures: 2,
			ResumeOnStartup: true,
		},
		tasks:     persistence.NewMemoryTaskRepository(),
		content:   persistence.NewMemoryContentRepository(),
		cpRepo:    persistence.NewMemoryCheckpointRepository(),
		factory:   mock_platform.NewMockFactory(ctrl),
		client:    mock_platform.NewMockClient(ctrl),
		published: &recordingPublisher{},
	}
	f.accounts = account.NewPool(&config.AccountPoolConfig{Enabled: true, RotationStrategy: "round_robin"},
		persistence.NewMemoryCredentialRepository(), cache.NewLocalCounter(), metrics.PoolMetrics)
	for i := 0; i < credentials; i++ {
		c, err := f.accounts.Add(context.Background(), model.CredentialInput{
			Platform: "xhs",
			Cookie:   fmt.Sprintf("a1=a1-%d; web_session=s%d", i, i),
		})
		require.NoError(t, err)
		f.creds = append(f.creds, c)
	}

	f.deps = Deps{
		Tasks:    f.tasks,
		Content:  f.content,
		Accounts: f.accounts,
		Proxies: proxy.NewPool(&config.ProxyPoolConfig{}, persistence.NewMemoryProxyRepository(), nil,
			metrics.PoolMetrics),
		Checkpoints: checkpoint.NewStore(&config.CheckpointConfig{Enabled: true, SaveInterval: 5, ListLimit: 100},
			f.cpRepo),
		Factory:   f.factory,
		Tokens:    cache.NewTokenCache(time.Minute),
		Publisher: f.published,
		Metrics:   metrics.CrawlMetrics,
	}
	f.factory.EXPECT().Supports(gomock.Any()).DoAndReturn(func(p model.Platform) bool {
		return p == model.PlatformXHS
	}).AnyTimes()
	f.exec = f.newExecutor(f.deps)
	return f
}

func (f *fixture) newExecutor(deps Deps) *Executor {
	e := NewExecutor(f.cfg, deps)
	f.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

// useClient makes every session use the shared mock client.
func (f *fixture) useClient() {
	f.factory.EXPECT().NewClient(model.PlatformXHS, gomock.Any()).Return(f.client, nil).AnyTimes()
}

func (f *fixture) newTask(kind model.TaskKind, maxCount int, keywords ...string) *model.Task {
	f.t.Helper()
	return f.newTaskWith(nil, kind, maxCount, keywords...)
}

func (f *fixture) newTaskWith(mutate func(*model.Task), kind model.TaskKind, maxCount int,
	keywords ...string) *model.Task {
	f.t.Helper()
	task := &model.Task{
		TaskID:    fmt.Sprintf("task-%d", time.Now().UnixNano()),
		Platform:  model.PlatformXHS,
		Type:      kind,
		Keywords:  keywords,
		MaxCount:  maxCount,
		Status:    model.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	task.Progress.Total = model.ExpectedTotal(kind, maxCount, len(keywords))
	if mutate != nil {
		mutate(task)
	}
	require.NoError(f.t, f.tasks.Insert(context.Background(), task))
	return task
}

func (f *fixture) wait(e *Executor, taskID string) *model.Task {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return !e.Running(taskID) }, waitFor, 2*time.Millisecond)
	task, err := f.tasks.Get(context.Background(), taskID)
	require.NoError(f.t, err)
	return task
}

func searchPage(hasMore bool, ids ...string) *model.SearchPage {
	p := &model.SearchPage{HasMore: hasMore}
	for _, id := range ids {
		p.Notes = append(p.Notes, &model.Note{
			NoteID:     id,
			Title:      "title " + id,
			XsecToken:  "tok-" + id,
			XsecSource: "pc_search",
		})
	}
	return p
}

func noteIDs(from, to int) []string {
	ids := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		ids = append(ids, fmt.Sprintf("n%02d", i))
	}
	return ids
}

func TestSearchEndToEnd(t *testing.T) {
	f := newFixture(t, 1)
	f.useClient()
	f.client.EXPECT().Search(gomock.Any(), "美食", 1, 20, "general").
		DoAndReturn(func(context.Context, string, int, int, string) (*model.SearchPage, error) {
			return searchPage(true, noteIDs(1, 8)...), nil
		})

	task := f.newTask(model.KindSearch, 5, "美食")
	require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
	got := f.wait(f.exec, task.TaskID)

	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.Error)
	assert.Equal(t, model.Progress{Total: 5, Crawled: 5, Success: 5}, got.Progress)

	notes := f.content.Notes()
	require.Len(t, notes, 5)
	for _, n := range notes {
		assert.Equal(t, "美食", n.SourceKeyword)
		assert.Equal(t, task.TaskID, n.TaskID)
		assert.Equal(t, model.PlatformXHS, n.Platform)
		assert.False(t, n.CrawledAt.IsZero())
	}
	events := f.published.Events()
	require.Len(t, events, 5)
	assert.Equal(t, model.ContentNote, events[0].Kind)
	assert.Equal(t, "美食", events[0].SourceKeyword)

	cp, err := f.deps.Checkpoints.Get(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 5, cp.Data.CrawledCount)
	assert.Equal(t, "n05", cp.Data.LastItemID)
}

func TestSearchPagesAcrossKeywords(t *testing.T) {
	f := newFixture(t, 1)
	f.useClient()
	gomock.InOrder(
		f.client.EXPECT().Search(gomock.Any(), "a", 1, 20, "general").Return(searchPage(true, "a1", "a2"), nil),
		f.client.EXPECT().Search(gomock.Any(), "a", 2, 20, "general").Return(searchPage(false, "a3"), nil),
		f.client.EXPECT().Search(gomock.Any(), "b", 1, 20, "general").Return(searchPage(true), nil),
	)

	task := f.newTask(model.KindSearch, 10, "a", "b")
	require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
	got := f.wait(f.exec, task.TaskID)

	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 3, got.Progress.Crawled)
	assert.Equal(t, 20, got.Progress.Total)
}

func TestResumeFromCheckpoint(t *testing.T) {
	f := newFixture(t, 1)
	f.useClient()
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").
		DoAndReturn(func(context.Context, string, int, int, string) (*model.SearchPage, error) {
			return searchPage(false, noteIDs(1, 10)...), nil
		}).Times(2)
	task := f.newTask(model.KindSearch, 10, "k")

	var first *Executor
	firstRun := &hookContent{ContentRepository: f.content}
	firstRun.after = func(n *model.Note) {
		if n.NoteID == "n07" {
			first.Cancel(task.TaskID, errs.ErrShutdown)
		}
	}
	deps := f.deps
	deps.Content = firstRun
	first = f.newExecutor(deps)

	require.NoError(t, first.Launch(context.Background(), task.TaskID))
	interrupted := f.wait(first, task.TaskID)
	assert.Equal(t, model.TaskRunning, interrupted.Status, "shutdown leaves the task resumable")
	assert.Equal(t, noteIDs(1, 7), firstRun.IDs())

	cp, err := f.deps.Checkpoints.Get(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 5, cp.Data.CrawledCount)
	assert.Equal(t, "n05", cp.Data.LastItemID)

	secondRun := &hookContent{ContentRepository: f.content}
	deps.Content = secondRun
	second := f.newExecutor(deps)
	assert.Equal(t, 1, second.Recover(context.Background()))
	done := f.wait(second, task.TaskID)

	assert.Equal(t, noteIDs(6, 10), secondRun.IDs(), "items up to the checkpoint are not emitted again")
	assert.Equal(t, model.TaskCompleted, done.Status)
	assert.Equal(t, 10, done.Progress.Crawled)
	count, err := f.content.CountNotes(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, count)
}

func TestRecoverDisabled(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.ResumeOnStartup = false
	task := f.newTask(model.KindSearch, 5, "k")
	require.NoError(t, f.tasks.Transition(context.Background(), task.TaskID,
		[]model.TaskStatus{model.TaskPending}, model.TaskRunning, persistence.TaskUpdate{}))

	assert.Zero(t, f.exec.Recover(context.Background()))
	assert.False(t, f.exec.Running(task.TaskID))
}

func TestLaunchGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.useClient()
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").Return(searchPage(false, "n1"), nil)

	task := f.newTask(model.KindSearch, 1, "k")
	require.NoError(t, f.exec.Launch(ctx, task.TaskID))
	done := f.wait(f.exec, task.TaskID)
	require.Equal(t, model.TaskCompleted, done.Status)

	err := f.exec.Launch(ctx, task.TaskID)
	assert.ErrorIs(t, err, errs.ErrNotStartable)
	after, err := f.tasks.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, after.Status)
	assert.Equal(t, done.StartedAt, after.StartedAt, "start time untouched")

	assert.ErrorIs(t, f.exec.Launch(ctx, "missing"), errs.ErrNotFound)
}

func TestLaunchTwiceWhileRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.useClient()
	started := make(chan struct{})
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").
		DoAndReturn(func(ctx context.Context, _ string, _, _ int, _ string) (*model.SearchPage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	task := f.newTask(model.KindSearch, 5, "k")
	require.NoError(t, f.exec.Launch(ctx, task.TaskID))
	<-started
	assert.ErrorIs(t, f.exec.Launch(ctx, task.TaskID), errs.ErrNotStartable)
	f.exec.Cancel(task.TaskID, errs.ErrTaskCancelled)
	f.wait(f.exec, task.TaskID)
}

func TestCancelCauses(t *testing.T) {
	tests := []struct {
		name          string
		cause         error
		wantStatus    model.TaskStatus
		wantCompleted bool
	}{
		{name: "cancelled", cause: errs.ErrTaskCancelled, wantStatus: model.TaskCancelled, wantCompleted: true},
		{name: "deleted", cause: errs.ErrTaskDeleted, wantStatus: model.TaskRunning},
		{name: "shutdown", cause: errs.ErrShutdown, wantStatus: model.TaskRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1)
			f.useClient()
			started := make(chan struct{})
			f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").
				DoAndReturn(func(ctx context.Context, _ string, _, _ int, _ string) (*model.SearchPage, error) {
					close(started)
					<-ctx.Done()
					return nil, fmt.Errorf("search: %w: %w", errs.ErrNetwork, ctx.Err())
				})

			task := f.newTask(model.KindSearch, 5, "k")
			require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
			<-started

			done := f.exec.Cancel(task.TaskID, tt.cause)
			require.NotNil(t, done)
			select {
			case <-done:
			case <-time.After(waitFor):
				t.Fatal("run did not stop")
			}

			got, err := f.tasks.Get(context.Background(), task.TaskID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantCompleted, got.CompletedAt != nil)
			assert.Nil(t, f.exec.Cancel(task.TaskID, tt.cause), "no handle once the run is gone")
		})
	}
}

func TestShutdownWaitsForRuns(t *testing.T) {
	f := newFixture(t, 1)
	f.useClient()
	started := make(chan struct{})
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").
		DoAndReturn(func(ctx context.Context, _ string, _, _ int, _ string) (*model.SearchPage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	task := f.newTask(model.KindSearch, 5, "k")
	require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.exec.Shutdown(ctx))
	assert.False(t, f.exec.Running(task.TaskID))

	got, err := f.tasks.Get(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)
}

func TestUnsupportedWork(t *testing.T) {
	tests := []struct {
		name     string
		platform model.Platform
		kind     model.TaskKind
		wantErr  string
	}{
		{name: "user task", platform: model.PlatformXHS, kind: model.KindUser,
			wantErr: errs.ErrUnsupportedTaskType.Error()},
		{name: "unknown platform", platform: "douyin", kind: model.KindSearch,
			wantErr: errs.ErrUnsupportedPlatform.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1)
			task := f.newTaskWith(func(task *model.Task) { task.Platform = tt.platform }, tt.kind, 5, "k")

			require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
			got := f.wait(f.exec, task.TaskID)

			assert.Equal(t, model.TaskFailed, got.Status)
			assert.Contains(t, got.Error, tt.wantErr)
			assert.NotNil(t, got.CompletedAt)
			assert.Empty(t, f.content.Notes())
		})
	}
}

func TestNoCredentialFailsTask(t *testing.T) {
	f := newFixture(t, 0)
	task := f.newTask(model.KindSearch, 5, "k")
	require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
	got := f.wait(f.exec, task.TaskID)

	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.Error, errs.ErrNoAvailableCredential.Error())
}

func TestAuthExpiredRotatesCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	rejected := mock_platform.NewMockClient(gomock.NewController(t))
	var (
		mu       sync.Mutex
		sessions []string
	)
	f.factory.EXPECT().NewClient(model.PlatformXHS, gomock.Any()).
		DoAndReturn(func(_ model.Platform, s platform.Session) (platform.Client, error) {
			mu.Lock()
			defer mu.Unlock()
			sessions = append(sessions, s.Credential.ID)
			if len(sessions) == 1 {
				return rejected, nil
			}
			return f.client, nil
		}).Times(2)
	rejected.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").
		Return(nil, fmt.Errorf("search: %w", errs.ErrAuthExpired))
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").Return(searchPage(false, "n1", "n2"), nil)

	task := f.newTask(model.KindSearch, 5, "k")
	require.NoError(t, f.exec.Launch(ctx, task.TaskID))
	got := f.wait(f.exec, task.TaskID)

	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 2, got.Progress.Crawled)
	require.Len(t, sessions, 2)
	assert.NotEqual(t, sessions[0], sessions[1])

	first, err := f.accounts.Get(ctx, sessions[0])
	require.NoError(t, err)
	assert.Equal(t, model.CredentialExpired, first.Status)
	assert.EqualValues(t, 1, first.FailCount)
	second, err := f.accounts.Get(ctx, sessions[1])
	require.NoError(t, err)
	assert.Equal(t, model.CredentialActive, second.Status)
	assert.EqualValues(t, 1, second.SuccessCount)
}

func TestAuthExpiredWithoutSpareCredentialFails(t *testing.T) {
	f := newFixture(t, 1)
	f.useClient()
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").
		Return(nil, fmt.Errorf("search: %w", errs.ErrAuthExpired))

	task := f.newTask(model.KindSearch, 5, "k")
	require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
	got := f.wait(f.exec, task.TaskID)

	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.Error, errs.ErrNoAvailableCredential.Error())
}

func TestSigningFailuresRotateCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.useClient()
	gomock.InOrder(
		f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").
			Return(nil, fmt.Errorf("sign: %w", errs.ErrSigningFailed)).Times(2),
		f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").Return(searchPage(false, "n1"), nil),
	)

	task := f.newTask(model.KindSearch, 5, "k")
	require.NoError(t, f.exec.Launch(ctx, task.TaskID))
	got := f.wait(f.exec, task.TaskID)
	assert.Equal(t, model.TaskCompleted, got.Status)

	parked, err := f.accounts.List(ctx, model.PlatformXHS, model.CredentialInactive)
	require.NoError(t, err)
	assert.Len(t, parked, 1)
	expired, err := f.accounts.List(ctx, model.PlatformXHS, model.CredentialExpired)
	require.NoError(t, err)
	assert.Empty(t, expired, "signing failures do not expire the session")
}

func TestTransientErrorsRetrySamePage(t *testing.T) {
	f := newFixture(t, 1)
	f.useClient()
	gomock.InOrder(
		f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").
			Return(nil, fmt.Errorf("search: %w", errs.ErrNetwork)),
		f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").
			Return(nil, fmt.Errorf("search: %w", errs.ErrRateLimited)),
		f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").Return(searchPage(false, "n1"), nil),
	)

	task := f.newTask(model.KindSearch, 5, "k")
	require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
	got := f.wait(f.exec, task.TaskID)

	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 1, got.Progress.Crawled)
}

func TestRetryBudgetExhausted(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.MaxPageRetries = 2
	f.useClient()
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").
		Return(nil, fmt.Errorf("search: %w", errs.ErrPlatformResponse)).Times(3)

	task := f.newTask(model.KindSearch, 5, "k")
	require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
	got := f.wait(f.exec, task.TaskID)

	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "giving up after 2 retries")
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t, 1)
	f.useClient()
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").
		Return(nil, fmt.Errorf("encode request: %w", errs.ErrValidation)).Times(1)

	task := f.newTask(model.KindSearch, 5, "k")
	require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
	got := f.wait(f.exec, task.TaskID)

	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.Error, errs.ErrValidation.Error())
	assert.NotContains(t, got.Error, "giving up")
}

func TestSinkErrorsCountAsFailed(t *testing.T) {
	f := newFixture(t, 1)
	f.useClient()
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").Return(searchPage(false, "n1", "bad", "n3"), nil)
	f.deps.Content = &failingContent{ContentRepository: f.content, badID: "bad"}
	e := f.newExecutor(f.deps)

	task := f.newTask(model.KindSearch, 5, "k")
	require.NoError(t, e.Launch(context.Background(), task.TaskID))
	got := f.wait(e, task.TaskID)

	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, model.Progress{Total: 5, Crawled: 3, Success: 2, Failed: 1}, got.Progress)
	assert.Len(t, f.published.Events(), 2)
}

type failingContent struct {
	persistence.ContentRepository
	badID string
}

func (c *failingContent) UpsertNote(ctx context.Context, n *model.Note) error {
	if n.NoteID == c.badID {
		return fmt.Errorf("upsert note %s: connection reset", n.NoteID)
	}
	return c.ContentRepository.UpsertNote(ctx, n)
}

func TestCommentTokenFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.useClient()
	page := &model.SearchPage{Notes: []*model.Note{
		{NoteID: "with-token", XsecToken: "t1", XsecSource: "pc_search"},
		{NoteID: "needs-detail"},
		{NoteID: "no-token"},
	}}
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").Return(page, nil)
	f.client.EXPECT().GetComments(gomock.Any(), "with-token", "t1", "pc_search", "").
		Return(&model.CommentPage{Comments: []*model.Comment{{CommentID: "c1"}, {CommentID: "c2"}}}, nil)
	f.client.EXPECT().GetDetail(gomock.Any(), "needs-detail", "", "").
		Return(&model.Note{NoteID: "needs-detail", XsecToken: "t2", XsecSource: "pc_feed"}, nil)
	f.client.EXPECT().GetComments(gomock.Any(), "needs-detail", "t2", "pc_feed", "").
		Return(&model.CommentPage{Comments: []*model.Comment{{CommentID: "c3"}}}, nil)
	f.client.EXPECT().GetDetail(gomock.Any(), "no-token", "", "").Return(&model.Note{NoteID: "no-token"}, nil)

	task := f.newTaskWith(func(task *model.Task) { task.EnableComment = true }, model.KindSearch, 5, "k")

	require.NoError(t, f.exec.Launch(ctx, task.TaskID))
	got := f.wait(f.exec, task.TaskID)
	assert.Equal(t, model.TaskCompleted, got.Status)

	for noteID, want := range map[string]int64{"with-token": 2, "needs-detail": 1, "no-token": 0} {
		n, err := f.content.CountComments(ctx, noteID)
		require.NoError(t, err)
		assert.Equal(t, want, n, noteID)
	}
	stored, err := f.content.GetNote(ctx, "needs-detail")
	require.NoError(t, err)
	assert.Equal(t, "t2", stored.XsecToken, "detail token is written back to the stored note")
	cached, ok := f.deps.Tokens.Get(model.PlatformXHS, "needs-detail")
	require.True(t, ok)
	assert.Equal(t, "pc_feed", cached.Source)
}

func TestCommentErrorsAreNotFatal(t *testing.T) {
	f := newFixture(t, 1)
	f.useClient()
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").Return(searchPage(false, "n1"), nil)
	f.client.EXPECT().GetComments(gomock.Any(), "n1", "tok-n1", "pc_search", "").
		Return(nil, fmt.Errorf("comments: %w", errs.ErrPlatformResponse))

	task := f.newTaskWith(func(task *model.Task) { task.EnableComment = true }, model.KindSearch, 5, "k")

	require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
	got := f.wait(f.exec, task.TaskID)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 1, got.Progress.Success)
}

func TestHomefeed(t *testing.T) {
	f := newFixture(t, 1)
	f.useClient()
	gomock.InOrder(
		f.client.EXPECT().GetHomefeed(gomock.Any(), "").
			Return(&model.FeedPage{Notes: searchPage(true, "h1", "h2").Notes, Cursor: "c1"}, nil),
		f.client.EXPECT().GetHomefeed(gomock.Any(), "c1").
			Return(&model.FeedPage{Notes: searchPage(true, "h3", "h4").Notes, Cursor: "c2"}, nil),
	)

	task := f.newTask(model.KindHomefeed, 3)
	require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
	got := f.wait(f.exec, task.TaskID)

	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, model.Progress{Total: 3, Crawled: 3, Success: 3}, got.Progress)
	notes := f.content.Notes()
	require.Len(t, notes, 3)
	for _, n := range notes {
		assert.Equal(t, "homefeed", n.Source)
	}
}

func TestHomefeedResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.useClient()
	f.client.EXPECT().GetHomefeed(gomock.Any(), "c1").
		Return(&model.FeedPage{Notes: searchPage(true, "h3", "h4", "h5").Notes}, nil)

	task := f.newTask(model.KindHomefeed, 10)
	_, err := f.deps.Checkpoints.Save(ctx, task.TaskID, model.CheckpointData{
		CurrentCursor: "c1", CrawledCount: 5, LastItemID: "h3", Source: "homefeed",
	})
	require.NoError(t, err)

	require.NoError(t, f.exec.Launch(ctx, task.TaskID))
	got := f.wait(f.exec, task.TaskID)

	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 7, got.Progress.Crawled)
	ids := make([]string, 0)
	for _, n := range f.content.Notes() {
		ids = append(ids, n.NoteID)
	}
	assert.Equal(t, []string{"h4", "h5"}, ids)
}

func TestNoteTask(t *testing.T) {
	f := newFixture(t, 1)
	f.useClient()
	f.client.EXPECT().GetDetail(gomock.Any(), "n1", "", "").Return(&model.Note{NoteID: "n1"}, nil)
	f.client.EXPECT().GetDetail(gomock.Any(), "n2", "tk", "pc_share").Return(&model.Note{NoteID: "n2"}, nil)
	f.client.EXPECT().GetDetail(gomock.Any(), "gone", "", "").
		Return(nil, fmt.Errorf("detail gone: %w", errs.ErrNotFound))

	task := f.newTask(model.KindNote, 0, "n1",
		"https://www.xiaohongshu.com/explore/n2?xsec_token=tk&xsec_source=pc_share", "gone")
	require.NoError(t, f.exec.Launch(context.Background(), task.TaskID))
	got := f.wait(f.exec, task.TaskID)

	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, model.Progress{Total: 3, Crawled: 3, Success: 2, Failed: 1}, got.Progress)
	for _, n := range f.content.Notes() {
		assert.Equal(t, "note", n.Source)
	}
}

type fakeMedia struct {
	keys []string
	err  error
}

func (m *fakeMedia) Download(context.Context, *model.Note) ([]string, error) {
	return m.keys, m.err
}

func TestDownloadRecordsMediaKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.useClient()
	f.client.EXPECT().Search(gomock.Any(), "k", 1, 20, "general").Return(searchPage(false, "n1"), nil)
	f.deps.Media = &fakeMedia{keys: []string{"xhs/n1/abc.jpg"}}
	e := f.newExecutor(f.deps)

	task := f.newTaskWith(func(task *model.Task) { task.EnableDownload = true }, model.KindSearch, 5, "k")

	require.NoError(t, e.Launch(ctx, task.TaskID))
	f.wait(e, task.TaskID)

	n, err := f.content.GetNote(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, []string{"xhs/n1/abc.jpg"}, n.MediaKeys)
}

func TestSkipThrough(t *testing.T) {
	notes := searchPage(false, "a", "b", "c").Notes
	tests := []struct {
		name   string
		lastID string
		want   int
	}{
		{name: "no marker", lastID: "", want: 3},
		{name: "middle", lastID: "b", want: 1},
		{name: "last", lastID: "c", want: 0},
		{name: "not on page", lastID: "z", want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, skipThrough(notes, tt.lastID), tt.want)
		})
	}
}
