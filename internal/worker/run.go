package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/platform"
)

// run is the state of one task execution. It is owned by a single goroutine.
type run struct {
	e            *Executor
	task         *model.Task
	log          *slog.Logger
	client       platform.Client
	cred         *model.Credential
	proxyURL     string
	progress     model.Progress
	cp           model.CheckpointData
	resumed      bool
	signFailures int
}

func newRun(e *Executor, task *model.Task) *run {
	progress := task.Progress
	progress.Total = model.ExpectedTotal(task.Type, task.MaxCount, len(task.Keywords))
	return &run{
		e:        e,
		task:     task,
		log:      slog.With(slog.String("task_id", task.TaskID), slog.String("type", string(task.Type))),
		progress: progress,
	}
}

func (r *run) execute(ctx context.Context) error {
	if !r.e.deps.Factory.Supports(r.task.Platform) {
		return fmt.Errorf("platform %q: %w", r.task.Platform, errs.ErrUnsupportedPlatform)
	}
	if r.task.Type == model.KindUser {
		return fmt.Errorf("task type %q: %w", r.task.Type, errs.ErrUnsupportedTaskType)
	}
	if err := r.connect(ctx); err != nil {
		return err
	}

	cp, err := r.e.deps.Checkpoints.Resume(ctx, r.task.TaskID)
	if err != nil {
		r.log.Warn("failed to load checkpoint. Starting from scratch.", slog.String("err", err.Error()))
	}
	if cp != nil {
		r.cp, r.resumed = *cp, true
		r.progress.Crawled = cp.CrawledCount
		r.progress.Success = min(r.progress.Success, r.progress.Crawled)
		r.progress.Failed = min(r.progress.Failed, r.progress.Crawled-r.progress.Success)
	}
	r.log.Info("task started.", slog.Bool("resumed", r.resumed), slog.Int("crawled", r.progress.Crawled))

	switch r.task.Type {
	case model.KindSearch:
		err = r.search(ctx)
	case model.KindHomefeed:
		err = r.homefeed(ctx)
	case model.KindNote:
		err = r.notes(ctx)
	default:
		err = fmt.Errorf("task type %q: %w", r.task.Type, errs.ErrUnsupportedTaskType)
	}
	return err
}

// connect selects a credential and an optional proxy and builds a client on them.
func (r *run) connect(ctx context.Context) error {
	cred, err := r.e.deps.Accounts.SelectAvailable(ctx, r.task.Platform)
	if err != nil {
		return err
	}
	proxyURL := ""
	if r.e.deps.Proxies != nil {
		p, err := r.e.deps.Proxies.SelectAvailable(ctx)
		switch {
		case err == nil:
			proxyURL = p.ProxyURL
		case errors.Is(err, errs.ErrNoAvailableProxy):
			r.log.Debug("no proxy available. Going direct.")
		default:
			r.log.Warn("proxy selection failed. Going direct.", slog.String("err", err.Error()))
		}
	}

	client, err := r.e.deps.Factory.NewClient(r.task.Platform, platform.Session{Credential: cred, ProxyURL: proxyURL})
	if err != nil {
		return err
	}
	r.client, r.cred, r.proxyURL, r.signFailures = client, cred, proxyURL, 0
	r.log.Debug("session ready.", slog.String("credential_id", cred.ID), slog.Bool("proxy", proxyURL != ""))
	return nil
}

// rotate retires the current credential and reconnects with another one.
func (r *run) rotate(ctx context.Context, reason error, status model.CredentialStatus) error {
	r.log.Warn("rotating credential.", slog.String("credential_id", r.cred.ID), slog.String("status", string(status)),
		slog.String("err", reason.Error()))
	if err := r.e.deps.Accounts.ReportOutcome(ctx, r.cred.ID, status, false); err != nil {
		r.log.Error("failed to record credential status.", slog.String("err", err.Error()))
	}
	r.e.deps.Metrics.CredentialRotations(1)
	if err := r.connect(ctx); err != nil {
		return fmt.Errorf("rotate credential: %w", err)
	}
	return nil
}

// attempt performs one platform call and applies its outcome to the session:
// proxy bookkeeping, credential success and credential rotation.
func (r *run) attempt(ctx context.Context, call func(platform.Client) error) error {
	err := call(r.client)
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	r.reportProxy(ctx, err)
	if err == nil {
		r.signFailures = 0
		if rerr := r.e.deps.Accounts.ReportOutcome(ctx, r.cred.ID, model.CredentialActive, true); rerr != nil {
			r.log.Warn("failed to record credential success.", slog.String("err", rerr.Error()))
		}
		return nil
	}

	switch {
	case errors.Is(err, errs.ErrAuthExpired):
		if rerr := r.rotate(ctx, err, model.CredentialExpired); rerr != nil {
			return rerr
		}
	case errors.Is(err, errs.ErrSigningFailed):
		r.signFailures++
		// the session may still be valid, so it is parked rather than expired
		if limit := r.e.cfg.MaxSignFailures; limit > 0 && r.signFailures >= limit {
			if rerr := r.rotate(ctx, err, model.CredentialInactive); rerr != nil {
				return rerr
			}
		}
	}
	return err
}

// fetch repeats a platform call until it succeeds. Rotations retry at once, other
// transient failures wait retry_delay. Permanent errors and an exhausted retry
// budget escape.
func (r *run) fetch(ctx context.Context, what string, call func(platform.Client) error) error {
	retries := 0
	for {
		err := r.attempt(ctx, call)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if !errs.Retryable(err) && !errors.Is(err, errs.ErrAuthExpired) {
			return err
		}

		retries++
		if limit := r.e.cfg.MaxPageRetries; limit > 0 && retries > limit {
			return fmt.Errorf("%s: giving up after %d retries: %w", what, limit, err)
		}
		r.e.deps.Metrics.PageRetries(1)
		if errors.Is(err, errs.ErrAuthExpired) {
			r.log.Info("retrying with a new credential.", slog.String("call", what))
			continue
		}
		r.log.Warn("platform call failed. Retrying.", slog.String("call", what), slog.Int("retry", retries),
			slog.String("err", err.Error()))
		if err = sleep(ctx, r.e.cfg.RetryDelay); err != nil {
			return context.Cause(ctx)
		}
	}
}

func (r *run) reportProxy(ctx context.Context, callErr error) {
	if r.proxyURL == "" || r.e.deps.Proxies == nil || errors.Is(callErr, errs.ErrSigningFailed) {
		return
	}
	success := callErr == nil || !(errors.Is(callErr, errs.ErrNetwork) || errors.Is(callErr, errs.ErrRateLimited))
	if err := r.e.deps.Proxies.ReportOutcome(ctx, r.proxyURL, success); err != nil {
		r.log.Warn("failed to record proxy outcome.", slog.String("err", err.Error()))
	}
}

func (r *run) saveProgress(ctx context.Context) {
	if err := r.e.deps.Tasks.UpdateProgress(ctx, r.task.TaskID, r.progress); err != nil {
		r.log.Warn("failed to update progress.", slog.String("err", err.Error()))
	}
}

func (r *run) maybeCheckpoint(ctx context.Context) {
	if !r.e.deps.Checkpoints.ShouldSave(r.progress.Crawled) {
		return
	}
	r.cp.CrawledCount = r.progress.Crawled
	saved, err := r.e.deps.Checkpoints.Save(ctx, r.task.TaskID, r.cp)
	if err != nil {
		r.log.Error("failed to save checkpoint.", slog.String("err", err.Error()))
		return
	}
	if saved {
		r.log.Debug("checkpoint saved.", slog.Int("crawled", r.progress.Crawled))
	}
}
