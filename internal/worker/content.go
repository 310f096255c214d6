package worker

import (
	"context"
	"log/slog"

	"github.com/IliaW/note-crawler/internal/cache"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/platform"
)

// handleNote persists one note with its optional comments and media, then
// publishes it and updates progress. Sink errors only count as failed items.
func (r *run) handleNote(ctx context.Context, n *model.Note) {
	n.TaskID = r.task.TaskID
	if n.Platform == "" {
		n.Platform = r.task.Platform
	}
	n.CrawledAt = r.e.now()

	persisted := true
	if err := r.e.deps.Content.UpsertNote(ctx, n); err != nil {
		persisted = false
		r.progress.Failed++
		r.e.deps.Metrics.PersistFailed(1)
		r.log.Error("failed to save note.", slog.String("note_id", n.NoteID), slog.String("err", err.Error()))
	} else {
		r.progress.Success++
		r.e.deps.Metrics.NotesCrawled(1)
		r.publish(ctx, &model.ContentEvent{
			Kind:          model.ContentNote,
			Platform:      n.Platform,
			TaskID:        n.TaskID,
			NoteID:        n.NoteID,
			SourceKeyword: n.SourceKeyword,
			CrawledAt:     n.CrawledAt,
		})
	}
	r.progress.Crawled++
	r.cacheToken(n.NoteID, n.XsecToken, n.XsecSource)

	if persisted && r.task.EnableComment && ctx.Err() == nil {
		r.crawlComments(ctx, n)
	}
	if persisted && r.task.EnableDownload && r.e.deps.Media != nil && ctx.Err() == nil {
		r.downloadMedia(ctx, n)
	}
	r.saveProgress(ctx)
}

func (r *run) crawlComments(ctx context.Context, n *model.Note) {
	log := r.log.With(slog.String("note_id", n.NoteID))
	token, source := r.noteToken(ctx, n)
	if token == "" {
		log.Warn("no xsec token for note. Skipping comments.")
		return
	}
	if err := sleep(ctx, r.e.cfg.CommentDelay); err != nil {
		return
	}

	var page *model.CommentPage
	err := r.attempt(ctx, func(c platform.Client) error {
		var err error
		page, err = c.GetComments(ctx, n.NoteID, token, source, "")
		return err
	})
	if err != nil {
		log.Warn("failed to fetch comments.", slog.String("err", err.Error()))
		return
	}

	saved := 0
	for _, c := range page.Comments {
		if ctx.Err() != nil {
			return
		}
		c.NoteID, c.TaskID, c.CrawledAt = n.NoteID, r.task.TaskID, r.e.now()
		if c.Platform == "" {
			c.Platform = r.task.Platform
		}
		if err = r.e.deps.Content.UpsertComment(ctx, c); err != nil {
			r.e.deps.Metrics.PersistFailed(1)
			log.Error("failed to save comment.", slog.String("comment_id", c.CommentID),
				slog.String("err", err.Error()))
			continue
		}
		saved++
		r.publish(ctx, &model.ContentEvent{
			Kind:      model.ContentComment,
			Platform:  c.Platform,
			TaskID:    c.TaskID,
			NoteID:    c.NoteID,
			CommentID: c.CommentID,
			CrawledAt: c.CrawledAt,
		})
	}
	r.e.deps.Metrics.CommentsCrawled(int64(saved))
	log.Debug("comments saved.", slog.Int("count", saved))
}

// noteToken finds the xsec token of a note: stored record first, then the token
// cache, then one detail call whose token is written back to both.
func (r *run) noteToken(ctx context.Context, n *model.Note) (string, string) {
	if stored, err := r.e.deps.Content.GetNote(ctx, n.NoteID); err == nil && stored.XsecToken != "" {
		return stored.XsecToken, stored.XsecSource
	}
	if tok, ok := r.cachedToken(n.NoteID); ok {
		return tok.Token, tok.Source
	}

	var detail *model.Note
	err := r.attempt(ctx, func(c platform.Client) error {
		var err error
		detail, err = c.GetDetail(ctx, n.NoteID, "", "")
		return err
	})
	if err != nil {
		r.log.Warn("failed to fetch note detail for token.", slog.String("note_id", n.NoteID),
			slog.String("err", err.Error()))
		return "", ""
	}
	if detail.XsecToken == "" {
		return "", ""
	}
	if err = r.e.deps.Content.SetNoteToken(ctx, n.NoteID, detail.XsecToken, detail.XsecSource); err != nil {
		r.log.Warn("failed to store note token.", slog.String("note_id", n.NoteID), slog.String("err", err.Error()))
	}
	r.cacheToken(n.NoteID, detail.XsecToken, detail.XsecSource)
	return detail.XsecToken, detail.XsecSource
}

func (r *run) downloadMedia(ctx context.Context, n *model.Note) {
	keys, err := r.e.deps.Media.Download(ctx, n)
	if err != nil {
		r.log.Warn("media download incomplete.", slog.String("note_id", n.NoteID), slog.String("err", err.Error()))
	}
	if len(keys) == 0 {
		return
	}
	if err = r.e.deps.Content.SetNoteMedia(ctx, n.NoteID, keys); err != nil {
		r.log.Error("failed to record media keys.", slog.String("note_id", n.NoteID), slog.String("err", err.Error()))
	}
}

func (r *run) publish(ctx context.Context, ev *model.ContentEvent) {
	r.e.deps.Publisher.Publish(ctx, ev)
}

func (r *run) cachedToken(noteID string) (cache.XsecToken, bool) {
	if r.e.deps.Tokens == nil || noteID == "" {
		return cache.XsecToken{}, false
	}
	return r.e.deps.Tokens.Get(r.task.Platform, noteID)
}

func (r *run) cacheToken(noteID, token, source string) {
	if r.e.deps.Tokens == nil {
		return
	}
	r.e.deps.Tokens.Set(r.task.Platform, noteID, cache.XsecToken{Token: token, Source: source})
}
