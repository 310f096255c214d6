package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/platform"
)

const (
	defaultPageSize = 20
	sourceHomefeed  = "homefeed"
	sourceNote      = "note"
)

func (r *run) search(ctx context.Context) error {
	keywords := r.task.Keywords
	start := 0
	if r.resumed && r.cp.KeywordIndex > 0 && r.cp.KeywordIndex < len(keywords) {
		start = r.cp.KeywordIndex
	}

	for idx := start; idx < len(keywords); idx++ {
		kw := keywords[idx]
		page, count, skip := 1, 0, ""
		if r.resumed && idx == r.cp.KeywordIndex && r.cp.CurrentKeyword == kw {
			page = max(r.cp.CurrentPage, 1)
			count, skip = r.cp.KeywordCount, r.cp.LastItemID
		}
		if err := r.searchKeyword(ctx, idx, kw, page, count, skip); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) searchKeyword(ctx context.Context, idx int, kw string, page, count int, skip string) error {
	log := r.log.With(slog.String("keyword", kw))
	log.Info("crawling keyword.", slog.Int("page", page), slog.Int("count", count))
	pageSize := r.e.cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	for count < r.task.MaxCount {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		var res *model.SearchPage
		err := r.fetch(ctx, "search", func(c platform.Client) error {
			var err error
			res, err = c.Search(ctx, kw, page, pageSize, r.e.cfg.Sort)
			return err
		})
		if errors.Is(err, errs.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		if len(res.Notes) == 0 {
			log.Info("no more results.", slog.Int("page", page))
			break
		}

		for _, n := range skipThrough(res.Notes, skip) {
			if count >= r.task.MaxCount {
				break
			}
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			n.SourceKeyword = kw
			r.handleNote(ctx, n)
			count++
			r.cp = model.CheckpointData{
				CurrentPage:    page,
				CurrentKeyword: kw,
				KeywordIndex:   idx,
				KeywordCount:   count,
				LastItemID:     n.NoteID,
			}
			r.maybeCheckpoint(ctx)
		}
		skip = ""

		if !res.HasMore {
			break
		}
		page++
		if err = sleep(ctx, r.e.cfg.PageDelay); err != nil {
			return context.Cause(ctx)
		}
	}
	log.Info("keyword finished.", slog.Int("count", count))
	return nil
}

func (r *run) homefeed(ctx context.Context) error {
	cursor, skip := "", ""
	if r.resumed {
		cursor, skip = r.cp.CurrentCursor, r.cp.LastItemID
	}

	for r.progress.Crawled < r.task.MaxCount {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		var res *model.FeedPage
		err := r.fetch(ctx, "homefeed", func(c platform.Client) error {
			var err error
			res, err = c.GetHomefeed(ctx, cursor)
			return err
		})
		if errors.Is(err, errs.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		if len(res.Notes) == 0 {
			break
		}

		for _, n := range skipThrough(res.Notes, skip) {
			if r.progress.Crawled >= r.task.MaxCount {
				break
			}
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			n.Source = sourceHomefeed
			r.handleNote(ctx, n)
			r.cp = model.CheckpointData{CurrentCursor: cursor, LastItemID: n.NoteID, Source: sourceHomefeed}
			r.maybeCheckpoint(ctx)
		}
		skip = ""

		if res.Cursor == "" {
			break
		}
		cursor = res.Cursor
		if err = sleep(ctx, r.e.cfg.PageDelay); err != nil {
			return context.Cause(ctx)
		}
	}
	return nil
}

// notes crawls tasks whose keywords are note ids or note URLs.
func (r *run) notes(ctx context.Context) error {
	start := 0
	if r.resumed && r.cp.LastItemID != "" {
		start = r.cp.KeywordIndex + 1
	}

	for idx := start; idx < len(r.task.Keywords); idx++ {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if idx > start {
			if err := sleep(ctx, r.e.cfg.PageDelay); err != nil {
				return context.Cause(ctx)
			}
		}
		kw := r.task.Keywords[idx]
		ref := platform.ParseNoteRef(kw)
		if ref.XsecToken == "" {
			if tok, ok := r.cachedToken(ref.NoteID); ok {
				ref.XsecToken, ref.XsecSource = tok.Token, tok.Source
			}
		}

		var note *model.Note
		err := r.fetch(ctx, "detail", func(c platform.Client) error {
			var err error
			note, err = c.GetDetail(ctx, ref.NoteID, ref.XsecToken, ref.XsecSource)
			return err
		})
		switch {
		case errors.Is(err, errs.ErrNotFound):
			r.log.Warn("note not found. Skipping.", slog.String("note_id", ref.NoteID))
			r.progress.Crawled++
			r.progress.Failed++
			r.saveProgress(ctx)
		case err != nil:
			return err
		default:
			note.Source = sourceNote
			r.handleNote(ctx, note)
		}
		r.cp = model.CheckpointData{KeywordIndex: idx, CurrentKeyword: kw, LastItemID: ref.NoteID, Source: sourceNote}
		r.maybeCheckpoint(ctx)
	}
	return nil
}

// skipThrough drops items up to and including lastID. When lastID is not on the
// page the whole page is returned.
func skipThrough(notes []*model.Note, lastID string) []*model.Note {
	if lastID == "" {
		return notes
	}
	for i, n := range notes {
		if n.NoteID == lastID {
			return notes[i+1:]
		}
	}
	return notes
}
