package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/lib/pq"
)

// PostgresSchema creates the content tables used by PostgresContentRepository.
const PostgresSchema = `
CREATE SCHEMA IF NOT EXISTS note_crawler;
CREATE TABLE IF NOT EXISTS note_crawler.notes (
	note_id        TEXT PRIMARY KEY,
	platform       TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	source_keyword TEXT,
	xsec_token     TEXT NOT NULL DEFAULT '',
	xsec_source    TEXT NOT NULL DEFAULT '',
	media_keys     TEXT[] NOT NULL DEFAULT '{}',
	payload        JSONB NOT NULL,
	crawled_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS notes_task_id_idx ON note_crawler.notes (task_id);
CREATE TABLE IF NOT EXISTS note_crawler.comments (
	comment_id TEXT PRIMARY KEY,
	note_id    TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	payload    JSONB NOT NULL,
	crawled_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS comments_note_id_idx ON note_crawler.comments (note_id);`

// PostgresContentRepository stores crawled items as JSONB rows. Token and media
// columns live outside the payload so empty values never overwrite stored ones.
type PostgresContentRepository struct {
	db *sql.DB
}

func NewPostgresContentRepository(db *sql.DB) *PostgresContentRepository {
	return &PostgresContentRepository{db: db}
}

func (r *PostgresContentRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("create content schema: %w", err)
	}
	return nil
}

func (r *PostgresContentRepository) UpsertNote(ctx context.Context, n *model.Note) error {
	n.CrawledAt = time.Now().UTC()
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal note %s: %w", n.NoteID, err)
	}
	mediaKeys := n.MediaKeys
	if mediaKeys == nil {
		mediaKeys = []string{}
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO note_crawler.notes
	(note_id, platform, task_id, source_keyword, xsec_token, xsec_source, media_keys, payload, crawled_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (note_id) DO UPDATE
	SET platform = EXCLUDED.platform,
	    task_id = EXCLUDED.task_id,
	    source_keyword = EXCLUDED.source_keyword,
	    xsec_token = COALESCE(NULLIF(EXCLUDED.xsec_token, ''), notes.xsec_token),
	    xsec_source = COALESCE(NULLIF(EXCLUDED.xsec_source, ''), notes.xsec_source),
	    media_keys = CASE WHEN cardinality(EXCLUDED.media_keys) = 0 THEN notes.media_keys
	                      ELSE EXCLUDED.media_keys END,
	    payload = EXCLUDED.payload,
	    crawled_at = EXCLUDED.crawled_at;`,
		n.NoteID,
		n.Platform,
		n.TaskID,
		n.SourceKeyword,
		n.XsecToken,
		n.XsecSource,
		pq.Array(mediaKeys),
		payload,
		n.CrawledAt)
	if err != nil {
		return fmt.Errorf("upsert note %s: %w", n.NoteID, err)
	}
	slog.Debug("note saved to db.", slog.String("note_id", n.NoteID))
	return nil
}

func (r *PostgresContentRepository) UpsertComment(ctx context.Context, c *model.Comment) error {
	c.CrawledAt = time.Now().UTC()
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal comment %s: %w", c.CommentID, err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO note_crawler.comments
	(comment_id, note_id, task_id, payload, crawled_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (comment_id) DO UPDATE
	SET note_id = EXCLUDED.note_id,
	    task_id = EXCLUDED.task_id,
	    payload = EXCLUDED.payload,
	    crawled_at = EXCLUDED.crawled_at;`,
		c.CommentID,
		c.NoteID,
		c.TaskID,
		payload,
		c.CrawledAt)
	if err != nil {
		return fmt.Errorf("upsert comment %s: %w", c.CommentID, err)
	}
	return nil
}

func (r *PostgresContentRepository) GetNote(ctx context.Context, noteID string) (*model.Note, error) {
	var (
		payload   []byte
		token     string
		source    string
		mediaKeys []string
		crawledAt time.Time
	)
	err := r.db.QueryRowContext(ctx, `SELECT payload, xsec_token, xsec_source, media_keys, crawled_at
	FROM note_crawler.notes WHERE note_id = $1`, noteID).
		Scan(&payload, &token, &source, pq.Array(&mediaKeys), &crawledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("note %s: %w", noteID, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get note %s: %w", noteID, err)
	}
	var n model.Note
	if err = json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("decode note %s: %w", noteID, err)
	}
	n.XsecToken, n.XsecSource, n.MediaKeys, n.CrawledAt = token, source, mediaKeys, crawledAt
	return &n, nil
}

func (r *PostgresContentRepository) SetNoteToken(ctx context.Context, noteID, token, source string) error {
	return r.exec(ctx, noteID, `UPDATE note_crawler.notes SET xsec_token = $2, xsec_source = $3
	WHERE note_id = $1`, noteID, token, source)
}

func (r *PostgresContentRepository) SetNoteMedia(ctx context.Context, noteID string, keys []string) error {
	return r.exec(ctx, noteID, `UPDATE note_crawler.notes SET media_keys = $2 WHERE note_id = $1`,
		noteID, pq.Array(keys))
}

func (r *PostgresContentRepository) exec(ctx context.Context, noteID, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update note %s: %w", noteID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("note %s: %w", noteID, errs.ErrNotFound)
	}
	return nil
}

func (r *PostgresContentRepository) CountNotes(ctx context.Context, taskID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM note_crawler.notes
	WHERE $1 = '' OR task_id = $1`, taskID).Scan(&n)
	return n, err
}

func (r *PostgresContentRepository) CountComments(ctx context.Context, noteID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM note_crawler.comments
	WHERE $1 = '' OR note_id = $1`, noteID).Scan(&n)
	return n, err
}
