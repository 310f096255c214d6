package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	netUrl "net/url"
	"path"
	"strings"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/telemetry"
	"github.com/gocolly/colly"
)

var errTooLarge = errors.New("media exceeds size limit")

// MediaStore writes a media object and returns the key it was stored under.
type MediaStore interface {
	WriteMedia(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Downloader fetches note images and videos and hands them to a MediaStore.
type Downloader struct {
	store     MediaStore
	cfg       *config.DownloadConfig
	transport http.RoundTripper
	userAgent string
	metrics   *telemetry.CrawlMetrics
}

func NewDownloader(store MediaStore, cfg *config.DownloadConfig, transport http.RoundTripper, userAgent string,
	metrics *telemetry.CrawlMetrics) *Downloader {
	return &Downloader{store: store, cfg: cfg, transport: transport, userAgent: userAgent, metrics: metrics}
}

// Download stores every media file of the note. Files that fail are skipped and
// reported in the returned error; keys of the stored ones are always returned.
func (d *Downloader) Download(ctx context.Context, note *model.Note) ([]string, error) {
	urls := append([]string(nil), note.ImageList...)
	if note.VideoURL != "" {
		urls = append(urls, note.VideoURL)
	}

	var (
		keys   []string
		failed []error
	)
	for _, u := range urls {
		if ctx.Err() != nil {
			failed = append(failed, ctx.Err())
			break
		}
		body, contentType, err := d.fetch(u, note.NoteURL)
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", u, err))
			continue
		}
		key, err := d.store.WriteMedia(ctx, mediaKey(note, u, contentType), body, contentType)
		if err != nil {
			failed = append(failed, fmt.Errorf("store %s: %w", u, err))
			continue
		}
		keys = append(keys, key)
		d.metrics.MediaUploaded(1)
	}
	slog.Debug("note media stored.", slog.String("note_id", note.NoteID), slog.Int("files", len(keys)),
		slog.Int("failed", len(failed)))
	return keys, errors.Join(failed...)
}

func (d *Downloader) fetch(url, referer string) ([]byte, string, error) {
	c := colly.NewCollector(colly.AllowURLRevisit())
	if d.transport != nil {
		c.WithTransport(d.transport)
	}
	c.SetRequestTimeout(d.cfg.Timeout)
	c.UserAgent = d.userAgent
	if d.cfg.MaxSizeBytes > 0 {
		c.MaxBodySize = int(d.cfg.MaxSizeBytes) + 1
	}

	var (
		body        []byte
		contentType string
	)
	c.OnRequest(func(r *colly.Request) {
		if referer != "" {
			r.Headers.Set("Referer", referer)
		}
	})
	c.OnResponse(func(resp *colly.Response) {
		body = resp.Body
		contentType = resp.Headers.Get("Content-Type")
	})

	if err := c.Visit(url); err != nil {
		return nil, "", err
	}
	if d.cfg.MaxSizeBytes > 0 && int64(len(body)) > d.cfg.MaxSizeBytes {
		return nil, "", errTooLarge
	}
	return body, contentType, nil
}

// mediaKey is {platform}/{note_id}/{url hash}{ext}.
func mediaKey(note *model.Note, url, contentType string) string {
	ext := ""
	if u, err := netUrl.Parse(url); err == nil {
		ext = path.Ext(u.Path)
	}
	if ext == "" || len(ext) > 5 {
		ext = ""
		mediaType, _, _ := mime.ParseMediaType(contentType)
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	return fmt.Sprintf("%s/%s/%s%s", note.Platform, note.NoteID, internal.HashURL(url)[:16], strings.ToLower(ext))
}
