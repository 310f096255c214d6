package xhs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/platform"
	"github.com/IliaW/note-crawler/internal/signature"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

const (
	searchPath   = "/api/sns/web/v1/search/notes"
	feedPath     = "/api/sns/web/v1/feed"
	homefeedPath = "/api/sns/web/v1/homefeed"
	commentPath  = "/api/v2/collect"

	codeAuthExpired = -100
	codeRateLimited = 300013
	statusRiskBlock = 461
	maxErrorBody    = 300
)

var imageFormats = []string{"jpg", "webp", "avif"}

// RequestSigner is the part of signature.Provider the client depends on.
type RequestSigner interface {
	Sign(ctx context.Context, req signature.Request, mode model.SignMode) (map[string]string, error)
	Execute(ctx context.Context, req signature.Request) ([]byte, error)
	Mode() model.SignMode
}

type Client struct {
	cfg               *config.PlatformConfig
	httpClient        *http.Client
	signer            RequestSigner
	limiter           *rate.Limiter
	credential        *model.Credential
	commentsInBrowser bool
}

type envelope struct {
	Success bool                `json:"success"`
	Code    int                 `json:"code"`
	Msg     string              `json:"msg"`
	Data    jsoniter.RawMessage `json:"data"`
}

type searchBody struct {
	Keyword  string `json:"keyword"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	SearchID string `json:"search_id"`
	Sort     string `json:"sort"`
	NoteType int    `json:"note_type"`
}

type detailBody struct {
	SourceNoteID string         `json:"source_note_id"`
	ImageFormats []string       `json:"image_formats"`
	Extra        map[string]int `json:"extra"`
	XsecSource   string         `json:"xsec_source"`
	XsecToken    string         `json:"xsec_token"`
}

type commentBody struct {
	NoteID       string `json:"note_id"`
	Cursor       string `json:"cursor"`
	TopCommentID string `json:"top_comment_id"`
	ImageFormats string `json:"image_formats"`
	XsecToken    string `json:"xsec_token"`
	XsecSource   string `json:"xsec_source"`
}

type homefeedBody struct {
	CursorScore       string `json:"cursor_score"`
	Num               int    `json:"num"`
	RefreshType       int    `json:"refresh_type"`
	NoteIndex         int    `json:"note_index"`
	UnreadBeginNoteID string `json:"unread_begin_note_id"`
	UnreadEndNoteID   string `json:"unread_end_note_id"`
	UnreadNoteCount   int    `json:"unread_note_count"`
	Category          string `json:"category"`
}

func (c *Client) Search(ctx context.Context, keyword string, page, pageSize int, sort string) (*model.SearchPage, error) {
	body := searchBody{
		Keyword:  keyword,
		Page:     page,
		PageSize: pageSize,
		SearchID: strings.ReplaceAll(uuid.New().String(), "-", ""),
		Sort:     sort,
	}
	var data searchData
	if err := c.post(ctx, c.cfg.BaseUrl+searchPath, body, nil, &data); err != nil {
		return nil, fmt.Errorf("search %q page %d: %w", keyword, page, err)
	}
	notes := parseItems(data.Items, c.cfg.WebUrl)
	slog.Debug("search page fetched.", slog.String("keyword", keyword), slog.Int("page", page),
		slog.Int("notes", len(notes)))
	return &model.SearchPage{Notes: notes, HasMore: data.HasMore}, nil
}

// GetDetail loads a single note through the feed endpoint. The returned note
// carries the freshest xsec token the response exposes.
func (c *Client) GetDetail(ctx context.Context, noteID, token, source string) (*model.Note, error) {
	if source == "" {
		source = defaultFeedSource
	}
	body := detailBody{
		SourceNoteID: noteID,
		ImageFormats: imageFormats,
		Extra:        map[string]int{"need_body_topic": 1},
		XsecSource:   source,
		XsecToken:    token,
	}
	var data feedData
	if err := c.post(ctx, c.cfg.BaseUrl+feedPath, body, nil, &data); err != nil {
		return nil, fmt.Errorf("detail %s: %w", noteID, err)
	}
	if len(data.Items) == 0 || data.Items[0].NoteCard == nil {
		return nil, fmt.Errorf("detail %s: %w", noteID, errs.ErrNotFound)
	}

	item := data.Items[0]
	if item.NoteCard.NoteID == "" {
		item.NoteCard.NoteID = noteID
	}
	note := parseNoteCard(item.NoteCard, c.cfg.WebUrl, true)
	freshToken := firstNonEmpty(item.XsecToken, data.XsecToken, item.NoteCard.XsecToken)
	if freshToken != "" {
		note.XsecToken = freshToken
		note.XsecSource = firstNonEmpty(item.XsecSource, data.XsecSource, defaultFeedSource)
	} else if note.XsecToken == "" && token != "" {
		note.XsecToken, note.XsecSource = token, source
	}
	return note, nil
}

// GetComments fetches one page of top-level comments. With comments in browser
// enabled the request runs inside the page first and falls back to a signed
// HTTP call.
func (c *Client) GetComments(ctx context.Context, noteID, token, source, cursor string) (*model.CommentPage, error) {
	if source == "" {
		source = defaultSearchSource
	}
	body := commentBody{
		NoteID:       noteID,
		Cursor:       cursor,
		ImageFormats: "jpg,webp,avif",
		XsecToken:    token,
		XsecSource:   source,
	}
	headers := map[string]string{"Referer": c.noteReferer(noteID, token, source)}
	target := c.cfg.CommentBaseUrl + commentPath

	var data commentData
	fetched := false
	if c.commentsInBrowser {
		if err := c.executeInBrowser(ctx, target, body, headers, &data); err != nil {
			slog.Warn("comments in browser failed, using signed request.", slog.String("note_id", noteID),
				slog.String("err", err.Error()))
		} else {
			fetched = true
		}
	}
	if !fetched {
		if err := c.post(ctx, target, body, headers, &data); err != nil {
			return nil, fmt.Errorf("comments %s: %w", noteID, err)
		}
	}

	page := &model.CommentPage{Cursor: data.Cursor, HasMore: data.HasMore}
	for _, cw := range data.Comments {
		page.Comments = append(page.Comments, parseComment(cw, noteID))
	}
	return page, nil
}

func (c *Client) GetHomefeed(ctx context.Context, cursor string) (*model.FeedPage, error) {
	body := homefeedBody{
		CursorScore: cursor,
		Num:         20,
		RefreshType: 1,
		Category:    "homefeed_recommend",
	}
	var data feedData
	if err := c.post(ctx, c.cfg.BaseUrl+homefeedPath, body, nil, &data); err != nil {
		return nil, fmt.Errorf("homefeed: %w", err)
	}
	return &model.FeedPage{Notes: parseItems(data.Items, c.cfg.WebUrl), Cursor: data.CursorScore}, nil
}

func (c *Client) noteReferer(noteID, token, source string) string {
	ref := c.cfg.WebUrl + "/explore/" + noteID
	if token == "" {
		return ref
	}
	q := url.Values{}
	q.Set("xsec_token", token)
	q.Set("xsec_source", source)
	return ref + "?" + q.Encode()
}

func (c *Client) post(ctx context.Context, target string, payload any, extraHeaders map[string]string,
	out any) error {
	body, err := jsoniter.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err = c.limiter.Wait(ctx); err != nil {
		return err
	}

	signed, err := c.signer.Sign(ctx, c.signRequest(target, body, extraHeaders), c.signer.Mode())
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Referer", c.cfg.WebUrl+"/")
	req.Header.Set("Origin", c.cfg.WebUrl)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Cookie", c.credential.CookieHeader())
	for k, v := range signed {
		req.Header.Set(k, v)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", errs.ErrNetwork, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w: %w", errs.ErrNetwork, err)
	}
	slog.Debug("platform call finished.", slog.String("url", target), slog.Int("status", resp.StatusCode),
		slog.Int64("elapsed_ms", time.Since(start).Milliseconds()))

	if err = statusError(resp.StatusCode, raw); err != nil {
		return err
	}
	return decodeEnvelope(raw, out)
}

func (c *Client) executeInBrowser(ctx context.Context, target string, payload any, headers map[string]string,
	out any) error {
	body, err := jsoniter.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err = c.limiter.Wait(ctx); err != nil {
		return err
	}
	raw, err := c.signer.Execute(ctx, c.signRequest(target, body, headers))
	if err != nil {
		return err
	}
	return decodeEnvelope(raw, out)
}

func (c *Client) signRequest(target string, body []byte, headers map[string]string) signature.Request {
	return signature.Request{
		URL:       target,
		Method:    http.MethodPost,
		Body:      body,
		Cookie:    c.credential.CookieHeader(),
		Cookies:   c.credential.Cookies,
		UserAgent: c.userAgent(),
		Headers:   headers,
	}
}

// userAgent prefers the one the credential was captured with so the signed and
// sent values agree.
func (c *Client) userAgent() string {
	if c.credential.UserAgent != "" {
		return c.credential.UserAgent
	}
	return c.cfg.UserAgent
}

func statusError(status int, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", status, errs.ErrRateLimited)
	case status == http.StatusUnauthorized || status == statusRiskBlock:
		return fmt.Errorf("status %d: %w", status, errs.ErrAuthExpired)
	case status/100 != 2:
		return fmt.Errorf("status %d %s: %w", status, truncate(body), errs.ErrPlatformResponse)
	}
	return nil
}

func decodeEnvelope(raw []byte, out any) error {
	var env envelope
	if err := jsoniter.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response %s: %w", truncate(raw), errs.ErrPlatformResponse)
	}
	if !env.Success {
		switch env.Code {
		case codeAuthExpired:
			return fmt.Errorf("code %d %s: %w", env.Code, env.Msg, errs.ErrAuthExpired)
		case codeRateLimited:
			return fmt.Errorf("code %d %s: %w", env.Code, env.Msg, errs.ErrRateLimited)
		default:
			return fmt.Errorf("code %d %s: %w", env.Code, env.Msg, errs.ErrPlatformResponse)
		}
	}
	if len(env.Data) == 0 || out == nil {
		return nil
	}
	if err := jsoniter.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w: %w", errs.ErrPlatformResponse, err)
	}
	return nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody])
	}
	return string(b)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ platform.Client = (*Client)(nil)
