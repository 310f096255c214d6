package platform

import (
	"context"

	"github.com/IliaW/note-crawler/internal/model"
)

//go:generate mockgen -source=client.go -destination=mocks/mock_platform.go

// Client is one logged-in session against a content platform. All methods fail
// with errs.ErrAuthExpired, errs.ErrRateLimited, errs.ErrSigningFailed,
// errs.ErrNetwork or errs.ErrPlatformResponse.
type Client interface {
	Search(ctx context.Context, keyword string, page, pageSize int, sort string) (*model.SearchPage, error)
	GetDetail(ctx context.Context, noteID, token, source string) (*model.Note, error)
	GetComments(ctx context.Context, noteID, token, source, cursor string) (*model.CommentPage, error)
	GetHomefeed(ctx context.Context, cursor string) (*model.FeedPage, error)
}

// Session binds a client to one credential and an optional proxy.
type Session struct {
	Credential *model.Credential
	ProxyURL   string
}

type Factory interface {
	Supports(p model.Platform) bool
	NewClient(p model.Platform, s Session) (Client, error)
}
