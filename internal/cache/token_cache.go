package cache

import (
	"time"

	"github.com/IliaW/note-crawler/internal/model"
	gocache "github.com/patrickmn/go-cache"
)

// XsecToken is the per-note access token the platform requires for comment calls.
type XsecToken struct {
	Token  string
	Source string
}

// TokenCache keeps recently seen note tokens in process memory so repeated comment
// fetches do not hit the document store or the detail endpoint.
type TokenCache struct {
	local *gocache.Cache
}

func NewTokenCache(ttl time.Duration) *TokenCache {
	return &TokenCache{local: gocache.New(ttl, 2*ttl)}
}

func (tc *TokenCache) Get(platform model.Platform, noteID string) (XsecToken, bool) {
	if v, ok := tc.local.Get(tokenKey(platform, noteID)); ok {
		return v.(XsecToken), true
	}
	return XsecToken{}, false
}

func (tc *TokenCache) Set(platform model.Platform, noteID string, token XsecToken) {
	if token.Token == "" {
		return
	}
	tc.local.Set(tokenKey(platform, noteID), token, gocache.DefaultExpiration)
}

func tokenKey(platform model.Platform, noteID string) string {
	return string(platform) + ":" + noteID
}
