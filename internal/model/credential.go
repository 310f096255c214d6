package model

import (
	"sort"
	"strings"
	"time"
)

type CredentialStatus string

const (
	CredentialActive   CredentialStatus = "active"
	CredentialInactive CredentialStatus = "inactive"
	CredentialBanned   CredentialStatus = "banned"
	CredentialExpired  CredentialStatus = "expired"
)

func (s CredentialStatus) Valid() bool {
	switch s {
	case CredentialActive, CredentialInactive, CredentialBanned, CredentialExpired:
		return true
	}
	return false
}

// Credential is a logged-in platform session. Cookie and Cookies always describe
// the same cookie jar once Normalize has run.
type Credential struct {
	ID            string            `json:"id" bson:"_id"`
	Platform      Platform          `json:"platform" bson:"platform"`
	Cookie        string            `json:"cookie" bson:"cookie"`
	Cookies       map[string]string `json:"cookies" bson:"cookies"`
	UserAgent     string            `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
	Status        CredentialStatus  `json:"status" bson:"status"`
	Weight        int               `json:"weight" bson:"weight"`
	Note          string            `json:"note,omitempty" bson:"note,omitempty"`
	UseCount      int64             `json:"use_count" bson:"use_count"`
	SuccessCount  int64             `json:"success_count" bson:"success_count"`
	FailCount     int64             `json:"fail_count" bson:"fail_count"`
	LastUsedAt    *time.Time        `json:"last_used_at" bson:"last_used_at"`
	LastCheckedAt *time.Time        `json:"last_checked_at" bson:"last_checked_at"`
	CreatedAt     time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" bson:"updated_at"`
}

type CredentialInput struct {
	Platform  string            `json:"platform"`
	Cookie    string            `json:"cookie"`
	Cookies   map[string]string `json:"cookies"`
	UserAgent string            `json:"user_agent"`
	Weight    int               `json:"weight"`
	Note      string            `json:"note"`
}

// Normalize derives the missing cookie representation from the present one.
func (c *Credential) Normalize() {
	switch {
	case c.Cookie == "" && len(c.Cookies) > 0:
		c.Cookie = CookieString(c.Cookies)
	case len(c.Cookies) == 0 && c.Cookie != "":
		c.Cookies = ParseCookie(c.Cookie)
	}
}

// CookieHeader returns the value for a Cookie request header.
func (c *Credential) CookieHeader() string {
	if c.Cookie != "" {
		return c.Cookie
	}
	return CookieString(c.Cookies)
}

// CookieValue looks a single cookie up, preferring the parsed map.
func (c *Credential) CookieValue(name string) string {
	if v, ok := c.Cookies[name]; ok {
		return v
	}
	return ParseCookie(c.Cookie)[name]
}

// Redacted returns a copy safe for listing. The stored record is left untouched.
func (c *Credential) Redacted() *Credential {
	cp := *c
	cp.Cookie = Redact(c.Cookie)
	if c.Cookies != nil {
		cp.Cookies = make(map[string]string, len(c.Cookies))
		for k, v := range c.Cookies {
			cp.Cookies[k] = Redact(v)
		}
	}
	return &cp
}

const (
	redactThreshold = 40
	redactKeep      = 20
)

func Redact(s string) string {
	if len(s) <= redactThreshold {
		return s
	}
	return s[:redactKeep] + "..." + s[len(s)-redactKeep:]
}

// ParseCookie splits a "k=v; k2=v2" header. Fragments without '=' or with an empty
// name are dropped; only the first '=' separates name from value.
func ParseCookie(raw string) map[string]string {
	cookies := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cookies[name] = strings.TrimSpace(value)
	}
	return cookies
}

// CookieString joins a cookie map as "k=v; k2=v2" sorted by name. Empty names and
// values are skipped.
func CookieString(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for k, v := range cookies {
		if k == "" || v == "" {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(cookies[k])
	}
	return b.String()
}
