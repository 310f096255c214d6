package platform

import (
	"net/url"
	"strings"
)

// NoteRef is a note id with the access token needed to open it.
type NoteRef struct {
	NoteID     string
	XsecToken  string
	XsecSource string
}

// ParseNoteRef accepts a bare note id or a note URL such as
// https://www.xiaohongshu.com/explore/{id}?xsec_token=..&xsec_source=..
func ParseNoteRef(s string) NoteRef {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		return NoteRef{NoteID: s}
	}
	u, err := url.Parse(s)
	if err != nil {
		path, _, _ := strings.Cut(s, "?")
		return NoteRef{NoteID: lastSegment(path)}
	}
	q := u.Query()
	return NoteRef{
		NoteID:     lastSegment(u.Path),
		XsecToken:  q.Get("xsec_token"),
		XsecSource: q.Get("xsec_source"),
	}
}

func lastSegment(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
