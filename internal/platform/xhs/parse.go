package xhs

import (
	"bytes"
	"strconv"

	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/platform"
	jsoniter "github.com/json-iterator/go"
)

const (
	defaultSearchSource = "pc_search"
	defaultFeedSource   = "pc_feed"
	videoHost           = "http://sns-video-bd.xhscdn.com/"
)

// flexString accepts both JSON strings and numbers; counters come back in
// either form depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := jsoniter.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

func (f flexString) orZero() string {
	if f == "" {
		return "0"
	}
	return string(f)
}

type noteItem struct {
	ID         string    `json:"id"`
	ModelType  string    `json:"model_type"`
	XsecToken  string    `json:"xsec_token"`
	XsecSource string    `json:"xsec_source"`
	NoteCard   *noteCard `json:"note_card"`
}

type noteCard struct {
	NoteID string `json:"note_id"`
	ID     string `json:"id"`
	Note   *struct {
		NoteID string `json:"note_id"`
		ID     string `json:"id"`
	} `json:"note"`
	Title string `json:"title"`
	Desc  string `json:"desc"`
	Type  string `json:"type"`
	User  struct {
		UserID   string `json:"user_id"`
		Nickname string `json:"nickname"`
		Avatar   string `json:"avatar"`
	} `json:"user"`
	InteractInfo struct {
		LikedCount     flexString `json:"liked_count"`
		CollectedCount flexString `json:"collected_count"`
		CommentCount   flexString `json:"comment_count"`
		ShareCount     flexString `json:"share_count"`
	} `json:"interact_info"`
	IPLocation string `json:"ip_location"`
	XsecToken  string `json:"xsec_token"`
	XsecSource string `json:"xsec_source"`
	NoteURL    string `json:"note_url"`
	ShareInfo  struct {
		Link     string `json:"link"`
		URL      string `json:"url"`
		CopyURL  string `json:"copy_url"`
		ShareURL string `json:"share_url"`
	} `json:"share_info"`
	ImageList []struct {
		URLDefault string `json:"url_default"`
	} `json:"image_list"`
	Video *struct {
		Consumer struct {
			OriginVideoKey string `json:"origin_video_key"`
		} `json:"consumer"`
	} `json:"video"`
	TagList []struct {
		Name string `json:"name"`
	} `json:"tag_list"`
	Time           int64 `json:"time"`
	LastUpdateTime int64 `json:"last_update_time"`
}

type searchData struct {
	Items   []noteItem `json:"items"`
	HasMore bool       `json:"has_more"`
}

type feedData struct {
	Items       []noteItem `json:"items"`
	CursorScore string     `json:"cursor_score"`
	XsecToken   string     `json:"xsec_token"`
	XsecSource  string     `json:"xsec_source"`
}

type commentWire struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	UserInfo struct {
		UserID   string `json:"user_id"`
		Nickname string `json:"nickname"`
		Image    string `json:"image"`
	} `json:"user_info"`
	LikeCount       flexString `json:"like_count"`
	SubCommentCount flexString `json:"sub_comment_count"`
	CreateTime      int64      `json:"create_time"`
	IPLocation      string     `json:"ip_location"`
}

type commentData struct {
	Comments []commentWire `json:"comments"`
	Cursor   string        `json:"cursor"`
	HasMore  bool          `json:"has_more"`
}

// parseItems turns list items into notes. The note id lives on the item for
// search results, so it is copied onto the card when the card lacks one.
func parseItems(items []noteItem, webURL string) []*model.Note {
	notes := make([]*model.Note, 0, len(items))
	for _, item := range items {
		if item.NoteCard == nil {
			continue
		}
		if item.NoteCard.NoteID == "" && item.ID != "" {
			item.NoteCard.NoteID = item.ID
		}
		if item.NoteCard.XsecToken == "" && item.XsecToken != "" {
			item.NoteCard.XsecToken = item.XsecToken
			item.NoteCard.XsecSource = item.XsecSource
		}
		notes = append(notes, parseNoteCard(item.NoteCard, webURL, false))
	}
	return notes
}

func parseNoteCard(card *noteCard, webURL string, detail bool) *model.Note {
	n := &model.Note{
		NoteID:         cardNoteID(card),
		Platform:       model.PlatformXHS,
		Title:          card.Title,
		Desc:           card.Desc,
		Type:           card.Type,
		UserID:         card.User.UserID,
		Nickname:       card.User.Nickname,
		Avatar:         card.User.Avatar,
		LikedCount:     card.InteractInfo.LikedCount.orZero(),
		CollectedCount: card.InteractInfo.CollectedCount.orZero(),
		CommentCount:   card.InteractInfo.CommentCount.orZero(),
		ShareCount:     card.InteractInfo.ShareCount.orZero(),
		IPLocation:     card.IPLocation,
	}
	n.NoteURL = webURL + "/explore/" + n.NoteID
	n.XsecToken, n.XsecSource = cardToken(card, n.NoteURL)

	for _, img := range card.ImageList {
		n.ImageList = append(n.ImageList, img.URLDefault)
	}
	if card.Video != nil && card.Video.Consumer.OriginVideoKey != "" {
		n.VideoID = card.Video.Consumer.OriginVideoKey
		n.VideoURL = videoHost + n.VideoID
	}
	for _, tag := range card.TagList {
		n.Tags = append(n.Tags, tag.Name)
	}
	if detail {
		n.Time = card.Time
		n.LastUpdateTime = card.LastUpdateTime
	}
	return n
}

func cardNoteID(card *noteCard) string {
	switch {
	case card.NoteID != "":
		return card.NoteID
	case card.ID != "":
		return card.ID
	case card.Note != nil && card.Note.NoteID != "":
		return card.Note.NoteID
	case card.Note != nil && card.Note.ID != "":
		return card.Note.ID
	}
	for _, u := range []string{card.ShareInfo.Link, card.ShareInfo.URL, card.ShareInfo.CopyURL,
		card.ShareInfo.ShareURL} {
		if u == "" {
			continue
		}
		if ref := platform.ParseNoteRef(u); ref.NoteID != "" {
			return ref.NoteID
		}
	}
	return ""
}

// cardToken prefers the token on the card and falls back to any URL carrying
// xsec_token in its query.
func cardToken(card *noteCard, noteURL string) (string, string) {
	source := card.XsecSource
	if source == "" {
		source = defaultSearchSource
	}
	if card.XsecToken != "" {
		return card.XsecToken, source
	}
	for _, u := range []string{card.ShareInfo.URL, card.ShareInfo.Link, card.ShareInfo.CopyURL,
		card.ShareInfo.ShareURL, card.NoteURL, noteURL} {
		if u == "" {
			continue
		}
		ref := platform.ParseNoteRef(u)
		if ref.XsecToken != "" {
			if ref.XsecSource != "" {
				source = ref.XsecSource
			}
			return ref.XsecToken, source
		}
	}
	return "", source
}

func parseComment(c commentWire, noteID string) *model.Comment {
	sub, _ := strconv.Atoi(string(c.SubCommentCount))
	return &model.Comment{
		CommentID:       c.ID,
		NoteID:          noteID,
		Platform:        model.PlatformXHS,
		Content:         c.Content,
		UserID:          c.UserInfo.UserID,
		Nickname:        c.UserInfo.Nickname,
		Avatar:          c.UserInfo.Image,
		LikeCount:       c.LikeCount.orZero(),
		SubCommentCount: sub,
		CreateTime:      c.CreateTime,
		IPLocation:      c.IPLocation,
	}
}
