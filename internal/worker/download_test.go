package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryMediaStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemoryMediaStore() *memoryMediaStore {
	return &memoryMediaStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (s *memoryMediaStore) WriteMedia(_ context.Context, key string, body []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
	s.types[key] = contentType
	return key, nil
}

func TestDownloaderStoresMedia(t *testing.T) {
	var (
		mu      sync.Mutex
		referer string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		referer = r.Header.Get("Referer")
		mu.Unlock()
		switch r.URL.Path {
		case "/img/1.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg"))
		case "/video":
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write([]byte("mp4!"))
		case "/big.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := newMemoryMediaStore()
	d := NewDownloader(store, &config.DownloadConfig{MaxSizeBytes: 16, Timeout: 5 * time.Second}, nil, "test-agent",
		telemetry.NopMetrics().CrawlMetrics)
	note := &model.Note{
		NoteID:    "n1",
		Platform:  model.PlatformXHS,
		NoteURL:   "https://www.xiaohongshu.com/explore/n1",
		ImageList: []string{srv.URL + "/img/1.jpg", srv.URL + "/big.png", srv.URL + "/missing.jpg"},
		VideoURL:  srv.URL + "/video",
	}

	keys, err := d.Download(context.Background(), note)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errTooLarge))
	require.Len(t, keys, 2)
	assert.True(t, strings.HasPrefix(keys[0], "xhs/n1/"))
	assert.True(t, strings.HasSuffix(keys[0], ".jpg"))
	assert.Equal(t, []byte("jpeg"), store.objects[keys[0]])
	assert.Equal(t, "video/mp4", store.types[keys[1]])
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, note.NoteURL, referer)
}

func TestMediaKey(t *testing.T) {
	note := &model.Note{NoteID: "n1", Platform: model.PlatformXHS}
	tests := []struct {
		name        string
		url         string
		contentType string
		wantSuffix  string
	}{
		{name: "extension from path", url: "https://cdn/a/b.JPG", wantSuffix: ".jpg"},
		{name: "extension from content type", url: "https://cdn/a/b", contentType: "image/png", wantSuffix: ".png"},
		{name: "unknown", url: "https://cdn/a/b", wantSuffix: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := mediaKey(note, tt.url, tt.contentType)
			assert.True(t, strings.HasPrefix(key, "xhs/n1/"))
			assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(key, "xhs/n1/"), tt.wantSuffix), 16)
		})
	}
}
