package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
)

// In-memory repositories back the "memory" storage driver and the package tests.
// Every read returns a copy so callers never share state with the store.

type MemoryCredentialRepository struct {
	mu    sync.RWMutex
	items map[string]*model.Credential
}

func NewMemoryCredentialRepository() *MemoryCredentialRepository {
	return &MemoryCredentialRepository{items: make(map[string]*model.Credential)}
}

func (r *MemoryCredentialRepository) Insert(_ context.Context, c *model.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[c.ID]; ok {
		return fmt.Errorf("credential %s: %w", c.ID, errs.ErrDuplicate)
	}
	cp := *c
	r.items[c.ID] = &cp
	return nil
}

func (r *MemoryCredentialRepository) Get(_ context.Context, id string) (*model.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, errs.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryCredentialRepository) List(_ context.Context, platform model.Platform,
	status model.CredentialStatus) ([]*model.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*model.Credential, 0, len(r.items))
	for _, c := range r.items {
		if platform != "" && c.Platform != platform {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
		res = append(res, &cp)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (r *MemoryCredentialRepository) ListActive(_ context.Context, platform model.Platform) ([]*model.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*model.Credential, 0, len(r.items))
	for _, c := range r.items {
		if c.Platform == platform && c.Status == model.CredentialActive {
			cp := *c
			res = append(res, &cp)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (r *MemoryCredentialRepository) MarkUsed(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(c *model.Credential) {
		c.UseCount++
		c.LastUsedAt = &at
		c.UpdatedAt = at
	})
}

func (r *MemoryCredentialRepository) RecordOutcome(_ context.Context, id string, status model.CredentialStatus,
	success bool) error {
	return r.update(id, func(c *model.Credential) {
		c.Status = status
		if success {
			c.SuccessCount++
		} else {
			c.FailCount++
		}
		c.UpdatedAt = time.Now().UTC()
	})
}

func (r *MemoryCredentialRepository) MarkChecked(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(c *model.Credential) {
		c.LastCheckedAt = &at
		c.UpdatedAt = at
	})
}

func (r *MemoryCredentialRepository) ReplaceCookie(_ context.Context, id, cookie string, cookies map[string]string,
	at time.Time) error {
	return r.update(id, func(c *model.Credential) {
		c.Cookie = cookie
		c.Cookies = cookies
		c.Status = model.CredentialActive
		c.UpdatedAt = at
	})
}

func (r *MemoryCredentialRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("credential %s: %w", id, errs.ErrNotFound)
	}
	delete(r.items, id)
	return nil
}

func (r *MemoryCredentialRepository) update(id string, fn func(c *model.Credential)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, errs.ErrNotFound)
	}
	fn(c)
	return nil
}

type MemoryProxyRepository struct {
	mu    sync.RWMutex
	items map[string]*model.Proxy
}

func NewMemoryProxyRepository() *MemoryProxyRepository {
	return &MemoryProxyRepository{items: make(map[string]*model.Proxy)}
}

func (r *MemoryProxyRepository) Insert(_ context.Context, p *model.Proxy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.items {
		if existing.ProxyURL == p.ProxyURL {
			return fmt.Errorf("proxy %s: %w", p.ProxyURL, errs.ErrDuplicate)
		}
	}
	cp := *p
	r.items[p.ID] = &cp
	return nil
}

func (r *MemoryProxyRepository) Get(_ context.Context, id string) (*model.Proxy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("proxy %s: %w", id, errs.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryProxyRepository) List(_ context.Context, status model.ProxyStatus) ([]*model.Proxy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*model.Proxy, 0, len(r.items))
	for _, p := range r.items {
		if status != "" && p.Status != status {
			continue
		}
		cp := *p
		res = append(res, &cp)
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].SuccessRate != res[j].SuccessRate {
			return res[i].SuccessRate > res[j].SuccessRate
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (r *MemoryProxyRepository) MarkUsed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[id]
	if !ok {
		return fmt.Errorf("proxy %s: %w", id, errs.ErrNotFound)
	}
	p.UseCount++
	p.LastUsedAt = &at
	p.UpdatedAt = at
	return nil
}

func (r *MemoryProxyRepository) RecordOutcome(_ context.Context, proxyURL string, success bool, minSamples int,
	belowRate float64) (*model.Proxy, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.items {
		if p.ProxyURL != proxyURL {
			continue
		}
		retired := p.ApplyOutcome(success, minSamples, belowRate)
		p.UpdatedAt = time.Now().UTC()
		cp := *p
		return &cp, retired, nil
	}
	return nil, false, fmt.Errorf("proxy %s: %w", proxyURL, errs.ErrNotFound)
}

func (r *MemoryProxyRepository) UpdateCheck(_ context.Context, id string, status model.ProxyStatus,
	at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[id]
	if !ok {
		return fmt.Errorf("proxy %s: %w", id, errs.ErrNotFound)
	}
	p.Status = status
	p.LastCheckAt = &at
	p.UpdatedAt = at
	return nil
}

func (r *MemoryProxyRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("proxy %s: %w", id, errs.ErrNotFound)
	}
	delete(r.items, id)
	return nil
}

type MemoryTaskRepository struct {
	mu    sync.RWMutex
	items map[string]*model.Task
}

func NewMemoryTaskRepository() *MemoryTaskRepository {
	return &MemoryTaskRepository{items: make(map[string]*model.Task)}
}

func copyTask(t *model.Task) *model.Task {
	cp := *t
	cp.Keywords = append([]string(nil), t.Keywords...)
	return &cp
}

func (r *MemoryTaskRepository) Insert(_ context.Context, t *model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[t.TaskID]; ok {
		return fmt.Errorf("task %s: %w", t.TaskID, errs.ErrDuplicate)
	}
	r.items[t.TaskID] = copyTask(t)
	return nil
}

func (r *MemoryTaskRepository) Get(_ context.Context, id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	return copyTask(t), nil
}

func (r *MemoryTaskRepository) List(_ context.Context, filter model.TaskFilter) ([]*model.Task, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := make([]*model.Task, 0, len(r.items))
	for _, t := range r.items {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Platform != "" && t.Platform != filter.Platform {
			continue
		}
		matched = append(matched, copyTask(t))
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	skip, limit := pageBounds(filter)
	if skip >= len(matched) {
		return []*model.Task{}, total, nil
	}
	end := skip + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[skip:end], total, nil
}

func (r *MemoryTaskRepository) ListByStatus(_ context.Context, status model.TaskStatus) ([]*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*model.Task, 0)
	for _, t := range r.items {
		if t.Status == status {
			res = append(res, copyTask(t))
		}
	}
	return res, nil
}

func (r *MemoryTaskRepository) Transition(_ context.Context, id string, from []model.TaskStatus,
	to model.TaskStatus, upd TaskUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.items[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	if !containsStatus(from, t.Status) {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, errs.ErrInvalidTransition)
	}
	t.Status = to
	if upd.StartedAt != nil {
		t.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		t.CompletedAt = upd.CompletedAt
	}
	if upd.Error != "" {
		t.Error = upd.Error
	}
	if upd.Progress != nil {
		t.Progress = *upd.Progress
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryTaskRepository) UpdateProgress(_ context.Context, id string, p model.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.items[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	t.Progress = p
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryTaskRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	delete(r.items, id)
	return nil
}

type MemoryCheckpointRepository struct {
	mu    sync.RWMutex
	items map[string]*model.Checkpoint
}

func NewMemoryCheckpointRepository() *MemoryCheckpointRepository {
	return &MemoryCheckpointRepository{items: make(map[string]*model.Checkpoint)}
}

func (r *MemoryCheckpointRepository) Upsert(_ context.Context, taskID string, data model.CheckpointData,
	at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[taskID] = &model.Checkpoint{
		TaskID:         taskID,
		Data:           data,
		CheckpointTime: at,
		Status:         model.CheckpointActive,
	}
	return nil
}

func (r *MemoryCheckpointRepository) GetActive(_ context.Context, taskID string) (*model.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp, ok := r.items[taskID]
	if !ok || cp.Status != model.CheckpointActive {
		return nil, nil
	}
	res := *cp
	return &res, nil
}

func (r *MemoryCheckpointRepository) SoftDelete(_ context.Context, taskID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cp, ok := r.items[taskID]; ok {
		cp.Status = model.CheckpointDeleted
		cp.DeletedAt = &at
	}
	return nil
}

func (r *MemoryCheckpointRepository) List(_ context.Context, status model.CheckpointStatus,
	limit int) ([]*model.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*model.Checkpoint, 0, len(r.items))
	for _, cp := range r.items {
		if cp.Status == status {
			c := *cp
			res = append(res, &c)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CheckpointTime.After(res[j].CheckpointTime) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

type MemoryContentRepository struct {
	mu       sync.RWMutex
	notes    map[string]*model.Note
	comments map[string]*model.Comment
}

func NewMemoryContentRepository() *MemoryContentRepository {
	return &MemoryContentRepository{
		notes:    make(map[string]*model.Note),
		comments: make(map[string]*model.Comment),
	}
}

func (r *MemoryContentRepository) UpsertNote(_ context.Context, n *model.Note) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	cp.CrawledAt = time.Now().UTC()
	if old, ok := r.notes[n.NoteID]; ok {
		if cp.XsecToken == "" {
			cp.XsecToken = old.XsecToken
		}
		if cp.XsecSource == "" {
			cp.XsecSource = old.XsecSource
		}
		if len(cp.MediaKeys) == 0 {
			cp.MediaKeys = old.MediaKeys
		}
	}
	r.notes[n.NoteID] = &cp
	return nil
}

func (r *MemoryContentRepository) UpsertComment(_ context.Context, c *model.Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	cp.CrawledAt = time.Now().UTC()
	r.comments[c.CommentID] = &cp
	return nil
}

func (r *MemoryContentRepository) GetNote(_ context.Context, noteID string) (*model.Note, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notes[noteID]
	if !ok {
		return nil, fmt.Errorf("note %s: %w", noteID, errs.ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (r *MemoryContentRepository) SetNoteToken(_ context.Context, noteID, token, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[noteID]
	if !ok {
		return fmt.Errorf("note %s: %w", noteID, errs.ErrNotFound)
	}
	n.XsecToken = token
	n.XsecSource = source
	return nil
}

func (r *MemoryContentRepository) SetNoteMedia(_ context.Context, noteID string, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[noteID]
	if !ok {
		return fmt.Errorf("note %s: %w", noteID, errs.ErrNotFound)
	}
	n.MediaKeys = append([]string(nil), keys...)
	return nil
}

func (r *MemoryContentRepository) CountNotes(_ context.Context, taskID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, note := range r.notes {
		if taskID == "" || note.TaskID == taskID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryContentRepository) CountComments(_ context.Context, noteID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, c := range r.comments {
		if noteID == "" || c.NoteID == noteID {
			n++
		}
	}
	return n, nil
}

// Notes returns every stored note. Intended for tests and debugging.
func (r *MemoryContentRepository) Notes() []*model.Note {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*model.Note, 0, len(r.notes))
	for _, n := range r.notes {
		cp := *n
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].NoteID < res[j].NoteID })
	return res
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func pageBounds(filter model.TaskFilter) (skip, limit int) {
	page, size := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return (page - 1) * size, size
}
