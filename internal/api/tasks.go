package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/task"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
)

type TaskHandler struct {
	tasks *task.Service
}

func NewTaskHandler(tasks *task.Service) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

type taskPage struct {
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Items    []*model.Task `json:"items"`
}

func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var in model.TaskInput
	if err := jsoniter.NewDecoder(r.Body).Decode(&in); err != nil {
		doBadResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, err := h.tasks.Create(r.Context(), in)
	if err != nil {
		doError(w, err, "create task")
		return
	}
	doSuccess(w, http.StatusCreated, t)
}

func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.TaskFilter{
		Status:   model.TaskStatus(q.Get("status")),
		Platform: model.ParsePlatform(q.Get("platform")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		doBadResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	var err error
	if filter.Page, err = intParam(q.Get("page"), 1); err != nil {
		doBadResponse(w, http.StatusBadRequest, "invalid page")
		return
	}
	if filter.PageSize, err = intParam(q.Get("page_size"), 20); err != nil {
		doBadResponse(w, http.StatusBadRequest, "invalid page_size")
		return
	}

	items, total, err := h.tasks.List(r.Context(), filter)
	if err != nil {
		doError(w, err, "list tasks")
		return
	}
	doSuccess(w, http.StatusOK, taskPage{Total: total, Page: filter.Page, PageSize: filter.PageSize, Items: items})
}

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		doError(w, err, "get task")
		return
	}
	doSuccess(w, http.StatusOK, t)
}

// StartTask launches a pending task.
func (h *TaskHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := h.tasks.Start(r.Context(), id)
	if err != nil {
		doError(w, err, "start task")
		return
	}
	slog.Debug("task started via api.", slog.String("task_id", id))
	doSuccess(w, http.StatusOK, t)
}

func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		doError(w, err, "cancel task")
		return
	}
	doSuccess(w, http.StatusOK, t)
}

func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.tasks.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		doError(w, err, "delete task")
		return
	}
	doSuccess(w, http.StatusOK, nil)
}

// intParam parses an optional positive query value.
func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%q: %w", raw, errs.ErrValidation)
	}
	return n, nil
}
