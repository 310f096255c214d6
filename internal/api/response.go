package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/IliaW/note-crawler/internal/errs"
	jsoniter "github.com/json-iterator/go"
)

const (
	codeOK    = 0
	codeError = 1
)

// Envelope wraps every API response.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func doJSON(w http.ResponseWriter, status int, env Envelope) {
	body, err := jsoniter.Marshal(env)
	if err != nil {
		slog.Error("failed to marshal response.", slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if _, err = w.Write(body); err != nil {
		slog.Error("failed to write response.", slog.String("err", err.Error()))
	}
}

func doSuccess(w http.ResponseWriter, status int, data any) {
	doJSON(w, status, Envelope{Code: codeOK, Message: "success", Data: data})
}

func doBadResponse(w http.ResponseWriter, status int, message string) {
	doJSON(w, status, Envelope{Code: codeError, Message: message})
}

// doError maps a service error to an HTTP status and logs it.
func doError(w http.ResponseWriter, err error, op string) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed.", slog.String("err", err.Error()))
		doBadResponse(w, status, "internal error")
		return
	}
	slog.Warn(op+" rejected.", slog.String("err", err.Error()))
	doBadResponse(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrNotStartable), errors.Is(err, errs.ErrInvalidTransition),
		errors.Is(err, errs.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
