package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type Handlers struct {
	Tasks       *TaskHandler
	Accounts    *AccountHandler
	Proxies     *ProxyHandler
	Checkpoints *CheckpointHandler
}

func NewRouter(h *Handlers) *mux.Router {
	router := mux.NewRouter()
	router.Use(logRequests, allowCORS)

	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		doSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	taskRouter := apiRouter.PathPrefix("/tasks").Subrouter()
	taskRouter.HandleFunc("", h.Tasks.CreateTask).Methods("POST")
	taskRouter.HandleFunc("", h.Tasks.ListTasks).Methods("GET")
	taskRouter.HandleFunc("/{id}", h.Tasks.GetTask).Methods("GET")
	taskRouter.HandleFunc("/{id}", h.Tasks.StartTask).Methods("PUT")
	taskRouter.HandleFunc("/{id}", h.Tasks.DeleteTask).Methods("DELETE")
	taskRouter.HandleFunc("/{id}/cancel", h.Tasks.CancelTask).Methods("POST")

	accountRouter := apiRouter.PathPrefix("/accounts").Subrouter()
	accountRouter.HandleFunc("", h.Accounts.ListAccounts).Methods("GET")
	accountRouter.HandleFunc("", h.Accounts.AddAccount).Methods("POST")
	accountRouter.HandleFunc("/{id}", h.Accounts.GetAccount).Methods("GET")
	accountRouter.HandleFunc("/{id}", h.Accounts.UpdateAccount).Methods("PUT")
	accountRouter.HandleFunc("/{id}", h.Accounts.DeleteAccount).Methods("DELETE")
	accountRouter.HandleFunc("/{id}/check", h.Accounts.CheckAccount).Methods("POST")

	proxyRouter := apiRouter.PathPrefix("/proxies").Subrouter()
	proxyRouter.HandleFunc("", h.Proxies.ListProxies).Methods("GET")
	proxyRouter.HandleFunc("", h.Proxies.AddProxy).Methods("POST")
	// registered before /{id} so the literal segment wins
	proxyRouter.HandleFunc("/health-check", h.Proxies.HealthCheck).Methods("POST")
	proxyRouter.HandleFunc("/{id}", h.Proxies.DeleteProxy).Methods("DELETE")

	checkpointRouter := apiRouter.PathPrefix("/checkpoints").Subrouter()
	checkpointRouter.HandleFunc("", h.Checkpoints.ListCheckpoints).Methods("GET")
	checkpointRouter.HandleFunc("/{task_id}", h.Checkpoints.GetCheckpoint).Methods("GET")
	checkpointRouter.HandleFunc("/{task_id}", h.Checkpoints.DeleteCheckpoint).Methods("DELETE")

	return router
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request served.", slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.Duration("took", time.Since(start)))
	})
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}
