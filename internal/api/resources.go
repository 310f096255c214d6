package api

import (
	"fmt"
	"net/http"

	"github.com/IliaW/note-crawler/internal/account"
	"github.com/IliaW/note-crawler/internal/checkpoint"
	"github.com/IliaW/note-crawler/internal/errs"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/proxy"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
)

// AccountHandler manages platform credentials. Cookies are redacted in every
// response.
type AccountHandler struct {
	pool    *account.Pool
	checker account.CredentialChecker
}

func NewAccountHandler(pool *account.Pool, checker account.CredentialChecker) *AccountHandler {
	return &AccountHandler{pool: pool, checker: checker}
}

func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.CredentialStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		doBadResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	creds, err := h.pool.List(r.Context(), model.ParsePlatform(q.Get("platform")), status)
	if err != nil {
		doError(w, err, "list accounts")
		return
	}
	doSuccess(w, http.StatusOK, creds)
}

func (h *AccountHandler) AddAccount(w http.ResponseWriter, r *http.Request) {
	var in model.CredentialInput
	if err := jsoniter.NewDecoder(r.Body).Decode(&in); err != nil {
		doBadResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cred, err := h.pool.Add(r.Context(), in)
	if err != nil {
		doError(w, err, "add account")
		return
	}
	doSuccess(w, http.StatusCreated, cred.Redacted())
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	cred, err := h.pool.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		doError(w, err, "get account")
		return
	}
	doSuccess(w, http.StatusOK, cred.Redacted())
}

type cookieUpdate struct {
	Cookie string `json:"cookie"`
}

// UpdateAccount swaps in a freshly captured cookie and reactivates the account.
func (h *AccountHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var in cookieUpdate
	if err := jsoniter.NewDecoder(r.Body).Decode(&in); err != nil {
		doBadResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cred, err := h.pool.UpdateCookie(r.Context(), mux.Vars(r)["id"], in.Cookie)
	if err != nil {
		doError(w, err, "update account")
		return
	}
	doSuccess(w, http.StatusOK, cred.Redacted())
}

func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		doError(w, err, "delete account")
		return
	}
	doSuccess(w, http.StatusOK, nil)
}

// CheckAccount asks the platform whether the credential is still logged in. A
// rejected credential comes back as expired.
func (h *AccountHandler) CheckAccount(w http.ResponseWriter, r *http.Request) {
	cred, err := h.pool.Validate(r.Context(), mux.Vars(r)["id"], h.checker)
	if err != nil {
		doError(w, err, "check account")
		return
	}
	doSuccess(w, http.StatusOK, cred.Redacted())
}

type ProxyHandler struct {
	pool *proxy.Pool
}

func NewProxyHandler(pool *proxy.Pool) *ProxyHandler {
	return &ProxyHandler{pool: pool}
}

type healthCheckResult struct {
	Checked int `json:"checked"`
	Alive   int `json:"alive"`
}

func (h *ProxyHandler) ListProxies(w http.ResponseWriter, r *http.Request) {
	status := model.ProxyStatus(r.URL.Query().Get("status"))
	proxies, err := h.pool.List(r.Context(), status)
	if err != nil {
		doError(w, err, "list proxies")
		return
	}
	doSuccess(w, http.StatusOK, proxies)
}

func (h *ProxyHandler) AddProxy(w http.ResponseWriter, r *http.Request) {
	var in model.ProxyInput
	if err := jsoniter.NewDecoder(r.Body).Decode(&in); err != nil {
		doBadResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	px, err := h.pool.Add(r.Context(), in)
	if err != nil {
		doError(w, err, "add proxy")
		return
	}
	doSuccess(w, http.StatusCreated, px.Redacted())
}

func (h *ProxyHandler) DeleteProxy(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		doError(w, err, "delete proxy")
		return
	}
	doSuccess(w, http.StatusOK, nil)
}

func (h *ProxyHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	checked, alive, err := h.pool.HealthCheck(r.Context())
	if err != nil {
		doError(w, err, "proxy health check")
		return
	}
	doSuccess(w, http.StatusOK, healthCheckResult{Checked: checked, Alive: alive})
}

type CheckpointHandler struct {
	store *checkpoint.Store
}

func NewCheckpointHandler(store *checkpoint.Store) *CheckpointHandler {
	return &CheckpointHandler{store: store}
}

func (h *CheckpointHandler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.CheckpointStatus(q.Get("status"))
	if status != "" && status != model.CheckpointActive && status != model.CheckpointDeleted {
		doBadResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		doBadResponse(w, http.StatusBadRequest, "invalid limit")
		return
	}
	cps, err := h.store.List(r.Context(), status, limit)
	if err != nil {
		doError(w, err, "list checkpoints")
		return
	}
	doSuccess(w, http.StatusOK, cps)
}

func (h *CheckpointHandler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	cp, err := h.store.Get(r.Context(), taskID)
	if err != nil {
		doError(w, err, "get checkpoint")
		return
	}
	if cp == nil {
		doError(w, fmt.Errorf("checkpoint for task %s: %w", taskID, errs.ErrNotFound), "get checkpoint")
		return
	}
	doSuccess(w, http.StatusOK, cp)
}

func (h *CheckpointHandler) DeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), mux.Vars(r)["task_id"]); err != nil {
		doError(w, err, "delete checkpoint")
		return
	}
	doSuccess(w, http.StatusOK, nil)
}
