// Package httpapi is the HTTP surface the rest of Kiso is driven through:
// POST /msg enqueues a chat turn, GET /status polls a session's plan, and a
// handful of admin/session/pub routes round out the contract. It owns no
// business logic of its own; every route either persists via the store
// directly or calls into the supervisor.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/config"
	"github.com/kiso-run/kiso/internal/kiso/pubtoken"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/supervisor"
	"github.com/kiso-run/kiso/internal/kiso/worker"
)

var (
	sessionPattern = regexp.MustCompile(`^[A-Za-z0-9_@.\-]{1,255}$`)
	userPattern    = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
)

const maxBodyBytes = 1 << 20

// Server serves the HTTP contract described at package level over a single
// net/http.Server, started and stopped explicitly by the caller (cmd/kiso).
type Server struct {
	httpServer *http.Server

	store        *store.Store
	cfgStore     *config.Store
	supervisor   *supervisor.Supervisor
	serverSecret string
	sessionsRoot string
}

// New builds a Server bound to addr. It does not start listening until
// Start is called. sessionsRoot is the same pre-expanded directory passed to
// every worker's Deps.SessionsRoot, used here to locate pub/ files.
func New(addr string, st *store.Store, cfgStore *config.Store, sup *supervisor.Supervisor, serverSecret, sessionsRoot string) *Server {
	s := &Server{
		store:        st,
		cfgStore:     cfgStore,
		supervisor:   sup,
		serverSecret: serverSecret,
		sessionsRoot: sessionsRoot,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/msg", s.handleMsg)
	mux.HandleFunc("/status/", s.handleStatus)
	mux.HandleFunc("/sessions", s.handleCreateSession)
	mux.HandleFunc("/sessions/", s.handleCancel)
	mux.HandleFunc("/admin/reload-env", s.handleReloadEnv)
	mux.HandleFunc("/pub/", s.handlePub)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background until ctx is
// cancelled, at which point it shuts the server down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", s.httpServer.Addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("httpapi: serve failed", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	slog.Info("httpapi: listening", "addr", s.httpServer.Addr)
	return nil
}

// Handler exposes the underlying mux, letting tests drive the routes
// through an httptest.Server without binding a real listener via Start.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Stop shuts the server down, giving in-flight requests up to 5s to finish.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("httpapi: shutdown did not complete cleanly", "err", err)
	}
}

// --- POST /msg ---

type msgRequest struct {
	Session string `json:"session"`
	User    string `json:"user"`
	Content string `json:"content"`
}

type msgResponse struct {
	Queued    bool   `json:"queued"`
	Session   string `json:"session"`
	Untrusted bool   `json:"untrusted,omitempty"`
}

func (s *Server) handleMsg(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req msgRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !sessionPattern.MatchString(req.Session) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if req.User != "" && !userPattern.MatchString(req.User) {
		writeError(w, http.StatusBadRequest, "invalid user")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	cfg := s.cfgStore.Current()
	trusted := req.User == ""
	if !trusted {
		_, trusted = cfg.Aliases[req.User]
	}
	if !trusted {
		writeJSON(w, http.StatusAccepted, msgResponse{Queued: false, Session: req.Session, Untrusted: true})
		return
	}

	if err := s.store.CreateOrUpdateSession(req.Session, "", "", ""); err != nil {
		writeError(w, http.StatusInternalServerError, "could not register session")
		return
	}
	msgID, err := s.store.SaveMessage(req.Session, req.User, store.RoleUser, req.Content, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not save message")
		return
	}

	s.supervisor.OnMessage(req.Session, worker.Message{ID: msgID, User: req.User, Content: req.Content, Trusted: true})
	writeJSON(w, http.StatusAccepted, msgResponse{Queued: true, Session: req.Session})
}

// --- GET /status/{session} ---

type statusTask struct {
	ID             int64                `json:"id"`
	Index          int                  `json:"index"`
	Type           string               `json:"type"`
	Detail         string               `json:"detail"`
	Status         string               `json:"status"`
	Output         string               `json:"output"`
	Substatus      string               `json:"substatus,omitempty"`
	ReviewVerdict  string               `json:"review_verdict,omitempty"`
	ReviewReason   string               `json:"review_reason,omitempty"`
	ReviewLearning string               `json:"review_learning,omitempty"`
	LLMCalls       []store.LLMCallAudit `json:"llm_calls,omitempty"`
}

type statusResponse struct {
	Tasks         []statusTask `json:"tasks"`
	QueueLength   int          `json:"queue_length"`
	Plan          *store.Plan  `json:"plan,omitempty"`
	WorkerRunning bool         `json:"worker_running"`
	ActiveTask    int64        `json:"active_task,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session := strings.TrimPrefix(r.URL.Path, "/status/")
	if !sessionPattern.MatchString(session) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var afterID int64
	if v := r.URL.Query().Get("after"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		afterID = id
	}
	verbose := r.URL.Query().Get("verbose") == "true"

	status, err := s.store.GetStatus(session, afterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load status")
		return
	}

	running, queueLength, activeTask := s.supervisor.WorkerStatus(session)

	resp := statusResponse{
		Tasks:         make([]statusTask, 0, len(status.Tasks)),
		QueueLength:   queueLength,
		Plan:          status.Plan,
		WorkerRunning: running,
		ActiveTask:    activeTask,
	}
	for _, t := range status.Tasks {
		st := statusTask{
			ID:             t.ID,
			Index:          t.Index,
			Type:           t.Type,
			Detail:         t.Detail,
			Status:         t.Status,
			Output:         t.Output,
			Substatus:      t.Substatus,
			ReviewVerdict:  t.ReviewVerdict.String,
			ReviewReason:   t.ReviewReason.String,
			ReviewLearning: t.ReviewLearning.String,
		}
		if verbose && status.Plan != nil {
			for _, call := range status.Plan.LLMCalls {
				st.LLMCalls = append(st.LLMCalls, call)
			}
		}
		resp.Tasks = append(resp.Tasks, st)
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- POST /sessions ---

type createSessionRequest struct {
	Session     string `json:"session"`
	Webhook     string `json:"webhook"`
	Description string `json:"description"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !sessionPattern.MatchString(req.Session) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := s.store.CreateOrUpdateSession(req.Session, "", req.Webhook, req.Description); err != nil {
		writeError(w, http.StatusInternalServerError, "could not register session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session": req.Session})
}

// --- POST /sessions/{session}/cancel ---

type cancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	PlanID    *int64 `json:"plan_id,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	session, ok := strings.CutSuffix(path, "/cancel")
	if !ok || !sessionPattern.MatchString(session) {
		http.NotFound(w, r)
		return
	}

	running, _, _ := s.supervisor.WorkerStatus(session)
	if !running {
		writeJSON(w, http.StatusOK, cancelResponse{Cancelled: false})
		return
	}

	var planID *int64
	if plan, err := s.store.LatestPlanForSession(session); err == nil {
		planID = &plan.ID
	}

	s.supervisor.OnCancel(session)
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: true, PlanID: planID})
}

// --- POST /admin/reload-env ---

func (s *Server) handleReloadEnv(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.isAdmin(r) {
		writeError(w, http.StatusUnauthorized, "admin authorization required")
		return
	}
	if err := s.cfgStore.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	slog.Info("httpapi: config reloaded via admin request")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// isAdmin resolves the bearer token as an alias key and requires its Admin
// flag, mirroring the alias-keyed trust check already used by the worker
// for per-message user validation.
func (s *Server) isAdmin(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return false
	}
	alias, ok := s.cfgStore.Current().Aliases[token]
	return ok && alias.Admin
}

// --- GET /pub/{token}/{filename} ---

// handlePub has no session in the URL, so it resolves the token against
// every known session's (session, filename) pair until one verifies; the
// HMAC is the only capability check, there is no per-session database flag.
func (s *Server) handlePub(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/pub/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	token, filename := parts[0], parts[1]
	if strings.Contains(filename, "..") {
		http.NotFound(w, r)
		return
	}

	sessions, err := s.store.ListSessions()
	if err != nil {
		http.NotFound(w, r)
		return
	}
	for _, sess := range sessions {
		if pubtoken.Verify(s.serverSecret, sess.Session, filename, token) {
			path := filepath.Join(s.sessionsRoot, sess.Session, "pub", filename)
			http.ServeFile(w, r, path)
			return
		}
	}
	http.NotFound(w, r)
}

// --- GET /health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
