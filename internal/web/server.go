// Package web is the job-control surface consumed by the dashboard and bot:
// a small JSON API over the orchestrator, job repo, and credential store.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/venue-scheduler/internal/auth"
	"github.com/example/venue-scheduler/internal/creds"
	"github.com/example/venue-scheduler/internal/db"
	"github.com/example/venue-scheduler/internal/jobs"
	"github.com/example/venue-scheduler/internal/orchestrator"
	"github.com/example/venue-scheduler/internal/telemetry"
)

type Server struct {
	Auth  *auth.Store
	Orch  *orchestrator.Orchestrator
	Jobs  *jobs.Repo
	Creds *creds.Store
	Log   *logrus.Entry
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", telemetry.Handler())

	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/jobs", s.handleJobList)
	api.HandleFunc("POST /api/jobs", s.handleJobCreate)
	api.HandleFunc("GET /api/jobs/{id}", s.handleJobGet)
	api.HandleFunc("DELETE /api/jobs/{id}", s.handleJobDelete)
	api.HandleFunc("GET /api/jobs/{id}/attempts", s.handleJobAttempts)
	api.HandleFunc("GET /api/jobs/{id}/log", s.handleJobLog)
	api.HandleFunc("POST /api/jobs/{id}/pause", s.jobAction(s.Orch.Pause))
	api.HandleFunc("POST /api/jobs/{id}/resume", s.jobAction(s.Orch.Resume))
	api.HandleFunc("POST /api/jobs/{id}/stop", s.jobAction(s.Orch.Stop))
	api.HandleFunc("GET /api/accounts", s.handleAccountList)
	mux.Handle("/api/", s.Auth.RequireAuth(api))

	return mux
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	id, err := s.Auth.Authenticate(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// jobView is the wire shape for a job record.
type jobView struct {
	ID        string      `json:"id"`
	Kind      jobs.Kind   `json:"kind"`
	Name      string      `json:"name"`
	Status    jobs.Status `json:"status"`
	Spec      jobs.Spec   `json:"spec"`
	State     jobs.State  `json:"state"`
	PID       int         `json:"pid,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	StoppedAt *time.Time  `json:"stopped_at,omitempty"`
}

func viewOf(j jobs.Job) jobView {
	return jobView{
		ID: j.ID, Kind: j.Kind, Name: j.Name, Status: j.Status,
		Spec: j.Spec, State: j.State, PID: j.PID, LastError: j.LastError,
		CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, StoppedAt: j.StoppedAt,
	}
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	list, err := s.Jobs.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	running := 0
	views := make([]jobView, 0, len(list))
	for _, j := range list {
		if j.Status == jobs.StatusRunning {
			running++
		}
		views = append(views, viewOf(j))
	}
	telemetry.JobsRunning.Set(float64(running))
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var spec jobs.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := spec.Validate(); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	j, err := s.Orch.Create(r.Context(), spec)
	if err != nil {
		s.Log.WithError(err).Error("create job")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(j))
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(j))
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Orch.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeRepoError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleJobAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.Jobs.ListAttempts(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	type attemptView struct {
		Account string `json:"account"`
		Date    string `json:"slot_date"`
		Window  string `json:"slot_window"`
		Outcome string `json:"outcome"`
		OrderID string `json:"order_id,omitempty"`
		Message string `json:"message,omitempty"`
	}
	out := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptView{a.Account, a.SlotDate, a.SlotWindow, a.Outcome, a.OrderID, a.Message})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"attempts": out})
}

func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	n := int64(64 * 1024)
	if q := r.URL.Query().Get("bytes"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			n = v
		}
	}
	data, err := s.Orch.TailLog(r.Context(), r.PathValue("id"), n)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) jobAction(fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), r.PathValue("id")); err != nil {
			s.writeRepoError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// handleAccountList never exposes cookies, tokens, or passwords.
func (s *Server) handleAccountList(w http.ResponseWriter, r *http.Request) {
	list, err := s.Creds.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type accountView struct {
		Nickname  string    `json:"nickname"`
		Username  string    `json:"username,omitempty"`
		HasCookie bool      `json:"has_cookie"`
		Invalid   bool      `json:"invalid"`
		ExpiresAt time.Time `json:"expires_at,omitempty"`
	}
	out := make([]accountView, 0, len(list))
	for _, a := range list {
		out = append(out, accountView{
			Nickname: a.Nickname, Username: a.Username,
			HasCookie: a.Cookie != "", Invalid: a.Invalid, ExpiresAt: a.ExpiresAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Log.WithError(err).Warn("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

// Start runs the HTTP server until ctx is cancelled, then drains.
func Start(ctx context.Context, addr string, h http.Handler, log *logrus.Entry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", addr).Info("listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
