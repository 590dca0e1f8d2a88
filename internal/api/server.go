package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/warden/internal/conversation"
	"github.com/MikeSquared-Agency/warden/internal/governor"
	"github.com/MikeSquared-Agency/warden/internal/quota"
)

// Service is the governor surface the HTTP layer exposes.
type Service interface {
	HandleQuery(ctx context.Context, q governor.Query) (*governor.Answer, error)
	Transcript(ctx context.Context, user, id string) (conversation.Transcript, error)
	DeleteConversation(ctx context.Context, user, id string) (bool, error)
	Conversations(ctx context.Context, user string) ([]conversation.Summary, error)
	Available(ctx context.Context, limiter, subject string) (int64, error)
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

const maxBodyBytes = 1 << 20

type Server struct {
	router  *chi.Mux
	service Service
	checks  []Check
	logger  *slog.Logger
	http    *http.Server
}

func NewServer(port int, auth Auth, service Service, logger *slog.Logger, checks ...Check) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		service: service,
		checks:  checks,
		logger:  logger,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	router.Get("/health", s.health)
	router.Get("/readiness", s.readiness)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware())
		r.Post("/query", s.query)
		r.Get("/conversations", s.listConversations)
		r.Get("/conversations/{id}", s.getConversation)
		r.Delete("/conversations/{id}", s.deleteConversation)
		r.Get("/quota/{limiter}/{subject}", s.getQuota)
	})

	return s
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for _, c := range s.checks {
		if err := c.Fn(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[c.Name] = err.Error()
			continue
		}
		results[c.Name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": results})
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var q governor.Query
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&q); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  string(governor.CodeInvalidRequest),
			"detail": "invalid JSON: " + err.Error(),
		})
		return
	}
	if id, ok := UserFrom(r.Context()); ok {
		q.UserID = id
	} else if q.UserID == "" {
		q.UserID = callerID(r)
	}

	answer, err := s.service.HandleQuery(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// callerID returns the token subject, falling back to the X-User-ID header
// when authentication does not carry a user.
func callerID(r *http.Request) string {
	if id, ok := UserFrom(r.Context()); ok {
		return id
	}
	return r.Header.Get("X-User-ID")
}

func userRequired(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":  string(governor.CodeInvalidRequest),
		"detail": "user id is required",
	})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	user := callerID(r)
	if user == "" {
		userRequired(w)
		return
	}
	list, err := s.service.Conversations(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user := callerID(r)
	if user == "" {
		userRequired(w)
		return
	}
	tr, err := s.service.Transcript(r.Context(), user, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(tr) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "conversation_id": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "turns": tr})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user := callerID(r)
	if user == "" {
		userRequired(w)
		return
	}
	deleted, err := s.service.DeleteConversation(r.Context(), user, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "conversation_id": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "deleted": true})
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	limiter, subject := chi.URLParam(r, "limiter"), chi.URLParam(r, "subject")
	available, err := s.service.Available(r.Context(), limiter, subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"limiter": limiter, "subject": subject, "available": available})
}

// StatusFor maps a governor error code to an HTTP status.
func StatusFor(code governor.Code) int {
	switch code {
	case governor.CodeInvalidRequest:
		return http.StatusBadRequest
	case governor.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case governor.CodeContextOverflow:
		return http.StatusRequestEntityTooLarge
	case governor.CodeCacheUnavailable, governor.CodeQuotaUnavailable:
		return http.StatusServiceUnavailable
	case governor.CodeUpstream:
		return http.StatusBadGateway
	case governor.CodeCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := governor.CodeOf(err)
	status := StatusFor(code)
	body := map[string]any{"error": string(code)}

	var gerr *governor.Error
	if errors.As(err, &gerr) && gerr.Reason != "" {
		body["detail"] = gerr.Reason
	}
	var ex *quota.ExceededError
	if errors.As(err, &ex) {
		body["limiter"] = ex.Limiter
		body["subject"] = ex.Subject
		body["available"] = ex.Available
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "code", code,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
