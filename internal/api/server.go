package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/repository"
	"github.com/soochol/ghachieve/internal/services"
)

type Server struct {
	runManager   *services.RunManager
	store        repository.ProgressRepository
	limiter      *services.RateLimiter
	schedulerSvc *services.SchedulerService

	jwtSecret   []byte
	corsOrigins []string
	// runCtx bounds runs started over HTTP; request contexts end too early.
	runCtx context.Context
}

func NewServer(rm *services.RunManager, store repository.ProgressRepository, limiter *services.RateLimiter) *Server {
	return &Server{
		runManager:  rm,
		store:       store,
		limiter:     limiter,
		corsOrigins: []string{"*"},
		runCtx:      context.Background(),
	}
}

// SetSchedulerService exposes schedules under /api/schedules.
func (s *Server) SetSchedulerService(svc *services.SchedulerService) {
	s.schedulerSvc = svc
}

// SetJWTSecret enables HS256 bearer authentication on /api routes.
func (s *Server) SetJWTSecret(secret string) {
	if secret == "" {
		s.jwtSecret = nil
		return
	}
	s.jwtSecret = []byte(secret)
}

// SetCORSOrigins restricts allowed browser origins.
func (s *Server) SetCORSOrigins(origins []string) {
	if len(origins) > 0 {
		s.corsOrigins = origins
	}
}

// SetRunContext sets the parent context for runs started through the API.
func (s *Server) SetRunContext(ctx context.Context) {
	s.runCtx = ctx
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.healthz)
	r.Route("/api", func(r chi.Router) {
		if s.jwtSecret != nil {
			r.Use(s.requireJWT)
		}
		r.Get("/achievements", s.listAchievements)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Post("/", s.startRun)
			r.Get("/{kind}", s.getRun)
			r.Delete("/{kind}", s.resetRun)
			r.Get("/{kind}/operations", s.listOperations)
			r.Get("/{kind}/events", s.streamRunEvents)
		})
		r.Get("/ratelimit", s.getRateLimit)
		if s.schedulerSvc != nil {
			r.Route("/schedules", func(r chi.Router) {
				r.Get("/", s.listSchedules)
				r.Get("/{name}", s.getSchedule)
				r.Post("/{name}/trigger", s.triggerSchedule)
			})
		}
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getRateLimit returns the limiter's current usage.
// GET /api/ratelimit
func (s *Server) getRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.limiter.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch achieve.KindOf(err) {
	case achieve.ErrNotFound:
		status = http.StatusNotFound
	case achieve.ErrConflict:
		status = http.StatusConflict
	case achieve.ErrConfiguration, achieve.ErrValidation:
		status = http.StatusBadRequest
	case achieve.ErrAuthentication:
		status = http.StatusUnauthorized
	case achieve.ErrPermission:
		status = http.StatusForbidden
	case achieve.ErrRateLimited:
		status = http.StatusTooManyRequests
	}
	if errors.Is(err, repository.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
