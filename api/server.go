package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"riskdesk/api/handlers"
	"riskdesk/config"
	"riskdesk/core/orm"
	"riskdesk/core/utils"
)

type Server struct {
	cfg    *config.AppConfig
	orm    *orm.Service
	logger *utils.Logger

	router chi.Router
	http   *http.Server
}

func NewServer(cfg *config.AppConfig, svc *orm.Service, logger *utils.Logger) *Server {
	s := &Server{cfg: cfg, orm: svc, logger: logger}
	s.router = chi.NewRouter()
	s.registerRoutes()
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withMiddleware(s.router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) ListenAndServe() error {
	if s.logger != nil {
		s.logger.Printf("listening on %s", s.http.Addr)
	}
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	h := handlers.NewORMHandler(s.orm, s.cfg.Incidents.AuditFeedLimit, s.logger)
	r := s.router

	r.MethodFunc(http.MethodGet, "/api/incidents/{incident:[0-9]+}/orm/audit", h.AuditFeed)
	r.MethodFunc(http.MethodPost, "/api/incidents/{incident:[0-9]+}/orm/clone", h.CloneHazards)
	r.MethodFunc(http.MethodGet, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}", h.GetForm)
	r.MethodFunc(http.MethodPut, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}", h.UpdateForm)
	r.MethodFunc(http.MethodGet, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/hazards", h.ListHazards)
	r.MethodFunc(http.MethodPost, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/hazards", h.AddHazard)
	r.MethodFunc(http.MethodPut, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/hazards/{id:[0-9]+}", h.EditHazard)
	r.MethodFunc(http.MethodDelete, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/hazards/{id:[0-9]+}", h.RemoveHazard)
	r.MethodFunc(http.MethodPost, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/approve", h.Approve)
	r.MethodFunc(http.MethodGet, "/api/incidents/{incident:[0-9]+}/orm/{op:[0-9]+}/export", h.Export)
	r.MethodFunc(http.MethodGet, "/api/healthz", h.Health)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return s.recoverMiddleware(s.requestIDMiddleware(s.loggingMiddleware(s.jsonMiddleware(next))))
}
