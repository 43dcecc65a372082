// Package api implements the C7 HTTP surface: a chi router exposing
// /auth/api/v1 (user, client, oauth2 — C8) and /broker/api/v1 (unit,
// application, network, device, device-route, network-route,
// dldata-buffer — C1/C4/C5/C6), per spec.md §6.1.
package api

import (
	"context"
	"log/slog"
	"net/http"

	customMiddleware "github.com/nimbusgrid/iotbroker/internal/api/middleware"
	"github.com/nimbusgrid/iotbroker/internal/audit"
	"github.com/nimbusgrid/iotbroker/internal/auth"
	"github.com/nimbusgrid/iotbroker/internal/cache"
	"github.com/nimbusgrid/iotbroker/internal/config"
	"github.com/nimbusgrid/iotbroker/internal/controlbus"
	"github.com/nimbusgrid/iotbroker/internal/storage"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server bundles every collaborator the HTTP handlers need, threaded in
// explicitly at construction rather than reached for as ambient globals
// (spec.md §9).
type Server struct {
	Router *chi.Mux
	Repos  storage.Repositories
	Cache  *cache.Cache
	Bus    *controlbus.Bus
	Auth   *auth.AuthService
	Tokens auth.TokenProvider
	Cfg    config.Config
	Logger *slog.Logger
	Audit  audit.Service

	// Ping checks backing-store connectivity for the health endpoint.
	Ping func(ctx context.Context) error
}

// NewServer builds the router and wires every route, following the
// teacher's middleware ordering: request ID/real-IP, Sentry, structured
// logging, panic recovery, rate limiting, then CORS, with auth applied
// per-route-group rather than globally so public endpoints (login,
// health, JWKS) stay reachable.
func NewServer(repos storage.Repositories, c *cache.Cache, bus *controlbus.Bus, authSvc *auth.AuthService, tokens auth.TokenProvider, cfg config.Config, log *slog.Logger, ping func(ctx context.Context) error, auditSvc audit.Service) *Server {
	if auditSvc == nil {
		auditSvc = audit.Noop{}
	}
	s := &Server{
		Repos:  repos,
		Cache:  c,
		Bus:    bus,
		Auth:   authSvc,
		Tokens: tokens,
		Cfg:    cfg,
		Logger: log,
		Ping:   ping,
		Audit:  auditSvc,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	if cfg.SentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
		r.Use(sentryHandler.Handle)
	}

	r.Use(customMiddleware.RequestLogger)
	r.Use(customMiddleware.PanicRecovery)

	limiter := customMiddleware.NewIPRateLimiter(50, 100)
	r.Use(limiter.Middleware)
	r.Use(customMiddleware.CORS(nil))

	requireAuth := customMiddleware.RequireAuth(authSvc, log)

	r.Get("/health", s.handleHealth)
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Route("/auth/api/v1", func(r chi.Router) {
		r.Post("/oauth2/token", s.handleOAuth2Token)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Route("/user", func(r chi.Router) {
				r.Post("/", s.handleUserCreate)
				r.Get("/list", s.handleUserList)
				r.Get("/count", s.handleUserCount)
				r.Get("/{id}", s.handleUserGet)
				r.Patch("/{id}", s.handleUserUpdate)
				r.Delete("/{id}", s.handleUserDelete)
			})
			r.Route("/client", func(r chi.Router) {
				r.Post("/", s.handleClientCreate)
				r.Get("/list", s.handleClientList)
				r.Get("/count", s.handleClientCount)
				r.Get("/{id}", s.handleClientGet)
				r.Patch("/{id}", s.handleClientUpdate)
				r.Delete("/{id}", s.handleClientDelete)
			})
			r.Route("/mfa", func(r chi.Router) {
				r.Post("/setup", s.handleMFASetup)
				r.Post("/activate", s.handleMFAActivate)
				r.Post("/step-up", s.handleMFAStepUp)
			})
		})
	})

	r.Route("/broker/api/v1", func(r chi.Router) {
		r.Use(requireAuth)

		r.Route("/unit", func(r chi.Router) {
			r.Post("/", s.handleUnitCreate)
			r.Get("/list", s.handleUnitList)
			r.Get("/count", s.handleUnitCount)
			r.Get("/{id}", s.handleUnitGet)
			r.Patch("/{id}", s.handleUnitUpdate)
			r.Delete("/{id}", s.handleUnitDelete)
		})

		r.Route("/application", func(r chi.Router) {
			r.Post("/", s.handleApplicationCreate)
			r.Get("/list", s.handleApplicationList)
			r.Get("/count", s.handleApplicationCount)
			r.Get("/{id}", s.handleApplicationGet)
			r.Patch("/{id}", s.handleApplicationUpdate)
			r.Delete("/{id}", s.handleApplicationDelete)
		})

		r.Route("/network", func(r chi.Router) {
			r.Post("/", s.handleNetworkCreate)
			r.Get("/list", s.handleNetworkList)
			r.Get("/count", s.handleNetworkCount)
			r.Get("/{id}", s.handleNetworkGet)
			r.Patch("/{id}", s.handleNetworkUpdate)
			r.Delete("/{id}", s.handleNetworkDelete)
		})

		r.Route("/device", func(r chi.Router) {
			r.Post("/", s.handleDeviceCreate)
			r.Post("/bulk", s.handleDeviceBulkCreate)
			r.Post("/bulk-delete", s.handleDeviceBulkDelete)
			r.Post("/range", s.handleDeviceRangeCreate)
			r.Post("/range-delete", s.handleDeviceRangeDelete)
			r.Get("/list", s.handleDeviceList)
			r.Get("/count", s.handleDeviceCount)
			r.Get("/{id}", s.handleDeviceGet)
			r.Patch("/{id}", s.handleDeviceUpdate)
			r.Delete("/{id}", s.handleDeviceDelete)
		})

		r.Route("/device-route", func(r chi.Router) {
			r.Post("/", s.handleDeviceRouteCreate)
			r.Post("/bulk", s.handleDeviceRouteBulkCreate)
			r.Post("/bulk-delete", s.handleDeviceRouteBulkDelete)
			r.Post("/range", s.handleDeviceRouteRangeCreate)
			r.Post("/range-delete", s.handleDeviceRouteRangeDelete)
			r.Get("/list", s.handleDeviceRouteList)
			r.Get("/count", s.handleDeviceRouteCount)
			r.Get("/{id}", s.handleDeviceRouteGet)
			r.Delete("/{id}", s.handleDeviceRouteDelete)
		})

		r.Route("/network-route", func(r chi.Router) {
			r.Post("/", s.handleNetworkRouteCreate)
			r.Get("/list", s.handleNetworkRouteList)
			r.Get("/count", s.handleNetworkRouteCount)
			r.Get("/{id}", s.handleNetworkRouteGet)
			r.Delete("/{id}", s.handleNetworkRouteDelete)
		})

		r.Route("/dldata-buffer", func(r chi.Router) {
			r.Get("/list", s.handleDlDataBufferList)
			r.Get("/count", s.handleDlDataBufferCount)
			r.Get("/{id}", s.handleDlDataBufferGet)
		})
	})

	s.Router = r
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ping != nil {
		if err := s.Ping(r.Context()); err != nil {
			s.Logger.Error("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.Tokens.GetJWKS()
	if err != nil {
		s.Logger.Error("build jwks", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = writeJSON(w, jwks)
}
