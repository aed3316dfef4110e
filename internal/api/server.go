// Package api wires the admission-filtered chi router and the route
// handlers that translate validated requests into direct responses or job
// enqueues.
package api

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"localgitd/internal/approval"
	"localgitd/internal/config"
	"localgitd/internal/jobs"
	"localgitd/internal/pairing"
	"localgitd/internal/tokenstore"
)

// Server holds every component the HTTP layer needs to answer a request.
type Server struct {
	cfg      *config.Config
	tokens   *tokenstore.Store
	pairing  *pairing.Manager
	jobsMgr  *jobs.Manager
	approval *approval.Policy
	log      *log.Logger

	startedAt time.Time

	globalLimiter  *limiterSet
	pairingLimiter *limiterSet
}

// NewServer builds a Server from its component dependencies.
func NewServer(cfg *config.Config, tokens *tokenstore.Store, pm *pairing.Manager, jm *jobs.Manager, ap *approval.Policy, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "localgitd ", log.LstdFlags|log.LUTC)
	}
	return &Server{
		cfg:            cfg,
		tokens:         tokens,
		pairing:        pm,
		jobsMgr:        jm,
		approval:       ap,
		log:            logger,
		startedAt:      time.Now(),
		globalLimiter:  newLimiterSet(300, 5*time.Minute),
		pairingLimiter: newLimiterSet(10, 10*time.Minute),
	}
}

// Router assembles the full middleware chain and route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Use(s.loopbackFilter)
	r.Use(s.hostFilter)
	r.Use(s.originFilter)
	r.Use(s.bodySizeFilter)
	r.Use(rateLimitFilter(s.globalLimiter))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/meta", s.handleMeta)

		v1.With(rateLimitFilter(s.pairingLimiter)).Post("/pair", s.handlePair)

		v1.Group(func(authed chi.Router) {
			authed.Use(s.bearerAuth)

			authed.Get("/jobs/{id}", s.handleJobGet)
			authed.Get("/jobs/{id}/stream", s.handleJobStream)
			authed.Post("/jobs/{id}/cancel", s.handleJobCancel)

			authed.Post("/git/clone", s.handleGitClone)
			authed.Post("/git/fetch", s.handleGitFetch)
			authed.Get("/git/status", s.handleGitStatus)

			authed.Post("/os/open", s.handleOSOpen)
			authed.Post("/deps/install", s.handleDepsInstall)

			authed.Get("/diagnostics", s.handleDiagnostics)
		})
	})

	return r
}
