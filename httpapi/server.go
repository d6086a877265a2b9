// Package httpapi exposes the workflow services over JSON/HTTP. Handlers
// authenticate the caller, decode input, and map results to the
// apperr.Result envelope; all rules live in the services.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"signflow/auth"
	"signflow/bulk"
	"signflow/config"
	"signflow/expiration"
	"signflow/fields"
	"signflow/lifecycle"
	"signflow/signing"
)

// Services bundles the operations served by the API.
type Services struct {
	Requests   *lifecycle.Manager
	Signing    *signing.Coordinator
	Expiration *expiration.Manager
	Bulk       *bulk.Coordinator
	Fields     *fields.Manager
}

// Server holds the handler dependencies.
type Server struct {
	svc     Services
	tokens  *auth.TokenService
	limiter *limiter
	log     *slog.Logger
}

func NewServer(svc Services, tokens *auth.TokenService, rl config.RateLimitConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		svc:     svc,
		tokens:  tokens,
		limiter: newLimiter(rl),
		log:     log,
	}
}

func (s *Server) WithClock(now func() time.Time) *Server {
	s.limiter.now = now
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.authenticate, s.rateLimit)

		api.Route("/requests", func(rq chi.Router) {
			rq.Post("/", s.createRequest)
			rq.Get("/", s.listRequests)
			rq.Route("/{id}", func(one chi.Router) {
				one.Get("/", s.getRequest)
				one.Patch("/", s.updateRequest)
				one.Delete("/", s.deleteRequest)
				one.Post("/cancel", s.cancelRequest)
				one.Post("/extend", s.extendExpiration)
				one.Put("/fields", s.saveFields)
				one.Post("/signers/{sid}/sign", s.sign)
				one.Get("/signers/{sid}/permission", s.signingPermission)
			})
		})
		api.Post("/signers/{sid}/status", s.updateSignerStatus)
		api.Post("/bulk", s.executeBulk)
	})
	return r
}

// PruneLimiters drops rate-limit state for callers idle longer than idle.
func (s *Server) PruneLimiters(idle time.Duration) int {
	return s.limiter.prune(idle)
}
