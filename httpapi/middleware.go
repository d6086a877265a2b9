package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"signflow/apperr"
	"signflow/auth"
	"signflow/signature"
)

type ctxKey int

const (
	actorKey ctxKey = iota
	requestIDKey
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

func newRequestID() string { return "req_" + uuid.NewString() }

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.fail(w, r, apperr.Authorization("authentication required").WithSuggestion("Send a bearer token"))
			return
		}
		actor, err := s.tokens.Verify(token)
		if err != nil {
			s.log.DebugContext(r.Context(), "token rejected", "error", err)
			s.fail(w, r, apperr.Authorization("invalid or expired token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, retryAfter := s.limiter.allow(actorFrom(r.Context()).UserID); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.fail(w, r, apperr.RateLimited(retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(ctx context.Context) signature.Actor {
	a, _ := ctx.Value(actorKey).(signature.Actor)
	return a
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
