package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"signflow/apperr"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respond writes the envelope for (data, err) with status on success.
func respond[T any](s *Server, w http.ResponseWriter, r *http.Request, status int, data T, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, apperr.OK(data))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	payload := apperr.Serialize(err)
	if payload.Kind == apperr.KindInternal {
		s.log.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeJSON(w, payload.Status, apperr.Result[any]{Error: payload})
}

// decode reads a JSON body, rejecting unknown fields.
func decode(r *http.Request, dst any) error { return readJSON(r, dst, true) }

// decodeOptional is decode for endpoints whose body may be empty.
func decodeOptional(r *http.Request, dst any) error { return readJSON(r, dst, false) }

func readJSON(r *http.Request, dst any, required bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if required {
				return apperr.Validation("request body is required", nil)
			}
			return nil
		}
		return apperr.Validation("malformed request body", map[string]any{"error": err.Error()})
	}
	return nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
