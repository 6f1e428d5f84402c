package api

import (
	"net/http"

	"github.com/Harvey-AU/crawl-coordinator/internal/auth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerWithRequest returns a logger carrying the request ID and, once the
// auth middleware has run, the caller's identity
func loggerWithRequest(r *http.Request) zerolog.Logger {
	if r == nil {
		return log.Logger
	}

	builder := log.With().
		Str("request_id", GetRequestID(r)).
		Str("method", r.Method).
		Str("path", r.URL.Path)

	if claims, ok := auth.GetClaimsFromContext(r.Context()); ok {
		builder = builder.Str("role", claims.Role)
		if id := claims.Identifier(); id != "" {
			builder = builder.Str("caller", id)
		}
	}

	return builder.Logger()
}
