package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/keywarden/keywarden/internal/domain/adminauth"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// loggerContextKey is the type for the enriched logger context key.
type loggerContextKey struct{}

// LoggerKey is the context key for the request-scoped logger.
var LoggerKey = loggerContextKey{}

// adminNameContextKey is the type for the authenticated admin key name.
type adminNameContextKey struct{}

// AdminNameKey is the context key for the admin key name.
var AdminNameKey = adminNameContextKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches
// the logger. The ID is echoed back in the X-Request-ID header for
// correlation.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the request-scoped logger, falling back
// to slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// AdminKeyMiddleware requires a valid admin API key as a Bearer token.
// The matched key's name lands in the context under AdminNameKey for
// log attribution. With no keys configured, every request is rejected;
// dev mode seeds a default key so this never locks out development.
func AdminKeyMiddleware(verifier *adminauth.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || raw == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, adminauth.ErrInvalidKey)
				return
			}

			name, err := verifier.Verify(raw)
			if err != nil {
				logger.Warn("admin key rejected", "remote", extractRealIP(r))
				writeError(w, http.StatusUnauthorized, adminauth.ErrInvalidKey)
				return
			}

			ctx := context.WithValue(r.Context(), AdminNameKey, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminNameFromContext returns the authenticated admin key name, or
// empty when the request was not authenticated.
func AdminNameFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(AdminNameKey).(string); ok {
		return name
	}
	return ""
}

// RealIPMiddleware stores the client's real IP in the request context
// logger so denials stay attributable behind a reverse proxy.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractRealIP(r)
		logger := LoggerFromContext(r.Context()).With("client_ip", ip)
		ctx := context.WithValue(r.Context(), LoggerKey, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractRealIP extracts the client IP, preferring proxy headers.
// Only the first X-Forwarded-For entry is trusted.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if ip := strings.TrimSpace(ips[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
