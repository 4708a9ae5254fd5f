package security

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/mcncl/http-audit/internal/middleware/request"
)

// Config defines the security headers and CORS policy
type Config struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	// ExposedHeaders are readable by browser scripts on cross-origin responses
	ExposedHeaders []string
	MaxAge         int // in seconds
}

// DefaultConfig returns a policy that lets any origin send and read the trace headers
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept",
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"Authorization",
			request.RequestIDHeader,
			request.CorrelationIDHeader,
		},
		ExposedHeaders: []string{
			request.RequestIDHeader,
			request.CorrelationIDHeader,
		},
		MaxAge: 3600,
	}
}

// WithSecurityHeaders adds security headers to responses and answers CORS preflights
func WithSecurityHeaders(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setSecurityHeaders(w)

			if handleCORS(w, r, config) && isPreflight(r) {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

func handleCORS(w http.ResponseWriter, r *http.Request, config Config) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	explicit := slices.Contains(config.AllowedOrigins, origin)
	if !explicit && !slices.Contains(config.AllowedOrigins, "*") {
		return false
	}

	h := w.Header()
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Origin", origin)
	if len(config.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
	}
	// Credentials are only shared with origins named explicitly
	if explicit {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	if isPreflight(r) {
		h.Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
		h.Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
		h.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
	}

	return true
}
