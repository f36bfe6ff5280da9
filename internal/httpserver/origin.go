package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/origin"
)

// OriginAllowed applies the configured origin policy to r. Requests without
// an Origin header (non-browser clients) are allowed.
func OriginAllowed(r *http.Request, allowedOrigins []string) (normalized string, ok bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	normalized, host, ok := origin.NormalizeHeader(header)
	if !ok || !origin.IsAllowed(normalized, host, r.Host, allowedOrigins) {
		return "", false
	}
	return normalized, true
}

// WithOriginPolicy wraps next with the origin check and CORS headers.
func (s *Server) WithOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return s.withOriginPolicy(next)
}

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		normalized, ok := OriginAllowed(r, s.cfg.AllowedOrigins)
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if normalized == "" {
			next(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if requested := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requested != "" {
				w.Header().Set("Access-Control-Allow-Headers", requested)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
