package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/civicarchive/civicarchive/internal/config"
	"github.com/civicarchive/civicarchive/internal/gatekeeper"
)

// allowedHosts rejects requests whose Host header is not in the allowlist.
// A "*" entry or an empty list disables the check; "*.example.com" entries
// match one level of subdomain.
func allowedHosts(hosts []string) func(http.Handler) http.Handler {
	open := len(hosts) == 0
	exact := make(map[string]struct{})
	var suffixes []string
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		switch {
		case h == "":
			continue
		case h == "*":
			open = true
		case strings.HasPrefix(h, "*."):
			suffixes = append(suffixes, h[1:]) // keep the leading dot
		default:
			exact[h] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		if open {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := strings.ToLower(requestHost(r))
			if _, ok := exact[host]; ok {
				next.ServeHTTP(w, r)
				return
			}
			for _, suffix := range suffixes {
				if strings.HasSuffix(host, suffix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			gatekeeper.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid host header", nil)
		})
	}
}

func requestHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.Host); err == nil {
		return host
	}
	return r.Host
}

// cors handles cross-origin requests with a static policy from config.
// Preflight OPTIONS requests are answered here; everything else passes
// through with the allow-origin header attached when the origin matches.
func cors(cfg config.HTTPConfig) func(http.Handler) http.Handler {
	wildcard := false
	origins := make(map[string]struct{})
	for _, o := range cfg.CORSAllowOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
			continue
		}
		if o != "" {
			origins[o] = struct{}{}
		}
	}
	methods := strings.Join(cfg.CORSAllowMethods, ", ")
	headers := strings.Join(cfg.CORSAllowHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := wildcard
			if !allowed {
				_, allowed = origins[origin]
			}
			if allowed {
				value := origin
				if wildcard {
					value = "*"
				}
				w.Header().Set("Access-Control-Allow-Origin", value)
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if allowed {
					w.Header().Set("Access-Control-Allow-Methods", methods)
					w.Header().Set("Access-Control-Allow-Headers", headers)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
