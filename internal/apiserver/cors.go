package apiserver

import (
	"net/http"
	"strings"
)

// corsPolicy allows either every origin or a fixed set. An empty or blank
// origin list allows every origin.
type corsPolicy struct {
	any     bool
	origins map[string]bool
}

func newCORSPolicy(origins []string) corsPolicy {
	policy := corsPolicy{origins: make(map[string]bool, len(origins))}
	for _, origin := range origins {
		switch origin = strings.TrimSpace(origin); origin {
		case "":
		case "*":
			policy.any = true
		default:
			policy.origins[origin] = true
		}
	}
	if len(policy.origins) == 0 {
		policy.any = true
	}
	return policy
}

// allows reports whether a browser at origin may call the API. Requests
// without an Origin header are not cross-origin and always pass.
func (p corsPolicy) allows(origin string) bool {
	return origin == "" || p.any || p.origins[origin]
}

// wrap answers preflight requests itself and decorates every other response
// from an allowed origin.
func (p corsPolicy) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && p.allows(origin) {
			header := w.Header()
			if p.any {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
				header.Add("Vary", "Origin")
			}
			header.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			header.Set("Access-Control-Allow-Headers", "Content-Type")
			header.Set("Access-Control-Max-Age", "300")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
