package server

import (
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
)

const pprofPrefix = "/debug/pprof/"

func mountPprof(mux *http.ServeMux, token string) error {
	wrap := func(h http.HandlerFunc) http.Handler { return withAuth(token, h) }
	base := strings.TrimSuffix(pprofPrefix, "/")
	for pattern, h := range map[string]http.Handler{
		"GET " + pprofPrefix:       wrap(hpprof.Index),
		"GET " + base + "/cmdline": wrap(hpprof.Cmdline),
		"GET " + base + "/profile": wrap(hpprof.Profile),
		"GET " + base + "/symbol":  wrap(hpprof.Symbol),
		"POST " + base + "/symbol": wrap(hpprof.Symbol),
		"GET " + base + "/trace":   wrap(hpprof.Trace),
	} {
		if err := handle(mux, pattern, h); err != nil {
			return err
		}
	}
	return nil
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
