package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken pulls the bearer token from a request. It checks, in order:
// Authorization: Bearer <token>, X-API-Key header, api_key query param. The
// query param exists for SSE clients that cannot set headers.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// authorize checks the optional bearer token. An empty configured token means
// the gateway is open, which is the default for a loopback-only daemon.
// /healthz never goes through here.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Cfg.AuthToken == "" {
		return true
	}
	token := ExtractToken(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Cfg.AuthToken)) == 1
}
