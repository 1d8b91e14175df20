package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken returns the bearer token from the Authorization header, or
// from the token query parameter when allowQuery is set.
func ExtractToken(r *http.Request, allowQuery bool) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(authz) > len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
		return strings.TrimSpace(authz[len(prefix):])
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// authorize checks the request token with a constant-time comparison. With
// no token configured every request is accepted; config validation only
// allows that on loopback addresses.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	candidate := ExtractToken(r, s.cfg.AllowQueryToken)
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.Token)) == 1
}
