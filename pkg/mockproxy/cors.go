package mockproxy

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/getmockd/mockproxy/pkg/httpmsg"
)

// defaultCORSMethods/Headers mirror the teacher's CORSMiddleware fallbacks
// when the caller didn't list any explicitly.
var (
	defaultCORSMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", "X-Requested-With", "Accept", "Origin"}
)

const defaultCORSMaxAge = 86400

// hasMatchingRule reports whether any registered HTTP rule's matcher
// accepts snapshot, without claiming a completion slot — a user-defined
// OPTIONS mock takes precedence over CORS preflight interception, grounded
// on the teacher's MockChecker.HasMatch escape hatch in pkg/engine/cors.go.
func (s *Server) hasMatchingRule(snapshot *httpmsg.Request) bool {
	snap := s.store.Snapshot()
	for _, r := range snap.HTTP {
		if r.Matcher.Match(snapshot) {
			return true
		}
	}
	return false
}

// respondPreflight answers an OPTIONS request with the configured
// Access-Control-* headers, grounded on the teacher's CORSMiddleware.
func (s *Server) respondPreflight(w http.ResponseWriter, r *http.Request) {
	opts := s.opts.CORSOpt
	origin := r.Header.Get("Origin")
	allowOrigin := allowOriginFor(opts.AllowOrigins, origin)

	if allowOrigin == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allowOrigin)

	methods := opts.AllowMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))

	headers := opts.AllowHeaders
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	h.Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))

	if len(opts.ExposeHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(opts.ExposeHeaders, ", "))
	}
	if opts.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	maxAge := opts.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}
	h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))

	w.WriteHeader(http.StatusOK)
}

func allowOriginFor(allowed []string, origin string) string {
	if len(allowed) == 0 {
		if origin == "" {
			return "*"
		}
		return origin
	}
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if a == origin {
			return origin
		}
	}
	return ""
}
