package server

import (
	"net/http"
	"sort"
	"strings"

	"github.com/ternarybob/marketpost/internal/handlers"
)

// RouteHandler is a function type for HTTP handlers
type RouteHandler func(http.ResponseWriter, *http.Request)

// MethodRouter maps HTTP methods to handlers
type MethodRouter map[string]RouteHandler

// RouteByMethod dispatches on r.Method. Unmapped methods get a JSON 405
// with an Allow header.
func RouteByMethod(w http.ResponseWriter, r *http.Request, routes MethodRouter) {
	if handler, ok := routes[r.Method]; ok && handler != nil {
		handler(w, r)
		return
	}

	allowed := make([]string, 0, len(routes))
	for method, handler := range routes {
		if handler != nil {
			allowed = append(allowed, method)
		}
	}
	sort.Strings(allowed)
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// SuffixRoute pairs a trailing path segment with its handler
type SuffixRoute struct {
	Suffix  string
	Handler RouteHandler
}

// RouteBySuffix runs the first route whose suffix ends the path (trailing
// slash ignored). Returns false when nothing matched.
func RouteBySuffix(w http.ResponseWriter, r *http.Request, routes []SuffixRoute) bool {
	path := strings.TrimSuffix(r.URL.Path, "/")
	for _, route := range routes {
		if strings.HasSuffix(path, route.Suffix) {
			route.Handler(w, r)
			return true
		}
	}
	return false
}
