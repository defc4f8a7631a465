package auth

import (
	"net/http"
)

// HTTPMiddleware returns middleware that authorizes every request against
// req. Denied requests get 401 with "WWW-Authenticate: Bearer" and never
// reach next; allowed ones carry their Claims in the request context.
//
//	mux := http.NewServeMux()
//	mux.Handle("/repairs", auth.HTTPMiddleware(a, auth.RequireScopes("repairs.read"))(repairs))
func HTTPMiddleware(a *Authorizer, req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := a.Authorize(r.Context(), r.Header, req)
			if !ok {
				DenyHTTP(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// HandlerFunc wraps a handler function with HTTPMiddleware. It suits
// function runtimes that register one handler per route.
func (a *Authorizer) HandlerFunc(req Requirement, fn http.HandlerFunc) http.Handler {
	return HTTPMiddleware(a, req)(fn)
}
