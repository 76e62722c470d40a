package httpapi

import (
	"net/http"
	"strings"
	"time"

	"pabawi.org/internal/auth"
	"pabawi.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// WithAuth verifies the bearer token and attaches the principal and raw token
// to the request context. Every failure is a 401 with a typed code.
func (a *API) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r.Header.Get(authHeader))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pabawi"`)
			writeAuthError(w, r, auth.ErrUnauthorized)
			return
		}
		principal, err := a.authn.VerifyAccess(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pabawi", error="invalid_token"`)
			writeAuthError(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission denies with 403 unless the principal holds
// resource:action. Resolver errors deny.
func (a *API) RequirePermission(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeAuthError(w, r, auth.ErrUnauthorized)
				return
			}
			allowed, err := a.resolver.HasPermission(r.Context(), principal.ID, resource, action)
			if err != nil {
				obs.Error("permission check failed", map[string]any{
					"user_id":  principal.ID,
					"resource": resource,
					"action":   action,
					"error":    err.Error(),
				})
			}
			if err != nil || !allowed {
				a.recordDenied(r, principal, resource, action)
				writeAuthError(w, r, &auth.DeniedError{Resource: resource, Action: action})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) recordDenied(r *http.Request, principal auth.Principal, resource, action string) {
	if a.audit == nil {
		return
	}
	ev := auth.AuditEvent{
		Type:       auth.AuditAuthorization,
		Action:     "permission_check",
		ActorID:    principal.ID,
		Target:     resource + ":" + action,
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
		RequestID:  auth.RequestIDFromContext(r.Context()),
		Result:     auth.AuditDenied,
		Details:    map[string]any{"method": r.Method, "path": r.URL.Path},
		OccurredAt: time.Now().UTC(),
	}
	if err := a.audit.Record(r.Context(), ev); err != nil {
		obs.Error("audit record failed", map[string]any{"action": ev.Action, "error": err.Error()})
	}
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	return token, token != ""
}
