package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"pabawi.org/internal/auth"
	"pabawi.org/internal/obs"
)

const serviceName = "pabawi-authd"

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe interface {
	Check(ctx context.Context) error
}

// PingProbe adapts a Ping method (such as the SQL store's) to ReadyProbe.
type PingProbe func(ctx context.Context) error

func (p PingProbe) Check(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p(ctx)
}

// Options wires the core services into the HTTP layer.
type Options struct {
	Authenticator *auth.Authenticator
	Resolver      *auth.PermissionResolver
	Guard         *auth.LockoutGuard
	Audit         auth.AuditSink
	Ready         ReadyProbe
	Version       string

	// LoginRatePerSecond and LoginBurst bound login attempts per client IP.
	LoginRatePerSecond float64
	LoginBurst         int
}

// API is the HTTP gate in front of the auth core.
type API struct {
	router   *mux.Router
	authn    *auth.Authenticator
	resolver *auth.PermissionResolver
	guard    *auth.LockoutGuard
	audit    auth.AuditSink
	ready    ReadyProbe
	version  string

	loginRate  float64
	loginBurst int
}

func New(opts Options) (*API, error) {
	if opts.Authenticator == nil || opts.Resolver == nil || opts.Guard == nil {
		return nil, errors.New("httpapi: authenticator, resolver and guard are required")
	}
	a := &API{
		router:     mux.NewRouter(),
		authn:      opts.Authenticator,
		resolver:   opts.Resolver,
		guard:      opts.Guard,
		audit:      opts.Audit,
		ready:      opts.Ready,
		version:    opts.Version,
		loginRate:  opts.LoginRatePerSecond,
		loginBurst: opts.LoginBurst,
	}
	if a.ready == nil {
		a.ready = PingProbe(nil)
	}
	if a.loginRate <= 0 {
		a.loginRate = 1
	}
	if a.loginBurst <= 0 {
		a.loginBurst = 5
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	r.Handle("/v1/auth/login", RateLimit(http.HandlerFunc(a.handleLogin), a.loginBurst, a.loginRate)).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/refresh", a.handleRefresh).Methods(http.MethodPost)

	authed := r.PathPrefix("/v1").Subrouter()
	authed.Use(a.WithAuth)
	authed.HandleFunc("/auth/logout", a.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/auth/me", a.handleMe).Methods(http.MethodGet)
	authed.HandleFunc("/auth/permissions/check", a.handleCheckPermissions).Methods(http.MethodPost)

	authed.Handle("/admin/lockouts/{key}/unlock",
		a.RequirePermission(auth.ResourceLockouts, auth.ActionAdmin)(http.HandlerFunc(a.handleUnlock))).
		Methods(http.MethodPost)
	authed.Handle("/admin/users/{id}/revoke-tokens",
		a.RequirePermission(auth.ResourceTokens, auth.ActionAdmin)(http.HandlerFunc(a.handleRevokeTokens))).
		Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = SecurityHeaders(h)
	h = Logging(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.Warn("readiness check failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
