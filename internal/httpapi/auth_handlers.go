package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"pabawi.org/internal/auth"
	"pabawi.org/internal/ids"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken      string          `json:"access_token"`
	RefreshToken     string          `json:"refresh_token,omitempty"`
	TokenType        string          `json:"token_type"`
	ExpiresAt        time.Time       `json:"expires_at"`
	RefreshExpiresAt *time.Time      `json:"refresh_expires_at,omitempty"`
	User             *auth.Principal `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type checkRequest struct {
	Checks []auth.PermissionCheck `json:"checks"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := a.authn.Authenticate(r.Context(), auth.LoginRequest{
		Username:  req.Username,
		Password:  req.Password,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	refreshExp := res.Refresh.ExpiresAt
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:      res.Access.Value,
		RefreshToken:     res.Refresh.Value,
		TokenType:        "Bearer",
		ExpiresAt:        res.Access.ExpiresAt,
		RefreshExpiresAt: &refreshExp,
		User:             &res.Principal,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	res, err := a.authn.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: res.Access.Value,
		TokenType:   "Bearer",
		ExpiresAt:   res.Access.ExpiresAt,
		User:        &res.Principal,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.authn.Logout(r.Context(), principal, token, req.RefreshToken); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	perms, err := a.resolver.GetAllPermissions(r.Context(), principal.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        principal,
		"permissions": keys,
	})
}

func (a *API) handleCheckPermissions(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Checks) == 0 || len(req.Checks) > 100 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "between 1 and 100 checks are required")
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	results, err := a.resolver.CheckMany(r.Context(), principal.ID, req.Checks)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *API) handleUnlock(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	key := mux.Vars(r)["key"]
	if err := a.guard.AdminUnlock(r.Context(), principal.ID, key); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unlocked": auth.NormalizeKey(key)})
}

func (a *API) handleRevokeTokens(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "admin_revoked"
	}
	userID := mux.Vars(r)["id"]
	if !ids.Valid(userID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed user id")
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := a.authn.RevokeSessions(r.Context(), principal.ID, userID, reason); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
