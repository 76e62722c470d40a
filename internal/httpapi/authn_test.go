package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pabawi.org/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		token, ok := extractBearerToken(tc.header)
		if token != tc.token || ok != tc.ok {
			t.Fatalf("extractBearerToken(%q) = (%q, %v), want (%q, %v)", tc.header, token, ok, tc.token, tc.ok)
		}
	}
}

func TestWithAuthRejectsMissingAndBadTokens(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/v1/auth/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	if body := decode[errorResponse](t, resp); body.Error.Code != "unauthorized" {
		t.Fatalf("unexpected body: %+v", body)
	}

	resp = c.do(http.MethodGet, "/v1/auth/me", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body := decode[errorResponse](t, resp); body.Error.Code != "invalid_token" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRequirePermissionWithoutPrincipal(t *testing.T) {
	api := &API{}
	handler := api.RequirePermission(auth.ResourceNodes, auth.ActionRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWriteAuthErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
		{auth.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
		{auth.ErrAccountInactive, http.StatusForbidden, "account_inactive"},
		{&auth.LockedError{Permanent: true}, http.StatusLocked, "account_locked"},
		{&auth.DeniedError{Resource: "nodes", Action: "execute"}, http.StatusForbidden, "forbidden"},
		{auth.ErrStoreUnavailable, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeAuthError(rr, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
		var body errorResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Error.Code != tc.code {
			t.Fatalf("%v: expected code %q, got %q", tc.err, tc.code, body.Error.Code)
		}
	}
}
