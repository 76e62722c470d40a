package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"pabawi.org/internal/obs"
)

// LoginRequest carries the credentials and request metadata of a login.
type LoginRequest struct {
	Username  string
	Password  string
	IP        string
	UserAgent string
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	Access    Token
	Refresh   Token
	Principal Principal
	User      *User
}

// RefreshResult is returned by a refresh exchange.
type RefreshResult struct {
	Access    Token
	Principal Principal
}

// Authenticator orchestrates lockout checks, credential verification, token
// issuance and audit emission.
type Authenticator struct {
	users  UserStore
	authz  AuthzStore
	guard  *LockoutGuard
	tokens *TokenService
	hasher Hasher
	audit  AuditSink
	now    func() time.Time
}

// AuthenticatorOption configures Authenticator.
type AuthenticatorOption func(*Authenticator)

func WithHasher(h Hasher) AuthenticatorOption {
	return func(a *Authenticator) {
		if h != nil {
			a.hasher = h
		}
	}
}

func WithAudit(sink AuditSink) AuthenticatorOption {
	return func(a *Authenticator) {
		if sink != nil {
			a.audit = sink
		}
	}
}

func WithClock(fn func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		if fn != nil {
			a.now = fn
		}
	}
}

func NewAuthenticator(users UserStore, authz AuthzStore, guard *LockoutGuard, tokens *TokenService, opts ...AuthenticatorOption) (*Authenticator, error) {
	if users == nil || authz == nil {
		return nil, errors.New("auth: user and authz stores are required")
	}
	if guard == nil || tokens == nil {
		return nil, errors.New("auth: lockout guard and token service are required")
	}
	a := &Authenticator{
		users:  users,
		authz:  authz,
		guard:  guard,
		tokens: tokens,
		hasher: NewBcryptHasher(DefaultBcryptCost),
		audit:  nopSink{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate verifies credentials and issues an access/refresh pair.
//
// The lock check runs before any credential work. Unknown usernames pay the
// same hashing cost as known ones and fail with ErrInvalidCredentials. The
// active flag is only consulted after the password matched.
func (a *Authenticator) Authenticate(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	key := NormalizeKey(req.Username)
	if key == "" || req.Password == "" {
		a.hasher.DummyCompare(req.Password)
		a.emitFailure(ctx, req, "", "missing_credentials")
		return nil, ErrInvalidCredentials
	}

	if status := a.guard.Check(ctx, key); status.Locked {
		a.fail(ctx, req, "", "account_locked")
		return nil, status.Err()
	}

	user, err := a.users.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		obs.Error("user lookup failed", map[string]any{"username": key, "error": err.Error()})
		return nil, storeError("find user", err)
	}
	if user == nil {
		a.hasher.DummyCompare(req.Password)
		a.fail(ctx, req, "", "user_not_found")
		return nil, ErrInvalidCredentials
	}
	if err := a.hasher.Compare(user.PasswordHash, req.Password); err != nil {
		a.fail(ctx, req, user.ID, "invalid_password")
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		a.fail(ctx, req, user.ID, "account_inactive")
		return nil, ErrAccountInactive
	}

	a.guard.ClearOnSuccess(ctx, key)

	subject, err := a.subject(ctx, user)
	if err != nil {
		return nil, err
	}
	access, err := a.tokens.IssueAccess(subject)
	if err != nil {
		return nil, err
	}
	refresh, err := a.tokens.IssueRefresh(subject)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	if err := a.users.TouchLastLogin(ctx, user.ID, now); err != nil {
		obs.Warn("update last login failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	} else {
		user.LastLoginAt = &now
	}

	obs.ObserveLogin("success")
	recordAudit(ctx, a.audit, AuditEvent{
		Type:      AuditAuthentication,
		Action:    "login",
		ActorID:   user.ID,
		Target:    user.Username,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Result:    AuditSuccess,
		Details:   map[string]any{"roles": subject.Roles},
	})

	return &LoginResult{Access: access, Refresh: refresh, Principal: principalFor(user, subject, access), User: user}, nil
}

// Refresh exchanges a valid refresh token of an active user for a new access
// token. The password is not checked again; the roles snapshot is renewed.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	claims, err := a.tokens.Verify(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	user, err := a.users.FindUserByID(ctx, claims.Subject)
	if err != nil {
		return nil, storeError("find user", err)
	}
	if user == nil {
		return nil, ErrInvalidToken
	}
	if !user.Active {
		recordAudit(ctx, a.audit, AuditEvent{
			Type:    AuditToken,
			Action:  "refresh",
			ActorID: user.ID,
			Target:  user.Username,
			Result:  AuditFailure,
			Details: map[string]any{"reason": "account_inactive"},
		})
		return nil, ErrAccountInactive
	}
	subject, err := a.subject(ctx, user)
	if err != nil {
		return nil, err
	}
	access, err := a.tokens.IssueAccess(subject)
	if err != nil {
		return nil, err
	}
	recordAudit(ctx, a.audit, AuditEvent{
		Type:    AuditToken,
		Action:  "refresh",
		ActorID: user.ID,
		Target:  user.Username,
		Result:  AuditSuccess,
	})
	return &RefreshResult{Access: access, Principal: principalFor(user, subject, access)}, nil
}

// VerifyAccess is the inbound gate: it turns a bearer token into a Principal.
func (a *Authenticator) VerifyAccess(ctx context.Context, token string) (Principal, error) {
	if strings.TrimSpace(token) == "" {
		return Principal{}, ErrUnauthorized
	}
	claims, err := a.tokens.Verify(ctx, token, TokenTypeAccess)
	if err != nil {
		return Principal{}, err
	}
	return claims.Principal(), nil
}

// Logout revokes the presented tokens. An empty refresh token is ignored.
func (a *Authenticator) Logout(ctx context.Context, principal Principal, accessToken, refreshToken string) error {
	if accessToken != "" {
		if err := a.tokens.Revoke(ctx, accessToken, "logout"); err != nil {
			return err
		}
	}
	if refreshToken != "" {
		if err := a.tokens.Revoke(ctx, refreshToken, "logout"); err != nil && !errors.Is(err, ErrInvalidToken) {
			return err
		}
	}
	recordAudit(ctx, a.audit, AuditEvent{
		Type:    AuditToken,
		Action:  "logout",
		ActorID: principal.ID,
		Target:  principal.Username,
		Result:  AuditSuccess,
	})
	return nil
}

// RevokeSessions invalidates every token previously issued to userID.
func (a *Authenticator) RevokeSessions(ctx context.Context, actorID, userID, reason string) error {
	if err := a.tokens.RevokeAllForSubject(ctx, userID, reason); err != nil {
		return err
	}
	recordAudit(ctx, a.audit, AuditEvent{
		Type:    AuditToken,
		Action:  "revoke_all",
		ActorID: actorID,
		Target:  userID,
		Result:  AuditSuccess,
		Details: map[string]any{"reason": reason},
	})
	return nil
}

func (a *Authenticator) subject(ctx context.Context, user *User) (TokenSubject, error) {
	roles, err := a.authz.EffectiveRoles(ctx, user.ID)
	if err != nil {
		return TokenSubject{}, storeError("effective roles", err)
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return TokenSubject{ID: user.ID, Username: user.Username, Roles: dedupeRoles(names)}, nil
}

func principalFor(user *User, subject TokenSubject, access Token) Principal {
	return Principal{
		ID:        user.ID,
		Username:  user.Username,
		Roles:     subject.Roles,
		TokenID:   access.ID,
		IssuedAt:  access.IssuedAt,
		ExpiresAt: access.ExpiresAt,
	}
}

// fail records the attempt with the lockout guard and emits the audit event.
func (a *Authenticator) fail(ctx context.Context, req LoginRequest, userID, reason string) {
	a.guard.RecordFailure(ctx, FailedAttempt{
		Key:       req.Username,
		Reason:    reason,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})
	a.emitFailure(ctx, req, userID, reason)
}

func (a *Authenticator) emitFailure(ctx context.Context, req LoginRequest, userID, reason string) {
	obs.ObserveLogin(reason)
	recordAudit(ctx, a.audit, AuditEvent{
		Type:      AuditAuthentication,
		Action:    "login",
		ActorID:   userID,
		Target:    NormalizeKey(req.Username),
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Result:    AuditFailure,
		Details:   map[string]any{"reason": reason},
	})
}
