package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"pabawi.org/internal/obs"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultIssuer     = "pabawi"
)

// Claims is the JWT payload shared by access and refresh tokens.
type Claims struct {
	Username  string    `json:"username,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	TokenType TokenType `json:"typ"`
	// IssuedAtMicros keeps the sub-second issue time that iat drops.
	IssuedAtMicros int64 `json:"iat_us,omitempty"`
	jwt.RegisteredClaims
}

// Issued returns the precise issue time, falling back to iat.
func (c *Claims) Issued() time.Time {
	if c.IssuedAtMicros > 0 {
		return time.UnixMicro(c.IssuedAtMicros).UTC()
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.Time
	}
	return time.Time{}
}

// Principal converts verified claims into the request identity.
func (c *Claims) Principal() Principal {
	p := Principal{
		ID:       c.Subject,
		Username: c.Username,
		Roles:    append([]string(nil), c.Roles...),
		TokenID:  c.ID,
	}
	p.IssuedAt = c.Issued()
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

// TokenSubject is the input to token issuance.
type TokenSubject struct {
	ID       string
	Username string
	Roles    []string
}

// TokenService issues, verifies and revokes signed bearer tokens.
type TokenService struct {
	revocations RevocationStore
	secret      []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	now         func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithSigningSecret sets the HS256 signing secret.
func WithSigningSecret(secret string) TokenOption {
	return func(s *TokenService) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService. Without a signing secret a random
// one is generated, which invalidates every token on restart.
func NewTokenService(revocations RevocationStore, opts ...TokenOption) (*TokenService, error) {
	if revocations == nil {
		return nil, errors.New("auth: revocation store is required")
	}
	svc := &TokenService{
		revocations: revocations,
		issuer:      DefaultIssuer,
		accessTTL:   DefaultAccessTTL,
		refreshTTL:  DefaultRefreshTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.secret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("auth: generate signing secret: %w", err)
		}
		svc.secret = secret
		obs.Warn("SECURITY WARNING: no token signing secret configured; using an insecure generated secret. Tokens will not survive a restart. Set PABAWI_JWT_SECRET.", nil)
	}
	return svc, nil
}

// AccessTTL reports the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// IssueAccess signs a short-lived access token.
func (s *TokenService) IssueAccess(subject TokenSubject) (Token, error) {
	return s.issue(subject, TokenTypeAccess, s.accessTTL)
}

// IssueRefresh signs a long-lived refresh token.
func (s *TokenService) IssueRefresh(subject TokenSubject) (Token, error) {
	return s.issue(subject, TokenTypeRefresh, s.refreshTTL)
}

func (s *TokenService) issue(subject TokenSubject, typ TokenType, ttl time.Duration) (Token, error) {
	id := strings.TrimSpace(subject.ID)
	if id == "" {
		return Token{}, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	exp := now.Truncate(time.Second).Add(ttl)
	jti := uuid.NewString()
	claims := Claims{
		Username:       subject.Username,
		Roles:          dedupeRoles(subject.Roles),
		TokenType:      typ,
		IssuedAtMicros: now.UnixMicro(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ID: jti, Type: typ, IssuedAt: now, ExpiresAt: exp}, nil
}

// Verify checks signature, expiry and then revocation. Revocation store
// failures are reported as ErrTokenRevoked.
func (s *TokenService) Verify(ctx context.Context, raw string, want TokenType) (*Claims, error) {
	claims, err := s.parse(raw, true)
	if err != nil {
		obs.ObserveTokenVerification(resultLabel(err))
		return nil, err
	}
	if claims.TokenType != want {
		obs.ObserveTokenVerification("invalid")
		return nil, ErrInvalidToken
	}
	revoked, err := s.isRevoked(ctx, raw, claims)
	if err != nil {
		obs.Error("revocation check failed; rejecting token", map[string]any{
			"subject": claims.Subject,
			"error":   err.Error(),
		})
		obs.ObserveTokenVerification("revoked")
		return nil, ErrTokenRevoked
	}
	if revoked {
		obs.ObserveTokenVerification("revoked")
		return nil, ErrTokenRevoked
	}
	obs.ObserveTokenVerification("valid")
	return claims, nil
}

// Revoke records the hash of raw until its natural expiry. Already expired
// tokens need no record.
func (s *TokenService) Revoke(ctx context.Context, raw, reason string) error {
	claims, err := s.parse(raw, false)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	exp := claims.ExpiresAt.Time
	if !exp.After(now) {
		return nil
	}
	rec := RevokedToken{
		TokenHash: HashToken(raw),
		SubjectID: claims.Subject,
		Reason:    reason,
		RevokedAt: now,
		ExpiresAt: exp,
	}
	if err := s.revocations.RevokeToken(ctx, rec); err != nil {
		return storeError("revoke token", err)
	}
	return nil
}

// RevokeAllForSubject rejects every token of subjectID issued up to now, at
// microsecond resolution.
func (s *TokenService) RevokeAllForSubject(ctx context.Context, subjectID, reason string) error {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	lifetime := s.refreshTTL
	if s.accessTTL > lifetime {
		lifetime = s.accessTTL
	}
	rec := SubjectRevocation{
		SubjectID:     subjectID,
		RevokedBefore: now,
		Reason:        reason,
		ExpiresAt:     now.Add(lifetime),
	}
	if err := s.revocations.RevokeSubject(ctx, rec); err != nil {
		return storeError("revoke subject", err)
	}
	return nil
}

// PurgeExpired deletes revocation records past their expiry.
func (s *TokenService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.revocations.PurgeExpiredRevocations(ctx, s.now().UTC())
}

func (s *TokenService) parse(raw string, validate bool) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	}
	if !validate {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || (validate && !parsed.Valid) {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *TokenService) isRevoked(ctx context.Context, raw string, claims *Claims) (bool, error) {
	now := s.now().UTC()
	revoked, err := s.revocations.IsTokenRevoked(ctx, HashToken(raw), now)
	if err != nil {
		return false, err
	}
	if revoked {
		return true, nil
	}
	cutoff, ok, err := s.revocations.SubjectRevokedBefore(ctx, claims.Subject, now)
	if err != nil {
		return false, err
	}
	return ok && !claims.Issued().After(cutoff), nil
}

// HashToken returns the hex SHA-256 of a raw token; only this value is persisted.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	default:
		return "invalid"
	}
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var out []string
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}
