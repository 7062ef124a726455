package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

const (
	opAuthenticate       = "auth.authenticate"
	bearerPrefix         = "Bearer "
	accessTokenQueryName = "access_token"
)

var (
	ErrMissingGateSigningKey = errors.New("identity gate: signing key required")
	ErrMissingGateIssuer     = errors.New("identity gate: issuer required")
	ErrMissingGateAudience   = errors.New("identity gate: audience required")
	ErrMissingCredential     = errors.New("identity gate: credential required")
	ErrInvalidCredential     = errors.New("identity gate: invalid credential")
	ErrExpiredCredential     = errors.New("identity gate: credential expired")
	ErrMissingSubject        = errors.New("identity gate: subject required")
)

// GateConfig describes how the Gate validates access tokens.
type GateConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	CookieName    string
	Clock         func() time.Time
}

// Gate validates bearer credentials and resolves them to an Identity. It holds
// no state beyond its configuration.
type Gate struct {
	signingSecret []byte
	issuer        string
	audience      string
	cookieName    string
	clock         func() time.Time
}

// NewGate constructs a Gate with the provided configuration.
func NewGate(cfg GateConfig) (*Gate, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingGateSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingGateIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingGateAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Gate{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		cookieName:    strings.TrimSpace(cfg.CookieName),
		clock:         clock,
	}, nil
}

// Authenticate validates the credential and returns the identity it carries.
// Every failure is reported as apperr.KindUnauthenticated.
func (g *Gate) Authenticate(_ context.Context, credential string) (Identity, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return Identity{}, unauthenticated("missing_credential", ErrMissingCredential)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidCredential, t.Method.Alg())
			}
			return g.signingSecret, nil
		},
		jwt.WithTimeFunc(g.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(g.issuer),
		jwt.WithAudience(g.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, unauthenticated("expired_credential", ErrExpiredCredential)
		}
		return Identity{}, unauthenticated("invalid_credential", fmt.Errorf("%w: %v", ErrInvalidCredential, err))
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, unauthenticated("invalid_credential", ErrInvalidCredential)
	}

	identity := claims.identity()
	if identity.UserID == "" {
		return Identity{}, unauthenticated("missing_subject", ErrMissingSubject)
	}
	return identity, nil
}

// CredentialFromRequest extracts a credential from the Authorization header,
// the access_token query parameter (browsers cannot set headers on WebSocket
// upgrades), or the configured cookie, in that order.
func (g *Gate) CredentialFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		if token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); token != "" {
			return token
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQueryName)); token != "" {
		return token
	}
	if g.cookieName != "" {
		if cookie, err := r.Cookie(g.cookieName); err == nil && cookie != nil {
			return strings.TrimSpace(cookie.Value)
		}
	}
	return ""
}

func unauthenticated(reason string, cause error) error {
	return apperr.New(apperr.KindUnauthenticated, opAuthenticate+"."+reason, cause)
}
