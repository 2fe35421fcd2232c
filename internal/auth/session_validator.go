package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionIssuer is the issuer stamped on and expected in session tokens.
const DefaultSessionIssuer = "teamshare-auth"

const bearerScheme = "bearer"

var (
	ErrSigningSecretRequired  = errors.New("auth: signing secret required")
	ErrCookieNameRequired     = errors.New("auth: session cookie name required")
	ErrNoSessionToken         = errors.New("auth: no session token presented")
	ErrSessionTokenRejected   = errors.New("auth: session token rejected")
	ErrSessionExpired         = errors.New("auth: session expired")
	ErrSessionIdentityMissing = errors.New("auth: session carries no user identity")
)

// SessionClaims is the JWT payload of a teamshare session. UserID may carry a
// "provider:subject" pair that the users package maps to a canonical id.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email,omitempty"`
	UserDisplayName string   `json:"user_display_name,omitempty"`
	UserAvatarURL   string   `json:"user_avatar_url,omitempty"`
	UserRoles       []string `json:"user_roles,omitempty"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig configures NewSessionValidator. Issuer defaults to
// DefaultSessionIssuer; Clock defaults to time.Now.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator checks HS256 teamshare sessions taken from the
// Authorization header or the session cookie.
type SessionValidator struct {
	secret     []byte
	cookieName string
	parser     *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrSigningSecretRequired
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrCookieNameRequired
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		cookieName: cookieName,
		parser: jwt.NewParser(
			jwt.WithTimeFunc(clock),
			jwt.WithIssuer(issuer),
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		),
	}, nil
}

// ValidateToken parses a raw session token and returns its claims. Expiry is
// reported as ErrSessionExpired so callers can log it quietly.
func (v *SessionValidator) ValidateToken(raw string) (SessionClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SessionClaims{}, ErrNoSessionToken
	}

	var claims SessionClaims
	token, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrSessionExpired
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrSessionTokenRejected, err)
	case token == nil || !token.Valid:
		return SessionClaims{}, ErrSessionTokenRejected
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrSessionIdentityMissing
	}
	return claims, nil
}

// ValidateRequest validates the session presented by r. A bearer header wins
// over the cookie; any other Authorization scheme is rejected outright.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	raw, err := v.sessionToken(r)
	if err != nil {
		return SessionClaims{}, err
	}
	return v.ValidateToken(raw)
}

func (v *SessionValidator) sessionToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrNoSessionToken
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, credentials, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, bearerScheme) {
			return "", ErrSessionTokenRejected
		}
		return credentials, nil
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return "", ErrNoSessionToken
	}
	return cookie.Value, nil
}
