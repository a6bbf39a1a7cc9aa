// Package auth resolves the identity behind a websocket handshake from the
// signed session token carried in its cookie.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCookieName is the cookie the login flow stores the session token in.
const DefaultCookieName = "token"

var (
	ErrMissingToken = errors.New("missing session token")
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token has expired")
)

// Identity is the user bound to a connection. It never changes once resolved.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Claims is the payload of a session token.
type Claims struct {
	UserID   UserRef `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 session tokens.
type Authenticator struct {
	secret     []byte
	cookieName string
	parser     *jwt.Parser
}

// NewAuthenticator returns an Authenticator reading the token from cookieName.
// An empty cookieName falls back to DefaultCookieName.
func NewAuthenticator(secret []byte, cookieName string) *Authenticator {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Authenticator{
		secret:     secret,
		cookieName: cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Resolve extracts the session token from the request cookies and verifies it.
// A failure is a reason, not a fault: callers keep the connection and treat
// it as anonymous.
func (a *Authenticator) Resolve(r *http.Request) (*Identity, error) {
	cookie, err := r.Cookie(a.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrMissingToken
	}
	return a.Verify(cookie.Value)
}

// Verify checks the signature and expiry of a raw token.
func (a *Authenticator) Verify(raw string) (*Identity, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{UserID: string(claims.UserID), Username: claims.Username}, nil
}

// Issuer signs session tokens with the same secret the Authenticator checks.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an Issuer for secret.
func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret, now: time.Now}
}

// Issue signs a token for id that expires after ttl.
func (i *Issuer) Issue(id Identity, ttl time.Duration) (string, error) {
	now := i.now()
	claims := &Claims{
		UserID:   UserRef(id.UserID),
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Cookie wraps a token in the cookie the Authenticator expects.
func (a *Authenticator) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     a.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
		Secure:   true,
	}
}
