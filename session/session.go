// Package session tracks the current identity. The desktop shell performs
// the actual login against the backend's auth service and hands the access
// token to this process; everything here is validation and lifecycle.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"worklog-api/domain"
)

var (
	errNoToken      = errors.New("no access token")
	errInvalidToken = errors.New("invalid access token")
)

// Session is the explicit identity context injected into the domain services
// and the sync coordinator. When no valid token is held, every accessor
// falls back to the guest identity so records always have an owner.
type Session struct {
	jwks     *keyfunc.JWKS
	secret   []byte
	audience string
	parser   *jwt.Parser

	mu    sync.RWMutex
	token string
	user  domain.User
}

// New creates a session validating HS256 tokens with the given shared
// secret. audience is typically "authenticated".
func New(secret []byte, audience string) *Session {
	return &Session{
		secret:   secret,
		audience: audience,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
		user:     domain.Guest(),
	}
}

// NewWithJWKS creates a session validating RS256 tokens against a JWKS
// endpoint, for deployments with asymmetric signing enabled.
func NewWithJWKS(jwks *keyfunc.JWKS, audience string) *Session {
	return &Session{
		jwks:     jwks,
		audience: audience,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		user:     domain.Guest(),
	}
}

// Refresh validates and adopts a new access token. An invalid token leaves
// the previous identity untouched and returns the validation error.
func (s *Session) Refresh(token string) (domain.User, error) {
	if token == "" {
		return s.CurrentUser(), errNoToken
	}
	user, err := s.validate(token)
	if err != nil {
		return s.CurrentUser(), err
	}

	s.mu.Lock()
	s.token = token
	s.user = user
	s.mu.Unlock()
	return user, nil
}

// Clear drops the identity back to guest, e.g. on logout.
func (s *Session) Clear() {
	s.mu.Lock()
	s.token = ""
	s.user = domain.Guest()
	s.mu.Unlock()
}

// CurrentUser returns the held identity, guest when none.
func (s *Session) CurrentUser() domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Authenticated reports whether a real (non-guest) identity is held and its
// token has not expired.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	token := s.token
	user := s.user
	s.mu.RUnlock()
	if token == "" || user.IsGuest() {
		return false
	}
	if _, err := s.validate(token); err != nil {
		return false
	}
	return true
}

// AccessToken implements remote.TokenSource.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) validate(token string) (domain.User, error) {
	var parsed *jwt.Token
	var err error
	if s.jwks != nil {
		parsed, err = s.parser.Parse(token, s.jwks.Keyfunc)
	} else {
		parsed, err = s.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return s.secret, nil
		})
	}
	if err != nil {
		return domain.User{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return domain.User{}, errInvalidToken
	}
	now := time.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return domain.User{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return domain.User{}, errors.New("token not valid yet")
	}
	if s.audience != "" && !claims.VerifyAudience(s.audience, false) {
		return domain.User{}, errors.New("invalid audience")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return domain.User{}, errors.New("missing sub")
	}
	email, _ := claims["email"].(string)

	return domain.User{
		ID:        sub,
		Email:     email,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}
