// Package httpx holds the pieces shared by the service HTTP clients:
// bearer authentication and status classification for the retry engine.
package httpx

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authorizer sets credentials on an outgoing request.
type Authorizer interface {
	Authorize(req *http.Request) error
}

// StaticBearer sends a fixed token.
type StaticBearer string

func (b StaticBearer) Authorize(req *http.Request) error {
	if tok := strings.TrimSpace(string(b)); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

// ServiceJWT mints short-lived HS256 service tokens and reuses each one
// until shortly before it expires.
type ServiceJWT struct {
	secret  []byte
	issuer  string
	subject string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewServiceJWT(secret, issuer, subject string, ttl time.Duration) (*ServiceJWT, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ServiceJWT{secret: []byte(secret), issuer: issuer, subject: subject, ttl: ttl, now: time.Now}, nil
}

func (s *ServiceJWT) Authorize(req *http.Request) error {
	tok, err := s.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// Token returns a cached token or mints a new one.
func (s *ServiceJWT) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Add(s.ttl/5).Before(s.expires) {
		return s.token, nil
	}
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", err
	}
	s.token, s.expires = signed, exp
	return signed, nil
}

// NewAuthorizer picks ServiceJWT when a secret is set, else StaticBearer.
func NewAuthorizer(bearer, jwtSecret, issuer, subject string, ttl time.Duration) (Authorizer, error) {
	if strings.TrimSpace(jwtSecret) != "" {
		return NewServiceJWT(jwtSecret, issuer, subject, ttl)
	}
	return StaticBearer(bearer), nil
}
