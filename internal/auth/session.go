// Package auth resolves WebSocket connection tokens into user sessions.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnknownToken = errors.New("auth: unknown token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// Session is the identity a token resolves to.
type Session struct {
	UserID    string
	ExpiresAt time.Time
}

// TokenStore resolves an opaque connection token to a session.
type TokenStore interface {
	Resolve(token string) (Session, error)
}

// JWTVerifier resolves HS256 JWTs: sub carries the user id, exp the expiry.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a verifier for the shared signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

// Resolve parses and validates the token.
func (v *JWTVerifier) Resolve(token string) (Session, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrExpiredToken
		}
		return Session{}, fmt.Errorf("%w: %v", ErrUnknownToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Session{}, ErrUnknownToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Session{}, ErrUnknownToken
	}

	sess := Session{UserID: sub}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		sess.ExpiresAt = exp.Time
	}
	return sess, nil
}

// MemoryTokenStore maps opaque tokens to sessions. Used by tests and
// static-token deployments.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]Session
	now    func() time.Time
}

// NewMemoryTokenStore creates an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens: make(map[string]Session),
		now:    time.Now,
	}
}

// Put registers a token.
func (s *MemoryTokenStore) Put(token string, sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = sess
}

// Revoke removes a token.
func (s *MemoryTokenStore) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// Resolve looks the token up and checks expiry.
func (s *MemoryTokenStore) Resolve(token string) (Session, error) {
	s.mu.RLock()
	sess, ok := s.tokens[token]
	s.mu.RUnlock()

	if !ok {
		return Session{}, ErrUnknownToken
	}
	if !sess.ExpiresAt.IsZero() && s.now().After(sess.ExpiresAt) {
		return Session{}, ErrExpiredToken
	}
	return sess, nil
}
