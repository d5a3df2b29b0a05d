// Package auth resolves the identity of a connecting client.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
)

var (
	ErrMissingToken    = errors.New("missing token")
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidIdentity = errors.New("invalid identity")
)

// Claims is the token body. Subject carries the identity.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Resolver validates HS256 tokens and turns them into users.
type Resolver struct {
	secret         []byte
	allowAnonymous bool
}

func NewResolver(secret string, allowAnonymous bool) *Resolver {
	return &Resolver{secret: []byte(secret), allowAnonymous: allowAnonymous}
}

// Sign issues a token for identity. Used by tests and the dev tooling.
func (r *Resolver) Sign(identity, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(r.secret)
}

// Parse validates token and returns its claims.
func (r *Resolver) Parse(token string) (*Claims, error) {
	if len(r.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return c, nil
}

// Resolve extracts the user from a connect request. The token is read from
// the "token" query parameter or an "Authorization: Bearer" header. With
// anonymous mode on, a bare "user" query parameter is accepted instead.
func (r *Resolver) Resolve(req *http.Request) (*domain.User, error) {
	token := req.URL.Query().Get("token")
	if token == "" {
		if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}

	if token == "" {
		if r.allowAnonymous {
			identity := strings.TrimSpace(req.URL.Query().Get("user"))
			if !domain.ValidIdentity(identity) {
				return nil, ErrInvalidIdentity
			}
			return domain.NewUser(identity, ""), nil
		}
		return nil, ErrMissingToken
	}

	claims, err := r.Parse(token)
	if err != nil {
		return nil, err
	}
	if !domain.ValidIdentity(claims.Subject) {
		return nil, ErrInvalidIdentity
	}
	return domain.NewUser(claims.Subject, strings.TrimSpace(claims.Name)), nil
}
