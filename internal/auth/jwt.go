// Package auth issues and verifies the bearer tokens terminals present to the
// sync server.
package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "depotvente-sync"

// Roles carried in Claims.
const (
	RoleTerminal = "terminal"
	RoleAdmin    = "admin"
)

// Claims identifies the caller.
type Claims struct {
	WorkstationID int    `json:"workstation_id"`
	Role          string `json:"role"`

	jwt.RegisteredClaims
}

// JWT signs and verifies HS256 tokens.
type JWT struct {
	Secret   []byte
	TokenTTL time.Duration
	now      func() time.Time
}

// NewJWT creates a JWT.
func NewJWT(secret string, ttl time.Duration) JWT {
	return JWT{Secret: []byte(secret), TokenTTL: ttl, now: time.Now}
}

func (j JWT) clock() time.Time {
	if j.now != nil {
		return j.now().UTC()
	}
	return time.Now().UTC()
}

// Sign issues a token for claims, filling the registered claims that are unset.
func (j JWT) Sign(claims Claims) (token string, expiresAt time.Time, err error) {
	if len(j.Secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret is empty")
	}
	now := j.clock()
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.NotBefore == nil {
		claims.NotBefore = jwt.NewNumericDate(now.Add(-5 * time.Second))
	}
	if claims.ExpiresAt == nil {
		expiresAt = now.Add(j.TokenTTL)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	} else {
		expiresAt = claims.ExpiresAt.Time
	}
	if claims.Issuer == "" {
		claims.Issuer = issuer
	}
	if claims.Subject == "" {
		claims.Subject = "workstation-" + strconv.Itoa(claims.WorkstationID)
	}
	if claims.Role == "" {
		claims.Role = RoleTerminal
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString(j.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return s, expiresAt, nil
}

// Verify parses token and checks its signature, expiry and issuer.
func (j JWT) Verify(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return j.Secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(j.clock))
	if err != nil {
		return Claims{}, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	return *c, nil
}
