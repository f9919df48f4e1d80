package managedav

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned by TokenSigner.Validate for an expired,
// malformed, or wrong-subject token.
var ErrInvalidToken = errors.New("managedav: invalid access token")

// tokenClaims carries the session id as the JWT subject, grounded on the
// teacher's auth.Claims (jwt.RegisteredClaims embedding, HS256 signing).
type tokenClaims struct {
	DeviceID string `json:"deviceId,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner mints and verifies the short-TTL access tokens handed to
// mobile clients by POST /v1/mobile/voice/session (spec.md §4.6), grounded
// on the teacher's auth.JWTService.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner builds a TokenSigner. ttl is the access token's lifetime;
// the 20%-remaining refresh threshold (spec.md §4.6) is computed by callers
// against the expiresAt this issues.
func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	return &TokenSigner{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token bound to sessionID/deviceID, returning the token and
// its expiry.
func (s *TokenSigner) Issue(sessionID, deviceID string) (token string, expiresAt time.Time, err error) {
	now := time.Now()
	expiresAt = now.Add(s.ttl)
	claims := tokenClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate parses token and returns the session id it was issued for.
func (s *TokenSigner) Validate(token string) (sessionID string, err error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
