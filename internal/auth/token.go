package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for malformed, unsigned or wrongly signed tokens
	ErrInvalidToken = errors.New("invalid session token")

	// ErrExpiredToken is returned for tokens past their expiry
	ErrExpiredToken = errors.New("session token has expired")

	// ErrMissingSubject is returned when the token names no principal
	ErrMissingSubject = errors.New("session token has no subject")
)

// clockSkew tolerates small clock differences with the identity provider.
const clockSkew = 30 * time.Second

// TokenVerifier resolves a session token to a principal id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// JWTVerifier verifies RS256 session tokens issued by the identity provider.
type JWTVerifier struct {
	key    *rsa.PublicKey
	issuer string
}

// NewJWTVerifier parses a PEM-encoded RSA public key. An empty issuer
// disables the issuer check.
func NewJWTVerifier(publicKeyPEM []byte, issuer string) (*JWTVerifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse session public key: %w", err)
	}
	return &JWTVerifier{key: key, issuer: issuer}, nil
}

func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}
