package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "chat_sync"

// Claims is the payload of the tokens handed out by /login.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Identity returns the label of the party the claims were issued to.
func (c *Claims) Identity() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// Issue signs an HS256 token for email that expires after ttl.
func Issue(secret []byte, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify checks the signature and expiry of raw and returns its identity.
func Verify(secret []byte, raw string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return "", err
	}
	if claims.Identity() == "" {
		return "", errors.New("token carries no identity")
	}
	return claims.Identity(), nil
}

// Identity decodes raw without checking its signature, which only the
// issuing service can do, and rejects it if it is expired.
func Identity(raw string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", err
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(time.Now()) {
		return "", fmt.Errorf("token expired at %s", claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	if claims.Identity() == "" {
		return "", errors.New("token carries no identity")
	}
	return claims.Identity(), nil
}
