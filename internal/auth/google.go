// Package auth verifies who is calling: Google ID tokens for hosts,
// whitelisted phone numbers for participants, and HS256 session tokens for
// everything after login.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// GoogleClaims are the identity fields taken from a verified Google ID token.
type GoogleClaims struct {
	Email string
	Name  string
	Sub   string
}

type googleTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// GoogleValidator validates Google ID tokens against Google's JWKS.
type GoogleValidator struct {
	jwks     *keyfunc.JWKS
	issuer   string
	audience string
}

// NewGoogleValidator fetches and caches Google's signing keys. The fetch is
// retried because the server may come up before its network does.
func NewGoogleValidator(jwksURL, issuer, audience string) (*GoogleValidator, error) {
	slog.Info("Initializing Google JWKS validator", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for Google JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Google JWKS after retries: %w", err)
	}

	return &GoogleValidator{
		jwks:     jwks,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// ValidateIDToken parses and validates a Google ID token.
func (v *GoogleValidator) ValidateIDToken(tokenString string) (*GoogleClaims, error) {
	claims := &googleTokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if !claims.EmailVerified {
		return nil, fmt.Errorf("email not verified")
	}

	return &GoogleClaims{
		Email: claims.Email,
		Name:  claims.Name,
		Sub:   claims.Subject,
	}, nil
}

// Close shuts down the JWKS background refresh goroutine.
func (v *GoogleValidator) Close() {
	v.jwks.EndBackground()
}
