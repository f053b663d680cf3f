package auth

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/webinar-backend/internal/store"
)

const (
	RoleHost        = "host"
	RoleCoHost      = "co-host"
	RoleParticipant = "participant"
)

// Principal is a verified caller.
type Principal struct {
	User string // email for hosts, sanitized phone for participants
	Name string
	Role string
}

// UserType maps the principal's role onto a presence partition.
func (p Principal) UserType() store.UserType {
	if p.Role == RoleParticipant {
		return store.Participants
	}
	return store.Hosts
}

// IsHost reports whether the principal may run host-only operations.
func (p Principal) IsHost() bool {
	return p.Role == RoleHost || p.Role == RoleCoHost
}

type sessionClaims struct {
	jwt.RegisteredClaims
	User string `json:"user"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// TokenIssuer mints and verifies the HS256 session tokens handed out at
// login.
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
}

func NewTokenIssuer(secret string, expiry time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), expiry: expiry}
}

func (ti *TokenIssuer) Issue(p Principal) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.expiry)),
		},
		User: p.User,
		Name: p.Name,
		Role: p.Role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

func (ti *TokenIssuer) Verify(tokenString string) (*Principal, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return ti.secret, nil
		},
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("session token invalid: %w", err)
	}
	if !token.Valid || claims.User == "" || claims.Role == "" {
		return nil, fmt.Errorf("session token invalid")
	}
	return &Principal{User: claims.User, Name: claims.Name, Role: claims.Role}, nil
}

var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{9,14}$`)

// NormalizePhone strips formatting from a phone number and validates it.
// The returned form (digits only) doubles as the participant's presence key.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	if !phonePattern.MatchString(cleaned) {
		return "", fmt.Errorf("malformed phone number")
	}
	return strings.TrimPrefix(cleaned, "+"), nil
}
