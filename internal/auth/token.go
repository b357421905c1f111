package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jeffreysanford/soundforge/internal/apperr"
)

// Role is a JWT subject's authorization level.
type Role string

const (
	RoleUser         Role = "user"
	RoleAdmin        Role = "admin"
	RoleOrchestrator Role = "orchestrator"
)

// Claims carries {sub, role, exp} per spec.md §4.6.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies bearer tokens with a single HMAC secret shared
// by the Submission API and the Notification Gateway (spec.md: "verification
// is uniform across C3 and C5").
type Issuer struct {
	secret []byte
}

// NewIssuer constructs an Issuer from the configured JWT_SECRET.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue mints a token for sub with role, valid for ttl.
func (i *Issuer) Issue(sub string, role Role, ttl time.Duration) (string, time.Time, error) {
	expires := time.Now().Add(ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, apperr.Auth("sign token: %v", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a bearer token, returning its claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Auth("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.Auth("invalid or expired token")
	}
	return claims, nil
}
