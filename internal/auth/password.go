// Package auth implements the Auth & Service-Token Module (spec.md §4.6).
// Password hashing is grounded directly on
// mattcburns-shoal-provision/pkg/auth/password.go.
package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/jeffreysanford/soundforge/internal/apperr"
)

// DefaultCost is the bcrypt work factor, matching spec.md §4.6's "work
// factor >= 10" and mattcburns-shoal-provision's DefaultCost = 12.
const DefaultCost = 12

// HashPassword hashes a plaintext password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", apperr.Validation("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword checks a plaintext password against its bcrypt hash.
func VerifyPassword(password, hash string) error {
	if password == "" || hash == "" {
		return apperr.Auth("password and hash required")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return apperr.Auth("invalid credentials")
	}
	return nil
}
