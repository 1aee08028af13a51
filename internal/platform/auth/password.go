package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/medvault/medvault/internal/platform/apperr"
)

const MinPasswordLength = 8

// HashPassword validates and bcrypt-hashes a plaintext password.
func HashPassword(plain string) (string, error) {
	if len(plain) < MinPasswordLength {
		return "", apperr.Validation("password must be at least %d characters", MinPasswordLength)
	}
	if len(plain) > 72 {
		return "", apperr.Validation("password must be at most 72 bytes")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares plain against a stored bcrypt hash.
func CheckPassword(hash, plain string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("compare password: %w", err)
}
