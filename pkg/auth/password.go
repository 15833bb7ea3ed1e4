package auth

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 10
	// bcrypt ignores everything past 72 bytes.
	maxPasswordBytes = 72
)

var (
	ErrPasswordTooShort      = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	ErrPasswordTooLong       = fmt.Errorf("password must be at most %d bytes", maxPasswordBytes)
	ErrPasswordMissingUp     = errors.New("password must contain an uppercase letter")
	ErrPasswordMissingLow    = errors.New("password must contain a lowercase letter")
	ErrPasswordMissingNum    = errors.New("password must contain a digit")
	ErrPasswordMissingSymbol = errors.New("password must contain a special character")
)

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword validates a password against a bcrypt hash.
func CheckPassword(password, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// ValidatePassword enforces the account password policy.
func ValidatePassword(password string) error {
	if len([]rune(password)) < minPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > maxPasswordBytes {
		return ErrPasswordTooLong
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	switch {
	case !upper:
		return ErrPasswordMissingUp
	case !lower:
		return ErrPasswordMissingLow
	case !digit:
		return ErrPasswordMissingNum
	case !special:
		return ErrPasswordMissingSymbol
	}
	return nil
}
