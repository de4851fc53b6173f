package models

import (
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the minimum accepted password length.
const MinPasswordLength = 8

// commonPasswords are well-known passwords rejected regardless of strength.
// Comparison is case-insensitive.
var commonPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"12345678":    {},
	"123456789":   {},
	"1234567890":  {},
	"qwerty123":   {},
	"qwertyuiop":  {},
	"letmein123":  {},
	"iloveyou1":   {},
	"admin123":    {},
	"welcome1":    {},
	"abc12345":    {},
	"sunshine1":   {},
	"monkey123":   {},
	"dragon123":   {},
	"football1":   {},
	"baseball1":   {},
	"superman1":   {},
	"trustno1":    {},
}

// PasswordIsStrong checks the password strength policy: at least
// MinPasswordLength characters with an upper-case letter, a lower-case letter
// and a digit, and not on the common-password list.
func PasswordIsStrong(password string) bool {
	if len(password) < MinPasswordLength {
		return false
	}
	if _, common := commonPasswords[strings.ToLower(password)]; common {
		return false
	}

	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	return hasUpper && hasLower && hasDigit
}

// HashPassword hashes the password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a stored hash against a candidate password.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
