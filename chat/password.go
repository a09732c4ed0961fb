package chat

import (
	"errors"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

var ErrWeakPassword = errors.New("password must be at least 8 characters with 1 number and 1 uppercase letter")

// ValidatePassword enforces the account password policy: at least 8
// characters, at least one digit and at least one uppercase letter.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}

	hasDigit := false
	hasUpper := false
	for _, r := range password {
		if unicode.IsDigit(r) {
			hasDigit = true
		}
		if unicode.IsUpper(r) {
			hasUpper = true
		}
	}

	if !hasDigit || !hasUpper {
		return ErrWeakPassword
	}
	return nil
}

// HashPassword is called once, on the leader, before an account operation is
// proposed; the resulting hash travels inside the operation so every replica
// stores the identical value.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
