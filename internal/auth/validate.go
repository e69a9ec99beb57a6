package auth

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MinPasswordLength = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLength = 72
	maxFullNameLength = 100
)

var (
	usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)
	validate      = validator.New()
)

func normalizeUsername(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func validateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return invalid("username", "must be 3-32 characters of a-z, 0-9, '_', '.', '-'")
	}
	return nil
}

func validateEmail(email string) error {
	if err := validate.Var(email, "required,email,max=254"); err != nil {
		return invalid("email", "is not a valid address")
	}
	return nil
}

func validateFullName(fullName string) error {
	if fullName == "" {
		return invalid("full_name", "is required")
	}
	if !utf8.ValidString(fullName) || utf8.RuneCountInString(fullName) > maxFullNameLength {
		return invalid("full_name", "is invalid")
	}
	return nil
}

// validatePassword counts characters for the minimum and bytes for the
// bcrypt maximum.
func validatePassword(field, password string) error {
	if !utf8.ValidString(password) {
		return invalid(field, "must be valid utf-8")
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return invalid(field, "must be at least 8 characters")
	}
	if len(password) > maxPasswordLength {
		return invalid(field, "must be at most 72 bytes")
	}
	return nil
}
