package account

import (
	"regexp"
	"strings"
	"unicode"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// PasswordPolicy applies only to password signups; pair-based signups carry
// their entropy in the pair itself.
type PasswordPolicy struct {
	MinLength  int
	MinClasses int // of lowercase, uppercase, digit, other
}

func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 8, MinClasses: 3}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateUsername(username string) *Error {
	if username == "" {
		return failValidation("username is required")
	}
	if !usernamePattern.MatchString(username) {
		return failValidation("username may only contain letters, digits, dots, underscores and hyphens")
	}
	return nil
}

func (p PasswordPolicy) validate(password string) *Error {
	if len(password) < p.MinLength {
		return failValidation("password must be at least %d characters", p.MinLength)
	}
	var lower, upper, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, present := range []bool{lower, upper, digit, other} {
		if present {
			classes++
		}
	}
	if classes < p.MinClasses {
		return failValidation("password must mix at least %d of: lowercase, uppercase, digits, symbols", p.MinClasses)
	}
	return nil
}
