package store

import (
	"errors"
	"strings"
)

var (
	ErrInvalidUsername    = errors.New("username may only contain letters, digits, '_', '.' and '-'")
	ErrUsernameTaken      = errors.New("username is already taken")
	ErrWeakPassword       = errors.New("password must be at least 10 characters and contain a lowercase letter, an uppercase letter and a digit")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNoSuchAccount      = errors.New("no such account")
	ErrNoSuchMessage      = errors.New("no such message")
)

// ValidationError reports every rule an account registration broke.
type ValidationError struct {
	Errs []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, "- "+err.Error())
	}
	return "account creation failed:\n" + strings.Join(msgs, "\n")
}

// Unwrap lets errors.Is match the individual rule errors.
func (e *ValidationError) Unwrap() []error {
	return e.Errs
}
