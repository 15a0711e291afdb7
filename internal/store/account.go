package store

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/sha3"
)

// MinPasswordLength is the shortest password registration accepts.
const MinPasswordLength = 10

// Names the filesystem layout reserves next to account directories.
const (
	LostDirName    = "LOST"
	StagingDirName = ".staging"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidUsername reports whether name is an acceptable account name.
func ValidUsername(name string) bool {
	if !usernamePattern.MatchString(name) {
		return false
	}
	switch name {
	case ".", "..", LostDirName, StagingDirName:
		return false
	}
	return true
}

// StrongPassword reports whether pw satisfies the registration policy.
func StrongPassword(pw string) bool {
	if utf8.RuneCountInString(pw) < MinPasswordLength {
		return false
	}
	var lower, upper, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return lower && upper && digit
}

// CheckRegistration runs the registration rules. taken reports whether the
// name already belongs to an account. The result is nil or a *ValidationError.
func CheckRegistration(username, password string, taken bool) error {
	var errs []error
	if !ValidUsername(username) {
		errs = append(errs, ErrInvalidUsername)
	}
	if taken {
		errs = append(errs, ErrUsernameTaken)
	}
	if !StrongPassword(password) {
		errs = append(errs, ErrWeakPassword)
	}
	if len(errs) > 0 {
		return &ValidationError{Errs: errs}
	}
	return nil
}

// prehash folds a password of any length into the 64 bytes bcrypt accepts.
func prehash(password string) []byte {
	sum := sha3.Sum384([]byte(password))
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum[:])
	return out
}

// HashPassword produces the credential record for a new account.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(prehash(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks password against a stored credential record. Besides
// bcrypt, hex SHA3-512 digests written by older servers are accepted.
func VerifyPassword(record, password string) error {
	record = strings.TrimSpace(record)
	if strings.HasPrefix(record, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(record), prehash(password)) == nil {
			return nil
		}
		// records hashed from the raw password
		if len(password) <= 72 && bcrypt.CompareHashAndPassword([]byte(record), []byte(password)) == nil {
			return nil
		}
		return ErrInvalidCredentials
	}

	want, err := hex.DecodeString(record)
	if err != nil || len(want) != 64 {
		return ErrInvalidCredentials
	}
	got := sha3.Sum512([]byte(password))
	if subtle.ConstantTimeCompare(got[:], want) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
