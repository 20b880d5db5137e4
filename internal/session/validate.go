package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is wrapped by every session name rejection.
var ErrInvalidName = errors.New("invalid session name")

// Names become directory names under <root>/sessions.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that are not lowercase letters, digits, '-' or
// '_', or that are longer than 64 characters.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: use 1-64 of [a-z0-9_-]", ErrInvalidName, name)
	}
	return nil
}
