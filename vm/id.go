package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	minVmmIDLength = 1
	maxVmmIDLength = 60
)

var (
	// ErrVmmIDTooShort is returned by ValidateVmmID for the empty string.
	ErrVmmIDTooShort = errors.New("vm: vmm id is too short")
	// ErrVmmIDTooLong is returned by ValidateVmmID for ids over 60 characters.
	ErrVmmIDTooLong = errors.New("vm: vmm id is too long")
	// ErrVmmIDContainsInvalidCharacter is returned for any character outside
	// [A-Za-z0-9-].
	ErrVmmIDContainsInvalidCharacter = errors.New("vm: vmm id contains an invalid character")
)

// NewVmmID returns a random id satisfying ValidateVmmID, for callers that
// don't need a caller-chosen --id. A v4 UUID's alphabet (hex digits and
// dashes) is already a subset of the valid character set.
func NewVmmID() string {
	return strings.ToLower(uuid.NewString())
}

// ValidateVmmID checks id against the VMM's own id constraints before it is
// passed to an executor's Invoke as --id.
func ValidateVmmID(id string) error {
	if len(id) < minVmmIDLength {
		return ErrVmmIDTooShort
	}
	if len(id) > maxVmmIDLength {
		return ErrVmmIDTooLong
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return fmt.Errorf("%w: %q", ErrVmmIDContainsInvalidCharacter, id)
		}
	}
	return nil
}
