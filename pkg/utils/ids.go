package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	// mediumNamespace seeds deterministic medium and machine IDs
	mediumNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8") // URL namespace UUID

	// safeNamePattern matches medium and machine names: alphanumerics plus . _ -
	safeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
)

// MaxControllerNameLength bounds storage controller names
const MaxControllerNameLength = 64

// GenerateID returns a new random identifier
func GenerateID() uuid.UUID {
	return uuid.New()
}

// NameToID generates a deterministic ID from a medium or machine name.
// The same name always produces the same ID so an inventory reload keeps identities stable.
func NameToID(name string) uuid.UUID {
	return uuid.NewSHA1(mediumNamespace, []byte(name))
}

// ValidateName validates a medium or machine name
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidParameter)
	}
	if len(name) > 250 {
		return fmt.Errorf("%w: name %q too long (max 250 characters)", ErrInvalidParameter, name)
	}
	if !safeNamePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q contains invalid characters", ErrInvalidParameter, name)
	}
	return nil
}

// ValidateControllerName validates a storage controller name.
// Controller names are free-form ("SATA Controller", "IDE-Primary") but must be
// printable and must not be blank.
func ValidateControllerName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: controller name cannot be empty", ErrInvalidParameter)
	}
	if len(name) > MaxControllerNameLength {
		return fmt.Errorf("%w: controller name %q too long (max %d characters)", ErrInvalidParameter, name, MaxControllerNameLength)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: controller name %q contains control characters", ErrInvalidParameter, name)
		}
	}
	return nil
}
